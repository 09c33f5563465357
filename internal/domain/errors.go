// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict.
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrValidation indicates invalid caller input.
var ErrValidation = errors.New("validation failed")

// ErrSafety indicates an operation was refused by a sandbox safety check
// (protected branch, blocked path).
var ErrSafety = errors.New("safety violation")

// ErrSessionActive indicates another repair session currently holds the lease.
var ErrSessionActive = errors.New("repair session already in progress")
