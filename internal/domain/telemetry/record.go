// Package telemetry defines the structured error records consumed from the
// append-only error log. mend only reads this stream; producing it is the
// instrumented application's job.
package telemetry

import "encoding/json"

// ErrorDetail carries exception information attached to a record.
type ErrorDetail struct {
	Type      string   `json:"type"`
	Message   string   `json:"message"`
	Traceback []string `json:"traceback,omitempty"`
}

// ErrorRecord is one line of the JSONL error log.
type ErrorRecord struct {
	TS     string          `json:"ts"`
	Level  string          `json:"level"`
	Logger string          `json:"logger"`
	File   string          `json:"file"`
	Line   int             `json:"line"`
	Func   string          `json:"func"`
	Msg    string          `json:"msg"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  *ErrorDetail    `json:"error,omitempty"`
}

// ExceptionType returns the attached exception type, or "" when the record
// carries no exception detail.
func (r ErrorRecord) ExceptionType() string {
	if r.Error == nil {
		return ""
	}
	return r.Error.Type
}
