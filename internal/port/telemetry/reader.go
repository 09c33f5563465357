// Package telemetry defines the error stream consumer port.
package telemetry

import (
	"context"

	domtel "github.com/mendhq/mend/internal/domain/telemetry"
)

// Reader is the port interface over the append-only error telemetry stream.
// mend consumes the stream; producing it is out of scope.
type Reader interface {
	// Recent returns up to max of the newest records, oldest first.
	// A missing stream yields an empty slice, not an error.
	Recent(ctx context.Context, max int) ([]domtel.ErrorRecord, error)
}
