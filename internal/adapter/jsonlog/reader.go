// Package jsonlog reads the append-only JSONL error log produced by the
// instrumented application into structured telemetry records.
package jsonlog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	domtel "github.com/mendhq/mend/internal/domain/telemetry"
	"github.com/mendhq/mend/internal/port/telemetry"
)

// Reader tails a JSONL file of error records.
type Reader struct {
	path string
}

var _ telemetry.Reader = (*Reader)(nil)

// NewReader creates a Reader over the given JSONL file path.
func NewReader(path string) *Reader {
	return &Reader{path: path}
}

// Recent returns up to max of the newest records, oldest first. Lines that
// fail to parse are skipped; a missing file yields an empty slice.
func (r *Reader) Recent(_ context.Context, max int) ([]domtel.ErrorRecord, error) {
	f, err := os.Open(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("jsonlog: open %s: %w", r.path, err)
	}
	defer func() { _ = f.Close() }()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("jsonlog: scan %s: %w", r.path, err)
	}

	if max > 0 && len(lines) > max {
		lines = lines[len(lines)-max:]
	}

	records := make([]domtel.ErrorRecord, 0, len(lines))
	for _, line := range lines {
		var rec domtel.ErrorRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}
