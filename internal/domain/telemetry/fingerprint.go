package telemetry

import (
	"crypto/md5" //nolint:gosec // dedup key, not a security boundary
	"encoding/hex"
	"fmt"
	"strings"
)

// Fingerprint derives the deduplication key for an error record from its
// exception type, file, and line. Two records with the same triple always
// produce the same key regardless of message text or timestamp.
func Fingerprint(r ErrorRecord) string {
	parts := []string{r.ExceptionType(), r.File, fmt.Sprintf("%d", r.Line)}
	sum := md5.Sum([]byte(strings.Join(parts, "|"))) //nolint:gosec
	return hex.EncodeToString(sum[:])[:12]
}
