package telemetry

import "testing"

func TestFingerprintDeterministic(t *testing.T) {
	rec := ErrorRecord{
		File: "/app/x.py",
		Line: 10,
		Error: &ErrorDetail{
			Type:    "ValueError",
			Message: "bad input",
		},
	}

	a := Fingerprint(rec)
	b := Fingerprint(rec)
	if a != b {
		t.Fatalf("same record produced different fingerprints: %s vs %s", a, b)
	}
	if len(a) != 12 {
		t.Fatalf("expected 12-char fingerprint, got %d chars", len(a))
	}
}

func TestFingerprintIgnoresMessageAndTime(t *testing.T) {
	a := ErrorRecord{
		TS: "2026-01-01T00:00:00Z", File: "svc/mail.go", Line: 42, Msg: "first failure",
		Error: &ErrorDetail{Type: "TimeoutError", Message: "deadline exceeded"},
	}
	b := ErrorRecord{
		TS: "2026-01-02T12:00:00Z", File: "svc/mail.go", Line: 42, Msg: "second failure",
		Error: &ErrorDetail{Type: "TimeoutError", Message: "another message entirely"},
	}
	if Fingerprint(a) != Fingerprint(b) {
		t.Fatal("fingerprint should depend only on type, file, and line")
	}
}

func TestFingerprintDistinguishes(t *testing.T) {
	base := ErrorRecord{File: "a.go", Line: 1, Error: &ErrorDetail{Type: "E"}}

	diffLine := base
	diffLine.Line = 2

	diffFile := base
	diffFile.File = "b.go"

	diffType := base
	diffType.Error = &ErrorDetail{Type: "F"}

	fp := Fingerprint(base)
	for _, other := range []ErrorRecord{diffLine, diffFile, diffType} {
		if Fingerprint(other) == fp {
			t.Fatalf("expected distinct fingerprint for %+v", other)
		}
	}
}

func TestFingerprintNoErrorDetail(t *testing.T) {
	rec := ErrorRecord{File: "a.go", Line: 1}
	if Fingerprint(rec) == "" {
		t.Fatal("expected a fingerprint even without exception detail")
	}
}
