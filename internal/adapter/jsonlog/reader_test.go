package jsonlog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeLog(t *testing.T, lines string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "errors.jsonl")
	if err := os.WriteFile(path, []byte(lines), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRecentParsesRecords(t *testing.T) {
	path := writeLog(t, `{"ts":"2026-01-01T00:00:00Z","level":"ERROR","file":"/app/x.py","line":10,"msg":"boom","error":{"type":"ValueError","message":"bad"}}
{"ts":"2026-01-01T00:01:00Z","level":"ERROR","file":"/app/y.py","line":20,"msg":"crash","error":{"type":"KeyError","message":"missing","traceback":["a","b"]}}
`)

	recs, err := NewReader(path).Recent(context.Background(), 30)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].ExceptionType() != "ValueError" {
		t.Errorf("expected ValueError, got %s", recs[0].ExceptionType())
	}
	if recs[1].Line != 20 {
		t.Errorf("expected line 20, got %d", recs[1].Line)
	}
	if len(recs[1].Error.Traceback) != 2 {
		t.Errorf("expected traceback of 2, got %d", len(recs[1].Error.Traceback))
	}
}

func TestRecentSkipsMalformedLines(t *testing.T) {
	path := writeLog(t, `not json at all
{"ts":"t","file":"a.go","line":1,"error":{"type":"E","message":"m"}}
{broken
`)

	recs, err := NewReader(path).Recent(context.Background(), 30)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 parseable record, got %d", len(recs))
	}
}

func TestRecentWindowKeepsNewest(t *testing.T) {
	var lines string
	for i := 0; i < 10; i++ {
		lines += `{"file":"a.go","line":` + string(rune('0'+i)) + `}` + "\n"
	}
	path := writeLog(t, lines)

	recs, err := NewReader(path).Recent(context.Background(), 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	if recs[2].Line != 9 {
		t.Errorf("expected newest record last, got line %d", recs[2].Line)
	}
}

func TestRecentMissingFile(t *testing.T) {
	recs, err := NewReader(filepath.Join(t.TempDir(), "absent.jsonl")).Recent(context.Background(), 30)
	if err != nil {
		t.Fatalf("missing file should not error, got %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("expected no records, got %d", len(recs))
	}
}
