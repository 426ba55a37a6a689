package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
)

func TestParseLevelDefaultsToInfo(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"":      slog.LevelInfo,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"bogus": slog.LevelInfo,
	}
	for input, want := range cases {
		if got := parseLevel(input); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestEntryIDsAreUniqueAndSortable(t *testing.T) {
	a := EntryID()
	b := EntryID()
	if a == b {
		t.Fatalf("expected distinct entry ids, got %q twice", a)
	}
	if len(a) != 26 || len(b) != 26 {
		t.Fatalf("expected ULID-length (26) entry ids, got %d and %d", len(a), len(b))
	}
	if a >= b {
		t.Fatalf("expected monotonically increasing entry ids, got %q then %q", a, b)
	}
}

func TestNewWritesJSONToStderrWhenNoFileConfigured(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	orig := os.Stderr
	os.Stderr = w
	logger := New(Options{Level: "debug"})
	os.Stderr = orig

	logger.Info("runner started", "task", "nightly-export")
	w.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read stderr: %v", err)
	}
	if !strings.Contains(string(out), "nightly-export") {
		t.Fatalf("expected logged attribute in output, got %q", string(out))
	}
}
