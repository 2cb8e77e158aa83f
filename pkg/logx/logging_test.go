package logx

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero value reports non-zero")
	}
	// Must not panic.
	l.Info("nothing", String("k", "v"), Err(nil))
	l.With(Int("n", 1)).Error("still nothing")
}

func TestWithDoesNotMutateParent(t *testing.T) {
	t.Parallel()
	parent := Nop()
	child := parent.With(String("comp", "child"))
	if len(parent.fields) != 0 {
		t.Fatalf("parent gained %d fields", len(parent.fields))
	}
	if len(child.fields) != 1 {
		t.Fatalf("child has %d fields", len(child.fields))
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	cases := map[string]zerolog.Level{
		"trace":   zerolog.TraceLevel,
		"DEBUG":   zerolog.DebugLevel,
		"Info":    zerolog.InfoLevel,
		"warn":    zerolog.WarnLevel,
		"WARNING": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"bogus":   zerolog.InfoLevel,
		"":        zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLevel(in, zerolog.InfoLevel); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestFileSink(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "out.log")
	svc, log := New(Config{
		Level:   "info",
		Console: false,
		File:    FileConfig{Enabled: true, Path: path},
	})
	defer svc.Close()

	log.Info("poll completed", String("kind", "feed"))
	log.Debug("below level", String("kind", "feed"))

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(b)
	if !strings.Contains(out, `"poll completed"`) || !strings.Contains(out, `"kind":"feed"`) {
		t.Fatalf("log output = %q", out)
	}
	if strings.Contains(out, "below level") {
		t.Fatalf("debug line written at info level")
	}
}

func TestApplySwapsLevel(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "out.log")
	cfg := Config{Level: "error", Console: false, File: FileConfig{Enabled: true, Path: path}}
	svc, log := New(cfg)
	defer svc.Close()

	log.Info("before apply")
	cfg.Level = "info"
	svc.Apply(cfg)
	log.Info("after apply")

	b, _ := os.ReadFile(path)
	out := string(b)
	if strings.Contains(out, "before apply") {
		t.Fatalf("info line written at error level")
	}
	if !strings.Contains(out, "after apply") {
		t.Fatalf("info line missing after level change")
	}
}
