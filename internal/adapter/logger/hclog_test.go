package logger

import (
	"bytes"
	"strings"
	"testing"
)

func TestNew_WritesKeyValues(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Level: "debug", Output: &buf})
	l.Info("cache hit", "key", "linux-amd64-16.2.0-abcd1234")

	out := buf.String()
	if !strings.Contains(out, "pgtap: cache hit") {
		t.Errorf("missing message in %q", out)
	}
	if !strings.Contains(out, "key=linux-amd64-16.2.0-abcd1234") {
		t.Errorf("missing key/value in %q", out)
	}
}

func TestNew_LevelFromEnv(t *testing.T) {
	t.Setenv(EnvLevel, "error")
	var buf bytes.Buffer
	l := New(Options{Output: &buf})
	l.Info("hidden")
	l.Error("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info line should be filtered at error level: %q", out)
	}
	if !strings.Contains(out, "shown") {
		t.Errorf("error line missing: %q", out)
	}
}

func TestNamed(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Output: &buf}).Named("lock")
	l.Warn("contended")
	if !strings.Contains(buf.String(), "pgtap.lock") {
		t.Errorf("expected sub-logger name in %q", buf.String())
	}
}

func TestDiscard(t *testing.T) {
	Discard().Error("nothing happens")
}
