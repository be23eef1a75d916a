package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestInitJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "debug", Output: &buf})
	defer Init(Config{})

	logger := Component("watchdog")
	logger.Info().Str("check", "fix_timeout").Msg("check failed")

	out := buf.String()
	if !strings.Contains(out, `"component":"watchdog"`) {
		t.Fatalf("expected component field, got %s", out)
	}
	if !strings.Contains(out, `"message":"check failed"`) {
		t.Fatalf("expected message field, got %s", out)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "warn", Output: &buf})
	defer Init(Config{})

	Info().Msg("hidden")
	Warn().Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info should be filtered at warn level")
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("expected warn output")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]string{
		"trace":    "trace",
		"DEBUG":    "debug",
		"warning":  "warn",
		"error":    "error",
		"off":      "disabled",
		"whatever": "info",
	}
	for in, want := range cases {
		if got := parseLevel(in).String(); got != want {
			t.Fatalf("parseLevel(%q) = %q, want %q", in, got, want)
		}
	}
}
