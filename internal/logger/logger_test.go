package logger

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestHandler_WritesAttrs(t *testing.T) {
	var buf bytes.Buffer

	log := slog.New(NewHandler(&buf)).With("component", "pusher")
	log.Info("portion pushed", "apex", 150)

	line := buf.String()

	if !strings.Contains(line, "[INF] portion pushed") {
		t.Errorf("missing level and message: %q", line)
	}

	if !strings.Contains(line, "component=pusher") {
		t.Errorf("missing bound attribute: %q", line)
	}

	if !strings.Contains(line, "apex=150") {
		t.Errorf("missing record attribute: %q", line)
	}
}

func TestHandler_LevelFilter(t *testing.T) {
	var buf bytes.Buffer

	SetLevel(slog.LevelWarn)
	defer SetLevel(slog.LevelInfo)

	log := slog.New(NewHandler(&buf))
	log.Info("hidden")
	log.Warn("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Errorf("info record written below threshold: %q", buf.String())
	}

	if !strings.Contains(buf.String(), "[WRN] shown") {
		t.Errorf("warn record missing: %q", buf.String())
	}
}

func TestHandler_Group(t *testing.T) {
	var buf bytes.Buffer

	log := slog.New(NewHandler(&buf)).WithGroup("flush")
	log.Info("done", "retries", 2)

	if !strings.Contains(buf.String(), "flush.retries=2") {
		t.Errorf("group prefix missing: %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("debug")
	if err != nil || l != slog.LevelDebug {
		t.Errorf("ParseLevel(debug) = %v, %v", l, err)
	}

	if _, err := ParseLevel("verbose"); err == nil {
		t.Error("ParseLevel(verbose) should fail")
	}
}
