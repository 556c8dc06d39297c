package telemetry

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewLoggerWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corral.log")
	logger, err := NewLogger(LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: path,
	})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	logger.Info().Str("cluster", "local").Msg("cycle complete")
	logger.Debug().Msg("filtered out")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, `"cluster":"local"`) || !strings.Contains(out, "cycle complete") {
		t.Errorf("log output = %q", out)
	}
	if strings.Contains(out, "filtered out") {
		t.Error("debug line should be filtered at info level")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"fatal", zerolog.FatalLevel},
		{"nonsense", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLogLevel(tt.in); got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestDisabledMetricsAreNoOps(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{})
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	// None of these may panic without a registry.
	m.ObserveCycle("local", true, 0)
	m.ObserveChangeItem("local", "Project", "create", "applied")
	m.RecordError("transient", "UNAVAILABLE")
	m.CycleStarted()
	m.CycleFinished()

	if m.Handler() == nil {
		t.Error("Handler must return a handler even when disabled")
	}
}
