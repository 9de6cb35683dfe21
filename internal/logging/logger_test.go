package logging

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func testConfig(buf *bytes.Buffer) *Config {
	return &Config{
		Level:   LevelDebug,
		Format:  "json",
		Output:  buf,
		Sync:    true,
		NoColor: true,
	}
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
	}{
		{
			name:   "default config",
			config: nil,
		},
		{
			name: "json format",
			config: &Config{
				Level:  LevelInfo,
				Format: "json",
				Output: &bytes.Buffer{},
				Sync:   true,
			},
		},
		{
			name: "text format",
			config: &Config{
				Level:  LevelDebug,
				Format: "text",
				Output: &bytes.Buffer{},
				Sync:   true,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(tt.config)
			if logger == nil {
				t.Error("NewLogger() returned nil")
			}
		})
	}
}

func TestLoggerWithContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(testConfig(&buf))

	// Test device context
	deviceLogger := logger.WithDevice("sda")
	deviceLogger.Info("test message")

	output := buf.String()
	if !strings.Contains(output, `"device":"sda"`) {
		t.Errorf("Expected device field in output, got: %s", output)
	}

	// Test policy context
	buf.Reset()
	policyLogger := deviceLogger.WithPolicy("sector")
	policyLogger.Info("policy message")

	output = buf.String()
	if !strings.Contains(output, `"device":"sda"`) {
		t.Errorf("Expected device field in policy logger output, got: %s", output)
	}
	if !strings.Contains(output, `"policy":"sector"`) {
		t.Errorf("Expected policy field in output, got: %s", output)
	}
}

func TestLoggerWithRequest(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(testConfig(&buf))

	requestLogger := logger.WithRequest(2048, 8, "read")
	requestLogger.Debug("dispatching request")

	output := buf.String()
	if !strings.Contains(output, `"sector":2048`) {
		t.Errorf("Expected sector field in output, got: %s", output)
	}
	if !strings.Contains(output, `"nr_sectors":8`) {
		t.Errorf("Expected nr_sectors field in output, got: %s", output)
	}
	if !strings.Contains(output, `"dir":"read"`) {
		t.Errorf("Expected dir field in output, got: %s", output)
	}
}

func TestLoggerWithError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(testConfig(&buf))

	testErr := errors.New("test error")
	errorLogger := logger.WithError(testErr)
	errorLogger.Error("operation failed")

	output := buf.String()
	if !strings.Contains(output, "test error") {
		t.Errorf("Expected 'test error' in output, got: %s", output)
	}
}

func TestLoggerKeyValueArgs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(testConfig(&buf))

	logger.Info("switching policy", "from", "sector", "to", "fifo")

	output := buf.String()
	if !strings.Contains(output, `"from":"sector"`) {
		t.Errorf("Expected from field in output, got: %s", output)
	}
	if !strings.Contains(output, `"to":"fifo"`) {
		t.Errorf("Expected to field in output, got: %s", output)
	}

	// Non-string keys are skipped rather than panicking
	buf.Reset()
	logger.Info("odd args", 42, "value")
	if !strings.Contains(buf.String(), "odd args") {
		t.Errorf("Expected message despite bad keys, got: %s", buf.String())
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	config := testConfig(&buf)
	config.Level = LevelWarn
	logger := NewLogger(config)

	logger.Debug("debug message")
	logger.Info("info message")
	if buf.Len() != 0 {
		t.Errorf("Expected debug/info suppressed at warn level, got: %s", buf.String())
	}

	logger.Warn("warning message")
	if !strings.Contains(buf.String(), "warning message") {
		t.Errorf("Expected warning message, got: %s", buf.String())
	}
}

func TestGlobalLoggerFunctions(t *testing.T) {
	var buf bytes.Buffer
	SetDefault(NewLogger(testConfig(&buf)))
	defer SetDefault(NewLogger(nil))

	Debug("debug message", "key", "value")
	output := buf.String()
	if !strings.Contains(output, "debug message") {
		t.Errorf("Expected debug message, got: %s", output)
	}
	if !strings.Contains(output, `"key":"value"`) {
		t.Errorf("Expected key field, got: %s", output)
	}

	buf.Reset()
	Info("info message")
	if !strings.Contains(buf.String(), "info message") {
		t.Errorf("Expected info message, got: %s", buf.String())
	}

	buf.Reset()
	Warn("warning message")
	if !strings.Contains(buf.String(), "warning message") {
		t.Errorf("Expected warning message, got: %s", buf.String())
	}

	buf.Reset()
	Error("error message")
	if !strings.Contains(buf.String(), "error message") {
		t.Errorf("Expected error message, got: %s", buf.String())
	}
}
