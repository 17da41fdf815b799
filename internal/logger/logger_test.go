package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"edge-admission/internal/domain"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name     string
		level    string
		format   string
		expected logrus.Level
	}{
		{
			name:     "Debug level JSON format",
			level:    "debug",
			format:   "json",
			expected: logrus.DebugLevel,
		},
		{
			name:     "Info level text format",
			level:    "info",
			format:   "text",
			expected: logrus.InfoLevel,
		},
		{
			name:     "Invalid level defaults to info",
			level:    "invalid",
			format:   "json",
			expected: logrus.InfoLevel,
		},
		{
			name:     "Warn level",
			level:    "warn",
			format:   "json",
			expected: logrus.WarnLevel,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(tt.level, tt.format)
			structLogger, ok := logger.(*StructuredLogger)
			require.True(t, ok)
			assert.Equal(t, tt.expected, structLogger.logger.GetLevel())
		})
	}
}

// newBufferLogger cria um logger JSON escrevendo em memória
func newBufferLogger(buf *bytes.Buffer) *StructuredLogger {
	return &StructuredLogger{
		logger: &logrus.Logger{
			Out:       buf,
			Formatter: &logrus.JSONFormatter{},
			Level:     logrus.DebugLevel,
		},
		fields: make(logrus.Fields),
	}
}

func TestStructuredLogger_LogLevels(t *testing.T) {
	var buf bytes.Buffer
	structLogger := newBufferLogger(&buf)

	tests := []struct {
		name     string
		logFunc  func()
		expected string
	}{
		{
			name: "Debug log",
			logFunc: func() {
				structLogger.Debug("Debug message", map[string]interface{}{"key": "value"})
			},
			expected: "debug",
		},
		{
			name: "Info log",
			logFunc: func() {
				structLogger.Info("Info message", map[string]interface{}{"key": "value"})
			},
			expected: "info",
		},
		{
			name: "Warn log",
			logFunc: func() {
				structLogger.Warn("Warn message", nil)
			},
			expected: "warning",
		},
		{
			name: "Error log",
			logFunc: func() {
				structLogger.Error("Error message", errors.New("test error"), nil)
			},
			expected: "error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			tt.logFunc()

			output := buf.String()
			assert.Contains(t, output, tt.expected)
			assert.Contains(t, output, "admission_control")
		})
	}
}

func TestStructuredLogger_ErrorDoesNotMutateFields(t *testing.T) {
	var buf bytes.Buffer
	structLogger := newBufferLogger(&buf)

	fields := map[string]interface{}{"ip": "10.0.0.1"}
	structLogger.Error("lookup failed", errors.New("boom"), fields)

	_, exists := fields["error"]
	assert.False(t, exists)
	assert.Contains(t, buf.String(), "boom")
}

func TestStructuredLogger_WithContext(t *testing.T) {
	var buf bytes.Buffer
	structLogger := newBufferLogger(&buf)

	ctx := ContextWithRequestInfo(context.Background(), "req-123", "203.0.113.7", "test-agent")
	ctx = ContextWithCountry(ctx, "BR")

	structLogger.WithContext(ctx).Info("Test message with context", nil)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry))
	assert.Equal(t, "req-123", entry["request_id"])
	assert.Equal(t, "203.0.113.7", entry["ip"])
	assert.Equal(t, "BR", entry["country"])
	assert.Equal(t, "test-agent", entry["user_agent"])
	assert.Equal(t, "req-123", GetRequestID(ctx))
}

func TestStructuredLogger_WithFields(t *testing.T) {
	var buf bytes.Buffer
	structLogger := newBufferLogger(&buf)

	child := structLogger.WithFields(map[string]interface{}{"provider": "ip-api"})
	child.Info("lookup", map[string]interface{}{"ip": "198.51.100.1"})

	output := buf.String()
	assert.Contains(t, output, "ip-api")
	assert.Contains(t, output, "198.51.100.1")
	assert.Empty(t, structLogger.fields)
}

func TestStructuredLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	structLogger := newBufferLogger(&buf)
	structLogger.logger.SetLevel(logrus.WarnLevel)

	structLogger.Debug("hidden", nil)
	structLogger.Info("hidden", nil)
	assert.Empty(t, buf.String())

	structLogger.Warn("visible", nil)
	assert.Contains(t, buf.String(), "visible")
}

func TestGetRequestID_Empty(t *testing.T) {
	assert.Equal(t, "", GetRequestID(context.Background()))
}

func TestLogAdmissionEvent(t *testing.T) {
	tests := []struct {
		name          string
		result        *domain.AdmissionResult
		expectedLevel string
		expectedMsg   string
	}{
		{
			name:          "Allowed request logs at info",
			result:        &domain.AdmissionResult{Allowed: true, Limit: 10, Remaining: 9, Kind: domain.DecisionAllowed},
			expectedLevel: "info",
			expectedMsg:   "Admission check passed",
		},
		{
			name: "Denied request logs at warn",
			result: &domain.AdmissionResult{
				Allowed: false, Limit: 10, Kind: domain.DecisionRateLimited, Reason: domain.ReasonRateLimitExceeded,
			},
			expectedLevel: "warning",
			expectedMsg:   "Admission denied",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			structLogger := newBufferLogger(&buf)

			LogAdmissionEvent(structLogger, "ip", "203.0.113.7", tt.result, map[string]interface{}{"country": "BR"})

			var entry map[string]interface{}
			require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
			assert.Equal(t, tt.expectedLevel, entry["level"])
			assert.Equal(t, tt.expectedMsg, entry["msg"])
			assert.Equal(t, string(tt.result.Kind), entry["event_type"])
			assert.Equal(t, "203.0.113.7", entry["ip"])
			assert.Equal(t, "BR", entry["country"])
		})
	}

	assert.NotPanics(t, func() { LogAdmissionEvent(nil, "ip", "1.1.1.1", &domain.AdmissionResult{}, nil) })
}
