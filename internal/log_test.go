package internal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLogLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"ERROR": LogLevelError,
		"warn":  LogLevelWarn,
		"Info":  LogLevelInfo,
		"DEBUG": LogLevelDebug,
		"TRACE": LogLevelTrace,
		"":      LogLevelInfo,
		"bogus": LogLevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLogLevel(in), "input %q", in)
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	var l *Logger
	assert.NotPanics(t, func() {
		l.Info("ignored %d", 1)
		l.Warn("ignored")
		_ = l.Sync()
	})
	assert.Nil(t, l.Named("x"))
}

func TestNopLogger(t *testing.T) {
	l := NewNopLogger().Named("card").With("channel", "ch0")
	assert.NotPanics(t, func() {
		l.Error("boom: %v", "x")
		l.Trace("detail")
	})
	assert.Equal(t, LogLevelError, l.GetLevel())
}
