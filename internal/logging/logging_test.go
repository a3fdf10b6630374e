package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLevels(t *testing.T) {
	cases := map[string]zapcore.Level{
		"":      zapcore.InfoLevel,
		"debug": zapcore.DebugLevel,
		"WARN":  zapcore.WarnLevel,
		"error": zapcore.ErrorLevel,
	}
	for in, want := range cases {
		l, err := New(in)
		if err != nil {
			t.Fatalf("New(%q): %v", in, err)
		}
		if !l.Core().Enabled(want) {
			t.Errorf("New(%q): level %s should be enabled", in, want)
		}
		if want > zapcore.DebugLevel && l.Core().Enabled(want-1) {
			t.Errorf("New(%q): level %s should be disabled", in, want-1)
		}
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New("chatty"); err == nil {
		t.Error("expected error")
	}
}
