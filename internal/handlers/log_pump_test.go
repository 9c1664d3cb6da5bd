package handlers

import (
	"testing"

	plog "github.com/phuslu/log"
)

func TestLevelString(t *testing.T) {
	tests := []struct {
		level plog.Level
		want  string
	}{
		{plog.TraceLevel, "debug"},
		{plog.DebugLevel, "debug"},
		{plog.InfoLevel, "info"},
		{plog.WarnLevel, "warn"},
		{plog.ErrorLevel, "error"},
		{plog.FatalLevel, "error"},
		{plog.PanicLevel, "error"},
	}
	for _, tt := range tests {
		if got := levelString(tt.level); got != tt.want {
			t.Errorf("levelString(%v) = %q, want %q", tt.level, got, tt.want)
		}
	}
}
