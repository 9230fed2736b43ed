package main

import (
	"context"
	"log/slog"
	"testing"
)

func TestBuildLogger(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"verbose", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		l := buildLogger(tt.level)
		if !l.Enabled(context.Background(), tt.want) {
			t.Errorf("%q: level %v disabled", tt.level, tt.want)
		}
		if l.Enabled(context.Background(), tt.want-1) {
			t.Errorf("%q: level below %v enabled", tt.level, tt.want)
		}
	}
}
