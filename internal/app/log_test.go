package app

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLineHandler_Handle(t *testing.T) {
	ts := time.Date(2024, 6, 15, 14, 30, 45, 0, time.UTC)

	tests := []struct {
		name    string
		runID   string
		level   slog.Level
		message string
		attrs   []slog.Attr
		want    string
	}{
		{
			name:    "basic info message",
			runID:   "run-123",
			level:   slog.LevelInfo,
			message: "backup pushed",
			want:    "2024-06-15T14:30:45Z\tINFO\trun-123\tbackup pushed\n",
		},
		{
			name:    "warn level",
			runID:   "run-456",
			level:   slog.LevelWarn,
			message: "notification failed",
			want:    "2024-06-15T14:30:45Z\tWARN\trun-456\tnotification failed\n",
		},
		{
			name:    "with record attrs",
			runID:   "run-789",
			level:   slog.LevelInfo,
			message: "tracking repository",
			attrs:   []slog.Attr{slog.String("path", "/src/app"), slog.Int("dirs", 42)},
			want:    "2024-06-15T14:30:45Z\tINFO\trun-789\ttracking repository\tpath=/src/app\tdirs=42\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			h := &lineHandler{w: &buf, runID: tt.runID}

			r := slog.NewRecord(ts, tt.level, tt.message, 0)
			for _, a := range tt.attrs {
				r.AddAttrs(a)
			}

			if err := h.Handle(context.Background(), r); err != nil {
				t.Fatalf("Handle() error = %v", err)
			}

			if got := buf.String(); got != tt.want {
				t.Errorf("Handle() output =\n%q\nwant:\n%q", got, tt.want)
			}
		})
	}
}

func TestLineHandler_WithAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := &lineHandler{w: &buf, runID: "run-1", attrs: []slog.Attr{slog.String("a", "1")}}

	h2 := h.WithAttrs([]slog.Attr{slog.String("component", "watcher")}).(*lineHandler)
	if len(h.attrs) != 1 {
		t.Errorf("original handler attrs modified: got %d, want 1", len(h.attrs))
	}

	r := slog.NewRecord(time.Now(), slog.LevelInfo, "started", 0)
	r.AddAttrs(slog.String("key", "abc"))
	if err := h2.Handle(context.Background(), r); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	got := buf.String()
	for _, want := range []string{"a=1", "component=watcher", "key=abc"} {
		if !strings.Contains(got, want) {
			t.Errorf("output %q missing %s", got, want)
		}
	}
}

func TestLineHandler_Enabled(t *testing.T) {
	tests := []struct {
		name  string
		level slog.Leveler
		check slog.Level
		want  bool
	}{
		{"default drops debug", nil, slog.LevelDebug, false},
		{"default keeps info", nil, slog.LevelInfo, true},
		{"debug keeps debug", slog.LevelDebug, slog.LevelDebug, true},
		{"warn drops info", slog.LevelWarn, slog.LevelInfo, false},
		{"warn keeps error", slog.LevelWarn, slog.LevelError, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &lineHandler{level: tt.level}
			if got := h.Enabled(context.Background(), tt.check); got != tt.want {
				t.Errorf("Enabled(%v) = %v, want %v", tt.check, got, tt.want)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "log")
	var stderr bytes.Buffer

	logger, f, err := newLogger(dir, "run-1", slog.LevelInfo, &stderr)
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}

	logger.Debug("hidden")
	logger.Info("shown", "k", "v")
	f.Close()

	data, err := os.ReadFile(filepath.Join(dir, LogFile))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if strings.Contains(string(data), "hidden") {
		t.Error("debug record written at info level")
	}
	if !strings.Contains(string(data), "shown\tk=v") {
		t.Errorf("log file = %q, want info record", data)
	}
	if stderr.String() != string(data) {
		t.Errorf("stderr = %q, want same as file %q", stderr.String(), data)
	}
}
