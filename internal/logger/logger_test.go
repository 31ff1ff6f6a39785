package logger

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/fatih/color"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestAsyncHandlerSharesWorker(t *testing.T) {
	color.NoColor = true
	out := &syncBuffer{}
	handler := newAsyncHandler("", out, slog.LevelInfo)
	log := slog.New(handler).With("session", "abc").WithGroup("req")

	log.Info("hello", "rid", 7)
	log.Debug("hidden")
	if err := handler.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	text := out.String()
	if !strings.Contains(text, "hello") || !strings.Contains(text, "session=abc") || !strings.Contains(text, "req.rid=7") {
		t.Errorf("unexpected log output: %q", text)
	}
	if strings.Contains(text, "hidden") {
		t.Errorf("debug record should be filtered: %q", text)
	}
}

func TestShutdownCallbackIdempotent(t *testing.T) {
	handler := newAsyncHandler("", &syncBuffer{}, slog.LevelInfo)
	cb := &ShutdownCallback{handler: handler}
	if err := cb.Invoke(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := cb.Invoke(context.Background()); err != nil {
		t.Fatal(err)
	}
	// 关闭后写入不应 panic
	handler.Write([]byte("late"))
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in       string
		expected slog.Level
		ok       bool
	}{
		{"debug", slog.LevelDebug, true},
		{"INFO", slog.LevelInfo, true},
		{"warning", slog.LevelWarn, true},
		{"error", slog.LevelError, true},
		{"fatal", LevelFatal, true},
		{"loud", slog.LevelInfo, false},
	}
	for _, test := range tests {
		level, err := ParseLevel(test.in)
		if (err == nil) != test.ok || level != test.expected {
			t.Errorf("ParseLevel(%s): got %v, %v", test.in, level, err)
		}
	}
}

func TestRotateReportsDirectoryError(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, nil, 0644); err != nil {
		t.Fatal(err)
	}
	o := &output{console: &syncBuffer{}, basePath: filepath.Join(blocker, "logs")}
	err := o.rotateIfNeeded()
	if err == nil || !strings.Contains(err.Error(), "创建日志目录失败") {
		t.Errorf("unexpected rotate error: %v", err)
	}
}
