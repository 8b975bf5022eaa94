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
	"time"

	"github.com/fatih/color"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestAsyncHandlerWritesAttrs(t *testing.T) {
	color.NoColor = true
	out := &lockedBuffer{}
	handler := NewAsyncHandler(out, "", slog.LevelInfo, 0)
	log := slog.New(handler).With("conn", "c1").WithGroup("broker")

	log.Info("subscribed", "channel", "chat")
	log.Debug("hidden")
	_ = handler.Close()

	got := out.String()
	if !strings.Contains(got, "subscribed") || !strings.Contains(got, "conn=c1") || !strings.Contains(got, "broker.channel=chat") {
		t.Fatalf("unexpected log output %q", got)
	}
	if strings.Contains(got, "hidden") {
		t.Fatalf("debug record should be filtered at info level: %q", got)
	}
}

func TestAsyncHandlerFileSink(t *testing.T) {
	color.NoColor = true
	dir := t.TempDir()
	old := filepath.Join(dir, "2000-01-01.log")
	if err := os.WriteFile(old, []byte("stale\n"), 0644); err != nil {
		t.Fatalf("write stale log: %v", err)
	}
	stale := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(old, stale, stale); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	handler := NewAsyncHandler(&lockedBuffer{}, dir, slog.LevelDebug, 24*time.Hour)
	if err := handler.Handle(context.Background(), slog.NewRecord(time.Now(), slog.LevelWarn, "to file", 0)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	_ = handler.Close()

	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatalf("expected stale log to be removed, stat err=%v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, time.Now().Format("2006-01-02")+".log"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "to file") {
		t.Fatalf("log file missing record: %q", data)
	}
}

func TestHandleAfterCloseDoesNotPanic(t *testing.T) {
	handler := NewAsyncHandler(&lockedBuffer{}, "", slog.LevelInfo, 0)
	_ = handler.Close()
	_ = handler.Close()
	if err := handler.Handle(context.Background(), slog.NewRecord(time.Now(), slog.LevelInfo, "late", 0)); err != nil {
		t.Fatalf("handle after close: %v", err)
	}
}

func TestRotateReportsDirectoryError(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	s := &sink{stdout: &lockedBuffer{}, basePath: filepath.Join(blocker, "logs")}
	err := s.rotateIfNeeded()
	if err == nil || !strings.Contains(err.Error(), "创建日志目录失败") {
		t.Fatalf("expected directory error, got %v", err)
	}
}
