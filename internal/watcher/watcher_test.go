package watcher_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cbriice/claude-swarm-sub002/internal/watcher"
)

func newTestWatcher(t *testing.T, dbPath string) (*watcher.Watcher, <-chan struct{}) {
	t.Helper()
	w, err := watcher.New(watcher.Config{DBPath: dbPath, DebounceDur: 50 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Stop() })
	onChange, err := w.Start()
	require.NoError(t, err)
	return w, onChange
}

func TestWatcherDebouncesBursts(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "memory.db")
	require.NoError(t, os.WriteFile(dbPath, []byte("seed"), 0o644))

	_, onChange := newTestWatcher(t, dbPath)

	for i := 0; i < 10; i++ {
		require.NoError(t, os.WriteFile(dbPath, []byte(fmt.Sprintf("write %d", i)), 0o644))
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case <-onChange:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected one notification for the burst")
	}

	select {
	case <-onChange:
		t.Fatal("burst must coalesce into a single notification")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWatcherIgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "memory.db")
	otherPath := filepath.Join(dir, "swarm.log")
	require.NoError(t, os.WriteFile(dbPath, []byte("db"), 0o644))
	require.NoError(t, os.WriteFile(otherPath, []byte("log line"), 0o644))

	_, onChange := newTestWatcher(t, dbPath)

	require.NoError(t, os.WriteFile(otherPath, []byte("another log line"), 0o644))

	select {
	case <-onChange:
		t.Fatal("unrelated files must not notify")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWatcherSeesWALWrites(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "memory.db")
	require.NoError(t, os.WriteFile(dbPath, []byte("db"), 0o644))

	_, onChange := newTestWatcher(t, dbPath)

	require.NoError(t, os.WriteFile(dbPath+"-wal", []byte("wal frame"), 0o644))

	select {
	case <-onChange:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("WAL writes must notify")
	}
}

func TestWatcherStopDoesNotHang(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "memory.db")
	require.NoError(t, os.WriteFile(dbPath, []byte("db"), 0o644))

	w, err := watcher.New(watcher.Config{DBPath: dbPath, DebounceDur: 50 * time.Millisecond})
	require.NoError(t, err)
	_, err = w.Start()
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		require.NoError(t, w.Stop())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop timed out")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := watcher.DefaultConfig("/state/memory.db")
	require.Equal(t, "/state/memory.db", cfg.DBPath)
	require.Equal(t, time.Second, cfg.DebounceDur)
}
