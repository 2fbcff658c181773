package rbac

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingReloader struct {
	calls atomic.Int32
}

func (r *countingReloader) Reload(ctx context.Context, source PolicySource) error {
	r.calls.Add(1)
	_, err := source.LoadPolicy(ctx)
	return err
}

func TestPolicyWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	data, err := MarshalPolicyYAML(DefaultPolicy())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	reloader := &countingReloader{}
	w := NewPolicyWatcher(FileSource{Path: path}, reloader, nil)
	w.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(path, data, 0o600))
	}
	require.Eventually(t, func() bool { return reloader.calls.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)

	// Unrelated files in the same directory are ignored.
	before := reloader.calls.Load()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x"), 0o600))
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, before, reloader.calls.Load())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestPolicyWatcherMissingDirectory(t *testing.T) {
	w := NewPolicyWatcher(FileSource{Path: filepath.Join(t.TempDir(), "missing", "policy.yaml")}, &countingReloader{}, nil)
	require.Error(t, w.Run(context.Background()))
}
