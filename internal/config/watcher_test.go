package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/endura/internal/rig"
)

func TestWatcher_ReloadsTuning(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "endura.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tuning:\n  poll_interval: 25ms\n"), 0o644))

	got := make(chan rig.Tuning, 4)
	w, err := NewWatcher(path, func(t rig.Tuning) { got <- t })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// Changes to other files in the directory are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1\n"), 0o644))

	// An invalid edit is rejected.
	require.NoError(t, os.WriteFile(path, []byte("tuning:\n  poll_interval: never\n"), 0o644))
	select {
	case tuning := <-got:
		t.Fatalf("unexpected reload: %+v", tuning)
	case <-time.After(400 * time.Millisecond):
	}

	require.NoError(t, os.WriteFile(path, []byte("tuning:\n  poll_interval: 15ms\n  window_size: 3\n"), 0o644))
	select {
	case tuning := <-got:
		assert.Equal(t, 15*time.Millisecond, tuning.PollInterval)
		assert.Equal(t, 3, tuning.WindowSize)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload after a valid edit")
	}
}
