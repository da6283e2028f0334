package watchdog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestWatchDog(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notify := make(chan string, 8)
	wd, err := NewWatchDogFactory(zaptest.NewLogger(t)).New(ctx, notify, func(name string) bool {
		return strings.HasPrefix(filepath.Base(name), "crash-")
	})
	require.NoError(t, err)
	require.NoError(t, wd.AddDir(dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".tmp-1"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "crash-ab.js"), []byte("x"), 0o644))

	select {
	case name := <-notify:
		assert.Equal(t, "crash-ab.js", filepath.Base(name))
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
	}

	cancel()
	<-wd.Done()
	for name := range notify {
		assert.True(t, strings.HasPrefix(filepath.Base(name), "crash-"))
	}
}

func TestWatchDogMissingDir(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	notify := make(chan string)
	wd, err := NewWatchDogFactory(zaptest.NewLogger(t)).New(ctx, notify, nil)
	require.NoError(t, err)

	assert.Error(t, wd.AddDir(filepath.Join(t.TempDir(), "missing")))
	cancel()
	<-wd.Done()
	_, ok := <-notify
	assert.False(t, ok)
}
