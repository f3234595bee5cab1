package lockfile

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lockPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "protection.lock")
}

func TestAcquireAndRelease(t *testing.T) {
	lock := New(lockPath(t), 30*time.Second, nil)

	acquired, err := lock.TryAcquire()
	require.NoError(t, err)
	assert.True(t, acquired)
	assert.Equal(t, os.Getpid(), lock.HolderPID())

	lock.Release()
	_, err = os.Stat(lock.Path)
	assert.True(t, os.IsNotExist(err))
}

func TestSecondAcquireFailsWhileHeld(t *testing.T) {
	path := lockPath(t)
	first := New(path, 30*time.Second, nil)
	second := New(path, 30*time.Second, nil)

	acquired, err := first.TryAcquire()
	require.NoError(t, err)
	require.True(t, acquired)

	acquired, err = second.TryAcquire()
	require.NoError(t, err)
	assert.False(t, acquired)
}

func TestStaleLockIsTakenOver(t *testing.T) {
	path := lockPath(t)
	old := time.Now().Add(-time.Minute).Format(time.RFC3339Nano)
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf("99999:%s", old)), 0o644))

	lock := New(path, 30*time.Second, nil)
	acquired, err := lock.TryAcquire()
	require.NoError(t, err)
	assert.True(t, acquired)
	assert.Equal(t, os.Getpid(), lock.HolderPID())
}

func TestFreshLockIsRespected(t *testing.T) {
	path := lockPath(t)
	now := time.Now().Format(time.RFC3339Nano)
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf("99999:%s", now)), 0o644))

	lock := New(path, 30*time.Second, nil)
	acquired, err := lock.TryAcquire()
	require.NoError(t, err)
	assert.False(t, acquired)
}

func TestMalformedLockIsTreatedAsStale(t *testing.T) {
	path := lockPath(t)
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))

	lock := New(path, 30*time.Second, nil)
	acquired, err := lock.TryAcquire()
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestReleaseOfMissingLockIsQuiet(t *testing.T) {
	lock := New(lockPath(t), 30*time.Second, nil)
	lock.Release() // must not panic or error
}
