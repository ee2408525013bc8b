package supervisor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeLockFile(t *testing.T, busRoot, agent string, pid int) {
	t.Helper()
	path := lockPath(busRoot, agent)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	data, err := json.Marshal(lockRecord{PID: pid, AcquiredAt: time.Now()})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestAcquireWorkerLockExclusive(t *testing.T) {
	busRoot := t.TempDir()

	lock, err := AcquireWorkerLock(busRoot, "alice")
	require.NoError(t, err)
	defer lock.Release()

	// The holder is this very process, so a second acquire sees a live pid.
	_, err = AcquireWorkerLock(busRoot, "alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "live supervisor")
}

func TestAcquireWorkerLockRefusesStaleLock(t *testing.T) {
	busRoot := t.TempDir()
	writeLockFile(t, busRoot, "alice", 2147483646) // no such process

	_, err := AcquireWorkerLock(busRoot, "alice")
	require.Error(t, err, "a stale lock is never rotated silently by the supervisor")
	assert.Contains(t, err.Error(), "stale")
	assert.Contains(t, err.Error(), "lock rotate")
}

func TestRotateStaleLockRemovesDeadHolder(t *testing.T) {
	busRoot := t.TempDir()
	writeLockFile(t, busRoot, "alice", 2147483646)

	require.NoError(t, RotateStaleLock(busRoot, "alice"))

	lock, err := AcquireWorkerLock(busRoot, "alice")
	require.NoError(t, err)
	require.NoError(t, lock.Release())
}

func TestRotateStaleLockRefusesLiveHolder(t *testing.T) {
	busRoot := t.TempDir()
	writeLockFile(t, busRoot, "alice", os.Getpid())

	err := RotateStaleLock(busRoot, "alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refusing")
}

func TestReleaseIsIdempotent(t *testing.T) {
	busRoot := t.TempDir()
	lock, err := AcquireWorkerLock(busRoot, "alice")
	require.NoError(t, err)

	require.NoError(t, lock.Release())
	require.NoError(t, lock.Release())
}
