package pool

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
)

func appRootWithTmp(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	assert.NoError(t, os.MkdirAll(filepath.Join(root, "tmp"), 0o755))
	return root
}

func touchRestart(t *testing.T, appRoot string) {
	t.Helper()
	assert.NoError(t, os.WriteFile(restartFile(appRoot), nil, 0o644))
}

func TestRestartFileDiscardsWorkers(t *testing.T) {
	p, mock := newTestPool(t)
	root := appRootWithTmp(t)

	s1 := get(t, p, root)
	s2 := get(t, p, root)
	oldPid := s1.Pid()
	s1.Close()
	s2.Close()
	assert.Equal(t, 2, p.Count())

	touchRestart(t, root)

	sess := get(t, p, root)
	defer sess.Close()

	// both old workers are gone, one fresh worker was spawned
	assert.NotEqual(t, oldPid, sess.Pid())
	assert.Equal(t, 1, p.Count())
	assert.Equal(t, 1, p.Active())
	assert.Equal(t, []string{root}, mock.Reloads())

	// the trigger was consumed
	_, err := os.Stat(restartFile(root))
	assert.True(t, os.IsNotExist(err))
	checkInvariants(t, p)
}

func TestRestartOnlyOncePerTrigger(t *testing.T) {
	p, mock := newTestPool(t)
	root := appRootWithTmp(t)

	get(t, p, root).Close()
	touchRestart(t, root)
	get(t, p, root).Close()
	assert.Equal(t, 1, len(mock.Reloads()))

	// no trigger, no restart
	sess := get(t, p, root)
	sess.Close()
	assert.Equal(t, 1, len(mock.Reloads()))
	assert.Equal(t, 2, mock.SpawnCount())
}

func TestUndeletableRestartFileUsesMtime(t *testing.T) {
	p, mock := newTestPool(t)
	root := appRootWithTmp(t)

	get(t, p, root).Close()

	// an undeletable trigger: a non-empty directory named restart.txt
	trigger := restartFile(root)
	assert.NoError(t, os.MkdirAll(filepath.Join(trigger, "keep"), 0o755))

	// first sighting restarts
	s := get(t, p, root)
	pid := s.Pid()
	s.Close()
	assert.Equal(t, 1, len(mock.Reloads()))
	_, err := os.Stat(trigger)
	assert.NoError(t, err)

	// same mtime: no restart
	s = get(t, p, root)
	assert.Equal(t, pid, s.Pid())
	s.Close()
	assert.Equal(t, 1, len(mock.Reloads()))

	// a changed mtime restarts again
	later := time.Now().Add(2 * time.Second)
	assert.NoError(t, os.Chtimes(trigger, later, later))
	s = get(t, p, root)
	assert.NotEqual(t, pid, s.Pid())
	s.Close()
	assert.Equal(t, 2, len(mock.Reloads()))
	checkInvariants(t, p)
}

func TestNeedsRestartAbsentFile(t *testing.T) {
	p, _ := newTestPool(t)
	root := appRootWithTmp(t)

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.False(t, p.needsRestart(root))
}
