package pool

import (
	"os"
	"path/filepath"
)

// restartFile returns the restart trigger path for appRoot.
func restartFile(appRoot string) string {
	return filepath.Join(appRoot, "tmp", "restart.txt")
}

// needsRestart checks the restart trigger for appRoot. Deployments either
// delete the trigger on deploy or merely touch it, so the check is doubly
// robust: if the file can be deleted, its mere presence requests a
// restart; if deletion fails (read-only filesystem, permissions), a
// change in mtime does. A failed stat treats the file as absent.
// Called with the pool lock held.
func (p *StandardPool) needsRestart(appRoot string) bool {
	file := restartFile(appRoot)

	fi, err := os.Stat(file)
	if err != nil {
		delete(p.restartMtimes, appRoot)
		return false
	}

	err = os.Remove(file)
	if err == nil || os.IsNotExist(err) {
		// Deleted, or lost a race with someone else deleting it.
		delete(p.restartMtimes, appRoot)
		return true
	}

	// Could not delete: fall back to the mtime protocol.
	mtime := fi.ModTime()
	last, seen := p.restartMtimes[appRoot]
	p.restartMtimes[appRoot] = mtime
	if !seen {
		return true
	}
	return !mtime.Equal(last)
}
