package monitor

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DiskMonitor reports the on-disk size of the local data directories
// (BadgerDB files, local artifact bucket). Results are cached.
type DiskMonitor struct {
	dirs          []string
	cacheDuration time.Duration

	mu          sync.Mutex
	cachedUsage map[string]int64
	lastCheck   time.Time
}

// NewDiskMonitor creates a monitor over dirs
func NewDiskMonitor(dirs ...string) *DiskMonitor {
	return &DiskMonitor{
		dirs:          dirs,
		cacheDuration: 10 * time.Second,
	}
}

// Dirs returns the watched directories
func (dm *DiskMonitor) Dirs() []string {
	return dm.dirs
}

// Usage returns bytes used per directory. A directory that does not exist
// yet reports zero.
func (dm *DiskMonitor) Usage() (map[string]int64, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if dm.cachedUsage != nil && time.Since(dm.lastCheck) < dm.cacheDuration {
		return dm.cachedUsage, nil
	}

	usage := make(map[string]int64, len(dm.dirs))
	for _, dir := range dm.dirs {
		size, err := dirSize(dir)
		if err != nil {
			return nil, err
		}
		usage[dir] = size
	}
	dm.cachedUsage = usage
	dm.lastCheck = time.Now()
	return usage, nil
}

func dirSize(root string) (int64, error) {
	var size int64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		size += info.Size()
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	return size, err
}
