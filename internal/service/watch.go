package service

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"botvisor/internal/config"
	"botvisor/internal/models"
)

const watchOps = fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename

// watchFiles restarts the run identified by runID once files next to the
// script change. It returns when ctx is cancelled or a restart fired.
func (pm *ProcessManager) watchFiles(ctx context.Context, name, runID string, d config.ProcessDescriptor) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		pm.log("error", fmt.Sprintf("Failed to watch %s: %v", name, err), name)
		return
	}
	defer w.Close()

	dirs := []string{filepath.Dir(d.Script)}
	if wd := d.WorkingDir(); wd != dirs[0] {
		dirs = append(dirs, wd)
	}
	for _, dir := range dirs {
		if err := w.Add(dir); err != nil {
			pm.log("warning", fmt.Sprintf("Failed to watch %s for %s: %v", dir, name, err), name)
		}
	}

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	var changed string
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&watchOps == 0 || ignored(ev.Name, d.IgnoreWatch) {
				continue
			}
			changed = ev.Name
			timer.Reset(pm.watchDebounce)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			pm.log("warning", fmt.Sprintf("Watch error for %s: %v", name, err), name)
		case <-timer.C:
			pm.forceRestart(name, runID, models.EventWatchRestart, "file changed: "+changed)
			return
		}
	}
}

// ignored matches the base name only; watches are not recursive.
func ignored(path string, patterns []string) bool {
	base := filepath.Base(path)
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, base); ok {
			return true
		}
	}
	return false
}
