package supervisor

import (
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// supersedeWatch backs up the poll-based mtime check with an fsnotify watch
// on the claimed packet's containing directory, so supersede detection is
// event-driven as well as poll-driven. Either path
// firing closes the returned channel exactly once.
func supersedeWatch(path string, baseline time.Time, pollInterval time.Duration, stop <-chan struct{}) <-chan struct{} {
	out := make(chan struct{})

	go func() {
		defer close(out)

		watcher, err := fsnotify.NewWatcher()
		var events chan fsnotify.Event
		if err == nil {
			if watcher.Add(filepath.Dir(path)) == nil {
				events = watcher.Events
			}
			defer watcher.Close()
		}

		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if supersedeFired(path, baseline) {
					return
				}
			case ev, ok := <-events:
				if !ok {
					events = nil
					continue
				}
				if ev.Name == path && supersedeFired(path, baseline) {
					return
				}
			}
		}
	}()

	return out
}

func supersedeFired(path string, baseline time.Time) bool {
	info, err := os.Stat(path)
	if err != nil {
		// The packet moved out from under us (claimed into a new state by
		// another operation, or operator tooling); treat as not-yet-fired,
		// the caller's own re-open will discover the state change.
		return false
	}
	return info.ModTime().After(baseline)
}
