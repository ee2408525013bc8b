// Package ratelimit implements the Rate Coordinator: a global
// in-flight semaphore backed by lease files, a global cooldown record
// guarded by tmp-and-rename, and a per-agent backoff tracker adapted from
// pkg/health's consecutive-failure shape.
package ratelimit

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/agentbus/pkg/metrics"
)

// Semaphore bounds global in-flight turns across every worker process using
// exclusive-create lease files under a shared directory: N interchangeable
// slots instead of a single lock file.
type Semaphore struct {
	dir      string
	maxSlots int
}

// NewSemaphore returns a Semaphore with up to maxSlots concurrent holders,
// creating dir if it does not exist.
func NewSemaphore(dir string, maxSlots int) (*Semaphore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ratelimit: create semaphore dir: %w", err)
	}
	return &Semaphore{dir: dir, maxSlots: maxSlots}, nil
}

// Lease is a held slot; Release frees it, and a repeated Release is a no-op.
type Lease struct {
	path string
}

// Acquire attempts to claim a free slot, retrying every pollInterval until a
// slot frees up; it has no deadline. Fairness is best-effort: a
// released slot is available to whichever acquirer
// next wins the O_EXCL race.
func (s *Semaphore) Acquire(holder string, pollInterval time.Duration) (*Lease, error) {
	for {
		if lease, ok := s.tryAcquire(holder); ok {
			return lease, nil
		}
		time.Sleep(pollInterval)
	}
}

func (s *Semaphore) tryAcquire(holder string) (*Lease, bool) {
	for slot := 0; slot < s.maxSlots; slot++ {
		path := filepath.Join(s.dir, fmt.Sprintf("slot-%02d.lease", slot))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err != nil {
			if os.IsExist(err) {
				continue
			}
			continue
		}
		fmt.Fprintf(f, "holder=%s\nacquiredAt=%s\nid=%s\n", holder, time.Now().UTC().Format(time.RFC3339Nano), uuid.NewString())
		f.Close()
		metrics.SemaphoreSlotsInUse.Inc()
		return &Lease{path: path}, true
	}
	return nil, false
}

// Release frees the slot. A missing lease file (already released, or the
// holding process crashed and operator tooling rotated it) is not an error.
func (l *Lease) Release() error {
	if l == nil {
		return nil
	}
	err := os.Remove(l.path)
	if err == nil {
		metrics.SemaphoreSlotsInUse.Dec()
		return nil
	}
	if os.IsNotExist(err) {
		return nil
	}
	return fmt.Errorf("ratelimit: release lease: %w", err)
}
