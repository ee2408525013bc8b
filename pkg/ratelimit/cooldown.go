package ratelimit

import (
	"encoding/json"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/taskmesh/agentbus/pkg/metrics"
)

// CooldownRecord is the single global advisory record: any
// worker reads it before spawning a turn and waits if RetryAtMs is in the
// future.
type CooldownRecord struct {
	RetryAtMs   int64  `json:"retryAtMs"`
	Reason      string `json:"reason"`
	SourceAgent string `json:"sourceAgent"`
	TaskID      string `json:"taskId"`
}

// Cooldown manages the single global cooldown file, written via tmp-and-
// rename and never regressed.
type Cooldown struct {
	path string
}

// NewCooldown returns a Cooldown backed by a file under dir.
func NewCooldown(dir string) *Cooldown {
	return &Cooldown{path: filepath.Join(dir, "cooldown.json")}
}

// Read returns the current record, or a zero-value record (RetryAtMs=0) if
// none exists or it is malformed.
func (c *Cooldown) Read() CooldownRecord {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return CooldownRecord{}
	}
	var rec CooldownRecord
	if json.Unmarshal(data, &rec) != nil {
		return CooldownRecord{}
	}
	return rec
}

// Active reports whether the cooldown is currently in effect.
func (c *Cooldown) Active(now time.Time) (CooldownRecord, bool) {
	rec := c.Read()
	active := rec.RetryAtMs > now.UnixMilli()
	if active {
		metrics.CooldownActive.Set(1)
		return rec, true
	}
	metrics.CooldownActive.Set(0)
	return CooldownRecord{}, false
}

// Set writes a new cooldown record, taking max(existing.RetryAtMs,
// rec.RetryAtMs) so a concurrent writer with an earlier retry time never
// regresses the cooldown.
func (c *Cooldown) Set(rec CooldownRecord) error {
	existing := c.Read()
	if existing.RetryAtMs > rec.RetryAtMs {
		rec = existing
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := writeAtomic(c.path, data); err != nil {
		return err
	}
	metrics.CooldownActivationsTotal.WithLabelValues(rec.Reason).Inc()
	metrics.CooldownActive.Set(1)
	return nil
}

// Wait blocks the caller until the cooldown clears, sleeping pollInterval
// between checks with small randomized jitter to avoid thundering wakeups
// across workers released at the same instant.
func (c *Cooldown) Wait(pollInterval time.Duration) {
	for {
		rec, active := c.Active(time.Now())
		if !active {
			return
		}
		remaining := time.Until(time.UnixMilli(rec.RetryAtMs))
		if remaining <= 0 {
			return
		}
		jitter := time.Duration(rand.Int63n(int64(pollInterval)))
		sleep := pollInterval + jitter
		if sleep > remaining {
			sleep = remaining
		}
		time.Sleep(sleep)
	}
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
