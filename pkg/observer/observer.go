// Package observer implements the Observer: a periodic scanner of an
// external review source (e.g. a PR host) that diffs the source's open
// items against per-source persisted state and emits REVIEW_ACTION_REQUIRED
// packets for items crossing the previously recorded watermark. The scanned
// source itself is a black box behind the Source interface; the core only
// owns the cold-start policy, the diff, and the emission.
package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskmesh/agentbus/pkg/bus"
	"github.com/taskmesh/agentbus/pkg/config"
	"github.com/taskmesh/agentbus/pkg/health"
	"github.com/taskmesh/agentbus/pkg/metrics"
)

// Item is one open item from an external review source.
type Item struct {
	ID          string
	Title       string
	Body        string
	Author      string
	AuthorIsBot bool
	Actionable  bool // presence of blocking keywords (actionability heuristic)
}

// Source is the black-box external review surface a Observer polls. A real
// implementation wraps a PR host's API; the core ships none.
type Source interface {
	// ID is the stable identifier this source's state is persisted under.
	ID() string
	// ListOpen returns the currently open items.
	ListOpen() ([]Item, error)
}

// sourceState is the small persisted JSON file for one source
// (state/observer/<source>/<id>.json collapsed to one file per source holding
// all seen ids plus the cold-start flag; the cold-start policy resolves
// per-source, not globally).
type sourceState struct {
	ColdStartDone bool            `json:"coldStartDone"`
	SeenIDs       map[string]bool `json:"seenIds"`
}

// Observer polls one Source on an interval, applying the cold-start policy
// and per-item filters, and emits REVIEW_ACTION_REQUIRED packets for new
// actionable items via the shared Deliverer.
type Observer struct {
	source    Source
	store     *bus.Store
	deliverer *bus.Deliverer
	cfg       config.Config
	log       zerolog.Logger

	healthChecker health.Checker
	healthStatus  *health.Status

	mu     sync.Mutex
	stopCh chan struct{}
}

// New builds an Observer over source, reading/writing its state under
// busRoot/state/observer/<source.ID()>.json.
func New(source Source, store *bus.Store, cfg config.Config, log zerolog.Logger) *Observer {
	return &Observer{
		source:    source,
		store:     store,
		deliverer: bus.NewDeliverer(store),
		cfg:       cfg,
		log:       log.With().Str("component", "observer").Str("source", source.ID()).Logger(),
		stopCh:    make(chan struct{}),
	}
}

// SetHealthChecker wires an optional pre-flight dependency check that
// PollOnce runs before calling source.ListOpen (the dependency_missing
// classification for a source that is down rather than merely empty). A
// single failed check is enough to skip this poll; ConsecutiveFailures is
// still tracked so callers can distinguish a blip from a sustained outage.
func (o *Observer) SetHealthChecker(checker health.Checker) {
	o.healthChecker = checker
	o.healthStatus = health.NewStatus()
}

func (o *Observer) checkHealth(ctx context.Context) error {
	if o.healthChecker == nil {
		return nil
	}
	result := o.healthChecker.Check(ctx)
	o.healthStatus.Update(result, health.Config{Retries: 1})
	if !o.healthStatus.Healthy {
		return &bus.Error{Op: "PollOnce", Kind: bus.KindDependencyMissing, Err: fmt.Errorf("source %s unhealthy: %s", o.source.ID(), result.Message)}
	}
	return nil
}

func (o *Observer) statePath() string {
	return filepath.Join(o.cfg.BusRoot, "state", "observer", o.source.ID()+".json")
}

func (o *Observer) readState() sourceState {
	data, err := os.ReadFile(o.statePath())
	if err != nil {
		return sourceState{SeenIDs: map[string]bool{}}
	}
	var st sourceState
	if json.Unmarshal(data, &st) != nil || st.SeenIDs == nil {
		st.SeenIDs = map[string]bool{}
	}
	return st
}

func (o *Observer) writeState(st sourceState) error {
	path := o.statePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
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
	return os.Rename(tmpPath, path)
}

// Stop requests the poll loop to exit after its current cycle.
func (o *Observer) Stop() { close(o.stopCh) }

// Run polls on cfg.ObserverPollInterval until Stop is called.
func (o *Observer) Run() {
	ticker := time.NewTicker(o.cfg.ObserverPollInterval)
	defer ticker.Stop()

	o.log.Info().Msg("observer started")
	for {
		select {
		case <-ticker.C:
			if _, err := o.PollOnce(); err != nil {
				o.log.Error().Err(err).Msg("poll failed")
			}
		case <-o.stopCh:
			o.log.Info().Msg("observer stopped")
			return
		}
	}
}

// PollOnce runs one poll cycle and returns the task ids delivered, applying
// the cold-start policy on the first observation of this source.
func (o *Observer) PollOnce() ([]string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ObserverPollDuration, o.source.ID())

	if err := o.checkHealth(context.Background()); err != nil {
		return nil, err
	}

	items, err := o.source.ListOpen()
	if err != nil {
		return nil, &bus.Error{Op: "PollOnce", Kind: bus.KindDependencyMissing, Err: err}
	}
	items = o.applyConfigFilters(items)

	st := o.readState()
	coldStart := !st.ColdStartDone

	var toEmit []Item
	for _, item := range items {
		if st.SeenIDs[item.ID] {
			continue
		}
		if coldStart && o.cfg.ObserverColdStart == config.ColdStartBaseline {
			// Baseline: record as seen, emit nothing.
			continue
		}
		toEmit = append(toEmit, item)
	}

	var emitted []string
	for _, item := range toEmit {
		if !o.passesFilters(item) {
			st.SeenIDs[item.ID] = true
			continue
		}
		id, _, err := o.deliverer.Send(bus.DeliverRequest{
			To:       []string{"orchestrator"},
			From:     fmt.Sprintf("observer:%s", o.source.ID()),
			Priority: bus.PriorityP2,
			Title:    item.Title,
			Body:     item.Body,
			Signals: bus.Signals{
				Kind:   bus.SignalReviewActionRequired,
				RootID: item.ID,
			},
			References: map[string]string{
				"sourceItemId": item.ID,
				"author":       item.Author,
			},
		})
		if err != nil {
			o.log.Warn().Err(err).Str("item_id", item.ID).Msg("emit failed")
			continue
		}
		metrics.ObserverItemsEmittedTotal.WithLabelValues(o.source.ID()).Inc()
		emitted = append(emitted, id)
		st.SeenIDs[item.ID] = true
	}

	// Baseline mode marks every item seen on the cold-start poll, including
	// those that were never candidates for emit, so a later poll only
	// surfaces genuinely new items.
	if coldStart && o.cfg.ObserverColdStart == config.ColdStartBaseline {
		for _, item := range items {
			st.SeenIDs[item.ID] = true
		}
	}
	st.ColdStartDone = true

	if err := o.writeState(st); err != nil {
		return emitted, fmt.Errorf("observer: write state: %w", err)
	}
	return emitted, nil
}

// applyConfigFilters narrows the source's open items to the configured
// ObserverMinItemID floor and/or an explicit ObserverItemList allowlist,
// before the cold-start diff runs.
func (o *Observer) applyConfigFilters(items []Item) []Item {
	if o.cfg.ObserverMinItemID == "" && len(o.cfg.ObserverItemList) == 0 {
		return items
	}
	allow := make(map[string]bool, len(o.cfg.ObserverItemList))
	for _, id := range o.cfg.ObserverItemList {
		allow[id] = true
	}
	out := items[:0:0]
	for _, item := range items {
		if len(allow) > 0 && !allow[item.ID] {
			continue
		}
		if o.cfg.ObserverMinItemID != "" && item.ID < o.cfg.ObserverMinItemID {
			continue
		}
		out = append(out, item)
	}
	return out
}

// passesFilters applies the per-item filters: author-class (bot vs human)
// and actionability heuristics. Bot-authored or non-actionable items are
// recorded as seen but never emitted.
func (o *Observer) passesFilters(item Item) bool {
	if item.AuthorIsBot {
		return false
	}
	return item.Actionable
}
