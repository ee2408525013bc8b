package metrics

import (
	"time"

	"github.com/taskmesh/agentbus/pkg/bus"
)

// Collector periodically snapshots inbox depths for a fixed roster of
// agents into InboxDepth, the way a cluster-wide poller would snapshot
// resource counts.
type Collector struct {
	store  *bus.Store
	roster []string
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector over store for roster.
func NewCollector(store *bus.Store, roster []string) *Collector {
	return &Collector{
		store:  store,
		roster: roster,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics every 15s.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	summaries, err := c.store.StatusSummary(c.roster)
	if err != nil {
		return
	}
	for _, s := range summaries {
		for state, count := range s.Counts {
			InboxDepth.WithLabelValues(s.Agent, string(state)).Set(float64(count))
		}
	}
}
