package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerDurationGrows(t *testing.T) {
	timer := NewTimer()
	require.NotNil(t, timer)

	time.Sleep(20 * time.Millisecond)
	first := timer.Duration()
	assert.GreaterOrEqual(t, first, 20*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Greater(t, timer.Duration(), first, "Duration is re-read, not latched at first call")
}

func TestTimerObserveDurationRecordsSample(t *testing.T) {
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "agentbus_test_turn_seconds",
		Help: "scratch histogram",
	})

	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)
	timer.ObserveDuration(histogram)

	assert.Equal(t, 1, testutil.CollectAndCount(histogram))
}

func TestTimerObserveDurationVecLabelsSample(t *testing.T) {
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "agentbus_test_poll_seconds",
		Help: "scratch histogram vec",
	}, []string{"agent", "kind"})

	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)
	timer.ObserveDurationVec(vec, "exec", "EXECUTE")

	assert.Equal(t, 1, testutil.CollectAndCount(vec), "one labeled sample lands in the vec")
}

func TestTimersAreIndependent(t *testing.T) {
	turnTimer := NewTimer()
	time.Sleep(30 * time.Millisecond)
	pollTimer := NewTimer()
	time.Sleep(10 * time.Millisecond)

	assert.Greater(t, turnTimer.Duration(), pollTimer.Duration(),
		"the earlier-started timer has the longer reading")
}
