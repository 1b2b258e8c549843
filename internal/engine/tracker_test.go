package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_CumulativeMeanIsExact(t *testing.T) {
	tr := NewTracker()

	speeds := []float64{100, 200, 600, 300}
	durations := []time.Duration{4 * time.Second, 2 * time.Second, 6 * time.Second, 8 * time.Second}
	success := []bool{true, false, true, true}

	for i := range speeds {
		tr.Record("http", success[i], speeds[i], durations[i])
	}

	rec := tr.Get("http")
	assert.Equal(t, int64(4), rec.TotalAttempts)
	assert.Equal(t, int64(3), rec.SuccessfulAttempts)
	assert.InDelta(t, 300.0, rec.AvgSpeed, 1e-9)
	assert.Equal(t, 5*time.Second, rec.AvgDuration)
	assert.InDelta(t, 0.75, rec.AvgSuccess, 1e-9)
	assert.InDelta(t, 0.75, rec.SuccessRate(), 1e-9)
}

func TestTracker_ConcurrentUpdatesAreNotLost(t *testing.T) {
	tr := NewTracker()

	const (
		workers = 16
		perW    = 250
	)

	var wg sync.WaitGroup

	for w := range workers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for range perW {
				tr.Record("http", w%2 == 0, 10, time.Second)
				tr.Record("putio", true, 20, time.Second)
			}
		}()
	}

	wg.Wait()

	http := tr.Get("http")
	assert.Equal(t, int64(workers*perW), http.TotalAttempts)
	assert.Equal(t, int64(workers*perW/2), http.SuccessfulAttempts)
	assert.InDelta(t, 10.0, http.AvgSpeed, 1e-6)
	assert.Equal(t, int64(workers*perW), tr.Get("putio").TotalAttempts)
}

func TestTracker_Historical(t *testing.T) {
	tr := NewTracker()
	tr.Record("fast", true, 1000, time.Second)
	tr.Record("slow", true, 250, 4*time.Second)
	tr.Record("flaky", false, 500, 2*time.Second)

	scores := tr.Historical([]string{"fast", "slow", "flaky", "fresh"})

	assert.InDelta(t, 1.0, scores["fast"], 1e-9)
	assert.InDelta(t, 0.5+0.3*0.25+0.2*0.25, scores["slow"], 1e-9)
	assert.InDelta(t, 0.3*0.5+0.2*0.5, scores["flaky"], 1e-9)
	assert.InDelta(t, 0.5, scores["fresh"], 1e-9)
}

func TestTracker_Snapshot(t *testing.T) {
	tr := NewTracker()
	tr.Record("b", true, 100, time.Second)
	tr.Record("a", false, 0, time.Second)

	snap := tr.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].Engine)
	assert.Equal(t, "b", snap[1].Engine)
	assert.InDelta(t, 100.0, snap[1].Score, 1e-9)
	assert.Less(t, snap[0].Score, snap[1].Score)
}

func TestTracker_GetUnknown(t *testing.T) {
	rec := NewTracker().Get("nope")
	assert.Equal(t, "nope", rec.Engine)
	assert.Zero(t, rec.TotalAttempts)
	assert.Zero(t, rec.SuccessRate())
}
