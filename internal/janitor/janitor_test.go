package janitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatgate/internal/metrics"
	"chatgate/internal/watcher"
)

type fakePurger struct {
	mu      sync.Mutex
	cutoffs []time.Time
	n       int64
	err     error
}

func (f *fakePurger) PurgeMessagesBefore(_ context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, before)
	return f.n, f.err
}

type fixedStats struct{ n int }

func (f fixedStats) Stats() watcher.Stats { return watcher.Stats{Conversations: 1, Watchers: f.n} }

func TestPurge_UsesRetentionWindow(t *testing.T) {
	now := time.Date(2026, 3, 31, 3, 0, 0, 0, time.UTC)
	p := &fakePurger{n: 7}
	j, err := New(Config{Purger: p, Schedule: "0 3 * * *", RetentionDays: 30, Now: func() time.Time { return now }})
	require.NoError(t, err)
	t.Cleanup(func() { j.Stop() })

	before := metrics.Purged.Value()
	n, err := j.Purge(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	require.Len(t, p.cutoffs, 1)
	assert.Equal(t, time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC), p.cutoffs[0])
	assert.Equal(t, before+7, metrics.Purged.Value())
}

func TestPurge_StoreError(t *testing.T) {
	p := &fakePurger{err: errors.New("disk full")}
	j, err := New(Config{Purger: p, Schedule: "0 3 * * *", RetentionDays: 1})
	require.NoError(t, err)
	t.Cleanup(func() { j.Stop() })

	_, err = j.Purge(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestNew_InvalidSchedule(t *testing.T) {
	_, err := New(Config{Purger: &fakePurger{}, Schedule: "every tuesday", RetentionDays: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retention")
}

func TestNew_InvalidRetention(t *testing.T) {
	_, err := New(Config{Purger: &fakePurger{}, Schedule: "0 3 * * *", RetentionDays: 0})
	require.Error(t, err)
}

func TestWatcherGauge(t *testing.T) {
	j, err := New(Config{
		Purger:        &fakePurger{},
		Watchers:      fixedStats{n: 4},
		Schedule:      "0 3 * * *",
		RetentionDays: 1,
		StatsInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	j.Start()
	t.Cleanup(func() { j.Stop() })

	assert.Eventually(t, func() bool { return metrics.Watchers.Value() == 4 }, 2*time.Second, 10*time.Millisecond)
}
