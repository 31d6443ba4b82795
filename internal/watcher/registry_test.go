package watcher

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatgate/internal/domain"
)

type fakeSource struct {
	mu      sync.Mutex
	msgs    []*domain.Message
	onQuery func()
}

func (f *fakeSource) ListMessagesSince(_ context.Context, conversationID string, since time.Time) ([]*domain.Message, error) {
	if f.onQuery != nil {
		f.onQuery()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Message
	for _, m := range f.msgs {
		if m.ConversationID == conversationID && m.ReceivedAt.After(since) {
			out = append(out, m)
		}
	}
	return out, nil
}

func newTestRegistry(src MessageSource, timeout time.Duration) *Registry {
	return NewRegistry(Config{
		Source:      src,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		PollTimeout: timeout,
	})
}

func msg(id, conv string, at time.Time) *domain.Message {
	return &domain.Message{ID: id, ConversationID: conv, ReceivedAt: at, Attachment: domain.TextAttachment(id)}
}

func TestPoll_ReturnsStoredMessagesImmediately(t *testing.T) {
	since := time.Now().Add(-time.Second)
	src := &fakeSource{msgs: []*domain.Message{msg("m1", "c1", time.Now()), msg("m2", "c2", time.Now())}}
	r := newTestRegistry(src, time.Minute)

	res, err := r.Poll(context.Background(), "c1", since)
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)
	assert.Equal(t, "m1", res.Messages[0].ID)
	assert.Zero(t, res.WaitTime)
	assert.Equal(t, 0, r.Stats().Watchers)
}

func TestPoll_RegistersBeforeQuerying(t *testing.T) {
	src := &fakeSource{}
	r := newTestRegistry(src, 5*time.Second)
	// A message persisted while the query is running is notified to the
	// already registered watcher.
	src.onQuery = func() {
		r.Notify(context.Background(), "c1", []*domain.Message{msg("late", "c1", time.Now())})
	}

	res, err := r.Poll(context.Background(), "c1", time.Now())
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)
	assert.Equal(t, "late", res.Messages[0].ID)
}

func TestPoll_Timeout(t *testing.T) {
	r := newTestRegistry(&fakeSource{}, 50*time.Millisecond)

	start := time.Now()
	res, err := r.Poll(context.Background(), "c1", time.Now())
	require.NoError(t, err)
	assert.Empty(t, res.Messages)
	assert.NotNil(t, res.Messages)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 0, r.Stats().Watchers)
}

func TestPoll_IdleConversationGetsRetryHint(t *testing.T) {
	r := newTestRegistry(&fakeSource{}, time.Minute)

	start := time.Now()
	res, err := r.Poll(context.Background(), "c1", time.Now().Add(-3*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, res.Messages)
	assert.Equal(t, DefaultIdleRetryWait, res.WaitTime)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPoll_CancelRemovesWatcher(t *testing.T) {
	r := newTestRegistry(&fakeSource{}, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := r.Poll(ctx, "c1", time.Now())
		done <- err
	}()
	require.Eventually(t, func() bool { return r.Stats().Watchers == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("poll did not return after cancel")
	}
	assert.Equal(t, Stats{}, r.Stats())
}

func TestNotify_ReachesEveryWatcher(t *testing.T) {
	r := newTestRegistry(&fakeSource{}, 5*time.Second)

	var wg sync.WaitGroup
	results := make([]Result, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := r.Poll(context.Background(), "c1", time.Now())
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	require.Eventually(t, func() bool { return r.Stats().Watchers == 2 }, time.Second, 5*time.Millisecond)

	r.Notify(context.Background(), "c1", []*domain.Message{msg("m1", "c1", time.Now())})
	wg.Wait()

	for _, res := range results {
		require.Len(t, res.Messages, 1)
		assert.Equal(t, "m1", res.Messages[0].ID)
	}
	assert.Equal(t, 0, r.Stats().Watchers)
}

func TestNotify_OtherConversationUntouched(t *testing.T) {
	r := newTestRegistry(&fakeSource{}, 100*time.Millisecond)
	r.Notify(context.Background(), "c2", []*domain.Message{msg("m1", "c2", time.Now())})

	res, err := r.Poll(context.Background(), "c1", time.Now())
	require.NoError(t, err)
	assert.Empty(t, res.Messages)
}

func TestResolve_SingleFire(t *testing.T) {
	r := newTestRegistry(&fakeSource{}, time.Minute)
	w := r.add("c1", false)
	defer r.remove(w)

	assert.True(t, w.resolve([]*domain.Message{msg("a", "c1", time.Now())}))
	assert.False(t, w.resolve([]*domain.Message{msg("b", "c1", time.Now())}))
	assert.False(t, w.resolve(nil))

	got := <-w.ch
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)
	assert.Len(t, w.ch, 0)
}

func TestSubscribe_Streams(t *testing.T) {
	r := newTestRegistry(&fakeSource{}, time.Minute)
	sub := r.Subscribe("c1")
	assert.Equal(t, Stats{Conversations: 1, Watchers: 1}, r.Stats())

	r.Notify(context.Background(), "c1", []*domain.Message{msg("m1", "c1", time.Now())})
	r.Notify(context.Background(), "c1", []*domain.Message{msg("m2", "c1", time.Now())})

	first := <-sub.C
	second := <-sub.C
	assert.Equal(t, "m1", first[0].ID)
	assert.Equal(t, "m2", second[0].ID)

	sub.Close()
	sub.Close()
	assert.Equal(t, Stats{}, r.Stats())
}
