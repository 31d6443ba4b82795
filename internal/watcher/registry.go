// Package watcher delivers persisted messages to pull clients: long-poll
// requests and websocket streams of the webchat widget.
package watcher

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"chatgate/internal/domain"
)

const (
	DefaultPollTimeout   = 30 * time.Second
	DefaultIdleThreshold = 2 * time.Minute
	DefaultIdleRetryWait = 15 * time.Second

	streamBuffer = 16
)

// MessageSource is the slice of the conversation store the registry reads.
type MessageSource interface {
	ListMessagesSince(ctx context.Context, conversationID string, since time.Time) ([]*domain.Message, error)
}

// Notifier pushes newly persisted messages to the watchers of a
// conversation. Registry and RedisBroker implement it.
type Notifier interface {
	Notify(ctx context.Context, conversationID string, msgs []*domain.Message)
}

// Result is the outcome of a poll. WaitTime is a retry hint set when the
// conversation has been idle for a while.
type Result struct {
	Messages []*domain.Message
	WaitTime time.Duration
}

type Config struct {
	Source        MessageSource
	Logger        *slog.Logger
	PollTimeout   time.Duration // default: 30s
	IdleThreshold time.Duration // default: 2m
	IdleRetryWait time.Duration // default: 15s
}

// Registry tracks live watchers per conversation.
type Registry struct {
	source        MessageSource
	logger        *slog.Logger
	pollTimeout   time.Duration
	idleThreshold time.Duration
	idleRetryWait time.Duration
	now           func() time.Time

	mu       sync.Mutex
	watchers map[string]map[string]*watcher // conversation id -> watcher id
}

func NewRegistry(cfg Config) *Registry {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = DefaultIdleThreshold
	}
	if cfg.IdleRetryWait <= 0 {
		cfg.IdleRetryWait = DefaultIdleRetryWait
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Registry{
		source:        cfg.Source,
		logger:        cfg.Logger,
		pollTimeout:   cfg.PollTimeout,
		idleThreshold: cfg.IdleThreshold,
		idleRetryWait: cfg.IdleRetryWait,
		now:           time.Now,
		watchers:      make(map[string]map[string]*watcher),
	}
}

// watcher is one pending poll or one open stream.
type watcher struct {
	id             string
	conversationID string
	stream         bool
	ch             chan []*domain.Message
	resolved       atomic.Bool
}

// resolve hands msgs to a poll watcher. Only the first call has an effect.
func (w *watcher) resolve(msgs []*domain.Message) bool {
	if !w.resolved.CompareAndSwap(false, true) {
		return false
	}
	w.ch <- msgs
	return true
}

func (r *Registry) add(conversationID string, stream bool) *watcher {
	w := &watcher{id: uuid.NewString(), conversationID: conversationID, stream: stream}
	if stream {
		w.ch = make(chan []*domain.Message, streamBuffer)
	} else {
		w.ch = make(chan []*domain.Message, 1)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.watchers[conversationID]
	if !ok {
		set = make(map[string]*watcher)
		r.watchers[conversationID] = set
	}
	set[w.id] = w
	return w
}

func (r *Registry) remove(w *watcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.watchers[w.conversationID]
	delete(set, w.id)
	if len(set) == 0 {
		delete(r.watchers, w.conversationID)
	}
}

// Poll returns the messages of conversationID received after since, waiting
// up to the poll timeout for new ones. The watcher is registered before the
// store is queried so a message persisted in between is not missed.
func (r *Registry) Poll(ctx context.Context, conversationID string, since time.Time) (Result, error) {
	w := r.add(conversationID, false)
	defer r.remove(w)

	msgs, err := r.source.ListMessagesSince(ctx, conversationID, since)
	if err != nil {
		w.resolved.Store(true)
		return Result{}, err
	}
	if len(msgs) > 0 {
		// A concurrent Notify may already have resolved the watcher; the
		// query result covers what it carried.
		w.resolved.Store(true)
		return Result{Messages: msgs}, nil
	}

	if r.now().Sub(since) > r.idleThreshold {
		w.resolved.Store(true)
		return Result{Messages: []*domain.Message{}, WaitTime: r.idleRetryWait}, nil
	}

	timer := time.NewTimer(r.pollTimeout)
	defer timer.Stop()

	select {
	case msgs := <-w.ch:
		return Result{Messages: msgs}, nil
	case <-timer.C:
		if w.resolve(nil) {
			return Result{Messages: []*domain.Message{}}, nil
		}
		// Lost the race to a notification.
		return Result{Messages: <-w.ch}, nil
	case <-ctx.Done():
		w.resolved.Store(true)
		return Result{Messages: []*domain.Message{}}, ctx.Err()
	}
}

// Notify pushes msgs to every live watcher of conversationID. Poll watchers
// are resolved; streams receive the batch unless their buffer is full.
func (r *Registry) Notify(_ context.Context, conversationID string, msgs []*domain.Message) {
	if len(msgs) == 0 {
		return
	}
	r.mu.Lock()
	targets := make([]*watcher, 0, len(r.watchers[conversationID]))
	for _, w := range r.watchers[conversationID] {
		targets = append(targets, w)
	}
	r.mu.Unlock()

	for _, w := range targets {
		if !w.stream {
			w.resolve(msgs)
			continue
		}
		select {
		case w.ch <- msgs:
		default:
			r.logger.Warn("watcher stream full, dropping batch",
				"conversation_id", conversationID, "watcher_id", w.id, "messages", len(msgs))
		}
	}
}

// Subscription is a streaming watcher. Close must be called once the
// consumer is done.
type Subscription struct {
	C <-chan []*domain.Message

	w    *watcher
	r    *Registry
	once sync.Once
}

func (s *Subscription) Close() {
	s.once.Do(func() { s.r.remove(s.w) })
}

// Subscribe opens a stream of every batch notified for conversationID.
func (r *Registry) Subscribe(conversationID string) *Subscription {
	w := r.add(conversationID, true)
	return &Subscription{C: w.ch, w: w, r: r}
}

// Stats is a snapshot of the registry size.
type Stats struct {
	Conversations int
	Watchers      int
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{Conversations: len(r.watchers)}
	for _, set := range r.watchers {
		s.Watchers += len(set)
	}
	return s
}
