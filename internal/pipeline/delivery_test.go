package pipeline

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatgate/internal/domain"
)

func ptr(f float64) *float64 { return &f }

func TestResolveDelays(t *testing.T) {
	tests := []struct {
		name   string
		delays []*float64
		def    *float64
		want   []float64
	}{
		{"clamped and defaulted", []*float64{ptr(-1), ptr(7), nil}, ptr(2), []float64{0, 5, 0}},
		{"default except last", []*float64{nil, nil}, ptr(2), []float64{2, 0}},
		{"no default", []*float64{nil, nil}, nil, []float64{0, 0}},
		{"explicit zero honoured", []*float64{ptr(0), nil}, ptr(3), []float64{0, 0}},
		{"explicit on last kept", []*float64{nil, ptr(1.5)}, nil, []float64{0, 1.5}},
		{"non-finite", []*float64{ptr(math.NaN()), ptr(math.Inf(1)), nil}, nil, []float64{0, 0, 0}},
		{"default clamped", []*float64{nil, nil}, ptr(9), []float64{5, 0}},
		{"empty", nil, ptr(2), []float64{}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			replies := make([]domain.ReplyMessage, len(tt.delays))
			for i, d := range tt.delays {
				replies[i] = domain.ReplyMessage{Type: "text", Delay: d}
			}
			assert.Equal(t, tt.want, ResolveDelays(replies, tt.def))
		})
	}
}

func TestScheduler_OrderAndTypingRhythm(t *testing.T) {
	var events []string
	var slept []time.Duration
	s := &Scheduler{Sleep: func(_ context.Context, d time.Duration) error {
		events = append(events, "sleep")
		slept = append(slept, d)
		return nil
	}}
	send := func(name string) func(context.Context) error {
		return func(context.Context) error {
			events = append(events, name)
			return nil
		}
	}

	err := s.Run(context.Background(), []Step{
		{Delay: 2, Send: send("a")},
		{Delay: 0, Send: send("b")},
		{Delay: 1, Send: send("c")},
		{Delay: 3, Send: send("d")},
	}, func(context.Context) { events = append(events, "typing") })
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "typing", "sleep", "b", "c", "typing", "sleep", "d"}, events)
	assert.Equal(t, []time.Duration{2 * time.Second, time.Second}, slept)
}

func TestScheduler_NoTypingWhenDisabled(t *testing.T) {
	var events []string
	s := &Scheduler{Sleep: func(context.Context, time.Duration) error { return nil }}
	err := s.Run(context.Background(), []Step{
		{Delay: 1, Send: func(context.Context) error { events = append(events, "a"); return nil }},
		{Send: func(context.Context) error { events = append(events, "b"); return nil }},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, events)
}

func TestScheduler_StopsOnFailure(t *testing.T) {
	boom := errors.New("boom")
	sent := 0
	s := &Scheduler{}
	err := s.Run(context.Background(), []Step{
		{Send: func(context.Context) error { sent++; return boom }},
		{Send: func(context.Context) error { sent++; return nil }},
	}, nil)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, sent)
}

func TestScheduler_ContextCancelledDuringPause(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{}
	err := s.Run(ctx, []Step{
		{Delay: 5, Send: func(context.Context) error { cancel(); return nil }},
		{Send: func(context.Context) error { t.Fatal("second step sent after cancel"); return nil }},
	}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
