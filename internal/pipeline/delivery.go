package pipeline

import (
	"context"
	"time"

	"chatgate/internal/domain"
)

// ResolveDelays computes the pause, in seconds, that follows each reply.
// An explicit delay wins; otherwise every reply but the last gets the
// connector default. Results are clamped to [0, MaxDelay].
func ResolveDelays(replies []domain.ReplyMessage, defaultDelay *float64) []float64 {
	out := make([]float64, len(replies))
	for i, r := range replies {
		switch {
		case r.Delay != nil:
			out[i] = domain.ClampDelay(*r.Delay)
		case defaultDelay != nil && i < len(replies)-1:
			out[i] = domain.ClampDelay(*defaultDelay)
		}
	}
	return out
}

// Step is one reply send followed by its pause.
type Step struct {
	Delay float64
	Send  func(ctx context.Context) error
}

// SleepFunc pauses for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Scheduler sends replies strictly in order with the typing rhythm
// platforms render: send, typing indicator, pause, next send.
type Scheduler struct {
	Sleep SleepFunc
}

// Run stops at the first failed send. typing may be nil when the connector
// has the indicator disabled. Nothing is awaited after the last step.
func (s *Scheduler) Run(ctx context.Context, steps []Step, typing func(ctx context.Context)) error {
	sleep := s.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	for i, st := range steps {
		if err := st.Send(ctx); err != nil {
			return err
		}
		if st.Delay <= 0 || i == len(steps)-1 {
			continue
		}
		if typing != nil {
			typing(ctx)
		}
		if err := sleep(ctx, time.Duration(st.Delay*float64(time.Second))); err != nil {
			return err
		}
	}
	return nil
}
