package pipeline

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"chatgate/internal/domain"
)

// BroadcastResult counts the conversations a broadcast reached.
type BroadcastResult struct {
	Conversations int `json:"conversations"`
	Delivered     int `json:"delivered"`
	Failed        int `json:"failed"`
}

// Broadcast sends one reply batch to every active conversation of a
// channel. A failing conversation is logged and skipped; the others go on.
func (p *Pipeline) Broadcast(ctx context.Context, channelID string, replies []domain.ReplyMessage) (BroadcastResult, error) {
	if len(replies) == 0 {
		return BroadcastResult{}, domain.BadRequest("broadcast needs at least one message")
	}
	ch, adapter, err := p.activeChannel(ctx, channelID)
	if err != nil {
		return BroadcastResult{}, err
	}
	connector, err := p.configs.GetConnector(ctx, ch.ConnectorID)
	if err != nil {
		return BroadcastResult{}, err
	}
	convs, err := p.conversations.ListActiveConversations(ctx, ch.ID)
	if err != nil {
		return BroadcastResult{}, err
	}

	var delivered, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.broadcastMax)
	for _, conv := range convs {
		conv := conv
		g.Go(func() error {
			if _, err := p.deliver(gctx, ch, adapter, connector, conv, nil, replies); err != nil {
				failed.Add(1)
				p.logger.Warn("broadcast to conversation failed", "conversation_id", conv.ID, "channel", ch.ID, "err", err)
				return nil
			}
			delivered.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	res := BroadcastResult{
		Conversations: len(convs),
		Delivered:     int(delivered.Load()),
		Failed:        int(failed.Load()),
	}
	p.logger.Info("broadcast finished", "channel", ch.ID, "conversations", res.Conversations, "failed", res.Failed)
	return res, nil
}
