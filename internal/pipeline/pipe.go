package pipeline

import (
	"context"
	"net/http"
	"time"

	"chatgate/internal/botclient"
	"chatgate/internal/channel"
	"chatgate/internal/domain"
	"chatgate/internal/metrics"
)

// run carries the state of one webhook call through the steps.
type run struct {
	ch        *domain.Channel
	adapter   channel.Adapter
	req       *channel.Request
	mctx      *channel.MessageContext
	connector *domain.Connector
	res       *channel.WebhookResult
}

// HandleWebhook processes one platform call to /webhook/{channelID}.
// Returned errors have not touched w; the caller maps them to a status.
func (p *Pipeline) HandleWebhook(w http.ResponseWriter, r *http.Request, channelID string) error {
	ctx := r.Context()
	ch, adapter, err := p.activeChannel(ctx, channelID)
	if err != nil {
		return err
	}
	req, err := channel.NewRequest(r)
	if err != nil {
		return domain.BadRequest("cannot read webhook body: %v", err)
	}

	// Handshakes: GET verification challenges are unsigned, in-band ones
	// (Slack url_verification, Discord PING) are authenticated first.
	if !channel.IsIncoming(adapter, req) {
		return adapter.HandleSubscription(w, req, ch)
	}
	if err := adapter.AuthenticateWebhookRequest(req, ch); err != nil {
		p.logger.Warn("webhook rejected", "channel", ch.ID, "type", ch.Type, "err", err)
		return err
	}
	if sd, ok := adapter.(channel.SubscriptionDetector); ok && sd.IsSubscription(req) {
		return adapter.HandleSubscription(w, req, ch)
	}

	mctx, err := adapter.PopulateMessageContext(req, ch)
	if err != nil {
		return err
	}
	mctx.Channel = ch
	rn := &run{ch: ch, adapter: adapter, req: req, mctx: mctx, res: &channel.WebhookResult{}}

	if ea, ok := adapter.(channel.EarlyAcknowledger); ok && ea.AcknowledgeEarly() {
		p.finalize(w, adapter, req, rn.res)
		bg := context.WithoutCancel(ctx)
		p.background.Add(1)
		go func() {
			defer p.background.Done()
			if err := p.process(bg, rn); err != nil {
				p.logger.Error("webhook processing failed", "channel", ch.ID, "type", ch.Type, "chat_id", mctx.ChatID, "err", err)
			}
		}()
		return nil
	}

	if err := p.process(ctx, rn); err != nil {
		return err
	}
	p.finalize(w, adapter, req, rn.res)
	return nil
}

func (p *Pipeline) process(ctx context.Context, rn *run) error {
	conv, err := p.resolveConversation(ctx, rn.ch, rn.mctx.ChatID)
	if err != nil {
		return err
	}
	rn.res.Conversation = conv
	rn.connector, err = p.configs.GetConnector(ctx, conv.ConnectorID)
	if err != nil {
		return err
	}

	if upd := rn.adapter.UpdateConversationContext(conv, rn.mctx); len(upd) > 0 {
		if err := p.conversations.UpdateConversationContext(ctx, conv.ID, upd); err != nil {
			return err
		}
		if conv.Context == nil {
			conv.Context = domain.StringMap{}
		}
		for k, v := range upd {
			conv.Context[k] = v
		}
	}

	outcome, err := rn.adapter.ParseIncomingMessage(ctx, conv, rn.req, rn.mctx)
	if err != nil {
		return err
	}
	if outcome.Suppressed() {
		metrics.Suppressed(rn.ch.Type).Inc()
		p.logger.Debug("webhook suppressed", "conversation_id", conv.ID, "type", rn.ch.Type)
		return nil
	}

	participant, err := p.resolveParticipant(ctx, rn, conv)
	if err != nil {
		return err
	}

	inbound := &domain.Message{
		ConversationID: conv.ID,
		ParticipantID:  participant.ID,
		Attachment:     outcome.Message.Attachment,
	}
	if err := p.conversations.AppendMessage(ctx, inbound); err != nil {
		return err
	}
	inbound.Participant = participant
	rn.res.Inbound = inbound
	metrics.Inbound(rn.ch.Type).Inc()
	p.notifyPull(ctx, rn.adapter, conv.ID, inbound)

	if rn.connector.IsTyping {
		p.typing(ctx, rn, conv)
	}

	replies, err := p.callBot(ctx, rn, outcome.Message)
	if err != nil {
		return err
	}
	if len(replies) == 0 {
		return nil
	}

	sent, err := p.deliver(ctx, rn.ch, rn.adapter, rn.connector, conv, rn.mctx, replies)
	rn.res.Replies = sent
	return err
}

// resolveParticipant finds the end user and enriches a fresh profile. A
// failed enrichment is logged and retried on the next message.
func (p *Pipeline) resolveParticipant(ctx context.Context, rn *run, conv *domain.Conversation) (*domain.Participant, error) {
	participant, err := p.conversations.FindOrCreateParticipant(ctx, &domain.Participant{
		ConversationID: conv.ID,
		SenderID:       rn.mctx.SenderID,
		Role:           domain.RoleUser,
	})
	if err != nil {
		return nil, err
	}
	if len(participant.Data) > 0 {
		return participant, nil
	}

	if err := rn.adapter.PopulateParticipantData(ctx, rn.ch, participant, rn.mctx); err != nil {
		p.logger.Warn("participant enrichment failed", "conversation_id", conv.ID, "sender_id", participant.SenderID, "err", err)
		return participant, nil
	}
	participant.DisplayName = rn.adapter.ParticipantDisplayName(participant)
	if err := p.conversations.UpdateParticipant(ctx, participant); err != nil {
		p.logger.Warn("participant update failed", "participant_id", participant.ID, "err", err)
	}
	return participant, nil
}

func (p *Pipeline) typing(ctx context.Context, rn *run, conv *domain.Conversation) {
	if err := rn.adapter.OnIsTyping(ctx, rn.ch, conv, rn.mctx); err != nil {
		p.logger.Warn("typing indicator failed", "conversation_id", conv.ID, "type", rn.ch.Type, "err", err)
	}
}

// callBot forwards the canonical message. Empty content never reaches the
// bot and yields no replies.
func (p *Pipeline) callBot(ctx context.Context, rn *run, msg domain.CanonicalMessage) ([]domain.ReplyMessage, error) {
	if msg.Attachment.IsEmpty() {
		return nil, nil
	}
	mem := rn.adapter.MemoryOptions(rn.req, rn.mctx)

	start := time.Now()
	resp, err := p.bot.Send(ctx, rn.connector.URL, botclient.Request{
		Message:     msg,
		ChatID:      rn.mctx.ChatID,
		SenderID:    rn.mctx.SenderID,
		Mentioned:   rn.mctx.Mentioned,
		Origin:      rn.ch.Type,
		Memory:      mem.Memory,
		MergeMemory: mem.Merge,
	})
	metrics.BotLatency.Since(start)
	if err != nil {
		metrics.BotErrors.Inc()
		p.logger.Error("bot call failed", "connector", rn.connector.ID, "chat_id", rn.mctx.ChatID, "err", err)
		return nil, err
	}
	return resp.Replies(), nil
}

// deliver persists and sends replies in order through the scheduler. It
// returns the replies stored before any failure.
func (p *Pipeline) deliver(ctx context.Context, ch *domain.Channel, adapter channel.Adapter, connector *domain.Connector,
	conv *domain.Conversation, mctx *channel.MessageContext, replies []domain.ReplyMessage) ([]*domain.Message, error) {
	bot, err := p.conversations.FindOrCreateParticipant(ctx, &domain.Participant{
		ConversationID: conv.ID,
		SenderID:       connector.ID,
		Role:           domain.RoleBot,
		IsBot:          true,
		DisplayName:    "bot",
	})
	if err != nil {
		return nil, err
	}

	delays := ResolveDelays(replies, connector.DefaultDelay)
	sent := make([]*domain.Message, 0, len(replies))
	steps := make([]Step, len(replies))
	for i, reply := range replies {
		att := reply.Attachment()
		delay := delays[i]
		steps[i] = Step{Delay: delay, Send: func(ctx context.Context) error {
			payload, err := adapter.FormatOutgoingMessage(conv, att, mctx)
			if err != nil {
				return err
			}
			msg := &domain.Message{ConversationID: conv.ID, ParticipantID: bot.ID, Attachment: att, Delay: &delay}
			if err := p.conversations.AppendMessage(ctx, msg); err != nil {
				return err
			}
			msg.Participant = bot
			sent = append(sent, msg)
			p.notifyPull(ctx, adapter, conv.ID, msg)

			if err := adapter.SendMessage(ctx, ch, conv, payload); err != nil {
				metrics.DeliveryErrors(ch.Type).Inc()
				p.logger.Error("reply delivery failed", "conversation_id", conv.ID, "type", ch.Type, "err", err)
				return err
			}
			metrics.Outbound(ch.Type).Inc()
			return nil
		}}
	}

	var typing func(context.Context)
	if connector.IsTyping {
		typing = func(ctx context.Context) {
			if err := adapter.OnIsTyping(ctx, ch, conv, mctx); err != nil {
				p.logger.Warn("typing indicator failed", "conversation_id", conv.ID, "type", ch.Type, "err", err)
			}
		}
	}
	err = p.scheduler.Run(ctx, steps, typing)
	return sent, err
}

func (p *Pipeline) notifyPull(ctx context.Context, adapter channel.Adapter, conversationID string, msg *domain.Message) {
	if adapter.Delivery() != channel.Pull || p.notifier == nil {
		return
	}
	p.notifier.Notify(ctx, conversationID, []*domain.Message{msg})
}
