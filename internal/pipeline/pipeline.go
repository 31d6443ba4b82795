// Package pipeline runs inbound webhooks through the gateway: conversation
// resolution, parsing, persistence, the bot call and reply delivery.
package pipeline

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"chatgate/internal/botclient"
	"chatgate/internal/channel"
	"chatgate/internal/domain"
	"chatgate/internal/watcher"
)

type Config struct {
	Conversations domain.ConversationStore
	Configs       domain.ConfigStore
	Adapters      *channel.Registry
	Bot           botclient.Sender
	Notifier      watcher.Notifier
	Logger        *slog.Logger
	Sleep         SleepFunc // default: timer bound to the context
	// BroadcastConcurrency bounds parallel conversations in Broadcast.
	BroadcastConcurrency int // default: 8
}

// Pipeline is safe for concurrent use; one webhook call is one run.
type Pipeline struct {
	conversations domain.ConversationStore
	configs       domain.ConfigStore
	adapters      *channel.Registry
	bot           botclient.Sender
	notifier      watcher.Notifier
	logger        *slog.Logger
	scheduler     *Scheduler
	broadcastMax  int

	// background tracks runs detached from their request by early ack.
	background sync.WaitGroup
}

func New(cfg Config) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.BroadcastConcurrency <= 0 {
		cfg.BroadcastConcurrency = 8
	}
	return &Pipeline{
		conversations: cfg.Conversations,
		configs:       cfg.Configs,
		adapters:      cfg.Adapters,
		bot:           cfg.Bot,
		notifier:      cfg.Notifier,
		logger:        cfg.Logger.With("component", "pipeline"),
		scheduler:     &Scheduler{Sleep: cfg.Sleep},
		broadcastMax:  cfg.BroadcastConcurrency,
	}
}

// Wait blocks until every detached run has finished.
func (p *Pipeline) Wait() {
	p.background.Wait()
}

// activeChannel loads a channel and its adapter. Soft-deleted channels are
// reported as missing.
func (p *Pipeline) activeChannel(ctx context.Context, channelID string) (*domain.Channel, channel.Adapter, error) {
	ch, err := p.configs.GetChannel(ctx, channelID)
	if err != nil {
		return nil, nil, err
	}
	if !ch.IsActive {
		return nil, nil, domain.NotFound("Channel")
	}
	adapter, err := p.adapters.Get(ch.Type)
	if err != nil {
		return nil, nil, err
	}
	return ch, adapter, nil
}

// resolveConversation returns the active conversation for chatID, creating
// it when the channel may accept new sessions.
func (p *Pipeline) resolveConversation(ctx context.Context, ch *domain.Channel, chatID string) (*domain.Conversation, error) {
	conv, err := p.conversations.FindActiveConversation(ctx, ch.ID, chatID)
	if err == nil {
		return conv, nil
	}
	if !domain.IsKind(err, domain.KindNotFound) {
		return nil, err
	}

	if !ch.IsActive || !ch.IsActivated {
		return nil, domain.NotFound("Channel")
	}
	if _, err := p.configs.GetConnector(ctx, ch.ConnectorID); err != nil {
		return nil, err
	}
	conv, err = p.conversations.CreateConversation(ctx, &domain.Conversation{
		ChannelID:   ch.ID,
		ConnectorID: ch.ConnectorID,
		ChatID:      chatID,
		Context:     domain.StringMap{},
	})
	if err != nil {
		return nil, err
	}
	p.logger.Debug("conversation resolved", "conversation_id", conv.ID, "channel", ch.ID, "chat_id", chatID)
	return conv, nil
}

// StartConversation opens (or returns) the session for chatID on a channel.
// An empty chatID gets a fresh identifier, which is how webchat widgets
// start anonymous sessions.
func (p *Pipeline) StartConversation(ctx context.Context, channelID, chatID string) (*domain.Conversation, error) {
	ch, _, err := p.activeChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if chatID == "" {
		chatID = uuid.NewString()
	}
	return p.resolveConversation(ctx, ch, chatID)
}

// trackingWriter records whether a response has been started.
type trackingWriter struct {
	http.ResponseWriter
	wrote bool
}

func (w *trackingWriter) WriteHeader(code int) {
	w.wrote = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *trackingWriter) Write(b []byte) (int, error) {
	w.wrote = true
	return w.ResponseWriter.Write(b)
}

// finalize lets the adapter complete the response and falls back to a bare
// 200 so the platform does not retry.
func (p *Pipeline) finalize(w http.ResponseWriter, adapter channel.Adapter, req *channel.Request, res *channel.WebhookResult) {
	tw := &trackingWriter{ResponseWriter: w}
	if err := adapter.FinalizeWebhookRequest(tw, req, res); err != nil {
		p.logger.Warn("finalize webhook failed", "type", adapter.Type(), "err", err)
	}
	if !tw.wrote {
		w.WriteHeader(http.StatusOK)
	}
}
