package channel

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"chatgate/internal/domain"
)

// WebchatConfig configures the webchat adapter.
type WebchatConfig struct {
	Logger *slog.Logger
}

// Webchat is the pull adapter behind the embeddable web widget. Clients
// post messages to the webhook and long-poll for replies.
type Webchat struct {
	Base
	logger *slog.Logger
}

func NewWebchat(cfg WebchatConfig) *Webchat {
	return &Webchat{logger: cfg.Logger}
}

type webchatPayload struct {
	ChatID  string `json:"chatId"`
	Message struct {
		Attachment domain.Attachment `json:"attachment"`
	} `json:"message"`
	MemoryOptions *struct {
		Memory domain.JSONMap `json:"memory"`
		Merge  bool           `json:"merge"`
	} `json:"memoryOptions,omitempty"`
}

func (w *Webchat) Type() string           { return "webchat" }
func (w *Webchat) Delivery() DeliveryMode { return Pull }

// BeforeChannelCreated issues the token widget clients authenticate with.
func (w *Webchat) BeforeChannelCreated(_ context.Context, ch *domain.Channel) error {
	if ch.Token == "" {
		ch.Token = uuid.NewString()
	}
	return nil
}

func (w *Webchat) AuthenticateWebhookRequest(req *Request, ch *domain.Channel) error {
	got := req.Header("Authorization")
	if ch.Token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(ch.Token)) != 1 {
		return domain.Forbidden("invalid webchat token")
	}
	return nil
}

func (w *Webchat) PopulateMessageContext(req *Request, _ *domain.Channel) (*MessageContext, error) {
	var p webchatPayload
	if err := json.Unmarshal(req.Body, &p); err != nil {
		return nil, domain.BadRequest("invalid webchat payload: %v", err)
	}
	return requireIDs(&MessageContext{
		ChatID:    p.ChatID,
		SenderID:  p.ChatID,
		Mentioned: true,
		Event:     &p,
	})
}

func (w *Webchat) ParseIncomingMessage(_ context.Context, _ *domain.Conversation, _ *Request, mctx *MessageContext) (ParseOutcome, error) {
	p := mctx.Event.(*webchatPayload)
	if p.Message.Attachment.Type == "" {
		return ParseOutcome{}, domain.BadRequest("missing message attachment type")
	}
	return ForwardAttachment(p.Message.Attachment), nil
}

func (w *Webchat) MemoryOptions(_ *Request, mctx *MessageContext) MemoryOptions {
	p, ok := mctx.Event.(*webchatPayload)
	if !ok || p.MemoryOptions == nil {
		return MemoryOptions{}
	}
	return MemoryOptions{Memory: p.MemoryOptions.Memory, Merge: p.MemoryOptions.Merge}
}

// FormatOutgoingMessage keeps the canonical attachment; the widget renders it.
func (w *Webchat) FormatOutgoingMessage(_ *domain.Conversation, att domain.Attachment, _ *MessageContext) (any, error) {
	return att, nil
}

type webchatResponse struct {
	Message string `json:"message"`
	Results any    `json:"results"`
}

func (w *Webchat) FinalizeWebhookRequest(rw http.ResponseWriter, _ *Request, res *WebhookResult) error {
	results := map[string]any{}
	if res != nil {
		if res.Conversation != nil {
			results["conversationId"] = res.Conversation.ID
		}
		if res.Inbound != nil {
			results["message"] = res.Inbound
		}
	}
	return writeJSON(rw, http.StatusCreated, webchatResponse{
		Message: "Message successfully posted",
		Results: results,
	})
}
