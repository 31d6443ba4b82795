// Package channel holds the platform adapters that translate between chat
// platform wire formats and the gateway's canonical messages.
package channel

import (
	"context"
	"net/http"

	"chatgate/internal/domain"
)

// DeliveryMode says how bot replies reach the end user.
type DeliveryMode int

const (
	// Push adapters call the platform's send API for every reply.
	Push DeliveryMode = iota
	// Pull adapters only persist replies; clients fetch them by long-polling.
	Pull
)

func (m DeliveryMode) String() string {
	if m == Pull {
		return "pull"
	}
	return "push"
}

// MessageContext is what an adapter extracts from a webhook before the
// conversation is resolved.
type MessageContext struct {
	ChatID    string
	SenderID  string
	Mentioned bool

	// Fields carries adapter-specific values (interaction tokens, message
	// ids) between hooks of the same request.
	Fields map[string]string

	// Event is the decoded platform payload, cached so the body is parsed once.
	Event any

	// Channel is set by the pipeline once the context is populated.
	Channel *domain.Channel
}

// Field returns an adapter-specific value or "".
func (m *MessageContext) Field(key string) string {
	if m == nil || m.Fields == nil {
		return ""
	}
	return m.Fields[key]
}

// SetField records an adapter-specific value.
func (m *MessageContext) SetField(key, value string) {
	if m.Fields == nil {
		m.Fields = make(map[string]string)
	}
	m.Fields[key] = value
}

// ParseOutcome is the result of parsing an inbound payload: either a
// canonical message to forward, or a signal to stop the pipeline silently
// (echoes, bot loops, receipts).
type ParseOutcome struct {
	Message  domain.CanonicalMessage
	suppress bool
}

// Forward continues the pipeline with msg.
func Forward(msg domain.CanonicalMessage) ParseOutcome {
	return ParseOutcome{Message: msg}
}

// ForwardAttachment is Forward for a bare attachment.
func ForwardAttachment(att domain.Attachment) ParseOutcome {
	return Forward(domain.CanonicalMessage{Attachment: att})
}

// Suppress stops the pipeline; the webhook is still acknowledged.
func Suppress() ParseOutcome {
	return ParseOutcome{suppress: true}
}

// Suppressed reports whether the pipeline must stop.
func (o ParseOutcome) Suppressed() bool { return o.suppress }

// MemoryOptions is forwarded to the bot backend with each message.
type MemoryOptions struct {
	Memory domain.JSONMap
	Merge  bool
}

// WebhookResult is what the pipeline hands to FinalizeWebhookRequest.
// Fields are nil when the run stopped before producing them.
type WebhookResult struct {
	Conversation *domain.Conversation
	Inbound      *domain.Message
	Replies      []*domain.Message
}

// Adapter is implemented by every platform. Embed Base to get no-op
// defaults for the optional hooks.
type Adapter interface {
	Type() string
	Delivery() DeliveryMode

	// WebhookMethods lists the HTTP methods carrying incoming messages.
	// Requests with any other method are handed to HandleSubscription.
	WebhookMethods() []string
	AuthenticateWebhookRequest(req *Request, ch *domain.Channel) error
	HandleSubscription(w http.ResponseWriter, req *Request, ch *domain.Channel) error

	PopulateMessageContext(req *Request, ch *domain.Channel) (*MessageContext, error)
	// UpdateConversationContext returns the context keys to merge into the
	// conversation, or nil when nothing changed.
	UpdateConversationContext(conv *domain.Conversation, mctx *MessageContext) domain.StringMap
	ParseIncomingMessage(ctx context.Context, conv *domain.Conversation, req *Request, mctx *MessageContext) (ParseOutcome, error)
	MemoryOptions(req *Request, mctx *MessageContext) MemoryOptions

	PopulateParticipantData(ctx context.Context, ch *domain.Channel, p *domain.Participant, mctx *MessageContext) error
	ParticipantDisplayName(p *domain.Participant) string

	OnIsTyping(ctx context.Context, ch *domain.Channel, conv *domain.Conversation, mctx *MessageContext) error
	FormatOutgoingMessage(conv *domain.Conversation, att domain.Attachment, mctx *MessageContext) (any, error)
	SendMessage(ctx context.Context, ch *domain.Channel, conv *domain.Conversation, payload any) error
	FinalizeWebhookRequest(w http.ResponseWriter, req *Request, res *WebhookResult) error

	BeforeChannelCreated(ctx context.Context, ch *domain.Channel) error
	AfterChannelCreated(ctx context.Context, ch *domain.Channel) error
	AfterChannelUpdated(ctx context.Context, ch *domain.Channel) error
	BeforeChannelDeleted(ctx context.Context, ch *domain.Channel) error
	AfterChannelDeleted(ctx context.Context, ch *domain.Channel) error
}

// SubscriptionDetector is implemented by adapters whose handshake arrives
// with an incoming-message method (Slack url_verification, Discord PING).
type SubscriptionDetector interface {
	IsSubscription(req *Request) bool
}

// EarlyAcknowledger is implemented by adapters whose platform expects the
// webhook to be answered before the bot replies.
type EarlyAcknowledger interface {
	AcknowledgeEarly() bool
}

// Base provides default implementations of the optional Adapter hooks.
type Base struct{}

func (Base) Delivery() DeliveryMode    { return Push }
func (Base) WebhookMethods() []string { return []string{http.MethodPost} }

func (Base) AuthenticateWebhookRequest(*Request, *domain.Channel) error { return nil }

func (Base) HandleSubscription(http.ResponseWriter, *Request, *domain.Channel) error {
	return domain.BadRequest("subscription not supported")
}

func (Base) UpdateConversationContext(*domain.Conversation, *MessageContext) domain.StringMap {
	return nil
}

func (Base) MemoryOptions(*Request, *MessageContext) MemoryOptions { return MemoryOptions{} }

func (Base) PopulateParticipantData(context.Context, *domain.Channel, *domain.Participant, *MessageContext) error {
	return nil
}

func (Base) ParticipantDisplayName(p *domain.Participant) string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.SenderID
}

func (Base) OnIsTyping(context.Context, *domain.Channel, *domain.Conversation, *MessageContext) error {
	return nil
}

func (Base) SendMessage(context.Context, *domain.Channel, *domain.Conversation, any) error {
	return nil
}

func (Base) FinalizeWebhookRequest(w http.ResponseWriter, _ *Request, _ *WebhookResult) error {
	w.WriteHeader(http.StatusOK)
	return nil
}

func (Base) BeforeChannelCreated(context.Context, *domain.Channel) error { return nil }
func (Base) AfterChannelCreated(context.Context, *domain.Channel) error  { return nil }
func (Base) AfterChannelUpdated(context.Context, *domain.Channel) error  { return nil }
func (Base) BeforeChannelDeleted(context.Context, *domain.Channel) error { return nil }
func (Base) AfterChannelDeleted(context.Context, *domain.Channel) error  { return nil }

// requireIDs enforces the common PopulateMessageContext contract.
func requireIDs(mctx *MessageContext) (*MessageContext, error) {
	if mctx.ChatID == "" {
		return nil, domain.BadRequest("missing chatId")
	}
	if mctx.SenderID == "" {
		return nil, domain.BadRequest("missing senderId")
	}
	return mctx, nil
}

// unsupported is returned by FormatOutgoingMessage for types a platform
// cannot render.
func unsupported(platform, typ string) error {
	return domain.BadRequest("message type %s not supported by %s", typ, platform)
}
