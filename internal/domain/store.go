package domain

import (
	"context"
	"time"
)

// ConversationStore persists conversations, participants and messages.
// Missing or inactive entities are reported as NotFound errors.
type ConversationStore interface {
	FindActiveConversation(ctx context.Context, channelID, chatID string) (*Conversation, error)
	// CreateConversation inserts conv unless an active conversation for the
	// same (ChannelID, ChatID) already exists; either way the active row is
	// returned.
	CreateConversation(ctx context.Context, conv *Conversation) (*Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	UpdateConversationContext(ctx context.Context, id string, values StringMap) error
	ListActiveConversations(ctx context.Context, channelID string) ([]*Conversation, error)
	DeactivateConversations(ctx context.Context, channelID string) (int64, error)

	FindOrCreateParticipant(ctx context.Context, p *Participant) (*Participant, error)
	UpdateParticipant(ctx context.Context, p *Participant) error

	// AppendMessage assigns ID and ReceivedAt. ReceivedAt is strictly
	// increasing within a conversation.
	AppendMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	ListMessagesSince(ctx context.Context, conversationID string, since time.Time) ([]*Message, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)
	PurgeMessagesBefore(ctx context.Context, before time.Time) (int64, error)
}

// ConfigStore holds the admin-managed connector and channel records.
type ConfigStore interface {
	CreateConnector(ctx context.Context, c *Connector) error
	GetConnector(ctx context.Context, id string) (*Connector, error)
	ListConnectors(ctx context.Context) ([]*Connector, error)
	UpdateConnector(ctx context.Context, c *Connector) error
	DeleteConnector(ctx context.Context, id string) error

	CreateChannel(ctx context.Context, ch *Channel) error
	GetChannel(ctx context.Context, id string) (*Channel, error)
	ListChannels(ctx context.Context, connectorID string) ([]*Channel, error)
	UpdateChannel(ctx context.Context, ch *Channel) error
	DeleteChannel(ctx context.Context, id string) error
}
