package domain

import "time"

// Participant roles.
const (
	RoleUser = "user"
	RoleBot  = "bot"
)

// Conversation is one session between an external chat identity and a
// Channel. At most one active Conversation exists per (ChannelID, ChatID).
type Conversation struct {
	ID          string    `json:"id" db:"id"`
	ChannelID   string    `json:"channelId" db:"channel_id"`
	ConnectorID string    `json:"connectorId" db:"connector_id"`
	ChatID      string    `json:"chatId" db:"chat_id"`
	IsActive    bool      `json:"isActive" db:"is_active"`
	Context     StringMap `json:"context,omitempty" db:"context"` // adapter-managed session metadata
	CreatedAt   time.Time `json:"createdAt" db:"created_at"`
}

// Participant is one party inside a Conversation.
type Participant struct {
	ID             string    `json:"id" db:"id"`
	ConversationID string    `json:"conversationId" db:"conversation_id"`
	SenderID       string    `json:"senderId" db:"sender_id"`
	Role           string    `json:"role" db:"role"`
	IsBot          bool      `json:"isBot" db:"is_bot"`
	DisplayName    string    `json:"displayName,omitempty" db:"display_name"`
	Data           JSONMap   `json:"data,omitempty" db:"data"`
	CreatedAt      time.Time `json:"createdAt" db:"created_at"`
}
