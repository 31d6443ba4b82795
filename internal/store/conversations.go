package store

import (
	"context"
	"fmt"
	"maps"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"chatgate/internal/domain"
)

const conversationColumns = `id, channel_id, connector_id, chat_id, is_active, context, created_at`

func (s *SQLiteStore) FindActiveConversation(ctx context.Context, channelID, chatID string) (*domain.Conversation, error) {
	var conv domain.Conversation
	err := s.db.GetContext(ctx, &conv,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE channel_id = ? AND chat_id = ? AND is_active = 1`, channelID, chatID)
	if err != nil {
		return nil, notFound(err, "Conversation")
	}
	return &conv, nil
}

// CreateConversation relies on the partial unique index over active
// (channel_id, chat_id) rows: a losing concurrent insert is ignored and the
// winner is re-selected.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *domain.Conversation) (*domain.Conversation, error) {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = s.now()
	}
	conv.IsActive = true

	_, err := s.db.NamedExecContext(ctx,
		`INSERT OR IGNORE INTO conversations (id, channel_id, connector_id, chat_id, is_active, context, created_at)
		 VALUES (:id, :channel_id, :connector_id, :chat_id, 1, :context, :created_at)`, conv)
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	return s.FindActiveConversation(ctx, conv.ChannelID, conv.ChatID)
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	var conv domain.Conversation
	err := s.db.GetContext(ctx, &conv,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	if err != nil {
		return nil, notFound(err, "Conversation")
	}
	return &conv, nil
}

// UpdateConversationContext merges values into the stored context.
func (s *SQLiteStore) UpdateConversationContext(ctx context.Context, id string, values domain.StringMap) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var current domain.StringMap
		if err := tx.GetContext(ctx, &current, `SELECT context FROM conversations WHERE id = ?`, id); err != nil {
			return notFound(err, "Conversation")
		}
		if current == nil {
			current = domain.StringMap{}
		}
		maps.Copy(current, values)
		if _, err := tx.ExecContext(ctx, `UPDATE conversations SET context = ? WHERE id = ?`, current, id); err != nil {
			return fmt.Errorf("update conversation context: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) ListActiveConversations(ctx context.Context, channelID string) ([]*domain.Conversation, error) {
	var convs []*domain.Conversation
	err := s.db.SelectContext(ctx, &convs,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE channel_id = ? AND is_active = 1 ORDER BY created_at`, channelID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return convs, nil
}

func (s *SQLiteStore) DeactivateConversations(ctx context.Context, channelID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET is_active = 0 WHERE channel_id = ? AND is_active = 1`, channelID)
	if err != nil {
		return 0, fmt.Errorf("deactivate conversations: %w", err)
	}
	return res.RowsAffected()
}

const participantColumns = `id, conversation_id, sender_id, role, is_bot, display_name, data, created_at`

// FindOrCreateParticipant returns the participant keyed by
// (ConversationID, Role, SenderID), creating it from p when absent.
func (s *SQLiteStore) FindOrCreateParticipant(ctx context.Context, p *domain.Participant) (*domain.Participant, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	_, err := s.db.NamedExecContext(ctx,
		`INSERT OR IGNORE INTO participants (id, conversation_id, sender_id, role, is_bot, display_name, data, created_at)
		 VALUES (:id, :conversation_id, :sender_id, :role, :is_bot, :display_name, :data, :created_at)`, p)
	if err != nil {
		return nil, fmt.Errorf("insert participant: %w", err)
	}

	var out domain.Participant
	err = s.db.GetContext(ctx, &out,
		`SELECT `+participantColumns+` FROM participants
		 WHERE conversation_id = ? AND role = ? AND sender_id = ?`, p.ConversationID, p.Role, p.SenderID)
	if err != nil {
		return nil, notFound(err, "Participant")
	}
	return &out, nil
}

func (s *SQLiteStore) UpdateParticipant(ctx context.Context, p *domain.Participant) error {
	res, err := s.db.NamedExecContext(ctx,
		`UPDATE participants SET display_name = :display_name, data = :data, is_bot = :is_bot WHERE id = :id`, p)
	if err != nil {
		return fmt.Errorf("update participant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFound("Participant")
	}
	return nil
}
