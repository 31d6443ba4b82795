package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"chatgate/internal/domain"
)

// messageRow is a message joined with its participant. received_at is kept
// as unix nanoseconds so ordering is exact.
type messageRow struct {
	ID             string            `db:"id"`
	ConversationID string            `db:"conversation_id"`
	ParticipantID  string            `db:"participant_id"`
	Attachment     domain.Attachment `db:"attachment"`
	Delay          *float64          `db:"delay"`
	ReceivedAt     int64             `db:"received_at"`
	IsActive       bool              `db:"is_active"`

	SenderID    string         `db:"p_sender_id"`
	Role        string         `db:"p_role"`
	IsBot       bool           `db:"p_is_bot"`
	DisplayName string         `db:"p_display_name"`
	Data        domain.JSONMap `db:"p_data"`
}

func (r *messageRow) toDomain() *domain.Message {
	return &domain.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		ParticipantID:  r.ParticipantID,
		Attachment:     r.Attachment,
		Delay:          r.Delay,
		ReceivedAt:     time.Unix(0, r.ReceivedAt).UTC(),
		IsActive:       r.IsActive,
		Participant: &domain.Participant{
			ID:             r.ParticipantID,
			ConversationID: r.ConversationID,
			SenderID:       r.SenderID,
			Role:           r.Role,
			IsBot:          r.IsBot,
			DisplayName:    r.DisplayName,
			Data:           r.Data,
		},
	}
}

const selectMessages = `
	SELECT m.id, m.conversation_id, m.participant_id, m.attachment, m.delay, m.received_at, m.is_active,
	       p.sender_id AS p_sender_id, p.role AS p_role, p.is_bot AS p_is_bot,
	       p.display_name AS p_display_name, p.data AS p_data
	FROM messages m
	JOIN participants p ON p.id = m.participant_id`

// AppendMessage stores msg with a receive time strictly after the previous
// message of the same conversation.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *domain.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var last int64
		if err := tx.GetContext(ctx, &last,
			`SELECT COALESCE(MAX(received_at), 0) FROM messages WHERE conversation_id = ?`, msg.ConversationID); err != nil {
			return fmt.Errorf("read last receive time: %w", err)
		}
		ts := s.now().UnixNano()
		if ts <= last {
			ts = last + 1
		}

		_, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, conversation_id, participant_id, attachment, delay, received_at, is_active)
			 VALUES (?, ?, ?, ?, ?, ?, 1)`,
			msg.ID, msg.ConversationID, msg.ParticipantID, msg.Attachment, msg.Delay, ts)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		msg.ReceivedAt = time.Unix(0, ts).UTC()
		msg.IsActive = true
		return nil
	})
}

func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	var row messageRow
	if err := s.db.GetContext(ctx, &row, selectMessages+` WHERE m.id = ?`, id); err != nil {
		return nil, notFound(err, "Message")
	}
	return row.toDomain(), nil
}

// ListMessagesSince returns the active messages received strictly after
// since, oldest first.
func (s *SQLiteStore) ListMessagesSince(ctx context.Context, conversationID string, since time.Time) ([]*domain.Message, error) {
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows,
		selectMessages+` WHERE m.conversation_id = ? AND m.is_active = 1 AND m.received_at > ?
		ORDER BY m.received_at`, conversationID, since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return toMessages(rows), nil
}

// ListMessages returns the newest limit active messages, oldest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*domain.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM (`+selectMessages+` WHERE m.conversation_id = ? AND m.is_active = 1
		 ORDER BY m.received_at DESC LIMIT ?) ORDER BY received_at`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return toMessages(rows), nil
}

// PurgeMessagesBefore soft-deletes messages received before the cutoff.
func (s *SQLiteStore) PurgeMessagesBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET is_active = 0 WHERE is_active = 1 AND received_at < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge messages: %w", err)
	}
	return res.RowsAffected()
}

func toMessages(rows []messageRow) []*domain.Message {
	out := make([]*domain.Message, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out
}
