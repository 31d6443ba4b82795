package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"chatgate/internal/domain"
)

const connectorColumns = `id, url, is_typing, default_delay, is_active, created_at`

func (s *SQLiteStore) CreateConnector(ctx context.Context, c *domain.Connector) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.CreatedAt = s.now()
	c.IsActive = true
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO connectors (id, url, is_typing, default_delay, is_active, created_at)
		 VALUES (:id, :url, :is_typing, :default_delay, 1, :created_at)`, c)
	if err != nil {
		return fmt.Errorf("insert connector: %w", err)
	}
	return nil
}

// GetConnector returns an active connector.
func (s *SQLiteStore) GetConnector(ctx context.Context, id string) (*domain.Connector, error) {
	var c domain.Connector
	err := s.db.GetContext(ctx, &c,
		`SELECT `+connectorColumns+` FROM connectors WHERE id = ? AND is_active = 1`, id)
	if err != nil {
		return nil, notFound(err, "Connector")
	}
	return &c, nil
}

func (s *SQLiteStore) ListConnectors(ctx context.Context) ([]*domain.Connector, error) {
	var out []*domain.Connector
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+connectorColumns+` FROM connectors WHERE is_active = 1 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list connectors: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) UpdateConnector(ctx context.Context, c *domain.Connector) error {
	res, err := s.db.NamedExecContext(ctx,
		`UPDATE connectors SET url = :url, is_typing = :is_typing, default_delay = :default_delay
		 WHERE id = :id AND is_active = 1`, c)
	if err != nil {
		return fmt.Errorf("update connector: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFound("Connector")
	}
	return nil
}

// DeleteConnector soft-deletes the connector.
func (s *SQLiteStore) DeleteConnector(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE connectors SET is_active = 0 WHERE id = ? AND is_active = 1`, id)
	if err != nil {
		return fmt.Errorf("delete connector: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFound("Connector")
	}
	return nil
}

const channelColumns = `id, connector_id, type, slug, is_active, is_activated, token, app_id, app_secret,
	client_id, client_secret, phone_number, webhook_token, webhook_url, preferences, created_at, updated_at`

func (s *SQLiteStore) CreateChannel(ctx context.Context, ch *domain.Channel) error {
	if ch.ID == "" {
		ch.ID = uuid.NewString()
	}
	now := s.now()
	ch.CreatedAt, ch.UpdatedAt = now, now
	ch.IsActive = true
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO channels (`+channelColumns+`)
		 VALUES (:id, :connector_id, :type, :slug, 1, :is_activated, :token, :app_id, :app_secret,
		 :client_id, :client_secret, :phone_number, :webhook_token, :webhook_url, :preferences, :created_at, :updated_at)`, ch)
	if err != nil {
		return fmt.Errorf("insert channel: %w", err)
	}
	return nil
}

// GetChannel returns the channel whether or not it is active; callers
// decide what an inactive channel means for them.
func (s *SQLiteStore) GetChannel(ctx context.Context, id string) (*domain.Channel, error) {
	var ch domain.Channel
	err := s.db.GetContext(ctx, &ch, `SELECT `+channelColumns+` FROM channels WHERE id = ?`, id)
	if err != nil {
		return nil, notFound(err, "Channel")
	}
	return &ch, nil
}

// ListChannels lists active channels, optionally filtered by connector.
func (s *SQLiteStore) ListChannels(ctx context.Context, connectorID string) ([]*domain.Channel, error) {
	var out []*domain.Channel
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+channelColumns+` FROM channels
		 WHERE is_active = 1 AND (? = '' OR connector_id = ?) ORDER BY created_at`, connectorID, connectorID)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) UpdateChannel(ctx context.Context, ch *domain.Channel) error {
	ch.UpdatedAt = s.now()
	res, err := s.db.NamedExecContext(ctx,
		`UPDATE channels SET slug = :slug, is_activated = :is_activated, token = :token, app_id = :app_id,
		 app_secret = :app_secret, client_id = :client_id, client_secret = :client_secret,
		 phone_number = :phone_number, webhook_token = :webhook_token, webhook_url = :webhook_url,
		 preferences = :preferences, updated_at = :updated_at
		 WHERE id = :id AND is_active = 1`, ch)
	if err != nil {
		return fmt.Errorf("update channel: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFound("Channel")
	}
	return nil
}

// DeleteChannel soft-deletes the channel.
func (s *SQLiteStore) DeleteChannel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE channels SET is_active = 0, updated_at = ? WHERE id = ? AND is_active = 1`, s.now(), id)
	if err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFound("Channel")
	}
	return nil
}
