package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"chatgate/internal/domain"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// requireAPIKey guards the admin API with "Authorization: Bearer <key>".
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminAPIKey == "" {
			s.writeError(w, r, domain.Forbidden("admin API is disabled"))
			return
		}
		auth := r.Header.Get("Authorization")
		key, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.AdminAPIKey)) != 1 {
			s.writeError(w, r, domain.Forbidden("invalid API key"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func validateRequest(v any) error {
	if err := validate.Struct(v); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			fe := verrs[0]
			return domain.BadRequest("invalid %s: failed %q", fe.Field(), fe.Tag())
		}
		return domain.BadRequest("invalid request: %v", err)
	}
	return nil
}

// --- Connectors ---

type connectorRequest struct {
	URL          string   `json:"url" validate:"required,url"`
	IsTyping     *bool    `json:"isTyping"`
	DefaultDelay *float64 `json:"defaultDelay" validate:"omitempty,min=0,max=5"`
}

func (req connectorRequest) apply(c *domain.Connector) {
	c.URL = req.URL
	if req.IsTyping != nil {
		c.IsTyping = *req.IsTyping
	}
	if req.DefaultDelay != nil {
		d := *req.DefaultDelay
		c.DefaultDelay = &d
	}
}

func (s *Server) handleListConnectors(w http.ResponseWriter, r *http.Request) {
	connectors, err := s.cfg.Configs.ListConnectors(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if connectors == nil {
		connectors = []*domain.Connector{}
	}
	writeResult(w, http.StatusOK, fmt.Sprintf("%d connectors", len(connectors)), connectors)
}

func (s *Server) handleCreateConnector(w http.ResponseWriter, r *http.Request) {
	var req connectorRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := validateRequest(req); err != nil {
		s.writeError(w, r, err)
		return
	}
	c := &domain.Connector{IsTyping: true}
	req.apply(c)
	if err := s.cfg.Configs.CreateConnector(r.Context(), c); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("connector created", "connector", c.ID, "url", c.URL)
	writeResult(w, http.StatusCreated, "Connector successfully created", c)
}

func (s *Server) handleGetConnector(w http.ResponseWriter, r *http.Request) {
	c, err := s.cfg.Configs.GetConnector(r.Context(), chi.URLParam(r, "connectorID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, "Connector successfully found", c)
}

func (s *Server) handleUpdateConnector(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c, err := s.cfg.Configs.GetConnector(ctx, chi.URLParam(r, "connectorID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req connectorRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := validateRequest(req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.apply(c)
	if err := s.cfg.Configs.UpdateConnector(ctx, c); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, "Connector successfully updated", c)
}

// handleDeleteConnector soft-deletes the connector and every channel it
// owns.
func (s *Server) handleDeleteConnector(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c, err := s.cfg.Configs.GetConnector(ctx, chi.URLParam(r, "connectorID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	channels, err := s.cfg.Configs.ListChannels(ctx, c.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	for _, ch := range channels {
		if err := s.deleteChannel(ctx, ch); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if err := s.cfg.Configs.DeleteConnector(ctx, c.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("connector deleted", "connector", c.ID, "channels", len(channels))
	writeResult(w, http.StatusOK, "Connector successfully deleted", nil)
}

// --- Channels ---

type channelRequest struct {
	ConnectorID  string           `json:"connectorId" validate:"required"`
	Type         string           `json:"type" validate:"required"`
	Slug         string           `json:"slug" validate:"required,max=64"`
	IsActivated  *bool            `json:"isActivated"`
	Token        string           `json:"token"`
	AppID        string           `json:"appId"`
	AppSecret    string           `json:"appSecret"`
	ClientID     string           `json:"clientId"`
	ClientSecret string           `json:"clientSecret"`
	PhoneNumber  string           `json:"phoneNumber"`
	WebhookToken string           `json:"webhookToken"`
	Preferences  domain.StringMap `json:"preferences"`
}

// apply copies the mutable fields; ConnectorID and Type are fixed at
// creation. Omitted credentials keep their stored value.
func (req channelRequest) apply(ch *domain.Channel) {
	ch.Slug = req.Slug
	if req.IsActivated != nil {
		ch.IsActivated = *req.IsActivated
	}
	setIfPresent(&ch.Token, req.Token)
	setIfPresent(&ch.AppID, req.AppID)
	setIfPresent(&ch.AppSecret, req.AppSecret)
	setIfPresent(&ch.ClientID, req.ClientID)
	setIfPresent(&ch.ClientSecret, req.ClientSecret)
	setIfPresent(&ch.PhoneNumber, req.PhoneNumber)
	setIfPresent(&ch.WebhookToken, req.WebhookToken)
	if req.Preferences != nil {
		ch.Preferences = req.Preferences
	}
}

func setIfPresent(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := s.cfg.Configs.ListChannels(r.Context(), r.URL.Query().Get("connector_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if channels == nil {
		channels = []*domain.Channel{}
	}
	writeResult(w, http.StatusOK, fmt.Sprintf("%d channels", len(channels)), channels)
}

func (s *Server) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req channelRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := validateRequest(req); err != nil {
		s.writeError(w, r, err)
		return
	}
	adapter, err := s.cfg.Adapters.Get(req.Type)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.cfg.Configs.GetConnector(ctx, req.ConnectorID); err != nil {
		s.writeError(w, r, err)
		return
	}

	ch := &domain.Channel{
		ID:          uuid.NewString(),
		ConnectorID: req.ConnectorID,
		Type:        req.Type,
		IsActivated: true,
	}
	req.apply(ch)
	ch.WebhookURL = s.webhookURL(ch.ID)

	if err := adapter.BeforeChannelCreated(ctx, ch); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.cfg.Configs.CreateChannel(ctx, ch); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := adapter.AfterChannelCreated(ctx, ch); err != nil {
		s.logger.Warn("after channel created hook failed", "channel", ch.ID, "type", ch.Type, "err", err)
	}
	s.logger.Info("channel created", "channel", ch.ID, "type", ch.Type, "connector", ch.ConnectorID)
	writeResult(w, http.StatusCreated, "Channel successfully created", ch)
}

// activeChannel returns the channel unless it was deleted.
func (s *Server) activeChannel(ctx context.Context, id string) (*domain.Channel, error) {
	ch, err := s.cfg.Configs.GetChannel(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ch.IsActive {
		return nil, domain.NotFound("Channel")
	}
	return ch, nil
}

func (s *Server) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	ch, err := s.activeChannel(r.Context(), chi.URLParam(r, "channelID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, "Channel successfully found", ch)
}

func (s *Server) handleUpdateChannel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ch, err := s.activeChannel(ctx, chi.URLParam(r, "channelID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req channelRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.ConnectorID, req.Type = ch.ConnectorID, ch.Type
	if err := validateRequest(req); err != nil {
		s.writeError(w, r, err)
		return
	}
	adapter, err := s.cfg.Adapters.Get(ch.Type)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	req.apply(ch)
	if ch.WebhookURL == "" {
		ch.WebhookURL = s.webhookURL(ch.ID)
	}
	if err := s.cfg.Configs.UpdateChannel(ctx, ch); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := adapter.AfterChannelUpdated(ctx, ch); err != nil {
		s.logger.Warn("after channel updated hook failed", "channel", ch.ID, "type", ch.Type, "err", err)
	}
	writeResult(w, http.StatusOK, "Channel successfully updated", ch)
}

func (s *Server) handleDeleteChannel(w http.ResponseWriter, r *http.Request) {
	ch, err := s.activeChannel(r.Context(), chi.URLParam(r, "channelID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deleteChannel(r.Context(), ch); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, "Channel successfully deleted", nil)
}

// deleteChannel soft-deletes ch and closes its conversations. Adapter hooks
// are best effort: a failing platform unsubscribe does not keep the
// channel alive.
func (s *Server) deleteChannel(ctx context.Context, ch *domain.Channel) error {
	adapter, err := s.cfg.Adapters.Get(ch.Type)
	if err != nil {
		return err
	}
	if err := adapter.BeforeChannelDeleted(ctx, ch); err != nil {
		s.logger.Warn("before channel deleted hook failed", "channel", ch.ID, "type", ch.Type, "err", err)
	}
	if err := s.cfg.Configs.DeleteChannel(ctx, ch.ID); err != nil {
		return err
	}
	n, err := s.cfg.Conversations.DeactivateConversations(ctx, ch.ID)
	if err != nil {
		return err
	}
	if err := adapter.AfterChannelDeleted(ctx, ch); err != nil {
		s.logger.Warn("after channel deleted hook failed", "channel", ch.ID, "type", ch.Type, "err", err)
	}
	s.logger.Info("channel deleted", "channel", ch.ID, "type", ch.Type, "conversations", n)
	return nil
}

type broadcastRequest struct {
	Messages []domain.ReplyMessage `json:"messages" validate:"required,min=1,dive"`
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := validateRequest(req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.cfg.Pipeline.Broadcast(r.Context(), chi.URLParam(r, "channelID"), req.Messages)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, fmt.Sprintf("Broadcast sent to %d conversations", res.Delivered), res)
}
