package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"chatgate/internal/channel"
	"chatgate/internal/domain"
)

type ctxKey int

const (
	channelKey ctxKey = iota
	conversationKey
)

func channelFrom(ctx context.Context) *domain.Channel {
	ch, _ := ctx.Value(channelKey).(*domain.Channel)
	return ch
}

func conversationFrom(ctx context.Context) *domain.Conversation {
	conv, _ := ctx.Value(conversationKey).(*domain.Conversation)
	return conv
}

// webchatAuth loads an active pull channel and checks the widget token in
// the Authorization header.
func (s *Server) webchatAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ch, err := s.cfg.Configs.GetChannel(r.Context(), chi.URLParam(r, "channelID"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if !ch.IsActive {
			s.writeError(w, r, domain.NotFound("Channel"))
			return
		}
		adapter, err := s.cfg.Adapters.Get(ch.Type)
		if err != nil || adapter.Delivery() != channel.Pull {
			s.writeError(w, r, domain.NotFound("Channel"))
			return
		}
		token := r.Header.Get("Authorization")
		if token == "" {
			// Browsers cannot set headers on websocket handshakes.
			token = r.URL.Query().Get("token")
		}
		if ch.Token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(ch.Token)) != 1 {
			s.writeError(w, r, domain.Forbidden("invalid webchat token"))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), channelKey, ch)))
	})
}

// loadConversation resolves {conversationID} within the authenticated
// channel.
func (s *Server) loadConversation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conv, err := s.cfg.Conversations.GetConversation(r.Context(), chi.URLParam(r, "conversationID"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if conv.ChannelID != channelFrom(r.Context()).ID {
			s.writeError(w, r, domain.NotFound("Conversation"))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), conversationKey, conv)))
	})
}

func (s *Server) handlePreferences(w http.ResponseWriter, r *http.Request) {
	prefs := channelFrom(r.Context()).Preferences
	if prefs == nil {
		prefs = domain.StringMap{}
	}
	writeResult(w, http.StatusOK, "Preferences successfully rendered", prefs)
}

type startConversationRequest struct {
	ChatID string `json:"chatId"`
}

func (s *Server) handleStartConversation(w http.ResponseWriter, r *http.Request) {
	var req startConversationRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	conv, err := s.cfg.Pipeline.StartConversation(r.Context(), channelFrom(r.Context()).ID, req.ChatID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusCreated, "Conversation successfully created", conv)
}

type pollResults struct {
	Messages []*domain.Message `json:"messages"`
	WaitTime int               `json:"waitTime"` // seconds
}

// handlePoll long-polls for messages after last_message_id, or since the
// conversation started when it is absent.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conv := conversationFrom(ctx)

	since := conv.CreatedAt
	if id := r.URL.Query().Get("last_message_id"); id != "" {
		last, err := s.cfg.Conversations.GetMessage(ctx, id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if last.ConversationID != conv.ID {
			s.writeError(w, r, domain.NotFound("Message"))
			return
		}
		since = last.ReceivedAt
	}

	res, err := s.cfg.Watchers.Poll(ctx, conv.ID, since)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// The client went away; nobody reads the response.
			return
		}
		s.writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, fmt.Sprintf("%d messages", len(res.Messages)), pollResults{
		Messages: res.Messages,
		WaitTime: int(res.WaitTime / time.Second),
	})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	msgs, err := s.cfg.Conversations.ListMessages(r.Context(), conversationFrom(r.Context()).ID, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []*domain.Message{}
	}
	writeResult(w, http.StatusOK, fmt.Sprintf("%d messages", len(msgs)), msgs)
}
