package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatgate/internal/botclient"
	"chatgate/internal/channel"
	"chatgate/internal/domain"
	"chatgate/internal/pipeline"
	"chatgate/internal/store"
	"chatgate/internal/watcher"
)

const testAPIKey = "admin-secret-key"

// echoBot answers every message with "echo: <text>".
type echoBot struct {
	mu    sync.Mutex
	calls int
}

func (b *echoBot) Send(_ context.Context, _ string, req botclient.Request) (*botclient.Response, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	text, _ := req.Message.Attachment.String()
	att := domain.TextAttachment("echo: " + text)
	return &botclient.Response{Messages: []domain.ReplyMessage{{Type: att.Type, Content: att.Content}}}, nil
}

type testEnv struct {
	store    *store.SQLiteStore
	watchers *watcher.Registry
	server   *Server
	handler  http.Handler
	health   error
}

func newTestEnv(t *testing.T, pollTimeout time.Duration) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(filepath.Join(t.TempDir(), "chatgate.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	env := &testEnv{store: st}
	env.watchers = watcher.NewRegistry(watcher.Config{Source: st, Logger: logger, PollTimeout: pollTimeout})
	adapters := channel.NewRegistry(channel.NewWebchat(channel.WebchatConfig{Logger: logger}))
	p := pipeline.New(pipeline.Config{
		Conversations: st,
		Configs:       st,
		Adapters:      adapters,
		Bot:           &echoBot{},
		Notifier:      env.watchers,
		Logger:        logger,
		Sleep:         func(context.Context, time.Duration) error { return nil },
	})
	env.server = New(Config{
		PublicURL:     "https://gw.example.com/",
		AdminAPIKey:   testAPIKey,
		Pipeline:      p,
		Conversations: st,
		Configs:       st,
		Adapters:      adapters,
		Watchers:      env.watchers,
		Health:        func(context.Context) error { return env.health },
		Logger:        logger,
	})
	env.handler = env.server.Handler()
	return env
}

// webchat creates a connector and an activated webchat channel.
func (e *testEnv) webchat(t *testing.T) *domain.Channel {
	t.Helper()
	ctx := context.Background()
	conn := &domain.Connector{URL: "http://bot.local"}
	require.NoError(t, e.store.CreateConnector(ctx, conn))
	ch := &domain.Channel{
		ConnectorID: conn.ID,
		Type:        "webchat",
		Slug:        "site",
		IsActivated: true,
		Token:       "widget-token",
		Preferences: domain.StringMap{"accentColor": "#0e5fd8"},
	}
	require.NoError(t, e.store.CreateChannel(ctx, ch))
	return ch
}

func (e *testEnv) do(t *testing.T, method, target, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	r := httptest.NewRequest(method, target, rd)
	if token != "" {
		r.Header.Set("Authorization", token)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, r)
	return rr
}

type envelope struct {
	Message string          `json:"message"`
	Results json.RawMessage `json:"results"`
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env), rr.Body.String())
	return env
}

func textMessage(chatID, text string) map[string]any {
	return map[string]any{
		"chatId":  chatID,
		"message": map[string]any{"attachment": map[string]any{"type": "text", "content": text}},
	}
}

func TestHealthz(t *testing.T) {
	e := newTestEnv(t, time.Second)

	rr := e.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())

	e.health = errors.New("database is locked")
	rr = e.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	e := newTestEnv(t, time.Second)
	rr := e.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "chatgate_uptime_seconds")
}

func TestWebhook_UnknownChannel(t *testing.T) {
	e := newTestEnv(t, time.Second)
	rr := e.do(t, http.MethodPost, "/webhook/missing", "", map[string]any{})
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "Channel not found", decode(t, rr).Message)
}

func TestWebhook_WrongToken(t *testing.T) {
	e := newTestEnv(t, time.Second)
	ch := e.webchat(t)
	rr := e.do(t, http.MethodPost, "/webhook/"+ch.ID, "nope", textMessage("c1", "hi"))
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestWebchat_PostThenPoll(t *testing.T) {
	e := newTestEnv(t, time.Second)
	ch := e.webchat(t)

	rr := e.do(t, http.MethodPost, "/webhook/"+ch.ID, ch.Token, textMessage("visitor-1", "hi"))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var posted struct {
		ConversationID string `json:"conversationId"`
	}
	require.NoError(t, json.Unmarshal(decode(t, rr).Results, &posted))
	require.NotEmpty(t, posted.ConversationID)

	rr = e.do(t, http.MethodGet, "/webchat/"+ch.ID+"/conversations/"+posted.ConversationID+"/poll", ch.Token, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	body := decode(t, rr)
	assert.Equal(t, "2 messages", body.Message)

	var res pollResults
	require.NoError(t, json.Unmarshal(body.Results, &res))
	require.Len(t, res.Messages, 2)
	in, _ := res.Messages[0].Attachment.String()
	out, _ := res.Messages[1].Attachment.String()
	assert.Equal(t, "hi", in)
	assert.Equal(t, "echo: hi", out)
	assert.Zero(t, res.WaitTime)
}

func TestWebchat_PollUnknownLastMessage(t *testing.T) {
	e := newTestEnv(t, time.Second)
	ch := e.webchat(t)
	conv, err := e.server.cfg.Pipeline.StartConversation(context.Background(), ch.ID, "visitor-1")
	require.NoError(t, err)

	rr := e.do(t, http.MethodGet, "/webchat/"+ch.ID+"/conversations/"+conv.ID+"/poll?last_message_id=nope", ch.Token, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "Message not found", decode(t, rr).Message)
}

func TestWebchat_PollTimesOutEmpty(t *testing.T) {
	e := newTestEnv(t, 50*time.Millisecond)
	ch := e.webchat(t)
	rr := e.do(t, http.MethodPost, "/webhook/"+ch.ID, ch.Token, textMessage("visitor-1", "hi"))
	require.Equal(t, http.StatusCreated, rr.Code)

	conv, err := e.store.FindActiveConversation(context.Background(), ch.ID, "visitor-1")
	require.NoError(t, err)
	msgs, err := e.store.ListMessages(context.Background(), conv.ID, 0)
	require.NoError(t, err)
	last := msgs[len(msgs)-1]

	rr = e.do(t, http.MethodGet, "/webchat/"+ch.ID+"/conversations/"+conv.ID+"/poll?last_message_id="+last.ID, ch.Token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode(t, rr)
	assert.Equal(t, "0 messages", body.Message)
	assert.JSONEq(t, `{"messages":[],"waitTime":0}`, string(body.Results))
}

func TestWebchat_PollWakesOnNewMessage(t *testing.T) {
	e := newTestEnv(t, 5*time.Second)
	ch := e.webchat(t)
	conv, err := e.server.cfg.Pipeline.StartConversation(context.Background(), ch.ID, "visitor-1")
	require.NoError(t, err)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- e.do(t, http.MethodGet, "/webchat/"+ch.ID+"/conversations/"+conv.ID+"/poll", ch.Token, nil)
	}()
	require.Eventually(t, func() bool { return e.watchers.Stats().Watchers == 1 }, 2*time.Second, 5*time.Millisecond)

	rr := e.do(t, http.MethodPost, "/webhook/"+ch.ID, ch.Token, textMessage("visitor-1", "wake up"))
	require.Equal(t, http.StatusCreated, rr.Code)

	select {
	case rr := <-done:
		require.Equal(t, http.StatusOK, rr.Code)
		var res pollResults
		require.NoError(t, json.Unmarshal(decode(t, rr).Results, &res))
		require.NotEmpty(t, res.Messages)
		text, _ := res.Messages[0].Attachment.String()
		assert.Equal(t, "wake up", text)
	case <-time.After(3 * time.Second):
		t.Fatal("poll did not return after a new message")
	}
	assert.Equal(t, 0, e.watchers.Stats().Watchers)
}

func TestWebchat_Auth(t *testing.T) {
	e := newTestEnv(t, time.Second)
	ch := e.webchat(t)

	rr := e.do(t, http.MethodGet, "/webchat/"+ch.ID+"/preferences", "wrong", nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = e.do(t, http.MethodGet, "/webchat/missing/preferences", ch.Token, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestWebchat_Preferences(t *testing.T) {
	e := newTestEnv(t, time.Second)
	ch := e.webchat(t)

	rr := e.do(t, http.MethodGet, "/webchat/"+ch.ID+"/preferences", ch.Token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"accentColor":"#0e5fd8"}`, string(decode(t, rr).Results))
}

func TestWebchat_StartConversation(t *testing.T) {
	e := newTestEnv(t, time.Second)
	ch := e.webchat(t)

	rr := e.do(t, http.MethodPost, "/webchat/"+ch.ID+"/conversations", ch.Token, nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var anon domain.Conversation
	require.NoError(t, json.Unmarshal(decode(t, rr).Results, &anon))
	assert.NotEmpty(t, anon.ChatID)

	rr = e.do(t, http.MethodPost, "/webchat/"+ch.ID+"/conversations", ch.Token, map[string]string{"chatId": "known"})
	require.Equal(t, http.StatusCreated, rr.Code)
	var first domain.Conversation
	require.NoError(t, json.Unmarshal(decode(t, rr).Results, &first))

	rr = e.do(t, http.MethodPost, "/webchat/"+ch.ID+"/conversations", ch.Token, map[string]string{"chatId": "known"})
	var second domain.Conversation
	require.NoError(t, json.Unmarshal(decode(t, rr).Results, &second))
	assert.Equal(t, first.ID, second.ID)
	assert.NotEqual(t, anon.ID, first.ID)
}

func TestWebchat_ConversationOfOtherChannel(t *testing.T) {
	e := newTestEnv(t, time.Second)
	a := e.webchat(t)
	b := e.webchat(t)
	conv, err := e.server.cfg.Pipeline.StartConversation(context.Background(), a.ID, "visitor-1")
	require.NoError(t, err)

	rr := e.do(t, http.MethodGet, "/webchat/"+b.ID+"/conversations/"+conv.ID+"/messages", b.Token, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestWebchat_Messages(t *testing.T) {
	e := newTestEnv(t, time.Second)
	ch := e.webchat(t)
	for _, text := range []string{"one", "two"} {
		rr := e.do(t, http.MethodPost, "/webhook/"+ch.ID, ch.Token, textMessage("visitor-1", text))
		require.Equal(t, http.StatusCreated, rr.Code)
	}
	conv, err := e.store.FindActiveConversation(context.Background(), ch.ID, "visitor-1")
	require.NoError(t, err)

	rr := e.do(t, http.MethodGet, "/webchat/"+ch.ID+"/conversations/"+conv.ID+"/messages?limit=3", ch.Token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var msgs []*domain.Message
	require.NoError(t, json.Unmarshal(decode(t, rr).Results, &msgs))
	require.Len(t, msgs, 3)
	text, _ := msgs[2].Attachment.String()
	assert.Equal(t, "echo: two", text)
}

func TestWebchat_Websocket(t *testing.T) {
	e := newTestEnv(t, time.Second)
	ch := e.webchat(t)
	conv, err := e.server.cfg.Pipeline.StartConversation(context.Background(), ch.ID, "visitor-1")
	require.NoError(t, err)

	srv := httptest.NewServer(e.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/webchat/" + ch.ID + "/conversations/" + conv.ID + "/ws?token=" + ch.Token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var ev wsEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, wsEvent{Type: "status", Content: "connected"}, ev)

	rr := e.do(t, http.MethodPost, "/webhook/"+ch.ID, ch.Token, textMessage("visitor-1", "hi"))
	require.Equal(t, http.StatusCreated, rr.Code)

	var texts []string
	for len(texts) < 2 {
		var ev wsEvent
		require.NoError(t, conn.ReadJSON(&ev))
		require.Equal(t, "messages", ev.Type)
		for _, m := range ev.Messages {
			s, _ := m.Attachment.String()
			texts = append(texts, s)
		}
	}
	assert.Equal(t, []string{"hi", "echo: hi"}, texts)
}

func TestOriginAllowed(t *testing.T) {
	allowed := []string{"https://shop.example.com"}
	assert.True(t, originAllowed(allowed, ""))
	assert.True(t, originAllowed(allowed, "https://shop.example.com"))
	assert.False(t, originAllowed(allowed, "https://evil.example.com"))
	assert.True(t, originAllowed([]string{"*"}, "https://any.example.com"))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.BadRequest("bad"), http.StatusBadRequest},
		{domain.NotFound("Channel"), http.StatusNotFound},
		{domain.Forbidden("no"), http.StatusForbidden},
		{domain.ServiceError("bot down", errors.New("refused")), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestShutdown_BeforeListenAndServe(t *testing.T) {
	s := New(Config{Addr: "127.0.0.1:0"})
	require.NoError(t, s.Shutdown(context.Background()))

	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		s.Shutdown(context.Background())
		t.Fatal("server kept running after an earlier Shutdown")
	}
}

func TestShutdown_ConcurrentWithListen(t *testing.T) {
	s := New(Config{Addr: "127.0.0.1:0"})
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ListenAndServe did not return")
	}
}
