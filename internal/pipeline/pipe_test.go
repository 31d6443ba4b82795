package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatgate/internal/botclient"
	"chatgate/internal/channel"
	"chatgate/internal/domain"
	"chatgate/internal/store"
	"chatgate/internal/watcher"
)

// fakeAdapter is a push platform whose payload is {chatId, text, echo}.
type fakeAdapter struct {
	channel.Base
	early bool

	mu     sync.Mutex
	events []string
}

type fakeEvent struct {
	ChatID string `json:"chatId"`
	Text   string `json:"text"`
	Echo   bool   `json:"echo"`
}

func (f *fakeAdapter) Type() string { return "fake" }

func (f *fakeAdapter) record(e string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

func (f *fakeAdapter) Events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

func (f *fakeAdapter) PopulateMessageContext(req *channel.Request, _ *domain.Channel) (*channel.MessageContext, error) {
	var ev fakeEvent
	if err := json.Unmarshal(req.Body, &ev); err != nil {
		return nil, domain.BadRequest("bad payload")
	}
	return &channel.MessageContext{ChatID: ev.ChatID, SenderID: "user-" + ev.ChatID, Mentioned: true, Event: &ev}, nil
}

func (f *fakeAdapter) ParseIncomingMessage(_ context.Context, _ *domain.Conversation, _ *channel.Request, mctx *channel.MessageContext) (channel.ParseOutcome, error) {
	ev := mctx.Event.(*fakeEvent)
	if ev.Echo {
		return channel.Suppress(), nil
	}
	if ev.Text == "" {
		return channel.ForwardAttachment(domain.StringAttachment(domain.AttachmentText, "")), nil
	}
	return channel.ForwardAttachment(domain.TextAttachment(ev.Text)), nil
}

func (f *fakeAdapter) PopulateParticipantData(_ context.Context, _ *domain.Channel, p *domain.Participant, _ *channel.MessageContext) error {
	p.Data = domain.JSONMap{"source": "fake"}
	p.DisplayName = "Fake User"
	return nil
}

func (f *fakeAdapter) OnIsTyping(context.Context, *domain.Channel, *domain.Conversation, *channel.MessageContext) error {
	f.record("typing")
	return nil
}

func (f *fakeAdapter) FormatOutgoingMessage(_ *domain.Conversation, att domain.Attachment, _ *channel.MessageContext) (any, error) {
	return att, nil
}

func (f *fakeAdapter) SendMessage(_ context.Context, _ *domain.Channel, conv *domain.Conversation, payload any) error {
	if conv.ChatID == "unreachable" {
		return domain.ServiceError("fake send failed", errors.New("down"))
	}
	text, _ := payload.(domain.Attachment).String()
	f.record("send:" + text)
	return nil
}

func (f *fakeAdapter) AcknowledgeEarly() bool { return f.early }

// fakeBot answers with a fixed batch and records what it was sent.
type fakeBot struct {
	mu       sync.Mutex
	requests []botclient.Request
	replies  []domain.ReplyMessage
	err      error
	before   func()
}

func (b *fakeBot) Send(_ context.Context, _ string, req botclient.Request) (*botclient.Response, error) {
	if b.before != nil {
		b.before()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, req)
	if b.err != nil {
		return nil, b.err
	}
	return &botclient.Response{Messages: b.replies}, nil
}

func (b *fakeBot) Requests() []botclient.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]botclient.Request(nil), b.requests...)
}

func textReply(s string, delay *float64) domain.ReplyMessage {
	att := domain.TextAttachment(s)
	return domain.ReplyMessage{Type: att.Type, Content: att.Content, Delay: delay}
}

type fixture struct {
	store    *store.SQLiteStore
	pipeline *Pipeline
	adapter  *fakeAdapter
	bot      *fakeBot
	watchers *watcher.Registry
	slept    []time.Duration
	sleptMu  sync.Mutex
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(filepath.Join(t.TempDir(), "chatgate.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	f := &fixture{store: st, adapter: &fakeAdapter{}, bot: &fakeBot{}}
	f.watchers = watcher.NewRegistry(watcher.Config{Source: st, Logger: logger})
	f.pipeline = New(Config{
		Conversations: st,
		Configs:       st,
		Adapters:      channel.NewRegistry(f.adapter, channel.NewWebchat(channel.WebchatConfig{Logger: logger})),
		Bot:           f.bot,
		Notifier:      f.watchers,
		Logger:        logger,
		Sleep: func(_ context.Context, d time.Duration) error {
			f.sleptMu.Lock()
			defer f.sleptMu.Unlock()
			f.slept = append(f.slept, d)
			return nil
		},
	})
	return f
}

func (f *fixture) channel(t *testing.T, typ string, conn *domain.Connector) *domain.Channel {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.CreateConnector(ctx, conn))
	ch := &domain.Channel{ConnectorID: conn.ID, Type: typ, Slug: typ, IsActivated: true, Token: "tok"}
	require.NoError(t, f.store.CreateChannel(ctx, ch))
	return ch
}

func (f *fixture) post(t *testing.T, ch *domain.Channel, body any) (*httptest.ResponseRecorder, error) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodPost, "/webhook/"+ch.ID, bytes.NewReader(data))
	r.Header.Set("Authorization", ch.Token)
	rr := httptest.NewRecorder()
	return rr, f.pipeline.HandleWebhook(rr, r, ch.ID)
}

func TestHandleWebhook_TwoRepliesWithDefaultDelay(t *testing.T) {
	f := newFixture(t)
	def := 2.0
	ch := f.channel(t, "fake", &domain.Connector{URL: "http://bot", IsTyping: true, DefaultDelay: &def})
	f.bot.replies = []domain.ReplyMessage{textReply("hello", nil), textReply("bye", nil)}

	rr, err := f.post(t, ch, fakeEvent{ChatID: "c1", Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rr.Code)

	// One indicator before the first reply, one in the pause after it.
	assert.Equal(t, []string{"typing", "send:hello", "typing", "send:bye"}, f.adapter.Events())
	assert.Equal(t, []time.Duration{2 * time.Second}, f.slept)

	conv, err := f.store.FindActiveConversation(context.Background(), ch.ID, "c1")
	require.NoError(t, err)
	msgs, err := f.store.ListMessages(context.Background(), conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	first, _ := msgs[0].Attachment.String()
	assert.Equal(t, "hi", first)
	assert.Equal(t, domain.RoleUser, msgs[0].Participant.Role)
	assert.Equal(t, "Fake User", msgs[0].Participant.DisplayName)

	require.NotNil(t, msgs[1].Delay)
	require.NotNil(t, msgs[2].Delay)
	assert.Equal(t, 2.0, *msgs[1].Delay)
	assert.Equal(t, 0.0, *msgs[2].Delay)
	assert.True(t, msgs[1].Participant.IsBot)

	reqs := f.bot.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "c1", reqs[0].ChatID)
	assert.Equal(t, "user-c1", reqs[0].SenderID)
	assert.Equal(t, "fake", reqs[0].Origin)
	assert.True(t, reqs[0].Mentioned)
}

func TestHandleWebhook_EchoSuppressed(t *testing.T) {
	f := newFixture(t)
	ch := f.channel(t, "fake", &domain.Connector{URL: "http://bot", IsTyping: true})
	f.bot.replies = []domain.ReplyMessage{textReply("never", nil)}

	rr, err := f.post(t, ch, fakeEvent{ChatID: "c1", Text: "my own reply", Echo: true})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rr.Code)

	assert.Empty(t, f.bot.Requests())
	assert.Empty(t, f.adapter.Events())
	conv, err := f.store.FindActiveConversation(context.Background(), ch.ID, "c1")
	require.NoError(t, err)
	msgs, err := f.store.ListMessages(context.Background(), conv.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestHandleWebhook_EmptyContentSkipsBot(t *testing.T) {
	f := newFixture(t)
	ch := f.channel(t, "fake", &domain.Connector{URL: "http://bot"})

	_, err := f.post(t, ch, fakeEvent{ChatID: "c1"})
	require.NoError(t, err)
	assert.Empty(t, f.bot.Requests())
}

func TestHandleWebhook_BotFailureSurfaces(t *testing.T) {
	f := newFixture(t)
	ch := f.channel(t, "fake", &domain.Connector{URL: "http://bot"})
	f.bot.err = domain.ServiceError("bot request failed", errors.New("refused"))

	_, err := f.post(t, ch, fakeEvent{ChatID: "c1", Text: "hi"})
	assert.True(t, domain.IsKind(err, domain.KindServiceError))

	// The inbound message is kept.
	conv, err := f.store.FindActiveConversation(context.Background(), ch.ID, "c1")
	require.NoError(t, err)
	msgs, err := f.store.ListMessages(context.Background(), conv.ID, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestHandleWebhook_UnactivatedChannel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conn := &domain.Connector{URL: "http://bot"}
	require.NoError(t, f.store.CreateConnector(ctx, conn))
	ch := &domain.Channel{ConnectorID: conn.ID, Type: "fake", Slug: "off"}
	require.NoError(t, f.store.CreateChannel(ctx, ch))

	_, err := f.post(t, ch, fakeEvent{ChatID: "c1", Text: "hi"})
	assert.True(t, domain.IsKind(err, domain.KindNotFound))
}

func TestHandleWebhook_UnknownChannel(t *testing.T) {
	f := newFixture(t)
	r := httptest.NewRequest(http.MethodPost, "/webhook/nope", bytes.NewReader([]byte(`{}`)))
	err := f.pipeline.HandleWebhook(httptest.NewRecorder(), r, "nope")
	assert.True(t, domain.IsKind(err, domain.KindNotFound))
}

func TestHandleWebhook_ConcurrentFirstContact(t *testing.T) {
	f := newFixture(t)
	ch := f.channel(t, "webchat", &domain.Connector{URL: "http://bot"})

	const n = 10
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rr, err := f.post(t, ch, map[string]any{
				"chatId":  "same-chat",
				"message": map[string]any{"attachment": map[string]any{"type": "text", "content": fmt.Sprintf("m%d", i)}},
			})
			if err == nil && rr.Code != http.StatusCreated {
				err = fmt.Errorf("status %d", rr.Code)
			}
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	convs, err := f.store.ListActiveConversations(context.Background(), ch.ID)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	msgs, err := f.store.ListMessages(context.Background(), convs[0].ID, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, n)
}

func TestHandleWebhook_PullNotifiesWatchers(t *testing.T) {
	f := newFixture(t)
	ch := f.channel(t, "webchat", &domain.Connector{URL: "http://bot"})
	f.bot.replies = []domain.ReplyMessage{textReply("hello", nil)}

	conv, err := f.pipeline.StartConversation(context.Background(), ch.ID, "widget-1")
	require.NoError(t, err)
	sub := f.watchers.Subscribe(conv.ID)
	defer sub.Close()

	rr, err := f.post(t, ch, map[string]any{
		"chatId":  "widget-1",
		"message": map[string]any{"attachment": map[string]any{"type": "text", "content": "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, rr.Code)

	var body struct {
		Results struct {
			ConversationID string `json:"conversationId"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, conv.ID, body.Results.ConversationID)

	inbound := <-sub.C
	reply := <-sub.C
	in, _ := inbound[0].Attachment.String()
	out, _ := reply[0].Attachment.String()
	assert.Equal(t, "hi", in)
	assert.Equal(t, "hello", out)
}

func TestHandleWebhook_EarlyAck(t *testing.T) {
	f := newFixture(t)
	f.adapter.early = true
	ch := f.channel(t, "fake", &domain.Connector{URL: "http://bot"})
	f.bot.replies = []domain.ReplyMessage{textReply("later", nil)}

	release := make(chan struct{})
	f.bot.before = func() { <-release }

	rr, err := f.post(t, ch, fakeEvent{ChatID: "c1", Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, f.adapter.Events())

	close(release)
	f.pipeline.Wait()
	assert.Equal(t, []string{"send:later"}, f.adapter.Events())
}

func TestStartConversation_ReusesActive(t *testing.T) {
	f := newFixture(t)
	ch := f.channel(t, "webchat", &domain.Connector{URL: "http://bot"})

	a, err := f.pipeline.StartConversation(context.Background(), ch.ID, "")
	require.NoError(t, err)
	assert.NotEmpty(t, a.ChatID)

	b, err := f.pipeline.StartConversation(context.Background(), ch.ID, a.ChatID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)
}

func TestBroadcast_IsolatesFailures(t *testing.T) {
	f := newFixture(t)
	ch := f.channel(t, "fake", &domain.Connector{URL: "http://bot"})
	for _, chat := range []string{"ok-1", "unreachable", "ok-2"} {
		_, err := f.pipeline.StartConversation(context.Background(), ch.ID, chat)
		require.NoError(t, err)
	}

	res, err := f.pipeline.Broadcast(context.Background(), ch.ID, []domain.ReplyMessage{textReply("news", nil)})
	require.NoError(t, err)
	assert.Equal(t, BroadcastResult{Conversations: 3, Delivered: 2, Failed: 1}, res)
	assert.ElementsMatch(t, []string{"send:news", "send:news"}, f.adapter.Events())

	_, err = f.pipeline.Broadcast(context.Background(), ch.ID, nil)
	assert.True(t, domain.IsKind(err, domain.KindBadRequest))
}
