package botclient

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatgate/internal/domain"
)

func testClient() *Client {
	return New(Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
}

func TestSend_RequestShapeAndNestedReplies(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"results":{"messages":[{"type":"text","content":"hello","delay":1.5}]}}`))
	}))
	defer srv.Close()

	resp, err := testClient().Send(context.Background(), srv.URL, Request{
		Message:     domain.CanonicalMessage{Attachment: domain.TextAttachment("hi")},
		ChatID:      "c1",
		SenderID:    "s1",
		Mentioned:   true,
		Origin:      "slack",
		Memory:      domain.JSONMap{"lang": "en"},
		MergeMemory: true,
	})
	require.NoError(t, err)

	assert.Equal(t, "c1", got["chatId"])
	assert.Equal(t, "s1", got["senderId"])
	assert.Equal(t, true, got["mentioned"])
	assert.Equal(t, "slack", got["origin"])
	assert.Equal(t, true, got["merge_memory"])
	assert.Equal(t, map[string]any{"lang": "en"}, got["memory"])
	assert.Equal(t, "text", got["message"].(map[string]any)["attachment"].(map[string]any)["type"])

	replies := resp.Replies()
	require.Len(t, replies, 1)
	assert.Equal(t, "text", replies[0].Type)
	require.NotNil(t, replies[0].Delay)
	assert.Equal(t, 1.5, *replies[0].Delay)
}

func TestSend_TopLevelMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"messages":[{"type":"text","content":"a"},{"type":"text","content":"b"}]}`))
	}))
	defer srv.Close()

	resp, err := testClient().Send(context.Background(), srv.URL, Request{ChatID: "c"})
	require.NoError(t, err)
	assert.Len(t, resp.Replies(), 2)
}

func TestSend_EmptyBodyIsNoReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	resp, err := testClient().Send(context.Background(), srv.URL, Request{ChatID: "c"})
	require.NoError(t, err)
	assert.Empty(t, resp.Replies())
}

func TestSend_Non2xxIsServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := testClient().Send(context.Background(), srv.URL, Request{ChatID: "c"})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindServiceError))
}

func TestSend_UnreachableIsServiceError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := testClient().Send(context.Background(), url, Request{ChatID: "c"})
	assert.True(t, domain.IsKind(err, domain.KindServiceError))
}
