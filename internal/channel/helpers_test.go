package channel

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func newTestRequest(t *testing.T, method, target string, body []byte, headers map[string]string) *Request {
	t.Helper()
	r := httptest.NewRequest(method, target, bytes.NewReader(body))
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	req, err := NewRequest(r)
	require.NoError(t, err)
	return req
}

// apiRecorder is a fake platform API that records request paths and bodies.
type apiRecorder struct {
	paths  []string
	bodies [][]byte
	reply  string
}

func (a *apiRecorder) server(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		buf.ReadFrom(r.Body)
		a.paths = append(a.paths, r.URL.Path)
		a.bodies = append(a.bodies, buf.Bytes())
		w.Header().Set("Content-Type", "application/json")
		reply := a.reply
		if reply == "" {
			reply = `{}`
		}
		w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv
}
