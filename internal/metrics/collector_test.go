package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_SameSeriesReturned(t *testing.T) {
	r := New()
	a := r.Counter("x_total", "x", Labels("channel", "slack"))
	b := r.Counter("x_total", "x", Labels("channel", "slack"))
	c := r.Counter("x_total", "x", Labels("channel", "telegram"))
	a.Inc()
	b.Add(2)
	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.Equal(t, int64(3), a.Value())
	assert.Equal(t, int64(0), c.Value())
}

func TestRegistry_Handler(t *testing.T) {
	r := New()
	r.Counter("req_total", "Requests", Labels("channel", "webchat")).Inc()
	r.Gauge("watchers", "Watchers", "").Set(4)
	h := r.Histogram("lat_seconds", "Latency", "", []float64{1, 0.5})
	h.Observe(0.2)
	h.Observe(3)

	rr := httptest.NewRecorder()
	r.Handler()(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()

	assert.Contains(t, body, "# TYPE req_total counter\n")
	assert.Contains(t, body, `req_total{channel="webchat"} 1`)
	assert.Contains(t, body, "watchers 4\n")
	assert.Contains(t, body, `lat_seconds_bucket{le="0.5"} 1`)
	assert.Contains(t, body, `lat_seconds_bucket{le="1"} 1`)
	assert.Contains(t, body, `lat_seconds_bucket{le="+Inf"} 2`)
	assert.Contains(t, body, "lat_seconds_count 2\n")
	assert.Equal(t, 1, strings.Count(body, "# HELP req_total"))
}

func TestLabels_Escapes(t *testing.T) {
	assert.Equal(t, `a="1",b="x\"y"`, Labels("a", "1", "b", `x"y`))
	assert.Equal(t, "", Labels())
}
