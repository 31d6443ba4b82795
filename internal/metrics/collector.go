// Package metrics is a small Prometheus-compatible collector. It renders the
// text exposition format directly instead of pulling in client_golang.
package metrics

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the process-wide registry used by the gateway.
var Collector = New()

// Registry holds counters, gauges and histograms keyed by name and labels.
type Registry struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
	started    time.Time
}

func New() *Registry {
	return &Registry{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
		started:    time.Now(),
	}
}

// Uptime returns how long the registry has existed.
func (r *Registry) Uptime() time.Duration {
	return time.Since(r.started)
}

type series struct {
	name   string
	help   string
	labels string
}

func (s series) key() string { return s.name + "{" + s.labels + "}" }

// Counter is a monotonically increasing value.
type Counter struct {
	series
	value atomic.Int64
}

func (c *Counter) Inc() { c.value.Add(1) }
func (c *Counter) Add(n int64) { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	series
	value atomic.Int64
}

func (g *Gauge) Set(v int64) { g.value.Store(v) }
func (g *Gauge) Inc() { g.value.Add(1) }
func (g *Gauge) Dec() { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

// Histogram tracks the distribution of observed values.
type Histogram struct {
	series
	mu      sync.Mutex
	count   int64
	sum     float64
	bounds  []float64
	buckets []int64
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, le := range h.bounds {
		if v <= le {
			h.buckets[i]++
		}
	}
}

// Since observes the seconds elapsed from start.
func (h *Histogram) Since(start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

// Count returns how many values were observed.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Labels renders key/value pairs as a Prometheus label set, e.g.
// Labels("channel", "slack") == `channel="slack"`.
func Labels(kv ...string) string {
	parts := make([]string, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		v := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`).Replace(kv[i+1])
		parts = append(parts, fmt.Sprintf(`%s="%s"`, kv[i], v))
	}
	return strings.Join(parts, ",")
}

// Counter returns the counter for name and labels, creating it on first use.
func (r *Registry) Counter(name, help, labels string) *Counter {
	s := series{name, help, labels}
	r.mu.RLock()
	c, ok := r.counters[s.key()]
	r.mu.RUnlock()
	if ok {
		return c
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[s.key()]; ok {
		return c
	}
	c = &Counter{series: s}
	r.counters[s.key()] = c
	return c
}

// Gauge returns the gauge for name and labels, creating it on first use.
func (r *Registry) Gauge(name, help, labels string) *Gauge {
	s := series{name, help, labels}
	r.mu.RLock()
	g, ok := r.gauges[s.key()]
	r.mu.RUnlock()
	if ok {
		return g
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[s.key()]; ok {
		return g
	}
	g = &Gauge{series: s}
	r.gauges[s.key()] = g
	return g
}

// Histogram returns the histogram for name and labels, creating it on first
// use. An implicit +Inf bucket is appended.
func (r *Registry) Histogram(name, help, labels string, bounds []float64) *Histogram {
	s := series{name, help, labels}
	r.mu.RLock()
	h, ok := r.histograms[s.key()]
	r.mu.RUnlock()
	if ok {
		return h
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histograms[s.key()]; ok {
		return h
	}
	b := append([]float64(nil), bounds...)
	sort.Float64s(b)
	if len(b) == 0 || !math.IsInf(b[len(b)-1], 1) {
		b = append(b, math.Inf(1))
	}
	h = &Histogram{series: s, bounds: b, buckets: make([]int64, len(b))}
	r.histograms[s.key()] = h
	return h
}

// Handler serves the registry in Prometheus text format.
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		r.WriteTo(w)
	}
}

// WriteTo renders every series, grouped by name in sorted order.
func (r *Registry) WriteTo(w io.Writer) (int64, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# HELP chatgate_uptime_seconds Time since start in seconds\n")
	fmt.Fprintf(&sb, "# TYPE chatgate_uptime_seconds gauge\n")
	fmt.Fprintf(&sb, "chatgate_uptime_seconds %d\n", int64(r.Uptime().Seconds()))

	r.mu.RLock()
	counters := sortedValues(r.counters)
	gauges := sortedValues(r.gauges)
	histograms := sortedValues(r.histograms)
	r.mu.RUnlock()

	seen := make(map[string]bool)
	header := func(s series, typ string) {
		if seen[s.name] {
			return
		}
		seen[s.name] = true
		fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s %s\n", s.name, s.help, s.name, typ)
	}

	for _, c := range counters {
		header(c.series, "counter")
		fmt.Fprintf(&sb, "%s %d\n", c.sample(""), c.Value())
	}
	for _, g := range gauges {
		header(g.series, "gauge")
		fmt.Fprintf(&sb, "%s %d\n", g.sample(""), g.Value())
	}
	for _, h := range histograms {
		header(h.series, "histogram")
		h.mu.Lock()
		for i, le := range h.bounds {
			bound := fmt.Sprintf("%g", le)
			if math.IsInf(le, 1) {
				bound = "+Inf"
			}
			fmt.Fprintf(&sb, "%s %d\n", h.sampleWith("_bucket", `le="`+bound+`"`), h.buckets[i])
		}
		fmt.Fprintf(&sb, "%s %d\n", h.sample("_count"), h.count)
		fmt.Fprintf(&sb, "%s %f\n", h.sample("_sum"), h.sum)
		h.mu.Unlock()
	}

	n, err := io.WriteString(w, sb.String())
	return int64(n), err
}

func (s series) sample(suffix string) string {
	return s.sampleWith(suffix, "")
}

func (s series) sampleWith(suffix, extra string) string {
	labels := s.labels
	if extra != "" {
		if labels != "" {
			labels += ","
		}
		labels += extra
	}
	if labels == "" {
		return s.name + suffix
	}
	return s.name + suffix + "{" + labels + "}"
}

func sortedValues[T any](m map[string]*T) []*T {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*T, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}

// --- Gateway metrics ---

// Inbound counts messages accepted from a platform.
func Inbound(channelType string) *Counter {
	return Collector.Counter("chatgate_messages_inbound_total", "Inbound messages persisted", Labels("channel", channelType))
}

// Outbound counts replies handed to a platform or stored for polling.
func Outbound(channelType string) *Counter {
	return Collector.Counter("chatgate_messages_outbound_total", "Bot replies delivered", Labels("channel", channelType))
}

// Suppressed counts webhooks that stopped the pipeline silently.
func Suppressed(channelType string) *Counter {
	return Collector.Counter("chatgate_messages_suppressed_total", "Webhooks acknowledged without forwarding", Labels("channel", channelType))
}

// DeliveryErrors counts failed platform sends.
func DeliveryErrors(channelType string) *Counter {
	return Collector.Counter("chatgate_delivery_errors_total", "Failed platform sends", Labels("channel", channelType))
}

var (
	BotErrors = Collector.Counter("chatgate_bot_errors_total", "Failed bot backend calls", "")
	Watchers  = Collector.Gauge("chatgate_watchers", "Live long-poll and websocket watchers", "")
	Purged    = Collector.Counter("chatgate_messages_purged_total", "Messages removed by retention", "")

	BotLatency = Collector.Histogram("chatgate_bot_latency_seconds", "Bot backend latency in seconds", "",
		[]float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30})
)
