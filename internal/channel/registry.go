package channel

import (
	"io"
	"log/slog"
	"net/http"
	"slices"
	"sort"
	"sync"

	"chatgate/internal/domain"
)

// Registry resolves adapters by their platform tag.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for a.Type().
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Type()] = a
}

// Get returns the adapter for typ, or a BadRequest error for unknown tags.
func (r *Registry) Get(typ string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[typ]
	if !ok {
		return nil, domain.BadRequest("unknown channel type %q", typ)
	}
	return a, nil
}

// Types lists the registered tags in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.adapters))
	for t := range r.adapters {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Supports reports whether typ is registered.
func (r *Registry) Supports(typ string) bool {
	return slices.Contains(r.Types(), typ)
}

// Options configures the built-in adapters.
type Options struct {
	Logger     *slog.Logger
	HTTPClient *http.Client
}

// DefaultRegistry registers every built-in adapter against the real
// platform endpoints.
func DefaultRegistry(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = SharedHTTPClient(0)
	}
	return NewRegistry(
		NewWebchat(WebchatConfig{Logger: opts.Logger}),
		NewMessenger(MessengerConfig{Logger: opts.Logger, Client: opts.HTTPClient}),
		NewTelegram(TelegramConfig{Logger: opts.Logger, Client: opts.HTTPClient}),
		NewSlack(SlackConfig{Logger: opts.Logger, Client: opts.HTTPClient}),
		NewWhatsApp(WhatsAppConfig{Logger: opts.Logger, Client: opts.HTTPClient}),
		NewTwilio(TwilioConfig{Logger: opts.Logger, Client: opts.HTTPClient}),
		NewDiscord(DiscordConfig{Logger: opts.Logger, Client: opts.HTTPClient}),
	)
}
