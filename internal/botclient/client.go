// Package botclient calls the bot backend a connector is bound to.
package botclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"chatgate/internal/domain"
)

const maxResponseSize = 4 << 20

// Request is the body posted to the bot backend for every inbound message.
type Request struct {
	Message     domain.CanonicalMessage `json:"message"`
	ChatID      string                  `json:"chatId"`
	SenderID    string                  `json:"senderId"`
	Mentioned   bool                    `json:"mentioned"`
	Origin      string                  `json:"origin"`
	Memory      domain.JSONMap          `json:"memory"`
	MergeMemory bool                    `json:"merge_memory"`
}

// Response is the bot's reply. Messages may arrive at the top level or
// nested under results; Replies hides the difference.
type Response struct {
	Results *struct {
		Messages []domain.ReplyMessage `json:"messages"`
	} `json:"results,omitempty"`
	Messages []domain.ReplyMessage `json:"messages,omitempty"`
}

// Replies returns the reply batch, preferring results.messages.
func (r *Response) Replies() []domain.ReplyMessage {
	if r == nil {
		return nil
	}
	if r.Results != nil && r.Results.Messages != nil {
		return r.Results.Messages
	}
	return r.Messages
}

// Sender is what the pipeline needs from a bot client.
type Sender interface {
	Send(ctx context.Context, url string, req Request) (*Response, error)
}

type Config struct {
	Logger  *slog.Logger
	Timeout time.Duration // default: 30s
	Client  *http.Client
}

// Client posts canonical messages to bot backends over HTTP.
type Client struct {
	client *http.Client
	logger *slog.Logger
}

func New(cfg Config) *Client {
	if cfg.Client == nil {
		cfg.Client = newHTTPClient(cfg.Timeout)
	}
	return &Client{client: cfg.Client, logger: cfg.Logger}
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        50,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: timeout,
		},
	}
}

// Send posts req to url. Transport failures, non-2xx answers and
// undecodable bodies are ServiceErrors. An empty body means no reply.
func (c *Client) Send(ctx context.Context, url string, req Request) (*Response, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal bot request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, domain.ServiceError("invalid bot url", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, domain.ServiceError("bot request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, domain.ServiceError("read bot response", err)
	}
	c.logger.Debug("bot replied", "status", resp.StatusCode, "chat_id", req.ChatID, "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, domain.ServiceError("bot request failed",
			fmt.Errorf("bot returned %d: %s", resp.StatusCode, truncate(string(body), 200)))
	}

	out := &Response{}
	if len(bytes.TrimSpace(body)) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return nil, domain.ServiceError("invalid bot response", err)
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
