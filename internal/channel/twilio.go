package channel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"chatgate/internal/domain"
)

const (
	twilioAPIBase   = "https://api.twilio.com/2010-04-01"
	twilioMaxMsgLen = 1600
)

// TwilioConfig configures the Twilio SMS adapter.
type TwilioConfig struct {
	Logger  *slog.Logger
	Client  *http.Client
	APIBase string // default: Twilio REST API 2010-04-01
}

// Twilio implements Adapter for Twilio Programmable Messaging. The
// channel's ClientID is the account SID, ClientSecret the auth token and
// PhoneNumber the sender number.
type Twilio struct {
	Base
	logger  *slog.Logger
	client  *http.Client
	apiBase string
}

func NewTwilio(cfg TwilioConfig) *Twilio {
	if cfg.APIBase == "" {
		cfg.APIBase = twilioAPIBase
	}
	if cfg.Client == nil {
		cfg.Client = SharedHTTPClient(0)
	}
	return &Twilio{logger: cfg.Logger, client: cfg.Client, apiBase: strings.TrimSuffix(cfg.APIBase, "/")}
}

func (t *Twilio) Type() string { return "twilio" }

// AuthenticateWebhookRequest validates X-Twilio-Signature against the
// channel's public webhook URL.
func (t *Twilio) AuthenticateWebhookRequest(req *Request, ch *domain.Channel) error {
	form, err := req.Form()
	if err != nil {
		return domain.BadRequest("invalid twilio form: %v", err)
	}
	fullURL := ch.WebhookURL
	if fullURL == "" {
		fullURL = requestURL(req.HTTP)
	}
	if !verifyTwilio(ch.ClientSecret, fullURL, form, req.Header("X-Twilio-Signature")) {
		return domain.Forbidden("invalid twilio signature")
	}
	return nil
}

func (t *Twilio) PopulateMessageContext(req *Request, _ *domain.Channel) (*MessageContext, error) {
	form, err := req.Form()
	if err != nil {
		return nil, domain.BadRequest("invalid twilio form: %v", err)
	}
	mctx := &MessageContext{
		ChatID:    form.Get("From"),
		SenderID:  form.Get("From"),
		Mentioned: true,
		Event:     form,
	}
	mctx.SetField("messageSid", form.Get("MessageSid"))
	return requireIDs(mctx)
}

func (t *Twilio) ParseIncomingMessage(_ context.Context, _ *domain.Conversation, _ *Request, mctx *MessageContext) (ParseOutcome, error) {
	form := mctx.Event.(url.Values)

	if n, _ := strconv.Atoi(form.Get("NumMedia")); n > 0 {
		mediaURL := form.Get("MediaUrl0")
		contentType := form.Get("MediaContentType0")
		typ := domain.AttachmentFile
		switch {
		case strings.HasPrefix(contentType, "image/"):
			typ = domain.AttachmentPicture
		case strings.HasPrefix(contentType, "video/"):
			typ = domain.AttachmentVideo
		case strings.HasPrefix(contentType, "audio/"):
			typ = domain.AttachmentAudio
		}
		return ForwardAttachment(domain.StringAttachment(typ, mediaURL)), nil
	}

	body := strings.TrimSpace(form.Get("Body"))
	if body == "" {
		return Suppress(), nil
	}
	return ForwardAttachment(domain.TextAttachment(body)), nil
}

// twilioMessage is one outbound SMS/MMS.
type twilioMessage struct {
	Body     string
	MediaURL string
}

func (t *Twilio) FormatOutgoingMessage(_ *domain.Conversation, att domain.Attachment, _ *MessageContext) (any, error) {
	switch att.Type {
	case domain.AttachmentPicture, domain.AttachmentVideo, domain.AttachmentAudio, domain.AttachmentFile:
		u, ok := att.String()
		if !ok {
			return nil, domain.BadRequest("%s content must be a URL", att.Type)
		}
		return []twilioMessage{{MediaURL: u}}, nil

	case domain.AttachmentCard:
		var c domain.CardContent
		if err := att.Decode(&c); err != nil {
			return nil, err
		}
		c2 := c
		c2.ImageURL = ""
		return []twilioMessage{{Body: cardText(c2), MediaURL: c.ImageURL}}, nil
	}

	text, err := plainText(att)
	if err != nil {
		return nil, err
	}
	var out []twilioMessage
	for _, chunk := range splitMessage(text, twilioMaxMsgLen) {
		out = append(out, twilioMessage{Body: chunk})
	}
	return out, nil
}

func (t *Twilio) SendMessage(ctx context.Context, ch *domain.Channel, conv *domain.Conversation, payload any) error {
	msgs, ok := payload.([]twilioMessage)
	if !ok {
		return fmt.Errorf("twilio: unexpected payload %T", payload)
	}
	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", t.apiBase, url.PathEscape(ch.ClientID))
	for _, m := range msgs {
		form := url.Values{"To": {conv.ChatID}, "From": {ch.PhoneNumber}}
		if m.Body != "" {
			form.Set("Body", m.Body)
		}
		if m.MediaURL != "" {
			form.Set("MediaUrl", m.MediaURL)
		}
		if err := t.post(ctx, ch, endpoint, form); err != nil {
			return err
		}
	}
	return nil
}

func (t *Twilio) post(ctx context.Context, ch *domain.Channel, endpoint string, form url.Values) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build twilio request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(ch.ClientID, ch.ClientSecret)

	resp, err := t.client.Do(req)
	if err != nil {
		return domain.ServiceError("twilio request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		return domain.ServiceError("twilio request failed",
			fmt.Errorf("twilio API %d: %s", resp.StatusCode, string(body)))
	}
	return nil
}

// FinalizeWebhookRequest answers with an empty TwiML document; replies go
// out through the REST API.
func (t *Twilio) FinalizeWebhookRequest(w http.ResponseWriter, _ *Request, _ *WebhookResult) error {
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, err := io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`)
	return err
}

func (t *Twilio) BeforeChannelCreated(_ context.Context, ch *domain.Channel) error {
	if ch.ClientID == "" || ch.ClientSecret == "" || ch.PhoneNumber == "" {
		return domain.BadRequest("twilio channel requires an account sid, an auth token and a phone number")
	}
	return nil
}

// requestURL rebuilds the URL Twilio signed when no public URL is known.
func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
