package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"chatgate/internal/domain"
)

const (
	whatsappAPIBase   = "https://graph.facebook.com/v21.0"
	whatsappMaxMsgLen = 4096
	whatsappMaxButton = 3
)

// WhatsAppConfig configures the WhatsApp Cloud API adapter.
type WhatsAppConfig struct {
	Logger  *slog.Logger
	Client  *http.Client
	APIBase string // default: Graph API v21.0
}

// WhatsApp implements Adapter for the WhatsApp Business Cloud API. The
// channel's Token is the access token, PhoneNumber the phone number id,
// AppSecret signs webhooks and WebhookToken is the hub verify token.
type WhatsApp struct {
	Base
	logger  *slog.Logger
	client  *http.Client
	apiBase string
}

func NewWhatsApp(cfg WhatsAppConfig) *WhatsApp {
	if cfg.APIBase == "" {
		cfg.APIBase = whatsappAPIBase
	}
	if cfg.Client == nil {
		cfg.Client = SharedHTTPClient(0)
	}
	return &WhatsApp{logger: cfg.Logger, client: cfg.Client, apiBase: strings.TrimSuffix(cfg.APIBase, "/")}
}

func (w *WhatsApp) Type() string { return "whatsapp" }

// HandleSubscription handles the WhatsApp webhook verification challenge.
func (w *WhatsApp) HandleSubscription(rw http.ResponseWriter, req *Request, ch *domain.Channel) error {
	if err := verifyHubChallenge(rw, req, ch.WebhookToken); err != nil {
		w.logger.Warn("whatsapp webhook verification failed", "channel", ch.ID, "mode", req.Query().Get("hub.mode"))
		return err
	}
	w.logger.Info("whatsapp webhook verified", "channel", ch.ID)
	return nil
}

// AuthenticateWebhookRequest checks the X-Hub-Signature-256 header.
func (w *WhatsApp) AuthenticateWebhookRequest(req *Request, ch *domain.Channel) error {
	if ch.AppSecret == "" {
		return nil
	}
	if !verifyHMAC(req.Body, ch.AppSecret, req.Header("X-Hub-Signature-256")) {
		return domain.Forbidden("invalid whatsapp signature")
	}
	return nil
}

// --- WhatsApp webhook payload types ---

type waPayload struct {
	Object string    `json:"object"`
	Entry  []waEntry `json:"entry"`
}

type waEntry struct {
	ID      string     `json:"id"`
	Changes []waChange `json:"changes"`
}

type waChange struct {
	Value waValue `json:"value"`
	Field string  `json:"field"`
}

type waValue struct {
	MessagingProduct string      `json:"messaging_product"`
	Contacts         []waContact `json:"contacts"`
	Messages         []waMessage `json:"messages"`
	Statuses         []waStatus  `json:"statuses"`
}

type waContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type waStatus struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	RecipientID string `json:"recipient_id"`
}

type waMessage struct {
	From        string         `json:"from"`
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Text        *waText        `json:"text,omitempty"`
	Image       *waMedia       `json:"image,omitempty"`
	Video       *waMedia       `json:"video,omitempty"`
	Audio       *waMedia       `json:"audio,omitempty"`
	Document    *waMedia       `json:"document,omitempty"`
	Button      *waButton      `json:"button,omitempty"`
	Interactive *waInteractive `json:"interactive,omitempty"`
}

type waText struct {
	Body string `json:"body"`
}

type waMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
}

type waButton struct {
	Text    string `json:"text"`
	Payload string `json:"payload"`
}

type waInteractive struct {
	Type        string `json:"type"`
	ButtonReply *struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	} `json:"button_reply,omitempty"`
	ListReply *struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	} `json:"list_reply,omitempty"`
}

// waEvent is the single message (or status) handled per webhook call.
type waEvent struct {
	Message *waMessage
	Contact *waContact
}

func (w *WhatsApp) PopulateMessageContext(req *Request, _ *domain.Channel) (*MessageContext, error) {
	var payload waPayload
	if err := json.Unmarshal(req.Body, &payload); err != nil {
		return nil, domain.BadRequest("invalid whatsapp payload: %v", err)
	}
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			v := change.Value
			if len(v.Messages) > 0 {
				msg := v.Messages[0]
				ev := &waEvent{Message: &msg}
				if len(v.Contacts) > 0 {
					ev.Contact = &v.Contacts[0]
				}
				mctx := &MessageContext{ChatID: msg.From, SenderID: msg.From, Mentioned: true, Event: ev}
				mctx.SetField("messageId", msg.ID)
				return requireIDs(mctx)
			}
			// Delivery and read receipts: keyed on the recipient, then suppressed.
			if len(v.Statuses) > 0 {
				st := v.Statuses[0]
				return requireIDs(&MessageContext{ChatID: st.RecipientID, SenderID: st.RecipientID, Event: &waEvent{}})
			}
		}
	}
	return nil, domain.BadRequest("whatsapp payload has no message")
}

func (w *WhatsApp) ParseIncomingMessage(ctx context.Context, _ *domain.Conversation, _ *Request, mctx *MessageContext) (ParseOutcome, error) {
	ev := mctx.Event.(*waEvent)
	msg := ev.Message
	if msg == nil {
		return Suppress(), nil
	}

	switch msg.Type {
	case "text":
		if msg.Text == nil || strings.TrimSpace(msg.Text.Body) == "" {
			return Suppress(), nil
		}
		return ForwardAttachment(domain.TextAttachment(msg.Text.Body)), nil

	case "button":
		if msg.Button == nil {
			return Suppress(), nil
		}
		att := domain.TextAttachment(msg.Button.Payload)
		att.Postback = true
		return ForwardAttachment(att), nil

	case "interactive":
		if msg.Interactive == nil {
			return Suppress(), nil
		}
		var value string
		switch {
		case msg.Interactive.ButtonReply != nil:
			value = msg.Interactive.ButtonReply.ID
		case msg.Interactive.ListReply != nil:
			value = msg.Interactive.ListReply.ID
		default:
			return Suppress(), nil
		}
		att := domain.TextAttachment(value)
		att.Postback = true
		return ForwardAttachment(att), nil

	case "image", "video", "audio", "document":
		media, typ := msg.Image, domain.AttachmentPicture
		switch msg.Type {
		case "video":
			media, typ = msg.Video, domain.AttachmentVideo
		case "audio":
			media, typ = msg.Audio, domain.AttachmentAudio
		case "document":
			media, typ = msg.Document, domain.AttachmentFile
		}
		if media == nil {
			return Suppress(), nil
		}
		u, err := w.mediaURL(ctx, mctx.Channel, media.ID)
		if err != nil {
			return ParseOutcome{}, err
		}
		return ForwardAttachment(domain.StringAttachment(typ, u)), nil
	}

	w.logger.Debug("whatsapp message type ignored", "type", msg.Type)
	return Suppress(), nil
}

func (w *WhatsApp) mediaURL(ctx context.Context, ch *domain.Channel, mediaID string) (string, error) {
	var media struct {
		URL string `json:"url"`
	}
	if err := getJSON(ctx, w.client, "whatsapp", w.apiBase+"/"+mediaID, ch.Token, &media); err != nil {
		return "", err
	}
	return media.URL, nil
}

func (w *WhatsApp) PopulateParticipantData(_ context.Context, _ *domain.Channel, p *domain.Participant, mctx *MessageContext) error {
	ev, ok := mctx.Event.(*waEvent)
	if !ok || ev.Contact == nil {
		return nil
	}
	p.DisplayName = ev.Contact.Profile.Name
	p.Data = domain.JSONMap{"wa_id": ev.Contact.WaID, "name": ev.Contact.Profile.Name}
	return nil
}

// OnIsTyping marks the inbound message read and shows the typing indicator.
func (w *WhatsApp) OnIsTyping(ctx context.Context, ch *domain.Channel, _ *domain.Conversation, mctx *MessageContext) error {
	msgID := mctx.Field("messageId")
	if msgID == "" {
		return nil
	}
	return postJSON(ctx, w.client, "whatsapp", w.messagesURL(ch), ch.Token, map[string]any{
		"messaging_product": "whatsapp",
		"status":            "read",
		"message_id":        msgID,
		"typing_indicator":  map[string]string{"type": "text"},
	}, nil)
}

func (w *WhatsApp) FormatOutgoingMessage(_ *domain.Conversation, att domain.Attachment, _ *MessageContext) (any, error) {
	switch att.Type {
	case domain.AttachmentText:
		text, _ := att.String()
		var out []map[string]any
		for _, chunk := range splitMessage(text, whatsappMaxMsgLen) {
			out = append(out, map[string]any{"type": "text", "text": map[string]any{"body": chunk, "preview_url": true}})
		}
		return out, nil

	case domain.AttachmentPicture, domain.AttachmentVideo, domain.AttachmentAudio, domain.AttachmentFile:
		u, ok := att.String()
		if !ok {
			return nil, domain.BadRequest("%s content must be a URL", att.Type)
		}
		typ := map[string]string{
			domain.AttachmentPicture: "image",
			domain.AttachmentVideo:   "video",
			domain.AttachmentAudio:   "audio",
			domain.AttachmentFile:    "document",
		}[att.Type]
		return []map[string]any{{"type": typ, typ: map[string]string{"link": u}}}, nil

	case domain.AttachmentQuickReplies, domain.AttachmentButtons:
		var c domain.ButtonsContent
		if err := att.Decode(&c); err != nil {
			return nil, err
		}
		return []map[string]any{waButtons(c.Title, "", c.Buttons)}, nil

	case domain.AttachmentCard:
		var c domain.CardContent
		if err := att.Decode(&c); err != nil {
			return nil, err
		}
		body := c.Title
		if c.Subtitle != "" {
			body += "\n" + c.Subtitle
		}
		return []map[string]any{waButtons(body, c.ImageURL, c.Buttons)}, nil

	case domain.AttachmentCarousel, domain.AttachmentList:
		var cards []domain.CardContent
		if att.Type == domain.AttachmentCarousel {
			if err := att.Decode(&cards); err != nil {
				return nil, err
			}
		} else {
			var l domain.ListContent
			if err := att.Decode(&l); err != nil {
				return nil, err
			}
			cards = l.Elements
		}
		return []map[string]any{waList(cards)}, nil
	}
	return nil, unsupported("whatsapp", att.Type)
}

// SendMessage sends formatted messages via the WhatsApp Cloud API.
func (w *WhatsApp) SendMessage(ctx context.Context, ch *domain.Channel, conv *domain.Conversation, payload any) error {
	msgs, ok := payload.([]map[string]any)
	if !ok {
		return fmt.Errorf("whatsapp: unexpected payload %T", payload)
	}
	for _, msg := range msgs {
		body := map[string]any{
			"messaging_product": "whatsapp",
			"recipient_type":    "individual",
			"to":                conv.ChatID,
		}
		for k, v := range msg {
			body[k] = v
		}
		if err := postJSON(ctx, w.client, "whatsapp", w.messagesURL(ch), ch.Token, body, nil); err != nil {
			return err
		}
	}
	return nil
}

func (w *WhatsApp) BeforeChannelCreated(_ context.Context, ch *domain.Channel) error {
	if ch.Token == "" || ch.PhoneNumber == "" {
		return domain.BadRequest("whatsapp channel requires an access token and a phone number id")
	}
	return nil
}

func (w *WhatsApp) messagesURL(ch *domain.Channel) string {
	return fmt.Sprintf("%s/%s/messages", w.apiBase, ch.PhoneNumber)
}

// waButtons builds a reply-button interactive message. WhatsApp allows at
// most three buttons; titles are truncated to 20 characters.
func waButtons(body, imageURL string, buttons []domain.Button) map[string]any {
	if len(buttons) > whatsappMaxButton {
		buttons = buttons[:whatsappMaxButton]
	}
	replies := make([]map[string]any, 0, len(buttons))
	for _, b := range buttons {
		replies = append(replies, map[string]any{
			"type":  "reply",
			"reply": map[string]string{"id": b.Value, "title": truncate(b.Title, 20)},
		})
	}
	interactive := map[string]any{
		"type":   "button",
		"body":   map[string]string{"text": body},
		"action": map[string]any{"buttons": replies},
	}
	if imageURL != "" {
		interactive["header"] = map[string]any{"type": "image", "image": map[string]string{"link": imageURL}}
	}
	if len(replies) == 0 {
		return map[string]any{"type": "text", "text": map[string]any{"body": body}}
	}
	return map[string]any{"type": "interactive", "interactive": interactive}
}

func waList(cards []domain.CardContent) map[string]any {
	rows := make([]map[string]string, 0, len(cards))
	for _, c := range cards {
		id := c.Title
		if len(c.Buttons) > 0 {
			id = c.Buttons[0].Value
		}
		rows = append(rows, map[string]string{
			"id":          id,
			"title":       truncate(c.Title, 24),
			"description": truncate(c.Subtitle, 72),
		})
	}
	return map[string]any{"type": "interactive", "interactive": map[string]any{
		"type": "list",
		"body": map[string]string{"text": "Choose an option"},
		"action": map[string]any{
			"button":   "Options",
			"sections": []map[string]any{{"rows": rows}},
		},
	}}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
