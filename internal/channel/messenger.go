package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"chatgate/internal/domain"
)

const messengerGraphURL = "https://graph.facebook.com/v21.0"

// MessengerConfig configures the Facebook Messenger adapter.
type MessengerConfig struct {
	Logger   *slog.Logger
	Client   *http.Client
	GraphURL string // default: Graph API v21.0
}

// Messenger implements Adapter for Facebook Messenger. The channel's Token
// is the page access token, AppSecret signs webhooks and WebhookToken
// answers the subscription challenge.
type Messenger struct {
	Base
	logger   *slog.Logger
	client   *http.Client
	graphURL string
}

func NewMessenger(cfg MessengerConfig) *Messenger {
	if cfg.GraphURL == "" {
		cfg.GraphURL = messengerGraphURL
	}
	if cfg.Client == nil {
		cfg.Client = SharedHTTPClient(0)
	}
	return &Messenger{logger: cfg.Logger, client: cfg.Client, graphURL: strings.TrimSuffix(cfg.GraphURL, "/")}
}

func (m *Messenger) Type() string { return "messenger" }

// HandleSubscription answers the hub.challenge verification.
func (m *Messenger) HandleSubscription(w http.ResponseWriter, req *Request, ch *domain.Channel) error {
	return verifyHubChallenge(w, req, ch.WebhookToken)
}

func (m *Messenger) AuthenticateWebhookRequest(req *Request, ch *domain.Channel) error {
	if ch.AppSecret == "" {
		return nil
	}
	if !verifyHMAC(req.Body, ch.AppSecret, req.Header("X-Hub-Signature-256")) {
		return domain.Forbidden("invalid messenger signature")
	}
	return nil
}

// --- Messenger webhook payload types ---

type fbPayload struct {
	Object string    `json:"object"`
	Entry  []fbEntry `json:"entry"`
}

type fbEntry struct {
	ID        string        `json:"id"`
	Messaging []fbMessaging `json:"messaging"`
}

type fbMessaging struct {
	Sender    fbID        `json:"sender"`
	Recipient fbID        `json:"recipient"`
	Message   *fbMessage  `json:"message,omitempty"`
	Postback  *fbPostback `json:"postback,omitempty"`
}

type fbID struct {
	ID string `json:"id"`
}

type fbMessage struct {
	MID         string          `json:"mid"`
	Text        string          `json:"text"`
	IsEcho      bool            `json:"is_echo"`
	QuickReply  *fbQuickReply   `json:"quick_reply,omitempty"`
	Attachments []fbAttachment `json:"attachments,omitempty"`
}

type fbQuickReply struct {
	Payload string `json:"payload"`
}

type fbPostback struct {
	Title   string `json:"title"`
	Payload string `json:"payload"`
}

type fbAttachment struct {
	Type    string `json:"type"`
	Payload struct {
		URL string `json:"url"`
	} `json:"payload"`
}

func (m *Messenger) PopulateMessageContext(req *Request, _ *domain.Channel) (*MessageContext, error) {
	var p fbPayload
	if err := json.Unmarshal(req.Body, &p); err != nil {
		return nil, domain.BadRequest("invalid messenger payload: %v", err)
	}
	if len(p.Entry) == 0 || len(p.Entry[0].Messaging) == 0 {
		return nil, domain.BadRequest("messenger payload has no messaging event")
	}
	ev := p.Entry[0].Messaging[0]

	// Echoes are sent by the page, so the user is the recipient.
	chatID := ev.Sender.ID
	if ev.Message != nil && ev.Message.IsEcho {
		chatID = ev.Recipient.ID
	}
	return requireIDs(&MessageContext{
		ChatID:    chatID,
		SenderID:  ev.Sender.ID,
		Mentioned: true,
		Event:     &ev,
	})
}

func (m *Messenger) ParseIncomingMessage(_ context.Context, _ *domain.Conversation, _ *Request, mctx *MessageContext) (ParseOutcome, error) {
	ev := mctx.Event.(*fbMessaging)

	if ev.Postback != nil {
		att := domain.TextAttachment(ev.Postback.Payload)
		att.Postback = true
		return ForwardAttachment(att), nil
	}
	msg := ev.Message
	if msg == nil || msg.IsEcho {
		return Suppress(), nil
	}
	if msg.QuickReply != nil {
		att := domain.TextAttachment(msg.QuickReply.Payload)
		att.Postback = true
		return ForwardAttachment(att), nil
	}
	if len(msg.Attachments) > 0 {
		a := msg.Attachments[0]
		typ := map[string]string{
			"image": domain.AttachmentPicture,
			"video": domain.AttachmentVideo,
			"audio": domain.AttachmentAudio,
			"file":  domain.AttachmentFile,
		}[a.Type]
		if typ == "" {
			return Suppress(), nil
		}
		return ForwardAttachment(domain.StringAttachment(typ, a.Payload.URL)), nil
	}
	if msg.Text == "" {
		return Suppress(), nil
	}
	return ForwardAttachment(domain.TextAttachment(msg.Text)), nil
}

func (m *Messenger) OnIsTyping(ctx context.Context, ch *domain.Channel, conv *domain.Conversation, _ *MessageContext) error {
	return m.post(ctx, ch, map[string]any{
		"recipient":     fbID{ID: conv.ChatID},
		"sender_action": "typing_on",
	})
}

// PopulateParticipantData fetches the user's public profile.
func (m *Messenger) PopulateParticipantData(ctx context.Context, ch *domain.Channel, p *domain.Participant, _ *MessageContext) error {
	var profile struct {
		FirstName  string `json:"first_name"`
		LastName   string `json:"last_name"`
		ProfilePic string `json:"profile_pic"`
	}
	u := fmt.Sprintf("%s/%s?fields=first_name,last_name,profile_pic&access_token=%s",
		m.graphURL, url.PathEscape(p.SenderID), url.QueryEscape(ch.Token))
	if err := getJSON(ctx, m.client, "messenger", u, "", &profile); err != nil {
		return err
	}
	p.Data = domain.JSONMap{
		"first_name":  profile.FirstName,
		"last_name":   profile.LastName,
		"profile_pic": profile.ProfilePic,
	}
	p.DisplayName = strings.TrimSpace(profile.FirstName + " " + profile.LastName)
	return nil
}

func (m *Messenger) FormatOutgoingMessage(_ *domain.Conversation, att domain.Attachment, _ *MessageContext) (any, error) {
	switch att.Type {
	case domain.AttachmentText:
		text, _ := att.String()
		return map[string]any{"text": text}, nil

	case domain.AttachmentPicture, domain.AttachmentVideo, domain.AttachmentAudio, domain.AttachmentFile:
		u, ok := att.String()
		if !ok {
			return nil, domain.BadRequest("%s content must be a URL", att.Type)
		}
		typ := att.Type
		if typ == domain.AttachmentPicture {
			typ = "image"
		}
		return map[string]any{"attachment": map[string]any{
			"type":    typ,
			"payload": map[string]any{"url": u, "is_reusable": true},
		}}, nil

	case domain.AttachmentQuickReplies:
		var c domain.QuickRepliesContent
		if err := att.Decode(&c); err != nil {
			return nil, err
		}
		replies := make([]map[string]string, 0, len(c.Buttons))
		for _, b := range c.Buttons {
			replies = append(replies, map[string]string{"content_type": "text", "title": b.Title, "payload": b.Value})
		}
		return map[string]any{"text": c.Title, "quick_replies": replies}, nil

	case domain.AttachmentButtons:
		var c domain.ButtonsContent
		if err := att.Decode(&c); err != nil {
			return nil, err
		}
		return fbTemplate(map[string]any{
			"template_type": "button",
			"text":          c.Title,
			"buttons":       fbButtons(c.Buttons),
		}), nil

	case domain.AttachmentCard:
		var c domain.CardContent
		if err := att.Decode(&c); err != nil {
			return nil, err
		}
		return fbGeneric([]domain.CardContent{c}), nil

	case domain.AttachmentCarousel:
		var cards []domain.CardContent
		if err := att.Decode(&cards); err != nil {
			return nil, err
		}
		return fbGeneric(cards), nil

	case domain.AttachmentList:
		var l domain.ListContent
		if err := att.Decode(&l); err != nil {
			return nil, err
		}
		return fbGeneric(l.Elements), nil
	}
	return nil, unsupported("messenger", att.Type)
}

func (m *Messenger) SendMessage(ctx context.Context, ch *domain.Channel, conv *domain.Conversation, payload any) error {
	return m.post(ctx, ch, map[string]any{
		"recipient":      fbID{ID: conv.ChatID},
		"messaging_type": "RESPONSE",
		"message":        payload,
	})
}

func (m *Messenger) post(ctx context.Context, ch *domain.Channel, body any) error {
	u := m.graphURL + "/me/messages?access_token=" + url.QueryEscape(ch.Token)
	return postJSON(ctx, m.client, "messenger", u, "", body, nil)
}

func fbTemplate(payload map[string]any) map[string]any {
	return map[string]any{"attachment": map[string]any{"type": "template", "payload": payload}}
}

func fbGeneric(cards []domain.CardContent) map[string]any {
	elements := make([]map[string]any, 0, len(cards))
	for _, c := range cards {
		el := map[string]any{"title": c.Title}
		if c.Subtitle != "" {
			el["subtitle"] = c.Subtitle
		}
		if c.ImageURL != "" {
			el["image_url"] = c.ImageURL
		}
		if len(c.Buttons) > 0 {
			el["buttons"] = fbButtons(c.Buttons)
		}
		elements = append(elements, el)
	}
	return fbTemplate(map[string]any{"template_type": "generic", "elements": elements})
}

func fbButtons(buttons []domain.Button) []map[string]string {
	out := make([]map[string]string, 0, len(buttons))
	for _, b := range buttons {
		switch b.Type {
		case "web_url":
			out = append(out, map[string]string{"type": "web_url", "title": b.Title, "url": b.Value})
		case "phonenumber":
			out = append(out, map[string]string{"type": "phone_number", "title": b.Title, "payload": b.Value})
		default:
			out = append(out, map[string]string{"type": "postback", "title": b.Title, "payload": b.Value})
		}
	}
	return out
}

// verifyHubChallenge implements the Meta webhook subscription handshake
// shared by Messenger and WhatsApp.
func verifyHubChallenge(w http.ResponseWriter, req *Request, verifyToken string) error {
	q := req.Query()
	if q.Get("hub.mode") != "subscribe" || verifyToken == "" || q.Get("hub.verify_token") != verifyToken {
		return domain.Forbidden("webhook verification failed")
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, html.EscapeString(q.Get("hub.challenge")))
	return nil
}
