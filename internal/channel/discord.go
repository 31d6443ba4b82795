package channel

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/bwmarrin/discordgo"

	"chatgate/internal/domain"
)

const (
	discordMaxMsgLen = 2000
	discordMaxEmbeds = 10
)

// DiscordConfig configures the Discord adapter.
type DiscordConfig struct {
	Logger *slog.Logger
	Client *http.Client
}

// Discord implements Adapter for Discord interactions (slash commands and
// message components) delivered to an outgoing webhook. The channel's Token
// is the bot token, AppID the application id and WebhookToken the
// application's hex-encoded Ed25519 public key.
type Discord struct {
	Base
	logger *slog.Logger
	client *http.Client
}

func NewDiscord(cfg DiscordConfig) *Discord {
	if cfg.Client == nil {
		cfg.Client = SharedHTTPClient(0)
	}
	return &Discord{logger: cfg.Logger, client: cfg.Client}
}

func (d *Discord) Type() string { return "discord" }

// AcknowledgeEarly: interactions must be answered within three seconds;
// replies follow as follow-up messages.
func (d *Discord) AcknowledgeEarly() bool { return true }

func (d *Discord) session(ch *domain.Channel) (*discordgo.Session, error) {
	s, err := discordgo.New("Bot " + ch.Token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	s.Client = d.client
	return s, nil
}

func discordPublicKey(ch *domain.Channel) (ed25519.PublicKey, error) {
	key, err := hex.DecodeString(ch.WebhookToken)
	if err != nil || len(key) != ed25519.PublicKeySize {
		return nil, domain.BadRequest("discord public key must be %d hex-encoded bytes", ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(key), nil
}

func (d *Discord) AuthenticateWebhookRequest(req *Request, ch *domain.Channel) error {
	key, err := discordPublicKey(ch)
	if err != nil {
		return domain.Forbidden("discord channel has no valid public key")
	}
	req.HTTP.Body = io.NopCloser(bytes.NewReader(req.Body))
	if !discordgo.VerifyInteraction(req.HTTP, key) {
		return domain.Forbidden("invalid discord signature")
	}
	return nil
}

func (d *Discord) IsSubscription(req *Request) bool {
	var probe struct {
		Type discordgo.InteractionType `json:"type"`
	}
	return json.Unmarshal(req.Body, &probe) == nil && probe.Type == discordgo.InteractionPing
}

// HandleSubscription answers PING with PONG.
func (d *Discord) HandleSubscription(w http.ResponseWriter, _ *Request, _ *domain.Channel) error {
	return writeJSON(w, http.StatusOK, discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong})
}

func (d *Discord) PopulateMessageContext(req *Request, _ *domain.Channel) (*MessageContext, error) {
	var i discordgo.Interaction
	if err := json.Unmarshal(req.Body, &i); err != nil {
		return nil, domain.BadRequest("invalid discord interaction: %v", err)
	}
	user := i.User
	if i.Member != nil && i.Member.User != nil {
		user = i.Member.User
	}
	mctx := &MessageContext{ChatID: i.ChannelID, Mentioned: true, Event: &i}
	if user != nil {
		mctx.SenderID = user.ID
	}
	mctx.SetField("interactionToken", i.Token)
	mctx.SetField("applicationId", i.AppID)
	return requireIDs(mctx)
}

// UpdateConversationContext keeps the latest interaction token: follow-ups
// for this conversation are posted through it.
func (d *Discord) UpdateConversationContext(conv *domain.Conversation, mctx *MessageContext) domain.StringMap {
	token := mctx.Field("interactionToken")
	if token == "" || conv.Context["interactionToken"] == token {
		return nil
	}
	return domain.StringMap{
		"interactionToken": token,
		"applicationId":    mctx.Field("applicationId"),
	}
}

func (d *Discord) ParseIncomingMessage(_ context.Context, _ *domain.Conversation, _ *Request, mctx *MessageContext) (ParseOutcome, error) {
	i := mctx.Event.(*discordgo.Interaction)
	if u := discordUser(i); u != nil && u.Bot {
		return Suppress(), nil
	}

	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		data := i.ApplicationCommandData()
		parts := make([]string, 0, len(data.Options))
		for _, opt := range data.Options {
			if opt.Type == discordgo.ApplicationCommandOptionString {
				parts = append(parts, opt.StringValue())
			}
		}
		text := strings.TrimSpace(strings.Join(parts, " "))
		if text == "" {
			text = "/" + data.Name
		}
		return ForwardAttachment(domain.TextAttachment(text)), nil

	case discordgo.InteractionMessageComponent:
		data := i.MessageComponentData()
		value := data.CustomID
		if len(data.Values) > 0 {
			value = data.Values[0]
		}
		att := domain.TextAttachment(value)
		att.Postback = true
		return ForwardAttachment(att), nil
	}
	return Suppress(), nil
}

func (d *Discord) PopulateParticipantData(_ context.Context, _ *domain.Channel, p *domain.Participant, mctx *MessageContext) error {
	i, ok := mctx.Event.(*discordgo.Interaction)
	if !ok {
		return nil
	}
	u := discordUser(i)
	if u == nil {
		return nil
	}
	p.IsBot = u.Bot
	p.Data = domain.JSONMap{"username": u.Username, "global_name": u.GlobalName, "avatar": u.Avatar}
	p.DisplayName = u.GlobalName
	if p.DisplayName == "" {
		p.DisplayName = u.Username
	}
	return nil
}

func (d *Discord) OnIsTyping(ctx context.Context, ch *domain.Channel, conv *domain.Conversation, _ *MessageContext) error {
	s, err := d.session(ch)
	if err != nil {
		return err
	}
	return s.ChannelTyping(conv.ChatID, discordgo.WithContext(ctx))
}

// FormatOutgoingMessage returns webhook params usable both as a follow-up
// and as a plain channel message.
func (d *Discord) FormatOutgoingMessage(_ *domain.Conversation, att domain.Attachment, _ *MessageContext) (any, error) {
	switch att.Type {
	case domain.AttachmentText:
		text, _ := att.String()
		var out []*discordgo.WebhookParams
		for _, chunk := range splitMessage(text, discordMaxMsgLen) {
			out = append(out, &discordgo.WebhookParams{Content: chunk})
		}
		return out, nil

	case domain.AttachmentPicture:
		u, ok := att.String()
		if !ok {
			return nil, domain.BadRequest("picture content must be a URL")
		}
		return []*discordgo.WebhookParams{{Embeds: []*discordgo.MessageEmbed{{Image: &discordgo.MessageEmbedImage{URL: u}}}}}, nil

	case domain.AttachmentVideo, domain.AttachmentAudio, domain.AttachmentFile:
		u, ok := att.String()
		if !ok {
			return nil, domain.BadRequest("%s content must be a URL", att.Type)
		}
		return []*discordgo.WebhookParams{{Content: u}}, nil

	case domain.AttachmentQuickReplies, domain.AttachmentButtons:
		var c domain.ButtonsContent
		if err := att.Decode(&c); err != nil {
			return nil, err
		}
		return []*discordgo.WebhookParams{{Content: c.Title, Components: discordButtons(c.Buttons)}}, nil

	case domain.AttachmentCard:
		var c domain.CardContent
		if err := att.Decode(&c); err != nil {
			return nil, err
		}
		return []*discordgo.WebhookParams{{Embeds: []*discordgo.MessageEmbed{discordEmbed(c)}, Components: discordButtons(c.Buttons)}}, nil

	case domain.AttachmentCarousel:
		var cards []domain.CardContent
		if err := att.Decode(&cards); err != nil {
			return nil, err
		}
		if len(cards) > discordMaxEmbeds {
			cards = cards[:discordMaxEmbeds]
		}
		embeds := make([]*discordgo.MessageEmbed, 0, len(cards))
		for _, c := range cards {
			embeds = append(embeds, discordEmbed(c))
		}
		return []*discordgo.WebhookParams{{Embeds: embeds}}, nil

	case domain.AttachmentList:
		var l domain.ListContent
		if err := att.Decode(&l); err != nil {
			return nil, err
		}
		embed := &discordgo.MessageEmbed{}
		for _, c := range l.Elements {
			embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: c.Title, Value: orDash(c.Subtitle)})
		}
		return []*discordgo.WebhookParams{{Embeds: []*discordgo.MessageEmbed{embed}, Components: discordButtons(l.Buttons)}}, nil
	}
	return nil, unsupported("discord", att.Type)
}

// SendMessage posts follow-ups on the conversation's interaction token and
// falls back to the channel when there is none.
func (d *Discord) SendMessage(ctx context.Context, ch *domain.Channel, conv *domain.Conversation, payload any) error {
	msgs, ok := payload.([]*discordgo.WebhookParams)
	if !ok {
		return fmt.Errorf("discord: unexpected payload %T", payload)
	}
	s, err := d.session(ch)
	if err != nil {
		return err
	}

	token := conv.Context["interactionToken"]
	appID := conv.Context["applicationId"]
	if appID == "" {
		appID = ch.AppID
	}
	for _, m := range msgs {
		if token != "" {
			_, err = s.FollowupMessageCreate(&discordgo.Interaction{AppID: appID, Token: token}, true, m, discordgo.WithContext(ctx))
		} else {
			_, err = s.ChannelMessageSendComplex(conv.ChatID, &discordgo.MessageSend{
				Content:    m.Content,
				Embeds:     m.Embeds,
				Components: m.Components,
			}, discordgo.WithContext(ctx))
		}
		if err != nil {
			return domain.ServiceError("discord send failed", err)
		}
	}
	return nil
}

// FinalizeWebhookRequest defers the interaction response; the bot's replies
// arrive as follow-ups.
func (d *Discord) FinalizeWebhookRequest(w http.ResponseWriter, _ *Request, _ *WebhookResult) error {
	return writeJSON(w, http.StatusOK, discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	})
}

func (d *Discord) BeforeChannelCreated(_ context.Context, ch *domain.Channel) error {
	if ch.Token == "" || ch.AppID == "" {
		return domain.BadRequest("discord channel requires a bot token and an application id")
	}
	_, err := discordPublicKey(ch)
	return err
}

func discordUser(i *discordgo.Interaction) *discordgo.User {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User
	}
	return i.User
}

func discordEmbed(c domain.CardContent) *discordgo.MessageEmbed {
	e := &discordgo.MessageEmbed{Title: c.Title, Description: c.Subtitle}
	if c.ImageURL != "" {
		e.Image = &discordgo.MessageEmbedImage{URL: c.ImageURL}
	}
	return e
}

func discordButtons(buttons []domain.Button) []discordgo.MessageComponent {
	if len(buttons) == 0 {
		return nil
	}
	// An action row holds at most five buttons.
	if len(buttons) > 5 {
		buttons = buttons[:5]
	}
	row := discordgo.ActionsRow{}
	for _, b := range buttons {
		if b.Type == "web_url" {
			row.Components = append(row.Components, discordgo.Button{Label: b.Title, Style: discordgo.LinkButton, URL: b.Value})
			continue
		}
		row.Components = append(row.Components, discordgo.Button{Label: b.Title, Style: discordgo.PrimaryButton, CustomID: b.Value})
	}
	return []discordgo.MessageComponent{row}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
