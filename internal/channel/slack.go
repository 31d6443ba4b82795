package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"chatgate/internal/domain"
)

const slackMaxMsgLen = 4000

// SlackConfig configures the Slack adapter.
type SlackConfig struct {
	Logger *slog.Logger
	Client *http.Client
	APIURL string // default: slack.APIURL
}

// Slack implements Adapter for the Slack Events API. The channel's Token is
// the bot token and AppSecret the signing secret.
type Slack struct {
	Base
	logger *slog.Logger
	client *http.Client
	apiURL string
}

func NewSlack(cfg SlackConfig) *Slack {
	if cfg.APIURL == "" {
		cfg.APIURL = slack.APIURL
	}
	if !strings.HasSuffix(cfg.APIURL, "/") {
		cfg.APIURL += "/"
	}
	if cfg.Client == nil {
		cfg.Client = SharedHTTPClient(0)
	}
	return &Slack{logger: cfg.Logger, client: cfg.Client, apiURL: cfg.APIURL}
}

func (s *Slack) Type() string { return "slack" }

// AcknowledgeEarly: Slack drops events not answered within three seconds.
func (s *Slack) AcknowledgeEarly() bool { return true }

func (s *Slack) api(ch *domain.Channel) *slack.Client {
	return slack.New(ch.Token, slack.OptionHTTPClient(s.client), slack.OptionAPIURL(s.apiURL))
}

func (s *Slack) AuthenticateWebhookRequest(req *Request, ch *domain.Channel) error {
	if ch.AppSecret == "" {
		return domain.Forbidden("slack channel has no signing secret")
	}
	sv, err := slack.NewSecretsVerifier(req.HTTP.Header, ch.AppSecret)
	if err != nil {
		return domain.Forbidden("invalid slack signature headers: %v", err)
	}
	if _, err := sv.Write(req.Body); err != nil {
		return fmt.Errorf("slack verifier: %w", err)
	}
	if err := sv.Ensure(); err != nil {
		return domain.Forbidden("invalid slack signature")
	}
	return nil
}

func (s *Slack) IsSubscription(req *Request) bool {
	var probe struct {
		Type string `json:"type"`
	}
	return json.Unmarshal(req.Body, &probe) == nil && probe.Type == slackevents.URLVerification
}

func (s *Slack) HandleSubscription(w http.ResponseWriter, req *Request, _ *domain.Channel) error {
	var v slackevents.ChallengeResponse
	if err := json.Unmarshal(req.Body, &v); err != nil || v.Challenge == "" {
		return domain.BadRequest("invalid slack url_verification payload")
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, err := w.Write([]byte(v.Challenge))
	return err
}

// slackEvent is the subset of message and app_mention events we use.
type slackEvent struct {
	User        string
	Text        string
	BotID       string
	SubType     string
	ChannelType string
	Postback    bool
}

func (s *Slack) PopulateMessageContext(req *Request, _ *domain.Channel) (*MessageContext, error) {
	// Interactive components arrive form-encoded with a JSON payload field.
	if strings.HasPrefix(req.Header("Content-Type"), "application/x-www-form-urlencoded") {
		return s.populateInteraction(req)
	}

	outer, err := slackevents.ParseEvent(json.RawMessage(req.Body), slackevents.OptionNoVerifyToken())
	if err != nil {
		return nil, domain.BadRequest("invalid slack event: %v", err)
	}
	if outer.Type != slackevents.CallbackEvent {
		return nil, domain.BadRequest("unsupported slack event type %q", outer.Type)
	}

	mctx := &MessageContext{}
	switch ev := outer.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		mctx.ChatID, mctx.SenderID = ev.Channel, ev.User
		mctx.Mentioned = ev.ChannelType == "im"
		mctx.Event = &slackEvent{User: ev.User, Text: ev.Text, BotID: ev.BotID, SubType: ev.SubType, ChannelType: ev.ChannelType}
		// Bot messages have no user; key them on the bot so the loop guard sees them.
		if mctx.SenderID == "" {
			mctx.SenderID = ev.BotID
		}
	case *slackevents.AppMentionEvent:
		mctx.ChatID, mctx.SenderID = ev.Channel, ev.User
		mctx.Mentioned = true
		mctx.Event = &slackEvent{User: ev.User, Text: ev.Text, BotID: ev.BotID}
		if mctx.SenderID == "" {
			mctx.SenderID = ev.BotID
		}
	default:
		return nil, domain.BadRequest("unsupported slack inner event %q", outer.InnerEvent.Type)
	}
	return requireIDs(mctx)
}

func (s *Slack) populateInteraction(req *Request) (*MessageContext, error) {
	form, err := req.Form()
	if err != nil {
		return nil, domain.BadRequest("invalid slack interaction form: %v", err)
	}
	var cb slack.InteractionCallback
	if err := json.Unmarshal([]byte(form.Get("payload")), &cb); err != nil {
		return nil, domain.BadRequest("invalid slack interaction payload: %v", err)
	}
	if len(cb.ActionCallback.BlockActions) == 0 {
		return nil, domain.BadRequest("slack interaction has no action")
	}
	return requireIDs(&MessageContext{
		ChatID:    cb.Channel.ID,
		SenderID:  cb.User.ID,
		Mentioned: true,
		Event:     &slackEvent{User: cb.User.ID, Text: cb.ActionCallback.BlockActions[0].Value, Postback: true},
	})
}

func (s *Slack) ParseIncomingMessage(_ context.Context, _ *domain.Conversation, req *Request, mctx *MessageContext) (ParseOutcome, error) {
	ev := mctx.Event.(*slackEvent)
	// Our early ack makes retries duplicates.
	if req.Header("X-Slack-Retry-Num") != "" {
		return Suppress(), nil
	}
	if ev.BotID != "" || ev.SubType != "" {
		return Suppress(), nil
	}
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return Suppress(), nil
	}
	att := domain.TextAttachment(text)
	att.Postback = ev.Postback
	return ForwardAttachment(att), nil
}

func (s *Slack) PopulateParticipantData(ctx context.Context, ch *domain.Channel, p *domain.Participant, _ *MessageContext) error {
	user, err := s.api(ch).GetUserInfoContext(ctx, p.SenderID)
	if err != nil {
		return domain.ServiceError("slack users.info failed", err)
	}
	p.IsBot = user.IsBot
	p.Data = domain.JSONMap{
		"name":      user.Name,
		"real_name": user.RealName,
		"tz":        user.TZ,
		"image":     user.Profile.Image72,
	}
	p.DisplayName = user.Profile.DisplayName
	if p.DisplayName == "" {
		p.DisplayName = user.RealName
	}
	return nil
}

func (s *Slack) FormatOutgoingMessage(_ *domain.Conversation, att domain.Attachment, _ *MessageContext) (any, error) {
	switch att.Type {
	case domain.AttachmentText:
		text, _ := att.String()
		var out [][]slack.MsgOption
		for _, chunk := range splitMessage(text, slackMaxMsgLen) {
			out = append(out, []slack.MsgOption{slack.MsgOptionText(chunk, false)})
		}
		return out, nil

	case domain.AttachmentPicture:
		u, ok := att.String()
		if !ok {
			return nil, domain.BadRequest("picture content must be a URL")
		}
		return [][]slack.MsgOption{{
			slack.MsgOptionText(u, false),
			slack.MsgOptionBlocks(slack.NewImageBlock(u, "image", "", nil)),
		}}, nil

	case domain.AttachmentVideo, domain.AttachmentAudio, domain.AttachmentFile:
		u, ok := att.String()
		if !ok {
			return nil, domain.BadRequest("%s content must be a URL", att.Type)
		}
		return [][]slack.MsgOption{{slack.MsgOptionText(u, false)}}, nil

	case domain.AttachmentQuickReplies, domain.AttachmentButtons:
		var c domain.ButtonsContent
		if err := att.Decode(&c); err != nil {
			return nil, err
		}
		blocks := []slack.Block{slackSection(c.Title)}
		if len(c.Buttons) > 0 {
			blocks = append(blocks, slackActions(c.Buttons))
		}
		return [][]slack.MsgOption{{slack.MsgOptionText(c.Title, false), slack.MsgOptionBlocks(blocks...)}}, nil

	case domain.AttachmentCard:
		var c domain.CardContent
		if err := att.Decode(&c); err != nil {
			return nil, err
		}
		return [][]slack.MsgOption{slackCard(c)}, nil

	case domain.AttachmentCarousel:
		var cards []domain.CardContent
		if err := att.Decode(&cards); err != nil {
			return nil, err
		}
		out := make([][]slack.MsgOption, 0, len(cards))
		for _, c := range cards {
			out = append(out, slackCard(c))
		}
		return out, nil

	case domain.AttachmentList:
		text, err := plainText(att)
		if err != nil {
			return nil, err
		}
		return [][]slack.MsgOption{{slack.MsgOptionText(text, false)}}, nil
	}
	return nil, unsupported("slack", att.Type)
}

func (s *Slack) SendMessage(ctx context.Context, ch *domain.Channel, conv *domain.Conversation, payload any) error {
	msgs, ok := payload.([][]slack.MsgOption)
	if !ok {
		return fmt.Errorf("slack: unexpected payload %T", payload)
	}
	api := s.api(ch)
	for _, opts := range msgs {
		if _, _, err := api.PostMessageContext(ctx, conv.ChatID, opts...); err != nil {
			return domain.ServiceError("slack chat.postMessage failed", err)
		}
	}
	return nil
}

// BeforeChannelCreated checks the bot token and records the bot identity.
func (s *Slack) BeforeChannelCreated(ctx context.Context, ch *domain.Channel) error {
	if ch.Token == "" || ch.AppSecret == "" {
		return domain.BadRequest("slack channel requires a bot token and a signing secret")
	}
	resp, err := s.api(ch).AuthTestContext(ctx)
	if err != nil {
		return domain.BadRequest("invalid slack bot token: %v", err)
	}
	ch.AppID = resp.BotID
	ch.ClientID = resp.UserID
	s.logger.Info("slack bot verified", "team", resp.Team, "bot_id", resp.BotID)
	return nil
}

func slackSection(text string) *slack.SectionBlock {
	return slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil)
}

func slackActions(buttons []domain.Button) *slack.ActionBlock {
	elements := make([]slack.BlockElement, 0, len(buttons))
	for i, b := range buttons {
		btn := slack.NewButtonBlockElement(fmt.Sprintf("button_%d", i), b.Value,
			slack.NewTextBlockObject(slack.PlainTextType, b.Title, false, false))
		if b.Type == "web_url" {
			btn.URL = b.Value
		}
		elements = append(elements, btn)
	}
	return slack.NewActionBlock("", elements...)
}

func slackCard(c domain.CardContent) []slack.MsgOption {
	text := "*" + c.Title + "*"
	if c.Subtitle != "" {
		text += "\n" + c.Subtitle
	}
	var accessory *slack.Accessory
	if c.ImageURL != "" {
		accessory = slack.NewAccessory(slack.NewImageBlockElement(c.ImageURL, c.Title))
	}
	blocks := []slack.Block{
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, accessory),
	}
	if len(c.Buttons) > 0 {
		blocks = append(blocks, slackActions(c.Buttons))
	}
	return []slack.MsgOption{slack.MsgOptionText(c.Title, false), slack.MsgOptionBlocks(blocks...)}
}
