package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"

	"chatgate/internal/domain"
)

const telegramMaxMsgLen = 4000

// TelegramConfig configures the Telegram adapter.
type TelegramConfig struct {
	Logger      *slog.Logger
	Client      *http.Client
	APIEndpoint string // default: tgbotapi.APIEndpoint
}

// Telegram implements Adapter for Telegram bots in webhook mode. The
// channel's Token is the bot token and WebhookToken the secret Telegram
// echoes in X-Telegram-Bot-Api-Secret-Token.
type Telegram struct {
	Base
	logger   *slog.Logger
	client   *http.Client
	endpoint string
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = tgbotapi.APIEndpoint
	}
	if cfg.Client == nil {
		cfg.Client = SharedHTTPClient(0)
	}
	return &Telegram{logger: cfg.Logger, client: cfg.Client, endpoint: cfg.APIEndpoint}
}

func (t *Telegram) Type() string { return "telegram" }

// bot builds a client without the getMe round trip NewBotAPI performs.
func (t *Telegram) bot(ch *domain.Channel) *tgbotapi.BotAPI {
	bot := &tgbotapi.BotAPI{Token: ch.Token, Client: t.client, Buffer: 100}
	bot.SetAPIEndpoint(t.endpoint)
	return bot
}

func (t *Telegram) AuthenticateWebhookRequest(req *Request, ch *domain.Channel) error {
	if ch.WebhookToken == "" {
		return nil
	}
	if req.Header("X-Telegram-Bot-Api-Secret-Token") != ch.WebhookToken {
		return domain.Forbidden("invalid telegram secret token")
	}
	return nil
}

func (t *Telegram) PopulateMessageContext(req *Request, _ *domain.Channel) (*MessageContext, error) {
	var update tgbotapi.Update
	if err := json.Unmarshal(req.Body, &update); err != nil {
		return nil, domain.BadRequest("invalid telegram update: %v", err)
	}

	msg, from := update.Message, (*tgbotapi.User)(nil)
	if msg != nil {
		from = msg.From
	}
	if cq := update.CallbackQuery; cq != nil {
		msg, from = cq.Message, cq.From
	}
	if msg == nil || msg.Chat == nil || from == nil {
		return nil, domain.BadRequest("telegram update carries no message")
	}

	mentioned := msg.Chat.IsPrivate() || update.CallbackQuery != nil
	for _, e := range msg.Entities {
		if e.IsMention() {
			mentioned = true
		}
	}
	return requireIDs(&MessageContext{
		ChatID:    strconv.FormatInt(msg.Chat.ID, 10),
		SenderID:  strconv.FormatInt(from.ID, 10),
		Mentioned: mentioned,
		Event:     &update,
	})
}

func (t *Telegram) ParseIncomingMessage(_ context.Context, _ *domain.Conversation, _ *Request, mctx *MessageContext) (ParseOutcome, error) {
	update := mctx.Event.(*tgbotapi.Update)

	if cq := update.CallbackQuery; cq != nil {
		if cq.From.IsBot {
			return Suppress(), nil
		}
		att := domain.TextAttachment(cq.Data)
		att.Postback = true
		return ForwardAttachment(att), nil
	}

	msg := update.Message
	if msg.From.IsBot {
		return Suppress(), nil
	}

	var fileID, typ string
	switch {
	case len(msg.Photo) > 0:
		fileID, typ = msg.Photo[len(msg.Photo)-1].FileID, domain.AttachmentPicture
	case msg.Video != nil:
		fileID, typ = msg.Video.FileID, domain.AttachmentVideo
	case msg.Audio != nil:
		fileID, typ = msg.Audio.FileID, domain.AttachmentAudio
	case msg.Voice != nil:
		fileID, typ = msg.Voice.FileID, domain.AttachmentAudio
	case msg.Document != nil:
		fileID, typ = msg.Document.FileID, domain.AttachmentFile
	}
	if fileID != "" {
		u, err := t.bot(mctx.Channel).GetFileDirectURL(fileID)
		if err != nil {
			return ParseOutcome{}, domain.ServiceError("telegram getFile failed", err)
		}
		return ForwardAttachment(domain.StringAttachment(typ, u)), nil
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return Suppress(), nil
	}
	return ForwardAttachment(domain.TextAttachment(text)), nil
}

func (t *Telegram) OnIsTyping(_ context.Context, ch *domain.Channel, conv *domain.Conversation, _ *MessageContext) error {
	chatID, err := strconv.ParseInt(conv.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", conv.ChatID, err)
	}
	_, err = t.bot(ch).Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))
	return err
}

func (t *Telegram) PopulateParticipantData(_ context.Context, _ *domain.Channel, p *domain.Participant, mctx *MessageContext) error {
	update, ok := mctx.Event.(*tgbotapi.Update)
	if !ok {
		return nil
	}
	from := telegramSender(update)
	if from == nil {
		return nil
	}
	p.Data = domain.JSONMap{
		"first_name":    from.FirstName,
		"last_name":     from.LastName,
		"username":      from.UserName,
		"language_code": from.LanguageCode,
	}
	p.DisplayName = strings.TrimSpace(from.FirstName + " " + from.LastName)
	return nil
}

func (t *Telegram) FormatOutgoingMessage(conv *domain.Conversation, att domain.Attachment, _ *MessageContext) (any, error) {
	chatID, err := strconv.ParseInt(conv.ChatID, 10, 64)
	if err != nil {
		return nil, domain.BadRequest("invalid telegram chat id %q", conv.ChatID)
	}
	parseMode := ""
	if att.Markdown {
		parseMode = tgbotapi.ModeMarkdown
	}

	switch att.Type {
	case domain.AttachmentText:
		text, _ := att.String()
		var out []tgbotapi.Chattable
		for _, chunk := range splitMessage(text, telegramMaxMsgLen) {
			msg := tgbotapi.NewMessage(chatID, chunk)
			msg.ParseMode = parseMode
			out = append(out, msg)
		}
		return out, nil

	case domain.AttachmentPicture, domain.AttachmentVideo, domain.AttachmentAudio, domain.AttachmentFile:
		u, ok := att.String()
		if !ok {
			return nil, domain.BadRequest("%s content must be a URL", att.Type)
		}
		file := tgbotapi.FileURL(u)
		switch att.Type {
		case domain.AttachmentPicture:
			return []tgbotapi.Chattable{tgbotapi.NewPhoto(chatID, file)}, nil
		case domain.AttachmentVideo:
			return []tgbotapi.Chattable{tgbotapi.NewVideo(chatID, file)}, nil
		case domain.AttachmentAudio:
			return []tgbotapi.Chattable{tgbotapi.NewAudio(chatID, file)}, nil
		default:
			return []tgbotapi.Chattable{tgbotapi.NewDocument(chatID, file)}, nil
		}

	case domain.AttachmentQuickReplies, domain.AttachmentButtons:
		var c domain.ButtonsContent
		if err := att.Decode(&c); err != nil {
			return nil, err
		}
		msg := tgbotapi.NewMessage(chatID, c.Title)
		msg.ParseMode = parseMode
		if len(c.Buttons) > 0 {
			msg.ReplyMarkup = tgKeyboard(c.Buttons)
		}
		return []tgbotapi.Chattable{msg}, nil

	case domain.AttachmentCard:
		var c domain.CardContent
		if err := att.Decode(&c); err != nil {
			return nil, err
		}
		return []tgbotapi.Chattable{tgCard(chatID, c)}, nil

	case domain.AttachmentCarousel:
		var cards []domain.CardContent
		if err := att.Decode(&cards); err != nil {
			return nil, err
		}
		out := make([]tgbotapi.Chattable, 0, len(cards))
		for _, c := range cards {
			out = append(out, tgCard(chatID, c))
		}
		return out, nil

	case domain.AttachmentList:
		text, err := plainText(att)
		if err != nil {
			return nil, err
		}
		return []tgbotapi.Chattable{tgbotapi.NewMessage(chatID, text)}, nil
	}
	return nil, unsupported("telegram", att.Type)
}

func (t *Telegram) SendMessage(_ context.Context, ch *domain.Channel, conv *domain.Conversation, payload any) error {
	msgs, ok := payload.([]tgbotapi.Chattable)
	if !ok {
		return fmt.Errorf("telegram: unexpected payload %T", payload)
	}
	bot := t.bot(ch)
	for _, c := range msgs {
		_, err := bot.Send(c)
		if err == nil {
			continue
		}
		// Markdown parse error: resend the same text without a parse mode.
		if m, isText := c.(tgbotapi.MessageConfig); isText && m.ParseMode != "" &&
			strings.Contains(err.Error(), "can't parse entities") {
			t.logger.Warn("telegram markdown parse error, retrying as plain text", "chat", conv.ChatID, "err", err)
			m.ParseMode = ""
			if _, err = bot.Send(m); err == nil {
				continue
			}
		}
		return domain.ServiceError("telegram send failed", err)
	}
	return nil
}

// BeforeChannelCreated issues the webhook secret token.
func (t *Telegram) BeforeChannelCreated(_ context.Context, ch *domain.Channel) error {
	if ch.Token == "" {
		return domain.BadRequest("telegram channel requires a bot token")
	}
	if ch.WebhookToken == "" {
		ch.WebhookToken = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	return nil
}

func (t *Telegram) AfterChannelCreated(ctx context.Context, ch *domain.Channel) error {
	return t.setWebhook(ch)
}

func (t *Telegram) AfterChannelUpdated(ctx context.Context, ch *domain.Channel) error {
	return t.setWebhook(ch)
}

func (t *Telegram) BeforeChannelDeleted(_ context.Context, ch *domain.Channel) error {
	if _, err := t.bot(ch).Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		return domain.ServiceError("telegram deleteWebhook failed", err)
	}
	return nil
}

func (t *Telegram) setWebhook(ch *domain.Channel) error {
	if ch.WebhookURL == "" {
		return nil
	}
	params := tgbotapi.Params{"url": ch.WebhookURL}
	if ch.WebhookToken != "" {
		params["secret_token"] = ch.WebhookToken
	}
	if _, err := t.bot(ch).MakeRequest("setWebhook", params); err != nil {
		return domain.ServiceError("telegram setWebhook failed", err)
	}
	t.logger.Info("telegram webhook registered", "channel", ch.ID, "url", ch.WebhookURL)
	return nil
}

func telegramSender(update *tgbotapi.Update) *tgbotapi.User {
	if update.CallbackQuery != nil {
		return update.CallbackQuery.From
	}
	if update.Message != nil {
		return update.Message.From
	}
	return nil
}

func tgKeyboard(buttons []domain.Button) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(buttons))
	for _, b := range buttons {
		var btn tgbotapi.InlineKeyboardButton
		if b.Type == "web_url" {
			btn = tgbotapi.NewInlineKeyboardButtonURL(b.Title, b.Value)
		} else {
			btn = tgbotapi.NewInlineKeyboardButtonData(b.Title, b.Value)
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(btn))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func tgCard(chatID int64, c domain.CardContent) tgbotapi.Chattable {
	caption := c.Title
	if c.Subtitle != "" {
		caption += "\n" + c.Subtitle
	}
	if c.ImageURL != "" {
		photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(c.ImageURL))
		photo.Caption = caption
		if len(c.Buttons) > 0 {
			photo.ReplyMarkup = tgKeyboard(c.Buttons)
		}
		return photo
	}
	msg := tgbotapi.NewMessage(chatID, caption)
	if len(c.Buttons) > 0 {
		msg.ReplyMarkup = tgKeyboard(c.Buttons)
	}
	return msg
}
