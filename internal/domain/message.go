package domain

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"math"
	"time"
)

// Canonical attachment types.
const (
	AttachmentText         = "text"
	AttachmentPicture      = "picture"
	AttachmentVideo        = "video"
	AttachmentAudio        = "audio"
	AttachmentFile         = "file"
	AttachmentCard         = "card"
	AttachmentQuickReplies = "quickReplies"
	AttachmentButtons      = "buttons"
	AttachmentCarousel     = "carousel"
	AttachmentList         = "list"
)

// MaxDelay is the upper bound, in seconds, of a per-message delay.
const MaxDelay = 5.0

// Attachment is the platform-neutral payload of a message. Content is kept
// raw: a string for text and media URLs, an object or array for rich types.
type Attachment struct {
	Type     string          `json:"type"`
	Content  json.RawMessage `json:"content"`
	Markdown bool            `json:"markdown,omitempty"`
	Postback bool            `json:"postback,omitempty"`
}

// TextAttachment builds a text attachment.
func TextAttachment(text string) Attachment {
	return StringAttachment(AttachmentText, text)
}

// StringAttachment builds an attachment whose content is a single string,
// e.g. a picture URL.
func StringAttachment(typ, s string) Attachment {
	b, _ := json.Marshal(s)
	return Attachment{Type: typ, Content: b}
}

// ObjectAttachment builds an attachment from any JSON-encodable content.
func ObjectAttachment(typ string, content any) (Attachment, error) {
	b, err := json.Marshal(content)
	if err != nil {
		return Attachment{}, err
	}
	return Attachment{Type: typ, Content: b}, nil
}

// String returns the content as a string when it is one.
func (a Attachment) String() (string, bool) {
	var s string
	if err := json.Unmarshal(a.Content, &s); err != nil {
		return "", false
	}
	return s, true
}

// Decode unmarshals the content into v.
func (a Attachment) Decode(v any) error {
	if err := json.Unmarshal(a.Content, v); err != nil {
		return BadRequest("invalid %s content: %v", a.Type, err)
	}
	return nil
}

// IsEmpty reports whether there is nothing to forward.
func (a Attachment) IsEmpty() bool {
	c := bytes.TrimSpace(a.Content)
	if len(c) == 0 || bytes.Equal(c, []byte("null")) || bytes.Equal(c, []byte(`""`)) {
		return true
	}
	return false
}

func (a Attachment) Value() (driver.Value, error) {
	b, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (a *Attachment) Scan(src any) error {
	return scanJSON(src, a)
}

// Button is an action attached to cards, buttons and quick replies.
type Button struct {
	Type  string `json:"type"` // postback | web_url | phonenumber
	Title string `json:"title"`
	Value string `json:"value"`
}

// QuickRepliesContent is the content of a quickReplies attachment.
type QuickRepliesContent struct {
	Title   string   `json:"title"`
	Buttons []Button `json:"buttons"`
}

// ButtonsContent is the content of a buttons attachment.
type ButtonsContent struct {
	Title   string   `json:"title"`
	Buttons []Button `json:"buttons"`
}

// CardContent is the content of a card attachment and of each carousel item.
type CardContent struct {
	Title    string   `json:"title"`
	Subtitle string   `json:"subtitle,omitempty"`
	ImageURL string   `json:"imageUrl,omitempty"`
	Buttons  []Button `json:"buttons,omitempty"`
}

// ListContent is the content of a list attachment.
type ListContent struct {
	Elements []CardContent `json:"elements"`
	Buttons  []Button      `json:"buttons,omitempty"`
}

// CanonicalMessage is what adapters produce from platform payloads and what
// the bot backend receives.
type CanonicalMessage struct {
	Attachment Attachment `json:"attachment"`
}

// Message is one persisted content unit inside a Conversation.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	ParticipantID  string       `json:"participantId"`
	Attachment     Attachment   `json:"attachment"`
	Delay          *float64     `json:"delay,omitempty"`
	ReceivedAt     time.Time    `json:"receivedAt"`
	IsActive       bool         `json:"isActive"`
	Participant    *Participant `json:"participant,omitempty"`
}

// ReplyMessage is one item of the bot backend's reply batch.
type ReplyMessage struct {
	Type     string          `json:"type"`
	Content  json.RawMessage `json:"content"`
	Delay    *float64        `json:"delay,omitempty"`
	Markdown bool            `json:"markdown,omitempty"`
}

// Attachment converts the reply to its canonical attachment.
func (r ReplyMessage) Attachment() Attachment {
	return Attachment{Type: r.Type, Content: r.Content, Markdown: r.Markdown}
}

// ClampDelay bounds a delay to [0, MaxDelay]; negative and non-finite values
// become 0.
func ClampDelay(d float64) float64 {
	if math.IsNaN(d) || math.IsInf(d, 0) || d < 0 {
		return 0
	}
	if d > MaxDelay {
		return MaxDelay
	}
	return d
}
