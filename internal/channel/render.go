package channel

import (
	"fmt"
	"strings"

	"chatgate/internal/domain"
)

// plainText renders any canonical attachment as text, for platforms
// without rich message support. Buttons become a numbered list.
func plainText(att domain.Attachment) (string, error) {
	switch att.Type {
	case domain.AttachmentText, domain.AttachmentPicture, domain.AttachmentVideo,
		domain.AttachmentAudio, domain.AttachmentFile:
		s, ok := att.String()
		if !ok {
			return "", domain.BadRequest("%s content must be a string", att.Type)
		}
		return s, nil

	case domain.AttachmentQuickReplies, domain.AttachmentButtons:
		var c domain.ButtonsContent
		if err := att.Decode(&c); err != nil {
			return "", err
		}
		return withButtons(c.Title, c.Buttons), nil

	case domain.AttachmentCard:
		var c domain.CardContent
		if err := att.Decode(&c); err != nil {
			return "", err
		}
		return cardText(c), nil

	case domain.AttachmentCarousel:
		var cards []domain.CardContent
		if err := att.Decode(&cards); err != nil {
			return "", err
		}
		parts := make([]string, 0, len(cards))
		for _, c := range cards {
			parts = append(parts, cardText(c))
		}
		return strings.Join(parts, "\n\n"), nil

	case domain.AttachmentList:
		var l domain.ListContent
		if err := att.Decode(&l); err != nil {
			return "", err
		}
		parts := make([]string, 0, len(l.Elements))
		for _, c := range l.Elements {
			parts = append(parts, cardText(c))
		}
		return withButtons(strings.Join(parts, "\n\n"), l.Buttons), nil
	}
	return "", domain.BadRequest("unknown message type %q", att.Type)
}

func cardText(c domain.CardContent) string {
	lines := []string{c.Title}
	if c.Subtitle != "" {
		lines = append(lines, c.Subtitle)
	}
	if c.ImageURL != "" {
		lines = append(lines, c.ImageURL)
	}
	return withButtons(strings.Join(lines, "\n"), c.Buttons)
}

func withButtons(title string, buttons []domain.Button) string {
	var b strings.Builder
	b.WriteString(title)
	for i, btn := range buttons {
		fmt.Fprintf(&b, "\n%d. %s", i+1, btn.Title)
		if btn.Type == "web_url" || btn.Type == "phonenumber" {
			fmt.Fprintf(&b, " (%s)", btn.Value)
		}
	}
	return b.String()
}
