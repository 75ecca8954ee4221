package models

import (
	"mime"
	"net/url"
	"strings"
	"unicode"
	"unicode/utf8"

	"portal-messaging/internal/utils"
)

const (
	MaxContentLength  = 5000 // runes
	MaxAttachments    = 10
	maxEmojiBytes     = 32
	maxAttachmentName = 255
)

// NormalizeContent trims surrounding whitespace and rejects empty or
// oversized content.
func NormalizeContent(content string) (string, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", utils.NewValidationError("message content must not be empty")
	}
	if utf8.RuneCountInString(trimmed) > MaxContentLength {
		return "", utils.NewValidationError("message content is too long")
	}
	return trimmed, nil
}

// ValidateEmoji checks a reaction key: non-empty, short, no whitespace.
func ValidateEmoji(emoji string) error {
	if emoji == "" {
		return utils.NewValidationError("emoji must not be empty")
	}
	if len(emoji) > maxEmojiBytes || !utf8.ValidString(emoji) {
		return utils.NewValidationError("emoji is malformed")
	}
	for _, r := range emoji {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return utils.NewValidationError("emoji must not contain whitespace")
		}
	}
	return nil
}

// Validate checks an attachment record before it reaches persistence.
func (a Attachment) Validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return utils.NewValidationError("attachment name is required")
	}
	if len(a.Name) > maxAttachmentName {
		return utils.NewValidationError("attachment name is too long")
	}
	u, err := url.Parse(a.URL)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return utils.NewValidationError("attachment url must be an absolute http(s) url")
	}
	if _, _, err := mime.ParseMediaType(a.MimeType); err != nil {
		return utils.NewValidationError("attachment mime type is malformed")
	}
	return nil
}

// ValidateAttachments validates every attachment and the list size.
func ValidateAttachments(attachments []Attachment) error {
	if len(attachments) > MaxAttachments {
		return utils.NewValidationError("too many attachments")
	}
	for _, a := range attachments {
		if err := a.Validate(); err != nil {
			return err
		}
	}
	return nil
}
