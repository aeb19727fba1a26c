package content

import (
	"encoding/base64"
	"fmt"
	"html"
	"strings"
	"unicode/utf8"

	"chatroom/internal/models"

	"github.com/h2non/filetype"
	"github.com/microcosm-cc/bluemonday"
)

const (
	MaxBodyLength       = 1000
	MaxNameLength       = 50
	MaxEmojiBytes       = 32
	DefaultMaxImageSize = 5 << 20
)

var policy = bluemonday.StrictPolicy()

// Sanitize strips all markup from the input and returns plain text.
// Entities produced by the sanitizer are decoded back, so "a < b" survives as is.
func Sanitize(input string) string {
	return html.UnescapeString(policy.Sanitize(input))
}

// Validator checks and normalizes user input before it reaches the store.
type Validator struct {
	MaxImageSize int
}

func NewValidator(maxImageSize int) *Validator {
	if maxImageSize <= 0 {
		maxImageSize = DefaultMaxImageSize
	}
	return &Validator{MaxImageSize: maxImageSize}
}

// Name validates a room name or display name and returns it trimmed.
func (v *Validator) Name(field, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", models.NewValidationError(field, "is required")
	}
	if utf8.RuneCountInString(value) > MaxNameLength {
		return "", models.NewValidationError(field, fmt.Sprintf("must be at most %d characters", MaxNameLength))
	}
	return value, nil
}

// Content validates a send request body and builds the matching content variant.
// Text needs a non-empty body, an image needs an attachment and may carry a caption.
func (v *Validator) Content(kind models.Kind, body, attachment string) (models.Content, error) {
	body = strings.TrimSpace(Sanitize(body))
	if utf8.RuneCountInString(body) > MaxBodyLength {
		return nil, models.NewValidationError("body", fmt.Sprintf("must be at most %d characters", MaxBodyLength))
	}

	switch kind {
	case models.KindText, "":
		if body == "" {
			return nil, models.NewValidationError("body", "is required")
		}
		return models.TextContent{Body: body}, nil
	case models.KindImage:
		if attachment == "" {
			return nil, models.NewValidationError("attachment", "is required for image messages")
		}
		if err := v.Attachment(attachment); err != nil {
			return nil, err
		}
		return models.ImageContent{Attachment: attachment, Caption: body}, nil
	default:
		return nil, models.NewValidationError("kind", fmt.Sprintf("unsupported kind %q", kind))
	}
}

// Attachment checks that payload is a base64 (optionally data URL) encoded image
// no larger than MaxImageSize once decoded.
func (v *Validator) Attachment(payload string) error {
	encoded := payload
	if strings.HasPrefix(encoded, "data:") {
		i := strings.IndexByte(encoded, ',')
		if i < 0 {
			return models.NewValidationError("attachment", "malformed data URL")
		}
		encoded = encoded[i+1:]
	}

	// Reject before decoding anything big.
	if base64.StdEncoding.DecodedLen(len(encoded)) > v.MaxImageSize+2 {
		return tooLarge(v.MaxImageSize)
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return &models.ValidationError{Field: "attachment", Reason: "is not valid base64", Err: err}
	}
	if len(data) > v.MaxImageSize {
		return tooLarge(v.MaxImageSize)
	}
	if !filetype.IsImage(data) {
		return models.NewValidationError("attachment", "is not a supported image")
	}
	return nil
}

func tooLarge(limit int) error {
	return &models.ValidationError{
		Field:  "attachment",
		Reason: fmt.Sprintf("too large (max %d bytes)", limit),
		Err:    models.ErrAttachmentTooLarge,
	}
}

// Reply validates a reply snapshot. The quoted author and body get the same
// sanitizing as a new message, the body is truncated rather than rejected.
func (v *Validator) Reply(target *models.ReplyTarget) (*models.ReplyTarget, error) {
	if target == nil {
		return nil, nil
	}
	if strings.TrimSpace(target.MessageID) == "" {
		return nil, models.NewValidationError("replyTarget.messageId", "is required")
	}
	author, err := v.Name("replyTarget.author", Sanitize(target.Author))
	if err != nil {
		return nil, err
	}
	snapshot := models.ReplyTarget{
		MessageID: strings.TrimSpace(target.MessageID),
		Author:    author,
		Body:      strings.TrimSpace(Sanitize(target.Body)),
	}
	if utf8.RuneCountInString(snapshot.Body) > MaxBodyLength {
		snapshot.Body = string([]rune(snapshot.Body)[:MaxBodyLength])
	}
	return &snapshot, nil
}

// Emoji validates a reaction symbol.
func (v *Validator) Emoji(emoji string) error {
	if emoji == "" {
		return models.NewValidationError("emoji", "is required")
	}
	if len(emoji) > MaxEmojiBytes {
		return models.NewValidationError("emoji", "is too long")
	}
	return nil
}
