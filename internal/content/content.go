package content

import (
	"fmt"
	"html"
	"net/url"
	"path"
	"strings"
	"unicode/utf8"

	"roomcast/internal/models"

	"github.com/h2non/filetype"
	"github.com/microcosm-cc/bluemonday"
)

const (
	MaxTextLength      = 8000
	MaxAttachments     = 10
	MaxGroupNameLength = 100
)

var policy = bluemonday.StrictPolicy()

// Sanitize strips all markup and returns plain text. Entities produced by
// the policy are decoded again, so "Tom & Jerry" is stored as typed and
// escaping is left to whoever renders it.
func Sanitize(input string) string {
	return html.UnescapeString(policy.Sanitize(input))
}

// NormalizeMessage sanitises text and checks that the message carries
// content. It returns a copy; the input is not modified.
func NormalizeMessage(msg models.Message) (models.Message, error) {
	msg.Text = strings.TrimSpace(Sanitize(msg.Text))
	if utf8.RuneCountInString(msg.Text) > MaxTextLength {
		return msg, fmt.Errorf("%w: text longer than %d characters", models.ErrValidation, MaxTextLength)
	}
	if msg.Text == "" && len(msg.Attachments) == 0 {
		return msg, fmt.Errorf("%w: message has no text and no attachments", models.ErrValidation)
	}
	if len(msg.Attachments) > MaxAttachments {
		return msg, fmt.Errorf("%w: more than %d attachments", models.ErrValidation, MaxAttachments)
	}
	if msg.ConversationID == "" || msg.SenderID == "" {
		return msg, fmt.Errorf("%w: conversation and sender are required", models.ErrValidation)
	}

	if len(msg.Attachments) > 0 {
		atts := make([]models.Attachment, len(msg.Attachments))
		for i, a := range msg.Attachments {
			if err := ValidateAttachment(a); err != nil {
				return msg, fmt.Errorf("attachment %d: %w", i, err)
			}
			if a.FileName != "" {
				a.FileName = Sanitize(path.Base(a.FileName))
			}
			atts[i] = a
		}
		msg.Attachments = atts
	}

	return msg, nil
}

// ValidateAttachment checks the attachment reference. When the file name has
// a known extension it must agree with the declared media type.
func ValidateAttachment(a models.Attachment) error {
	if a.Type != models.AttachmentTypeImage && a.Type != models.AttachmentTypeVideo {
		return fmt.Errorf("%w: unsupported attachment type %q", models.ErrValidation, a.Type)
	}

	u, err := url.Parse(a.URL)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return fmt.Errorf("%w: attachment url must be an absolute http(s) url", models.ErrValidation)
	}

	if a.FileSize < 0 {
		return fmt.Errorf("%w: negative file size", models.ErrValidation)
	}

	ext := strings.TrimPrefix(strings.ToLower(path.Ext(a.FileName)), ".")
	if ext == "" {
		return nil
	}
	kind := filetype.GetType(ext)
	if kind == filetype.Unknown {
		return nil
	}
	if kind.MIME.Type != string(a.Type) {
		return fmt.Errorf("%w: %s file declared as %s", models.ErrValidation, kind.MIME.Value, a.Type)
	}
	return nil
}

// NormalizeGroupName sanitises a group name and enforces its length.
func NormalizeGroupName(name string) (string, error) {
	name = strings.TrimSpace(Sanitize(name))
	if name == "" {
		return "", fmt.Errorf("%w: group name cannot be empty", models.ErrValidation)
	}
	if utf8.RuneCountInString(name) > MaxGroupNameLength {
		return "", fmt.Errorf("%w: group name longer than %d characters", models.ErrValidation, MaxGroupNameLength)
	}
	return name, nil
}
