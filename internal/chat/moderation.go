package chat

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/caselink/caselink/pkg/apperr"
)

// Clients are not allowed to exchange links; off-platform contact undermines
// the marketplace.
var linkPattern = regexp.MustCompile(`(?i)https?://\S+`)

// ValidateContent normalizes and checks a message body. It returns the
// trimmed content.
func ValidateContent(content string, maxLength int) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", apperr.Validation("message content cannot be empty")
	}
	if len([]rune(content)) > maxLength {
		return "", apperr.Validation("message content is too long")
	}
	if linkPattern.MatchString(content) {
		return "", apperr.Validation("links are not allowed in messages")
	}
	return content, nil
}

func ValidateAttachmentType(contentType string, allowed []string) error {
	for _, t := range allowed {
		if strings.EqualFold(contentType, t) {
			return nil
		}
	}
	return apperr.New(apperr.CodeUnsupportedMedia, "attachment type is not allowed")
}

// BuildAttachmentKey derives the blob key for an upload, keeping the original
// file extension but nothing else of the client-supplied name.
func BuildAttachmentKey(conversationID, filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	id := uuid.New()
	return "chat_attachments/" + conversationID + "/" + strings.ReplaceAll(id.String(), "-", "") + ext
}
