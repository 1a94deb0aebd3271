package keygate

import (
	"fmt"
	"strings"
)

// Request is a provider-agnostic chat completion request.
type Request struct {
	Provider string
	Model    string
	Messages []Message

	// Attachments are applied to the last user-role message during
	// translation; earlier turns are never modified.
	Attachments []Attachment

	// SystemPrompt, when non-empty, goes into the provider's native system
	// field if it has one, otherwise it is injected as a leading message.
	SystemPrompt string

	// Priority orders admission: higher dispatches first, ties are FIFO.
	Priority int

	Temperature *float64
	MaxTokens   *int
	TopP        *float64
}

// Message represents a single chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// LastUserIndex returns the index of the last user-role message, or -1.
func LastUserIndex(messages []Message) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return i
		}
	}
	return -1
}

// AttachmentKind identifies the type of an attachment payload.
type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentText  AttachmentKind = "text"
)

// Attachment is a multimodal payload carried alongside the message list.
type Attachment struct {
	Kind AttachmentKind
	Name string

	// MIMEType applies to images, e.g. "image/png".
	MIMEType string

	// Data holds raw image bytes or UTF-8 text file content.
	Data []byte
}

// maxAttachmentChars bounds how much of a text attachment is inlined into
// the prompt so a large file cannot blow up the wire payload.
const maxAttachmentChars = 4000

// PromptText renders a text attachment as a prompt block, truncated at a
// fixed character budget.
func (a Attachment) PromptText() string {
	content := string(a.Data)
	if len(content) > maxAttachmentChars {
		content = content[:maxAttachmentChars]
	}
	return fmt.Sprintf("File (%s):\n%s", a.Name, content)
}

// Chunk is a single fragment of the normalized output stream.
type Chunk struct {
	Content string `json:"content"`
}

// IsImageRef reports whether the chunk carries an image reference instead of
// text. Image-generation results reuse the text stream contract; callers
// sniff the content prefix rather than reading a separate channel.
func (c Chunk) IsImageRef() bool {
	return strings.HasPrefix(c.Content, "http://") ||
		strings.HasPrefix(c.Content, "https://") ||
		strings.HasPrefix(c.Content, "data:image")
}

// MaskKey returns a redacted form of an API key safe for logs: the first and
// last four characters with the middle elided. Keys are never logged raw.
func MaskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

// IntPtr returns a pointer to the given int.
func IntPtr(v int) *int { return &v }

// Float64Ptr returns a pointer to the given float64.
func Float64Ptr(v float64) *float64 { return &v }
