package store

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type AttachmentType string

const (
	AttachmentImage AttachmentType = "image"
	AttachmentPDF   AttachmentType = "pdf"
)

type Profile struct {
	UID           string    `json:"uid"`
	DisplayName   string    `json:"displayName"`
	AvatarURL     string    `json:"avatarUrl"`
	AvatarDataURL string    `json:"avatarDataUrl"`
	Bio           string    `json:"bio"`
	DefaultPrompt string    `json:"defaultPrompt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

type Chat struct {
	ID                 string    `json:"chatId"`
	UID                string    `json:"uid"`
	Title              string    `json:"title"`
	Summary            string    `json:"summary,omitempty"`
	LastMessagePreview string    `json:"lastMessagePreview,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// ChatInput carries the caller-controlled fields of a new chat.
type ChatInput struct {
	Title string `json:"title"`
}

// ChatPatch is a partial chat update. Nil fields are left untouched.
type ChatPatch struct {
	Title              *string `json:"title,omitempty"`
	Summary            *string `json:"summary,omitempty"`
	LastMessagePreview *string `json:"lastMessagePreview,omitempty"`
}

type Message struct {
	ID          string       `json:"messageId"`
	ChatID      string       `json:"chatId"`
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   *time.Time   `json:"updatedAt,omitempty"`
}

type Attachment struct {
	ID        string         `json:"id"`
	Type      AttachmentType `json:"type" validate:"omitempty,oneof=image pdf"`
	Name      string         `json:"name" validate:"max=512"`
	MIME      string         `json:"mime" validate:"required"`
	Size      int64          `json:"size" validate:"gte=0"`
	DataURL   string         `json:"dataUrl,omitempty"`
	PDFText   string         `json:"pdfText,omitempty"`
	PageCount int            `json:"pageCount,omitempty" validate:"gte=0"`
}

// now is the clock shared by both backends. Millisecond precision keeps
// timestamps identical whichever backend served the write.
var now = func() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func (c *Chat) apply(patch ChatPatch) {
	if patch.Title != nil {
		c.Title = *patch.Title
	}
	if patch.Summary != nil {
		c.Summary = *patch.Summary
	}
	if patch.LastMessagePreview != nil {
		c.LastMessagePreview = *patch.LastMessagePreview
	}
}

// mergeProfile applies an upsert onto the existing record. Empty input
// fields keep the stored value.
func mergeProfile(existing *Profile, in Profile, ts time.Time) Profile {
	out := in
	if existing != nil {
		out = *existing
		out.UID = in.UID
		if in.DisplayName != "" {
			out.DisplayName = in.DisplayName
		}
		if in.AvatarURL != "" {
			out.AvatarURL = in.AvatarURL
		}
		if in.AvatarDataURL != "" {
			out.AvatarDataURL = in.AvatarDataURL
		}
		if in.Bio != "" {
			out.Bio = in.Bio
		}
		if in.DefaultPrompt != "" {
			out.DefaultPrompt = in.DefaultPrompt
		}
	}
	out.UpdatedAt = ts
	return out
}

func normalizeMessage(m Message) Message {
	if m.Attachments == nil {
		m.Attachments = []Attachment{}
	}
	return m
}
