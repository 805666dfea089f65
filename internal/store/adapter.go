package store

import (
	"context"
	"errors"
	"strings"

	"github.com/Galenite-GLNT/galenite-site/internal/utils"
)

const (
	DefaultTitle  = "New chat"
	DraftPrefix   = "draft_"
	titleMaxRunes = 34
)

var (
	ErrChatNotFound    = errors.New("chat not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrMissingUID      = errors.New("uid is required")
)

// Adapter is the durable store contract. LocalStore and SQLStore implement it
// with identical observable behavior.
type Adapter interface {
	GetUserProfile(ctx context.Context, uid string) (*Profile, error)
	UpsertUserProfile(ctx context.Context, profile Profile) (*Profile, error)

	ListChats(ctx context.Context, uid string) ([]Chat, error)
	CreateChat(ctx context.Context, uid string, input ChatInput) (*Chat, error)
	GetChat(ctx context.Context, chatID string) (*Chat, error)
	DeleteChat(ctx context.Context, chatID string) error
	UpdateChat(ctx context.Context, chatID string, patch ChatPatch) (*Chat, error)

	ListMessages(ctx context.Context, chatID string) ([]Message, error)
	AddMessage(ctx context.Context, chatID string, msg Message) (*Message, error)
	UpdateMessage(ctx context.Context, chatID, messageID, content string) error
	RemoveMessages(ctx context.Context, chatID string, messageIDs []string) error

	Close() error
}

// MakeTitle derives a chat title from the first user message.
func MakeTitle(text string) string {
	clean := utils.CollapseWhitespace(text)
	if clean == "" {
		return DefaultTitle
	}
	return utils.Truncate(clean, titleMaxRunes, "…")
}

// IsDraftID reports whether id names a chat that only exists client-side.
func IsDraftID(id string) bool {
	return strings.HasPrefix(id, DraftPrefix)
}

func shouldDeriveTitle(chat *Chat, msg Message) bool {
	return msg.Role == RoleUser && (chat.Title == "" || chat.Title == DefaultTitle)
}
