package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/Galenite-GLNT/galenite-site/internal/store"
	"github.com/ternarybob/arbor"
)

const (
	GuestUID           = "guest"
	defaultDisplayName = "User"
)

// Identity names whose chats a request operates on. Guests live in the
// local cache only.
type Identity struct {
	UID   string
	Guest bool
}

func GuestIdentity(guestID string) Identity {
	if guestID == "" {
		return Identity{UID: GuestUID, Guest: true}
	}
	return Identity{UID: GuestUID + "_" + guestID, Guest: true}
}

// IsGuestUID reports whether uid lies in the guest namespace, which signed-in
// users may not claim.
func IsGuestUID(uid string) bool {
	return uid == GuestUID || strings.HasPrefix(uid, GuestUID+"_")
}

// Key is the identity's namespace in stores and the session manager.
func (id Identity) Key() string {
	if id.UID == "" {
		return GuestUID
	}
	return id.UID
}

// Repository forwards chat operations to the active store for one identity.
// Reads degrade to empty results; writes report errors.
type Repository struct {
	primary store.Adapter
	guest   store.Adapter
	logger  arbor.ILogger

	uid     string
	adapter store.Adapter
}

func NewRepository(primary, guest store.Adapter, logger arbor.ILogger) *Repository {
	r := &Repository{primary: primary, guest: guest, logger: logger}
	return r.For(Identity{})
}

// For returns a copy of the repository bound to id.
func (r *Repository) For(id Identity) *Repository {
	bound := *r
	bound.uid = id.Key()
	if id.Guest || id.UID == "" {
		bound.adapter = r.guest
	} else {
		bound.adapter = r.primary
	}
	return &bound
}

func (r *Repository) UID() string {
	return r.uid
}

func (r *Repository) ListChats(ctx context.Context) []store.Chat {
	chats, err := r.adapter.ListChats(ctx, r.uid)
	if err != nil {
		r.logger.Warn().Err(err).Str("uid", r.uid).Msg("Failed to list chats")
		return []store.Chat{}
	}
	return chats
}

func (r *Repository) CreateChat(ctx context.Context, title string) (*store.Chat, error) {
	chat, err := r.adapter.CreateChat(ctx, r.uid, store.ChatInput{Title: title})
	if err != nil {
		return nil, fmt.Errorf("failed to create chat: %w", err)
	}
	return chat, nil
}

// GetChat returns the chat when it exists and belongs to this identity.
func (r *Repository) GetChat(ctx context.Context, chatID string) *store.Chat {
	chat, err := r.adapter.GetChat(ctx, chatID)
	if err != nil {
		r.logger.Warn().Err(err).Str("chat_id", chatID).Msg("Failed to load chat")
		return nil
	}
	if chat == nil || chat.UID != r.uid {
		return nil
	}
	return chat
}

func (r *Repository) DeleteChat(ctx context.Context, chatID string) error {
	if err := r.adapter.DeleteChat(ctx, chatID); err != nil {
		return fmt.Errorf("failed to delete chat: %w", err)
	}
	return nil
}

func (r *Repository) UpdateChat(ctx context.Context, chatID string, patch store.ChatPatch) (*store.Chat, error) {
	chat, err := r.adapter.UpdateChat(ctx, chatID, patch)
	if err != nil {
		return nil, fmt.Errorf("failed to update chat: %w", err)
	}
	return chat, nil
}

func (r *Repository) ListMessages(ctx context.Context, chatID string) []store.Message {
	msgs, err := r.adapter.ListMessages(ctx, chatID)
	if err != nil {
		r.logger.Warn().Err(err).Str("chat_id", chatID).Msg("Failed to list messages")
		return []store.Message{}
	}
	return msgs
}

func (r *Repository) AddMessage(ctx context.Context, chatID string, msg store.Message) (*store.Message, error) {
	saved, err := r.adapter.AddMessage(ctx, chatID, msg)
	if err != nil {
		return nil, fmt.Errorf("failed to store %s message: %w", msg.Role, err)
	}
	return saved, nil
}

func (r *Repository) UpdateMessage(ctx context.Context, chatID, messageID, content string) error {
	if err := r.adapter.UpdateMessage(ctx, chatID, messageID, content); err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}
	return nil
}

func (r *Repository) RemoveMessages(ctx context.Context, chatID string, messageIDs []string) error {
	if err := r.adapter.RemoveMessages(ctx, chatID, messageIDs); err != nil {
		return fmt.Errorf("failed to remove messages: %w", err)
	}
	return nil
}

func (r *Repository) GetProfile(ctx context.Context) *store.Profile {
	p, err := r.adapter.GetUserProfile(ctx, r.uid)
	if err != nil {
		r.logger.Warn().Err(err).Str("uid", r.uid).Msg("Failed to load profile")
		return nil
	}
	return p
}

// SaveProfile upserts the profile of this identity. Empty fields keep their
// stored values.
func (r *Repository) SaveProfile(ctx context.Context, p store.Profile) (*store.Profile, error) {
	p.UID = r.uid
	saved, err := r.adapter.UpsertUserProfile(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("failed to save profile: %w", err)
	}
	return saved, nil
}

// EnsureProfile creates the profile on first sight of an identity.
func (r *Repository) EnsureProfile(ctx context.Context, displayName, avatarURL string) (*store.Profile, error) {
	if existing := r.GetProfile(ctx); existing != nil {
		return existing, nil
	}
	if displayName == "" {
		displayName = defaultDisplayName
	}
	return r.SaveProfile(ctx, store.Profile{DisplayName: displayName, AvatarURL: avatarURL})
}
