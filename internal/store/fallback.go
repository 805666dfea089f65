package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/ternarybob/arbor"
)

// chatImporter is implemented by local backends that can adopt a chat
// created on the remote before it went away.
type chatImporter interface {
	ImportChat(ctx context.Context, chat Chat) error
}

// FallbackStore serves calls from the remote backend until the first remote
// failure, then from the local backend for the rest of its lifetime.
type FallbackStore struct {
	remote  Adapter
	local   Adapter
	healthy atomic.Bool
	logger  arbor.ILogger

	// chats seen on the remote, adopted by the local backend after failover
	mu    sync.Mutex
	known map[string]Chat
}

func NewFallbackStore(remote, local Adapter, logger arbor.ILogger) *FallbackStore {
	f := &FallbackStore{
		remote: remote,
		local:  local,
		logger: logger,
		known:  map[string]Chat{},
	}
	f.healthy.Store(true)
	return f
}

// Healthy reports whether calls are still served by the remote backend.
func (f *FallbackStore) Healthy() bool {
	return f.healthy.Load()
}

func (f *FallbackStore) markUnhealthy(op string, err error) {
	if f.healthy.CompareAndSwap(true, false) {
		f.logger.Warn().Err(err).Str("op", op).Msg("Remote store failed, switching to local cache")
	}
}

func (f *FallbackStore) remember(chats ...Chat) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range chats {
		f.known[c.ID] = c
	}
}

func (f *FallbackStore) forget(chatID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.known, chatID)
}

// adopt copies a remote-only chat into the local backend so writes against it
// keep working after failover.
func (f *FallbackStore) adopt(ctx context.Context, chatID string) bool {
	importer, ok := f.local.(chatImporter)
	if !ok {
		return false
	}
	f.mu.Lock()
	chat, ok := f.known[chatID]
	f.mu.Unlock()
	if !ok {
		return false
	}
	if err := importer.ImportChat(ctx, chat); err != nil {
		f.logger.Warn().Err(err).Str("chat_id", chatID).Msg("Failed to adopt chat into local cache")
		return false
	}
	return true
}

func call[T any](ctx context.Context, f *FallbackStore, op string, fn func(Adapter) (T, error)) (T, error) {
	if f.healthy.Load() {
		v, err := fn(f.remote)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil || isAnswer(err) {
			return v, err
		}
		f.markUnhealthy(op, err)
	}
	return fn(f.local)
}

// isAnswer reports errors that describe the request rather than a failing
// backend.
func isAnswer(err error) bool {
	return errors.Is(err, ErrChatNotFound) || errors.Is(err, ErrMessageNotFound) || errors.Is(err, ErrMissingUID)
}

// callChat is call for operations addressed at an existing chat.
func callChat[T any](ctx context.Context, f *FallbackStore, op, chatID string, fn func(Adapter) (T, error)) (T, error) {
	v, err := call(ctx, f, op, fn)
	if errors.Is(err, ErrChatNotFound) && !f.healthy.Load() && f.adopt(ctx, chatID) {
		return fn(f.local)
	}
	return v, err
}

func (f *FallbackStore) GetUserProfile(ctx context.Context, uid string) (*Profile, error) {
	return call(ctx, f, "GetUserProfile", func(a Adapter) (*Profile, error) {
		return a.GetUserProfile(ctx, uid)
	})
}

func (f *FallbackStore) UpsertUserProfile(ctx context.Context, profile Profile) (*Profile, error) {
	return call(ctx, f, "UpsertUserProfile", func(a Adapter) (*Profile, error) {
		return a.UpsertUserProfile(ctx, profile)
	})
}

func (f *FallbackStore) ListChats(ctx context.Context, uid string) ([]Chat, error) {
	chats, err := call(ctx, f, "ListChats", func(a Adapter) ([]Chat, error) {
		return a.ListChats(ctx, uid)
	})
	if err == nil && f.Healthy() {
		f.remember(chats...)
	}
	return chats, err
}

func (f *FallbackStore) CreateChat(ctx context.Context, uid string, input ChatInput) (*Chat, error) {
	chat, err := call(ctx, f, "CreateChat", func(a Adapter) (*Chat, error) {
		return a.CreateChat(ctx, uid, input)
	})
	if err == nil && f.Healthy() {
		f.remember(*chat)
	}
	return chat, err
}

func (f *FallbackStore) GetChat(ctx context.Context, chatID string) (*Chat, error) {
	chat, err := call(ctx, f, "GetChat", func(a Adapter) (*Chat, error) {
		return a.GetChat(ctx, chatID)
	})
	if err != nil {
		return nil, err
	}
	if chat != nil && f.Healthy() {
		f.remember(*chat)
	}
	if chat == nil && !f.Healthy() {
		f.mu.Lock()
		if known, ok := f.known[chatID]; ok {
			chat = &known
		}
		f.mu.Unlock()
	}
	return chat, nil
}

func (f *FallbackStore) DeleteChat(ctx context.Context, chatID string) error {
	_, err := call(ctx, f, "DeleteChat", func(a Adapter) (struct{}, error) {
		return struct{}{}, a.DeleteChat(ctx, chatID)
	})
	if err == nil {
		f.forget(chatID)
	}
	return err
}

func (f *FallbackStore) UpdateChat(ctx context.Context, chatID string, patch ChatPatch) (*Chat, error) {
	chat, err := callChat(ctx, f, "UpdateChat", chatID, func(a Adapter) (*Chat, error) {
		return a.UpdateChat(ctx, chatID, patch)
	})
	if err == nil && f.Healthy() {
		f.remember(*chat)
	}
	return chat, err
}

func (f *FallbackStore) ListMessages(ctx context.Context, chatID string) ([]Message, error) {
	return call(ctx, f, "ListMessages", func(a Adapter) ([]Message, error) {
		return a.ListMessages(ctx, chatID)
	})
}

func (f *FallbackStore) AddMessage(ctx context.Context, chatID string, msg Message) (*Message, error) {
	return callChat(ctx, f, "AddMessage", chatID, func(a Adapter) (*Message, error) {
		return a.AddMessage(ctx, chatID, msg)
	})
}

func (f *FallbackStore) UpdateMessage(ctx context.Context, chatID, messageID, content string) error {
	_, err := callChat(ctx, f, "UpdateMessage", chatID, func(a Adapter) (struct{}, error) {
		return struct{}{}, a.UpdateMessage(ctx, chatID, messageID, content)
	})
	return err
}

func (f *FallbackStore) RemoveMessages(ctx context.Context, chatID string, messageIDs []string) error {
	_, err := call(ctx, f, "RemoveMessages", func(a Adapter) (struct{}, error) {
		return struct{}{}, a.RemoveMessages(ctx, chatID, messageIDs)
	})
	return err
}

func (f *FallbackStore) Close() error {
	var result *multierror.Error
	if err := f.remote.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := f.local.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
