package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
)

const (
	profilePrefix   = "glnt:userProfile:"
	chatsPrefix     = "glnt:chats:"
	messagesPrefix  = "glnt:messages:"
	chatIndexPrefix = "glnt:chatIndex:"

	conflictRetries = 5
)

type LocalConfig struct {
	Path     string
	InMemory bool
}

// LocalStore keeps chats in badger as namespaced JSON blobs. Writes are
// last-writer-wins across processes.
type LocalStore struct {
	db     *badger.DB
	logger arbor.ILogger
}

type chatsDoc struct {
	Order []string        `json:"order"`
	Chats map[string]Chat `json:"chats"`
}

type chatIndexDoc struct {
	UID string `json:"uid"`
}

func NewLocalStore(cfg LocalConfig, logger arbor.ILogger) (*LocalStore, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open local cache: %w", err)
	}
	return &LocalStore{db: db, logger: logger}, nil
}

func (s *LocalStore) Close() error {
	return s.db.Close()
}

// update runs fn in a read-write transaction, retrying on write conflicts.
func (s *LocalStore) update(fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

// load decodes the blob at key into out. Missing or corrupt blobs report false.
func (s *LocalStore) load(txn *badger.Txn, key string, out any) (bool, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("Discarding unreadable local cache entry")
		return false, nil
	}
	return true, nil
}

func save(txn *badger.Txn, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return txn.Set([]byte(key), data)
}

func (s *LocalStore) loadChats(txn *badger.Txn, uid string) (*chatsDoc, error) {
	doc := &chatsDoc{}
	if _, err := s.load(txn, chatsPrefix+uid, doc); err != nil {
		return nil, err
	}
	if doc.Chats == nil {
		doc.Chats = map[string]Chat{}
	}
	return doc, nil
}

func (s *LocalStore) loadMessages(txn *badger.Txn, chatID string) ([]Message, error) {
	var msgs []Message
	if _, err := s.load(txn, messagesPrefix+chatID, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// ownerOf resolves the uid a chat is filed under, or "" when unknown.
func (s *LocalStore) ownerOf(txn *badger.Txn, chatID string) (string, error) {
	var idx chatIndexDoc
	if _, err := s.load(txn, chatIndexPrefix+chatID, &idx); err != nil {
		return "", err
	}
	return idx.UID, nil
}

func (doc *chatsDoc) touch(chatID string) {
	doc.Order = append([]string{chatID}, slices.DeleteFunc(doc.Order, func(id string) bool {
		return id == chatID
	})...)
}

func (doc *chatsDoc) sorted() []Chat {
	out := make([]Chat, 0, len(doc.Chats))
	seen := make(map[string]bool, len(doc.Chats))
	for _, id := range doc.Order {
		if c, ok := doc.Chats[id]; ok && !seen[id] {
			out = append(out, c)
			seen[id] = true
		}
	}
	for id, c := range doc.Chats {
		if !seen[id] {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// withChat loads the chat document owning chatID and lets fn mutate it.
// The document is saved when fn returns without error.
func (s *LocalStore) withChat(txn *badger.Txn, chatID string, fn func(doc *chatsDoc, chat *Chat) error) error {
	uid, err := s.ownerOf(txn, chatID)
	if err != nil {
		return err
	}
	if uid == "" {
		return ErrChatNotFound
	}
	doc, err := s.loadChats(txn, uid)
	if err != nil {
		return err
	}
	chat, ok := doc.Chats[chatID]
	if !ok {
		return ErrChatNotFound
	}
	if err := fn(doc, &chat); err != nil {
		return err
	}
	doc.Chats[chatID] = chat
	return save(txn, chatsPrefix+uid, doc)
}

func (s *LocalStore) GetUserProfile(_ context.Context, uid string) (*Profile, error) {
	if uid == "" {
		return nil, nil
	}
	var p Profile
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		found, err = s.load(txn, profilePrefix+uid, &p)
		return err
	})
	if err != nil || !found {
		return nil, err
	}
	return &p, nil
}

func (s *LocalStore) UpsertUserProfile(_ context.Context, profile Profile) (*Profile, error) {
	if profile.UID == "" {
		return nil, ErrMissingUID
	}
	var out Profile
	err := s.update(func(txn *badger.Txn) error {
		var existing Profile
		found, err := s.load(txn, profilePrefix+profile.UID, &existing)
		if err != nil {
			return err
		}
		var prev *Profile
		if found {
			prev = &existing
		}
		out = mergeProfile(prev, profile, now())
		return save(txn, profilePrefix+profile.UID, out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *LocalStore) ListChats(_ context.Context, uid string) ([]Chat, error) {
	out := []Chat{}
	if uid == "" {
		return out, nil
	}
	err := s.db.View(func(txn *badger.Txn) error {
		doc, err := s.loadChats(txn, uid)
		if err != nil {
			return err
		}
		out = doc.sorted()
		return nil
	})
	return out, err
}

func (s *LocalStore) CreateChat(_ context.Context, uid string, input ChatInput) (*Chat, error) {
	if uid == "" {
		return nil, ErrMissingUID
	}
	ts := now()
	chat := Chat{
		ID:        uuid.NewString(),
		UID:       uid,
		Title:     input.Title,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	if chat.Title == "" {
		chat.Title = DefaultTitle
	}
	if err := s.putChat(chat); err != nil {
		return nil, err
	}
	return &chat, nil
}

// ImportChat files an existing chat record (as created elsewhere) in the
// local cache, keeping its id and timestamps.
func (s *LocalStore) ImportChat(_ context.Context, chat Chat) error {
	if chat.UID == "" {
		return ErrMissingUID
	}
	return s.putChat(chat)
}

func (s *LocalStore) putChat(chat Chat) error {
	return s.update(func(txn *badger.Txn) error {
		doc, err := s.loadChats(txn, chat.UID)
		if err != nil {
			return err
		}
		doc.Chats[chat.ID] = chat
		doc.touch(chat.ID)
		if err := save(txn, chatsPrefix+chat.UID, doc); err != nil {
			return err
		}
		return save(txn, chatIndexPrefix+chat.ID, chatIndexDoc{UID: chat.UID})
	})
}

func (s *LocalStore) GetChat(_ context.Context, chatID string) (*Chat, error) {
	var out *Chat
	err := s.db.View(func(txn *badger.Txn) error {
		uid, err := s.ownerOf(txn, chatID)
		if err != nil || uid == "" {
			return err
		}
		doc, err := s.loadChats(txn, uid)
		if err != nil {
			return err
		}
		if c, ok := doc.Chats[chatID]; ok {
			out = &c
		}
		return nil
	})
	return out, err
}

func (s *LocalStore) DeleteChat(_ context.Context, chatID string) error {
	return s.update(func(txn *badger.Txn) error {
		uid, err := s.ownerOf(txn, chatID)
		if err != nil || uid == "" {
			return err
		}
		doc, err := s.loadChats(txn, uid)
		if err != nil {
			return err
		}
		delete(doc.Chats, chatID)
		doc.Order = slices.DeleteFunc(doc.Order, func(id string) bool { return id == chatID })
		if err := save(txn, chatsPrefix+uid, doc); err != nil {
			return err
		}
		if err := txn.Delete([]byte(messagesPrefix + chatID)); err != nil {
			return err
		}
		return txn.Delete([]byte(chatIndexPrefix + chatID))
	})
}

func (s *LocalStore) UpdateChat(_ context.Context, chatID string, patch ChatPatch) (*Chat, error) {
	var out Chat
	err := s.update(func(txn *badger.Txn) error {
		return s.withChat(txn, chatID, func(doc *chatsDoc, chat *Chat) error {
			chat.apply(patch)
			chat.UpdatedAt = now()
			doc.touch(chatID)
			out = *chat
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *LocalStore) ListMessages(_ context.Context, chatID string) ([]Message, error) {
	out := []Message{}
	err := s.db.View(func(txn *badger.Txn) error {
		msgs, err := s.loadMessages(txn, chatID)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			out = append(out, normalizeMessage(m))
		}
		return nil
	})
	return out, err
}

func (s *LocalStore) AddMessage(_ context.Context, chatID string, msg Message) (*Message, error) {
	var out Message
	err := s.update(func(txn *badger.Txn) error {
		return s.withChat(txn, chatID, func(doc *chatsDoc, chat *Chat) error {
			msgs, err := s.loadMessages(txn, chatID)
			if err != nil {
				return err
			}
			out = normalizeMessage(Message{
				ID:          uuid.NewString(),
				ChatID:      chatID,
				Role:        msg.Role,
				Content:     msg.Content,
				Attachments: msg.Attachments,
				CreatedAt:   now(),
			})
			if err := save(txn, messagesPrefix+chatID, append(msgs, out)); err != nil {
				return err
			}

			if shouldDeriveTitle(chat, msg) {
				chat.Title = MakeTitle(msg.Content)
			}
			chat.UpdatedAt = out.CreatedAt
			doc.touch(chatID)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *LocalStore) UpdateMessage(_ context.Context, chatID, messageID, content string) error {
	return s.update(func(txn *badger.Txn) error {
		return s.withChat(txn, chatID, func(doc *chatsDoc, chat *Chat) error {
			msgs, err := s.loadMessages(txn, chatID)
			if err != nil {
				return err
			}
			idx := slices.IndexFunc(msgs, func(m Message) bool { return m.ID == messageID })
			if idx < 0 {
				return ErrMessageNotFound
			}
			ts := now()
			msgs[idx].Content = content
			msgs[idx].UpdatedAt = &ts
			if err := save(txn, messagesPrefix+chatID, msgs); err != nil {
				return err
			}
			chat.UpdatedAt = ts
			doc.touch(chatID)
			return nil
		})
	})
}

func (s *LocalStore) RemoveMessages(_ context.Context, chatID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	return s.update(func(txn *badger.Txn) error {
		msgs, err := s.loadMessages(txn, chatID)
		if err != nil || len(msgs) == 0 {
			return err
		}
		kept := slices.DeleteFunc(msgs, func(m Message) bool {
			return slices.Contains(messageIDs, m.ID)
		})
		return save(txn, messagesPrefix+chatID, kept)
	})
}
