package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

func newTestLocalStore(t *testing.T) *LocalStore {
	t.Helper()
	s, err := NewLocalStore(LocalConfig{InMemory: true}, arbor.NewNoOpLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "chat.db")
	s, err := NewSQLStore(context.Background(), SQLConfig{Driver: DriverSQLite, DSN: dsn}, arbor.NewNoOpLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// backends runs the same contract against every Adapter implementation.
func backends(t *testing.T, fn func(t *testing.T, s Adapter)) {
	t.Run("local", func(t *testing.T) { fn(t, newTestLocalStore(t)) })
	t.Run("sql", func(t *testing.T) { fn(t, newTestSQLStore(t)) })
}

func TestAdapter_ProfileUpsertMerges(t *testing.T) {
	backends(t, func(t *testing.T, s Adapter) {
		ctx := context.Background()

		p, err := s.GetUserProfile(ctx, "u1")
		require.NoError(t, err)
		assert.Nil(t, p)

		first, err := s.UpsertUserProfile(ctx, Profile{UID: "u1", DisplayName: "Ada", Bio: "math"})
		require.NoError(t, err)
		assert.Equal(t, "Ada", first.DisplayName)
		assert.False(t, first.UpdatedAt.IsZero())

		second, err := s.UpsertUserProfile(ctx, Profile{UID: "u1", DefaultPrompt: "be brief"})
		require.NoError(t, err)
		assert.Equal(t, "Ada", second.DisplayName)
		assert.Equal(t, "math", second.Bio)
		assert.Equal(t, "be brief", second.DefaultPrompt)
		assert.False(t, second.UpdatedAt.Before(first.UpdatedAt))

		got, err := s.GetUserProfile(ctx, "u1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, second.DisplayName, got.DisplayName)
		assert.Equal(t, second.DefaultPrompt, got.DefaultPrompt)
		assert.True(t, second.UpdatedAt.Equal(got.UpdatedAt))

		_, err = s.UpsertUserProfile(ctx, Profile{})
		assert.ErrorIs(t, err, ErrMissingUID)
	})
}

func TestAdapter_CreateAndListChats(t *testing.T) {
	backends(t, func(t *testing.T, s Adapter) {
		ctx := context.Background()

		a, err := s.CreateChat(ctx, "u1", ChatInput{})
		require.NoError(t, err)
		assert.Equal(t, DefaultTitle, a.Title)
		assert.Equal(t, a.CreatedAt, a.UpdatedAt)

		b, err := s.CreateChat(ctx, "u1", ChatInput{Title: "Plans"})
		require.NoError(t, err)
		_, err = s.CreateChat(ctx, "u2", ChatInput{})
		require.NoError(t, err)

		chats, err := s.ListChats(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, chats, 2)
		assert.Equal(t, b.ID, chats[0].ID)
		assert.Equal(t, a.ID, chats[1].ID)

		// Appending to the older chat moves it to the top.
		_, err = s.AddMessage(ctx, a.ID, Message{Role: RoleAssistant, Content: "hi"})
		require.NoError(t, err)
		chats, err = s.ListChats(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, a.ID, chats[0].ID)

		empty, err := s.ListChats(ctx, "")
		require.NoError(t, err)
		assert.Empty(t, empty)
	})
}

func TestAdapter_MessagesKeepInsertionOrder(t *testing.T) {
	backends(t, func(t *testing.T, s Adapter) {
		ctx := context.Background()
		chat, err := s.CreateChat(ctx, "u1", ChatInput{})
		require.NoError(t, err)

		var ids []string
		for i, role := range []Role{RoleUser, RoleAssistant, RoleUser, RoleAssistant, RoleUser} {
			m, err := s.AddMessage(ctx, chat.ID, Message{Role: role, Content: string(rune('a' + i))})
			require.NoError(t, err)
			assert.NotEmpty(t, m.ID)
			assert.Equal(t, chat.ID, m.ChatID)
			assert.NotNil(t, m.Attachments)
			ids = append(ids, m.ID)
		}

		msgs, err := s.ListMessages(ctx, chat.ID)
		require.NoError(t, err)
		require.Len(t, msgs, 5)
		for i, m := range msgs {
			assert.Equal(t, ids[i], m.ID)
			assert.Equal(t, string(rune('a'+i)), m.Content)
			assert.Nil(t, m.UpdatedAt)
		}
	})
}

func TestAdapter_TitleDerivedOnceFromFirstUserMessage(t *testing.T) {
	backends(t, func(t *testing.T, s Adapter) {
		ctx := context.Background()
		chat, err := s.CreateChat(ctx, "u1", ChatInput{})
		require.NoError(t, err)

		_, err = s.AddMessage(ctx, chat.ID, Message{Role: RoleAssistant, Content: "welcome"})
		require.NoError(t, err)
		got, err := s.GetChat(ctx, chat.ID)
		require.NoError(t, err)
		assert.Equal(t, DefaultTitle, got.Title)

		_, err = s.AddMessage(ctx, chat.ID, Message{Role: RoleUser, Content: "  Hello   world  "})
		require.NoError(t, err)
		_, err = s.AddMessage(ctx, chat.ID, Message{Role: RoleUser, Content: "second question"})
		require.NoError(t, err)

		got, err = s.GetChat(ctx, chat.ID)
		require.NoError(t, err)
		assert.Equal(t, "Hello world", got.Title)
	})
}

func TestAdapter_AttachmentsRoundTrip(t *testing.T) {
	backends(t, func(t *testing.T, s Adapter) {
		ctx := context.Background()
		chat, err := s.CreateChat(ctx, "u1", ChatInput{})
		require.NoError(t, err)

		att := Attachment{ID: "a1", Type: AttachmentPDF, Name: "report.pdf", MIME: "application/pdf", Size: 1024, PDFText: "text", PageCount: 3}
		_, err = s.AddMessage(ctx, chat.ID, Message{Role: RoleUser, Content: "see file", Attachments: []Attachment{att}})
		require.NoError(t, err)

		msgs, err := s.ListMessages(ctx, chat.ID)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, []Attachment{att}, msgs[0].Attachments)
	})
}

func TestAdapter_UpdateAndRemoveMessages(t *testing.T) {
	backends(t, func(t *testing.T, s Adapter) {
		ctx := context.Background()
		chat, err := s.CreateChat(ctx, "u1", ChatInput{})
		require.NoError(t, err)

		u, err := s.AddMessage(ctx, chat.ID, Message{Role: RoleUser, Content: "draft"})
		require.NoError(t, err)
		a, err := s.AddMessage(ctx, chat.ID, Message{Role: RoleAssistant, Content: "reply"})
		require.NoError(t, err)

		require.NoError(t, s.UpdateMessage(ctx, chat.ID, u.ID, "final"))
		assert.ErrorIs(t, s.UpdateMessage(ctx, chat.ID, "missing", "x"), ErrMessageNotFound)

		require.NoError(t, s.RemoveMessages(ctx, chat.ID, []string{a.ID, "unknown"}))

		msgs, err := s.ListMessages(ctx, chat.ID)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, "final", msgs[0].Content)
		require.NotNil(t, msgs[0].UpdatedAt)

		got, err := s.GetChat(ctx, chat.ID)
		require.NoError(t, err)
		assert.False(t, got.UpdatedAt.Before(*msgs[0].UpdatedAt))
	})
}

func TestAdapter_UpdateChatMerges(t *testing.T) {
	backends(t, func(t *testing.T, s Adapter) {
		ctx := context.Background()
		chat, err := s.CreateChat(ctx, "u1", ChatInput{Title: "Trip"})
		require.NoError(t, err)

		summary := "went to Rome"
		updated, err := s.UpdateChat(ctx, chat.ID, ChatPatch{Summary: &summary})
		require.NoError(t, err)
		assert.Equal(t, "Trip", updated.Title)
		assert.Equal(t, summary, updated.Summary)

		title := "Rome"
		updated, err = s.UpdateChat(ctx, chat.ID, ChatPatch{Title: &title})
		require.NoError(t, err)
		assert.Equal(t, "Rome", updated.Title)
		assert.Equal(t, summary, updated.Summary)

		_, err = s.UpdateChat(ctx, "missing", ChatPatch{Title: &title})
		assert.ErrorIs(t, err, ErrChatNotFound)
	})
}

func TestAdapter_DeleteChatCascades(t *testing.T) {
	backends(t, func(t *testing.T, s Adapter) {
		ctx := context.Background()
		chat, err := s.CreateChat(ctx, "u1", ChatInput{})
		require.NoError(t, err)
		_, err = s.AddMessage(ctx, chat.ID, Message{Role: RoleUser, Content: "hi"})
		require.NoError(t, err)

		require.NoError(t, s.DeleteChat(ctx, chat.ID))

		got, err := s.GetChat(ctx, chat.ID)
		require.NoError(t, err)
		assert.Nil(t, got)

		msgs, err := s.ListMessages(ctx, chat.ID)
		require.NoError(t, err)
		assert.Empty(t, msgs)

		chats, err := s.ListChats(ctx, "u1")
		require.NoError(t, err)
		assert.Empty(t, chats)

		// Deleting again is a no-op.
		assert.NoError(t, s.DeleteChat(ctx, chat.ID))
	})
}

func TestAdapter_AddMessageToUnknownChat(t *testing.T) {
	backends(t, func(t *testing.T, s Adapter) {
		_, err := s.AddMessage(context.Background(), "missing", Message{Role: RoleUser, Content: "hi"})
		assert.ErrorIs(t, err, ErrChatNotFound)
	})
}

func TestLocalStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewLocalStore(LocalConfig{Path: dir}, arbor.NewNoOpLogger())
	require.NoError(t, err)
	chat, err := s.CreateChat(ctx, "u1", ChatInput{})
	require.NoError(t, err)
	_, err = s.AddMessage(ctx, chat.ID, Message{Role: RoleUser, Content: "remember me"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := NewLocalStore(LocalConfig{Path: dir}, arbor.NewNoOpLogger())
	require.NoError(t, err)
	defer reopened.Close()

	msgs, err := reopened.ListMessages(ctx, chat.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "remember me", msgs[0].Content)
}

func TestSQLStore_Rebind(t *testing.T) {
	s := &SQLStore{driver: DriverPostgres}
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", s.rebind("SELECT * FROM t WHERE a = ? AND b = ?"))

	s.driver = DriverSQLite
	assert.Equal(t, "a = ?", s.rebind("a = ?"))
}
