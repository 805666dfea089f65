package store

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

// flakyAdapter delegates to an inner Adapter and fails the operations listed in failOn.
type flakyAdapter struct {
	Adapter
	failOn map[string]bool
	calls  map[string]int
}

var errRemoteDown = errors.New("remote unavailable")

func newFlaky(inner Adapter, failOn ...string) *flakyAdapter {
	f := &flakyAdapter{Adapter: inner, failOn: map[string]bool{}, calls: map[string]int{}}
	for _, op := range failOn {
		f.failOn[op] = true
	}
	return f
}

func (f *flakyAdapter) hit(op string) error {
	f.calls[op]++
	if f.failOn[op] {
		return errRemoteDown
	}
	return nil
}

func (f *flakyAdapter) CreateChat(ctx context.Context, uid string, input ChatInput) (*Chat, error) {
	if err := f.hit("CreateChat"); err != nil {
		return nil, err
	}
	return f.Adapter.CreateChat(ctx, uid, input)
}

func (f *flakyAdapter) ListChats(ctx context.Context, uid string) ([]Chat, error) {
	if err := f.hit("ListChats"); err != nil {
		return nil, err
	}
	return f.Adapter.ListChats(ctx, uid)
}

func (f *flakyAdapter) AddMessage(ctx context.Context, chatID string, msg Message) (*Message, error) {
	if err := f.hit("AddMessage"); err != nil {
		return nil, err
	}
	return f.Adapter.AddMessage(ctx, chatID, msg)
}

func TestFallbackStore_CreateChatFailureSwitchesToLocal(t *testing.T) {
	ctx := context.Background()
	remote := newFlaky(newTestSQLStore(t), "CreateChat")
	local := newTestLocalStore(t)
	f := NewFallbackStore(remote, local, arbor.NewNoOpLogger())

	chat, err := f.CreateChat(ctx, "u1", ChatInput{})
	require.NoError(t, err)
	assert.False(t, f.Healthy())

	listed, err := f.ListChats(ctx, "u1")
	require.NoError(t, err)
	localChats, err := local.ListChats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, localChats, listed)
	require.Len(t, listed, 1)
	assert.Equal(t, chat.ID, listed[0].ID)

	// The remote is never consulted again.
	assert.Equal(t, 0, remote.calls["ListChats"])
}

func TestFallbackStore_StaysOnRemoteWhileHealthy(t *testing.T) {
	ctx := context.Background()
	remote := newFlaky(newTestSQLStore(t))
	local := newTestLocalStore(t)
	f := NewFallbackStore(remote, local, arbor.NewNoOpLogger())

	chat, err := f.CreateChat(ctx, "u1", ChatInput{})
	require.NoError(t, err)
	assert.True(t, f.Healthy())

	localChats, err := local.ListChats(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, localChats)

	got, err := f.GetChat(ctx, chat.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, chat.ID, got.ID)
}

func TestFallbackStore_NotFoundDoesNotSwitch(t *testing.T) {
	f := NewFallbackStore(newFlaky(newTestSQLStore(t)), newTestLocalStore(t), arbor.NewNoOpLogger())

	_, err := f.AddMessage(context.Background(), "missing", Message{Role: RoleUser, Content: "x"})
	assert.ErrorIs(t, err, ErrChatNotFound)
	assert.True(t, f.Healthy())
}

func TestFallbackStore_AdoptsRemoteChatAfterFailover(t *testing.T) {
	ctx := context.Background()
	remote := newFlaky(newTestSQLStore(t))
	local := newTestLocalStore(t)
	f := NewFallbackStore(remote, local, arbor.NewNoOpLogger())

	chat, err := f.CreateChat(ctx, "u1", ChatInput{})
	require.NoError(t, err)

	remote.failOn["AddMessage"] = true
	msg, err := f.AddMessage(ctx, chat.ID, Message{Role: RoleUser, Content: "still here"})
	require.NoError(t, err)
	assert.False(t, f.Healthy())
	assert.Equal(t, chat.ID, msg.ChatID)

	msgs, err := local.ListMessages(ctx, chat.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	adopted, err := local.GetChat(ctx, chat.ID)
	require.NoError(t, err)
	require.NotNil(t, adopted)
	assert.Equal(t, "still here", adopted.Title)
}

func TestFallbackStore_CancelledCallerDoesNotSwitch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := NewFallbackStore(newFlaky(newTestSQLStore(t), "CreateChat"), newTestLocalStore(t), arbor.NewNoOpLogger())

	_, err := f.CreateChat(ctx, "u1", ChatInput{})
	assert.ErrorIs(t, err, errRemoteDown)
	assert.True(t, f.Healthy())
}

func TestMakeTitle(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"  Hello   world  ", "Hello world"},
		{"", DefaultTitle},
		{" \n\t ", DefaultTitle},
		{strings.Repeat("a", 40), strings.Repeat("a", 34) + "…"},
		{strings.Repeat("я", 35), strings.Repeat("я", 34) + "…"},
		{"exactly thirty four characters!!!!", "exactly thirty four characters!!!!"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MakeTitle(tt.in), "input %q", tt.in)
	}
}

func TestIsDraftID(t *testing.T) {
	assert.True(t, IsDraftID("draft_123"))
	assert.False(t, IsDraftID("chat_123"))
	assert.False(t, IsDraftID(""))
}
