package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Galenite-GLNT/galenite-site/internal/auth"
	"github.com/Galenite-GLNT/galenite-site/internal/core"
	"github.com/Galenite-GLNT/galenite-site/internal/events"
	"github.com/Galenite-GLNT/galenite-site/internal/gateway"
	"github.com/Galenite-GLNT/galenite-site/internal/store"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

type echoGateway struct{}

func (echoGateway) Complete(ctx context.Context, req gateway.Request) (string, error) {
	return "echo: " + req.Messages[len(req.Messages)-1].Content, nil
}

type testServer struct {
	*httptest.Server
	verifier *auth.Verifier
	manager  *core.Manager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := arbor.NewNoOpLogger()
	local, err := store.NewLocalStore(store.LocalConfig{InMemory: true}, logger)
	require.NoError(t, err)

	bus := events.NewBus()
	manager := core.NewManager(core.SessionDeps{
		Repo:    core.NewRepository(local, local, logger),
		Gateway: echoGateway{},
		Bus:     bus,
		Logger:  logger,
	})
	verifier := auth.NewVerifier("test-secret")
	srv := httptest.NewServer(NewRouter(NewAPIHandler(manager, bus, verifier, logger)))
	t.Cleanup(func() {
		srv.Close()
		manager.Wait()
		local.Close()
	})
	return &testServer{Server: srv, verifier: verifier, manager: manager}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}, header http.Header) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, s.URL+path, &buf)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (s *testServer) bearer(t *testing.T, uid string) http.Header {
	t.Helper()
	token, err := s.verifier.IssueToken(uid, time.Hour)
	require.NoError(t, err)
	return http.Header{"Authorization": {"Bearer " + token}}
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)
	resp := srv.do(t, http.MethodGet, "/api/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSendMessageFlow(t *testing.T) {
	srv := newTestServer(t)
	guest := http.Header{"X-Guest-Id": {"visitor1"}}

	resp := srv.do(t, http.MethodPost, "/api/session/messages", map[string]string{"text": "hello there"}, guest)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[core.Outcome](t, resp)
	assert.Equal(t, core.StateCommitted, out.State)
	require.NotNil(t, out.Reply)
	assert.Equal(t, "echo: hello there", out.Reply.Content)

	resp = srv.do(t, http.MethodGet, "/api/chats", nil, guest)
	chats := decode[[]store.Chat](t, resp)
	require.Len(t, chats, 1)
	assert.Equal(t, "hello there", chats[0].Title)
	assert.Equal(t, "guest_visitor1", chats[0].UID)

	resp = srv.do(t, http.MethodGet, "/api/session", nil, guest)
	snap := decode[core.Snapshot](t, resp)
	assert.Equal(t, chats[0].ID, snap.ChatID)
	assert.Len(t, snap.History, 2)

	// Another guest sees nothing.
	resp = srv.do(t, http.MethodGet, "/api/chats", nil, http.Header{"X-Guest-Id": {"visitor2"}})
	assert.Empty(t, decode[[]store.Chat](t, resp))
}

func TestSessionErrors(t *testing.T) {
	srv := newTestServer(t)

	resp := srv.do(t, http.MethodPost, "/api/session/messages", map[string]string{"text": "  "}, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = srv.do(t, http.MethodPost, "/api/session/retry", nil, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = srv.do(t, http.MethodPost, "/api/session/regenerate", nil, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = srv.do(t, http.MethodPost, "/api/session/select", map[string]string{"chatId": "missing"}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = srv.do(t, http.MethodPost, "/api/session/messages", map[string]interface{}{
		"text":        "see file",
		"attachments": []map[string]string{{"name": "a.gif", "mime": "image/gif"}},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = srv.do(t, http.MethodPost, "/api/session/stop", nil, nil)
	assert.Equal(t, map[string]bool{"stopped": false}, decode[map[string]bool](t, resp))
}

func TestIdentity(t *testing.T) {
	srv := newTestServer(t)

	resp := srv.do(t, http.MethodGet, "/api/chats", nil, http.Header{"Authorization": {"Bearer nope"}})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = srv.do(t, http.MethodGet, "/api/chats", nil, http.Header{"X-Guest-Id": {"not/valid"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	alice := srv.bearer(t, "alice")
	resp = srv.do(t, http.MethodPost, "/api/session/messages", map[string]string{"text": "mine"}, alice)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = srv.do(t, http.MethodGet, "/api/chats", nil, alice)
	chats := decode[[]store.Chat](t, resp)
	require.Len(t, chats, 1)
	assert.Equal(t, "alice", chats[0].UID)

	resp = srv.do(t, http.MethodGet, "/api/chats", nil, nil)
	assert.Empty(t, decode[[]store.Chat](t, resp))

	// Bob cannot touch Alice's chat.
	bob := srv.bearer(t, "bob")
	resp = srv.do(t, http.MethodDelete, "/api/chats/"+chats[0].ID, nil, bob)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestIdentity_GuestSubjectsRejected(t *testing.T) {
	srv := newTestServer(t)

	guest := http.Header{"X-Guest-Id": {"g1"}}
	resp := srv.do(t, http.MethodPost, "/api/session/messages", map[string]string{"text": "guest only"}, guest)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	for _, sub := range []string{"guest", "guest_g1"} {
		resp = srv.do(t, http.MethodGet, "/api/chats", nil, srv.bearer(t, sub))
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, sub)
	}

	resp = srv.do(t, http.MethodGet, "/api/chats", nil, guest)
	assert.Len(t, decode[[]store.Chat](t, resp), 1)
}

func TestChatEndpoints(t *testing.T) {
	srv := newTestServer(t)
	user := srv.bearer(t, "u1")

	resp := srv.do(t, http.MethodPost, "/api/chats", nil, user)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	snap := decode[core.Snapshot](t, resp)
	assert.True(t, snap.Draft)

	srv.do(t, http.MethodPost, "/api/session/messages", map[string]string{"text": "first"}, user)
	chats := decode[[]store.Chat](t, srv.do(t, http.MethodGet, "/api/chats", nil, user))
	require.Len(t, chats, 1)
	chatID := chats[0].ID

	resp = srv.do(t, http.MethodPatch, "/api/chats/"+chatID, map[string]string{"title": "Renamed"}, user)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Renamed", decode[store.Chat](t, resp).Title)

	resp = srv.do(t, http.MethodPatch, "/api/chats/"+chatID, map[string]string{}, user)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = srv.do(t, http.MethodPost, "/api/session/edit", map[string]string{"text": "first, edited"}, user)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "echo: first, edited", decode[core.Outcome](t, resp).Reply.Content)

	resp = srv.do(t, http.MethodDelete, "/api/chats/"+chatID, nil, user)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, decode[[]store.Chat](t, srv.do(t, http.MethodGet, "/api/chats", nil, user)))
	assert.True(t, decode[core.Snapshot](t, srv.do(t, http.MethodGet, "/api/session", nil, user)).Draft)
}

func TestProfileEndpoints(t *testing.T) {
	srv := newTestServer(t)
	user := srv.bearer(t, "u1")

	resp := srv.do(t, http.MethodGet, "/api/profile", nil, user)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	profile := decode[store.Profile](t, resp)
	assert.Equal(t, "u1", profile.UID)
	assert.Equal(t, "User", profile.DisplayName)

	resp = srv.do(t, http.MethodPut, "/api/profile", map[string]string{"displayName": "Ada", "defaultPrompt": "be brief"}, user)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	profile = decode[store.Profile](t, resp)
	assert.Equal(t, "Ada", profile.DisplayName)
	assert.Equal(t, "be brief", profile.DefaultPrompt)

	resp = srv.do(t, http.MethodPut, "/api/profile", map[string]string{"avatarUrl": "not a url"}, user)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = srv.do(t, http.MethodPut, "/api/profile", map[string]string{"displayName": strings.Repeat("x", 81)}, user)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEventsStream(t *testing.T) {
	srv := newTestServer(t)
	token, err := srv.verifier.IssueToken("u1", time.Hour)
	require.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events?access_token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Events of other identities are filtered out.
	srv.do(t, http.MethodPost, "/api/session/messages", map[string]string{"text": "guest"}, nil)
	srv.do(t, http.MethodPost, "/api/session/messages", map[string]string{"text": "hi"}, srv.bearer(t, "u1"))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var first map[string]string
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, string(events.ChatChanged), first["type"])
	assert.NotEmpty(t, first["chatId"])
	assert.NotContains(t, first, "uid")

	snap := srv.manager.Session(core.Identity{UID: "u1"}).Snapshot()
	assert.Equal(t, snap.ChatID, first["chatId"])
}
