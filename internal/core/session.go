package core

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Galenite-GLNT/galenite-site/internal/events"
	"github.com/Galenite-GLNT/galenite-site/internal/gateway"
	"github.com/Galenite-GLNT/galenite-site/internal/store"
	"github.com/Galenite-GLNT/galenite-site/internal/utils"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/ternarybob/arbor"
)

const (
	previewMaxRunes = 120
	pendingPrefix   = "pending_"
)

type RequestState string

const (
	StateIdle             RequestState = "idle"
	StateSending          RequestState = "sending"
	StateAwaitingResponse RequestState = "awaiting_response"
	StateCommitted        RequestState = "committed"
	StateAbortedByUser    RequestState = "aborted_by_user"
	StateTimedOut         RequestState = "timed_out"
	StateFailed           RequestState = "failed"
)

// Retryable reports whether the outcome offers a manual retry.
func (s RequestState) Retryable() bool {
	return s == StateTimedOut || s == StateFailed
}

func (s RequestState) InFlight() bool {
	return s == StateSending || s == StateAwaitingResponse
}

var (
	ErrEmptyInput        = errors.New("message is empty")
	ErrRequestInFlight   = errors.New("a request is already in flight")
	ErrNothingToResubmit = errors.New("there is no user message to resubmit")
	ErrNotRetryable      = errors.New("the last request cannot be retried")

	errStoppedByUser = errors.New("stopped by user")
)

type Notices struct {
	Failed   string
	TimedOut string
	Stopped  string
}

var DefaultNotices = Notices{
	Failed:   "Galen could not answer right now. Check your connection and try again.",
	TimedOut: "Galen took too long to answer. Try again.",
	Stopped:  "Generation stopped.",
}

// Input is a user turn as composed in the UI.
type Input struct {
	Text        string             `json:"text"`
	Attachments []store.Attachment `json:"attachments"`
	Focus       string             `json:"focus"`
}

// Outcome is the terminal state of one request.
type Outcome struct {
	State     RequestState   `json:"state"`
	Retryable bool           `json:"retryable"`
	Notice    string         `json:"notice,omitempty"`
	ChatID    string         `json:"chatId,omitempty"`
	Reply     *store.Message `json:"reply,omitempty"`
}

type Snapshot struct {
	ChatID    string          `json:"chatId"`
	Draft     bool            `json:"draft"`
	History   []store.Message `json:"history"`
	State     RequestState    `json:"state"`
	Retryable bool            `json:"retryable"`
	Notice    string          `json:"notice,omitempty"`
}

type SessionDeps struct {
	Repo       *Repository
	Gateway    gateway.Completer
	Prompt     *PromptBuilder
	Summarizer *Summarizer
	Bus        *events.Bus
	Notices    Notices
	Logger     arbor.ILogger
}

type request struct {
	chatID     string
	state      RequestState
	cancel     context.CancelCauseFunc
	detached   bool
	stopped    bool
	committing bool
}

// Session is the conversation engine of one identity. Its mutex guards the
// fields below and is never held across store or gateway calls.
type Session struct {
	repo       *Repository
	gw         gateway.Completer
	prompt     *PromptBuilder
	summarizer *Summarizer
	bus        *events.Bus
	notices    Notices
	logger     arbor.ILogger
	background sync.WaitGroup

	mu             sync.Mutex
	chatID         string
	history        []store.Message
	active         *request
	last           Outcome
	focus          string
	lastSummarized int
	summarizing    bool
}

func NewSession(deps SessionDeps) *Session {
	notices := deps.Notices
	if notices == (Notices{}) {
		notices = DefaultNotices
	}
	prompt := deps.Prompt
	if prompt == nil {
		prompt = NewPromptBuilder(PromptPolicy{})
	}
	return &Session{
		repo:       deps.Repo,
		gw:         deps.Gateway,
		prompt:     prompt,
		summarizer: deps.Summarizer,
		bus:        deps.Bus,
		notices:    notices,
		logger:     deps.Logger,
		chatID:     newDraftID(),
		last:       Outcome{State: StateIdle},
	}
}

func newDraftID() string {
	return store.DraftPrefix + uuid.NewString()
}

func isDraft(chatID string) bool {
	return chatID == "" || store.IsDraftID(chatID)
}

func (s *Session) UID() string {
	return s.repo.UID()
}

func (s *Session) publish(t events.Type, chatID string) {
	if s.bus != nil {
		s.bus.Publish(events.Event{Type: t, UID: s.repo.UID(), ChatID: chatID})
	}
}

// owns reports whether req still drives the visible history. Callers hold mu.
func (s *Session) owns(req *request) bool {
	return !req.detached && s.chatID == req.chatID
}

// Wait blocks until background summaries finish.
func (s *Session) Wait() {
	s.background.Wait()
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ChatID:    s.chatID,
		Draft:     isDraft(s.chatID),
		History:   slices.Clone(s.history),
		State:     s.last.State,
		Retryable: s.last.Retryable,
		Notice:    s.last.Notice,
	}
	if snap.History == nil {
		snap.History = []store.Message{}
	}
	if s.active != nil && !s.active.detached {
		snap.State = s.active.state
		snap.Retryable = false
		snap.Notice = ""
	}
	return snap
}

func (s *Session) ListConversations(ctx context.Context) []store.Chat {
	return s.repo.ListChats(ctx)
}

// SelectConversation switches the visible chat. An in-flight request for
// another chat keeps running and persists to its own chat; selecting its chat
// again reattaches it.
func (s *Session) SelectConversation(ctx context.Context, chatID string) error {
	var msgs []store.Message
	if isDraft(chatID) {
		if chatID == "" {
			chatID = newDraftID()
		}
	} else {
		if s.repo.GetChat(ctx, chatID) == nil {
			return store.ErrChatNotFound
		}
		msgs = s.repo.ListMessages(ctx, chatID)
	}

	s.mu.Lock()
	if s.active != nil {
		s.active.detached = s.active.chatID != chatID
	}
	s.chatID = chatID
	s.history = msgs
	s.last = Outcome{State: StateIdle}
	s.lastSummarized = 0
	s.mu.Unlock()

	s.publish(events.ChatChanged, chatID)
	return nil
}

// NewConversation selects a fresh draft and returns its id.
func (s *Session) NewConversation(ctx context.Context) string {
	id := newDraftID()
	s.SelectConversation(ctx, id)
	return id
}

func (s *Session) begin(ctx context.Context, check func() error) (*request, context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		return nil, nil, ErrRequestInFlight
	}
	if check != nil {
		if err := check(); err != nil {
			return nil, nil, err
		}
	}
	reqCtx, cancel := context.WithCancelCause(ctx)
	req := &request{chatID: s.chatID, state: StateSending, cancel: cancel}
	s.active = req
	s.last = Outcome{State: StateIdle}
	return req, reqCtx, nil
}

// abandon releases a request that never reached the gateway.
func (s *Session) abandon(req *request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req.cancel(nil)
	req.state = StateIdle
	if s.active == req {
		s.active = nil
	}
}

func (s *Session) finish(req *request, state RequestState, reply *store.Message) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := Outcome{
		State:     state,
		Retryable: state.Retryable(),
		Notice:    s.noticeFor(state),
		ChatID:    req.chatID,
		Reply:     reply,
	}
	req.state = state
	req.cancel(nil)
	if s.active == req {
		s.active = nil
	}
	if !req.detached {
		s.last = out
	}
	return out
}

func (s *Session) noticeFor(state RequestState) string {
	switch state {
	case StateFailed:
		return s.notices.Failed
	case StateTimedOut:
		return s.notices.TimedOut
	case StateAbortedByUser:
		return s.notices.Stopped
	}
	return ""
}

// materialize turns a draft into a stored chat on its first message.
func (s *Session) materialize(ctx context.Context, req *request) (string, error) {
	s.mu.Lock()
	chatID := req.chatID
	s.mu.Unlock()
	if !isDraft(chatID) {
		return chatID, nil
	}

	chat, err := s.repo.CreateChat(ctx, "")
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	visible := s.owns(req)
	if visible {
		s.chatID = chat.ID
	}
	req.chatID = chat.ID
	s.mu.Unlock()

	if visible {
		s.publish(events.ChatChanged, chat.ID)
	}
	s.publish(events.ChatsShouldRefresh, chat.ID)
	return chat.ID, nil
}

// Send appends a user turn and asks the gateway for the reply.
func (s *Session) Send(ctx context.Context, in Input) (*Outcome, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" && len(in.Attachments) == 0 {
		return nil, ErrEmptyInput
	}
	attachments, err := SanitizeAttachments(in.Attachments)
	if err != nil {
		return nil, err
	}

	req, reqCtx, err := s.begin(ctx, nil)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.focus = in.Focus
	s.mu.Unlock()

	chatID, err := s.materialize(ctx, req)
	if err != nil {
		s.abandon(req)
		return nil, err
	}

	pending := store.Message{
		ID:          pendingPrefix + uuid.NewString(),
		ChatID:      chatID,
		Role:        store.RoleUser,
		Content:     text,
		Attachments: attachments,
		CreatedAt:   time.Now().UTC(),
	}
	s.mu.Lock()
	if s.owns(req) {
		s.history = append(s.history, pending)
	}
	s.mu.Unlock()

	saved, err := s.repo.AddMessage(ctx, chatID, pending)
	s.mu.Lock()
	idx := slices.IndexFunc(s.history, func(m store.Message) bool { return m.ID == pending.ID })
	if idx >= 0 {
		if err != nil {
			s.history = slices.Delete(s.history, idx, idx+1)
		} else {
			s.history[idx] = *saved
		}
	}
	s.mu.Unlock()
	if err != nil {
		s.abandon(req)
		return nil, err
	}

	s.touchPreview(ctx, chatID, saved.Content)
	s.publish(events.ChatsShouldRefresh, chatID)

	out := s.complete(ctx, reqCtx, req)
	return &out, nil
}

// EditLastUserMessage rewrites the most recent user turn, drops everything
// after it and asks for a fresh reply.
func (s *Session) EditLastUserMessage(ctx context.Context, text string) (*Outcome, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyInput
	}

	var target store.Message
	var dropped []string
	var previous []store.Message
	req, reqCtx, err := s.begin(ctx, func() error {
		idx := lastUserIndex(s.history)
		if isDraft(s.chatID) || idx < 0 {
			return ErrNothingToResubmit
		}
		target = s.history[idx]
		dropped = messageIDs(s.history[idx+1:])
		previous = slices.Clone(s.history)

		edited := target
		edited.Content = text
		ts := time.Now().UTC()
		edited.UpdatedAt = &ts
		s.history = append(slices.Clone(s.history[:idx]), edited)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.repo.UpdateMessage(ctx, req.chatID, target.ID, text); err != nil {
		s.restore(req, previous)
		s.abandon(req)
		return nil, err
	}
	if len(dropped) > 0 {
		if err := s.repo.RemoveMessages(ctx, req.chatID, dropped); err != nil {
			s.logger.Warn().Err(err).Str("chat_id", req.chatID).Msg("Failed to drop messages after edit, reloading history")
			s.reload(ctx, req)
		}
	}

	s.touchPreview(ctx, req.chatID, text)
	s.publish(events.ChatsShouldRefresh, req.chatID)

	out := s.complete(ctx, reqCtx, req)
	return &out, nil
}

// Regenerate discards the reply to the last user turn and asks again.
func (s *Session) Regenerate(ctx context.Context) (*Outcome, error) {
	var dropped []string
	var previous []store.Message
	req, reqCtx, err := s.begin(ctx, func() error {
		idx := lastUserIndex(s.history)
		if isDraft(s.chatID) || idx < 0 {
			return ErrNothingToResubmit
		}
		dropped = messageIDs(s.history[idx+1:])
		previous = slices.Clone(s.history)
		s.history = slices.Clone(s.history[:idx+1])
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(dropped) > 0 {
		if err := s.repo.RemoveMessages(ctx, req.chatID, dropped); err != nil {
			s.restore(req, previous)
			s.abandon(req)
			return nil, err
		}
		s.publish(events.ChatsShouldRefresh, req.chatID)
	}

	out := s.complete(ctx, reqCtx, req)
	return &out, nil
}

// Retry resubmits the unchanged history after a timeout or failure.
func (s *Session) Retry(ctx context.Context) (*Outcome, error) {
	req, reqCtx, err := s.begin(ctx, func() error {
		if !s.last.Retryable {
			return ErrNotRetryable
		}
		if isDraft(s.chatID) || lastUserIndex(s.history) < 0 {
			return ErrNothingToResubmit
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := s.complete(ctx, reqCtx, req)
	return &out, nil
}

// Stop cancels the in-flight request. It reports false when there is
// nothing left to stop.
func (s *Session) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	req := s.active
	if req == nil || req.detached || req.committing || req.stopped {
		return false
	}
	req.stopped = true
	req.cancel(errStoppedByUser)
	return true
}

func (s *Session) DeleteConversation(ctx context.Context, chatID string) error {
	if isDraft(chatID) {
		s.mu.Lock()
		current := s.chatID == chatID
		s.mu.Unlock()
		if current {
			s.NewConversation(ctx)
		}
		return nil
	}

	if s.repo.GetChat(ctx, chatID) == nil {
		return store.ErrChatNotFound
	}
	if err := s.repo.DeleteChat(ctx, chatID); err != nil {
		return err
	}

	s.mu.Lock()
	current := s.chatID == chatID
	if req := s.active; req != nil && req.chatID == chatID && !req.committing {
		req.stopped = true
		req.cancel(errStoppedByUser)
	}
	s.mu.Unlock()

	if current {
		s.NewConversation(ctx)
	}
	s.publish(events.ChatsShouldRefresh, chatID)
	return nil
}

func (s *Session) RenameConversation(ctx context.Context, chatID, title string) (*store.Chat, error) {
	title = utils.CollapseWhitespace(title)
	if title == "" {
		return nil, ErrEmptyInput
	}
	if s.repo.GetChat(ctx, chatID) == nil {
		return nil, store.ErrChatNotFound
	}
	chat, err := s.repo.UpdateChat(ctx, chatID, store.ChatPatch{Title: &title})
	if err != nil {
		return nil, err
	}
	s.publish(events.ChatsShouldRefresh, chatID)
	return chat, nil
}

// complete runs the gateway call for req and commits the reply.
func (s *Session) complete(ctx, reqCtx context.Context, req *request) Outcome {
	s.mu.Lock()
	var history []store.Message
	if s.owns(req) {
		history = slices.Clone(s.history)
	}
	focus := s.focus
	stopped := req.stopped
	s.mu.Unlock()

	if stopped {
		return s.finish(req, StateAbortedByUser, nil)
	}
	if history == nil {
		history = s.repo.ListMessages(ctx, req.chatID)
	}
	payload := s.prompt.Build(history, s.repo.GetChat(ctx, req.chatID), s.repo.GetProfile(ctx), focus)

	s.mu.Lock()
	req.state = StateAwaitingResponse
	s.mu.Unlock()

	content, err := s.gw.Complete(reqCtx, payload)

	s.mu.Lock()
	if req.stopped || errors.Is(context.Cause(reqCtx), errStoppedByUser) {
		s.mu.Unlock()
		return s.finish(req, StateAbortedByUser, nil)
	}
	if err != nil {
		s.mu.Unlock()
		state := failureState(err)
		s.logger.Warn().Err(err).Str("chat_id", req.chatID).Str("state", string(state)).Msg("Completion request failed")
		return s.finish(req, state, nil)
	}
	req.committing = true
	s.mu.Unlock()

	reply, err := s.repo.AddMessage(ctx, req.chatID, store.Message{Role: store.RoleAssistant, Content: content})
	if err != nil {
		s.logger.Error().Err(err).Str("chat_id", req.chatID).Msg("Failed to store assistant reply")
		return s.finish(req, StateFailed, nil)
	}

	s.mu.Lock()
	if s.owns(req) {
		s.history = append(s.history, *reply)
	}
	s.mu.Unlock()

	s.touchPreview(ctx, req.chatID, reply.Content)
	s.publish(events.ChatsShouldRefresh, req.chatID)
	out := s.finish(req, StateCommitted, reply)

	if s.summarizer != nil {
		s.background.Add(1)
		go func() {
			defer s.background.Done()
			s.maybeSummarize(context.WithoutCancel(ctx), req.chatID)
		}()
	}
	return out
}

func failureState(err error) RequestState {
	var timeout *gateway.TimeoutError
	if errors.As(err, &timeout) {
		return StateTimedOut
	}
	return StateFailed
}

func (s *Session) maybeSummarize(ctx context.Context, chatID string) {
	s.mu.Lock()
	if s.summarizing || s.chatID != chatID || !s.summarizer.Due(len(s.history), s.lastSummarized) {
		s.mu.Unlock()
		return
	}
	total := len(s.history)
	portion := slices.Clone(s.summarizer.Portion(s.history))
	s.summarizing = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.summarizing = false
		s.mu.Unlock()
	}()

	summary, err := s.summarizer.Summarize(ctx, portion)
	if err != nil {
		s.logger.Warn().Err(err).Str("chat_id", chatID).Msg("Failed to refresh chat summary")
		return
	}
	if _, err := s.repo.UpdateChat(ctx, chatID, store.ChatPatch{Summary: &summary}); err != nil {
		s.logger.Warn().Err(err).Str("chat_id", chatID).Msg("Failed to store chat summary")
		return
	}
	s.publish(events.ChatsShouldRefresh, chatID)

	s.mu.Lock()
	if s.chatID == chatID {
		s.lastSummarized = total
	}
	s.mu.Unlock()
}

func (s *Session) touchPreview(ctx context.Context, chatID, text string) {
	preview := utils.Preview(text, previewMaxRunes)
	if preview == "" {
		return
	}
	if _, err := s.repo.UpdateChat(ctx, chatID, store.ChatPatch{LastMessagePreview: &preview}); err != nil {
		s.logger.Warn().Err(err).Str("chat_id", chatID).Msg("Failed to update chat preview")
	}
}

// restore puts back the history captured before an optimistic change.
func (s *Session) restore(req *request, previous []store.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owns(req) {
		s.history = previous
	}
}

func (s *Session) reload(ctx context.Context, req *request) {
	msgs := s.repo.ListMessages(ctx, req.chatID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owns(req) {
		s.history = msgs
	}
}

func lastUserIndex(history []store.Message) int {
	_, idx, _ := lo.FindLastIndexOf(history, func(m store.Message) bool { return m.Role == store.RoleUser })
	return idx
}

func messageIDs(msgs []store.Message) []string {
	return lo.Map(msgs, func(m store.Message, _ int) string { return m.ID })
}
