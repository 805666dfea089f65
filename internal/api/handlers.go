package api

import (
	"context"
	"net/http"

	"github.com/Galenite-GLNT/galenite-site/internal/auth"
	"github.com/Galenite-GLNT/galenite-site/internal/core"
	"github.com/Galenite-GLNT/galenite-site/internal/events"
	"github.com/Galenite-GLNT/galenite-site/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
)

var validate = validator.New()

type APIHandler struct {
	manager  *core.Manager
	bus      *events.Bus
	verifier *auth.Verifier
	logger   arbor.ILogger
}

func NewAPIHandler(manager *core.Manager, bus *events.Bus, verifier *auth.Verifier, logger arbor.ILogger) *APIHandler {
	return &APIHandler{manager: manager, bus: bus, verifier: verifier, logger: logger}
}

func (h *APIHandler) session(r *http.Request) *core.Session {
	return h.manager.Session(IdentityFrom(r.Context()))
}

// detached outlives the HTTP request: a dropped connection must not abort a
// completion, only Stop does.
func detached(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

// fail writes the response for err, logging what the caller cannot fix.
func (h *APIHandler) fail(w http.ResponseWriter, r *http.Request, err error, message string) {
	switch status := statusFor(err); status {
	case 0:
		h.logger.Error().Err(err).Str("uid", IdentityFrom(r.Context()).Key()).Str("path", r.URL.Path).Msg(message)
		writeError(w, http.StatusInternalServerError, message)
	case http.StatusNoContent:
		w.WriteHeader(status)
	default:
		writeError(w, status, err.Error())
	}
}

func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *APIHandler) GetProfileHandler(w http.ResponseWriter, r *http.Request) {
	repo := h.manager.Repository(IdentityFrom(r.Context()))
	profile, err := repo.EnsureProfile(r.Context(), "", "")
	if err != nil {
		h.fail(w, r, err, "Failed to load profile")
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

type ProfileRequest struct {
	DisplayName   string `json:"displayName" validate:"max=80"`
	AvatarURL     string `json:"avatarUrl" validate:"omitempty,url,max=2048"`
	AvatarDataURL string `json:"avatarDataUrl" validate:"omitempty,datauri"`
	Bio           string `json:"bio" validate:"max=1000"`
	DefaultPrompt string `json:"defaultPrompt" validate:"max=4000"`
}

func (h *APIHandler) PutProfileHandler(w http.ResponseWriter, r *http.Request) {
	var req ProfileRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	repo := h.manager.Repository(IdentityFrom(r.Context()))
	profile, err := repo.SaveProfile(r.Context(), store.Profile{
		DisplayName:   req.DisplayName,
		AvatarURL:     req.AvatarURL,
		AvatarDataURL: req.AvatarDataURL,
		Bio:           req.Bio,
		DefaultPrompt: req.DefaultPrompt,
	})
	if err != nil {
		h.fail(w, r, err, "Failed to save profile")
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (h *APIHandler) ListChatsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.session(r).ListConversations(r.Context()))
}

// CreateChatHandler opens a draft; it is stored with its first message.
func (h *APIHandler) CreateChatHandler(w http.ResponseWriter, r *http.Request) {
	s := h.session(r)
	s.NewConversation(r.Context())
	writeJSON(w, http.StatusCreated, s.Snapshot())
}

type RenameChatRequest struct {
	Title string `json:"title" validate:"required,max=200"`
}

func (h *APIHandler) RenameChatHandler(w http.ResponseWriter, r *http.Request) {
	var req RenameChatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	chat, err := h.session(r).RenameConversation(r.Context(), chi.URLParam(r, "chatID"), req.Title)
	if err != nil {
		h.fail(w, r, err, "Failed to rename chat")
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

func (h *APIHandler) DeleteChatHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.session(r).DeleteConversation(r.Context(), chi.URLParam(r, "chatID")); err != nil {
		h.fail(w, r, err, "Failed to delete chat")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) GetSessionHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.session(r).Snapshot())
}

type SelectRequest struct {
	ChatID string `json:"chatId"`
}

func (h *APIHandler) SelectHandler(w http.ResponseWriter, r *http.Request) {
	var req SelectRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	s := h.session(r)
	if err := s.SelectConversation(r.Context(), req.ChatID); err != nil {
		h.fail(w, r, err, "Failed to select chat")
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

func (h *APIHandler) SendMessageHandler(w http.ResponseWriter, r *http.Request) {
	var req core.Input
	if !decodeJSON(w, r, &req) {
		return
	}

	out, err := h.session(r).Send(detached(r), req)
	if err != nil {
		h.fail(w, r, err, "Failed to send message")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type EditRequest struct {
	Text string `json:"text"`
}

func (h *APIHandler) EditMessageHandler(w http.ResponseWriter, r *http.Request) {
	var req EditRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	out, err := h.session(r).EditLastUserMessage(detached(r), req.Text)
	if err != nil {
		h.fail(w, r, err, "Failed to edit message")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *APIHandler) RegenerateHandler(w http.ResponseWriter, r *http.Request) {
	out, err := h.session(r).Regenerate(detached(r))
	if err != nil {
		h.fail(w, r, err, "Failed to regenerate reply")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *APIHandler) RetryHandler(w http.ResponseWriter, r *http.Request) {
	out, err := h.session(r).Retry(detached(r))
	if err != nil {
		h.fail(w, r, err, "Failed to retry request")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *APIHandler) StopHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": h.session(r).Stop()})
}
