package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(apiHandler *APIHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", apiHandler.HealthHandler)

		r.Group(func(r chi.Router) {
			r.Use(apiHandler.IdentityMiddleware)

			r.Get("/profile", apiHandler.GetProfileHandler)
			r.Put("/profile", apiHandler.PutProfileHandler)

			r.Get("/chats", apiHandler.ListChatsHandler)
			r.Post("/chats", apiHandler.CreateChatHandler)
			r.Patch("/chats/{chatID}", apiHandler.RenameChatHandler)
			r.Delete("/chats/{chatID}", apiHandler.DeleteChatHandler)

			r.Route("/session", func(r chi.Router) {
				r.Get("/", apiHandler.GetSessionHandler)
				r.Post("/select", apiHandler.SelectHandler)
				r.Post("/messages", apiHandler.SendMessageHandler)
				r.Post("/edit", apiHandler.EditMessageHandler)
				r.Post("/regenerate", apiHandler.RegenerateHandler)
				r.Post("/retry", apiHandler.RetryHandler)
				r.Post("/stop", apiHandler.StopHandler)
			})

			r.Get("/events", apiHandler.EventsHandler)
		})
	})

	return r
}
