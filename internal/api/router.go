package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"hcilab.org/persona-chat/internal/logger"
	"hcilab.org/persona-chat/internal/tables"
)

func NewRouter(apiHandler *APIHandler, t *tables.Store, devEndpoints bool, log *logger.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/avatars", apiHandler.AvatarsHandler)

	// Everything below needs the configuration tables and a session.
	r.Group(func(r chi.Router) {
		r.Use(WaitForTables(t, log))

		r.Get("/", apiHandler.withSession(apiHandler.RootHandler))
		r.Post("/code", apiHandler.withSession(apiHandler.StageDoneHandler))
		r.Post("/consent", apiHandler.withSession(apiHandler.StageDoneHandler))
		r.Post("/preferences", apiHandler.withSession(apiHandler.StageDoneHandler))
		r.Post("/chat", apiHandler.withSession(apiHandler.ChatHandler))
		r.Get("/end", apiHandler.withSession(apiHandler.QuestionnaireHandler))
		r.Post("/end", apiHandler.withSession(apiHandler.EndHandler))

		if devEndpoints {
			r.Route("/dev", func(r chi.Router) {
				r.Post("/manipulation", apiHandler.withSession(apiHandler.ManipulationHandler))
				r.Post("/reset", apiHandler.withSession(apiHandler.ResetHandler))
			})
		}
	})

	return r
}
