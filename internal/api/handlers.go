package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"hcilab.org/persona-chat/internal/auth"
	"hcilab.org/persona-chat/internal/core"
	"hcilab.org/persona-chat/internal/logger"
	"hcilab.org/persona-chat/internal/store"
	"hcilab.org/persona-chat/internal/tables"
)

const (
	sessionCookieName = "persona_chat_session"
	maxBodyBytes      = 64 << 10
)

type APIHandler struct {
	chain       *core.Chain
	chatService *core.ChatService
	sessions    store.SessionRepository
	tables      *tables.Store
	assets      core.AssetLister
	avatarDir   string
	tokens      *auth.SessionTokens
	ttl         time.Duration
	redirectURL string
	locks       *keyedMutex
	log         *logger.Logger
}

type HandlerDeps struct {
	Chain          *core.Chain
	ChatService    *core.ChatService
	Sessions       store.SessionRepository
	Tables         *tables.Store
	Assets         core.AssetLister
	AvatarCategory string
	Tokens         *auth.SessionTokens
	SessionTTL     time.Duration
	RedirectURL    string
	Log            *logger.Logger
}

func NewAPIHandler(deps HandlerDeps) *APIHandler {
	return &APIHandler{
		chain:       deps.Chain,
		chatService: deps.ChatService,
		sessions:    deps.Sessions,
		tables:      deps.Tables,
		assets:      deps.Assets,
		avatarDir:   deps.AvatarCategory,
		tokens:      deps.Tokens,
		ttl:         deps.SessionTTL,
		redirectURL: deps.RedirectURL,
		locks:       newKeyedMutex(),
		log:         deps.Log.With("component", "api"),
	}
}

type pageResponse struct {
	Page   string         `json:"page"`
	Params map[string]any `json:"params"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (h *APIHandler) writeOutcome(w http.ResponseWriter, r *http.Request, o core.Outcome) {
	switch o.Kind {
	case core.OutcomeRedirect:
		http.Redirect(w, r, o.Location, http.StatusSeeOther)
	default:
		h.renderPage(w, o.Page, o.Params)
	}
}

func (h *APIHandler) renderPage(w http.ResponseWriter, page string, params map[string]any) {
	if params == nil {
		params = map[string]any{}
	}
	params["texts"] = h.tables.Texts()
	status := http.StatusOK
	if page == core.PageError {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, pageResponse{Page: page, Params: params})
}

// sessionKey returns the key carried by a valid session cookie, or "".
func (h *APIHandler) sessionKey(r *http.Request) string {
	c, err := r.Cookie(sessionCookieName)
	if err != nil || c.Value == "" {
		return ""
	}
	key, err := h.tokens.Validate(c.Value)
	if err != nil {
		h.log.Debug("Ignoring invalid session cookie", "error", err)
		return ""
	}
	return key
}

func (h *APIHandler) setSessionCookie(w http.ResponseWriter, key string) error {
	token, err := h.tokens.Generate(key)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(h.ttl.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

func clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// withSession serializes the request on its session, runs the gate chain and
// calls next only when every gate passed.
func (h *APIHandler) withSession(next func(w http.ResponseWriter, r *http.Request, req *core.GateRequest)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		key := h.sessionKey(r)
		if key != "" {
			unlock := h.locks.Lock(key)
			defer unlock()
		}

		query := map[string]string{}
		for k, v := range r.URL.Query() {
			if len(v) > 0 {
				query[k] = v[0]
			}
		}
		req := &core.GateRequest{
			Method:     r.Method,
			Route:      r.URL.Path,
			Body:       body,
			Query:      query,
			SessionKey: key,
		}

		outcome, err := h.chain.Run(r.Context(), req)
		if err != nil {
			if errors.Is(err, core.ErrInvalidForm) {
				writeError(w, http.StatusBadRequest, "Invalid request")
				return
			}
			h.log.Error("Gate chain failed", "route", req.Route, "error", err)
			writeError(w, http.StatusInternalServerError, "Something went wrong")
			return
		}

		switch {
		case req.Destroy:
			clearSessionCookie(w)
		case req.Created:
			if err := h.setSessionCookie(w, req.Session.Key); err != nil {
				h.log.Error("Failed to issue session cookie", "error", err)
				writeError(w, http.StatusInternalServerError, "Something went wrong")
				return
			}
		}

		if outcome.Kind != core.OutcomePass {
			h.writeOutcome(w, r, outcome)
			return
		}
		next(w, r, req)
	}
}

func decodeStrict(body []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (h *APIHandler) save(w http.ResponseWriter, r *http.Request, s *store.Session) bool {
	if err := h.sessions.Save(r.Context(), s); err != nil {
		h.log.Error("Failed to save session", "participantId", s.ParticipantID, "error", err)
		writeError(w, http.StatusInternalServerError, "Something went wrong")
		return false
	}
	return true
}

type turnView struct {
	Role    store.Role `json:"role"`
	Content string     `json:"content"`
}

// RootHandler renders the chat page once every stage is done.
func (h *APIHandler) RootHandler(w http.ResponseWriter, r *http.Request, req *core.GateRequest) {
	s := req.Session
	turns := make([]turnView, 0, len(s.ConversationContext))
	for _, t := range s.ConversationContext {
		turns = append(turns, turnView{Role: t.Role, Content: t.Content})
	}
	h.renderPage(w, core.PageChat, map[string]any{
		"displayName":  s.Preferences.DisplayName,
		"avatar":       s.Preferences.Avatar,
		"conversation": turns,
	})
}

// StageDoneHandler answers a stage form posted after its stage is complete.
func (h *APIHandler) StageDoneHandler(w http.ResponseWriter, r *http.Request, req *core.GateRequest) {
	http.Redirect(w, r, core.RouteRoot, http.StatusSeeOther)
}

type ChatRequest struct {
	Message string `json:"message"`
}

type ChatResponse struct {
	Reply string `json:"reply"`
}

func (h *APIHandler) ChatHandler(w http.ResponseWriter, r *http.Request, req *core.GateRequest) {
	var body ChatRequest
	if err := decodeStrict(req.Body, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	s := req.Session
	reply, err := h.chatService.PostMessage(r.Context(), s, body.Message)
	if errors.Is(err, core.ErrEmptyMessage) {
		writeError(w, http.StatusBadRequest, "Message content cannot be empty")
		return
	}
	// The user turn is kept even when the reply failed.
	if !h.save(w, r, s) {
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to generate a reply")
		return
	}
	writeJSON(w, http.StatusOK, ChatResponse{Reply: reply})
}

func (h *APIHandler) QuestionnaireHandler(w http.ResponseWriter, r *http.Request, req *core.GateRequest) {
	h.renderPage(w, core.PageQuestionnaire, map[string]any{
		"questions": h.chatService.Questionnaire(),
	})
}

type EndRequest struct {
	Answers map[string]string `json:"answers"`
}

func (h *APIHandler) EndHandler(w http.ResponseWriter, r *http.Request, req *core.GateRequest) {
	var body EndRequest
	if err := decodeStrict(req.Body, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	s := req.Session
	if err := h.chatService.Finish(r.Context(), s, body.Answers); err != nil {
		if errors.Is(err, core.ErrInvalidForm) {
			writeError(w, http.StatusBadRequest, "Invalid request")
			return
		}
		h.log.Error("Failed to finish session", "participantId", s.ParticipantID, "error", err)
		writeError(w, http.StatusInternalServerError, "Something went wrong")
		return
	}
	h.renderPage(w, core.PageEnded, core.EndedParams(s, h.redirectURL))
}

func (h *APIHandler) AvatarsHandler(w http.ResponseWriter, r *http.Request) {
	avatars, err := h.assets.ListAssets(h.avatarDir)
	if err != nil {
		h.log.Error("Failed to list avatars", "error", err)
		writeError(w, http.StatusInternalServerError, "Something went wrong")
		return
	}
	if avatars == nil {
		avatars = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"avatars": avatars})
}

type ManipulationRequest struct {
	HiddenPrompt string `json:"hidden_prompt"`
	Task         string `json:"task"`
}

func (h *APIHandler) ManipulationHandler(w http.ResponseWriter, r *http.Request, req *core.GateRequest) {
	var body ManipulationRequest
	if err := decodeStrict(req.Body, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	system := h.chatService.Manipulate(req.Session, body.HiddenPrompt, body.Task)
	if !h.save(w, r, req.Session) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"systemPrompt": system})
}

func (h *APIHandler) ResetHandler(w http.ResponseWriter, r *http.Request, req *core.GateRequest) {
	h.chatService.Reset(req.Session)
	if !h.save(w, r, req.Session) {
		return
	}
	http.Redirect(w, r, core.RouteRoot, http.StatusSeeOther)
}
