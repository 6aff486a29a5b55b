package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/google/uuid"

	"hcilab.org/persona-chat/internal/config"
	"hcilab.org/persona-chat/internal/logger"
	"hcilab.org/persona-chat/internal/store"
	"hcilab.org/persona-chat/internal/utils"
)

// Pages a gate or handler can render.
const (
	PageEnded         = "ended"
	PageDeclined      = "declined"
	PageCode          = "code"
	PageConsent       = "consent"
	PagePreferences   = "preferences"
	PageChat          = "chat"
	PageQuestionnaire = "questionnaire"
	PageError         = "error"
)

// Routes that carry a stage form.
const (
	RouteRoot        = "/"
	RouteCode        = "/code"
	RouteConsent     = "/consent"
	RoutePreferences = "/preferences"
)

var ErrInvalidForm = errors.New("invalid form")

type OutcomeKind int

const (
	OutcomePass OutcomeKind = iota
	OutcomeRender
	OutcomeRedirect
)

// Outcome is a gate decision. Only Pass lets the chain continue.
type Outcome struct {
	Kind     OutcomeKind
	Page     string
	Params   map[string]any
	Location string
}

func Pass() Outcome { return Outcome{Kind: OutcomePass} }

func Render(page string, params map[string]any) Outcome {
	if params == nil {
		params = map[string]any{}
	}
	return Outcome{Kind: OutcomeRender, Page: page, Params: params}
}

func Redirect(location string) Outcome {
	return Outcome{Kind: OutcomeRedirect, Location: location}
}

// GateRequest is what the gates see of an incoming request. Session is nil until
// SessionInit has run.
type GateRequest struct {
	Method     string
	Route      string
	Body       []byte
	Query      map[string]string
	SessionKey string

	Session *store.Session
	Created bool
	Destroy bool
}

func (r *GateRequest) posted(route string) bool {
	return r.Method == http.MethodPost && r.Route == route
}

// decodeForm decodes a posted JSON form, rejecting fields the form does not declare.
func decodeForm(body []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidForm, err)
	}
	return nil
}

type Gate interface {
	Name() string
	Check(ctx context.Context, req *GateRequest) (Outcome, error)
}

// Chain runs gates in order and stops at the first outcome that is not Pass. The
// session is saved after every run, or deleted when a gate asked for it.
type Chain struct {
	sessions store.SessionRepository
	gates    []Gate
	log      *logger.Logger
}

func NewChain(sessions store.SessionRepository, log *logger.Logger, gates ...Gate) *Chain {
	return &Chain{sessions: sessions, gates: gates, log: log.With("service", "GateChain")}
}

func (c *Chain) Run(ctx context.Context, req *GateRequest) (Outcome, error) {
	if req.Session == nil && req.SessionKey != "" {
		s, err := c.sessions.Load(ctx, req.SessionKey)
		if err != nil {
			return Outcome{}, fmt.Errorf("failed to load session: %w", err)
		}
		req.Session = s
	}

	outcome := Pass()
	for _, gate := range c.gates {
		o, err := gate.Check(ctx, req)
		if err != nil {
			return Outcome{}, fmt.Errorf("%s gate: %w", gate.Name(), err)
		}
		if o.Kind != OutcomePass {
			c.log.Debug("Gate halted request", "gate", gate.Name(), "stage", req.Session.Stage(),
				"route", req.Route, "page", o.Page, "location", o.Location)
			outcome = o
			break
		}
	}

	if req.Session == nil {
		return outcome, nil
	}
	if req.Destroy {
		if err := c.sessions.Delete(ctx, req.Session.Key); err != nil {
			return Outcome{}, fmt.Errorf("failed to delete session: %w", err)
		}
		return outcome, nil
	}
	// A finished session was saved by Finish and belongs to its finalize job,
	// which deletes it; saving here could bring it back.
	if req.Session.Finished {
		return outcome, nil
	}
	if err := c.sessions.Save(ctx, req.Session); err != nil {
		return Outcome{}, fmt.Errorf("failed to save session: %w", err)
	}
	return outcome, nil
}

// SessionInitGate creates a session on first contact. It never blocks.
type SessionInitGate struct {
	resolver *Resolver
	exp      config.Experiment
	log      *logger.Logger
	now      func() time.Time
}

func NewSessionInitGate(resolver *Resolver, exp config.Experiment, log *logger.Logger) *SessionInitGate {
	return &SessionInitGate{resolver: resolver, exp: exp, log: log, now: time.Now}
}

func (g *SessionInitGate) Name() string { return "SessionInit" }

func (g *SessionInitGate) Check(ctx context.Context, req *GateRequest) (Outcome, error) {
	if req.Session != nil {
		return Pass(), nil
	}

	pid := req.Query[g.exp.ParticipantParam]
	if pid == "" {
		pid = utils.RandomParticipantID(g.exp.ParticipantIDSpace)
	}
	groupID, err := g.resolver.GroupIDFor(pid)
	if err != nil {
		return Outcome{}, err
	}

	panelIDs := map[string]string{}
	for _, p := range g.exp.TrackingParams {
		if v := req.Query[p]; v != "" {
			panelIDs[p] = v
		}
	}

	req.Session = &store.Session{
		Key:                 uuid.NewString(),
		ParticipantID:       pid,
		TreatmentGroupID:    groupID,
		ExternalPanelIDs:    panelIDs,
		StartedAt:           g.now().UTC(),
		UserConfigFilter:    map[string]string{},
		ConversationContext: []store.Turn{},
	}
	req.Created = true
	g.log.Info("Session created", "participantId", pid, "treatmentGroupId", groupID)
	return Pass(), nil
}

// SessionEndedGate stops every request of a finished session at the terminal page.
type SessionEndedGate struct {
	redirectURL string
}

func NewSessionEndedGate(redirectURL string) *SessionEndedGate {
	return &SessionEndedGate{redirectURL: redirectURL}
}

func (g *SessionEndedGate) Name() string { return "SessionEnded" }

func (g *SessionEndedGate) Check(ctx context.Context, req *GateRequest) (Outcome, error) {
	s := req.Session
	if !s.Finished {
		return Pass(), nil
	}
	if s.Declined {
		return Render(PageDeclined, nil), nil
	}
	return Render(PageEnded, EndedParams(s, g.redirectURL)), nil
}

func EndedParams(s *store.Session, redirectURL string) map[string]any {
	params := map[string]any{}
	if s.CompletionCode != "" {
		params["completionCode"] = s.CompletionCode
	}
	if redirectURL != "" {
		params["redirectUrl"] = redirectURL
	}
	return params
}

type codeForm struct {
	Code          string `json:"code"`
	ParticipantID string `json:"participant_id"`
}

// AccessCodeGate requires a valid access code before anything else.
type AccessCodeGate struct {
	codes *CodeValidator
	log   *logger.Logger
}

func NewAccessCodeGate(codes *CodeValidator, log *logger.Logger) *AccessCodeGate {
	return &AccessCodeGate{codes: codes, log: log}
}

func (g *AccessCodeGate) Name() string { return "AccessCode" }

func (g *AccessCodeGate) Check(ctx context.Context, req *GateRequest) (Outcome, error) {
	s := req.Session
	if s.AccessCode != "" {
		return Pass(), nil
	}
	if !req.posted(RouteCode) {
		return Render(PageCode, nil), nil
	}

	var form codeForm
	if err := decodeForm(req.Body, &form); err != nil {
		return Outcome{}, err
	}
	if form.ParticipantID != "" && form.ParticipantID != s.ParticipantID {
		// Audit only: the platform id stays authoritative.
		g.log.Warn("Self-reported participant id differs from session",
			"participantId", s.ParticipantID, "reported", form.ParticipantID)
	}

	valid, err := g.codes.IsValid(ctx, form.Code)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to validate access code: %w", err)
	}
	if !valid {
		g.log.Info("Invalid access code", "participantId", s.ParticipantID)
		return Render(PageCode, map[string]any{"error": "invalid_code"}), nil
	}
	s.AccessCode = form.Code
	g.log.Info("Access code accepted", "participantId", s.ParticipantID, "reusable", g.codes.IsReusable(form.Code))
	return Redirect(RouteRoot), nil
}

type consentForm struct {
	Answers map[string]bool `json:"answers"`
}

// ConsentGate requires every configured consent field to be affirmed. Any
// negative answer ends the participation and destroys the session.
type ConsentGate struct {
	fields []string
	log    *logger.Logger
	now    func() time.Time
}

func NewConsentGate(fields []string, log *logger.Logger) *ConsentGate {
	return &ConsentGate{fields: fields, log: log, now: time.Now}
}

func (g *ConsentGate) Name() string { return "Consent" }

func (g *ConsentGate) Check(ctx context.Context, req *GateRequest) (Outcome, error) {
	s := req.Session
	if s.ConsentGiven {
		return Pass(), nil
	}
	if !req.posted(RouteConsent) {
		return Render(PageConsent, map[string]any{"fields": g.fields}), nil
	}

	var form consentForm
	if err := decodeForm(req.Body, &form); err != nil {
		return Outcome{}, err
	}
	for name := range form.Answers {
		if !slices.Contains(g.fields, name) {
			return Outcome{}, fmt.Errorf("%w: unknown consent field %q", ErrInvalidForm, name)
		}
	}
	for _, name := range g.fields {
		if !form.Answers[name] {
			s.Declined = true
			s.Finished = true
			s.FinishedAt = g.now().UTC()
			req.Destroy = true
			g.log.Info("Consent declined", "participantId", s.ParticipantID, "field", name)
			return Render(PageDeclined, nil), nil
		}
	}
	s.ConsentGiven = true
	return Redirect(RouteRoot), nil
}

type preferencesForm struct {
	DisplayName string            `json:"display_name"`
	Avatar      string            `json:"avatar"`
	Properties  map[string]string `json:"properties"`
}

// PreferencesGate settles the assistant persona and the participant's property
// choices. Groups with nothing to choose are assigned a random persona.
type PreferencesGate struct {
	resolver  *Resolver
	assembler *Assembler
	assets    AssetLister
	exp       config.Experiment
	log       *logger.Logger
}

func NewPreferencesGate(resolver *Resolver, assembler *Assembler, assets AssetLister, exp config.Experiment, log *logger.Logger) *PreferencesGate {
	return &PreferencesGate{resolver: resolver, assembler: assembler, assets: assets, exp: exp, log: log}
}

func (g *PreferencesGate) Name() string { return "Preferences" }

func (g *PreferencesGate) Check(ctx context.Context, req *GateRequest) (Outcome, error) {
	s := req.Session
	if s.Preferences != nil {
		return Pass(), nil
	}

	avatars, err := g.assets.ListAssets(g.exp.AvatarCategory)
	if err != nil {
		return Outcome{}, err
	}
	required := g.resolver.RequiredChoices(s.TreatmentGroupID)
	choosePersona := g.resolver.ChoosePersona(s.TreatmentGroupID)

	if len(required) == 0 && !choosePersona {
		s.Preferences = &store.Preferences{
			DisplayName: utils.Pick(g.exp.DisplayNames),
			Avatar:      utils.Pick(avatars),
		}
		g.activate(s)
		return Pass(), nil
	}

	page := func(errCode string) Outcome {
		props := make([]map[string]any, 0, len(required))
		for _, name := range SortedKeys(required) {
			props = append(props, map[string]any{"name": name, "values": required[name]})
		}
		params := map[string]any{
			"properties":    props,
			"choosePersona": choosePersona,
			"avatars":       avatars,
		}
		if errCode != "" {
			params["error"] = errCode
		}
		return Render(PagePreferences, params)
	}

	if !req.posted(RoutePreferences) {
		return page(""), nil
	}

	var form preferencesForm
	if err := decodeForm(req.Body, &form); err != nil {
		return Outcome{}, err
	}
	if form.Properties == nil {
		form.Properties = map[string]string{}
	}
	if err := g.resolver.ValidateChoices(s.TreatmentGroupID, form.Properties); err != nil {
		g.log.Info("Rejected property choices", "participantId", s.ParticipantID, "error", err)
		return page("invalid_choice"), nil
	}

	prefs := &store.Preferences{
		DisplayName: utils.Pick(g.exp.DisplayNames),
		Avatar:      utils.Pick(avatars),
	}
	if choosePersona {
		if form.DisplayName == "" || (len(avatars) > 0 && !slices.Contains(avatars, form.Avatar)) {
			return page("invalid_persona"), nil
		}
		prefs.DisplayName = form.DisplayName
		prefs.Avatar = form.Avatar
	}

	s.UserConfigFilter = form.Properties
	s.Preferences = prefs
	g.activate(s)
	return Redirect(RouteRoot), nil
}

func (g *PreferencesGate) activate(s *store.Session) {
	g.assembler.RefreshHiddenPrompt(s)
	g.assembler.TaskDescription(s)
	g.log.Info("Preferences set", "participantId", s.ParticipantID,
		"displayName", s.Preferences.DisplayName, "filter", s.UserConfigFilter)
}

// ConfigConsistencyGate renders the error page when a stored filter no longer
// matches the group's selectable properties. Correct clients never reach it.
type ConfigConsistencyGate struct {
	resolver *Resolver
	log      *logger.Logger
}

func NewConfigConsistencyGate(resolver *Resolver, log *logger.Logger) *ConfigConsistencyGate {
	return &ConfigConsistencyGate{resolver: resolver, log: log}
}

func (g *ConfigConsistencyGate) Name() string { return "ConfigConsistency" }

func (g *ConfigConsistencyGate) Check(ctx context.Context, req *GateRequest) (Outcome, error) {
	s := req.Session
	if err := g.resolver.CheckFilter(s.TreatmentGroupID, s.UserConfigFilter); err != nil {
		g.log.Error("Configuration inconsistency",
			"participantId", s.ParticipantID,
			"treatmentGroupId", s.TreatmentGroupID,
			"filter", s.UserConfigFilter,
			"error", err)
		return Render(PageError, nil), nil
	}
	return Pass(), nil
}

// NewDefaultChain wires the gates in their fixed order.
func NewDefaultChain(
	sessions store.SessionRepository,
	resolver *Resolver,
	assembler *Assembler,
	codes *CodeValidator,
	assets AssetLister,
	cfg config.Config,
	log *logger.Logger,
) *Chain {
	return NewChain(sessions, log,
		NewSessionInitGate(resolver, cfg.Experiment, log),
		NewSessionEndedGate(cfg.RedirectURL),
		NewAccessCodeGate(codes, log),
		NewConsentGate(cfg.Experiment.ConsentFields, log),
		NewPreferencesGate(resolver, assembler, assets, cfg.Experiment, log),
		NewConfigConsistencyGate(resolver, log),
	)
}
