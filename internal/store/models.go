package store

import (
	"maps"
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one conversation message. Measures are attached after the session ends.
type Turn struct {
	Role                 Role              `json:"role"`
	Content              string            `json:"content"`
	InteractionLatencyMs int64             `json:"interactionLatencyMs"`
	Measures             map[string]string `json:"measures,omitempty"`
}

type Preferences struct {
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar"`
}

// Session is everything known about one participation.
type Session struct {
	Key              string            `json:"key"`
	ParticipantID    string            `json:"participantId"`
	TreatmentGroupID int               `json:"treatmentGroupId"`
	ExternalPanelIDs map[string]string `json:"externalPanelIds"`
	StartedAt        time.Time         `json:"startedAt"`

	AccessCode   string       `json:"accessCode,omitempty"`
	ConsentGiven bool         `json:"consentGiven"`
	Declined     bool         `json:"declined"`
	Preferences  *Preferences `json:"preferences,omitempty"`

	UserConfigFilter   map[string]string `json:"userConfigFilter"`
	HiddenSystemPrompt string            `json:"hiddenSystemPrompt"`
	InitialTask        string            `json:"initialTask"`

	ConversationContext []Turn    `json:"conversationContext"`
	LastInteraction     time.Time `json:"lastInteraction"`

	QuestionnaireAnswers map[string]string `json:"questionnaireAnswers,omitempty"`
	GlobalMeasures       map[string]string `json:"globalMeasures,omitempty"`
	CompletionCode       string            `json:"completionCode,omitempty"`
	Finished             bool              `json:"finished"`
	FinishedAt           time.Time         `json:"finishedAt"`
}

// Clone returns a deep copy, used to hand background work a snapshot that later
// requests cannot change underneath it.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.ExternalPanelIDs = maps.Clone(s.ExternalPanelIDs)
	c.UserConfigFilter = maps.Clone(s.UserConfigFilter)
	c.QuestionnaireAnswers = maps.Clone(s.QuestionnaireAnswers)
	c.GlobalMeasures = maps.Clone(s.GlobalMeasures)
	if s.Preferences != nil {
		p := *s.Preferences
		c.Preferences = &p
	}
	if s.ConversationContext != nil {
		c.ConversationContext = make([]Turn, len(s.ConversationContext))
		for i, turn := range s.ConversationContext {
			turn.Measures = maps.Clone(turn.Measures)
			c.ConversationContext[i] = turn
		}
	}
	return &c
}

// ResultEntry is one serialized session result handed to a sink.
type ResultEntry struct {
	ParticipantID string
	Payload       string
	Completed     bool
	CreatedAt     time.Time
}

// Stage is the participation state derived from a session.
type Stage string

const (
	StageNoSession           Stage = "no_session"
	StageAwaitingCode        Stage = "awaiting_code"
	StageAwaitingConsent     Stage = "awaiting_consent"
	StageAwaitingPreferences Stage = "awaiting_preferences"
	StageActive              Stage = "active"
	StageFinished            Stage = "finished"
)

func (s *Session) Stage() Stage {
	switch {
	case s == nil:
		return StageNoSession
	case s.Finished:
		return StageFinished
	case s.AccessCode == "":
		return StageAwaitingCode
	case !s.ConsentGiven:
		return StageAwaitingConsent
	case s.Preferences == nil:
		return StageAwaitingPreferences
	default:
		return StageActive
	}
}
