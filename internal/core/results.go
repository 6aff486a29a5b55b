package core

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"hcilab.org/persona-chat/internal/logger"
	"hcilab.org/persona-chat/internal/store"
)

// ResultSink is one destination for persisted results.
type ResultSink interface {
	Name() string
	WriteResult(ctx context.Context, entry store.ResultEntry) error
}

// ResultRecord is the persisted projection of a finished session. The
// quessionsAnswers key is read by the existing analysis scripts.
type ResultRecord struct {
	UID                 string             `json:"uid"`
	TreatmentGroupID    int                `json:"treatmentGroupId"`
	ExternalPanelIDs    map[string]string  `json:"externalPanelIds"`
	Code                string             `json:"code"`
	StartedAt           time.Time          `json:"startedAt"`
	FinishedAt          time.Time          `json:"finishedAt"`
	Preferences         *store.Preferences `json:"preferences"`
	UserConfigFilter    map[string]string  `json:"userConfigFilter"`
	HiddenSystemPrompt  string             `json:"hiddenSystemPrompt"`
	InitialTask         string             `json:"initialTask"`
	ConversationContext []store.Turn       `json:"conversationContext"`
	QuestionsAnswers    map[string]string  `json:"quessionsAnswers"`
	GlobalMeasures      map[string]string  `json:"globalMeasures"`
	CompletionCode      string             `json:"completionCode"`

	// Payload is the serialized record as written to sinks.
	Payload string `json:"-"`
}

func NewResultRecord(s *store.Session) ResultRecord {
	return ResultRecord{
		UID:                 s.ParticipantID,
		TreatmentGroupID:    s.TreatmentGroupID,
		ExternalPanelIDs:    s.ExternalPanelIDs,
		Code:                s.AccessCode,
		StartedAt:           s.StartedAt,
		FinishedAt:          s.FinishedAt,
		Preferences:         s.Preferences,
		UserConfigFilter:    s.UserConfigFilter,
		HiddenSystemPrompt:  s.HiddenSystemPrompt,
		InitialTask:         s.InitialTask,
		ConversationContext: s.ConversationContext,
		QuestionsAnswers:    s.QuestionnaireAnswers,
		GlobalMeasures:      s.GlobalMeasures,
		CompletionCode:      s.CompletionCode,
	}
}

// EncodePayload serializes the record to JSON, base64-encoding it when asked.
func EncodePayload(r ResultRecord, encodeBase64 bool) (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to marshal result record: %w", err)
	}
	if encodeBase64 {
		return base64.StdEncoding.EncodeToString(data), nil
	}
	return string(data), nil
}

// Persister writes finished sessions to every configured sink.
type Persister struct {
	sinks        []ResultSink
	encodeBase64 bool
	log          *logger.Logger
}

func NewPersister(log *logger.Logger, encodeBase64 bool, sinks ...ResultSink) *Persister {
	return &Persister{
		sinks:        sinks,
		encodeBase64: encodeBase64,
		log:          log.With("service", "Persister"),
	}
}

// Persist never fails. Each sink is attempted regardless of the others and its
// error is logged; the record is returned either way.
func (p *Persister) Persist(ctx context.Context, s *store.Session) ResultRecord {
	record := NewResultRecord(s)
	payload, err := EncodePayload(record, p.encodeBase64)
	if err != nil {
		p.log.Error("Failed to encode result", "participantId", s.ParticipantID, "error", err)
		return record
	}
	record.Payload = payload

	entry := store.ResultEntry{
		ParticipantID: s.ParticipantID,
		Payload:       payload,
		Completed:     s.Finished && !s.Declined,
		CreatedAt:     time.Now().UTC(),
	}
	for _, sink := range p.sinks {
		if err := sink.WriteResult(ctx, entry); err != nil {
			p.log.Error("Failed to write result", "sink", sink.Name(), "participantId", s.ParticipantID, "error", err)
			continue
		}
		p.log.Info("Result written", "sink", sink.Name(), "participantId", s.ParticipantID)
	}
	return record
}
