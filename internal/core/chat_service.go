package core

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"hcilab.org/persona-chat/internal/logger"
	"hcilab.org/persona-chat/internal/store"
	"hcilab.org/persona-chat/internal/tables"
	"hcilab.org/persona-chat/internal/utils"
)

const completionCodeLength = 8

var (
	ErrSessionFinished = errors.New("session already finished")
	ErrEmptyMessage    = errors.New("message is empty")
)

// Question is one entry of the end-of-session questionnaire.
type Question struct {
	Name    string   `json:"name"`
	Text    string   `json:"text"`
	Options []string `json:"options,omitempty"`
}

type ChatService struct {
	llm            Completer
	params         CompletionParams
	timeout        time.Duration
	assembler      *Assembler
	tables         *tables.Store
	sessions       store.SessionRepository
	measures       *MeasurePipeline
	persister      *Persister
	codes          *CodeValidator
	completionCode string
	log            *logger.Logger

	wg  sync.WaitGroup
	now func() time.Time
}

type ChatServiceOptions struct {
	LLM            Completer
	Params         CompletionParams
	Timeout        time.Duration
	Assembler      *Assembler
	Tables         *tables.Store
	Sessions       store.SessionRepository
	Measures       *MeasurePipeline
	Persister      *Persister
	Codes          *CodeValidator
	CompletionCode string
	Log            *logger.Logger
}

func NewChatService(opts ChatServiceOptions) *ChatService {
	return &ChatService{
		llm:            opts.LLM,
		params:         opts.Params,
		timeout:        opts.Timeout,
		assembler:      opts.Assembler,
		tables:         opts.Tables,
		sessions:       opts.Sessions,
		measures:       opts.Measures,
		persister:      opts.Persister,
		codes:          opts.Codes,
		completionCode: opts.CompletionCode,
		log:            opts.Log.With("service", "ChatService"),
		now:            time.Now,
	}
}

// PostMessage appends the participant's turn, asks the LLM for a reply and
// appends it. When the LLM fails the user turn stays in the conversation.
func (s *ChatService) PostMessage(ctx context.Context, session *store.Session, text string) (string, error) {
	if session.Finished {
		return "", ErrSessionFinished
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyMessage
	}

	session.ConversationContext = append(session.ConversationContext, store.Turn{
		Role:                 store.RoleUser,
		Content:              text,
		InteractionLatencyMs: s.assembler.InteractionLatency(session),
	})

	messages := s.assembler.BuildMessages(session)

	callCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	reply, err := s.llm.Complete(callCtx, messages, s.params)
	if err != nil {
		s.log.Error("Error generating reply", "participantId", session.ParticipantID, "turns", len(session.ConversationContext), "error", err)
		return "", fmt.Errorf("failed to generate reply: %w", err)
	}

	session.ConversationContext = append(session.ConversationContext, store.Turn{
		Role:                 store.RoleAssistant,
		Content:              reply,
		InteractionLatencyMs: s.assembler.InteractionLatency(session),
	})
	return reply, nil
}

// Manipulate overrides the hidden prompt and/or task for development runs. Empty
// arguments leave the current value. It returns the effective system content.
func (s *ChatService) Manipulate(session *store.Session, hiddenPrompt, task string) string {
	if hiddenPrompt != "" {
		session.HiddenSystemPrompt = hiddenPrompt
	}
	if task != "" {
		session.InitialTask = task
	}
	return s.assembler.SystemContent(session)
}

// Reset clears the conversation and recomputes the hidden prompt.
func (s *ChatService) Reset(session *store.Session) {
	session.ConversationContext = []store.Turn{}
	session.LastInteraction = time.Time{}
	s.assembler.RefreshHiddenPrompt(session)
}

// Questionnaire returns the question bank in table order.
func (s *ChatService) Questionnaire() []Question {
	rows := s.tables.Rows(tables.Questions)
	out := make([]Question, 0, len(rows))
	for _, row := range rows {
		name := row.Get(tables.ColQuestionName)
		if name == "" {
			continue
		}
		q := Question{Name: name, Text: row.Get(tables.ColQuestionText)}
		if opts := row.Get(tables.ColQuestionOptions); opts != "" {
			for _, o := range strings.Split(opts, "|") {
				if o = strings.TrimSpace(o); o != "" {
					q.Options = append(q.Options, o)
				}
			}
		}
		out = append(out, q)
	}
	return out
}

func (s *ChatService) validateAnswers(answers map[string]string) error {
	known := map[string]Question{}
	for _, q := range s.Questionnaire() {
		known[q.Name] = q
	}
	for name, answer := range answers {
		q, ok := known[name]
		if !ok {
			return fmt.Errorf("%w: unknown question %q", ErrInvalidForm, name)
		}
		if len(q.Options) > 0 && answer != "" && !slices.Contains(q.Options, answer) {
			return fmt.Errorf("%w: %q is not an option of %q", ErrInvalidForm, answer, name)
		}
	}
	return nil
}

// Finish records the questionnaire, marks the session finished and saves it,
// then hands a snapshot to a background job that measures and persists it. The
// participant is not kept waiting on either.
func (s *ChatService) Finish(ctx context.Context, session *store.Session, answers map[string]string) error {
	if session.Finished {
		return ErrSessionFinished
	}
	if err := s.validateAnswers(answers); err != nil {
		return err
	}
	if answers == nil {
		answers = map[string]string{}
	}

	session.QuestionnaireAnswers = answers
	session.CompletionCode = s.completionCode
	if session.CompletionCode == "" {
		session.CompletionCode = utils.RandomCode(completionCodeLength)
	}
	session.Finished = true
	session.FinishedAt = s.now().UTC()

	if err := s.sessions.Save(ctx, session); err != nil {
		return fmt.Errorf("failed to save finished session: %w", err)
	}

	snapshot := session.Clone()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.finalize(context.WithoutCancel(ctx), snapshot)
	}()
	return nil
}

// finalize runs after the response: measures, persists, retires the access code
// and drops the session. Each step's failure is logged and the next still runs.
func (s *ChatService) finalize(ctx context.Context, snapshot *store.Session) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Finalize job panicked", "participantId", snapshot.ParticipantID, "panic", r)
		}
	}()

	s.measures.Run(ctx, snapshot)
	s.persister.Persist(ctx, snapshot)

	metadata := fmt.Sprintf("participant=%s completion=%s", snapshot.ParticipantID, snapshot.CompletionCode)
	if err := s.codes.MarkCompleted(ctx, snapshot.AccessCode, metadata); err != nil {
		s.log.Warn("Failed to mark access code completed", "participantId", snapshot.ParticipantID, "error", err)
	}
	if err := s.sessions.Delete(ctx, snapshot.Key); err != nil {
		s.log.Warn("Failed to delete session", "participantId", snapshot.ParticipantID, "error", err)
	}
	s.log.Info("Session finalized", "participantId", snapshot.ParticipantID)
}

// Wait blocks until every background finalize job has returned.
func (s *ChatService) Wait() {
	s.wg.Wait()
}
