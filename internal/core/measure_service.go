package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"hcilab.org/persona-chat/internal/logger"
	"hcilab.org/persona-chat/internal/store"
	"hcilab.org/persona-chat/internal/tables"
)

type MeasureDefinition struct {
	Name         string
	PromptPrefix string
	Global       bool
}

// MeasureReport counts the LLM calls of one pipeline run.
type MeasureReport struct {
	Attempted int
	Succeeded int
	Failed    int
}

// MeasurePipeline scores a finished conversation: every per-message measure on
// every user turn, and every global measure on the whole conversation. All calls
// run at once; a failed call only loses its own value.
type MeasurePipeline struct {
	llm     Completer
	params  CompletionParams
	timeout time.Duration
	tables  *tables.Store
	log     *logger.Logger
}

func NewMeasurePipeline(llm Completer, params CompletionParams, timeout time.Duration, t *tables.Store, log *logger.Logger) *MeasurePipeline {
	return &MeasurePipeline{
		llm:     llm,
		params:  params,
		timeout: timeout,
		tables:  t,
		log:     log.With("service", "MeasurePipeline"),
	}
}

// Definitions splits the measures table into per-message and global measures.
func (p *MeasurePipeline) Definitions() (perMessage, global []MeasureDefinition) {
	for _, row := range p.tables.Rows(tables.Measures) {
		name := row.Get(tables.ColMeasureName)
		if name == "" {
			continue
		}
		def := MeasureDefinition{
			Name:         name,
			PromptPrefix: row.Get(tables.ColMeasurePromptPrefix),
			Global:       row.Bool(tables.ColIsGlobal),
		}
		if def.Global {
			global = append(global, def)
		} else {
			perMessage = append(perMessage, def)
		}
	}
	return perMessage, global
}

// Run attaches measure values to s in place and returns once every call has
// finished. It never fails; errors and panics are logged per call.
func (p *MeasurePipeline) Run(ctx context.Context, s *store.Session) MeasureReport {
	perMessage, global := p.Definitions()

	// Everything the calls read is taken before the first goroutine starts;
	// afterwards the turns are only written, under mu.
	type userTurn struct {
		index   int
		content string
	}
	var userTurns []userTurn
	history := make([]Message, 0, len(s.ConversationContext))
	for i, turn := range s.ConversationContext {
		if turn.Role == store.RoleSystem {
			continue
		}
		history = append(history, Message{Role: turn.Role, Content: turn.Content})
		if turn.Role == store.RoleUser {
			userTurns = append(userTurns, userTurn{index: i, content: turn.Content})
		}
	}

	var (
		mu     sync.Mutex
		report MeasureReport
		g      errgroup.Group
	)

	record := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			report.Failed++
		} else {
			report.Succeeded++
		}
	}

	for _, turn := range userTurns {
		for _, def := range perMessage {
			report.Attempted++
			g.Go(func() error {
				value, err := p.complete(ctx, []Message{
					{Role: store.RoleSystem, Content: def.PromptPrefix},
					{Role: store.RoleUser, Content: turn.content},
				})
				if err != nil {
					p.log.Warn("Per-message measure failed",
						"participantId", s.ParticipantID, "measure", def.Name, "turn", turn.index, "error", err)
					record(err)
					return nil
				}
				mu.Lock()
				if s.ConversationContext[turn.index].Measures == nil {
					s.ConversationContext[turn.index].Measures = map[string]string{}
				}
				s.ConversationContext[turn.index].Measures[def.Name] = value
				mu.Unlock()
				record(nil)
				return nil
			})
		}
	}

	for _, def := range global {
		report.Attempted++
		g.Go(func() error {
			messages := append([]Message{{Role: store.RoleSystem, Content: def.PromptPrefix}}, history...)
			value, err := p.complete(ctx, messages)
			if err != nil {
				p.log.Warn("Global measure failed",
					"participantId", s.ParticipantID, "measure", def.Name, "error", err)
				record(err)
				return nil
			}
			mu.Lock()
			if s.GlobalMeasures == nil {
				s.GlobalMeasures = map[string]string{}
			}
			s.GlobalMeasures[def.Name] = value
			mu.Unlock()
			record(nil)
			return nil
		})
	}

	_ = g.Wait()

	p.log.Info("Measurement finished",
		"participantId", s.ParticipantID,
		"attempted", report.Attempted, "succeeded", report.Succeeded, "failed", report.Failed)
	return report
}

// complete makes one measure call. A panicking provider fails only this call.
func (p *MeasurePipeline) complete(ctx context.Context, messages []Message) (value string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("measure call panicked: %v", r)
		}
	}()
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	return p.llm.Complete(ctx, messages, p.params)
}
