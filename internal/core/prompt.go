package core

import (
	"strings"
	"time"

	"hcilab.org/persona-chat/internal/store"
	"hcilab.org/persona-chat/internal/tables"
)

// Assembler builds the message list sent to the LLM for a chat turn.
type Assembler struct {
	resolver    *Resolver
	prefix      string
	defaultTask string
	now         func() time.Time
}

func NewAssembler(resolver *Resolver, hiddenPromptPrefix, defaultTask string) *Assembler {
	return &Assembler{
		resolver:    resolver,
		prefix:      hiddenPromptPrefix,
		defaultTask: defaultTask,
		now:         time.Now,
	}
}

// HiddenSystemPrompt is the prefix followed by the newline-joined hidden prompts
// of the session's selected rows.
func (a *Assembler) HiddenSystemPrompt(s *store.Session) string {
	rows := a.resolver.SelectedRows(s.TreatmentGroupID, s.UserConfigFilter)
	prompts := make([]string, 0, len(rows))
	for _, row := range rows {
		prompts = append(prompts, row.Get(tables.ColHiddenPrompt))
	}
	return a.prefix + strings.Join(prompts, "\n")
}

// RefreshHiddenPrompt recomputes and stores the hidden prompt. Called when the
// filter becomes complete and on reset only.
func (a *Assembler) RefreshHiddenPrompt(s *store.Session) {
	s.HiddenSystemPrompt = a.HiddenSystemPrompt(s)
}

// TaskDescription returns the session's task, memoizing the group's configured
// task (or the default) on first use.
func (a *Assembler) TaskDescription(s *store.Session) string {
	if s.InitialTask != "" {
		return s.InitialTask
	}
	task := tables.FirstMatching(a.resolver.GroupRows(s.TreatmentGroupID), tables.ColInitialTask)
	if task == "" {
		task = a.defaultTask
	}
	s.InitialTask = task
	return task
}

// SystemContent is the single system message content.
func (a *Assembler) SystemContent(s *store.Session) string {
	return s.HiddenSystemPrompt + "\n" + a.TaskDescription(s)
}

// BuildMessages returns exactly one system message followed by the conversation,
// stripped of latency and measures.
func (a *Assembler) BuildMessages(s *store.Session) []Message {
	messages := make([]Message, 0, len(s.ConversationContext)+1)
	messages = append(messages, Message{Role: store.RoleSystem, Content: a.SystemContent(s)})
	for _, turn := range s.ConversationContext {
		if turn.Role == store.RoleSystem {
			continue
		}
		messages = append(messages, Message{Role: turn.Role, Content: turn.Content})
	}
	return messages
}

// InteractionLatency returns milliseconds since the previous interaction (zero
// for the first) and resets the interaction clock.
func (a *Assembler) InteractionLatency(s *store.Session) int64 {
	now := a.now()
	prev := s.LastInteraction
	if prev.IsZero() {
		prev = now
	}
	s.LastInteraction = now
	return now.Sub(prev).Milliseconds()
}
