package core

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"hcilab.org/persona-chat/internal/store"
	"hcilab.org/persona-chat/internal/tables"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// Keep-alive connections of the HTTP-backed LLM client tests.
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

// fakeCompleter answers through fn and records every call.
type fakeCompleter struct {
	mu    sync.Mutex
	calls [][]Message
	fn    func(messages []Message) (string, error)
}

func (f *fakeCompleter) Complete(ctx context.Context, messages []Message, params CompletionParams) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, messages)
	f.mu.Unlock()
	if f.fn == nil {
		return "ok", nil
	}
	return f.fn(messages)
}

func (f *fakeCompleter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeSink struct {
	name string
	err  error

	mu      sync.Mutex
	entries []store.ResultEntry
}

func (f *fakeSink) Name() string { return f.name }

func (f *fakeSink) WriteResult(ctx context.Context, entry store.ResultEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
	return f.err
}

func (f *fakeSink) written() []store.ResultEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.ResultEntry(nil), f.entries...)
}

type fakeCodeStore struct {
	mu        sync.Mutex
	valid     map[string]bool
	completed []string
	err       error
}

func (f *fakeCodeStore) IsValid(ctx context.Context, code string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.valid[code], nil
}

func (f *fakeCodeStore) MarkCompleted(ctx context.Context, code, metadata string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.valid[code] = false
	f.completed = append(f.completed, code)
	return nil
}

func (f *fakeCodeStore) completedCodes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.completed...)
}

type fakeAssets struct {
	assets []string
	err    error
}

func (f fakeAssets) ListAssets(category string) ([]string, error) {
	return f.assets, f.err
}

var errLLM = errors.New("provider unavailable")

func row(group, property, value, prompt string) tables.Row {
	return tables.Row{
		tables.ColTreatmentGroup: group,
		tables.ColPropertyName:   property,
		tables.ColPropertyValue:  value,
		tables.ColHiddenPrompt:   prompt,
	}
}

// testTables has three groups: 1 chooses a tone, 2 has nothing to choose and 3
// lets the participant pick the persona.
func testTables(t *testing.T) *tables.Store {
	t.Helper()
	config := []tables.Row{
		row("1", "tone", "formal", "Speak formally."),
		row("1", "tone", "casual", "Speak casually."),
		row("1", "age", "30", "You are 30 years old."),
		row("2", "age", "45", "You are 45 years old."),
		row("3", "age", "25", "You are 25 years old."),
	}
	config[0][tables.ColInitialTask] = "Tell a riddle."
	config[4][tables.ColChoosePersona] = "true"

	s, err := tables.NewStoreFromRows(map[string][]tables.Row{
		tables.TreatmentConfig: config,
		tables.Measures: {
			{tables.ColMeasureName: "sentiment", tables.ColMeasurePromptPrefix: "Rate sentiment 1-5."},
			{tables.ColMeasureName: "politeness", tables.ColMeasurePromptPrefix: "Rate politeness 1-5."},
			{tables.ColMeasureName: "engagement", tables.ColMeasurePromptPrefix: "Rate engagement.", tables.ColIsGlobal: "true"},
		},
		tables.Questions: {
			{tables.ColQuestionName: "enjoyed", tables.ColQuestionText: "Did you enjoy it?", tables.ColQuestionOptions: "yes|no"},
			{tables.ColQuestionName: "comments", tables.ColQuestionText: "Anything else?"},
		},
		tables.Texts: {
			{tables.ColTextName: "welcome", tables.ColTextValue: "Hello"},
		},
	})
	require.NoError(t, err)
	return s
}

func activeSession(group int, turns ...store.Turn) *store.Session {
	return &store.Session{
		Key:                 "key-" + string(rune('a'+group)),
		ParticipantID:       "p1",
		TreatmentGroupID:    group,
		AccessCode:          "code1",
		ConsentGiven:        true,
		Preferences:         &store.Preferences{DisplayName: "Sam", Avatar: "a.png"},
		UserConfigFilter:    map[string]string{},
		ConversationContext: turns,
	}
}
