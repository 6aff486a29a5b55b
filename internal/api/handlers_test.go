package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hcilab.org/persona-chat/internal/auth"
	"hcilab.org/persona-chat/internal/config"
	"hcilab.org/persona-chat/internal/core"
	"hcilab.org/persona-chat/internal/logger"
	"hcilab.org/persona-chat/internal/store"
	"hcilab.org/persona-chat/internal/tables"
)

type memoryCodes struct {
	mu    sync.Mutex
	valid map[string]bool
}

func (m *memoryCodes) IsValid(ctx context.Context, code string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.valid[code], nil
}

func (m *memoryCodes) MarkCompleted(ctx context.Context, code, metadata string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.valid[code] = false
	return nil
}

type recordingSink struct {
	mu      sync.Mutex
	entries []store.ResultEntry
}

func (r *recordingSink) Name() string { return "recording" }

func (r *recordingSink) WriteResult(ctx context.Context, entry store.ResultEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return nil
}

type staticAssets []string

func (s staticAssets) ListAssets(string) ([]string, error) { return s, nil }

type failingCompleter struct{}

func (failingCompleter) Complete(context.Context, []core.Message, core.CompletionParams) (string, error) {
	return "", errors.New("provider down")
}

type testServer struct {
	*httptest.Server
	client   *http.Client
	chat     *core.ChatService
	sessions *store.MemorySessionRepository
	sink     *recordingSink
}

func newTestServer(t *testing.T, llm core.Completer, tableStore *tables.Store) *testServer {
	t.Helper()
	log := logger.Nop()
	if tableStore == nil {
		var err error
		tableStore, err = tables.NewStoreFromRows(map[string][]tables.Row{
			tables.TreatmentConfig: {
				{tables.ColTreatmentGroup: "1", tables.ColPropertyName: "age", tables.ColPropertyValue: "30", tables.ColHiddenPrompt: "You are 30."},
			},
			tables.Questions: {
				{tables.ColQuestionName: "enjoyed", tables.ColQuestionText: "Enjoyed?", tables.ColQuestionOptions: "yes|no"},
			},
			tables.Texts: {
				{tables.ColTextName: "welcome", tables.ColTextValue: "Hello"},
			},
		})
		require.NoError(t, err)
	}

	cfg := config.Config{
		CompletionCode: "FIN",
		Experiment:     config.DefaultExperiment(),
	}
	cfg.Experiment.ConsentFields = []string{"agree"}

	sessions := store.NewMemorySessionRepository(time.Hour)
	sink := &recordingSink{}
	resolver := core.NewResolver(tableStore)
	assembler := core.NewAssembler(resolver, "", "Chat.")
	codes := core.NewCodeValidator(&memoryCodes{valid: map[string]bool{"abc": true}}, "")
	assets := staticAssets{"a.png"}

	chat := core.NewChatService(core.ChatServiceOptions{
		LLM:            llm,
		Assembler:      assembler,
		Tables:         tableStore,
		Sessions:       sessions,
		Measures:       core.NewMeasurePipeline(llm, core.CompletionParams{}, 0, tableStore, log),
		Persister:      core.NewPersister(log, false, sink),
		Codes:          codes,
		CompletionCode: cfg.CompletionCode,
		Log:            log,
	})
	handler := NewAPIHandler(HandlerDeps{
		Chain:          core.NewDefaultChain(sessions, resolver, assembler, codes, assets, cfg, log),
		ChatService:    chat,
		Sessions:       sessions,
		Tables:         tableStore,
		Assets:         assets,
		AvatarCategory: "avatars",
		Tokens:         auth.NewSessionTokens("test-secret", time.Hour),
		SessionTTL:     time.Hour,
		Log:            log,
	})

	srv := httptest.NewServer(NewRouter(handler, tableStore, true, log))
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return &testServer{Server: srv, client: client, chat: chat, sessions: sessions, sink: sink}
}

func (s *testServer) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, s.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if len(data) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(data, &out))
	}
	return resp, out
}

func (s *testServer) onboard(t *testing.T) {
	t.Helper()
	_, page := s.do(t, http.MethodGet, "/?PROLIFIC_PID=p-77", "")
	require.Equal(t, "code", page["page"])

	resp, _ := s.do(t, http.MethodPost, "/code", `{"code":"abc"}`)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	resp, _ = s.do(t, http.MethodPost, "/consent", `{"answers":{"agree":true}}`)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
}

func TestFullParticipantFlow(t *testing.T) {
	s := newTestServer(t, core.NewMockCompleter(), nil)
	s.onboard(t)

	resp, page := s.do(t, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "chat", page["page"])
	params := page["params"].(map[string]any)
	assert.Equal(t, "a.png", params["avatar"])
	assert.Equal(t, map[string]any{"welcome": "Hello"}, params["texts"])

	resp, body := s.do(t, http.MethodPost, "/chat", `{"message":"hello there"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `[MOCK] Received your message: "hello there".`, body["reply"])

	resp, page = s.do(t, http.MethodGet, "/end", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "questionnaire", page["page"])

	resp, page = s.do(t, http.MethodPost, "/end", `{"answers":{"enjoyed":"yes"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ended", page["page"])
	assert.Equal(t, "FIN", page["params"].(map[string]any)["completionCode"])

	s.chat.Wait()
	s.sink.mu.Lock()
	require.Len(t, s.sink.entries, 1)
	assert.Contains(t, s.sink.entries[0].Payload, `"uid":"p-77"`)
	assert.Contains(t, s.sink.entries[0].Payload, `"quessionsAnswers":{"enjoyed":"yes"}`)
	s.sink.mu.Unlock()
	assert.Equal(t, 0, s.sessions.Len())
}

func TestChatFailureReturnsNeutralError(t *testing.T) {
	s := newTestServer(t, failingCompleter{}, nil)
	s.onboard(t)

	resp, body := s.do(t, http.MethodPost, "/chat", `{"message":"hi"}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "Failed to generate a reply", body["error"])

	// The user turn survives the failed reply.
	resp, page := s.do(t, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	turns := page["params"].(map[string]any)["conversation"].([]any)
	require.Len(t, turns, 1)
	assert.Equal(t, "user", turns[0].(map[string]any)["role"])
}

func TestChatRequiresCompletedStages(t *testing.T) {
	s := newTestServer(t, core.NewMockCompleter(), nil)

	resp, page := s.do(t, http.MethodPost, "/chat", `{"message":"hi"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "code", page["page"])
}

func TestInvalidBodies(t *testing.T) {
	s := newTestServer(t, core.NewMockCompleter(), nil)
	s.do(t, http.MethodGet, "/", "")

	resp, body := s.do(t, http.MethodPost, "/code", `{"code":"abc","extra":1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Invalid request", body["error"])

	s.do(t, http.MethodPost, "/code", `{"code":"abc"}`)
	s.do(t, http.MethodPost, "/consent", `{"answers":{"agree":true}}`)

	resp, _ = s.do(t, http.MethodPost, "/chat", `{"msg":"hi"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = s.do(t, http.MethodPost, "/chat", `{"message":"  "}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = s.do(t, http.MethodPost, "/end", `{"answers":{"enjoyed":"maybe"}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDevEndpoints(t *testing.T) {
	s := newTestServer(t, core.NewMockCompleter(), nil)
	s.onboard(t)
	s.do(t, http.MethodGet, "/", "")

	resp, body := s.do(t, http.MethodPost, "/dev/manipulation", `{"hidden_prompt":"Be brief.","task":"Say hi."}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Be brief.\nSay hi.", body["systemPrompt"])

	s.do(t, http.MethodPost, "/chat", `{"message":"one"}`)
	resp, _ = s.do(t, http.MethodPost, "/dev/reset", "")
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)

	_, page := s.do(t, http.MethodGet, "/", "")
	assert.Empty(t, page["params"].(map[string]any)["conversation"])
}

func TestDeclinedConsentClearsCookie(t *testing.T) {
	s := newTestServer(t, core.NewMockCompleter(), nil)
	s.do(t, http.MethodGet, "/", "")
	s.do(t, http.MethodPost, "/code", `{"code":"abc"}`)

	resp, page := s.do(t, http.MethodPost, "/consent", `{"answers":{"agree":false}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "declined", page["page"])
	assert.Equal(t, 0, s.sessions.Len())
}

func TestTablesNotReady(t *testing.T) {
	s := newTestServer(t, core.NewMockCompleter(), tables.NewStore(nil))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL+"/", nil)
	require.NoError(t, err)
	_, err = s.client.Do(req)
	assert.Error(t, err)

	resp, body := s.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	resp, body = s.do(t, http.MethodGet, "/avatars", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []any{"a.png"}, body["avatars"])
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("same")
			defer unlock()
			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
	assert.Equal(t, 0, k.size())
}
