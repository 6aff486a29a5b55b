package core

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"hcilab.org/persona-chat/internal/config"
	"hcilab.org/persona-chat/internal/logger"
	"hcilab.org/persona-chat/internal/store"
)

func TestNewCompleterMock(t *testing.T) {
	c, closeFn, err := NewCompleter(context.Background(), config.Config{LLMProvider: config.ProviderMock}, logger.Nop())
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, &MockCompleter{}, c)
}

func TestMockCompleterEchoesLastUserMessage(t *testing.T) {
	m := NewMockCompleter()
	reply, err := m.Complete(context.Background(), []Message{
		{Role: store.RoleSystem, Content: "system"},
		{Role: store.RoleUser, Content: "first"},
		{Role: store.RoleAssistant, Content: "answer"},
		{Role: store.RoleUser, Content: "second"},
	}, CompletionParams{})
	require.NoError(t, err)
	assert.Equal(t, `[MOCK] Received your message: "second".`, reply)

	reply, err = m.Complete(context.Background(), []Message{{Role: store.RoleSystem, Content: "only"}}, CompletionParams{})
	require.NoError(t, err)
	assert.Equal(t, "[MOCK] This is a mock response.", reply)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	long := strings.Repeat("x", 120)
	assert.Equal(t, strings.Repeat("x", 100)+"...", truncate(long, 100))
}

type geminiTurn struct {
	Role  string `json:"role"`
	Parts []struct {
		Text string `json:"text"`
	} `json:"parts"`
}

// geminiServer answers every generateContent call with reply and records the
// role and text of each content entry it was sent.
func geminiServer(t *testing.T, reply string) (*httptest.Server, func() [][2]string) {
	t.Helper()
	var (
		mu   sync.Mutex
		seen [][2]string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Contents []geminiTurn `json:"contents"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		seen = seen[:0]
		for _, c := range body.Contents {
			var text []string
			for _, p := range c.Parts {
				text = append(text, p.Text)
			}
			seen = append(seen, [2]string{c.Role, strings.Join(text, "")})
		}
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []any{map[string]any{
				"content": map[string]any{"role": "model", "parts": []any{map[string]any{"text": reply}}},
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, func() [][2]string {
		mu.Lock()
		defer mu.Unlock()
		return append([][2]string(nil), seen...)
	}
}

// newTestGemini points the REST calls at srv. The client's gRPC cache service
// gets an idle connection so nothing dials out.
func newTestGemini(t *testing.T, srv *httptest.Server) *GeminiCompleter {
	t.Helper()
	conn, err := grpc.NewClient("passthrough:///unused", grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	c, err := NewGeminiCompleter(context.Background(), "test-key", "", logger.Nop(),
		option.WithEndpoint(srv.URL), option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestGeminiCompleterKeepsTrailingAssistantTurnAsModel(t *testing.T) {
	srv, sent := geminiServer(t, "4")
	c := newTestGemini(t, srv)

	reply, err := c.Complete(context.Background(), []Message{
		{Role: store.RoleSystem, Content: "Rate engagement."},
		{Role: store.RoleUser, Content: "hi"},
		{Role: store.RoleAssistant, Content: "hello there"},
	}, CompletionParams{MaxTokens: 20})
	require.NoError(t, err)
	assert.Equal(t, "4", reply)

	assert.Equal(t, [][2]string{
		{"user", "hi"},
		{"model", "hello there"},
		{"user", geminiFollowUp},
	}, sent())
}

func TestGeminiCompleterSendsTrailingUserTurn(t *testing.T) {
	srv, sent := geminiServer(t, "sure")
	c := newTestGemini(t, srv)

	reply, err := c.Complete(context.Background(), []Message{
		{Role: store.RoleSystem, Content: "Be brief."},
		{Role: store.RoleUser, Content: "first"},
		{Role: store.RoleAssistant, Content: "answer"},
		{Role: store.RoleUser, Content: "second"},
	}, CompletionParams{})
	require.NoError(t, err)
	assert.Equal(t, "sure", reply)

	assert.Equal(t, [][2]string{
		{"user", "first"},
		{"model", "answer"},
		{"user", "second"},
	}, sent())
}

func TestGeminiCompleterRejectsSystemOnlyPrompt(t *testing.T) {
	srv, sent := geminiServer(t, "unused")
	c := newTestGemini(t, srv)

	_, err := c.Complete(context.Background(), []Message{{Role: store.RoleSystem, Content: "only"}}, CompletionParams{})
	require.Error(t, err)
	assert.Empty(t, sent())
}
