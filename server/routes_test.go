package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skein-ai/skein/api"
	"github.com/skein-ai/skein/chat"
	"github.com/skein-ai/skein/llm"
	"github.com/skein-ai/skein/runner/slotrunner"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T, opts slotrunner.Options) http.Handler {
	t.Helper()

	sched := slotrunner.NewScheduler(llm.NewSimBackend(), llm.SimTokenizer{}, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sched.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return NewServer(sched, llm.SimTokenizer{}, chat.Builtin(), opts.Parallel).GenerateRoutes()
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	h := newTestServer(t, slotrunner.Options{Parallel: 1})

	w := doJSON(t, h, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))
}

func TestCompletion(t *testing.T) {
	h := newTestServer(t, slotrunner.Options{Parallel: 2})

	w := doJSON(t, h, http.MethodPost, "/completion", map[string]any{
		"prompt": "Hello",
		"stream": false,
		"options": map[string]any{
			"temperature": 0,
			"num_predict": 8,
		},
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp completionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Stop)
	assert.Equal(t, 5, resp.PromptTokens)
	assert.Greater(t, resp.PredictedTokens, 0)
	assert.LessOrEqual(t, resp.PredictedTokens, 8)
	assert.NotEmpty(t, resp.DoneReason)
}

func TestCompletionStream(t *testing.T) {
	h := newTestServer(t, slotrunner.Options{Parallel: 1})

	w := doJSON(t, h, http.MethodPost, "/completion", map[string]any{
		"prompt": "Hello",
		"stream": true,
		"options": map[string]any{
			"temperature": 0,
			"num_predict": 8,
		},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/x-ndjson", w.Header().Get("Content-Type"))

	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	require.NotEmpty(t, lines)

	var last completionResponse
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &last))
	assert.True(t, last.Stop)

	// the final object carries the full text, not a delta
	var streamed strings.Builder
	for _, line := range lines[:len(lines)-1] {
		var chunk completionChunk
		require.NoError(t, json.Unmarshal([]byte(line), &chunk))
		assert.False(t, chunk.Stop)
		assert.NotEmpty(t, chunk.Content)
		streamed.WriteString(chunk.Content)
	}
	assert.Equal(t, last.Content, streamed.String())
}

func TestCompletionBadJSON(t *testing.T) {
	h := newTestServer(t, slotrunner.Options{Parallel: 1})

	req := httptest.NewRequest(http.MethodPost, "/completion", strings.NewReader("{"))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCompletionEmptyPrompt(t *testing.T) {
	h := newTestServer(t, slotrunner.Options{Parallel: 1})

	w := doJSON(t, h, http.MethodPost, "/completion", map[string]any{"prompt": ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChat(t *testing.T) {
	h := newTestServer(t, slotrunner.Options{Parallel: 1})

	msgs := []map[string]any{
		{"role": "system", "content": "Be terse."},
		{"role": "user", "content": "Hi"},
	}
	w := doJSON(t, h, http.MethodPost, "/chat", map[string]any{
		"messages": msgs,
		"stream":   false,
		"options": map[string]any{
			"temperature": 0,
			"num_predict": 8,
		},
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp completionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Stop)
	assert.Greater(t, resp.PredictedTokens, 0)
	assert.LessOrEqual(t, resp.PredictedTokens, 8)

	// the sim tokenizer is byte for byte, so the templated prompt length
	// is exactly the tagged text length
	tmpl, err := chat.Builtin().Get(chat.DefaultTemplate)
	require.NoError(t, err)
	parts := tmpl.Apply([]chat.Message{
		{Role: chat.RoleSystem, Content: "Be terse."},
		{Role: chat.RoleUser, Content: "Hi"},
	}, true)
	assert.Equal(t, len(chat.Text(parts)), resp.PromptTokens)
}

func TestChatStream(t *testing.T) {
	h := newTestServer(t, slotrunner.Options{Parallel: 1})

	w := doJSON(t, h, http.MethodPost, "/chat", map[string]any{
		"messages": []map[string]any{{"role": "user", "content": "Hi"}},
		"stream":   true,
		"options": map[string]any{
			"temperature": 0,
			"num_predict": 4,
		},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/x-ndjson", w.Header().Get("Content-Type"))

	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	var last completionResponse
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &last))
	assert.True(t, last.Stop)
}

func TestChatUnknownTemplate(t *testing.T) {
	h := newTestServer(t, slotrunner.Options{Parallel: 1})

	w := doJSON(t, h, http.MethodPost, "/chat", map[string]any{
		"messages": []map[string]any{{"role": "user", "content": "Hi"}},
		"template": "nope",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChatNoMessages(t *testing.T) {
	h := newTestServer(t, slotrunner.Options{Parallel: 1})

	w := doJSON(t, h, http.MethodPost, "/chat", map[string]any{"messages": []any{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEmbedding(t *testing.T) {
	h := newTestServer(t, slotrunner.Options{Parallel: 1})

	w := doJSON(t, h, http.MethodPost, "/embedding", map[string]any{"content": "vector me"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Embedding []float32 `json:"embedding"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Embedding)
}

func TestRerank(t *testing.T) {
	h := newTestServer(t, slotrunner.Options{Parallel: 1})

	w := doJSON(t, h, http.MethodPost, "/rerank", map[string]any{
		"query":    "what is a slot",
		"document": "a slot is a generation lane",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "score")
}

func TestMetrics(t *testing.T) {
	h := newTestServer(t, slotrunner.Options{Parallel: 3})

	w := doJSON(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var m slotrunner.Metrics
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	assert.Equal(t, 3, m.SlotsIdle)
}

func TestSlotUnknownAction(t *testing.T) {
	h := newTestServer(t, slotrunner.Options{Parallel: 1})

	w := doJSON(t, h, http.MethodPost, "/slots/0?action=explode", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSlotBadID(t *testing.T) {
	h := newTestServer(t, slotrunner.Options{Parallel: 1})

	w := doJSON(t, h, http.MethodPost, "/slots/zero?action=save", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSlotSaveDisabled(t *testing.T) {
	h := newTestServer(t, slotrunner.Options{Parallel: 1})

	w := doJSON(t, h, http.MethodPost, "/slots/0?action=save",
		map[string]any{"filename": "state.bin"})
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestSlotSaveRestore(t *testing.T) {
	h := newTestServer(t, slotrunner.Options{Parallel: 1, StateDir: t.TempDir()})

	// prime the slot's cache with a completed request
	w := doJSON(t, h, http.MethodPost, "/completion", map[string]any{
		"prompt": "Hello",
		"options": map[string]any{
			"temperature": 0,
			"num_predict": 4,
		},
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodPost, "/slots/0?action=save",
		map[string]any{"filename": "state.bin"})
	require.Equal(t, http.StatusOK, w.Code)

	var saved struct {
		SlotID int    `json:"id_slot"`
		Tokens int    `json:"n_tokens"`
		Bytes  int64  `json:"n_bytes"`
		File   string `json:"filename"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &saved))
	assert.Equal(t, 0, saved.SlotID)
	assert.Greater(t, saved.Tokens, 0)
	assert.Greater(t, saved.Bytes, int64(0))
	assert.Equal(t, "state.bin", saved.File)

	w = doJSON(t, h, http.MethodPost, "/slots/0?action=erase", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodPost, "/slots/0?action=restore",
		map[string]any{"filename": "state.bin"})
	require.Equal(t, http.StatusOK, w.Code)

	var restored struct {
		Tokens int `json:"n_tokens"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &restored))
	assert.Equal(t, saved.Tokens, restored.Tokens)
}

func TestLoraNotSupported(t *testing.T) {
	h := newTestServer(t, slotrunner.Options{Parallel: 1})

	w := doJSON(t, h, http.MethodPost, "/lora",
		map[string]any{"path": "adapter.bin", "scale": 1.0})
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestStatusForKind(t *testing.T) {
	cases := map[api.ErrorKind]int{
		api.ErrorKindInvalidRequest:   http.StatusBadRequest,
		api.ErrorKindAuthentication:   http.StatusUnauthorized,
		api.ErrorKindPermission:       http.StatusForbidden,
		api.ErrorKindNotFound:         http.StatusNotFound,
		api.ErrorKindNotSupported:     http.StatusNotImplemented,
		api.ErrorKindUnavailable:      http.StatusServiceUnavailable,
		api.ErrorKindServer:           http.StatusInternalServerError,
		api.ErrorKindCompute:          http.StatusInternalServerError,
		api.ErrorKindGrammarViolation: http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, statusForKind(kind), kind.String())
	}
}
