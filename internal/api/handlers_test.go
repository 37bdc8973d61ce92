package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"github.com/quotio/cliproxy/internal/config"
	"github.com/quotio/cliproxy/sdk/cliproxy"
	coreauth "github.com/quotio/cliproxy/sdk/cliproxy/auth"
	cliproxyexecutor "github.com/quotio/cliproxy/sdk/cliproxy/executor"
)

type stubExecutor struct {
	id      string
	payload string
	status  int
	chunks  []cliproxyexecutor.StreamChunk
}

func (e *stubExecutor) Identifier() string { return e.id }

func (e *stubExecutor) Execute(context.Context, *coreauth.Auth, cliproxyexecutor.Request, cliproxyexecutor.Options) (cliproxyexecutor.Response, error) {
	if e.status != 0 {
		return cliproxyexecutor.Response{}, stubStatusErr{code: e.status}
	}
	return cliproxyexecutor.Response{Payload: []byte(e.payload)}, nil
}

func (e *stubExecutor) ExecuteStream(context.Context, *coreauth.Auth, cliproxyexecutor.Request, cliproxyexecutor.Options) (*cliproxyexecutor.StreamResult, error) {
	out := make(chan cliproxyexecutor.StreamChunk, len(e.chunks))
	for _, c := range e.chunks {
		out <- c
	}
	close(out)
	return &cliproxyexecutor.StreamResult{Chunks: out}, nil
}

func (e *stubExecutor) Refresh(_ context.Context, a *coreauth.Auth) (*coreauth.Auth, error) {
	return a, nil
}

func (e *stubExecutor) CountTokens(context.Context, *coreauth.Auth, cliproxyexecutor.Request, cliproxyexecutor.Options) (cliproxyexecutor.Response, error) {
	return cliproxyexecutor.Response{Payload: []byte(`{"input_tokens":42}`)}, nil
}

func (e *stubExecutor) HttpRequest(context.Context, *coreauth.Auth, *http.Request) (*http.Response, error) {
	return nil, nil
}

func (e *stubExecutor) CloseExecutionSession(string) {}

type stubStatusErr struct{ code int }

func (e stubStatusErr) Error() string   { return http.StatusText(e.code) }
func (e stubStatusErr) StatusCode() int { return e.code }

func newTestServer(t *testing.T, exec *stubExecutor) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	m := coreauth.NewManager(nil, nil, nil)
	m.SetRetryConfig(0, 0)
	m.RegisterExecutor(exec)
	if _, err := m.Register(context.Background(), &coreauth.Auth{ID: "a1", Provider: exec.id}); err != nil {
		t.Fatalf("register auth: %v", err)
	}
	h := NewHandler(&config.Config{}, cliproxy.NewService(m, nil))

	engine := gin.New()
	engine.GET("/v1/models", h.Models)
	engine.POST("/v1/chat/completions", h.ChatCompletions)
	engine.POST("/v1/messages/count_tokens", h.ClaudeCountTokens)
	return engine
}

func TestChatCompletions_NonStreaming(t *testing.T) {
	exec := &stubExecutor{id: "claude", payload: `{"object":"chat.completion"}`}
	engine := newTestServer(t, exec)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"claude-opus","messages":[]}`))
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	if gjson.Get(w.Body.String(), "object").String() != "chat.completion" {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestChatCompletions_MissingModelIs400(t *testing.T) {
	engine := newTestServer(t, &stubExecutor{id: "claude"})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"messages":[]}`))
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if gjson.Get(w.Body.String(), "error.message").String() == "" {
		t.Fatalf("body = %s, want an error envelope", w.Body.String())
	}
}

func TestChatCompletions_UpstreamErrorStatusPropagates(t *testing.T) {
	exec := &stubExecutor{id: "claude", status: http.StatusUnauthorized}
	engine := newTestServer(t, exec)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"claude-opus","messages":[]}`))
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want the upstream 401 surfaced", w.Code)
	}
}

func TestChatCompletions_StreamingWritesSSE(t *testing.T) {
	exec := &stubExecutor{id: "claude", chunks: []cliproxyexecutor.StreamChunk{
		{Payload: []byte(`{"choices":[{"delta":{"content":"hi"}}]}`)},
	}}
	engine := newTestServer(t, exec)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"claude-opus","stream":true,"messages":[]}`))
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q", ct)
	}
	body := w.Body.String()
	if !strings.Contains(body, `data: {"choices"`) {
		t.Fatalf("body = %q, want SSE data line", body)
	}
	if !strings.Contains(body, "data: [DONE]") {
		t.Fatalf("body = %q, want terminal [DONE]", body)
	}
}

func TestClaudeCountTokens(t *testing.T) {
	exec := &stubExecutor{id: "claude"}
	engine := newTestServer(t, exec)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages/count_tokens", strings.NewReader(`{"model":"claude-opus","messages":[]}`))
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	if gjson.Get(w.Body.String(), "input_tokens").Int() != 42 {
		t.Fatalf("body = %s", w.Body.String())
	}
}
