package cliproxy

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	internalconfig "github.com/quotio/cliproxy/internal/config"
	coreauth "github.com/quotio/cliproxy/sdk/cliproxy/auth"
	cliproxyexecutor "github.com/quotio/cliproxy/sdk/cliproxy/executor"
)

type fakeStatusErr struct {
	code    int
	msg     string
	headers http.Header
}

func (e fakeStatusErr) Error() string   { return e.msg }
func (e fakeStatusErr) StatusCode() int { return e.code }
func (e fakeStatusErr) Headers() http.Header {
	if e.headers == nil {
		return http.Header{}
	}
	return e.headers
}

// scriptedExecutor answers for one provider with per-auth scripted outcomes
// and records the order credentials were executed in.
type scriptedExecutor struct {
	id string

	mu    sync.Mutex
	calls []string

	execute func(authID string) (cliproxyexecutor.Response, error)
	stream  func(authID string) []cliproxyexecutor.StreamChunk
}

func (e *scriptedExecutor) Identifier() string { return e.id }

func (e *scriptedExecutor) record(authID string) {
	e.mu.Lock()
	e.calls = append(e.calls, authID)
	e.mu.Unlock()
}

func (e *scriptedExecutor) callsSnapshot() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

func (e *scriptedExecutor) Execute(ctx context.Context, auth *coreauth.Auth, req cliproxyexecutor.Request, opts cliproxyexecutor.Options) (cliproxyexecutor.Response, error) {
	e.record(auth.ID)
	if e.execute == nil {
		return cliproxyexecutor.Response{Payload: []byte(`{}`)}, nil
	}
	return e.execute(auth.ID)
}

func (e *scriptedExecutor) ExecuteStream(ctx context.Context, auth *coreauth.Auth, req cliproxyexecutor.Request, opts cliproxyexecutor.Options) (*cliproxyexecutor.StreamResult, error) {
	e.record(auth.ID)
	chunks := e.stream(auth.ID)
	out := make(chan cliproxyexecutor.StreamChunk, len(chunks))
	for _, c := range chunks {
		out <- c
	}
	close(out)
	return &cliproxyexecutor.StreamResult{Chunks: out}, nil
}

func (e *scriptedExecutor) Refresh(ctx context.Context, auth *coreauth.Auth) (*coreauth.Auth, error) {
	return auth, nil
}

func (e *scriptedExecutor) CountTokens(ctx context.Context, auth *coreauth.Auth, req cliproxyexecutor.Request, opts cliproxyexecutor.Options) (cliproxyexecutor.Response, error) {
	return cliproxyexecutor.Response{Payload: []byte(`{"input_tokens":0}`)}, nil
}

func (e *scriptedExecutor) HttpRequest(ctx context.Context, auth *coreauth.Auth, req *http.Request) (*http.Response, error) {
	return nil, nil
}

func (e *scriptedExecutor) CloseExecutionSession(sessionID string) {}

func newTestManager(t *testing.T, execs ...*scriptedExecutor) *coreauth.Manager {
	t.Helper()
	m := coreauth.NewManager(nil, nil, nil)
	m.SetRetryConfig(0, 0)
	for _, e := range execs {
		m.RegisterExecutor(e)
	}
	return m
}

func registerAuth(t *testing.T, m *coreauth.Manager, id, provider string) {
	t.Helper()
	if _, err := m.Register(context.Background(), &coreauth.Auth{ID: id, Provider: provider}); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
}

func TestServiceExecute_RoundRobinHappyPath(t *testing.T) {
	exec := &scriptedExecutor{id: "claude"}
	m := newTestManager(t, exec)
	registerAuth(t, m, "a", "claude")
	registerAuth(t, m, "b", "claude")
	svc := NewService(m, nil)

	req := cliproxyexecutor.Request{Payload: []byte(`{}`)}
	for i := 0; i < 2; i++ {
		if _, err := svc.Execute(context.Background(), []string{"claude"}, "claude-opus", req, cliproxyexecutor.Options{}); err != nil {
			t.Fatalf("Execute #%d: %v", i, err)
		}
	}

	got := exec.callsSnapshot()
	want := []string{"a", "b"}
	if len(got) != len(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("calls = %v, want %v", got, want)
		}
	}
	for _, id := range want {
		a, ok := m.GetByID(id)
		if !ok {
			t.Fatalf("auth %s missing", id)
		}
		if state := a.ModelStates["claude-opus"]; state != nil && state.Quota.BackoffLevel != 0 {
			t.Fatalf("auth %s backoffLevel = %d, want 0", id, state.Quota.BackoffLevel)
		}
	}
}

func TestServiceExecute_429FailoverWithinProvider(t *testing.T) {
	headers := http.Header{}
	headers.Set("Retry-After", "2")
	exec := &scriptedExecutor{id: "claude"}
	exec.execute = func(authID string) (cliproxyexecutor.Response, error) {
		if authID == "a" {
			return cliproxyexecutor.Response{}, fakeStatusErr{code: 429, msg: "rate limited", headers: headers}
		}
		return cliproxyexecutor.Response{Payload: []byte(`{"from":"b"}`)}, nil
	}
	m := newTestManager(t, exec)
	registerAuth(t, m, "a", "claude")
	registerAuth(t, m, "b", "claude")
	svc := NewService(m, nil)

	before := time.Now()
	resp, err := svc.Execute(context.Background(), []string{"claude"}, "claude-opus", cliproxyexecutor.Request{Payload: []byte(`{}`)}, cliproxyexecutor.Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if string(resp.Payload) != `{"from":"b"}` {
		t.Fatalf("payload = %s, want b's", resp.Payload)
	}

	a, _ := m.GetByID("a")
	state := a.ModelStates["claude-opus"]
	if state == nil || !state.Quota.Exceeded {
		t.Fatalf("auth a should be in quota cooldown, state = %+v", state)
	}
	recoverIn := state.Quota.NextRecoverAt.Sub(before)
	if recoverIn < 1900*time.Millisecond || recoverIn > 2500*time.Millisecond {
		t.Fatalf("nextRecoverAt in %v, want ~2s (upstream retry-after honoured)", recoverIn)
	}
	if state.Quota.BackoffLevel != 0 {
		t.Fatalf("backoffLevel = %d, want 0 when upstream supplied retry-after", state.Quota.BackoffLevel)
	}
}

func TestServiceExecute_MixedProviderFallback(t *testing.T) {
	claude := &scriptedExecutor{id: "claude"}
	claude.execute = func(string) (cliproxyexecutor.Response, error) {
		return cliproxyexecutor.Response{}, fakeStatusErr{code: 429, msg: "quota"}
	}
	gemini := &scriptedExecutor{id: "gemini"}
	m := newTestManager(t, claude, gemini)
	registerAuth(t, m, "c1", "claude")
	registerAuth(t, m, "c2", "claude")
	registerAuth(t, m, "g1", "gemini")

	dir := t.TempDir()
	path := filepath.Join(dir, "fallback.json")
	doc := `{"enabled":true,"virtualModels":[{"id":"vm1","name":"quotio-opus","entries":[` +
		`{"provider":"gemini","modelId":"gemini-2.0-pro","priority":2},` +
		`{"provider":"claude","modelId":"claude-3-opus","priority":1}]}]}`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write fallback doc: %v", err)
	}
	fw, err := internalconfig.NewFallbackWatcher(path)
	if err != nil {
		t.Fatalf("new fallback watcher: %v", err)
	}
	defer func() { _ = fw.Close() }()

	svc := NewService(m, fw)
	resp, err := svc.Execute(context.Background(), nil, "quotio-opus", cliproxyexecutor.Request{Payload: []byte(`{}`)}, cliproxyexecutor.Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(resp.Payload) == 0 {
		t.Fatalf("expected gemini payload")
	}
	if calls := gemini.callsSnapshot(); len(calls) != 1 || calls[0] != "g1" {
		t.Fatalf("gemini calls = %v, want [g1]", calls)
	}
	if calls := claude.callsSnapshot(); len(calls) != 2 {
		t.Fatalf("claude calls = %v, want both credentials tried once", calls)
	}
	for _, id := range []string{"c1", "c2"} {
		a, _ := m.GetByID(id)
		state := a.ModelStates["claude-3-opus"]
		if state == nil || state.Quota.BackoffLevel != 1 {
			t.Fatalf("auth %s backoffLevel = %+v, want 1 after one 429 without retry-after", id, state)
		}
	}
}

func TestServiceExecute_TriedSetMonotonicity(t *testing.T) {
	exec := &scriptedExecutor{id: "claude"}
	exec.execute = func(string) (cliproxyexecutor.Response, error) {
		return cliproxyexecutor.Response{}, fakeStatusErr{code: 500, msg: "boom"}
	}
	m := newTestManager(t, exec)
	registerAuth(t, m, "a", "claude")
	registerAuth(t, m, "b", "claude")
	registerAuth(t, m, "c", "claude")
	svc := NewService(m, nil)

	_, err := svc.Execute(context.Background(), []string{"claude"}, "claude-opus", cliproxyexecutor.Request{}, cliproxyexecutor.Options{})
	if err == nil {
		t.Fatalf("expected terminal error")
	}
	calls := exec.callsSnapshot()
	if len(calls) != 3 {
		t.Fatalf("calls = %v, want each credential executed exactly once", calls)
	}
	seen := map[string]bool{}
	for _, id := range calls {
		if seen[id] {
			t.Fatalf("credential %s executed twice: %v", id, calls)
		}
		seen[id] = true
	}
}

func TestServiceExecute_NonRetryableStopsFallbackAdvance(t *testing.T) {
	claude := &scriptedExecutor{id: "claude"}
	claude.execute = func(string) (cliproxyexecutor.Response, error) {
		return cliproxyexecutor.Response{}, fakeStatusErr{code: 400, msg: "malformed request"}
	}
	gemini := &scriptedExecutor{id: "gemini"}
	m := newTestManager(t, claude, gemini)
	registerAuth(t, m, "c1", "claude")
	registerAuth(t, m, "g1", "gemini")
	svc := NewService(m, nil)

	_, err := svc.Execute(context.Background(), []string{"claude", "gemini"}, "some-model", cliproxyexecutor.Request{}, cliproxyexecutor.Options{})
	if err == nil {
		t.Fatalf("expected the 400 to surface")
	}
	se, ok := err.(cliproxyexecutor.StatusError)
	if !ok || se.StatusCode() != http.StatusBadRequest {
		t.Fatalf("error = %v, want the upstream 400", err)
	}
	if calls := gemini.callsSnapshot(); len(calls) != 0 {
		t.Fatalf("a non-retryable upstream rejection must not advance to the next provider, gemini calls = %v", calls)
	}
}

func TestServiceExecute_AllCooldownSurfaces429(t *testing.T) {
	exec := &scriptedExecutor{id: "claude"}
	m := newTestManager(t, exec)
	future := time.Now().Add(90 * time.Second)
	for _, id := range []string{"a", "b"} {
		a := &coreauth.Auth{ID: id, Provider: "claude", ModelStates: map[string]*coreauth.ModelState{
			"claude-opus": {
				Status:         coreauth.StatusError,
				Unavailable:    true,
				NextRetryAfter: future,
				Quota:          coreauth.QuotaState{Exceeded: true, NextRecoverAt: future},
			},
		}}
		if _, err := m.Register(context.Background(), a); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	svc := NewService(m, nil)

	_, err := svc.Execute(context.Background(), []string{"claude"}, "claude-opus", cliproxyexecutor.Request{}, cliproxyexecutor.Options{})
	if err == nil {
		t.Fatalf("expected cooldown error")
	}
	se, ok := err.(cliproxyexecutor.StatusError)
	if !ok || se.StatusCode() != http.StatusTooManyRequests {
		t.Fatalf("error = %v, want StatusError 429", err)
	}
	if !strings.Contains(err.Error(), "model_cooldown") {
		t.Fatalf("error body = %s, want model_cooldown code", err.Error())
	}
	if calls := exec.callsSnapshot(); len(calls) != 0 {
		t.Fatalf("no execution should happen while everything cools down, got %v", calls)
	}
}

func TestServiceExecute_RetriesAfterCooldownExpires(t *testing.T) {
	exec := &scriptedExecutor{id: "claude"}
	m := newTestManager(t, exec)
	m.SetRetryConfig(1, 2*time.Second)
	near := time.Now().Add(150 * time.Millisecond)
	a := &coreauth.Auth{ID: "a", Provider: "claude", ModelStates: map[string]*coreauth.ModelState{
		"claude-opus": {
			Status:         coreauth.StatusError,
			Unavailable:    true,
			NextRetryAfter: near,
			Quota:          coreauth.QuotaState{Exceeded: true, NextRecoverAt: near},
		},
	}}
	if _, err := m.Register(context.Background(), a); err != nil {
		t.Fatalf("register: %v", err)
	}
	svc := NewService(m, nil)

	start := time.Now()
	if _, err := svc.Execute(context.Background(), []string{"claude"}, "claude-opus", cliproxyexecutor.Request{}, cliproxyexecutor.Options{}); err != nil {
		t.Fatalf("Execute after cooldown wait: %v", err)
	}
	if waited := time.Since(start); waited < 100*time.Millisecond {
		t.Fatalf("expected the pool to sleep out the cooldown, returned after %v", waited)
	}
	if calls := exec.callsSnapshot(); len(calls) != 1 || calls[0] != "a" {
		t.Fatalf("calls = %v, want recovered credential executed once", calls)
	}
}

func TestServiceExecuteStream_MidStreamFailover(t *testing.T) {
	exec := &scriptedExecutor{id: "claude"}
	exec.stream = func(authID string) []cliproxyexecutor.StreamChunk {
		if authID == "a" {
			return []cliproxyexecutor.StreamChunk{
				{Payload: []byte("a-1")},
				{Err: fakeStatusErr{code: 500, msg: "upstream hiccup"}},
			}
		}
		return []cliproxyexecutor.StreamChunk{
			{Payload: []byte("b-1")},
			{Payload: []byte("b-2")},
		}
	}
	m := newTestManager(t, exec)
	registerAuth(t, m, "a", "claude")
	registerAuth(t, m, "b", "claude")
	svc := NewService(m, nil)

	sr, err := svc.ExecuteStream(context.Background(), []string{"claude"}, "claude-opus", cliproxyexecutor.Request{}, cliproxyexecutor.Options{Stream: true})
	if err != nil {
		t.Fatalf("ExecuteStream: %v", err)
	}

	var payloads []string
	for chunk := range sr.Chunks {
		if chunk.Err != nil {
			t.Fatalf("unexpected terminal error after failover: %v", chunk.Err)
		}
		payloads = append(payloads, string(chunk.Payload))
	}
	want := []string{"a-1", "b-1", "b-2"}
	if len(payloads) != len(want) {
		t.Fatalf("payloads = %v, want %v", payloads, want)
	}
	for i := range want {
		if payloads[i] != want[i] {
			t.Fatalf("payloads = %v, want %v", payloads, want)
		}
	}

	// Exactly one result per attempt: a failed, b succeeded.
	authA, _ := m.GetByID("a")
	if state := authA.ModelStates["claude-opus"]; state == nil || !state.Unavailable {
		t.Fatalf("auth a should carry the stream failure, state = %+v", state)
	}
	authB, _ := m.GetByID("b")
	if state := authB.ModelStates["claude-opus"]; state == nil || state.Status != coreauth.StatusActive {
		t.Fatalf("auth b should be active after a clean stream, state = %+v", state)
	}
}

func TestServiceExecuteStream_TerminalErrorWhenExhausted(t *testing.T) {
	exec := &scriptedExecutor{id: "claude"}
	exec.stream = func(authID string) []cliproxyexecutor.StreamChunk {
		return []cliproxyexecutor.StreamChunk{
			{Payload: []byte(authID + "-1")},
			{Err: fakeStatusErr{code: 503, msg: "unavailable"}},
		}
	}
	m := newTestManager(t, exec)
	registerAuth(t, m, "a", "claude")
	svc := NewService(m, nil)

	sr, err := svc.ExecuteStream(context.Background(), []string{"claude"}, "claude-opus", cliproxyexecutor.Request{}, cliproxyexecutor.Options{Stream: true})
	if err != nil {
		t.Fatalf("ExecuteStream: %v", err)
	}
	var sawErr bool
	for chunk := range sr.Chunks {
		if chunk.Err != nil {
			sawErr = true
		}
	}
	if !sawErr {
		t.Fatalf("expected a terminal error chunk once rotation is exhausted")
	}
	if calls := exec.callsSnapshot(); len(calls) != 1 {
		t.Fatalf("calls = %v, want the single credential tried once", calls)
	}
}
