package executor

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	coreauth "github.com/quotio/cliproxy/sdk/cliproxy/auth"
	cliproxyexecutor "github.com/quotio/cliproxy/sdk/cliproxy/executor"
	sdktranslator "github.com/quotio/cliproxy/sdk/translator"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	codexDefaultBaseURL      = "https://chatgpt.com/backend-api/codex"
	codexResponsesPath       = "/responses"
	codexWSHandshakeTimeout  = 30 * time.Second
	codexWSRequestTypeCreate = "response.create"
	codexWSEventError        = "error"
	codexWSEventCompleted    = "response.completed"
	codexWSEventDone         = "response.done"
)

// CodexExecutor drives the Codex Responses API over its websocket transport.
// For each response turn the executor sends a single response.create frame
// and relays event frames until the upstream reports
// response.completed/response.done or an error event. Connections are keyed
// by the caller's execution-session ID so multi-turn clients reuse an
// established socket instead of re-handshaking per request; a request without
// a session ID gets its own socket, closed when the turn ends.
type CodexExecutor struct {
	rt coreauth.RoundTripperProvider

	sessMu   sync.Mutex
	sessions map[string]*codexSession
}

type codexSession struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewCodexExecutor constructs an executor bound to the pool's per-auth
// RoundTripperProvider.
func NewCodexExecutor(rt coreauth.RoundTripperProvider) *CodexExecutor {
	return &CodexExecutor{rt: rt, sessions: make(map[string]*codexSession)}
}

// Identifier implements coreauth.Executor.
func (e *CodexExecutor) Identifier() string { return "codex" }

func resolveCodexBaseURL(auth *coreauth.Auth) string {
	if auth != nil {
		if v := strings.TrimSpace(auth.Attributes["base_url"]); v != "" {
			return strings.TrimRight(v, "/")
		}
	}
	return codexDefaultBaseURL
}

// codexWebsocketURL rewrites the HTTP base into its websocket counterpart.
func codexWebsocketURL(auth *coreauth.Auth) (string, error) {
	base := resolveCodexBaseURL(auth) + codexResponsesPath
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("codex executor: parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	return u.String(), nil
}

func codexCredential(auth *coreauth.Auth) string {
	if auth == nil {
		return ""
	}
	if v, ok := auth.Metadata["access_token"].(string); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	if v, ok := auth.Metadata["api_key"].(string); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return ""
}

func (e *CodexExecutor) sessionFor(id string) *codexSession {
	e.sessMu.Lock()
	defer e.sessMu.Unlock()
	s, ok := e.sessions[id]
	if !ok {
		s = &codexSession{}
		e.sessions[id] = s
	}
	return s
}

func executionSessionID(opts cliproxyexecutor.Options) string {
	if opts.Metadata != nil {
		if v, ok := opts.Metadata[cliproxyexecutor.ExecutionSessionMetadataKey].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// dial opens a fresh websocket to the Codex responses endpoint, carrying the
// credential and a stable per-connection conversation ID.
func (e *CodexExecutor) dial(ctx context.Context, auth *coreauth.Auth) (*websocket.Conn, error) {
	wsURL, err := codexWebsocketURL(auth)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if token := codexCredential(auth); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	header.Set("originator", "codex_cli_go")
	header.Set("conversation_id", uuid.NewString())

	dialer := websocket.Dialer{HandshakeTimeout: codexWSHandshakeTimeout}
	if e.rt != nil {
		if tr, ok := e.rt.RoundTripperFor(auth).(*http.Transport); ok && tr != nil && tr.Proxy != nil {
			dialer.Proxy = tr.Proxy
		}
	}
	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			defer func() { _ = resp.Body.Close() }()
			return nil, newStatusErrorFromResponse(resp)
		}
		return nil, err
	}
	return conn, nil
}

// codexEventError converts an upstream error event frame into a StatusError so
// the pool's cooldown table applies. The Responses error frame carries the
// upstream HTTP-equivalent status in error.status and an optional retry hint
// in error.retry_after_seconds.
func codexEventError(payload []byte) error {
	status := int(gjson.GetBytes(payload, "error.status").Int())
	if status == 0 {
		status = int(gjson.GetBytes(payload, "error.code").Int())
	}
	if status == 0 {
		status = http.StatusBadGateway
	}
	headers := http.Header{}
	if retry := gjson.GetBytes(payload, "error.retry_after_seconds"); retry.Exists() {
		headers.Set("Retry-After", retry.String())
	}
	msg := gjson.GetBytes(payload, "error.message").String()
	if msg == "" {
		msg = string(payload)
	}
	return statusErrWithHeaders{statusErr: statusErr{code: status, msg: msg}, headers: headers}
}

// run sends one response.create frame and invokes emit per event frame until
// the turn terminates. The returned error is the attempt's failure, if any.
func (e *CodexExecutor) run(ctx context.Context, auth *coreauth.Auth, req cliproxyexecutor.Request, opts cliproxyexecutor.Options, emit func(payload []byte)) error {
	baseModel := stripThinkingSuffix(req.Model)
	from := opts.SourceFormat
	to := sdktranslator.FromString("codex")
	body := sdktranslator.TranslateRequest(from, to, baseModel, req.Payload, true)
	body, _ = sjson.SetBytes(body, "model", baseModel)
	frame, _ := sjson.SetBytes(body, "type", codexWSRequestTypeCreate)

	sessID := executionSessionID(opts)
	var sess *codexSession
	if sessID != "" {
		sess = e.sessionFor(sessID)
		sess.mu.Lock()
		defer sess.mu.Unlock()
	}

	var conn *websocket.Conn
	if sess != nil {
		conn = sess.conn
	}
	fresh := false
	if conn == nil {
		dialed, err := e.dial(ctx, auth)
		if err != nil {
			return err
		}
		conn = dialed
		fresh = true
		if sess != nil {
			sess.conn = conn
		}
	}
	dropConn := func() {
		_ = conn.Close()
		if sess != nil && sess.conn == conn {
			sess.conn = nil
		}
	}
	if sess == nil {
		defer dropConn()
	}

	// Cancellation has to unblock ReadMessage, which does not take a context.
	readCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go func() {
		<-readCtx.Done()
		if ctx.Err() != nil {
			dropConn()
		}
	}()

	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		dropConn()
		if fresh {
			return err
		}
		// A stale pooled connection may have been closed by the upstream
		// between turns; retry once on a fresh socket.
		dialed, dialErr := e.dial(ctx, auth)
		if dialErr != nil {
			return dialErr
		}
		conn = dialed
		if sess != nil {
			sess.conn = conn
		}
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			dropConn()
			return err
		}
	}

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			dropConn()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		eventType := gjson.GetBytes(payload, "type").String()
		switch eventType {
		case codexWSEventError:
			dropConn()
			return codexEventError(payload)
		case codexWSEventCompleted, codexWSEventDone:
			emit(payload)
			return nil
		default:
			emit(payload)
		}
	}
}

// Execute implements coreauth.Executor by consuming the websocket turn to
// completion and returning the terminal response.completed payload.
func (e *CodexExecutor) Execute(ctx context.Context, auth *coreauth.Auth, req cliproxyexecutor.Request, opts cliproxyexecutor.Options) (cliproxyexecutor.Response, error) {
	if err := throttle(ctx, e.Identifier()); err != nil {
		return cliproxyexecutor.Response{}, err
	}
	var final []byte
	err := e.run(ctx, auth, req, opts, func(payload []byte) {
		if t := gjson.GetBytes(payload, "type").String(); t == codexWSEventCompleted || t == codexWSEventDone {
			final = append([]byte(nil), payload...)
		}
	})
	if err != nil {
		return cliproxyexecutor.Response{}, err
	}
	if final == nil {
		return cliproxyexecutor.Response{}, statusErr{code: http.StatusBadGateway, msg: "codex executor: turn ended without a terminal event"}
	}
	response := gjson.GetBytes(final, "response")
	if response.Exists() {
		final = []byte(response.Raw)
	}
	from := opts.SourceFormat
	to := sdktranslator.FromString("codex")
	var param any
	translated := sdktranslator.TranslateNonStream(ctx, to, from, req.Model, opts.OriginalRequest, req.Payload, final, &param)
	return cliproxyexecutor.Response{Payload: []byte(translated)}, nil
}

// ExecuteStream implements coreauth.Executor, relaying each websocket event
// frame through the translation pipeline as it arrives.
func (e *CodexExecutor) ExecuteStream(ctx context.Context, auth *coreauth.Auth, req cliproxyexecutor.Request, opts cliproxyexecutor.Options) (*cliproxyexecutor.StreamResult, error) {
	if err := throttle(ctx, e.Identifier()); err != nil {
		return nil, err
	}
	from := opts.SourceFormat
	to := sdktranslator.FromString("codex")
	out := make(chan cliproxyexecutor.StreamChunk)
	go func() {
		defer close(out)
		var param any
		err := e.run(ctx, auth, req, opts, func(payload []byte) {
			lines := sdktranslator.TranslateStream(ctx, to, from, req.Model, opts.OriginalRequest, req.Payload, payload, &param)
			for i := range lines {
				out <- cliproxyexecutor.StreamChunk{Payload: []byte(lines[i])}
			}
		})
		if err != nil {
			out <- cliproxyexecutor.StreamChunk{Err: err}
		}
	}()
	return &cliproxyexecutor.StreamResult{Chunks: out}, nil
}

// Refresh implements coreauth.Executor. Codex OAuth tokens refresh through
// the external acquisition flow; the pool only re-reads the credential.
func (e *CodexExecutor) Refresh(ctx context.Context, auth *coreauth.Auth) (*coreauth.Auth, error) {
	return auth, nil
}

// CountTokens implements coreauth.Executor via the shared approximation; the
// Responses websocket exposes no counting endpoint.
func (e *CodexExecutor) CountTokens(ctx context.Context, auth *coreauth.Auth, req cliproxyexecutor.Request, opts cliproxyexecutor.Options) (cliproxyexecutor.Response, error) {
	count, err := countTokensApprox(req.Payload)
	if err != nil {
		return cliproxyexecutor.Response{}, err
	}
	from := opts.SourceFormat
	translated := sdktranslator.TranslateTokenCount(ctx, sdktranslator.FromString("codex"), from, count, nil)
	return cliproxyexecutor.Response{Payload: []byte(translated)}, nil
}

// HttpRequest implements coreauth.Executor for the HTTP side of the Codex
// backend (non-websocket routes pass through with the bearer attached).
func (e *CodexExecutor) HttpRequest(ctx context.Context, auth *coreauth.Auth, req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, fmt.Errorf("codex executor: request is nil")
	}
	if token := codexCredential(auth); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := newHTTPClient(e.rt, auth, 0)
	return doWithBreaker(e.Identifier(), client, req)
}

// CloseExecutionSession implements coreauth.Executor, tearing down the pooled
// websocket for one session, or every session for the wildcard ID used when
// an executor instance is replaced.
func (e *CodexExecutor) CloseExecutionSession(sessionID string) {
	e.sessMu.Lock()
	defer e.sessMu.Unlock()
	closeOne := func(id string, s *codexSession) {
		s.mu.Lock()
		if s.conn != nil {
			if err := s.conn.Close(); err != nil {
				log.Debugf("codex executor: close session %s: %v", id, err)
			}
			s.conn = nil
		}
		s.mu.Unlock()
	}
	if sessionID == "*" {
		for id, s := range e.sessions {
			closeOne(id, s)
			delete(e.sessions, id)
		}
		return
	}
	if s, ok := e.sessions[sessionID]; ok {
		closeOne(sessionID, s)
		delete(e.sessions, sessionID)
	}
}
