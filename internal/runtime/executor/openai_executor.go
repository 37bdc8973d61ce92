package executor

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/quotio/cliproxy/internal/util"
	coreauth "github.com/quotio/cliproxy/sdk/cliproxy/auth"
	cliproxyexecutor "github.com/quotio/cliproxy/sdk/cliproxy/executor"
	sdktranslator "github.com/quotio/cliproxy/sdk/translator"
	"github.com/tidwall/sjson"
)

const (
	openaiDefaultBaseURL  = "https://api.openai.com/v1"
	openaiStreamScanBytes = 20 << 20
	openaiChatCompletions = "/chat/completions"
)

// OpenAICompatExecutor drives any OpenAI-compatible chat endpoint: the stock
// OpenAI API and the long tail of providers that clone its wire format behind
// a per-credential base_url. It is the executor most credentials with only an
// api_key + base_url pair end up on.
type OpenAICompatExecutor struct {
	provider string
	rt       coreauth.RoundTripperProvider
}

// NewOpenAICompatExecutor constructs an executor answering for provider
// (lower-cased), bound to the pool's per-auth RoundTripperProvider.
func NewOpenAICompatExecutor(provider string, rt coreauth.RoundTripperProvider) *OpenAICompatExecutor {
	return &OpenAICompatExecutor{provider: strings.ToLower(strings.TrimSpace(provider)), rt: rt}
}

// Identifier implements coreauth.Executor.
func (e *OpenAICompatExecutor) Identifier() string { return e.provider }

func resolveOpenAIBaseURL(auth *coreauth.Auth) string {
	if auth != nil {
		if v := strings.TrimSpace(auth.Attributes["base_url"]); v != "" {
			return strings.TrimRight(v, "/")
		}
	}
	return openaiDefaultBaseURL
}

func openaiCredential(auth *coreauth.Auth) string {
	if auth == nil {
		return ""
	}
	if v, ok := auth.Metadata["api_key"].(string); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	if v := strings.TrimSpace(auth.Attributes["api_key"]); v != "" {
		return v
	}
	if v, ok := auth.Metadata["access_token"].(string); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return ""
}

func (e *OpenAICompatExecutor) buildRequest(ctx context.Context, auth *coreauth.Auth, req cliproxyexecutor.Request, opts cliproxyexecutor.Options, stream bool) (*http.Request, []byte, error) {
	baseModel := stripThinkingSuffix(req.Model)
	from := opts.SourceFormat
	to := sdktranslator.FromString("openai")
	body := sdktranslator.TranslateRequest(from, to, baseModel, req.Payload, stream)
	body, _ = sjson.SetBytes(body, "model", baseModel)
	if stream {
		body, _ = sjson.SetBytes(body, "stream", true)
	} else {
		body, _ = sjson.DeleteBytes(body, "stream")
	}

	url := resolveOpenAIBaseURL(auth) + openaiChatCompletions
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if token := openaiCredential(auth); token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	if auth != nil {
		// "header:<name>" attributes let operators add per-credential headers
		// (organization IDs, gateway keys) without code changes.
		util.ApplyCustomHeadersFromAttrs(httpReq, auth.Attributes)
	}
	return httpReq, body, nil
}

// Execute implements coreauth.Executor.
func (e *OpenAICompatExecutor) Execute(ctx context.Context, auth *coreauth.Auth, req cliproxyexecutor.Request, opts cliproxyexecutor.Options) (cliproxyexecutor.Response, error) {
	if err := throttle(ctx, e.Identifier()); err != nil {
		return cliproxyexecutor.Response{}, err
	}
	httpReq, body, err := e.buildRequest(ctx, auth, req, opts, false)
	if err != nil {
		return cliproxyexecutor.Response{}, err
	}
	client := newHTTPClient(e.rt, auth, 0)
	resp, err := doWithBreaker(e.Identifier(), client, httpReq)
	if err != nil {
		return cliproxyexecutor.Response{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return cliproxyexecutor.Response{}, newStatusErrorFromResponse(resp)
	}

	data, err := decodeGeminiBody(resp)
	if err != nil {
		return cliproxyexecutor.Response{}, err
	}
	from := opts.SourceFormat
	to := sdktranslator.FromString("openai")
	var param any
	translated := sdktranslator.TranslateNonStream(ctx, to, from, req.Model, opts.OriginalRequest, body, data, &param)
	return cliproxyexecutor.Response{Payload: []byte(translated), Headers: resp.Header.Clone()}, nil
}

// ExecuteStream implements coreauth.Executor, forwarding one JSON payload per
// SSE data line through the translation pipeline.
func (e *OpenAICompatExecutor) ExecuteStream(ctx context.Context, auth *coreauth.Auth, req cliproxyexecutor.Request, opts cliproxyexecutor.Options) (*cliproxyexecutor.StreamResult, error) {
	if err := throttle(ctx, e.Identifier()); err != nil {
		return nil, err
	}
	httpReq, body, err := e.buildRequest(ctx, auth, req, opts, true)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	client := newHTTPClient(e.rt, auth, 0)
	resp, err := doWithBreaker(e.Identifier(), client, httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer func() { _ = resp.Body.Close() }()
		return nil, newStatusErrorFromResponse(resp)
	}

	from := opts.SourceFormat
	to := sdktranslator.FromString("openai")
	out := make(chan cliproxyexecutor.StreamChunk)
	go func() {
		defer close(out)
		defer func() { _ = resp.Body.Close() }()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(nil, openaiStreamScanBytes)
		var param any
		for scanner.Scan() {
			payload := sseDataPayload(scanner.Bytes())
			if len(payload) == 0 {
				continue
			}
			lines := sdktranslator.TranslateStream(ctx, to, from, req.Model, opts.OriginalRequest, body, payload, &param)
			for i := range lines {
				out <- cliproxyexecutor.StreamChunk{Payload: []byte(lines[i])}
			}
		}
		lines := sdktranslator.TranslateStream(ctx, to, from, req.Model, opts.OriginalRequest, body, []byte("[DONE]"), &param)
		for i := range lines {
			out <- cliproxyexecutor.StreamChunk{Payload: []byte(lines[i])}
		}
		if err := scanner.Err(); err != nil {
			out <- cliproxyexecutor.StreamChunk{Err: err}
		}
	}()
	return &cliproxyexecutor.StreamResult{Headers: resp.Header.Clone(), Chunks: out}, nil
}

// Refresh implements coreauth.Executor. API-key credentials have nothing to
// refresh; OAuth-based OpenAI-compatible providers acquire tokens through
// external flows.
func (e *OpenAICompatExecutor) Refresh(ctx context.Context, auth *coreauth.Auth) (*coreauth.Auth, error) {
	return auth, nil
}

// CountTokens implements coreauth.Executor. OpenAI-compatible endpoints expose
// no token-count route, so the shared cl100k approximation stands in.
func (e *OpenAICompatExecutor) CountTokens(ctx context.Context, auth *coreauth.Auth, req cliproxyexecutor.Request, opts cliproxyexecutor.Options) (cliproxyexecutor.Response, error) {
	count, err := countTokensApprox(req.Payload)
	if err != nil {
		return cliproxyexecutor.Response{}, err
	}
	from := opts.SourceFormat
	to := sdktranslator.FromString("openai")
	translated := sdktranslator.TranslateTokenCount(ctx, to, from, count, nil)
	return cliproxyexecutor.Response{Payload: []byte(translated)}, nil
}

// HttpRequest implements coreauth.Executor for pass-through routes.
func (e *OpenAICompatExecutor) HttpRequest(ctx context.Context, auth *coreauth.Auth, req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, fmt.Errorf("openai executor: request is nil")
	}
	if token := openaiCredential(auth); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := newHTTPClient(e.rt, auth, 0)
	return doWithBreaker(e.Identifier(), client, req)
}

// CloseExecutionSession implements coreauth.Executor; plain HTTP round trips
// hold no per-session state.
func (e *OpenAICompatExecutor) CloseExecutionSession(sessionID string) {}
