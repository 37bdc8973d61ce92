package executor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	coreauth "github.com/quotio/cliproxy/sdk/cliproxy/auth"
	cliproxyexecutor "github.com/quotio/cliproxy/sdk/cliproxy/executor"
	sdktranslator "github.com/quotio/cliproxy/sdk/translator"
	"github.com/tidwall/sjson"
	"google.golang.org/genai"
)

const (
	geminiDefaultBaseURL  = "https://generativelanguage.googleapis.com"
	geminiAPIVersion      = "v1beta"
	geminiStreamScanBytes = 20 << 20
)

// GeminiExecutor drives the Google generative-language API. Unlike
// ClaudeExecutor it does not use a vendor client: it marshals requests with
// genai's exported wire structs and performs the HTTP round trip itself,
// translating the request from opts.SourceFormat to Gemini and the response
// back (translate -> build -> call -> translate-back).
type GeminiExecutor struct {
	rt coreauth.RoundTripperProvider
}

// NewGeminiExecutor constructs an executor bound to the pool's per-auth
// RoundTripperProvider.
func NewGeminiExecutor(rt coreauth.RoundTripperProvider) *GeminiExecutor {
	return &GeminiExecutor{rt: rt}
}

// Identifier implements coreauth.Executor.
func (e *GeminiExecutor) Identifier() string { return "gemini" }

// geminiRequest is the minimal Gemini wire envelope this executor marshals,
// built from genai's typed structs so the JSON shape matches the upstream
// API's documented schema rather than an ad-hoc map.
type geminiRequest struct {
	Contents          []*genai.Content        `json:"contents"`
	SystemInstruction *genai.Content          `json:"systemInstruction,omitempty"`
	Tools             []*genai.Tool           `json:"tools,omitempty"`
	GenerationConfig  *genai.GenerationConfig `json:"generationConfig,omitempty"`
}

// geminiCreds returns the API key (preferred) or OAuth bearer token carried
// in auth's Metadata.
func geminiCreds(auth *coreauth.Auth) (apiKey, bearer string) {
	if auth == nil {
		return "", ""
	}
	if v, ok := auth.Metadata["api_key"].(string); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v), ""
	}
	if v, ok := auth.Metadata["access_token"].(string); ok && strings.TrimSpace(v) != "" {
		return "", strings.TrimSpace(v)
	}
	return "", ""
}

func resolveGeminiBaseURL(auth *coreauth.Auth) string {
	if auth != nil {
		if v := strings.TrimSpace(auth.Attributes["base_url"]); v != "" {
			return strings.TrimRight(v, "/")
		}
	}
	return geminiDefaultBaseURL
}

// geminiAction resolves the upstream method name from request metadata,
// defaulting to non-streaming generateContent.
func geminiAction(req cliproxyexecutor.Request, stream bool) string {
	if v, ok := req.Metadata["action"].(string); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	if stream {
		return "streamGenerateContent"
	}
	return "generateContent"
}

// stripThinkingSuffix removes a "(suffix)" thinking-budget annotation from a
// model name (e.g. "gemini-2.5-pro(high)" -> "gemini-2.5-pro"), the same
// convention the pool's selector already strips via baseModelName.
func stripThinkingSuffix(model string) string {
	if idx := strings.IndexByte(model, '('); idx > 0 {
		return strings.TrimSpace(model[:idx])
	}
	return model
}

func (e *GeminiExecutor) buildRequest(ctx context.Context, auth *coreauth.Auth, req cliproxyexecutor.Request, opts cliproxyexecutor.Options, stream bool) (*http.Request, []byte, error) {
	baseModel := stripThinkingSuffix(req.Model)
	from := opts.SourceFormat
	to := sdktranslator.FromString("gemini")
	translated := sdktranslator.TranslateRequest(from, to, baseModel, req.Payload, stream)
	translated, _ = sjson.DeleteBytes(translated, "session_id")

	// Round-trip through the typed wire struct rather than forwarding the
	// translator's raw JSON verbatim: this is what lets genai's generated
	// structs (not just the translator's gjson/sjson patching) own the
	// outbound schema, and it drops any stray field the translator left
	// behind that Gemini's body schema does not define.
	var wire geminiRequest
	if err := json.Unmarshal(translated, &wire); err != nil {
		return nil, nil, fmt.Errorf("gemini executor: decode translated request: %w", err)
	}
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, nil, fmt.Errorf("gemini executor: encode wire request: %w", err)
	}

	action := geminiAction(req, stream)
	baseURL := resolveGeminiBaseURL(auth)
	url := fmt.Sprintf("%s/%s/models/%s:%s", baseURL, geminiAPIVersion, baseModel, action)
	if action != "countTokens" {
		if opts.Alt != "" {
			url += "?$alt=" + opts.Alt
		} else if stream {
			url += "?alt=sse"
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	apiKey, bearer := geminiCreds(auth)
	if apiKey != "" {
		httpReq.Header.Set("x-goog-api-key", apiKey)
	} else {
		httpReq.Header.Set("Authorization", "Bearer "+bearer)
	}
	return httpReq, body, nil
}

// Execute implements coreauth.Executor.
func (e *GeminiExecutor) Execute(ctx context.Context, auth *coreauth.Auth, req cliproxyexecutor.Request, opts cliproxyexecutor.Options) (cliproxyexecutor.Response, error) {
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

	data, err := decodeGeminiBody(resp)
	if err != nil {
		return cliproxyexecutor.Response{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return cliproxyexecutor.Response{}, statusErrWithHeaders{
			statusErr: statusErr{code: resp.StatusCode, msg: string(data)},
			headers:   resp.Header.Clone(),
		}
	}

	from := opts.SourceFormat
	to := sdktranslator.FromString("gemini")
	var param any
	translated := sdktranslator.TranslateNonStream(ctx, to, from, req.Model, opts.OriginalRequest, body, data, &param)
	return cliproxyexecutor.Response{Payload: []byte(translated), Headers: resp.Header.Clone()}, nil
}

// ExecuteStream implements coreauth.Executor, forwarding one JSON chunk per
// server-sent event through the translation pipeline.
func (e *GeminiExecutor) ExecuteStream(ctx context.Context, auth *coreauth.Auth, req cliproxyexecutor.Request, opts cliproxyexecutor.Options) (*cliproxyexecutor.StreamResult, error) {
	if err := throttle(ctx, e.Identifier()); err != nil {
		return nil, err
	}
	httpReq, body, err := e.buildRequest(ctx, auth, req, opts, true)
	if err != nil {
		return nil, err
	}
	client := newHTTPClient(e.rt, auth, 0)
	resp, err := doWithBreaker(e.Identifier(), client, httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer func() { _ = resp.Body.Close() }()
		data, _ := decodeGeminiBody(resp)
		return nil, statusErrWithHeaders{
			statusErr: statusErr{code: resp.StatusCode, msg: string(data)},
			headers:   resp.Header.Clone(),
		}
	}

	from := opts.SourceFormat
	to := sdktranslator.FromString("gemini")
	out := make(chan cliproxyexecutor.StreamChunk)
	go func() {
		defer close(out)
		defer func() { _ = resp.Body.Close() }()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(nil, geminiStreamScanBytes)
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

// Refresh implements coreauth.Executor. It performs no token exchange and
// returns auth unchanged, whether or not the credential carries a refresh
// token.
func (e *GeminiExecutor) Refresh(ctx context.Context, auth *coreauth.Auth) (*coreauth.Auth, error) {
	return auth, nil
}

// CountTokens implements coreauth.Executor using Gemini's native
// countTokens endpoint when reachable, falling back to the shared
// cl100k approximation otherwise.
func (e *GeminiExecutor) CountTokens(ctx context.Context, auth *coreauth.Auth, req cliproxyexecutor.Request, opts cliproxyexecutor.Options) (cliproxyexecutor.Response, error) {
	baseModel := stripThinkingSuffix(req.Model)
	from := opts.SourceFormat
	to := sdktranslator.FromString("gemini")
	body := sdktranslator.TranslateRequest(from, to, baseModel, req.Payload, false)
	body, _ = sjson.DeleteBytes(body, "generationConfig")
	body, _ = sjson.DeleteBytes(body, "tools")
	body, _ = sjson.DeleteBytes(body, "safetySettings")
	body, _ = sjson.SetBytes(body, "model", baseModel)

	baseURL := resolveGeminiBaseURL(auth)
	url := fmt.Sprintf("%s/%s/models/%s:countTokens", baseURL, geminiAPIVersion, baseModel)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return cliproxyexecutor.Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	apiKey, bearer := geminiCreds(auth)
	if apiKey != "" {
		httpReq.Header.Set("x-goog-api-key", apiKey)
	} else {
		httpReq.Header.Set("Authorization", "Bearer "+bearer)
	}

	client := newHTTPClient(e.rt, auth, 0)
	resp, err := doWithBreaker(e.Identifier(), client, httpReq)
	if err != nil {
		count, approxErr := countTokensApprox(req.Payload)
		if approxErr != nil {
			return cliproxyexecutor.Response{}, err
		}
		return cliproxyexecutor.Response{Payload: []byte(fmt.Sprintf(`{"totalTokens":%d}`, count))}, nil
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := decodeGeminiBody(resp)
	if err != nil {
		return cliproxyexecutor.Response{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return cliproxyexecutor.Response{}, statusErr{code: resp.StatusCode, msg: string(data)}
	}
	count := geminiTotalTokens(data)
	translated := sdktranslator.TranslateTokenCount(ctx, to, from, count, data)
	return cliproxyexecutor.Response{Payload: []byte(translated), Headers: resp.Header.Clone()}, nil
}

// HttpRequest implements coreauth.Executor for provider pass-through routes
// (the raw /providers/gemini/... route).
func (e *GeminiExecutor) HttpRequest(ctx context.Context, auth *coreauth.Auth, req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, fmt.Errorf("gemini executor: request is nil")
	}
	apiKey, bearer := geminiCreds(auth)
	if apiKey != "" {
		req.Header.Set("x-goog-api-key", apiKey)
	} else if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	client := newHTTPClient(e.rt, auth, 0)
	return doWithBreaker(e.Identifier(), client, req)
}

// CloseExecutionSession implements coreauth.Executor; the raw-HTTP executor
// holds no long-lived per-session state to tear down.
func (e *GeminiExecutor) CloseExecutionSession(sessionID string) {}

func decodeGeminiBody(resp *http.Response) ([]byte, error) {
	return io.ReadAll(io.LimitReader(resp.Body, 32<<20))
}

// sseDataPayload extracts the JSON payload from one "data: ..." SSE line,
// returning nil for blank lines, comments, or any other SSE field.
func sseDataPayload(line []byte) []byte {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil
	}
	if !bytes.HasPrefix(trimmed, []byte("data:")) {
		return nil
	}
	payload := bytes.TrimSpace(trimmed[len("data:"):])
	if len(payload) == 0 || string(payload) == "[DONE]" {
		return nil
	}
	return payload
}

func geminiTotalTokens(data []byte) int64 {
	var doc struct {
		TotalTokens int64 `json:"totalTokens"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0
	}
	return doc.TotalTokens
}
