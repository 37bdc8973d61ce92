// Package api exposes the proxy's inbound HTTP surface: the OpenAI-compatible
// endpoints, the Claude- and Gemini-native pass-through routes, and the
// metrics endpoint. Handlers read the model and stream flag from the raw
// body, resolve the provider chain, and hand the request to the dispatch
// facade; everything credential- or cooldown-shaped happens below them.
package api

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"github.com/quotio/cliproxy/internal/config"
	"github.com/quotio/cliproxy/sdk/cliproxy"
	cliproxyexecutor "github.com/quotio/cliproxy/sdk/cliproxy/executor"
	sdktranslator "github.com/quotio/cliproxy/sdk/translator"
)

// Handler carries the dependencies every route shares.
type Handler struct {
	cfg     *config.Config
	service *cliproxy.Service
}

// NewHandler binds the handler set to a configuration and dispatch service.
func NewHandler(cfg *config.Config, service *cliproxy.Service) *Handler {
	return &Handler{cfg: cfg, service: service}
}

// providersFor maps a requested model name to the provider chain handed to
// the pool. Virtual models are resolved later by the facade; this only covers
// the direct-model case, where the name itself names the provider family.
// Unrecognised names get the full registered-provider list and rely on
// mixed-provider rotation plus per-credential eligibility.
func (h *Handler) providersFor(model string) []string {
	m := strings.ToLower(strings.TrimSpace(model))
	if idx := strings.IndexByte(m, '('); idx > 0 {
		m = m[:idx]
	}
	switch {
	case strings.HasPrefix(m, "claude"):
		return []string{"claude"}
	case strings.HasPrefix(m, "gemini"), strings.HasPrefix(m, "models/gemini"):
		return []string{"gemini"}
	case strings.HasPrefix(m, "codex"):
		return []string{"codex"}
	case strings.HasPrefix(m, "gpt"), strings.HasPrefix(m, "chatgpt"), strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"), strings.HasPrefix(m, "o4"):
		return []string{"openai"}
	default:
		return h.service.Manager.Providers()
	}
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status := statusForError(err)
	body := buildErrorBody(status, err.Error())
	if he, ok := err.(interface{ Headers() http.Header }); ok {
		writeUpstreamHeaders(c.Writer.Header(), filterUpstreamHeaders(he.Headers()))
	}
	c.Data(status, "application/json", body)
}

func (h *Handler) writeResponse(c *gin.Context, resp cliproxyexecutor.Response) {
	if h.cfg.PassthroughHeaders {
		writeUpstreamHeaders(c.Writer.Header(), filterUpstreamHeaders(resp.Headers))
	}
	c.Data(http.StatusOK, "application/json", resp.Payload)
}

// readBody drains the request body, rendering the standard 400 envelope on
// failure. The boolean reports whether the caller should continue.
func readBody(c *gin.Context) ([]byte, bool) {
	raw, err := c.GetRawData()
	if err != nil {
		c.Data(http.StatusBadRequest, "application/json", buildErrorBody(http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err)))
		return nil, false
	}
	return raw, true
}

func requireModel(c *gin.Context, raw []byte) (string, bool) {
	model := strings.TrimSpace(gjson.GetBytes(raw, "model").String())
	if model == "" {
		c.Data(http.StatusBadRequest, "application/json", buildErrorBody(http.StatusBadRequest, "missing required field: model"))
		return "", false
	}
	return model, true
}

// Models serves GET /v1/models: the configured virtual models plus one entry
// per registered provider, in OpenAI list form.
func (h *Handler) Models(c *gin.Context) {
	data := make([]gin.H, 0, 8)
	if h.service.Fallback != nil {
		doc := h.service.Fallback.Current()
		for _, vm := range doc.VirtualModels {
			name := vm.Name
			if name == "" {
				name = vm.ID
			}
			if name == "" {
				continue
			}
			data = append(data, gin.H{"id": name, "object": "model", "owned_by": "cliproxy"})
		}
	}
	for _, p := range h.service.Manager.Providers() {
		data = append(data, gin.H{"id": p, "object": "model", "owned_by": p})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

// ChatCompletions serves POST /v1/chat/completions in both streaming and
// non-streaming modes.
func (h *Handler) ChatCompletions(c *gin.Context) {
	raw, ok := readBody(c)
	if !ok {
		return
	}
	model, ok := requireModel(c, raw)
	if !ok {
		return
	}
	stream := gjson.GetBytes(raw, "stream").Bool()
	h.dispatch(c, raw, model, sdktranslator.FormatOpenAI, stream)
}

// ClaudeMessages serves POST /v1/messages for clients that already speak the
// Anthropic wire format; the dispatch engine still owns credential selection
// and failover, it just skips inbound format translation when the target is
// a claude credential.
func (h *Handler) ClaudeMessages(c *gin.Context) {
	raw, ok := readBody(c)
	if !ok {
		return
	}
	model, ok := requireModel(c, raw)
	if !ok {
		return
	}
	stream := gjson.GetBytes(raw, "stream").Bool()
	h.dispatch(c, raw, model, sdktranslator.FormatClaude, stream)
}

// ClaudeCountTokens serves POST /v1/messages/count_tokens.
func (h *Handler) ClaudeCountTokens(c *gin.Context) {
	raw, ok := readBody(c)
	if !ok {
		return
	}
	model, ok := requireModel(c, raw)
	if !ok {
		return
	}
	req := cliproxyexecutor.Request{Model: model, Payload: raw, Format: sdktranslator.FormatClaude}
	opts := cliproxyexecutor.Options{
		SourceFormat:    sdktranslator.FormatClaude,
		OriginalRequest: raw,
		Metadata:        map[string]any{cliproxyexecutor.RequestedModelMetadataKey: model},
	}
	resp, err := h.service.CountTokens(c.Request.Context(), h.providersFor(model), model, req, opts)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.writeResponse(c, resp)
}

// GeminiGenerate serves the Gemini-native pass-through route
// POST /v1beta/models/{model}:{action}. The action decides streaming:
// streamGenerateContent streams (with ?alt=sse), everything else rounds trip.
func (h *Handler) GeminiGenerate(c *gin.Context) {
	spec := strings.TrimPrefix(c.Param("modelAction"), "/")
	model, action, found := strings.Cut(spec, ":")
	if !found || model == "" || action == "" {
		c.Data(http.StatusBadRequest, "application/json", buildErrorBody(http.StatusBadRequest, "expected path of the form /v1beta/models/{model}:{action}"))
		return
	}
	raw, ok := readBody(c)
	if !ok {
		return
	}

	req := cliproxyexecutor.Request{
		Model:    model,
		Payload:  raw,
		Format:   sdktranslator.FormatGemini,
		Metadata: map[string]any{"action": action},
	}
	opts := cliproxyexecutor.Options{
		SourceFormat:    sdktranslator.FormatGemini,
		OriginalRequest: raw,
		Alt:             c.Query("$alt"),
		Metadata:        map[string]any{cliproxyexecutor.RequestedModelMetadataKey: model},
	}
	ctx := c.Request.Context()

	switch action {
	case "streamGenerateContent":
		opts.Stream = true
		sr, err := h.service.ExecuteStream(ctx, []string{"gemini"}, model, req, opts)
		if err != nil {
			h.writeError(c, err)
			return
		}
		h.forwardStream(c, sr)
	case "countTokens":
		resp, err := h.service.CountTokens(ctx, []string{"gemini"}, model, req, opts)
		if err != nil {
			h.writeError(c, err)
			return
		}
		h.writeResponse(c, resp)
	default:
		resp, err := h.service.Execute(ctx, []string{"gemini"}, model, req, opts)
		if err != nil {
			h.writeError(c, err)
			return
		}
		h.writeResponse(c, resp)
	}
}

// providerBaseURLs anchors the raw pass-through routes when a credential does
// not carry its own base_url attribute.
var providerBaseURLs = map[string]string{
	"claude": "https://api.anthropic.com",
	"gemini": "https://generativelanguage.googleapis.com",
	"openai": "https://api.openai.com",
	"codex":  "https://chatgpt.com/backend-api/codex",
}

// ProviderProxy serves /providers/{provider}/... raw pass-through: the body
// and path go upstream untranslated, the executor attaches the credential's
// auth headers, and the pool still observes the outcome so pass-through
// traffic participates in cooldown accounting.
func (h *Handler) ProviderProxy(c *gin.Context) {
	provider := strings.ToLower(strings.TrimSpace(c.Param("provider")))
	exec, ok := h.service.Manager.Executor(provider)
	if !ok {
		c.Data(http.StatusBadRequest, "application/json", buildErrorBody(http.StatusBadRequest, "unknown provider: "+provider))
		return
	}
	ctx := c.Request.Context()
	auth, _, err := h.service.Manager.Pick(ctx, []string{provider}, "", cliproxyexecutor.Options{}, nil)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if auth == nil {
		c.Data(http.StatusInternalServerError, "application/json", buildErrorBody(http.StatusInternalServerError, "no auth available for provider "+provider))
		return
	}

	base := providerBaseURLs[provider]
	if v := strings.TrimSpace(auth.Attributes["base_url"]); v != "" {
		base = strings.TrimRight(v, "/")
	}
	target := base + c.Param("path")
	if qs := c.Request.URL.RawQuery; qs != "" {
		target += "?" + qs
	}
	upReq, err := http.NewRequestWithContext(ctx, c.Request.Method, target, c.Request.Body)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if ct := c.GetHeader("Content-Type"); ct != "" {
		upReq.Header.Set("Content-Type", ct)
	}

	resp, err := exec.HttpRequest(ctx, auth, upReq)
	if err != nil {
		h.writeError(c, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := decodeUpstreamBody(resp)
	if err != nil {
		h.writeError(c, err)
		return
	}
	writeUpstreamHeaders(c.Writer.Header(), filterUpstreamHeaders(resp.Header))
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	c.Data(resp.StatusCode, contentType, body)
}

// dispatch funnels one chat request through the facade and renders the
// outcome in the caller's chosen mode.
func (h *Handler) dispatch(c *gin.Context, raw []byte, model string, format sdktranslator.Format, stream bool) {
	req := cliproxyexecutor.Request{Model: model, Payload: raw, Format: format}
	opts := cliproxyexecutor.Options{
		Stream:          stream,
		SourceFormat:    format,
		OriginalRequest: raw,
		Metadata:        map[string]any{cliproxyexecutor.RequestedModelMetadataKey: model},
	}
	providers := h.providersFor(model)
	ctx := c.Request.Context()

	if !stream {
		resp, err := h.service.Execute(ctx, providers, model, req, opts)
		if err != nil {
			h.writeError(c, err)
			return
		}
		h.writeResponse(c, resp)
		return
	}

	sr, err := h.service.ExecuteStream(ctx, providers, model, req, opts)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.forwardStream(c, sr)
}

// forwardStream relays a dispatch stream as server-sent events, emitting
// keep-alive comments at the configured interval and a terminal error event
// when the facade exhausts its rotation mid-stream. Headers are committed on
// the first write, so errors after that point can only be surfaced in-band.
func (h *Handler) forwardStream(c *gin.Context, sr *cliproxyexecutor.StreamResult) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		h.writeError(c, fmt.Errorf("streaming unsupported by connection"))
		return
	}
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	if h.cfg.PassthroughHeaders {
		writeUpstreamHeaders(c.Writer.Header(), filterUpstreamHeaders(sr.Headers))
	}
	c.Status(http.StatusOK)

	var keepAliveC <-chan time.Time
	if secs := h.cfg.Streaming.KeepAliveSeconds; secs > 0 {
		ticker := time.NewTicker(time.Duration(secs) * time.Second)
		defer ticker.Stop()
		keepAliveC = ticker.C
	}

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAliveC:
			_, _ = io.WriteString(c.Writer, ": keep-alive\n\n")
			flusher.Flush()
		case chunk, open := <-sr.Chunks:
			if !open {
				_, _ = io.WriteString(c.Writer, "data: [DONE]\n\n")
				flusher.Flush()
				return
			}
			if chunk.Err != nil {
				status := statusForError(chunk.Err)
				_, _ = io.WriteString(c.Writer, "data: "+string(buildErrorBody(status, chunk.Err.Error()))+"\n\n")
				flusher.Flush()
				return
			}
			payload := strings.TrimSpace(string(chunk.Payload))
			if payload == "" || payload == "[DONE]" {
				// The terminal marker is written once, at channel close.
				continue
			}
			if strings.HasPrefix(payload, "data:") || strings.HasPrefix(payload, "event:") {
				_, _ = io.WriteString(c.Writer, payload+"\n\n")
			} else {
				_, _ = io.WriteString(c.Writer, "data: "+payload+"\n\n")
			}
			flusher.Flush()
		}
	}
}
