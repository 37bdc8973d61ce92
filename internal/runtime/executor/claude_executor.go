package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	coreauth "github.com/quotio/cliproxy/sdk/cliproxy/auth"
	cliproxyexecutor "github.com/quotio/cliproxy/sdk/cliproxy/executor"
	"golang.org/x/oauth2"
)

const claudeDefaultBaseURL = "https://api.anthropic.com"

// ClaudeExecutor drives the Anthropic Messages API through the vendor SDK.
// It never picks or marks credentials itself; Manager.Pick/MarkResult own
// that. It only needs a selected Auth and an already-translated Claude-wire
// payload to produce a Claude-wire response.
type ClaudeExecutor struct {
	rt coreauth.RoundTripperProvider
}

// NewClaudeExecutor constructs an executor bound to the pool's per-auth
// RoundTripperProvider (proxy + TLS fingerprinting happen there).
func NewClaudeExecutor(rt coreauth.RoundTripperProvider) *ClaudeExecutor {
	return &ClaudeExecutor{rt: rt}
}

// Identifier implements coreauth.Executor.
func (e *ClaudeExecutor) Identifier() string { return "claude" }

func (e *ClaudeExecutor) client(auth *coreauth.Auth) *anthropic.Client {
	baseURL := claudeDefaultBaseURL
	if auth != nil {
		if v := strings.TrimSpace(auth.Attributes["base_url"]); v != "" {
			baseURL = v
		}
	}
	opts := []option.RequestOption{option.WithBaseURL(baseURL)}
	if token, isAPIKey := claudeCredential(auth); token != "" {
		if isAPIKey {
			opts = append(opts, option.WithAPIKey(token))
		} else {
			opts = append(opts, option.WithHeader("Authorization", "Bearer "+token))
			opts = append(opts, option.WithHeader("anthropic-beta", "oauth-2025-04-20"))
		}
	}
	opts = append(opts, option.WithHTTPClient(newHTTPClient(e.rt, auth, 0)))
	client := anthropic.NewClient(opts...)
	return &client
}

// claudeCredential returns the bearer material for auth and whether it is an
// x-api-key style credential (true) or an OAuth access token (false, sent as
// a Bearer Authorization header). An api_key in Metadata takes precedence
// over an access_token.
func claudeCredential(auth *coreauth.Auth) (token string, isAPIKey bool) {
	if auth == nil {
		return "", false
	}
	if apiKey, ok := auth.Metadata["api_key"].(string); ok && strings.TrimSpace(apiKey) != "" {
		return strings.TrimSpace(apiKey), true
	}
	if access, ok := auth.Metadata["access_token"].(string); ok && strings.TrimSpace(access) != "" {
		return strings.TrimSpace(access), false
	}
	return "", false
}

// Execute implements coreauth.Executor.
func (e *ClaudeExecutor) Execute(ctx context.Context, auth *coreauth.Auth, req cliproxyexecutor.Request, opts cliproxyexecutor.Options) (cliproxyexecutor.Response, error) {
	if err := throttle(ctx, e.Identifier()); err != nil {
		return cliproxyexecutor.Response{}, err
	}
	var params anthropic.MessageNewParams
	if err := json.Unmarshal(req.Payload, &params); err != nil {
		return cliproxyexecutor.Response{}, fmt.Errorf("claude executor: decode request: %w", err)
	}

	client := e.client(auth)
	message, err := client.Messages.New(ctx, params)
	if err != nil {
		return cliproxyexecutor.Response{}, claudeAPIError(err)
	}
	payload, err := json.Marshal(message)
	if err != nil {
		return cliproxyexecutor.Response{}, err
	}
	return cliproxyexecutor.Response{Payload: payload}, nil
}

// ExecuteStream implements coreauth.Executor, forwarding one JSON chunk per
// Anthropic SSE event. The chunks are Claude-wire events; neither this
// executor nor the API layer translates them.
func (e *ClaudeExecutor) ExecuteStream(ctx context.Context, auth *coreauth.Auth, req cliproxyexecutor.Request, opts cliproxyexecutor.Options) (*cliproxyexecutor.StreamResult, error) {
	if err := throttle(ctx, e.Identifier()); err != nil {
		return nil, err
	}
	var params anthropic.MessageNewParams
	if err := json.Unmarshal(req.Payload, &params); err != nil {
		return nil, fmt.Errorf("claude executor: decode request: %w", err)
	}

	client := e.client(auth)
	stream := client.Messages.NewStreaming(ctx, params)

	chunks := make(chan cliproxyexecutor.StreamChunk, 16)
	go func() {
		defer close(chunks)
		for stream.Next() {
			event := stream.Current()
			payload, err := json.Marshal(event)
			if err != nil {
				chunks <- cliproxyexecutor.StreamChunk{Err: err}
				return
			}
			chunks <- cliproxyexecutor.StreamChunk{Payload: payload}
		}
		if err := stream.Err(); err != nil {
			chunks <- cliproxyexecutor.StreamChunk{Err: claudeAPIError(err)}
		}
	}()

	return &cliproxyexecutor.StreamResult{Chunks: chunks}, nil
}

// claudeOAuth is the token-refresh half of Anthropic's OAuth flow. The
// acquisition (device-code) half is an external collaborator; refresh is the
// one capability the pool invokes directly.
var claudeOAuth = oauth2.Config{
	ClientID: "9d1c250a-e61b-44d9-88ed-5944d1962f5e",
	Endpoint: oauth2.Endpoint{TokenURL: "https://console.anthropic.com/v1/oauth/token"},
}

// Refresh implements coreauth.Executor, exchanging the stored refresh token
// for a fresh access token. Credentials without a refresh token (API keys)
// pass through untouched.
func (e *ClaudeExecutor) Refresh(ctx context.Context, auth *coreauth.Auth) (*coreauth.Auth, error) {
	if auth == nil {
		return auth, nil
	}
	refreshToken, _ := auth.Metadata["refresh_token"].(string)
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return auth, nil
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, newHTTPClient(e.rt, auth, 60*time.Second))
	token, err := claudeOAuth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return auth, fmt.Errorf("claude executor: refresh token exchange: %w", err)
	}

	updated := auth.Clone()
	if updated.Metadata == nil {
		updated.Metadata = make(map[string]any)
	}
	updated.Metadata["access_token"] = token.AccessToken
	if token.RefreshToken != "" {
		updated.Metadata["refresh_token"] = token.RefreshToken
	}
	if !token.Expiry.IsZero() {
		updated.Metadata["expired"] = token.Expiry.UTC().Format(time.RFC3339)
	}
	return updated, nil
}

// CountTokens implements coreauth.Executor using Anthropic's native
// count_tokens endpoint.
func (e *ClaudeExecutor) CountTokens(ctx context.Context, auth *coreauth.Auth, req cliproxyexecutor.Request, opts cliproxyexecutor.Options) (cliproxyexecutor.Response, error) {
	var params anthropic.MessageCountTokensParams
	if err := json.Unmarshal(req.Payload, &params); err != nil {
		return cliproxyexecutor.Response{}, fmt.Errorf("claude executor: decode count_tokens request: %w", err)
	}
	client := e.client(auth)
	count, err := client.Messages.CountTokens(ctx, params)
	if err != nil {
		return cliproxyexecutor.Response{}, claudeAPIError(err)
	}
	payload, err := json.Marshal(count)
	if err != nil {
		return cliproxyexecutor.Response{}, err
	}
	return cliproxyexecutor.Response{Payload: payload}, nil
}

// HttpRequest implements coreauth.Executor for provider pass-through routes
// that bypass the translation pipeline entirely (the raw
// /providers/claude/... route).
func (e *ClaudeExecutor) HttpRequest(ctx context.Context, auth *coreauth.Auth, req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, fmt.Errorf("claude executor: request is nil")
	}
	token, isAPIKey := claudeCredential(auth)
	if token != "" {
		if isAPIKey {
			req.Header.Set("x-api-key", token)
		} else {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	req.Header.Set("anthropic-version", "2023-06-01")
	client := newHTTPClient(e.rt, auth, 0)
	return doWithBreaker(e.Identifier(), client, req)
}

// CloseExecutionSession implements coreauth.Executor; the Anthropic SDK holds
// no long-lived per-session state for this executor to tear down.
func (e *ClaudeExecutor) CloseExecutionSession(sessionID string) {}

// claudeAPIError converts a typed *anthropic.Error into the package's
// StatusError so the pool's cooldown state machine can key off it.
func claudeAPIError(err error) error {
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	headers := http.Header{}
	if retryAfter := apiErr.Response.Header.Get("Retry-After"); retryAfter != "" {
		headers.Set("Retry-After", retryAfter)
	}
	return statusErrWithHeaders{
		statusErr: statusErr{code: apiErr.StatusCode, msg: apiErr.Error()},
		headers:   headers,
	}
}
