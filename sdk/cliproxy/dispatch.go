// Package cliproxy wires the credential pool, provider executors, and fallback
// resolution into the single entry point the HTTP layer calls per request.
package cliproxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	internalconfig "github.com/quotio/cliproxy/internal/config"
	"github.com/quotio/cliproxy/internal/metrics"
	coreauth "github.com/quotio/cliproxy/sdk/cliproxy/auth"
	cliproxyexecutor "github.com/quotio/cliproxy/sdk/cliproxy/executor"
	"github.com/quotio/cliproxy/sdk/cliproxy/usage"
)

// Service is the dispatch facade: it resolves a client-facing model name to a
// fallback chain, then drives the pool's pick/execute/mark-result loop,
// retrying across credentials and providers.
type Service struct {
	Manager  *coreauth.Manager
	Fallback *internalconfig.FallbackWatcher
}

// NewService wires a Manager and an optional fallback watcher into a Service.
// fallback may be nil, in which case every model is treated as a direct
// provider model (virtual model resolution is simply never attempted).
func NewService(manager *coreauth.Manager, fallback *internalconfig.FallbackWatcher) *Service {
	return &Service{Manager: manager, Fallback: fallback}
}

// resolveChain resolves the requested model: a virtual model name expands to its
// configured (provider, modelId) entries ordered by ascending priority; any
// other model name is treated as already belonging to the caller-supplied
// provider list and is forwarded unchanged.
func (s *Service) resolveChain(requestedModel string, providers []string) (chainProviders []string, modelForProvider map[string]string) {
	modelForProvider = make(map[string]string)
	if s.Fallback != nil {
		if entries, ok := s.Fallback.Current().OrderedChain(requestedModel); ok {
			chainProviders = make([]string, 0, len(entries))
			for _, e := range entries {
				chainProviders = append(chainProviders, e.Provider)
				modelForProvider[strings.ToLower(strings.TrimSpace(e.Provider))] = e.ModelID
			}
			return chainProviders, modelForProvider
		}
	}
	for _, p := range providers {
		modelForProvider[strings.ToLower(strings.TrimSpace(p))] = requestedModel
	}
	return providers, modelForProvider
}

// isRetryableStatus reports whether an HTTP status from a provider should
// advance the facade to the next fallback entry / credential.
func isRetryableStatus(status int) bool {
	switch status {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func statusOf(err error) int {
	var se cliproxyexecutor.StatusError
	if errors.As(err, &se) {
		return se.StatusCode()
	}
	return 0
}

// retryAfterMsOf extracts an upstream Retry-After value (delta-seconds or
// HTTP-date) from an executor error's header map, in milliseconds. Zero means
// the upstream did not say, letting the pool fall back to exponential backoff.
func retryAfterMsOf(err error) int64 {
	he, ok := err.(interface{ Headers() http.Header })
	if !ok {
		return 0
	}
	raw := strings.TrimSpace(he.Headers().Get("Retry-After"))
	if raw == "" {
		return 0
	}
	if secs, convErr := strconv.ParseFloat(raw, 64); convErr == nil {
		if secs < 0 {
			return 0
		}
		return int64(secs * 1000)
	}
	if at, parseErr := http.ParseTime(raw); parseErr == nil {
		if wait := time.Until(at); wait > 0 {
			return wait.Milliseconds()
		}
	}
	return 0
}

// dispatchLoop carries the per-request attempt state shared by the streaming
// and non-streaming paths: the resolved chain, the tried-credential set, and
// the outer retry counter.
type dispatchLoop struct {
	service          *Service
	chain            []string
	modelForProvider map[string]string
	requestedModel   string
	req              cliproxyexecutor.Request
	opts             cliproxyexecutor.Options

	tried   map[string]bool
	lastErr error
	attempt int

	// A non-retryable upstream status (anything outside 408/429/5xx) pins the
	// loop to the provider that produced it: its remaining credentials may
	// still be worth trying, but advancing to another fallback entry would
	// just replay a request the upstream already rejected on its merits.
	halted       bool
	haltProvider string
}

func (s *Service) newLoop(requestedModel string, providers []string, req cliproxyexecutor.Request, opts cliproxyexecutor.Options) (*dispatchLoop, error) {
	chain, modelForProvider := s.resolveChain(requestedModel, providers)
	chain = dedupeLowerTrim(chain)
	if len(chain) == 0 {
		return nil, fmt.Errorf("dispatch: no providers available for model %q", requestedModel)
	}
	return &dispatchLoop{
		service:          s,
		chain:            chain,
		modelForProvider: modelForProvider,
		requestedModel:   requestedModel,
		req:              req,
		opts:             opts,
		tried:            make(map[string]bool),
	}, nil
}

func (l *dispatchLoop) modelFor(provider string) string {
	if m, ok := l.modelForProvider[strings.ToLower(strings.TrimSpace(provider))]; ok && m != "" {
		return m
	}
	return l.requestedModel
}

// pick selects the next untried credential across the chain, or nil when the
// whole chain is exhausted for this pass. Selector errors (including the
// pool's model_cooldown) become l.lastErr so they can surface as the terminal error.
func (l *dispatchLoop) pick(ctx context.Context) (*coreauth.Auth, string, coreauth.Executor) {
	chain := l.chain
	if l.halted {
		chain = []string{l.haltProvider}
	}
	for _, provider := range chain {
		model := l.modelFor(provider)
		auth, pickedProvider, err := l.service.Manager.Pick(ctx, []string{provider}, model, l.opts, l.tried)
		if err != nil {
			l.lastErr = err
			continue
		}
		if auth == nil {
			continue
		}
		exec, ok := l.service.Manager.Executor(pickedProvider)
		if !ok {
			l.lastErr = fmt.Errorf("dispatch: no executor registered for provider %s", pickedProvider)
			continue
		}
		l.tried[auth.ID] = true
		return auth, pickedProvider, exec
	}
	return nil, "", nil
}

// markFailure folds one failed attempt into the pool and publishes the
// usage/metrics records. Cancellation never marks: a request the caller
// abandoned says nothing about the credential's health.
func (l *dispatchLoop) markFailure(ctx context.Context, auth *coreauth.Auth, provider, model string, execErr error, elapsed time.Duration) {
	if ctx.Err() != nil && (errors.Is(execErr, context.Canceled) || errors.Is(execErr, context.DeadlineExceeded)) {
		l.lastErr = execErr
		return
	}
	status := statusOf(execErr)
	l.service.Manager.MarkResult(ctx, coreauth.Result{
		AuthID:       auth.ID,
		Provider:     provider,
		Model:        model,
		Success:      false,
		RetryAfterMs: retryAfterMsOf(execErr),
		Error:        &coreauth.Error{Message: execErr.Error(), HTTPStatus: status, Retryable: isRetryableStatus(status)},
	})
	usage.PublishRecord(ctx, usage.Record{Provider: provider, Model: model, AuthID: auth.ID, AuthIndex: auth.Index, RequestedAt: time.Now(), Failed: true})
	metrics.RecordRequest(provider, model, "error", elapsed)
	switch status {
	case 401, 402, 403, 404, 408, 429, 500, 502, 503, 504:
		metrics.RecordCooldownEntered(provider, model)
	}
	if status > 0 && !isRetryableStatus(status) {
		l.halted = true
		l.haltProvider = provider
	}
	l.lastErr = execErr
}

func (l *dispatchLoop) markSuccess(ctx context.Context, auth *coreauth.Auth, provider, model string, elapsed time.Duration) {
	l.service.Manager.MarkResult(ctx, coreauth.Result{AuthID: auth.ID, Provider: provider, Model: model, Success: true})
	usage.PublishRecord(ctx, usage.Record{Provider: provider, Model: model, AuthID: auth.ID, AuthIndex: auth.Index, RequestedAt: time.Now()})
	metrics.RecordRequest(provider, model, "ok", elapsed)
}

// sleepBeforeRetry consults the pool's outer retry policy once a full
// pass over the chain produced no usable attempt. It sleeps (respecting
// cancellation) and reports whether the loop should run another pass. This is
// also how a request waits out a short pool-wide cooldown: a pass with zero
// eligible candidates still lands here with the cooldown error as lastErr.
func (l *dispatchLoop) sleepBeforeRetry(ctx context.Context) (bool, error) {
	wait, retry := l.service.Manager.ShouldRetryAfterError(l.lastErr, l.attempt, l.chain, l.requestedModel)
	l.attempt++
	if !retry {
		return false, nil
	}
	for _, p := range l.chain {
		metrics.RecordRetry(p)
	}
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-time.After(wait):
		return true, nil
	}
}

// terminalError is what the caller sees once every pass and retry is spent:
// the last recorded error when there is one, else no_auth_available.
func (l *dispatchLoop) terminalError() error {
	if l.lastErr != nil {
		return l.lastErr
	}
	return fmt.Errorf("dispatch: no auth available for model %q", l.requestedModel)
}

// Execute runs a non-streaming request to completion, retrying across
// credentials, providers, and fallback entries, and publishing one
// usage record and one pool Result per attempt.
func (s *Service) Execute(ctx context.Context, providers []string, requestedModel string, req cliproxyexecutor.Request, opts cliproxyexecutor.Options) (cliproxyexecutor.Response, error) {
	loop, err := s.newLoop(requestedModel, providers, req, opts)
	if err != nil {
		return cliproxyexecutor.Response{}, err
	}
	for {
		for {
			auth, provider, exec := loop.pick(ctx)
			if auth == nil {
				break
			}
			model := loop.modelFor(provider)
			execReq := req
			execReq.Model = model

			start := time.Now()
			resp, execErr := exec.Execute(ctx, auth, execReq, opts)
			elapsed := time.Since(start)
			if execErr != nil {
				loop.markFailure(ctx, auth, provider, model, execErr, elapsed)
				if ctx.Err() != nil {
					return cliproxyexecutor.Response{}, ctx.Err()
				}
				continue
			}
			loop.markSuccess(ctx, auth, provider, model, elapsed)
			return resp, nil
		}

		again, waitErr := loop.sleepBeforeRetry(ctx)
		if waitErr != nil {
			return cliproxyexecutor.Response{}, waitErr
		}
		if !again {
			return cliproxyexecutor.Response{}, loop.terminalError()
		}
	}
}

// CountTokens resolves the requested model the same way Execute does but
// performs the executor's token-count operation instead; token counting never
// mutates cooldown state, so failures surface directly without marking.
func (s *Service) CountTokens(ctx context.Context, providers []string, requestedModel string, req cliproxyexecutor.Request, opts cliproxyexecutor.Options) (cliproxyexecutor.Response, error) {
	loop, err := s.newLoop(requestedModel, providers, req, opts)
	if err != nil {
		return cliproxyexecutor.Response{}, err
	}
	auth, provider, exec := loop.pick(ctx)
	if auth == nil {
		return cliproxyexecutor.Response{}, loop.terminalError()
	}
	execReq := req
	execReq.Model = loop.modelFor(provider)
	return exec.CountTokens(ctx, auth, execReq, opts)
}

// streamAttempt is one opened upstream stream plus the identity the pool needs
// to record its single terminal Result.
type streamAttempt struct {
	stream   *cliproxyexecutor.StreamResult
	auth     *coreauth.Auth
	provider string
	model    string
	started  time.Time
}

// openStream drives the pick/execute loop until an upstream stream opens or
// the request is spent. Open failures are ordinary attempt failures: they are
// marked and the loop moves to the next credential, sleeping between passes
// per the outer retry policy.
func (l *dispatchLoop) openStream(ctx context.Context) (*streamAttempt, error) {
	for {
		for {
			auth, provider, exec := l.pick(ctx)
			if auth == nil {
				break
			}
			model := l.modelFor(provider)
			execReq := l.req
			execReq.Model = model

			start := time.Now()
			sr, execErr := exec.ExecuteStream(ctx, auth, execReq, l.opts)
			if execErr != nil {
				l.markFailure(ctx, auth, provider, model, execErr, time.Since(start))
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				continue
			}
			return &streamAttempt{stream: sr, auth: auth, provider: provider, model: model, started: start}, nil
		}

		again, waitErr := l.sleepBeforeRetry(ctx)
		if waitErr != nil {
			return nil, waitErr
		}
		if !again {
			return nil, l.terminalError()
		}
	}
}

// ExecuteStream opens a stream, rotating credentials until one accepts the
// request, then forwards chunks to the returned channel. Exactly one Result
// is recorded per attempt: success when the
// upstream terminates without an error chunk, failure at the first error
// chunk. On a mid-stream failure the facade rotates to the next credential
// and keeps feeding the same downstream channel, so the client sees the
// failed attempt's prefix followed by the replacement's full stream
//.
func (s *Service) ExecuteStream(ctx context.Context, providers []string, requestedModel string, req cliproxyexecutor.Request, opts cliproxyexecutor.Options) (*cliproxyexecutor.StreamResult, error) {
	loop, err := s.newLoop(requestedModel, providers, req, opts)
	if err != nil {
		return nil, err
	}
	first, err := loop.openStream(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan cliproxyexecutor.StreamChunk)
	go s.pumpStream(ctx, loop, first, out)
	return &cliproxyexecutor.StreamResult{Headers: first.stream.Headers, Chunks: out}, nil
}

// pumpStream forwards one attempt's chunks downstream, recording its single
// terminal Result, and rotates to a fresh attempt when a stream fails before
// completing. It owns the out channel.
func (s *Service) pumpStream(ctx context.Context, loop *dispatchLoop, attempt *streamAttempt, out chan<- cliproxyexecutor.StreamChunk) {
	defer close(out)
	for {
		failed := false
		var attemptErr error

	consume:
		for {
			select {
			case <-ctx.Done():
				// Cancelled mid-flight: drain nothing, mark nothing.
				return
			case chunk, ok := <-attempt.stream.Chunks:
				if !ok {
					break consume
				}
				if chunk.Err != nil {
					failed = true
					attemptErr = chunk.Err
					break consume
				}
				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
			}
		}

		elapsed := time.Since(attempt.started)
		if !failed {
			loop.markSuccess(ctx, attempt.auth, attempt.provider, attempt.model, elapsed)
			return
		}
		loop.markFailure(ctx, attempt.auth, attempt.provider, attempt.model, attemptErr, elapsed)
		if ctx.Err() != nil {
			return
		}

		next, openErr := loop.openStream(ctx)
		if openErr != nil {
			select {
			case out <- cliproxyexecutor.StreamChunk{Err: openErr}:
			case <-ctx.Done():
			}
			return
		}
		attempt = next
	}
}

func dedupeLowerTrim(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
