package auth

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	cliproxyexecutor "github.com/quotio/cliproxy/sdk/cliproxy/executor"
)

// maxBackoffCooldown is the exponential quota-backoff ceiling.
const maxBackoffCooldown = 30 * time.Minute

// CloseAllExecutionSessionsID marks a CloseExecutionSession call that should tear
// down every session an executor holds, used when an executor is replaced in place.
const CloseAllExecutionSessionsID = "*"

// quotaCooldownDisabled is a process-wide kill switch for the cooldown state
// machine, primarily useful in tests and local debugging; per-auth
// "disable_cooling" metadata overrides it per credential.
var quotaCooldownDisabled atomic.Bool

// SetQuotaCooldownDisabled flips the process-wide cooldown kill switch. It is
// exposed for CLI flags/tests; per-auth overrides still take precedence.
func SetQuotaCooldownDisabled(v bool) {
	quotaCooldownDisabled.Store(v)
}

// RoundTripperProvider allows the pool to obtain a per-auth outbound transport,
// e.g. for proxy-aware or TLS-fingerprinted executors.
type RoundTripperProvider interface {
	RoundTripperFor(auth *Auth) http.RoundTripper
}

// Executor is the runtime-facing contract implemented by provider adapters.
type Executor interface {
	Identifier() string
	Execute(ctx context.Context, auth *Auth, req cliproxyexecutor.Request, opts cliproxyexecutor.Options) (cliproxyexecutor.Response, error)
	ExecuteStream(ctx context.Context, auth *Auth, req cliproxyexecutor.Request, opts cliproxyexecutor.Options) (*cliproxyexecutor.StreamResult, error)
	Refresh(ctx context.Context, auth *Auth) (*Auth, error)
	CountTokens(ctx context.Context, auth *Auth, req cliproxyexecutor.Request, opts cliproxyexecutor.Options) (cliproxyexecutor.Response, error)
	HttpRequest(ctx context.Context, auth *Auth, req *http.Request) (*http.Response, error)
	CloseExecutionSession(sessionID string)
}

// Result is the outcome record published after one execution attempt.
type Result struct {
	AuthID       string
	Provider     string
	Model        string
	Success      bool
	RetryAfterMs int64
	Error        *Error
}

// Manager owns the credential pool: runtime state for every credential, the
// cooldown state machine, mixed-provider rotation, and the retry policy.
type Manager struct {
	mu    sync.RWMutex
	auths map[string]*Auth

	store      Store
	rtProvider RoundTripperProvider
	selector   Selector

	executorsMu sync.RWMutex
	executors   map[string]Executor

	providerOffsets map[string]int

	retryMu      sync.RWMutex
	retryCount   int
	maxRetryWait time.Duration

	refreshMu sync.Map // auth ID -> *sync.Mutex, serialises refresh per credential
}

// NewManager constructs a pool bound to the given Store. rtProvider and selector
// may be nil; selector defaults to priority/round-robin.
func NewManager(store Store, rtProvider RoundTripperProvider, selector Selector) *Manager {
	if selector == nil {
		selector = &RoundRobinSelector{}
	}
	return &Manager{
		auths:           make(map[string]*Auth),
		store:           store,
		rtProvider:      rtProvider,
		selector:        selector,
		executors:       make(map[string]Executor),
		providerOffsets: make(map[string]int),
		retryCount:      2,
		maxRetryWait:    30 * time.Second,
	}
}

// SetRetryConfig configures the outer retry loop.
func (m *Manager) SetRetryConfig(retryCount int, maxRetryWait time.Duration) {
	m.retryMu.Lock()
	defer m.retryMu.Unlock()
	m.retryCount = retryCount
	m.maxRetryWait = maxRetryWait
}

func (m *Manager) retrySettings() (int, time.Duration) {
	m.retryMu.RLock()
	defer m.retryMu.RUnlock()
	return m.retryCount, m.maxRetryWait
}

// upsert inserts or replaces a credential, preserving live runtime state (model
// states, quota, status) from any prior entry with the same ID.
func (m *Manager) upsert(ctx context.Context, a *Auth) (*Auth, error) {
	if a == nil {
		return nil, errors.New("auth: credential is nil")
	}
	now := time.Now()
	clone := a.Clone()
	if strings.TrimSpace(clone.ID) == "" {
		clone.ID = uuid.NewString()
	}

	m.mu.Lock()
	if existing, ok := m.auths[clone.ID]; ok && existing != nil {
		clone.ModelStates = existing.ModelStates
		clone.Quota = existing.Quota
		clone.Status = existing.Status
		clone.Unavailable = existing.Unavailable
		clone.NextRetryAfter = existing.NextRetryAfter
		clone.LastError = existing.LastError
		clone.CreatedAt = existing.CreatedAt
	} else {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = now
	clone.EnsureIndex()
	m.auths[clone.ID] = clone
	m.mu.Unlock()

	if m.store != nil && !shouldSkipPersist(ctx) {
		if _, err := m.store.Save(ctx, clone); err != nil {
			return clone, err
		}
	}
	return clone, nil
}

// Load hydrates the pool from the backing Store at startup. Records are
// upserted with persistence suppressed; the files on disk are already the
// source of truth, and writing them back would race external editors.
func (m *Manager) Load(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	records, err := m.store.List(ctx)
	if err != nil {
		return 0, err
	}
	ctx = WithSkipPersist(ctx)
	loaded := 0
	for _, rec := range records {
		if rec == nil {
			continue
		}
		if _, err := m.upsert(ctx, rec); err != nil {
			return loaded, err
		}
		loaded++
	}
	return loaded, nil
}

// Register inserts a new credential into the pool, persisting it to the Store.
func (m *Manager) Register(ctx context.Context, a *Auth) (*Auth, error) {
	return m.upsert(ctx, a)
}

// Update replaces the stored record for a.ID, preserving live runtime state.
func (m *Manager) Update(ctx context.Context, a *Auth) (*Auth, error) {
	return m.upsert(ctx, a)
}

// Delete removes a credential from the pool and the backing Store.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	delete(m.auths, id)
	m.mu.Unlock()
	if m.store == nil {
		return nil
	}
	return m.store.Delete(ctx, id)
}

// GetByID returns a defensive copy of the credential with the given ID.
func (m *Manager) GetByID(id string) (*Auth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.auths[id]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

// List returns defensive copies of every registered credential.
func (m *Manager) List() []*Auth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Auth, 0, len(m.auths))
	for _, a := range m.auths {
		out = append(out, a.Clone())
	}
	return out
}

func (m *Manager) authsForProvider(provider string) []*Auth {
	provider = strings.ToLower(strings.TrimSpace(provider))
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Auth
	for _, a := range m.auths {
		if strings.ToLower(strings.TrimSpace(a.Provider)) == provider {
			out = append(out, a.Clone())
		}
	}
	return out
}

// RegisterExecutor installs an executor for the provider it identifies, closing
// every session held by any executor it replaces.
func (m *Manager) RegisterExecutor(e Executor) {
	if e == nil {
		return
	}
	id := strings.ToLower(strings.TrimSpace(e.Identifier()))
	m.executorsMu.Lock()
	prev, had := m.executors[id]
	m.executors[id] = e
	m.executorsMu.Unlock()
	if had && prev != nil {
		prev.CloseExecutionSession(CloseAllExecutionSessionsID)
	}
}

// Providers returns the identifiers of every currently registered executor,
// sorted for deterministic iteration. The API layer uses this to build a
// direct-provider chain for models that no fallback document entry names.
func (m *Manager) Providers() []string {
	m.executorsMu.RLock()
	defer m.executorsMu.RUnlock()
	out := make([]string, 0, len(m.executors))
	for id := range m.executors {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Executor resolves the executor registered for a provider (case-insensitive).
func (m *Manager) Executor(provider string) (Executor, bool) {
	id := strings.ToLower(strings.TrimSpace(provider))
	m.executorsMu.RLock()
	defer m.executorsMu.RUnlock()
	e, ok := m.executors[id]
	return e, ok
}

// RotateProviders rotates a deduplicated, lower-cased provider list by the
// per-model offset, advancing that offset for the next call.
func (m *Manager) RotateProviders(model string, providers []string) []string {
	dedup := dedupeLowerTrim(providers)
	if len(dedup) == 0 {
		return nil
	}
	key := strings.ToLower(strings.TrimSpace(model))
	m.mu.Lock()
	offset := m.providerOffsets[key]
	next := offset + 1
	if next >= cursorWrap {
		next = 0
	}
	m.providerOffsets[key] = next
	m.mu.Unlock()

	n := len(dedup)
	rotated := make([]string, n)
	for i := 0; i < n; i++ {
		rotated[i] = dedup[(offset+i)%n]
	}
	return rotated
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

// Pick selects one credential across a (possibly mixed-provider) candidate list,
// skipping credentials already present in tried.
func (m *Manager) Pick(ctx context.Context, providers []string, model string, opts cliproxyexecutor.Options, tried map[string]bool) (*Auth, string, error) {
	rotated := m.RotateProviders(model, providers)
	providerLabel := "mixed"
	if len(rotated) == 1 {
		providerLabel = rotated[0]
	}

	var lastErr error
	for _, p := range rotated {
		candidates := m.authsForProvider(p)
		if len(candidates) == 0 {
			continue
		}
		filtered := make([]*Auth, 0, len(candidates))
		for _, c := range candidates {
			if tried == nil || !tried[c.ID] {
				filtered = append(filtered, c)
			}
		}
		if len(filtered) == 0 {
			continue
		}
		pick, err := m.selector.Pick(ctx, providerLabel, model, opts, filtered)
		if err != nil {
			lastErr = err
			continue
		}
		if pick != nil {
			return pick, p, nil
		}
	}
	if lastErr != nil {
		return nil, "", lastErr
	}
	return nil, "", nil
}

// MarkResult applies the cooldown state-transition table for one execution outcome.
func (m *Manager) MarkResult(ctx context.Context, r Result) {
	now := time.Now()
	m.mu.Lock()
	a, ok := m.auths[r.AuthID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if r.Success {
		applySuccess(a, r.Model, now)
	} else {
		applyFailure(a, r.Model, r.Error, r.RetryAfterMs, now)
		updateAggregatedAvailability(a, now)
	}
	clone := a.Clone()
	m.mu.Unlock()

	if m.store != nil && !shouldSkipPersist(ctx) {
		_, _ = m.store.Save(ctx, clone)
	}
}

func applySuccess(a *Auth, model string, now time.Time) {
	if model != "" {
		if a.ModelStates == nil {
			a.ModelStates = make(map[string]*ModelState)
		}
		state, ok := a.ModelStates[model]
		if !ok {
			state = &ModelState{}
			a.ModelStates[model] = state
		}
		state.Unavailable = false
		state.Status = StatusActive
		state.StatusMessage = ""
		state.LastError = nil
		state.NextRetryAfter = time.Time{}
		state.Quota = QuotaState{}
		state.UpdatedAt = now
	}
	a.Unavailable = false
	a.Status = StatusActive
	a.StatusMessage = ""
	a.LastError = nil
	a.NextRetryAfter = time.Time{}
	a.Quota = QuotaState{}
	a.UpdatedAt = now
}

func applyFailure(a *Auth, model string, errv *Error, retryAfterMs int64, now time.Time) {
	disableCooling := quotaCooldownDisabled.Load()
	if override, ok := a.DisableCoolingOverride(); ok {
		disableCooling = override
	}

	if a.ModelStates == nil {
		a.ModelStates = make(map[string]*ModelState)
	}
	key := model
	if key == "" {
		key = baseModelName(model)
	}
	state, ok := a.ModelStates[key]
	if !ok {
		state = &ModelState{}
		a.ModelStates[key] = state
	}
	state.Unavailable = true
	state.Status = StatusError
	state.LastError = errv
	if errv != nil {
		state.StatusMessage = errv.Message
	}
	state.UpdatedAt = now

	if disableCooling {
		state.NextRetryAfter = time.Time{}
	} else {
		status := 0
		if errv != nil {
			status = errv.HTTPStatus
		}
		switch status {
		case http.StatusTooManyRequests:
			state.Quota.Exceeded = true
			state.Quota.Reason = "quota"
			if retryAfterMs > 0 {
				state.Quota.NextRecoverAt = now.Add(time.Duration(retryAfterMs) * time.Millisecond)
			} else {
				cooldown := backoffCooldown(state.Quota.BackoffLevel)
				state.Quota.NextRecoverAt = now.Add(cooldown)
				if cooldown < maxBackoffCooldown {
					state.Quota.BackoffLevel++
				}
			}
			state.NextRetryAfter = state.Quota.NextRecoverAt
		case http.StatusUnauthorized, http.StatusPaymentRequired, http.StatusForbidden:
			state.NextRetryAfter = now.Add(30 * time.Minute)
		case http.StatusNotFound:
			state.NextRetryAfter = now.Add(12 * time.Hour)
		case http.StatusRequestTimeout, http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			state.NextRetryAfter = now.Add(60 * time.Second)
		default:
			state.NextRetryAfter = time.Time{}
		}
	}

	a.Status = StatusError
	a.LastError = errv
	if errv != nil {
		a.StatusMessage = errv.Message
	}
	a.UpdatedAt = now
}

// backoffCooldown implements the exponential quota backoff with a sticky ceiling.
func backoffCooldown(level int) time.Duration {
	if level < 0 {
		level = 0
	}
	if level > 20 {
		return maxBackoffCooldown
	}
	d := time.Duration(int64(1)<<uint(level)) * time.Second
	if d > maxBackoffCooldown {
		return maxBackoffCooldown
	}
	return d
}

// updateAggregatedAvailability recomputes a credential-wide Unavailable/NextRetryAfter
// from its per-model states: blocked iff some model is unavailable with a future
// next-retry time, in which case NextRetryAfter is the earliest such time.
func updateAggregatedAvailability(a *Auth, now time.Time) {
	if a == nil {
		return
	}
	var earliest time.Time
	blocked := false
	for _, s := range a.ModelStates {
		if s == nil {
			continue
		}
		if s.Unavailable && !s.NextRetryAfter.IsZero() && s.NextRetryAfter.After(now) {
			blocked = true
			if earliest.IsZero() || s.NextRetryAfter.Before(earliest) {
				earliest = s.NextRetryAfter
			}
		}
	}
	if blocked {
		a.Unavailable = true
		a.NextRetryAfter = earliest
	} else {
		a.Unavailable = false
		a.NextRetryAfter = time.Time{}
	}
}

func nextRetryForModel(a *Auth, model string) time.Time {
	if a.ModelStates != nil {
		if s, ok := a.ModelStates[model]; ok && s != nil && !s.NextRetryAfter.IsZero() {
			return s.NextRetryAfter
		}
		if base := baseModelName(model); base != model {
			if s, ok := a.ModelStates[base]; ok && s != nil && !s.NextRetryAfter.IsZero() {
				return s.NextRetryAfter
			}
		}
	}
	return a.NextRetryAfter
}

// shouldRetryAfterError decides whether the pool's outer retry loop should
// sleep and retry after an attempt loop has exhausted. The wait is honoured
// whenever it is positive and within
// maxWait, regardless of the error kind; the retry budget may be narrowed by a
// per-auth "request_retry" override among the auths matching providers.
func (m *Manager) shouldRetryAfterError(errv *Error, attempt int, providers []string, model string, maxWait time.Duration) (time.Duration, bool) {
	retryCount, _ := m.retrySettings()
	effective := retryCount

	providerSet := make(map[string]bool, len(providers))
	for _, p := range providers {
		providerSet[strings.ToLower(strings.TrimSpace(p))] = true
	}

	now := time.Now()
	var earliest time.Time

	m.mu.RLock()
	for _, a := range m.auths {
		if len(providerSet) > 0 && !providerSet[strings.ToLower(strings.TrimSpace(a.Provider))] {
			continue
		}
		if override, ok := a.RequestRetryOverride(); ok && override < effective {
			effective = override
		}
		next := nextRetryForModel(a, model)
		if !next.IsZero() && (earliest.IsZero() || next.Before(earliest)) {
			earliest = next
		}
	}
	m.mu.RUnlock()

	if attempt >= effective {
		return 0, false
	}
	if earliest.IsZero() {
		return 0, false
	}
	wait := earliest.Sub(now)
	if wait <= 0 {
		return 0, false
	}
	if maxWait > 0 && wait > maxWait {
		return 0, false
	}
	return wait, true
}

// ShouldRetryAfterError is the exported seam the dispatch facade calls once its
// attempt loop over a provider chain is exhausted. It derives the retryable
// HTTP status (if any) from errv and delegates to shouldRetryAfterError using
// the manager's configured maxRetryWait.
func (m *Manager) ShouldRetryAfterError(errv error, attempt int, providers []string, model string) (time.Duration, bool) {
	_, maxWait := m.retrySettings()
	return m.shouldRetryAfterError(toPoolError(errv), attempt, providers, model, maxWait)
}

// toPoolError adapts a generic error into the *Error shape the cooldown state
// machine keys its retry decisions on, extracting an HTTP status when the
// error implements cliproxyexecutor.StatusError.
func toPoolError(errv error) *Error {
	if errv == nil {
		return nil
	}
	status := 0
	if se, ok := errv.(cliproxyexecutor.StatusError); ok {
		status = se.StatusCode()
	}
	return &Error{Message: errv.Error(), HTTPStatus: status}
}

// refreshLockFor returns (creating if necessary) the per-credential refresh mutex,
// serialising concurrent refresh() calls for the same ID.
func (m *Manager) refreshLockFor(id string) *sync.Mutex {
	actual, _ := m.refreshMu.LoadOrStore(id, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

// Refresh performs a best-effort token refresh through the auth's provider executor,
// never raising: failures are recorded as an error status on the returned credential.
func (m *Manager) Refresh(ctx context.Context, id string) (*Auth, error) {
	a, ok := m.GetByID(id)
	if !ok {
		return nil, errors.New("auth: unknown credential " + id)
	}
	lock := m.refreshLockFor(id)
	lock.Lock()
	defer lock.Unlock()

	exec, ok := m.Executor(a.Provider)
	if !ok {
		return a, errors.New("auth: no executor registered for provider " + a.Provider)
	}
	refreshed, err := exec.Refresh(ctx, a)
	if refreshed == nil {
		refreshed = a
	}
	if err != nil {
		refreshed.Status = StatusError
		refreshed.StatusMessage = err.Error()
	} else {
		refreshed.LastRefreshedAt = time.Now()
	}
	updated, updateErr := m.Update(ctx, refreshed)
	if updateErr != nil {
		return refreshed, updateErr
	}
	if err != nil {
		// Update carries the pooled status forward; record the failure explicitly.
		m.mu.Lock()
		if stored, ok := m.auths[id]; ok {
			stored.Status = StatusError
			stored.StatusMessage = err.Error()
			updated = stored.Clone()
		}
		m.mu.Unlock()
	}
	return updated, nil
}

// RoundTripperFor exposes the configured RoundTripperProvider, if any.
func (m *Manager) RoundTripperFor(a *Auth) http.RoundTripper {
	if m.rtProvider == nil {
		return nil
	}
	return m.rtProvider.RoundTripperFor(a)
}
