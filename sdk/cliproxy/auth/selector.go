package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	cliproxyexecutor "github.com/quotio/cliproxy/sdk/cliproxy/executor"
)

// Selector picks one eligible credential for a (provider, model) pair.
// Implementations must be safe for concurrent use.
type Selector interface {
	Pick(ctx context.Context, provider, model string, opts cliproxyexecutor.Options, candidates []*Auth) (*Auth, error)
}

type blockReason int

const (
	blockReasonNone blockReason = iota
	blockReasonCooldown
	blockReasonOther
)

// baseModelName strips a trailing "(suffix)" thinking annotation, e.g.
// "claude-sonnet-4-5(16384)" -> "claude-sonnet-4-5", "gpt-5.2(high)" -> "gpt-5.2".
func baseModelName(model string) string {
	if idx := strings.IndexByte(model, '('); idx > 0 && strings.HasSuffix(model, ")") {
		return model[:idx]
	}
	return model
}

// isAuthBlockedForModel applies the eligibility filter to one candidate.
func isAuthBlockedForModel(a *Auth, model string, now time.Time) (blocked bool, reason blockReason, nextRetry time.Time) {
	if a == nil {
		return true, blockReasonOther, time.Time{}
	}
	if a.Disabled || a.Status == StatusDisabled {
		return true, blockReasonOther, time.Time{}
	}

	base := baseModelName(model)
	var state *ModelState
	if a.ModelStates != nil {
		if s, ok := a.ModelStates[model]; ok {
			state = s
		} else if base != model {
			if s, ok := a.ModelStates[base]; ok {
				state = s
			}
		}
	}

	if state != nil {
		if state.Status == StatusDisabled {
			return true, blockReasonOther, time.Time{}
		}
		if state.Unavailable {
			if state.NextRetryAfter.IsZero() {
				return false, blockReasonNone, time.Time{}
			}
			if state.NextRetryAfter.After(now) {
				next := state.NextRetryAfter
				if state.Quota.NextRecoverAt.After(next) {
					next = state.Quota.NextRecoverAt
				}
				if now.After(next) {
					next = now
				}
				reason := blockReasonOther
				if state.Quota.Exceeded {
					reason = blockReasonCooldown
				}
				return true, reason, next
			}
		}
		return false, blockReasonNone, time.Time{}
	}

	if a.Unavailable && !a.NextRetryAfter.IsZero() && a.NextRetryAfter.After(now) {
		next := a.NextRetryAfter
		if a.Quota.NextRecoverAt.After(next) {
			next = a.Quota.NextRecoverAt
		}
		reason := blockReasonOther
		if a.Quota.Exceeded {
			reason = blockReasonCooldown
		}
		return true, reason, next
	}

	return false, blockReasonNone, time.Time{}
}

// eligibleCandidates filters candidates for (provider, model) at time now and reports
// whether every excluded candidate was blocked purely by cooldown, plus the earliest
// retry time observed across all blocked candidates (for ModelCooldownError).
func eligibleCandidates(model string, candidates []*Auth, now time.Time) (eligible []*Auth, allCooldown bool, earliest time.Time) {
	allCooldown = true
	for _, c := range candidates {
		blocked, reason, next := isAuthBlockedForModel(c, model, now)
		if !blocked {
			eligible = append(eligible, c)
			continue
		}
		if reason != blockReasonCooldown {
			allCooldown = false
		}
		if !next.IsZero() && (earliest.IsZero() || next.Before(earliest)) {
			earliest = next
		}
	}
	if len(candidates) == 0 {
		allCooldown = false
	}
	return eligible, allCooldown, earliest
}

// modelCooldownError is raised when every candidate for a model is blocked by cooldown.
type modelCooldownError struct {
	Provider string
	Model    string
	ResetAt  time.Time
}

func (e *modelCooldownError) StatusCode() int { return http.StatusTooManyRequests }

func (e *modelCooldownError) Headers() http.Header {
	h := http.Header{}
	seconds := int(time.Until(e.ResetAt).Round(time.Second).Seconds())
	if seconds < 0 {
		seconds = 0
	}
	h.Set("Retry-After", strconv.Itoa(seconds))
	return h
}

func (e *modelCooldownError) Error() string {
	seconds := int(time.Until(e.ResetAt).Round(time.Second).Seconds())
	if seconds < 0 {
		seconds = 0
	}
	errObj := map[string]any{
		"code":          "model_cooldown",
		"message":       fmt.Sprintf("all credentials for model %q are cooling down, retry in %ds", e.Model, seconds),
		"model":         e.Model,
		"reset_time":    e.ResetAt.UTC().Format(time.RFC3339),
		"reset_seconds": seconds,
	}
	if e.Provider != "" && e.Provider != "mixed" {
		errObj["provider"] = e.Provider
	}
	raw, _ := json.Marshal(map[string]any{"error": errObj})
	return string(raw)
}

func newModelCooldownError(provider, model string, resetAt time.Time) *modelCooldownError {
	if resetAt.IsZero() {
		resetAt = time.Now()
	}
	return &modelCooldownError{Provider: provider, Model: model, ResetAt: resetAt}
}

// priorityOf reads the integer priority hint from a credential's attributes,
// defaulting to 0; string values are parsed tolerantly.
func priorityOf(a *Auth) int {
	if a == nil || a.Attributes == nil {
		return 0
	}
	raw, ok := a.Attributes["priority"]
	if !ok {
		return 0
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0
	}
	return v
}

// topPriorityBucket groups candidates by priority, returning the highest-priority
// bucket sorted by credential ID ascending for deterministic tie-breaking.
func topPriorityBucket(candidates []*Auth) []*Auth {
	if len(candidates) == 0 {
		return nil
	}
	best := priorityOf(candidates[0])
	for _, c := range candidates[1:] {
		if p := priorityOf(c); p > best {
			best = p
		}
	}
	bucket := make([]*Auth, 0, len(candidates))
	for _, c := range candidates {
		if priorityOf(c) == best {
			bucket = append(bucket, c)
		}
	}
	sort.Slice(bucket, func(i, j int) bool { return bucket[i].ID < bucket[j].ID })
	return bucket
}

const cursorWrap = 1 << 31

// RoundRobinSelector implements the priority/round-robin strategy, keeping a
// per-(provider:model) cursor. maxKeys bounds the cursor map to avoid unbounded growth
// from an unbounded set of distinct model strings; 0 means unbounded.
type RoundRobinSelector struct {
	mu      sync.Mutex
	cursors map[string]int
	maxKeys int
}

func cursorKey(provider, model string) string {
	return provider + ":" + baseModelName(model)
}

// Pick implements Selector.
func (s *RoundRobinSelector) Pick(ctx context.Context, provider, model string, opts cliproxyexecutor.Options, candidates []*Auth) (*Auth, error) {
	now := time.Now()
	eligible, allCooldown, earliest := eligibleCandidates(model, candidates, now)
	if len(eligible) == 0 {
		if allCooldown {
			return nil, newModelCooldownError(provider, model, earliest)
		}
		return nil, nil
	}

	bucket := topPriorityBucket(eligible)
	if len(bucket) == 0 {
		return nil, nil
	}

	key := cursorKey(provider, model)
	s.mu.Lock()
	if s.cursors == nil {
		s.cursors = make(map[string]int)
	}
	idx, ok := s.cursors[key]
	if !ok {
		idx = 0
		if s.maxKeys > 0 && len(s.cursors) >= s.maxKeys {
			// Reset rather than evict piecemeal: the key space is unbounded, and a
			// full wipe is simpler to reason about than LRU bookkeeping for a cursor
			// that only needs to be "fair eventually", not "fair across restarts".
			s.cursors = make(map[string]int)
		}
	}
	next := idx + 1
	if next >= cursorWrap {
		next = 0
	}
	s.cursors[key] = next
	s.mu.Unlock()

	return bucket[idx%len(bucket)], nil
}

// FillFirstSelector implements the priority/fill-first strategy: always the
// first (by ID) credential in the highest-priority bucket, until it becomes ineligible.
type FillFirstSelector struct{}

// Pick implements Selector.
func (s *FillFirstSelector) Pick(ctx context.Context, provider, model string, opts cliproxyexecutor.Options, candidates []*Auth) (*Auth, error) {
	now := time.Now()
	eligible, allCooldown, earliest := eligibleCandidates(model, candidates, now)
	if len(eligible) == 0 {
		if allCooldown {
			return nil, newModelCooldownError(provider, model, earliest)
		}
		return nil, nil
	}
	bucket := topPriorityBucket(eligible)
	if len(bucket) == 0 {
		return nil, nil
	}
	return bucket[0], nil
}
