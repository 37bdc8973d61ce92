package auth

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	cliproxyexecutor "github.com/quotio/cliproxy/sdk/cliproxy/executor"
)

// recordingExecutor is a minimal Executor whose Refresh can be scripted to fail.
type recordingExecutor struct {
	id         string
	refreshErr bool
}

func (e *recordingExecutor) Identifier() string { return e.id }

func (e *recordingExecutor) Execute(context.Context, *Auth, cliproxyexecutor.Request, cliproxyexecutor.Options) (cliproxyexecutor.Response, error) {
	return cliproxyexecutor.Response{}, nil
}

func (e *recordingExecutor) ExecuteStream(context.Context, *Auth, cliproxyexecutor.Request, cliproxyexecutor.Options) (*cliproxyexecutor.StreamResult, error) {
	ch := make(chan cliproxyexecutor.StreamChunk)
	close(ch)
	return &cliproxyexecutor.StreamResult{Chunks: ch}, nil
}

func (e *recordingExecutor) Refresh(_ context.Context, auth *Auth) (*Auth, error) {
	if e.refreshErr {
		return auth, errors.New("refresh token is invalid")
	}
	return auth, nil
}

func (e *recordingExecutor) CountTokens(context.Context, *Auth, cliproxyexecutor.Request, cliproxyexecutor.Options) (cliproxyexecutor.Response, error) {
	return cliproxyexecutor.Response{}, nil
}

func (e *recordingExecutor) HttpRequest(context.Context, *Auth, *http.Request) (*http.Response, error) {
	return nil, nil
}

func (e *recordingExecutor) CloseExecutionSession(string) {}

func markFailureWithStatus(t *testing.T, m *Manager, authID, model string, status int, retryAfterMs int64) {
	t.Helper()
	m.MarkResult(context.Background(), Result{
		AuthID:       authID,
		Provider:     "claude",
		Model:        model,
		Success:      false,
		RetryAfterMs: retryAfterMs,
		Error:        &Error{Message: "upstream failure", HTTPStatus: status},
	})
}

func TestManager_MarkResult_QuotaBackoffIsMonotonic(t *testing.T) {
	m := NewManager(nil, nil, nil)
	if _, err := m.Register(context.Background(), &Auth{ID: "a", Provider: "claude"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	model := "claude-opus"

	// min(1s * 2^level, 30m): 1s, 2s, 4s, ...
	wantCooldowns := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, want := range wantCooldowns {
		before := time.Now()
		markFailureWithStatus(t, m, "a", model, http.StatusTooManyRequests, 0)
		a, _ := m.GetByID("a")
		state := a.ModelStates[model]
		if state == nil {
			t.Fatalf("failure #%d: missing model state", i+1)
		}
		if state.Quota.BackoffLevel != i+1 {
			t.Fatalf("failure #%d: backoffLevel = %d, want %d", i+1, state.Quota.BackoffLevel, i+1)
		}
		got := state.Quota.NextRecoverAt.Sub(before)
		if got < want-200*time.Millisecond || got > want+time.Second {
			t.Fatalf("failure #%d: cooldown = %v, want ~%v", i+1, got, want)
		}
		if !state.NextRetryAfter.Equal(state.Quota.NextRecoverAt) {
			t.Fatalf("failure #%d: nextRetryAfter should track quota.nextRecoverAt", i+1)
		}
	}
}

func TestManager_MarkResult_QuotaBackoffCeilingIsSticky(t *testing.T) {
	m := NewManager(nil, nil, nil)
	model := "claude-opus"
	a := &Auth{ID: "a", Provider: "claude", ModelStates: map[string]*ModelState{
		model: {Quota: QuotaState{BackoffLevel: 11}}, // 2^11 s > 30m cap
	}}
	if _, err := m.Register(context.Background(), a); err != nil {
		t.Fatalf("register: %v", err)
	}

	for i := 0; i < 3; i++ {
		before := time.Now()
		markFailureWithStatus(t, m, "a", model, http.StatusTooManyRequests, 0)
		got, _ := m.GetByID("a")
		state := got.ModelStates[model]
		if state.Quota.BackoffLevel != 11 {
			t.Fatalf("failure #%d: backoffLevel = %d, want pinned at 11 once the cap is hit", i+1, state.Quota.BackoffLevel)
		}
		cooldown := state.Quota.NextRecoverAt.Sub(before)
		if cooldown < 29*time.Minute || cooldown > 31*time.Minute {
			t.Fatalf("failure #%d: cooldown = %v, want the 30m ceiling", i+1, cooldown)
		}
	}
}

func TestManager_MarkResult_UpstreamRetryAfterSkipsBackoff(t *testing.T) {
	m := NewManager(nil, nil, nil)
	if _, err := m.Register(context.Background(), &Auth{ID: "a", Provider: "claude"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	before := time.Now()
	markFailureWithStatus(t, m, "a", "claude-opus", http.StatusTooManyRequests, 2000)

	a, _ := m.GetByID("a")
	state := a.ModelStates["claude-opus"]
	if !state.Quota.Exceeded || state.Quota.Reason != "quota" {
		t.Fatalf("quota = %+v, want exceeded with reason quota", state.Quota)
	}
	if state.Quota.BackoffLevel != 0 {
		t.Fatalf("backoffLevel = %d, want 0 when retry-after was supplied", state.Quota.BackoffLevel)
	}
	got := state.Quota.NextRecoverAt.Sub(before)
	if got < 1900*time.Millisecond || got > 2500*time.Millisecond {
		t.Fatalf("nextRecoverAt in %v, want ~2s", got)
	}
}

func TestManager_MarkResult_StatusCooldownWindows(t *testing.T) {
	cases := []struct {
		status int
		want   time.Duration
	}{
		{http.StatusUnauthorized, 30 * time.Minute},
		{http.StatusPaymentRequired, 30 * time.Minute},
		{http.StatusForbidden, 30 * time.Minute},
		{http.StatusNotFound, 12 * time.Hour},
		{http.StatusRequestTimeout, 60 * time.Second},
		{http.StatusInternalServerError, 60 * time.Second},
		{http.StatusBadGateway, 60 * time.Second},
		{http.StatusServiceUnavailable, 60 * time.Second},
		{http.StatusGatewayTimeout, 60 * time.Second},
	}
	for _, tc := range cases {
		m := NewManager(nil, nil, nil)
		if _, err := m.Register(context.Background(), &Auth{ID: "a", Provider: "claude"}); err != nil {
			t.Fatalf("register: %v", err)
		}
		before := time.Now()
		markFailureWithStatus(t, m, "a", "claude-opus", tc.status, 0)

		a, _ := m.GetByID("a")
		state := a.ModelStates["claude-opus"]
		if state == nil || !state.Unavailable || state.Status != StatusError {
			t.Fatalf("status %d: state = %+v, want unavailable error", tc.status, state)
		}
		got := state.NextRetryAfter.Sub(before)
		if got < tc.want-time.Second || got > tc.want+time.Minute {
			t.Fatalf("status %d: nextRetryAfter in %v, want ~%v", tc.status, got, tc.want)
		}
		if state.Quota.Exceeded {
			t.Fatalf("status %d: quota must stay untouched for non-429 failures", tc.status)
		}
	}
}

func TestManager_MarkResult_UnmappedStatusLeavesRetryUnset(t *testing.T) {
	m := NewManager(nil, nil, nil)
	if _, err := m.Register(context.Background(), &Auth{ID: "a", Provider: "claude"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	markFailureWithStatus(t, m, "a", "claude-opus", http.StatusUnprocessableEntity, 0)

	a, _ := m.GetByID("a")
	state := a.ModelStates["claude-opus"]
	if state == nil || !state.Unavailable {
		t.Fatalf("state = %+v, want unavailable", state)
	}
	if !state.NextRetryAfter.IsZero() {
		t.Fatalf("nextRetryAfter = %v, want unset (retry at next opportunity)", state.NextRetryAfter)
	}
}

func TestManager_MarkResult_SuccessResetsModelAndCredential(t *testing.T) {
	m := NewManager(nil, nil, nil)
	model := "claude-opus"
	a := &Auth{
		ID: "a", Provider: "claude",
		Status:        StatusError,
		StatusMessage: "stale",
		Unavailable:   true,
		Quota:         QuotaState{Exceeded: true, BackoffLevel: 5, NextRecoverAt: time.Now().Add(time.Hour)},
		ModelStates: map[string]*ModelState{
			model: {
				Status:         StatusError,
				Unavailable:    true,
				NextRetryAfter: time.Now().Add(time.Hour),
				Quota:          QuotaState{Exceeded: true, BackoffLevel: 5},
				LastError:      &Error{Message: "old"},
			},
		},
	}
	if _, err := m.Register(context.Background(), a); err != nil {
		t.Fatalf("register: %v", err)
	}

	m.MarkResult(context.Background(), Result{AuthID: "a", Provider: "claude", Model: model, Success: true})

	got, _ := m.GetByID("a")
	state := got.ModelStates[model]
	if state.Unavailable || state.Status != StatusActive || state.LastError != nil {
		t.Fatalf("model state after success = %+v, want cleared active", state)
	}
	if state.Quota.BackoffLevel != 0 || state.Quota.Exceeded {
		t.Fatalf("model quota after success = %+v, want reset", state.Quota)
	}
	if !state.NextRetryAfter.IsZero() {
		t.Fatalf("model nextRetryAfter after success = %v, want zero", state.NextRetryAfter)
	}
	if got.Unavailable || got.Status != StatusActive || got.Quota.BackoffLevel != 0 {
		t.Fatalf("credential after success = status %v unavailable %v quota %+v, want active reset", got.Status, got.Unavailable, got.Quota)
	}
}

func TestManager_Update_PreservesLiveRuntimeState(t *testing.T) {
	m := NewManager(nil, nil, nil)
	model := "claude-opus"
	if _, err := m.Register(context.Background(), &Auth{ID: "a", Provider: "claude"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	markFailureWithStatus(t, m, "a", model, http.StatusTooManyRequests, 0)

	updated, err := m.Update(context.Background(), &Auth{ID: "a", Provider: "claude", Label: "renamed"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Label != "renamed" {
		t.Fatalf("label = %q, want the stored record replaced", updated.Label)
	}
	state := updated.ModelStates[model]
	if state == nil || state.Quota.BackoffLevel != 1 {
		t.Fatalf("model state after update = %+v, want live cooldown preserved", state)
	}
}

func TestManager_Register_AssignsIDWhenMissing(t *testing.T) {
	m := NewManager(nil, nil, nil)
	a, err := m.Register(context.Background(), &Auth{Provider: "claude"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if a.ID == "" {
		t.Fatalf("expected a generated credential ID")
	}
}

func TestManager_Refresh_NeverRaisesOnExecutorFailure(t *testing.T) {
	m := NewManager(nil, nil, nil)
	exec := &recordingExecutor{id: "claude", refreshErr: true}
	m.RegisterExecutor(exec)
	if _, err := m.Register(context.Background(), &Auth{ID: "a", Provider: "claude"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	refreshed, err := m.Refresh(context.Background(), "a")
	if err != nil {
		t.Fatalf("Refresh must not raise on executor failure, got %v", err)
	}
	if refreshed.Status != StatusError || refreshed.StatusMessage == "" {
		t.Fatalf("refreshed = status %v message %q, want error status with a message", refreshed.Status, refreshed.StatusMessage)
	}
}
