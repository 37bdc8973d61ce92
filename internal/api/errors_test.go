package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"
)

type statusOnlyErr struct {
	code int
	msg  string
}

func (e statusOnlyErr) Error() string   { return e.msg }
func (e statusOnlyErr) StatusCode() int { return e.code }

func TestStatusForError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"status error", statusOnlyErr{code: 429, msg: "limited"}, http.StatusTooManyRequests},
		{"upstream 401", statusOnlyErr{code: 401, msg: "unauthorized"}, http.StatusUnauthorized},
		{"empty chain", errors.New("dispatch: no providers available for model \"x\""), http.StatusBadRequest},
		{"plain error", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusForError(tc.err); got != tc.want {
			t.Fatalf("%s: statusForError = %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestBuildErrorBody_WrapsPlainText(t *testing.T) {
	body := buildErrorBody(http.StatusTooManyRequests, "slow down")
	var doc errorResponse
	if err := json.Unmarshal(body, &doc); err != nil {
		t.Fatalf("body is not valid JSON: %v", err)
	}
	if doc.Error.Message != "slow down" {
		t.Fatalf("message = %q", doc.Error.Message)
	}
	if doc.Error.Type != "rate_limit_error" || doc.Error.Code != "rate_limit_exceeded" {
		t.Fatalf("type/code = %q/%q", doc.Error.Type, doc.Error.Code)
	}
}

func TestBuildErrorBody_PassesThroughJSON(t *testing.T) {
	in := `{"error":{"code":"model_cooldown","reset_seconds":2}}`
	body := buildErrorBody(http.StatusTooManyRequests, in)
	if string(body) != in {
		t.Fatalf("pre-rendered JSON must pass through unchanged, got %s", body)
	}
}

func TestBuildErrorBody_EmptyMessageFallsBackToStatusText(t *testing.T) {
	body := buildErrorBody(http.StatusBadGateway, "")
	var doc errorResponse
	if err := json.Unmarshal(body, &doc); err != nil {
		t.Fatalf("body is not valid JSON: %v", err)
	}
	if doc.Error.Message != http.StatusText(http.StatusBadGateway) {
		t.Fatalf("message = %q", doc.Error.Message)
	}
}

func TestFilterUpstreamHeaders_StripsHopByHopAndCookies(t *testing.T) {
	src := http.Header{}
	src.Set("Content-Type", "application/json")
	src.Set("Set-Cookie", "session=secret")
	src.Set("Transfer-Encoding", "chunked")
	src.Set("Connection", "X-Upstream-Conn")
	src.Set("X-Upstream-Conn", "internal")
	src.Set("Retry-After", "2")

	got := filterUpstreamHeaders(src)
	if got.Get("Content-Type") != "application/json" || got.Get("Retry-After") != "2" {
		t.Fatalf("safe headers must survive, got %v", got)
	}
	for _, blocked := range []string{"Set-Cookie", "Transfer-Encoding", "X-Upstream-Conn", "Connection"} {
		if got.Get(blocked) != "" {
			t.Fatalf("%s must be stripped, got %v", blocked, got)
		}
	}
}
