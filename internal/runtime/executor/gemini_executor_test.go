package executor

import (
	"testing"

	coreauth "github.com/quotio/cliproxy/sdk/cliproxy/auth"
	cliproxyexecutor "github.com/quotio/cliproxy/sdk/cliproxy/executor"
)

func TestStripThinkingSuffix(t *testing.T) {
	cases := map[string]string{
		"gemini-2.5-pro":        "gemini-2.5-pro",
		"gemini-2.5-pro(high)":  "gemini-2.5-pro",
		"gemini-2.5-flash(low)": "gemini-2.5-flash",
	}
	for in, want := range cases {
		if got := stripThinkingSuffix(in); got != want {
			t.Errorf("stripThinkingSuffix(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestGeminiAction(t *testing.T) {
	req := cliproxyexecutor.Request{Metadata: map[string]any{}}
	if got := geminiAction(req, false); got != "generateContent" {
		t.Errorf("default non-stream action = %q, want generateContent", got)
	}
	if got := geminiAction(req, true); got != "streamGenerateContent" {
		t.Errorf("default stream action = %q, want streamGenerateContent", got)
	}
	req.Metadata["action"] = "countTokens"
	if got := geminiAction(req, false); got != "countTokens" {
		t.Errorf("metadata override action = %q, want countTokens", got)
	}
}

func TestSSEDataPayload(t *testing.T) {
	if got := sseDataPayload([]byte(`data: {"a":1}`)); string(got) != `{"a":1}` {
		t.Errorf("sseDataPayload returned %q", got)
	}
	if got := sseDataPayload([]byte(`data: [DONE]`)); got != nil {
		t.Errorf("sseDataPayload should drop [DONE], got %q", got)
	}
	if got := sseDataPayload([]byte("event: ping")); got != nil {
		t.Errorf("sseDataPayload should ignore non-data fields, got %q", got)
	}
	if got := sseDataPayload([]byte("   ")); got != nil {
		t.Errorf("sseDataPayload should ignore blank lines, got %q", got)
	}
}

func TestGeminiCreds(t *testing.T) {
	if apiKey, bearer := geminiCreds(nil); apiKey != "" || bearer != "" {
		t.Errorf("geminiCreds(nil) = (%q,%q), want empty", apiKey, bearer)
	}
	withKey := &coreauth.Auth{Metadata: map[string]any{"api_key": "abc"}}
	if apiKey, bearer := geminiCreds(withKey); apiKey != "abc" || bearer != "" {
		t.Errorf("geminiCreds(api_key) = (%q,%q), want (abc,\"\")", apiKey, bearer)
	}
	withToken := &coreauth.Auth{Metadata: map[string]any{"access_token": "tok"}}
	if apiKey, bearer := geminiCreds(withToken); apiKey != "" || bearer != "tok" {
		t.Errorf("geminiCreds(access_token) = (%q,%q), want (\"\",tok)", apiKey, bearer)
	}
}
