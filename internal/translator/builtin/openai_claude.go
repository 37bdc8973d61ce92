package builtin

import (
	"context"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	sdktranslator "github.com/quotio/cliproxy/sdk/translator"
)

// registerOpenAIClaude wires a minimal OpenAI <-> Claude request/response translator.
// Real per-provider translation is an external collaborator; this pair is a
// minimal registration on sdk/translator's default Registry. The Claude
// executor sends payloads untranslated, so no dispatch path invokes it.
func registerOpenAIClaude() {
	sdktranslator.Register(sdktranslator.FormatOpenAI, sdktranslator.FormatClaude,
		func(model string, rawJSON []byte, stream bool) []byte {
			out := []byte(`{}`)
			out, _ = sjson.SetBytes(out, "model", model)
			out, _ = sjson.SetBytes(out, "stream", stream)
			if max := gjson.GetBytes(rawJSON, "max_tokens"); max.Exists() {
				out, _ = sjson.SetBytes(out, "max_tokens", max.Value())
			} else {
				out, _ = sjson.SetBytes(out, "max_tokens", 4096)
			}
			messages := gjson.GetBytes(rawJSON, "messages")
			var system string
			claudeMessages := make([]map[string]any, 0)
			messages.ForEach(func(_, msg gjson.Result) bool {
				role := msg.Get("role").String()
				content := msg.Get("content").String()
				if role == "system" {
					system += content
					return true
				}
				claudeMessages = append(claudeMessages, map[string]any{
					"role":    role,
					"content": content,
				})
				return true
			})
			if system != "" {
				out, _ = sjson.SetBytes(out, "system", system)
			}
			out, _ = sjson.SetBytes(out, "messages", claudeMessages)
			return out
		},
		sdktranslator.ResponseTransform{
			NonStream: func(_ context.Context, model string, _, _, rawJSON []byte, _ *any) string {
				text := gjson.GetBytes(rawJSON, "content.0.text").String()
				finish := claudeToOpenAIFinishReason(gjson.GetBytes(rawJSON, "stop_reason").String())
				out := []byte(`{"object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant"}}]}`)
				out, _ = sjson.SetBytes(out, "model", model)
				out, _ = sjson.SetBytes(out, "choices.0.message.content", text)
				out, _ = sjson.SetBytes(out, "choices.0.finish_reason", finish)
				out, _ = sjson.SetBytes(out, "usage.prompt_tokens", gjson.GetBytes(rawJSON, "usage.input_tokens").Int())
				out, _ = sjson.SetBytes(out, "usage.completion_tokens", gjson.GetBytes(rawJSON, "usage.output_tokens").Int())
				return string(out)
			},
			Stream: func(_ context.Context, model string, _, _, rawJSON []byte, _ *any) []string {
				delta := gjson.GetBytes(rawJSON, "delta.text").String()
				if delta == "" {
					return nil
				}
				chunk := []byte(`{"object":"chat.completion.chunk","choices":[{"index":0,"delta":{}}]}`)
				chunk, _ = sjson.SetBytes(chunk, "model", model)
				chunk, _ = sjson.SetBytes(chunk, "choices.0.delta.content", delta)
				return []string{string(chunk)}
			},
		},
	)
}

func claudeToOpenAIFinishReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return "stop"
	}
}
