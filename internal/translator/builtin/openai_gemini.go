package builtin

import (
	"context"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	sdktranslator "github.com/quotio/cliproxy/sdk/translator"
)

// registerOpenAIGemini wires a minimal OpenAI <-> Gemini request/response translator.
func registerOpenAIGemini() {
	sdktranslator.Register(sdktranslator.FormatOpenAI, sdktranslator.FormatGemini,
		func(_ string, rawJSON []byte, _ bool) []byte {
			out := []byte(`{}`)
			contents := make([]map[string]any, 0)
			gjson.GetBytes(rawJSON, "messages").ForEach(func(_, msg gjson.Result) bool {
				role := msg.Get("role").String()
				if role == "assistant" {
					role = "model"
				} else if role == "system" {
					role = "user"
				}
				contents = append(contents, map[string]any{
					"role":  role,
					"parts": []map[string]any{{"text": msg.Get("content").String()}},
				})
				return true
			})
			out, _ = sjson.SetBytes(out, "contents", contents)
			if temp := gjson.GetBytes(rawJSON, "temperature"); temp.Exists() {
				out, _ = sjson.SetBytes(out, "generationConfig.temperature", temp.Value())
			}
			return out
		},
		sdktranslator.ResponseTransform{
			NonStream: func(_ context.Context, model string, _, _, rawJSON []byte, _ *any) string {
				text := gjson.GetBytes(rawJSON, "candidates.0.content.parts.0.text").String()
				out := []byte(`{"object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant"}}]}`)
				out, _ = sjson.SetBytes(out, "model", model)
				out, _ = sjson.SetBytes(out, "choices.0.message.content", text)
				out, _ = sjson.SetBytes(out, "choices.0.finish_reason", "stop")
				out, _ = sjson.SetBytes(out, "usage.prompt_tokens", gjson.GetBytes(rawJSON, "usageMetadata.promptTokenCount").Int())
				out, _ = sjson.SetBytes(out, "usage.completion_tokens", gjson.GetBytes(rawJSON, "usageMetadata.candidatesTokenCount").Int())
				return string(out)
			},
			Stream: func(_ context.Context, model string, _, _, rawJSON []byte, _ *any) []string {
				delta := gjson.GetBytes(rawJSON, "candidates.0.content.parts.0.text").String()
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

// Register installs every built-in translator into the default registry. Called
// once via sync.Once from the builtin package's Registry()/Pipeline() accessors.
func Register() {
	registerOpenAIClaude()
	registerOpenAIGemini()
}
