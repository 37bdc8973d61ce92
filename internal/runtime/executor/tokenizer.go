package executor

import (
	"encoding/json"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// fallbackCodec is shared across executors that lack a native token-counting
// endpoint (Gemini and Anthropic both expose one; plain OpenAI-compatible
// providers frequently do not).
var (
	fallbackCodecOnce sync.Once
	fallbackCodec     tokenizer.Codec
	fallbackCodecErr  error
)

func getFallbackCodec() (tokenizer.Codec, error) {
	fallbackCodecOnce.Do(func() {
		fallbackCodec, fallbackCodecErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	return fallbackCodec, fallbackCodecErr
}

// countTokensApprox walks every string-valued field of a chat-completions-
// style payload and sums its cl100k token count. It is an approximation: it
// does not account for a provider's exact message-framing overhead, but it is
// good enough for a CountTokens response when no upstream endpoint exists.
func countTokensApprox(payload []byte) (int64, error) {
	codec, err := getFallbackCodec()
	if err != nil {
		return 0, err
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return 0, err
	}
	var total int64
	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case string:
			ids, _, encErr := codec.Encode(t)
			if encErr == nil {
				total += int64(len(ids))
			}
		case []any:
			for _, item := range t {
				walk(item)
			}
		case map[string]any:
			for _, item := range t {
				walk(item)
			}
		}
	}
	walk(doc)
	return total, nil
}
