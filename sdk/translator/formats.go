package translator

// Common format identifiers exposed for SDK users.
const (
	FormatOpenAI         Format = "openai"
	FormatOpenAIResponse Format = "openai-response"
	FormatClaude         Format = "claude"
	FormatGemini         Format = "gemini"
	FormatCodex          Format = "codex"
)
