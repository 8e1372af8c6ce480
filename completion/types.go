package completion

type Request struct {
	Model       string
	Question    string
	Temperature float64
	MaxTokens   int
}

// Result carries the generated text plus the token counts reported by the
// provider (or estimated when the provider omits usage).
type Result struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
}
