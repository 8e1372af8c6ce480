package usage

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// EstimateTokens approximates the token count of text for providers that do
// not report usage. Uses the cl100k_base encoding when available, otherwise
// a character heuristic: roughly 4 chars per token for ASCII text, 2 for CJK.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	encodingOnce.Do(func() {
		encoding, _ = tiktoken.GetEncoding("cl100k_base")
	})
	if encoding != nil {
		return len(encoding.Encode(text, nil, nil))
	}

	var plain, cjk int
	for _, r := range text {
		if r >= 0x4E00 && r <= 0x9FFF {
			cjk++
		} else {
			plain++
		}
	}
	count := plain/4 + cjk/2
	if count == 0 {
		count = 1
	}
	return count
}
