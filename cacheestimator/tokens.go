package cacheestimator

import (
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// minCacheableTokens is the model-specific floor below which spec.md §4.3
// step 6 reports everything as uncached rather than attempting a cache
// match, since upstream itself won't cache a prefix that small.
var minCacheableTokens = map[string]int64{
	"claude-opus-4-5": 4096,
	"haiku-4-5":       4096,
	"haiku-3-5":       2048,
	"haiku-3":         2048,
}

const defaultMinCacheableTokens = 1024

// modelMinCacheableTokens looks up the minimum cacheable-prefix size for a
// model, matching by exact name first, then by any known family name the
// model name contains, then by the opus-4/sonnet family pattern, per
// spec.md §4.3 step 6.
func modelMinCacheableTokens(model string) int64 {
	lower := strings.ToLower(model)
	if v, ok := minCacheableTokens[lower]; ok {
		return v
	}
	for name, v := range minCacheableTokens {
		if strings.Contains(lower, name) {
			return v
		}
	}
	if strings.Contains(lower, "opus-4") || strings.Contains(lower, "sonnet-") {
		return 1024
	}
	return defaultMinCacheableTokens
}

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
	codecErr  error
)

func sharedCodec() (tokenizer.Codec, error) {
	codecOnce.Do(func() {
		codec, codecErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	return codec, codecErr
}

// countTokens measures text with the shared cl100k tokenizer, falling back
// to a char/4 approximation when the tokenizer can't be loaded, per
// spec.md §4.3 step 3.
func countTokens(text string) int64 {
	if text == "" {
		return 0
	}
	enc, err := sharedCodec()
	if err == nil {
		if n, cerr := enc.Count(text); cerr == nil {
			return int64(n)
		}
	}
	return int64((len(text) + 3) / 4)
}

// CountTokens exposes countTokens to callers that need a consistent token
// count for text outside a Request (e.g. the adapter's own total-input-token
// accounting).
func CountTokens(text string) int64 {
	return countTokens(text)
}

// TotalRequestTokens sums token counts across a request's system prompt,
// tool definitions, and messages, for callers that have no better source
// (such as an upstream-reported usage frame) for the total input token count
// an Estimate call needs.
func TotalRequestTokens(req Request) int64 {
	var total int64
	for _, b := range req.System {
		total += countTokens(b.Text)
	}
	for _, t := range req.Tools {
		total += countTokens(t.Name) + countTokens(t.Description) + countTokens(string(t.InputSchema))
	}
	for _, m := range req.Messages {
		total += countTokens(messageText(m))
	}
	return total
}

// messageText concatenates a message's textual content for token counting
// (tool_use name and input and tool_result text are included; image
// payloads are excluded; a real
// model sees the whole wire payload, but the token-count input here only
// needs to be consistent across calls for the purpose of the cache split,
// not byte-exact with upstream's own accounting).
func messageText(m Message) string {
	var b strings.Builder
	for _, block := range m.Content {
		switch block.Type {
		case "text":
			b.WriteString(block.Text)
		case "thinking":
			b.WriteString(block.Thinking)
		case "tool_use":
			b.WriteString(block.Name)
			b.Write(block.Input)
		case "tool_result":
			b.WriteString(block.Text)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
