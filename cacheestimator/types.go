// Package cacheestimator reconstructs the cache-read / cache-creation /
// uncached token split for a Kiro-bound request, given the request body and
// a per-account history of recently seen static prefixes. Grounded on the
// teacher's internal/cache/prompt_cache.go LRU-by-hash shape, generalized
// from "cache whole system prompts" to "cache a static prefix plus a
// message-range prefix, with strict or optimistic per-message matching".
package cacheestimator

import "encoding/json"

// ContentBlock is the subset of an Anthropic-style content block the
// estimator needs to hash and count tokens for.
type ContentBlock struct {
	Type            string
	Text            string
	Thinking        string
	ToolUseID       string
	ID              string
	Name            string
	Input           json.RawMessage
	ImageData       string // base64 payload, type == "image"
	HasCacheControl bool
}

// Message is one turn of the conversation.
type Message struct {
	Role            string
	Content         []ContentBlock
	HasCacheControl bool
}

// Tool is a single tool definition.
type Tool struct {
	Name            string
	Description     string
	InputSchema     json.RawMessage
	HasCacheControl bool
}

// ThinkingConfig mirrors the request's thinking block, if any.
type ThinkingConfig struct {
	Type         string
	BudgetTokens int
}

// Request is the estimator's view of an incoming chat request.
type Request struct {
	Model      string
	System     []ContentBlock
	Tools      []Tool
	Messages   []Message
	Thinking   *ThinkingConfig
	ToolChoice json.RawMessage
}

// ToolResultStrategy controls how much of a tool_result block contributes to
// its content hash.
type ToolResultStrategy string

const (
	ToolResultStrict   ToolResultStrategy = "strict"
	ToolResultIgnore   ToolResultStrategy = "ignore"
	ToolResultNameOnly ToolResultStrategy = "name_only"
)

// Estimate is the estimator's output: always satisfies
// CacheRead + CacheCreation + Uncached == totalInputTokens.
type Estimate struct {
	CacheRead     int64
	CacheCreation int64
	Uncached      int64
}

// cachedMessage is the per-message bookkeeping stored in a prefix entry.
type cachedMessage struct {
	Index       int
	Role        string
	ContentHash string
	Tokens      int64
}

// prefixEntry is one account's memory of a previously seen static prefix.
type prefixEntry struct {
	PrefixHash           string
	StaticPrefixTokens   int64
	PrefixMessagesTokens int64
	CachedMessages       []cachedMessage
	AllMessagesTokens    int64
	HitCount             int64
	Timestamp            int64 // unix nanos, set by the caller
}
