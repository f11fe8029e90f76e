package kiroadapter

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	imagePlaceholderTemplate = "[此消息包含 %d 张图片，已在历史记录中省略]"
	toolDescriptionMaxChars  = 9216
	imageHistoryWindow       = 5
)

// ContentBlock is a single Anthropic-style content block. Only the fields
// each block type actually uses are populated; the rest stay zero.
type ContentBlock struct {
	Type         string          `json:"type"`
	Text         string          `json:"text,omitempty"`
	Thinking     string          `json:"thinking,omitempty"`
	Source       json.RawMessage `json:"source,omitempty"` // image source, opaque
	ID           string          `json:"id,omitempty"`
	Name         string          `json:"name,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
	ToolUseID    string          `json:"tool_use_id,omitempty"`
	Content      json.RawMessage `json:"content,omitempty"`
	CacheControl json.RawMessage `json:"cache_control,omitempty"`
}

// Message is a single turn of the conversation.
type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// Tool is a single tool definition from the request's tools array.
type Tool struct {
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	CacheControl json.RawMessage `json:"cache_control,omitempty"`
}

// TransformedRequest is the result of applying every spec.md §4.2
// construction rule to an incoming request.
type TransformedRequest struct {
	SystemPrefix   string
	History        []Message
	CurrentMessage Message
	Tools          []Tool
}

// TransformMessages applies, in order: trailing-no-op-drop, same-role
// merge, system prefixing, thinking-block collapsing, tool_result dedup,
// image-history truncation, and the terminal-role synthetic-turn rules,
// exactly per spec.md §4.2.
func TransformMessages(system string, messages []Message, tools []Tool) TransformedRequest {
	msgs := dropTrailingNoOp(messages)
	msgs = mergeAdjacentSameRole(msgs)

	systemPrefix := ""
	if system != "" {
		if len(msgs) > 0 && msgs[0].Role == "user" {
			systemPrefix = system
		} else {
			msgs = append([]Message{{Role: "user", Content: []ContentBlock{{Type: "text", Text: system}}}}, msgs...)
		}
	}

	for i := range msgs {
		if msgs[i].Role == "assistant" {
			msgs[i].Content = collapseThinking(msgs[i].Content)
		}
		if msgs[i].Role == "user" {
			msgs[i].Content = dedupToolResults(msgs[i].Content)
		}
	}

	msgs = truncateOldImages(msgs)

	var current Message
	switch {
	case len(msgs) > 0 && msgs[len(msgs)-1].Role == "assistant":
		// Terminal message is assistant; it stays in history and a
		// synthetic user turn becomes the current message, since upstream
		// requires the terminal message to be user-role.
		current = Message{Role: "user", Content: []ContentBlock{{Type: "text", Text: "Continue"}}}
	case len(msgs) > 0:
		current = msgs[len(msgs)-1]
		msgs = msgs[:len(msgs)-1]
		if len(msgs) == 0 || msgs[len(msgs)-1].Role != "assistant" {
			msgs = append(msgs, Message{Role: "assistant", Content: []ContentBlock{{Type: "text", Text: "Continue"}}})
		}
	default:
		current = Message{Role: "user", Content: []ContentBlock{{Type: "text", Text: "Continue"}}}
	}

	return TransformedRequest{
		SystemPrefix:   systemPrefix,
		History:        msgs,
		CurrentMessage: current,
		Tools:          filterAndTruncateTools(tools),
	}
}

// dropTrailingNoOp drops a trailing assistant message whose sole content is
// the literal "{" (a no-op continuation some clients send).
func dropTrailingNoOp(messages []Message) []Message {
	if len(messages) == 0 {
		return messages
	}
	last := messages[len(messages)-1]
	if last.Role != "assistant" || len(last.Content) != 1 {
		return messages
	}
	if last.Content[0].Type == "text" && strings.TrimSpace(last.Content[0].Text) == "{" {
		return messages[:len(messages)-1]
	}
	return messages
}

// mergeAdjacentSameRole concatenates consecutive same-role messages: text
// blocks join with "\n", and non-text blocks are appended as-is.
func mergeAdjacentSameRole(messages []Message) []Message {
	if len(messages) == 0 {
		return messages
	}
	out := make([]Message, 0, len(messages))
	out = append(out, messages[0])
	for _, m := range messages[1:] {
		last := &out[len(out)-1]
		if last.Role == m.Role {
			last.Content = mergeContentBlocks(last.Content, m.Content)
			continue
		}
		out = append(out, m)
	}
	return out
}

func mergeContentBlocks(a, b []ContentBlock) []ContentBlock {
	if len(a) > 0 && len(b) > 0 && a[len(a)-1].Type == "text" && b[0].Type == "text" {
		merged := make([]ContentBlock, 0, len(a)+len(b)-1)
		merged = append(merged, a[:len(a)-1]...)
		joined := a[len(a)-1]
		joined.Text = joined.Text + "\n" + b[0].Text
		merged = append(merged, joined)
		merged = append(merged, b[1:]...)
		return merged
	}
	return append(append([]ContentBlock{}, a...), b...)
}

// collapseThinking wraps each thinking block's text in <thinking>...</thinking>
// and converts the block to a plain text block; tool_use blocks pass through
// verbatim.
func collapseThinking(blocks []ContentBlock) []ContentBlock {
	out := make([]ContentBlock, 0, len(blocks))
	for _, b := range blocks {
		if b.Type == "thinking" {
			out = append(out, ContentBlock{Type: "text", Text: "<thinking>" + b.Thinking + "</thinking>"})
			continue
		}
		out = append(out, b)
	}
	return out
}

// dedupToolResults removes duplicate tool_result blocks sharing the same
// tool_use_id within one message (upstream rejects duplicates).
func dedupToolResults(blocks []ContentBlock) []ContentBlock {
	seen := make(map[string]struct{})
	out := make([]ContentBlock, 0, len(blocks))
	for _, b := range blocks {
		if b.Type == "tool_result" {
			if _, dup := seen[b.ToolUseID]; dup {
				continue
			}
			seen[b.ToolUseID] = struct{}{}
		}
		out = append(out, b)
	}
	return out
}

// truncateOldImages keeps images only in the last imageHistoryWindow
// messages of the history; user messages before that window have each image
// block replaced with a textual placeholder.
func truncateOldImages(messages []Message) []Message {
	recentCutoff := len(messages) - imageHistoryWindow

	for i, m := range messages {
		if m.Role != "user" {
			continue
		}
		if i >= recentCutoff {
			continue
		}
		imgCount := 0
		kept := make([]ContentBlock, 0, len(m.Content))
		for _, b := range m.Content {
			if b.Type == "image" {
				imgCount++
				continue
			}
			kept = append(kept, b)
		}
		if imgCount > 0 {
			kept = append(kept, ContentBlock{Type: "text", Text: fmt.Sprintf(imagePlaceholderTemplate, imgCount)})
		}
		messages[i].Content = kept
	}
	return messages
}

// filterAndTruncateTools drops web_search/websearch tools (case-insensitive)
// and truncates descriptions beyond toolDescriptionMaxChars with an
// ellipsis.
func filterAndTruncateTools(tools []Tool) []Tool {
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		lower := strings.ToLower(t.Name)
		if lower == "web_search" || lower == "websearch" {
			continue
		}
		if len(t.Description) > toolDescriptionMaxChars {
			t.Description = t.Description[:toolDescriptionMaxChars] + "..."
		}
		out = append(out, t)
	}
	return out
}
