package kiroadapter

import (
	"encoding/json"
)

// StreamEvent is a single decoded chunk from Kiro's streaming response.
type StreamEvent struct {
	Kind               string // "content", "toolUse", "toolUseInput", "toolUseStop", "contextUsage"
	Content            string
	ToolUseID          string
	ToolUseName        string
	ToolUseInput       string
	FollowupPrompt     string
	ContextUsagePct    float64
	HasContextUsagePct bool
}

// maxStreamBuffer bounds the scanner's unparsed-byte buffer; a malformed or
// hostile stream that never closes a brace would otherwise grow unbounded.
const maxStreamBuffer = 10 * 1024 * 1024

var framePrefixes = []string{
	`{"content":`,
	`{"name":`,
	`{"input":`,
	`{"stop":`,
	`{"followupPrompt":`,
	`{"contextUsagePercentage":`,
}

// StreamScanner incrementally extracts framed JSON objects from Kiro's
// concatenated event-stream payload. Unlike the teacher's binary AWS
// Event-Stream/CRC32 frame reader, upstream here is a bare concatenation of
// JSON objects with known key prefixes, so the scanner looks for one of
// those prefixes and then brace-counts (respecting string literals and
// escapes) to find the matching closer, per spec.md §4.2.
type StreamScanner struct {
	buf            []byte
	lastContent    string
	haveLastChunk  bool
	overflowLogged bool
}

// NewStreamScanner returns an empty scanner.
func NewStreamScanner() *StreamScanner {
	return &StreamScanner{}
}

// Feed appends newly received bytes and returns every complete event that
// could be extracted so far. Bytes belonging to a still-incomplete frame are
// retained internally for the next Feed call.
func (s *StreamScanner) Feed(chunk []byte) []StreamEvent {
	s.buf = append(s.buf, chunk...)

	var events []StreamEvent
	for {
		start, prefix := s.findFrameStart()
		if start < 0 {
			break
		}
		if start > 0 {
			s.buf = s.buf[start:]
		}
		end := matchingBraceEnd(s.buf)
		if end < 0 {
			break // incomplete frame, wait for more bytes
		}
		frame := s.buf[:end]
		s.buf = s.buf[end:]

		if ev, ok := s.decodeFrame(prefix, frame); ok {
			events = append(events, ev)
		}
	}

	if len(s.buf) > maxStreamBuffer {
		// Drop the unparseable prefix rather than growing forever; keep
		// only the last maxStreamBuffer/2 bytes.
		s.buf = s.buf[len(s.buf)-maxStreamBuffer/2:]
		s.overflowLogged = true
	}
	return events
}

// findFrameStart scans s.buf for the earliest occurrence of any known frame
// prefix, returning its byte offset and which prefix matched. Returns -1 if
// none is found yet (the buffer may hold a partial prefix at its tail).
func (s *StreamScanner) findFrameStart() (int, string) {
	best := -1
	bestPrefix := ""
	for _, p := range framePrefixes {
		idx := indexOf(s.buf, p)
		if idx < 0 {
			continue
		}
		if best < 0 || idx < best {
			best = idx
			bestPrefix = p
		}
	}
	return best, bestPrefix
}

func indexOf(buf []byte, substr string) int {
	n, m := len(buf), len(substr)
	if m == 0 || m > n {
		return -1
	}
outer:
	for i := 0; i <= n-m; i++ {
		for j := 0; j < m; j++ {
			if buf[i+j] != substr[j] {
				continue outer
			}
		}
		return i
	}
	return -1
}

// matchingBraceEnd returns the index just past the closing '}' that matches
// buf[0], respecting string literals and backslash escapes, or -1 if the
// buffer doesn't yet contain a complete object.
func matchingBraceEnd(buf []byte) int {
	if len(buf) == 0 || buf[0] != '{' {
		return -1
	}
	depth := 0
	inString := false
	escaped := false
	for i, b := range buf {
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return -1
}

func (s *StreamScanner) decodeFrame(prefix string, frame []byte) (StreamEvent, bool) {
	switch prefix {
	case `{"content":`:
		var parsed struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal(frame, &parsed); err != nil {
			return StreamEvent{}, false
		}
		if s.haveLastChunk && s.lastContent == parsed.Content {
			return StreamEvent{}, false // duplicate consecutive chunk, suppress
		}
		s.lastContent = parsed.Content
		s.haveLastChunk = true
		return StreamEvent{Kind: "content", Content: parsed.Content}, true

	case `{"name":`:
		var parsed struct {
			ID   string `json:"toolUseId"`
			Name string `json:"name"`
		}
		if err := json.Unmarshal(frame, &parsed); err != nil {
			return StreamEvent{}, false
		}
		return StreamEvent{Kind: "toolUse", ToolUseID: parsed.ID, ToolUseName: parsed.Name}, true

	case `{"input":`:
		var parsed struct {
			Input string `json:"input"`
		}
		if err := json.Unmarshal(frame, &parsed); err != nil {
			return StreamEvent{}, false
		}
		return StreamEvent{Kind: "toolUseInput", ToolUseInput: parsed.Input}, true

	case `{"stop":`:
		return StreamEvent{Kind: "toolUseStop"}, true

	case `{"followupPrompt":`:
		var parsed struct {
			FollowupPrompt string `json:"followupPrompt"`
		}
		if err := json.Unmarshal(frame, &parsed); err != nil {
			return StreamEvent{}, false
		}
		return StreamEvent{Kind: "content", Content: "", FollowupPrompt: parsed.FollowupPrompt}, true

	case `{"contextUsagePercentage":`:
		var parsed struct {
			Pct float64 `json:"contextUsagePercentage"`
		}
		if err := json.Unmarshal(frame, &parsed); err != nil {
			return StreamEvent{}, false
		}
		return StreamEvent{Kind: "contextUsage", ContextUsagePct: parsed.Pct, HasContextUsagePct: true}, true
	}
	return StreamEvent{}, false
}
