package kiroadapter

const (
	tagOpen  = "<thinking>"
	tagClose = "</thinking>"
)

// maxTagLen is the longest tag ThinkingSplitter watches for; Feed withholds
// this many bytes from every flush so a tag split across two
// chunks is never missed.
const maxTagLen = len(tagClose)

// ThinkingSplitter separates a Kiro streamed text feed into "thinking" and
// "text" content blocks based on <thinking>...</thinking> markers, per
// spec.md §4.2. Tag-like substrings immediately preceded or followed by a
// quote character are treated as literal text (e.g. a tool argument that
// happens to contain the string), not as real markers.
type ThinkingSplitter struct {
	buf        []byte
	inThinking bool
}

// NewThinkingSplitter returns an empty splitter.
func NewThinkingSplitter() *ThinkingSplitter {
	return &ThinkingSplitter{}
}

// Feed appends chunk and returns any content blocks that are now safe to
// emit. A safety margin is withheld at the tail in case it's the prefix of a
// split tag.
func (t *ThinkingSplitter) Feed(chunk string) []ContentBlock {
	t.buf = append(t.buf, chunk...)
	return t.drain(false)
}

// Flush emits everything remaining, including the withheld safety margin.
// Call this once at end of stream.
func (t *ThinkingSplitter) Flush() []ContentBlock {
	return t.drain(true)
}

func (t *ThinkingSplitter) drain(final bool) []ContentBlock {
	var out []ContentBlock
	for {
		tag, idx := t.nextTag()
		if idx < 0 {
			break
		}
		if idx > 0 {
			out = append(out, t.emitSpan(t.buf[:idx])...)
		}
		t.buf = t.buf[idx+len(tag):]
		t.inThinking = tag == tagOpen
	}

	safeLen := len(t.buf)
	if !final {
		safeLen -= maxTagLen
		if safeLen < 0 {
			safeLen = 0
		}
	}
	if safeLen > 0 {
		out = append(out, t.emitSpan(t.buf[:safeLen])...)
		t.buf = t.buf[safeLen:]
	}
	if final && len(t.buf) > 0 {
		out = append(out, t.emitSpan(t.buf)...)
		t.buf = nil
	}
	return out
}

func (t *ThinkingSplitter) emitSpan(b []byte) []ContentBlock {
	if len(b) == 0 {
		return nil
	}
	if t.inThinking {
		return []ContentBlock{{Type: "thinking", Thinking: string(b)}}
	}
	return []ContentBlock{{Type: "text", Text: string(b)}}
}

// nextTag returns the earliest non-literal occurrence of either tag in
// t.buf, or ("", -1) if none is found.
func (t *ThinkingSplitter) nextTag() (string, int) {
	openIdx := firstNonLiteral(t.buf, tagOpen)
	closeIdx := firstNonLiteral(t.buf, tagClose)
	switch {
	case openIdx < 0 && closeIdx < 0:
		return "", -1
	case openIdx < 0:
		return tagClose, closeIdx
	case closeIdx < 0:
		return tagOpen, openIdx
	case openIdx < closeIdx:
		return tagOpen, openIdx
	default:
		return tagClose, closeIdx
	}
}

func firstNonLiteral(buf []byte, tag string) int {
	from := 0
	for {
		rel := indexOf(buf[from:], tag)
		if rel < 0 {
			return -1
		}
		idx := from + rel
		if !adjacentToQuote(buf, idx, len(tag)) {
			return idx
		}
		from = idx + 1
	}
}

func isQuoteByte(b byte) bool {
	return b == '"' || b == '\'' || b == '`'
}

func adjacentToQuote(buf []byte, idx, tagLen int) bool {
	if idx > 0 && isQuoteByte(buf[idx-1]) {
		return true
	}
	end := idx + tagLen
	if end < len(buf) && isQuoteByte(buf[end]) {
		return true
	}
	return false
}
