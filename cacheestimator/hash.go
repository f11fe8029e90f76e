package cacheestimator

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

type stableSystemBlock struct {
	Type         string `json:"type"`
	Text         string `json:"text"`
	CacheControl bool   `json:"cache_control,omitempty"`
}

type stableToolEntry struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type stableThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

type staticPrefixProjection struct {
	Model      string              `json:"model"`
	System     []stableSystemBlock `json:"stableSystem,omitempty"`
	Tools      []stableToolEntry   `json:"stableTools,omitempty"`
	ToolChoice json.RawMessage     `json:"tool_choice,omitempty"`
	Thinking   *stableThinking     `json:"thinking,omitempty"`
}

// staticPrefixHash computes the cache identity per spec.md §4.3 step 4: a
// stable JSON projection over {model, stableSystem, stableTools, tool_choice,
// thinking}, MD5-hashed. Map/struct field order is fixed by the struct
// definition so the JSON encoding is deterministic across calls.
func staticPrefixHash(req Request) string {
	proj := staticPrefixProjection{
		Model:      req.Model,
		ToolChoice: req.ToolChoice,
	}
	for _, b := range req.System {
		proj.System = append(proj.System, stableSystemBlock{Type: b.Type, Text: b.Text, CacheControl: b.HasCacheControl})
	}
	for _, t := range req.Tools {
		proj.Tools = append(proj.Tools, stableToolEntry{Name: t.Name, Description: t.Description, InputSchema: json.RawMessage(canonicalizeJSON(t.InputSchema))})
	}
	if req.Thinking != nil {
		proj.Thinking = &stableThinking{Type: req.Thinking.Type, BudgetTokens: req.Thinking.BudgetTokens}
	}

	encoded, _ := json.Marshal(proj)
	sum := md5.Sum(encoded)
	return hex.EncodeToString(sum[:])
}

// staticPrefixText concatenates the textual content of the static prefix so
// its token count can be measured once (system text + tool descriptions).
func staticPrefixText(req Request) string {
	var b strings.Builder
	for _, sys := range req.System {
		b.WriteString(sys.Text)
		b.WriteByte('\n')
	}
	for _, t := range req.Tools {
		b.WriteString(t.Name)
		b.WriteByte('\n')
		b.WriteString(t.Description)
		b.WriteByte('\n')
	}
	return b.String()
}

// messageContentHash hashes a stable, role-prefixed projection of a
// message's content per spec.md §4.3 step 5: volatile fields (cache_control,
// tool_use_id, id, input) are excluded, exotic glyphs are normalised to
// ASCII, and tool_result blocks are governed by strategy.
func messageContentHash(m Message, strategy ToolResultStrategy) string {
	var b strings.Builder
	b.WriteString(m.Role)
	b.WriteByte('|')
	for _, block := range m.Content {
		switch block.Type {
		case "text":
			b.WriteString("text:")
			b.WriteString(normalizeForHash(block.Text))
		case "thinking":
			b.WriteString("thinking:")
			b.WriteString(normalizeForHash(block.Thinking))
		case "tool_use":
			b.WriteString("tool_use:")
			b.WriteString(block.Name)
		case "tool_result":
			switch strategy {
			case ToolResultIgnore:
				continue
			case ToolResultNameOnly:
				b.WriteString("tool_result_name:")
				b.WriteString(block.Name)
			default: // strict
				b.WriteString("tool_result:")
				b.WriteString(normalizeForHash(block.Text))
			}
		case "image":
			b.WriteString("image:")
			b.WriteString(imageFingerprint(block.ImageData))
		default:
			b.WriteString(block.Type)
			b.WriteString(":")
			b.WriteString(normalizeForHash(block.Text))
		}
		b.WriteByte(';')
	}

	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// canonicalizeJSON rebuilds raw with object keys in sorted order and no
// incidental whitespace, using gjson to walk the tree and sjson to rebuild
// it, so a tool's input_schema hashes identically across requests even when
// the upstream client re-serializes it with different key order or spacing.
// Invalid or empty input passes through unchanged.
func canonicalizeJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return raw
	}
	result := gjson.ParseBytes(raw)
	if !result.Exists() {
		return raw
	}
	canon, err := canonicalizeValue(result)
	if err != nil {
		return raw
	}
	return []byte(canon)
}

func canonicalizeValue(v gjson.Result) (string, error) {
	switch {
	case v.IsObject():
		keys := make([]string, 0)
		fields := map[string]gjson.Result{}
		v.ForEach(func(key, val gjson.Result) bool {
			keys = append(keys, key.String())
			fields[key.String()] = val
			return true
		})
		sort.Strings(keys)
		out := "{}"
		var err error
		for _, k := range keys {
			child, cerr := canonicalizeValue(fields[k])
			if cerr != nil {
				return "", cerr
			}
			out, err = sjson.SetRaw(out, sjsonEscapeKey(k), child)
			if err != nil {
				return "", err
			}
		}
		return out, nil
	case v.IsArray():
		out := "[]"
		i := 0
		var err error
		for _, el := range v.Array() {
			child, cerr := canonicalizeValue(el)
			if cerr != nil {
				return "", cerr
			}
			out, err = sjson.SetRaw(out, strconv.Itoa(i), child)
			if err != nil {
				return "", err
			}
			i++
		}
		return out, nil
	default:
		return v.Raw, nil
	}
}

// sjsonEscapeKey escapes sjson path metacharacters (. * ? and the path
// separator itself) in an arbitrary object key so it can be used as a
// literal path segment.
func sjsonEscapeKey(k string) string {
	replacer := strings.NewReplacer(".", "\\.", "*", "\\*", "?", "\\?")
	return replacer.Replace(k)
}

// imageFingerprint builds "img:len:head32:tail32" from a base64 image
// payload instead of hashing the raw (potentially huge) data, per
// spec.md §4.3 step 5.
func imageFingerprint(data string) string {
	n := len(data)
	head := data
	if len(head) > 32 {
		head = head[:32]
	}
	tail := data
	if len(tail) > 32 {
		tail = tail[len(tail)-32:]
	}
	return "img:" + strconv.Itoa(n) + ":" + head + ":" + tail
}

// normalizeForHash maps exotic arrow glyphs, control characters, and Private
// Use Area codepoints to ASCII-safe equivalents so cosmetic upstream
// re-rendering doesn't change the hash.
func normalizeForHash(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '→' || r == '⇒' || r == '⟶': // →, ⇒, ⟶
			b.WriteString("->")
		case r < 0x20 && r != '\n' && r != '\t':
			continue // strip stray control chars
		case r >= 0xE000 && r <= 0xF8FF: // Private Use Area
			continue
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
