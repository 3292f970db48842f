// Package content turns stored message payloads of any historical shape into
// display text.
//
// Messages written over the lifetime of a conversation store arrive in several
// layouts: bare strings, legacy {text} records, {content: "..."} objects, the
// v2 {content: {format: 2, parts: [...]}} layout, JSON strings nested under
// content.value, and more. Classify recognises the layout once and returns one
// variant of the Content union; Text on that variant is the normalized string.
package content

import (
	"encoding/json"
	"strconv"
	"strings"
)

// MaxFallbackLength caps the JSON stringification used for unrecognised objects.
const MaxFallbackLength = 1000

// maxDepth bounds recursion through JSON-encoded content.value payloads.
const maxDepth = 4

// Kind names a Content variant.
type Kind int

const (
	KindEmpty Kind = iota
	KindPlainText
	KindField
	KindParts
	KindEncoded
	KindRaw
)

func (k Kind) String() string {
	switch k {
	case KindPlainText:
		return "plain_text"
	case KindField:
		return "field"
	case KindParts:
		return "parts"
	case KindEncoded:
		return "encoded"
	case KindRaw:
		return "raw"
	default:
		return "empty"
	}
}

// Content is the closed set of recognised message layouts.
type Content interface {
	Kind() Kind
	Text() string
	sealed()
}

// PlainText is a bare string message.
type PlainText struct {
	Value string
}

// Field is text found under a single named field, e.g. "text" or "content.content".
type Field struct {
	Path  string
	Value string
}

// PartsSource records where a Parts value came from.
type PartsSource int

const (
	PartsV2      PartsSource = iota // content.format == 2 with content.parts
	PartsGeneric                    // content.parts without a format marker
	PartsArray                      // content is itself an array
	PartsData                       // content.data is an array
)

// Parts is an ordered list of text fragments joined without a separator.
type Parts struct {
	Source PartsSource
	Items  []string
}

// Encoded is a JSON document stored as a string under content.value.
type Encoded struct {
	Inner Content
}

// Raw is an unrecognised object, rendered as bounded JSON.
type Raw struct {
	JSON string
}

// Empty yields "".
type Empty struct{}

func (PlainText) Kind() Kind { return KindPlainText }
func (Field) Kind() Kind     { return KindField }
func (Parts) Kind() Kind     { return KindParts }
func (Encoded) Kind() Kind   { return KindEncoded }
func (Raw) Kind() Kind       { return KindRaw }
func (Empty) Kind() Kind     { return KindEmpty }

func (c PlainText) Text() string { return c.Value }
func (c Field) Text() string     { return c.Value }
func (c Parts) Text() string     { return strings.Join(c.Items, "") }
func (c Encoded) Text() string {
	if c.Inner == nil {
		return ""
	}
	return c.Inner.Text()
}
func (c Raw) Text() string {
	if len(c.JSON) >= MaxFallbackLength {
		return ""
	}
	return c.JSON
}
func (Empty) Text() string { return "" }

func (PlainText) sealed() {}
func (Field) sealed()     {}
func (Parts) sealed()     {}
func (Encoded) sealed()   {}
func (Raw) sealed()       {}
func (Empty) sealed()     {}

// Normalize returns the display text of a decoded message payload. It never
// panics and is deterministic.
func Normalize(raw any) string {
	return Classify(raw).Text()
}

// NormalizeJSON decodes a stored payload and normalizes it. Bytes that are not
// a JSON document are treated as plain text.
func NormalizeJSON(data []byte) string {
	return ClassifyJSON(data).Text()
}

// ClassifyJSON is Classify for a serialized payload.
func ClassifyJSON(data []byte) Content {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		if len(data) == 0 {
			return Empty{}
		}
		return PlainText{Value: string(data)}
	}
	return Classify(v)
}

// Classify identifies the layout of a decoded payload.
func Classify(raw any) (c Content) {
	defer func() {
		if recover() != nil {
			c = Empty{}
		}
	}()
	return classify(raw, 0)
}

func classify(raw any, depth int) Content {
	switch v := raw.(type) {
	case string:
		return PlainText{Value: v}
	case map[string]any:
		return classifyMessage(v, depth)
	default:
		return Empty{}
	}
}

func classifyMessage(msg map[string]any, depth int) Content {
	if s, ok := nonEmptyString(msg["text"]); ok {
		return Field{Path: "text", Value: s}
	}

	c, present := msg["content"]
	if !present || c == nil {
		for _, key := range []string{"body", "message"} {
			if s, ok := nonEmptyString(msg[key]); ok {
				return Field{Path: key, Value: s}
			}
		}
		return Empty{}
	}

	switch v := c.(type) {
	case string:
		return Field{Path: "content", Value: v}
	case []any:
		return Parts{Source: PartsArray, Items: partTexts(v)}
	case map[string]any:
		return classifyObject(v, depth)
	default:
		return scalar(v)
	}
}

func classifyObject(obj map[string]any, depth int) Content {
	if s, ok := obj["content"].(string); ok {
		return Field{Path: "content.content", Value: s}
	}

	// an explicit empty parts list is a valid empty message
	parts, hasParts := obj["parts"].([]any)
	if hasParts && isFormat2(obj["format"]) {
		return Parts{Source: PartsV2, Items: partTexts(parts)}
	}
	if hasParts && len(parts) == 0 {
		return Parts{Source: PartsGeneric}
	}
	if hasParts {
		if p := (Parts{Source: PartsGeneric, Items: partTexts(parts)}); p.Text() != "" {
			return p
		}
	}

	if s, ok := obj["text"].(string); ok {
		return Field{Path: "content.text", Value: s}
	}

	if s, ok := obj["value"].(string); ok && depth < maxDepth {
		var parsed any
		if err := json.Unmarshal([]byte(s), &parsed); err == nil {
			if inner := classify(parsed, depth+1); inner.Text() != "" {
				return Encoded{Inner: inner}
			}
		}
	}

	if data, ok := obj["data"]; ok && truthy(data) {
		switch d := data.(type) {
		case string:
			return Field{Path: "content.data", Value: d}
		case []any:
			return Parts{Source: PartsData, Items: partTexts(d)}
		}
	}

	if b, err := json.Marshal(obj); err == nil && len(b) < MaxFallbackLength {
		return Raw{JSON: string(b)}
	}
	return Empty{}
}

// partTexts maps each part to its text: a string part is itself, an object
// part contributes its "text" or else a string "content".
func partTexts(parts []any) []string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		var s string
		switch v := p.(type) {
		case string:
			s = v
		case map[string]any:
			if t, ok := nonEmptyString(v["text"]); ok {
				s = t
			} else if t, ok := v["content"].(string); ok {
				s = t
			}
		}
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func scalar(v any) Content {
	switch x := v.(type) {
	case bool:
		if x {
			return Field{Path: "content", Value: "true"}
		}
	case float64:
		if x != 0 {
			return Field{Path: "content", Value: strconv.FormatFloat(x, 'f', -1, 64)}
		}
	case int:
		if x != 0 {
			return Field{Path: "content", Value: strconv.Itoa(x)}
		}
	}
	return Empty{}
}

func isFormat2(v any) bool {
	switch f := v.(type) {
	case float64:
		return f == 2
	case int:
		return f == 2
	case json.Number:
		return f.String() == "2"
	}
	return false
}

func nonEmptyString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok && s != ""
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case string:
		return x != ""
	case bool:
		return x
	case float64:
		return x != 0
	}
	return true
}

// IsEmptyParts reports whether c is a parts message with no text parts, which
// is a legitimate empty message rather than an extraction failure.
func IsEmptyParts(c Content) bool {
	p, ok := c.(Parts)
	return ok && (p.Source == PartsV2 || p.Source == PartsGeneric) && len(p.Items) == 0
}
