package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Content is a message body. OpenAI-style clients send either a plain string
// or a list of typed parts ({"type":"text","text":"..."}, image parts, ...).
// We keep both shapes so the request can be forwarded verbatim to
// OpenAI-compatible backends, and flatten to text for the others.
type Content struct {
	text  string
	parts []ContentPart
}

// ContentPart is one element of a multi-part message. Only text parts are
// used for text extraction; the rest ride along untouched in Raw.
type ContentPart struct {
	Type string          `json:"type"`
	Text string          `json:"text,omitempty"`
	Raw  json.RawMessage `json:"-"`
}

// TextContent wraps a plain string.
func TextContent(s string) Content {
	return Content{text: s}
}

// PartsContent wraps a list of typed parts.
func PartsContent(parts ...ContentPart) Content {
	return Content{parts: parts}
}

// Text returns the message text. Text parts are joined with "\n".
func (c Content) Text() string {
	if c.parts == nil {
		return c.text
	}
	var texts []string
	for _, p := range c.parts {
		if p.Type == "text" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// Parts returns the typed parts, or nil for plain-string content.
func (c Content) Parts() []ContentPart {
	return c.parts
}

// UnmarshalJSON accepts a JSON string, a list of parts, or null.
func (c *Content) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*c = Content{}
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = Content{text: s}
		return nil
	case len(data) > 0 && data[0] == '[':
		var raws []json.RawMessage
		if err := json.Unmarshal(data, &raws); err != nil {
			return err
		}
		parts := make([]ContentPart, 0, len(raws))
		for _, raw := range raws {
			var p ContentPart
			if err := json.Unmarshal(raw, &p); err != nil {
				return fmt.Errorf("decoding content part: %w", err)
			}
			p.Raw = raw
			parts = append(parts, p)
		}
		*c = Content{parts: parts}
		return nil
	default:
		return fmt.Errorf("message content must be a string or a list of parts")
	}
}

// MarshalJSON writes the content back in the shape it arrived in.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.parts == nil {
		return json.Marshal(c.text)
	}
	raws := make([]json.RawMessage, len(c.parts))
	for i, p := range c.parts {
		if p.Raw != nil {
			raws[i] = p.Raw
			continue
		}
		b, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		raws[i] = b
	}
	return json.Marshal(raws)
}
