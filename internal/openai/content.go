package openai

import (
	"encoding/json"
	"strings"
)

// MessageContent is either a bare string or a list of multimodal parts.
// Both encodings are accepted on input; marshalling preserves the shape
// that was decoded.
type MessageContent struct {
	Text  string
	Parts []ContentPart
}

// ContentPart is one element of a multimodal content list.
type ContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *ImageURLPart `json:"image_url,omitempty"`
}

// ImageURLPart carries an image reference. Detail doubles as the original
// filename for data-URI uploads, matching what clients of the bridge send.
type ImageURLPart struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// UnmarshalJSON accepts both `"content": "hi"` and `"content": [{...}]`.
func (c *MessageContent) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		return json.Unmarshal(data, &c.Parts)
	}
	if trimmed == "null" {
		return nil
	}
	return json.Unmarshal(data, &c.Text)
}

// MarshalJSON mirrors UnmarshalJSON.
func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.Parts != nil {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// IsList reports whether the content was provided as a part list.
func (c MessageContent) IsList() bool { return c.Parts != nil }

// PlainText flattens the content to text, joining list parts with blank lines.
func (c MessageContent) PlainText() string {
	if c.Parts == nil {
		return c.Text
	}
	var texts []string
	for _, p := range c.Parts {
		if p.Type == "text" && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n\n")
}

// EstimateTokens approximates the prompt token count of a request
// (4 chars ~ 1 token, floor of two tokens per message).
func EstimateTokens(messages []ChatMessage) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content.PlainText())
	}
	n := total/4 + 1
	if n < len(messages)*2 {
		n = len(messages) * 2
	}
	return n
}
