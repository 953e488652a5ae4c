// Package stream parses the upstream tagged-line wire format and projects
// it onto an event stream the OpenAI emitters consume.
package stream

import (
	"encoding/json"
	"regexp"
)

// Record patterns of the upstream wire format. Each tag is followed by a
// JSON-escaped payload on the same record; records may arrive split across
// fragments, so matching always runs over the rolling buffer. The a*/b*
// prefixes belong to the two battle participants and are treated as
// equivalent content.
var (
	textPattern      = regexp.MustCompile(`[ab]0:"((?:\\.|[^"\\])*)"`)
	reasoningPattern = regexp.MustCompile(`ag:"((?:\\.|[^"\\])*)"`)
	imagePattern     = regexp.MustCompile(`[ab]2:(\[.*?\])`)
	finishPattern    = regexp.MustCompile(`[ab]d:(\{.*?"finishReason".*?\})`)
	errorPattern     = regexp.MustCompile(`(?s)(\{\s*"error".*?\})`)
)

// Interstitial signatures embedded in the raw stream when the upstream
// serves a verification page instead of a model response.
var interstitialPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<title>Just a moment\.\.\.</title>`),
	regexp.MustCompile(`(?i)Enable JavaScript and cookies to continue`),
}

// unescape decodes a JSON string-escaped payload captured from a record.
func unescape(escaped string) (string, error) {
	var s string
	err := json.Unmarshal([]byte(`"`+escaped+`"`), &s)
	return s, err
}

// imageDescriptor is one element of an a2/b2 record's JSON array.
type imageDescriptor struct {
	Type  string `json:"type"`
	Image string `json:"image"`
}

// finishRecord is the metadata object of an ad/bd record.
type finishRecord struct {
	FinishReason string `json:"finishReason"`
}

// errorRecord is an inline error descriptor embedded in the stream.
type errorRecord struct {
	Error json.RawMessage `json:"error"`
}

func (e errorRecord) message() string {
	var s string
	if json.Unmarshal(e.Error, &s) == nil {
		return s
	}
	return string(e.Error)
}

func hasInterstitial(s string) bool {
	for _, p := range interstitialPatterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}
