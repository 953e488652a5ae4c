package models

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"regexp"
	"strings"
)

// AvailableModel is the raw model object embedded in the upstream page HTML.
type AvailableModel struct {
	ID           string          `json:"id"`
	PublicName   string          `json:"publicName"`
	Organization string          `json:"organization,omitempty"`
	Provider     string          `json:"provider,omitempty"`
	Capabilities json.RawMessage `json:"capabilities,omitempty"`
}

var modelStartPattern = regexp.MustCompile(`\{\\"id\\":\\"[a-f0-9-]+\\"`)

// maxModelObjectLen bounds the brace scan so a stray open brace cannot
// walk the whole document.
const maxModelObjectLen = 10000

// ExtractFromHTML pulls complete model JSON objects out of the page source
// the agent posts back. Objects are located by their escaped id marker and
// closed by brace matching; duplicates are collapsed by publicName.
func ExtractFromHTML(html string) []AvailableModel {
	var out []AvailableModel
	seen := map[string]struct{}{}

	for _, loc := range modelStartPattern.FindAllStringIndex(html, -1) {
		start := loc[0]
		limit := start + maxModelObjectLen
		if limit > len(html) {
			limit = len(html)
		}
		depth := 0
		end := -1
		for i := start; i < limit; i++ {
			switch html[i] {
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					end = i + 1
				}
			}
			if end != -1 {
				break
			}
		}
		if end == -1 {
			continue
		}

		escaped := html[start:end]
		unescaped := strings.ReplaceAll(escaped, `\"`, `"`)
		unescaped = strings.ReplaceAll(unescaped, `\\`, `\`)

		var m AvailableModel
		if err := json.Unmarshal([]byte(unescaped), &m); err != nil {
			log.Printf("[WARN] models: skipping malformed model object: %v", err)
			continue
		}
		if m.PublicName == "" {
			continue
		}
		if _, dup := seen[m.PublicName]; dup {
			continue
		}
		seen[m.PublicName] = struct{}{}
		out = append(out, m)
	}
	return out
}

// SaveAvailable writes the extracted model list to path as indented JSON.
func SaveAvailable(models []AvailableModel, path string) error {
	raw, err := json.MarshalIndent(models, "", "    ")
	if err != nil {
		return fmt.Errorf("encode models: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
