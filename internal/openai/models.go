package openai

import "time"

// ModelInfo is one entry in the /v1/models listing.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelList is the OpenAI-compatible model listing envelope.
type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

// NewModelList builds a listing from model names.
func NewModelList(names []string, owner string) ModelList {
	now := time.Now().Unix()
	data := make([]ModelInfo, 0, len(names))
	for _, name := range names {
		data = append(data, ModelInfo{ID: name, Object: "model", Created: now, OwnedBy: owner})
	}
	return ModelList{Object: "list", Data: data}
}

// ImageGenerationRequest is the subset of OpenAI's images API the bridge accepts.
type ImageGenerationRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	N      int    `json:"n,omitempty"`
}

// ImageDatum is one generated image reference.
type ImageDatum struct {
	URL           string `json:"url,omitempty"`
	B64JSON       string `json:"b64_json,omitempty"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
}

// ImageGenerationResponse is the images API envelope.
type ImageGenerationResponse struct {
	Created int64        `json:"created"`
	Data    []ImageDatum `json:"data"`
}
