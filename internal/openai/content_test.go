package openai

import (
	"encoding/json"
	"testing"
)

func TestMessageContentAcceptsString(t *testing.T) {
	var msg ChatMessage
	if err := json.Unmarshal([]byte(`{"role":"user","content":"hello"}`), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Content.IsList() || msg.Content.Text != "hello" {
		t.Fatalf("unexpected content: %+v", msg.Content)
	}

	out, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `{"role":"user","content":"hello"}` {
		t.Fatalf("round trip changed shape: %s", out)
	}
}

func TestMessageContentAcceptsParts(t *testing.T) {
	raw := `{"role":"user","content":[{"type":"text","text":"look"},{"type":"image_url","image_url":{"url":"https://x/y.png"}}]}`
	var msg ChatMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !msg.Content.IsList() || len(msg.Content.Parts) != 2 {
		t.Fatalf("unexpected parts: %+v", msg.Content)
	}
	if msg.Content.PlainText() != "look" {
		t.Fatalf("unexpected plain text: %q", msg.Content.PlainText())
	}
}

func TestEstimateTokensFloor(t *testing.T) {
	messages := []ChatMessage{
		{Role: "user", Content: MessageContent{Text: "a"}},
		{Role: "user", Content: MessageContent{Text: "b"}},
	}
	if got := EstimateTokens(messages); got != 4 {
		t.Fatalf("expected per-message floor of 2, got %d", got)
	}
}
