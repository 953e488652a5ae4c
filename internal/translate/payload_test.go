package translate

import (
	"strings"
	"testing"

	"github.com/lumabridge/lumabridge/internal/config"
	"github.com/lumabridge/lumabridge/internal/models"
	"github.com/lumabridge/lumabridge/internal/openai"
	"github.com/lumabridge/lumabridge/internal/session"

	"os"
	"path/filepath"
)

func testRegistry(t *testing.T, modelsJSON string) *models.Registry {
	t.Helper()
	r := models.NewRegistry()
	if modelsJSON != "" {
		path := filepath.Join(t.TempDir(), "models.json")
		if err := os.WriteFile(path, []byte(modelsJSON), 0o644); err != nil {
			t.Fatalf("write models.json: %v", err)
		}
		if err := r.LoadModels(path); err != nil {
			t.Fatalf("LoadModels: %v", err)
		}
	}
	return r
}

func userMessage(text string) openai.ChatMessage {
	return openai.ChatMessage{Role: "user", Content: openai.MessageContent{Text: text}}
}

func testTuple() session.Tuple {
	return session.Tuple{SessionID: "sess", MessageID: "msg"}
}

func TestBypassDisabledGloballyOverridesPerClass(t *testing.T) {
	cfg := config.Default()
	cfg.BypassEnabled = false
	cfg.BypassSettings = map[string]bool{"text": true}
	registry := testRegistry(t, `{"m-text": "id-1:text"}`)
	tr := NewTranslator(&cfg, registry)

	payload := tr.Build(openai.ChatCompletionRequest{
		Model:    "m-text",
		Messages: []openai.ChatMessage{userMessage("hi")},
	}, testTuple())

	if len(payload.MessageTemplates) != 1 {
		t.Fatalf("no bypass template expected, got %d templates", len(payload.MessageTemplates))
	}
}

func TestBypassPerClassOverrideDisables(t *testing.T) {
	cfg := config.Default()
	cfg.BypassEnabled = true
	cfg.BypassSettings = map[string]bool{"text": true, "image": false}
	registry := testRegistry(t, `{"m-text": "id-1:text", "m-image": "id-2:image"}`)
	tr := NewTranslator(&cfg, registry)

	textPayload := tr.Build(openai.ChatCompletionRequest{
		Model:    "m-text",
		Messages: []openai.ChatMessage{userMessage("hi")},
	}, testTuple())
	if len(textPayload.MessageTemplates) != 2 {
		t.Fatalf("text request should receive the bypass template, got %d templates", len(textPayload.MessageTemplates))
	}

	imagePayload := tr.Build(openai.ChatCompletionRequest{
		Model:    "m-image",
		Messages: []openai.ChatMessage{userMessage("hi")},
	}, testTuple())
	if len(imagePayload.MessageTemplates) != 1 {
		t.Fatalf("image request should not receive the bypass template, got %d templates", len(imagePayload.MessageTemplates))
	}
}

func TestBypassDefaultsOffForImageAndSearch(t *testing.T) {
	cfg := config.Default()
	cfg.BypassEnabled = true
	registry := testRegistry(t, `{"m-search": "id-3:search", "m-text": "id-1:text"}`)
	tr := NewTranslator(&cfg, registry)

	searchPayload := tr.Build(openai.ChatCompletionRequest{
		Model:    "m-search",
		Messages: []openai.ChatMessage{userMessage("find")},
	}, testTuple())
	if len(searchPayload.MessageTemplates) != 1 {
		t.Fatalf("search class defaults to no bypass, got %d templates", len(searchPayload.MessageTemplates))
	}

	textPayload := tr.Build(openai.ChatCompletionRequest{
		Model:    "m-text",
		Messages: []openai.ChatMessage{userMessage("hi")},
	}, testTuple())
	if len(textPayload.MessageTemplates) != 2 {
		t.Fatalf("text class follows the global toggle, got %d templates", len(textPayload.MessageTemplates))
	}
}

func TestParticipantPositionsDirectChat(t *testing.T) {
	cfg := config.Default()
	registry := testRegistry(t, "")
	tr := NewTranslator(&cfg, registry)

	payload := tr.Build(openai.ChatCompletionRequest{
		Model: "m",
		Messages: []openai.ChatMessage{
			{Role: "system", Content: openai.MessageContent{Text: "be nice"}},
			userMessage("hi"),
		},
	}, testTuple())

	if payload.MessageTemplates[0].ParticipantPosition != "b" {
		t.Fatalf("system should sit on b in direct chat, got %q", payload.MessageTemplates[0].ParticipantPosition)
	}
	if payload.MessageTemplates[1].ParticipantPosition != "a" {
		t.Fatalf("user should sit on a in direct chat, got %q", payload.MessageTemplates[1].ParticipantPosition)
	}
}

func TestParticipantPositionsBattleOverride(t *testing.T) {
	cfg := config.Default()
	registry := testRegistry(t, "")
	tr := NewTranslator(&cfg, registry)

	payload := tr.Build(openai.ChatCompletionRequest{
		Model: "m",
		Messages: []openai.ChatMessage{
			{Role: "system", Content: openai.MessageContent{Text: "sys"}},
			userMessage("hi"),
		},
	}, session.Tuple{SessionID: "s", MessageID: "m", Mode: "battle", BattleTarget: "B"})

	for i, tpl := range payload.MessageTemplates {
		if tpl.ParticipantPosition != "b" {
			t.Fatalf("template %d: battle mode targets b, got %q", i, tpl.ParticipantPosition)
		}
	}
}

func TestDeveloperRoleNormalized(t *testing.T) {
	cfg := config.Default()
	tr := NewTranslator(&cfg, testRegistry(t, ""))

	payload := tr.Build(openai.ChatCompletionRequest{
		Model: "m",
		Messages: []openai.ChatMessage{
			{Role: "developer", Content: openai.MessageContent{Text: "rules"}},
		},
	}, testTuple())

	if payload.MessageTemplates[0].Role != "system" {
		t.Fatalf("developer should map to system, got %q", payload.MessageTemplates[0].Role)
	}
}

func TestEmptyUserContentReplacedWithSpace(t *testing.T) {
	cfg := config.Default()
	tr := NewTranslator(&cfg, testRegistry(t, ""))

	payload := tr.Build(openai.ChatCompletionRequest{
		Model:    "m",
		Messages: []openai.ChatMessage{userMessage("")},
	}, testTuple())

	if payload.MessageTemplates[0].Content != " " {
		t.Fatalf("empty user content must become a single space, got %q", payload.MessageTemplates[0].Content)
	}
}

func TestAssistantMarkdownImagesBecomeAttachments(t *testing.T) {
	cfg := config.Default()
	tr := NewTranslator(&cfg, testRegistry(t, ""))

	payload := tr.Build(openai.ChatCompletionRequest{
		Model: "m",
		Messages: []openai.ChatMessage{
			{Role: "assistant", Content: openai.MessageContent{
				Text: "here you go ![pic](https://img.example/cat.png)",
			}},
		},
	}, testTuple())

	tpl := payload.MessageTemplates[0]
	if len(tpl.ExperimentalAttachments) != 1 {
		t.Fatalf("expected one experimental attachment, got %d", len(tpl.ExperimentalAttachments))
	}
	att := tpl.ExperimentalAttachments[0]
	if att.URL != "https://img.example/cat.png" || att.Name != "cat.png" {
		t.Fatalf("unexpected attachment: %+v", att)
	}
	if strings.Contains(tpl.Content, "![") {
		t.Fatalf("markdown image should be stripped from content: %q", tpl.Content)
	}
}

func TestMultimodalUserPartsSplit(t *testing.T) {
	cfg := config.Default()
	tr := NewTranslator(&cfg, testRegistry(t, ""))

	payload := tr.Build(openai.ChatCompletionRequest{
		Model: "m",
		Messages: []openai.ChatMessage{
			{Role: "user", Content: openai.MessageContent{Parts: []openai.ContentPart{
				{Type: "text", Text: "what is this"},
				{Type: "image_url", ImageURL: &openai.ImageURLPart{URL: "data:image/png;base64,AAAA"}},
			}}},
		},
	}, testTuple())

	tpl := payload.MessageTemplates[0]
	if tpl.Content != "what is this" {
		t.Fatalf("unexpected text content: %q", tpl.Content)
	}
	if len(tpl.Attachments) != 1 || tpl.Attachments[0].ContentType != "image/png" {
		t.Fatalf("unexpected attachments: %+v", tpl.Attachments)
	}
	if len(tpl.ExperimentalAttachments) != 1 {
		t.Fatal("user attachments must also ride in experimental_attachments")
	}
}

func TestTavernModeMergesSystemPrompts(t *testing.T) {
	cfg := config.Default()
	cfg.TavernModeEnabled = true
	tr := NewTranslator(&cfg, testRegistry(t, ""))

	payload := tr.Build(openai.ChatCompletionRequest{
		Model: "m",
		Messages: []openai.ChatMessage{
			{Role: "system", Content: openai.MessageContent{Text: "one"}},
			userMessage("hi"),
			{Role: "system", Content: openai.MessageContent{Text: "two"}},
		},
	}, testTuple())

	if len(payload.MessageTemplates) != 2 {
		t.Fatalf("expected merged system + user, got %d templates", len(payload.MessageTemplates))
	}
	first := payload.MessageTemplates[0]
	if first.Role != "system" || first.Content != "one\n\ntwo" {
		t.Fatalf("unexpected merged system template: %+v", first)
	}
}

func TestImageAttachmentBypassSplitsLastUserMessage(t *testing.T) {
	cfg := config.Default()
	cfg.ImageAttachmentBypassEnabled = true
	registry := testRegistry(t, `{"m-image": "id-2:image"}`)
	tr := NewTranslator(&cfg, registry)

	payload := tr.Build(openai.ChatCompletionRequest{
		Model: "m-image",
		Messages: []openai.ChatMessage{
			{Role: "user", Content: openai.MessageContent{Parts: []openai.ContentPart{
				{Type: "text", Text: "make it blue"},
				{Type: "image_url", ImageURL: &openai.ImageURLPart{URL: "data:image/png;base64,AAAA"}},
			}}},
		},
	}, testTuple())

	if !payload.IsImageRequest {
		t.Fatal("image class must set is_image_request")
	}
	if len(payload.MessageTemplates) != 2 {
		t.Fatalf("expected attachment/text split, got %d templates", len(payload.MessageTemplates))
	}
	if payload.MessageTemplates[0].Content != " " || len(payload.MessageTemplates[0].Attachments) != 1 {
		t.Fatalf("first split message should carry only the attachment: %+v", payload.MessageTemplates[0])
	}
	if payload.MessageTemplates[1].Content != "make it blue" || len(payload.MessageTemplates[1].Attachments) != 0 {
		t.Fatalf("second split message should carry only the text: %+v", payload.MessageTemplates[1])
	}
}

func TestThinkTagsStrippedFromHistory(t *testing.T) {
	cfg := config.Default()
	cfg.EnableReasoning = true
	cfg.ReasoningOutputMode = config.ReasoningModeThinkTag
	tr := NewTranslator(&cfg, testRegistry(t, ""))

	payload := tr.Build(openai.ChatCompletionRequest{
		Model: "m",
		Messages: []openai.ChatMessage{
			{Role: "assistant", Content: openai.MessageContent{Text: "<think>secret plan</think>\nanswer"}},
			userMessage("next"),
		},
	}, testTuple())

	if payload.MessageTemplates[0].Content != "answer" {
		t.Fatalf("think span should be stripped, got %q", payload.MessageTemplates[0].Content)
	}
}

func TestTargetModelIDOmittedWhenUnknown(t *testing.T) {
	cfg := config.Default()
	tr := NewTranslator(&cfg, testRegistry(t, `{"m-null": "null:text"}`))

	known := tr.Build(openai.ChatCompletionRequest{Model: "m-null", Messages: []openai.ChatMessage{userMessage("x")}}, testTuple())
	if known.TargetModelID != nil {
		t.Fatalf("null id should send no target model id, got %v", *known.TargetModelID)
	}

	unknown := tr.Build(openai.ChatCompletionRequest{Model: "missing", Messages: []openai.ChatMessage{userMessage("x")}}, testTuple())
	if unknown.TargetModelID != nil {
		t.Fatalf("unknown model should send no target model id, got %v", *unknown.TargetModelID)
	}
}
