// Package translate transforms OpenAI chat requests into the message
// template payload the in-browser agent replays against the upstream UI.
package translate

import (
	"fmt"
	"log"
	"mime"
	"path"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/lumabridge/lumabridge/internal/config"
	"github.com/lumabridge/lumabridge/internal/models"
	"github.com/lumabridge/lumabridge/internal/openai"
	"github.com/lumabridge/lumabridge/internal/session"
)

// Attachment is one file reference attached to a message template.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	URL         string `json:"url"`
}

// MessageTemplate is one turn of the upstream retry payload.
type MessageTemplate struct {
	Role                    string       `json:"role"`
	Content                 string       `json:"content"`
	Attachments             []Attachment `json:"attachments"`
	ExperimentalAttachments []Attachment `json:"experimental_attachments,omitempty"`
	ParticipantPosition     string       `json:"participantPosition"`
}

// Payload is the task body handed to the agent.
type Payload struct {
	IsImageRequest   bool              `json:"is_image_request,omitempty"`
	MessageTemplates []MessageTemplate `json:"message_templates"`
	TargetModelID    *string           `json:"target_model_id"`
	SessionID        string            `json:"session_id"`
	MessageID        string            `json:"message_id"`
}

// TaskMessage is the server→agent task envelope.
type TaskMessage struct {
	RequestID string  `json:"request_id"`
	Payload   Payload `json:"payload"`
}

var (
	markdownImagePattern = regexp.MustCompile(`!\[([^\]]*)\]\(([^)]+)\)`)
	thinkTagPattern      = regexp.MustCompile(`(?s)<think>.*?</think>\s*`)
)

// Translator builds upstream payloads according to the configured modes.
type Translator struct {
	cfg      *config.Config
	registry *models.Registry
}

// NewTranslator builds a translator over the model registry.
func NewTranslator(cfg *config.Config, registry *models.Registry) *Translator {
	return &Translator{cfg: cfg, registry: registry}
}

// Build converts an OpenAI request plus a resolved session tuple into the
// upstream payload.
func (t *Translator) Build(req openai.ChatCompletionRequest, tuple session.Tuple) Payload {
	messages := make([]openai.ChatMessage, len(req.Messages))
	copy(messages, req.Messages)

	t.stripReasoningHistory(messages)
	normalizeRoles(messages)

	templates := make([]MessageTemplate, 0, len(messages)+1)
	for _, msg := range messages {
		templates = append(templates, processMessage(msg))
	}

	if t.cfg.TavernModeEnabled {
		templates = mergeSystemTemplates(templates)
	}

	class := t.registry.ClassFor(req.Model)
	var targetModelID *string
	if m, ok := t.registry.Lookup(req.Model); ok && m.ID != "" {
		id := m.ID
		targetModelID = &id
	} else if !ok {
		log.Printf("[WARN] translate: model %q not in registry, sending without target model id", req.Model)
	}

	if t.cfg.ImageAttachmentBypassEnabled && class == models.ClassImage {
		templates = splitLastUserImageMessage(templates)
	}

	if t.bypassAppliesTo(class) {
		preset := t.cfg.ActiveBypassPreset()
		templates = append(templates, MessageTemplate{
			Role:                preset.Role,
			Content:             preset.Content,
			ParticipantPosition: preset.ParticipantPosition,
			Attachments:         []Attachment{},
		})
	}

	applyParticipantPositions(templates, t.mode(tuple), t.battleTarget(tuple))

	return Payload{
		IsImageRequest:   class == models.ClassImage,
		MessageTemplates: templates,
		TargetModelID:    targetModelID,
		SessionID:        tuple.SessionID,
		MessageID:        tuple.MessageID,
	}
}

// bypassAppliesTo implements the policy: the global toggle is
// authoritative; a per-class override may only disable; absent per-class
// config, image and search default off.
func (t *Translator) bypassAppliesTo(class models.Class) bool {
	if !t.cfg.BypassEnabled {
		return false
	}
	if enabled, ok := t.cfg.BypassSettings[string(class)]; ok {
		return enabled
	}
	if class == models.ClassImage || class == models.ClassSearch {
		return false
	}
	return true
}

func (t *Translator) mode(tuple session.Tuple) string {
	if tuple.Mode != "" {
		return tuple.Mode
	}
	return t.cfg.IDUpdaterLastMode
}

func (t *Translator) battleTarget(tuple session.Tuple) string {
	if tuple.BattleTarget != "" {
		return strings.ToLower(tuple.BattleTarget)
	}
	return strings.ToLower(t.cfg.IDUpdaterBattleTarget)
}

// stripReasoningHistory removes <think> spans from assistant history so the
// model does not see its own prior chain of thought. Only meaningful in
// think-tag mode; the openai mode keeps reasoning out of content entirely.
func (t *Translator) stripReasoningHistory(messages []openai.ChatMessage) {
	if !t.cfg.StripReasoningFromHistory || !t.cfg.EnableReasoning {
		return
	}
	if t.cfg.ReasoningOutputMode != config.ReasoningModeThinkTag {
		return
	}
	for i, msg := range messages {
		if msg.Role != "assistant" || msg.Content.IsList() {
			continue
		}
		cleaned := strings.TrimSpace(thinkTagPattern.ReplaceAllString(msg.Content.Text, ""))
		if cleaned != msg.Content.Text {
			messages[i].Content.Text = cleaned
		}
	}
}

func normalizeRoles(messages []openai.ChatMessage) {
	for i := range messages {
		if messages[i].Role == "developer" {
			messages[i].Role = "system"
		}
	}
}

// processMessage separates text from attachments. Assistant markdown images
// become experimental attachments so the model can see its earlier outputs
// on the next turn; user list-part images become regular attachments.
func processMessage(msg openai.ChatMessage) MessageTemplate {
	tpl := MessageTemplate{Role: msg.Role, Attachments: []Attachment{}}

	switch {
	case msg.Role == "assistant" && !msg.Content.IsList():
		matches := markdownImagePattern.FindAllStringSubmatch(msg.Content.Text, -1)
		if len(matches) > 0 {
			tpl.Content = strings.TrimSpace(markdownImagePattern.ReplaceAllString(msg.Content.Text, ""))
			for _, m := range matches {
				tpl.ExperimentalAttachments = append(tpl.ExperimentalAttachments, attachmentFromURL(m[2]))
			}
		} else {
			tpl.Content = msg.Content.Text
		}

	case msg.Content.IsList():
		var texts []string
		for _, part := range msg.Content.Parts {
			switch part.Type {
			case "text":
				if part.Text != "" {
					texts = append(texts, part.Text)
				}
			case "image_url":
				if part.ImageURL == nil || part.ImageURL.URL == "" {
					continue
				}
				att := attachmentFromURL(part.ImageURL.URL)
				if part.ImageURL.Detail != "" {
					att.Name = part.ImageURL.Detail
				}
				if msg.Role == "assistant" {
					tpl.ExperimentalAttachments = append(tpl.ExperimentalAttachments, att)
				} else {
					tpl.Attachments = append(tpl.Attachments, att)
				}
			}
		}
		tpl.Content = strings.Join(texts, "\n\n")

	default:
		tpl.Content = msg.Content.Text
	}

	// The upstream rejects empty user turns.
	if tpl.Role == "user" && strings.TrimSpace(tpl.Content) == "" {
		tpl.Content = " "
	}

	// User attachments ride in experimental_attachments as well.
	if tpl.Role == "user" && len(tpl.Attachments) > 0 {
		tpl.ExperimentalAttachments = append([]Attachment{}, tpl.Attachments...)
	}
	return tpl
}

func attachmentFromURL(url string) Attachment {
	contentType := "image/jpeg"
	switch {
	case strings.HasPrefix(url, "data:"):
		if mediatype, _, ok := strings.Cut(strings.TrimPrefix(url, "data:"), ";"); ok && mediatype != "" {
			contentType = mediatype
		} else {
			contentType = "image/png"
		}
	case strings.HasPrefix(url, "http"):
		if guessed := mime.TypeByExtension(path.Ext(strings.Split(url, "?")[0])); guessed != "" {
			contentType = guessed
		}
	}

	name := ""
	if !strings.HasPrefix(url, "data:") && strings.Contains(url, "/") {
		name = strings.Split(path.Base(url), "?")[0]
	}
	if name == "" || !strings.Contains(name, ".") {
		ext := "png"
		if _, sub, ok := strings.Cut(contentType, "/"); ok && sub != "" {
			ext = sub
		}
		name = fmt.Sprintf("image_%s.%s", uuid.NewString(), ext)
	}
	return Attachment{Name: name, ContentType: contentType, URL: url}
}

// mergeSystemTemplates implements tavern mode: all system prompts collapse
// into one leading system template.
func mergeSystemTemplates(templates []MessageTemplate) []MessageTemplate {
	var systems []string
	var others []MessageTemplate
	for _, tpl := range templates {
		if tpl.Role == "system" {
			if tpl.Content != "" {
				systems = append(systems, tpl.Content)
			}
			continue
		}
		others = append(others, tpl)
	}
	merged := strings.Join(systems, "\n\n")
	if merged == "" {
		return others
	}
	out := make([]MessageTemplate, 0, len(others)+1)
	out = append(out, MessageTemplate{Role: "system", Content: merged, Attachments: []Attachment{}})
	return append(out, others...)
}

// splitLastUserImageMessage implements the image-class attachment bypass:
// the newest user turn carrying image attachments is split into an
// attachment-only message (which becomes history) followed by a text-only
// message carrying the actual request.
func splitLastUserImageMessage(templates []MessageTemplate) []MessageTemplate {
	idx := -1
	for i := len(templates) - 1; i >= 0; i-- {
		if templates[i].Role == "user" {
			idx = i
			break
		}
	}
	if idx == -1 {
		return templates
	}
	last := templates[idx]

	hasImage := false
	for _, att := range last.Attachments {
		if strings.HasPrefix(att.ContentType, "image/") {
			hasImage = true
			break
		}
	}
	if !hasImage || strings.TrimSpace(last.Content) == "" {
		return templates
	}

	imageOnly := MessageTemplate{
		Role:                    "user",
		Content:                 " ",
		Attachments:             last.Attachments,
		ExperimentalAttachments: last.Attachments,
	}
	textOnly := MessageTemplate{
		Role:        "user",
		Content:     last.Content,
		Attachments: []Attachment{},
	}

	out := make([]MessageTemplate, 0, len(templates)+1)
	out = append(out, templates[:idx]...)
	out = append(out, imageOnly, textOnly)
	return append(out, templates[idx+1:]...)
}

// applyParticipantPositions stamps each template with the side the upstream
// expects: in battle mode everything follows the chosen assistant; in
// direct chat system prompts sit on 'b' and the conversation on 'a'.
func applyParticipantPositions(templates []MessageTemplate, mode, battleTarget string) {
	for i := range templates {
		switch {
		case templates[i].Role == "system" && mode != config.ModeBattle:
			templates[i].ParticipantPosition = "b"
		case mode == config.ModeBattle:
			templates[i].ParticipantPosition = battleTarget
		default:
			templates[i].ParticipantPosition = "a"
		}
	}
}
