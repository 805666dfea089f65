package core

import (
	"fmt"
	"strings"

	"github.com/Galenite-GLNT/galenite-site/internal/gateway"
	"github.com/Galenite-GLNT/galenite-site/internal/store"
	"github.com/samber/lo"
)

const (
	DefaultContextWindow   = 14
	DefaultChatTemperature = 0.6
	DefaultModel           = "gpt-4o-mini"

	DefaultSystemPrompt = "You are Galen, the central intelligence of the Galenite ecosystem. " +
		"You speak with calm confidence and help the user reason through problems. " +
		"Answer in the language the user writes in. Be concise unless asked for depth, " +
		"use Markdown for structure and never invent facts you are unsure about."
)

// PromptPolicy configures the payload. A nil Temperature takes the default;
// zero is a valid setting.
type PromptPolicy struct {
	SystemPrompt  string
	Model         string
	Temperature   *float32
	ContextWindow int
}

func (p PromptPolicy) withDefaults() PromptPolicy {
	if p.SystemPrompt == "" {
		p.SystemPrompt = DefaultSystemPrompt
	}
	if p.Model == "" {
		p.Model = DefaultModel
	}
	if p.Temperature == nil {
		p.Temperature = lo.ToPtr(float32(DefaultChatTemperature))
	}
	if p.ContextWindow <= 0 {
		p.ContextWindow = DefaultContextWindow
	}
	return p
}

// PromptBuilder assembles the outbound completion payload for a chat.
type PromptBuilder struct {
	policy PromptPolicy
}

func NewPromptBuilder(policy PromptPolicy) *PromptBuilder {
	return &PromptBuilder{policy: policy.withDefaults()}
}

// Build returns the payload: base prompt, the user's own instruction, the
// cached summary, then the most recent messages of history.
func (b *PromptBuilder) Build(history []store.Message, chat *store.Chat, profile *store.Profile, focus string) gateway.Request {
	messages := []gateway.Message{{Role: string(store.RoleSystem), Content: b.policy.SystemPrompt}}

	if profile != nil && strings.TrimSpace(profile.DefaultPrompt) != "" {
		messages = append(messages, gateway.Message{
			Role:    string(store.RoleSystem),
			Content: "User instruction: " + strings.TrimSpace(profile.DefaultPrompt),
		})
	}
	if chat != nil && strings.TrimSpace(chat.Summary) != "" {
		messages = append(messages, gateway.Message{
			Role:    string(store.RoleSystem),
			Content: "Summary of the earlier conversation:\n" + strings.TrimSpace(chat.Summary),
		})
	}

	recent := history
	if len(recent) > b.policy.ContextWindow {
		recent = recent[len(recent)-b.policy.ContextWindow:]
	}
	for _, m := range recent {
		messages = append(messages, toGatewayMessage(m))
	}

	return gateway.Request{
		Model:       b.policy.Model,
		Messages:    messages,
		Attachments: latestAttachments(recent),
		Focus:       focus,
		Temperature: *b.policy.Temperature,
	}
}

func toGatewayMessage(m store.Message) gateway.Message {
	out := gateway.Message{Role: string(m.Role), Content: m.Content}
	var sections []string
	if m.Content != "" {
		sections = append(sections, m.Content)
	}
	for _, a := range m.Attachments {
		switch a.Type {
		case store.AttachmentImage:
			if a.DataURL != "" {
				out.Images = append(out.Images, a.DataURL)
			}
		case store.AttachmentPDF:
			sections = append(sections, pdfSection(a))
		}
	}
	out.Content = strings.Join(sections, "\n\n")
	return out
}

func pdfSection(a store.Attachment) string {
	header := fmt.Sprintf("[PDF: %s", a.Name)
	if a.PageCount > 0 {
		header += fmt.Sprintf(", %d pages", a.PageCount)
	}
	header += "]"
	if a.PDFText == "" {
		return header + "\n(no extracted text available)"
	}
	return header + "\n" + a.PDFText
}

// latestAttachments describes the files on the newest user message.
func latestAttachments(history []store.Message) []gateway.Attachment {
	last, _, ok := lo.FindLastIndexOf(history, func(m store.Message) bool { return m.Role == store.RoleUser })
	if !ok || len(last.Attachments) == 0 {
		return nil
	}
	return lo.Map(last.Attachments, func(a store.Attachment, _ int) gateway.Attachment {
		return gateway.Attachment{Type: string(a.Type), Name: a.Name, MIME: a.MIME, Size: a.Size, PageCount: a.PageCount}
	})
}
