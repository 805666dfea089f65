package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/Galenite-GLNT/galenite-site/internal/gateway"
	"github.com/Galenite-GLNT/galenite-site/internal/store"
	"github.com/samber/lo"
	"github.com/ternarybob/arbor"
)

const (
	DefaultSummaryTrigger     = 28
	DefaultSummaryKeepRecent  = 12
	DefaultSummaryMinNew      = 4
	DefaultSummaryTemperature = 0.3

	summaryInstruction = "Summarize the conversation below for your own future reference. " +
		"Keep the facts, decisions and preferences the user stated, and any open questions. " +
		"Reply with the summary only, in the language of the conversation, in at most 200 words."
)

type SummaryPolicy struct {
	Trigger     int
	KeepRecent  int
	MinNew      int
	Model       string
	Temperature *float32
}

func (p SummaryPolicy) withDefaults() SummaryPolicy {
	if p.Trigger <= 0 {
		p.Trigger = DefaultSummaryTrigger
	}
	if p.KeepRecent <= 0 {
		p.KeepRecent = DefaultSummaryKeepRecent
	}
	if p.MinNew <= 0 {
		p.MinNew = DefaultSummaryMinNew
	}
	if p.Model == "" {
		p.Model = DefaultModel
	}
	if p.Temperature == nil {
		p.Temperature = lo.ToPtr(float32(DefaultSummaryTemperature))
	}
	return p
}

// Summarizer condenses older history into a rolling chat summary.
type Summarizer struct {
	gw     gateway.Completer
	policy SummaryPolicy
	logger arbor.ILogger
}

func NewSummarizer(gw gateway.Completer, policy SummaryPolicy, logger arbor.ILogger) *Summarizer {
	return &Summarizer{gw: gw, policy: policy.withDefaults(), logger: logger}
}

// Due reports whether a history of total messages needs a new summary.
func (s *Summarizer) Due(total, lastSummarized int) bool {
	return total > s.policy.Trigger && total-lastSummarized >= s.policy.MinNew
}

// Portion returns the messages a summary covers: all but the most recent ones.
func (s *Summarizer) Portion(history []store.Message) []store.Message {
	n := len(history) - s.policy.KeepRecent
	if n <= 0 {
		return nil
	}
	return history[:n]
}

func (s *Summarizer) Summarize(ctx context.Context, msgs []store.Message) (string, error) {
	if len(msgs) == 0 {
		return "", fmt.Errorf("nothing to summarize")
	}

	var transcript strings.Builder
	for _, m := range msgs {
		speaker := "User"
		switch m.Role {
		case store.RoleAssistant:
			speaker = "Galen"
		case store.RoleSystem:
			speaker = "System"
		}
		fmt.Fprintf(&transcript, "%s: %s\n\n", speaker, strings.TrimSpace(m.Content))
	}

	summary, err := s.gw.Complete(ctx, gateway.Request{
		Model: s.policy.Model,
		Messages: []gateway.Message{
			{Role: string(store.RoleSystem), Content: summaryInstruction},
			{Role: string(store.RoleUser), Content: strings.TrimSpace(transcript.String())},
		},
		Temperature: *s.policy.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("failed to summarize conversation: %w", err)
	}

	s.logger.Debug().Int("messages", len(msgs)).Int("summary_length", len(summary)).Msg("Conversation summarized")
	return strings.TrimSpace(summary), nil
}
