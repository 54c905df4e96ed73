package window

import (
	"context"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"

	errUtils "github.com/apexion-ai/chatcore/errors"
	"github.com/apexion-ai/chatcore/internal/overflow"
	"github.com/apexion-ai/chatcore/internal/provider"
)

// Summarizer folds evicted messages into the rolling summary.
type Summarizer interface {
	// Summarize merges previousSummary (may be empty) with msgs, oldest first,
	// and returns the new summary.
	Summarize(ctx context.Context, previousSummary string, msgs []overflow.TokenMessage) (string, error)
}

// LLMSummarizer asks a provider for the summary.
type LLMSummarizer struct {
	Provider provider.Provider
	Model    string // optional: a cheaper model. Empty = provider default.
}

const summarizePrompt = `Summarize the conversation above for continuity. Include:
- What the user wants and any constraints they stated
- Facts, names and numbers that later turns may refer to
- Decisions made and questions still open
Be concise. Max 500 words.`

func (s *LLMSummarizer) Summarize(ctx context.Context, previousSummary string, msgs []overflow.TokenMessage) (string, error) {
	var prompt strings.Builder
	if previousSummary != "" {
		fmt.Fprintf(&prompt, "Previous conversation summary:\n%s\n\nMerge it with the conversation above.\n\n", previousSummary)
	}
	prompt.WriteString(summarizePrompt)

	req := &provider.ChatRequest{
		Model:     s.Model,
		MaxTokens: 1024,
	}
	req.Messages = append(req.Messages, provider.Message{
		Role:    provider.RoleSystem,
		Content: "You are a conversation summarizer. Produce a concise, structured summary of the conversation.",
	})
	for _, m := range msgs {
		role := provider.RoleAssistant
		if m.Role == string(provider.RoleUser) {
			role = provider.RoleUser
		}
		req.Messages = append(req.Messages, provider.Message{Role: role, Content: m.Content})
	}
	req.Messages = append(req.Messages, provider.Message{Role: provider.RoleUser, Content: prompt.String()})

	if req.Model == "" {
		req.Model = s.Provider.DefaultModel()
	}

	events, err := s.Provider.Chat(ctx, req)
	if err != nil {
		return "", errors.Wrap(err, "summarize")
	}

	var result strings.Builder
	for event := range events {
		switch event.Type {
		case provider.EventTextDelta:
			result.WriteString(event.TextDelta)
		case provider.EventError:
			go provider.Drain(events)
			return "", errors.Wrap(event.Error, "summarize stream")
		}
	}

	summary := strings.TrimSpace(result.String())
	if summary == "" {
		return "", errUtils.ErrEmptySummary
	}
	return summary, nil
}
