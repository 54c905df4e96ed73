// Package prompt assembles the provider request for one chat turn from the
// active window, the rolling summary and the new user message.
package prompt

import (
	"strings"
	"unicode/utf8"

	"github.com/samber/lo"

	"github.com/apexion-ai/chatcore/internal/provider"
	"github.com/apexion-ai/chatcore/internal/session"
)

const (
	DefaultSummaryDisclaimer  = "The following is a summary of our earlier conversation. It may omit details:\n\n"
	DefaultRelevanceMinLength = 30
)

// DefaultHistoryKeywords are back-references that make a short message
// depend on earlier turns.
var DefaultHistoryKeywords = []string{"previous", "earlier", "continue", "之前", "刚才", "继续"}

// Options tunes the summary injection heuristic.
type Options struct {
	SummaryDisclaimer  string
	RelevanceMinLength int // in characters
	HistoryKeywords    []string
}

// Assembler builds provider requests. It does no token counting; the window
// it receives is already within budget.
type Assembler struct {
	disclaimer string
	minLength  int
	keywords   []string
}

// NewAssembler fills unset options with the defaults.
func NewAssembler(opts Options) *Assembler {
	a := &Assembler{
		disclaimer: opts.SummaryDisclaimer,
		minLength:  opts.RelevanceMinLength,
	}
	if a.disclaimer == "" {
		a.disclaimer = DefaultSummaryDisclaimer
	}
	if a.minLength <= 0 {
		a.minLength = DefaultRelevanceMinLength
	}
	keywords := opts.HistoryKeywords
	if len(keywords) == 0 {
		keywords = DefaultHistoryKeywords
	}
	a.keywords = lo.Map(keywords, func(kw string, _ int) string { return strings.ToLower(kw) })
	return a
}

// Input is everything one turn contributes to the request.
type Input struct {
	History      []*session.Message // active window, oldest first
	Summary      string
	UserMessage  string
	SystemPrompt string
	Model        string
	Temperature  *float64
	TopP         *float64
}

// Build orders the turns as system prompt, summary, history, then the new
// user message.
func (a *Assembler) Build(in Input) *provider.ChatRequest {
	msgs := make([]provider.Message, 0, len(in.History)+3)

	if in.SystemPrompt != "" {
		msgs = append(msgs, provider.Message{Role: provider.RoleSystem, Content: in.SystemPrompt})
	}
	if in.Summary != "" && a.HistoryRelevant(in.UserMessage) {
		msgs = append(msgs, provider.Message{Role: provider.RoleAssistant, Content: a.disclaimer + in.Summary})
	}
	for _, m := range in.History {
		msgs = append(msgs, provider.Message{Role: turnRole(m.Role), Content: m.Content})
	}
	msgs = append(msgs, provider.Message{Role: provider.RoleUser, Content: in.UserMessage})

	return &provider.ChatRequest{
		Model:       in.Model,
		Messages:    msgs,
		Temperature: in.Temperature,
		TopP:        in.TopP,
	}
}

// HistoryRelevant reports whether msg likely depends on earlier context:
// it is longer than the minimum length or mentions a back-reference keyword.
func (a *Assembler) HistoryRelevant(msg string) bool {
	if utf8.RuneCountInString(msg) > a.minLength {
		return true
	}
	lower := strings.ToLower(msg)
	for _, kw := range a.keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// turnRole maps stored roles to request turns; anything not from the user
// was a prior reply.
func turnRole(r session.Role) provider.Role {
	if r == session.RoleUser {
		return provider.RoleUser
	}
	return provider.RoleAssistant
}
