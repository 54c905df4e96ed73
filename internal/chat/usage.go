package chat

import (
	"strings"
	"sync"
)

// ModelPricing holds per-million-token pricing for a model.
type ModelPricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// SessionUsage is the accumulated token usage of one session.
type SessionUsage struct {
	Turns        int     `json:"turns"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Cost         float64 `json:"cost_usd"`
}

// UsageTracker accumulates provider-reported usage and dollar cost per session
// for completed turns.
type UsageTracker struct {
	mu       sync.Mutex
	sessions map[string]*SessionUsage
	pricing  map[string]ModelPricing
}

// NewUsageTracker uses the default pricing plus overrides.
func NewUsageTracker(overrides map[string]ModelPricing) *UsageTracker {
	pricing := DefaultPricing()
	for k, v := range overrides {
		pricing[k] = v
	}
	return &UsageTracker{sessions: make(map[string]*SessionUsage), pricing: pricing}
}

// DefaultPricing returns built-in pricing for well-known models.
func DefaultPricing() map[string]ModelPricing {
	return map[string]ModelPricing{
		"claude-sonnet-4-20250514":  {3.0, 15.0},
		"claude-haiku-4-5-20251001": {0.80, 4.0},
		"gpt-4o":                    {2.50, 10.0},
		"gpt-4o-mini":               {0.15, 0.60},
		"gpt-4.1":                   {2.0, 8.0},
		"gpt-4.1-mini":              {0.40, 1.60},
		"deepseek-chat":             {0.27, 1.10},
		"qwen-plus":                 {0.40, 1.20},
	}
}

// Record adds one turn and returns its cost.
func (u *UsageTracker) Record(sessionID, model string, inputTokens, outputTokens int) float64 {
	u.mu.Lock()
	defer u.mu.Unlock()

	cost := u.cost(model, inputTokens, outputTokens)
	s, ok := u.sessions[sessionID]
	if !ok {
		s = &SessionUsage{}
		u.sessions[sessionID] = s
	}
	s.Turns++
	s.InputTokens += inputTokens
	s.OutputTokens += outputTokens
	s.Cost += cost
	return cost
}

// Session returns the usage of a session; the zero value if none was recorded.
func (u *UsageTracker) Session(sessionID string) SessionUsage {
	u.mu.Lock()
	defer u.mu.Unlock()
	if s, ok := u.sessions[sessionID]; ok {
		return *s
	}
	return SessionUsage{}
}

// Forget drops a session's usage.
func (u *UsageTracker) Forget(sessionID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.sessions, sessionID)
}

// cost must be called with the lock held.
func (u *UsageTracker) cost(model string, inputTokens, outputTokens int) float64 {
	p, ok := u.pricing[model]
	if !ok {
		// Versioned names such as "gpt-4o-2024-08-06" match the longest known prefix.
		best := ""
		for name, pricing := range u.pricing {
			if strings.HasPrefix(model, name) && len(name) > len(best) {
				best, p, ok = name, pricing, true
			}
		}
	}
	if !ok {
		return 0
	}
	return float64(inputTokens)*p.InputPerMillion/1_000_000 +
		float64(outputTokens)*p.OutputPerMillion/1_000_000
}
