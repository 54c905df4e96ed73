// Package overflow bounds a conversation under a token or message budget.
//
// A Strategy is a pure function over an ordered message list (oldest first).
// It decides which messages stay in the active window and, for Summarize,
// which evicted messages should be folded into the rolling summary.
package overflow

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"

	errUtils "github.com/apexion-ai/chatcore/errors"
)

// Type selects a strategy.
type Type string

const (
	TypeNone          Type = "none"
	TypeSlidingWindow Type = "sliding_window"
	TypeSummarize     Type = "summarize"
)

// Config is the immutable strategy configuration.
type Config struct {
	Type Type `yaml:"strategy"`

	// MaxTokens is the window budget (sliding_window).
	MaxTokens int `yaml:"max_tokens"`

	// ReservedRatio is the fraction of MaxTokens kept free for the next turn
	// (sliding_window), in [0, 1).
	ReservedRatio float64 `yaml:"reserved_ratio"`

	// SummaryThreshold is the message count above which older messages are
	// folded into the summary (summarize).
	SummaryThreshold int `yaml:"summary_threshold"`
}

// Validate rejects malformed configurations.
func (c Config) Validate() error {
	if c.MaxTokens < 0 || c.SummaryThreshold < 0 || c.ReservedRatio < 0 {
		return errors.Wrap(errUtils.ErrInvalidOverflowConfig, "values must not be negative")
	}
	switch c.Type {
	case TypeNone:
	case TypeSlidingWindow:
		if c.MaxTokens <= 0 {
			return errors.Wrap(errUtils.ErrInvalidOverflowConfig, "max_tokens must be positive")
		}
		if c.ReservedRatio >= 1 {
			return errors.Wrap(errUtils.ErrInvalidOverflowConfig, "reserved_ratio must be below 1")
		}
	case TypeSummarize:
		if c.SummaryThreshold <= 0 {
			return errors.Wrap(errUtils.ErrInvalidOverflowConfig, "summary_threshold must be positive")
		}
	default:
		return errors.Wrapf(errUtils.ErrInvalidOverflowConfig, "unknown strategy %q", c.Type)
	}
	return nil
}

// TokenMessage is the projection of a stored message a strategy works on.
type TokenMessage struct {
	ID         string
	Role       string
	Content    string
	TokenCount int
	CreatedAt  time.Time
}

// Result is the outcome of a strategy run. Both lists are oldest first.
type Result struct {
	Retained []TokenMessage

	// Summarize holds the evicted messages that should be folded into the
	// rolling summary. Only the summarize strategy fills it.
	Summarize []TokenMessage
}

// Strategy is implemented by None, SlidingWindow and Summarize only.
type Strategy interface {
	Type() Type

	// NeedsProcessing is a cheap pre-check; when false, Process would return
	// its input unchanged.
	NeedsProcessing(msgs []TokenMessage) bool

	Process(msgs []TokenMessage) Result

	sealed()
}

// New validates cfg and returns the matching strategy.
func New(cfg Config) (Strategy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Type {
	case TypeSlidingWindow:
		return newSlidingWindow(cfg), nil
	case TypeSummarize:
		return &Summarize{threshold: cfg.SummaryThreshold}, nil
	default:
		return None{}, nil
	}
}

// IDs returns the ids of msgs in order.
func IDs(msgs []TokenMessage) []string {
	return lo.Map(msgs, func(m TokenMessage, _ int) string { return m.ID })
}

func orEmpty(msgs []TokenMessage) []TokenMessage {
	if msgs == nil {
		return []TokenMessage{}
	}
	return msgs
}
