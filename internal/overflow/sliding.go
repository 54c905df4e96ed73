package overflow

import (
	"math"

	"github.com/samber/lo"
)

// SlidingWindow keeps the longest run of most recent messages whose token sum
// fits in MaxTokens*(1-ReservedRatio).
type SlidingWindow struct {
	budget int
}

func newSlidingWindow(cfg Config) *SlidingWindow {
	// The epsilon absorbs float error in MaxTokens*(1-ReservedRatio).
	budget := int(math.Floor(float64(cfg.MaxTokens)*(1-cfg.ReservedRatio) + 1e-9))
	return &SlidingWindow{budget: budget}
}

func (s *SlidingWindow) Type() Type { return TypeSlidingWindow }
func (s *SlidingWindow) sealed()    {}

// Budget is the effective token budget after the reserve.
func (s *SlidingWindow) Budget() int { return s.budget }

func (s *SlidingWindow) NeedsProcessing(msgs []TokenMessage) bool {
	return totalTokens(msgs) > s.budget
}

func (s *SlidingWindow) Process(msgs []TokenMessage) Result {
	if !s.NeedsProcessing(msgs) {
		return Result{Retained: orEmpty(msgs)}
	}

	start := len(msgs)
	sum := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		if sum+msgs[i].TokenCount > s.budget {
			break
		}
		sum += msgs[i].TokenCount
		start = i
	}
	// A suffix of the input is already oldest first.
	retained := make([]TokenMessage, len(msgs)-start)
	copy(retained, msgs[start:])
	return Result{Retained: retained}
}

func totalTokens(msgs []TokenMessage) int {
	return lo.SumBy(msgs, func(m TokenMessage) int { return m.TokenCount })
}
