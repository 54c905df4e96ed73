package overflow

// Summarize keeps the newest threshold messages and hands the older ones
// back for folding into the rolling summary. It never calls a model itself.
type Summarize struct {
	threshold int
}

func (s *Summarize) Type() Type { return TypeSummarize }
func (s *Summarize) sealed()    {}

// Threshold is the number of messages kept in the window.
func (s *Summarize) Threshold() int { return s.threshold }

func (s *Summarize) NeedsProcessing(msgs []TokenMessage) bool {
	return len(msgs) > s.threshold
}

func (s *Summarize) Process(msgs []TokenMessage) Result {
	if !s.NeedsProcessing(msgs) {
		return Result{Retained: orEmpty(msgs)}
	}
	cut := len(msgs) - s.threshold
	folded := make([]TokenMessage, cut)
	copy(folded, msgs[:cut])
	kept := make([]TokenMessage, s.threshold)
	copy(kept, msgs[cut:])
	return Result{Retained: kept, Summarize: folded}
}
