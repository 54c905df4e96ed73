package overflow

// None keeps every message.
type None struct{}

func (None) Type() Type                          { return TypeNone }
func (None) NeedsProcessing([]TokenMessage) bool { return false }
func (None) sealed()                             {}

func (None) Process(msgs []TokenMessage) Result {
	return Result{Retained: orEmpty(msgs)}
}
