package action

// Action is the one decision extracted from an LLM response. The set of
// variants is closed; anything the model produces outside it degrades to
// Unknown so the caller's type switch stays exhaustive.
type Action interface {
	isAction()
}

// Target locates the point an action applies to: either a tagged element id
// (tag mode) or a pixel coordinate relative to the tile it was observed in
// (locate mode).
type Target struct {
	ElementID string
	X, Y      int
	Tile      int // 1-based tile ordinal, locate mode only
}

// Tagged reports whether the target addresses an overlay-tagged element.
func (t Target) Tagged() bool { return t.ElementID != "" }

type Navigate struct {
	URL string
}

type Click struct {
	Target Target
}

type Type struct {
	Target Target
	Text   string
}

// Expectation asserts a condition the model was asked to verify.
type Expectation struct {
	Result  bool
	Comment string
}

// Unknown carries responses that could not be mapped to any other variant.
type Unknown struct {
	Comment string
}

func (Navigate) isAction()    {}
func (Click) isAction()       {}
func (Type) isAction()        {}
func (Expectation) isAction() {}
func (Unknown) isAction()     {}
