package core

// GateDecision is the sufficiency gate's verdict after a collect pass.
type GateDecision string

const (
	GateAdvance GateDecision = "advance"
	GateLoop    GateDecision = "loop"
)

// GateConfig holds the early-exit thresholds.
type GateConfig struct {
	MinTools      int
	MinConfidence float64
	KeyTools      []string
}

// DecideGate is a pure function from collection facts to a decision. The
// iteration cap always wins: once collectionIteration reaches the max the
// gate advances no matter what the verdict says.
func DecideGate(s Sufficiency, toolsCalled int, keyToolCalled bool, collectionIteration, maxCollectionIterations int, cfg GateConfig) GateDecision {
	if s.Sufficient {
		return GateAdvance
	}
	if toolsCalled >= cfg.MinTools && s.Confidence >= cfg.MinConfidence {
		return GateAdvance
	}
	if toolsCalled >= 1 && keyToolCalled && s.Confidence >= 0.5 {
		return GateAdvance
	}
	if collectionIteration < maxCollectionIterations {
		return GateLoop
	}
	return GateAdvance
}

// DecideGateForState derives the gate inputs from a run state.
func DecideGateForState(state *RunState, cfg GateConfig) GateDecision {
	var s Sufficiency
	if state.Sufficiency != nil {
		s = *state.Sufficiency
	}
	keyCalled := false
	for _, tool := range cfg.KeyTools {
		if state.Called(tool) {
			keyCalled = true
			break
		}
	}
	return DecideGate(s, state.ToolsCalled(), keyCalled, state.CollectionIteration, state.MaxCollectionIterations, cfg)
}
