package models

// PhaseRun is one execution of a phase handed to a runner.
type PhaseRun struct {
	FlowID   int64
	FlowType FlowType
	Phase    Phase
	// Attempt counts from 1; retries increment it.
	Attempt int
	State   map[string]any
}

// PhaseOutput is what a runner produced for a phase. Updates are merged
// into the flow state before the decision is made. A non-empty Failure is
// recorded as a critical flow error.
type PhaseOutput struct {
	Result  PhaseResult
	Updates map[string]any
	Failure string
	Logs    []string
}
