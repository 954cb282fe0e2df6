package models

import "time"

type FlowStatus string

const (
	FlowStatusPending   FlowStatus = "pending"
	FlowStatusRunning   FlowStatus = "running"
	FlowStatusPaused    FlowStatus = "paused"
	FlowStatusComplete  FlowStatus = "complete"
	FlowStatusFailed    FlowStatus = "failed"
	FlowStatusCancelled FlowStatus = "cancelled"
)

func (s FlowStatus) Finished() bool {
	return s == FlowStatusComplete || s == FlowStatusFailed || s == FlowStatusCancelled
}

type Flow struct {
	ID            int64
	CreatedAt     time.Time
	CompletedAt   *time.Time
	FlowType      FlowType
	CurrentPhase  Phase
	Status        FlowStatus
	ScriptPath    string
	WorkspacePath string
	Error         string
}

// DecisionRecord is one journal entry: the phase that ran, what it
// produced, and what the engine decided.
type DecisionRecord struct {
	ID          string
	FlowID      int64
	SequenceNum int
	Phase       Phase
	Result      PhaseResult
	Decision    Decision
}
