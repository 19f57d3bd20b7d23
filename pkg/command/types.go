// Package command implements the approval pipeline for machine control
// actions: proposals pass governance at intake, wait for an operator,
// and every transition lands on a hash-chained audit trail.
package command

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/roastops/company-kernel/pkg/governance"
)

// Status is the proposal lifecycle state.
type Status string

const (
	StatusPendingApproval Status = "PENDING_APPROVAL"
	StatusApproved        Status = "APPROVED"
	StatusRejected        Status = "REJECTED"
	StatusExecuting       Status = "EXECUTING"
	StatusCompleted       Status = "COMPLETED"
	StatusFailed          Status = "FAILED"
	StatusAborted         Status = "ABORTED"
	StatusExpired         Status = "EXPIRED"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusCompleted, StatusFailed, StatusAborted, StatusExpired:
		return true
	}
	return false
}

// Sentinel errors; the HTTP layer maps state conflicts to 409.
var (
	ErrNotFound       = errors.New("proposal not found")
	ErrNotPending     = errors.New("proposal is not pending approval")
	ErrNotApproved    = errors.New("proposal is not approved")
	ErrNotExecuting   = errors.New("proposal is not executing")
	ErrNotAbortable   = errors.New("proposal cannot be aborted in its current state")
	ErrExpired        = errors.New("proposal has expired")
	ErrConflict       = errors.New("concurrent update conflict")
	ErrUnknownCommand  = errors.New("unknown command type")
	ErrOutOfBounds     = errors.New("target value outside safety bounds")
	ErrApprovalBlocked = errors.New("governance blocks this command")
)

// Spec bounds one command type. Min and Max are inclusive.
type Spec struct {
	Unit string  `json:"unit,omitempty"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
}

// specs is the closed set of controllable machine parameters.
var specs = map[string]Spec{
	"SET_HEAT":       {Unit: "%", Min: 0, Max: 100},
	"SET_FAN":        {Unit: "%", Min: 0, Max: 100},
	"SET_DRUM_SPEED": {Unit: "rpm", Min: 20, Max: 80},
	"DROP":           {},
}

// SpecFor returns the safety spec for a command type.
func SpecFor(commandType string) (Spec, bool) {
	s, ok := specs[commandType]
	return s, ok
}

// CheckSafety validates the command type and its target value against
// the safety bounds.
func CheckSafety(commandType string, targetValue float64) error {
	spec, ok := SpecFor(commandType)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, commandType)
	}
	if targetValue < spec.Min || targetValue > spec.Max {
		return fmt.Errorf("%w: %s=%g, bounds [%g, %g]", ErrOutOfBounds,
			commandType, targetValue, spec.Min, spec.Max)
	}
	return nil
}

// Constraints are client-supplied execution bounds carried alongside the
// server safety spec. MinValue and MaxValue tighten the target check at
// intake; the rest travel with the proposal for the executor to honor.
type Constraints struct {
	MinValue           *float64 `json:"minValue,omitempty"`
	MaxValue           *float64 `json:"maxValue,omitempty"`
	RampRate           *float64 `json:"rampRate,omitempty"`
	RequireStates      []string `json:"requireStates,omitempty"`
	MinIntervalSeconds *int     `json:"minIntervalSeconds,omitempty"`
	MaxDailyCount      *int     `json:"maxDailyCount,omitempty"`
}

// Check rejects a target value outside the requested min/max. A nil
// receiver means no constraints were supplied.
func (c *Constraints) Check(commandType string, targetValue float64) error {
	if c == nil {
		return nil
	}
	if c.MinValue != nil && targetValue < *c.MinValue {
		return fmt.Errorf("%w: %s=%g below requested minimum %g", ErrOutOfBounds,
			commandType, targetValue, *c.MinValue)
	}
	if c.MaxValue != nil && targetValue > *c.MaxValue {
		return fmt.Errorf("%w: %s=%g above requested maximum %g", ErrOutOfBounds,
			commandType, targetValue, *c.MaxValue)
	}
	return nil
}

// ExecutionResult is the worker-reported outcome of an executed command.
type ExecutionResult struct {
	Error string         `json:"error,omitempty"`
	Meta  map[string]any `json:"meta,omitempty"`
}

// Proposal is a control action moving through the approval pipeline.
type Proposal struct {
	ID          string  `json:"proposalId"`
	MachineID   string  `json:"machineId"`
	SessionID   string  `json:"sessionId,omitempty"`
	CommandType string       `json:"commandType"`
	TargetValue float64      `json:"targetValue"`
	Unit        string       `json:"unit,omitempty"`
	Constraints *Constraints `json:"constraints,omitempty"`
	Reason      string       `json:"reason,omitempty"`

	ProposedBy string               `json:"proposedBy"`
	ActorKind  governance.ActorKind `json:"actorKind"`

	Status     Status               `json:"status"`
	Governance *governance.Decision `json:"governance,omitempty"`

	DecidedBy    string           `json:"decidedBy,omitempty"`
	DecisionNote string           `json:"decisionNote,omitempty"`
	ExecutedBy   string           `json:"executedBy,omitempty"`
	Result       *ExecutionResult `json:"result,omitempty"`

	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	DecidedAt  *time.Time `json:"decidedAt,omitempty"`
	ExecutedAt *time.Time `json:"executedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// ProposeInput is a new command submission.
type ProposeInput struct {
	MachineID   string       `json:"machineId"`
	SessionID   string       `json:"sessionId,omitempty"`
	CommandType string       `json:"commandType"`
	TargetValue float64      `json:"targetValue"`
	Constraints *Constraints `json:"constraints,omitempty"`
	Reason      string       `json:"reason,omitempty"`
}

// Filter selects proposals for listing.
type Filter struct {
	MachineID string
	SessionID string
	Statuses  []Status
	Limit     int
}

// Stats is the recent execution history the governance engine sees.
type Stats struct {
	Completed         int
	Failed            int
	CommandsInSession int
}

// FailureRate is failed over all finished commands in the window; zero
// when nothing finished yet.
func (s Stats) FailureRate() float64 {
	total := s.Completed + s.Failed
	if total == 0 {
		return 0
	}
	return float64(s.Failed) / float64(total)
}

// DefaultApprovalTTL bounds how long a proposal waits for an operator.
const DefaultApprovalTTL = 5 * time.Minute

// NewID generates a proposal id: C-<YYYYMMDDHHMMSS>-<hex6>.
func NewID(now time.Time) string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return fmt.Sprintf("C-%s-%s", now.UTC().Format("20060102150405"), hex)
}
