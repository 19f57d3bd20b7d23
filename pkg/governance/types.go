// Package governance evaluates missions and command proposals against
// the governor config and produces structured, auditable decisions.
package governance

import "time"

// Action is the admission outcome family.
type Action string

const (
	ActionAllow      Action = "ALLOW"
	ActionQuarantine Action = "QUARANTINE"
	ActionBlock      Action = "BLOCK"
	ActionRetryLater Action = "RETRY_LATER"
)

// Confidence grades how strong the admission evidence was.
type Confidence string

const (
	ConfidenceLow  Confidence = "LOW"
	ConfidenceMed  Confidence = "MED"
	ConfidenceHigh Confidence = "HIGH"
)

// ReasonCode is a closed enum so clients and tests can switch on codes
// without string pattern matching.
type ReasonCode string

const (
	ReasonGoalNotAllowed       ReasonCode = "GOAL_NOT_ALLOWED"
	ReasonMissingSignals       ReasonCode = "MISSING_SIGNALS"
	ReasonLowTelemetryPoints   ReasonCode = "LOW_TELEMETRY_POINTS"
	ReasonShortSession         ReasonCode = "SHORT_SESSION"
	ReasonNoTempChannels       ReasonCode = "NO_TEMP_CHANNELS"
	ReasonSilenceClose         ReasonCode = "SILENCE_CLOSE"
	ReasonRateLimited          ReasonCode = "RATE_LIMITED"
	ReasonHumanApproval        ReasonCode = "HUMAN_APPROVAL"
	ReasonManualRetryNow       ReasonCode = "MANUAL_RETRY_NOW"
	ReasonAutonomyLevelTooLow  ReasonCode = "AUTONOMY_LEVEL_TOO_LOW"
	ReasonAgentCommandsBlocked ReasonCode = "AGENT_COMMANDS_NOT_ALLOWED"
	ReasonManualCommandAllowed ReasonCode = "MANUAL_COMMAND_ALLOWED"
	ReasonApprovalRequired     ReasonCode = "APPROVAL_REQUIRED"
	ReasonHighFailureRate      ReasonCode = "HIGH_FAILURE_RATE"
	ReasonSessionCommandLimit  ReasonCode = "SESSION_COMMAND_LIMIT"
)

// DecidedByGovernor stamps machine decisions; DecidedByHuman stamps
// operator approvals.
const (
	DecidedByGovernor = "KERNEL_GOVERNOR"
	DecidedByHuman    = "HUMAN"
)

// Reason is one structured cause inside a decision.
type Reason struct {
	Code    ReasonCode     `json:"code"`
	Details map[string]any `json:"details,omitempty"`
}

// Decision is the governance verdict attached to a mission or proposal.
type Decision struct {
	Action     Action     `json:"action"`
	Confidence Confidence `json:"confidence,omitempty"`
	Reasons    []Reason   `json:"reasons,omitempty"`
	DecidedAt  time.Time  `json:"decidedAt"`
	DecidedBy  string     `json:"decidedBy"`
}

// HasReason reports whether the decision carries the given code.
func (d Decision) HasReason(code ReasonCode) bool {
	for _, r := range d.Reasons {
		if r.Code == code {
			return true
		}
	}
	return false
}

// SessionSignals is the admission evidence about a roast session.
// Pointer fields distinguish "absent" from zero.
type SessionSignals struct {
	TelemetryPoints *int     `json:"telemetryPoints,omitempty"`
	DurationSec     *float64 `json:"durationSec,omitempty"`
	HasBT           *bool    `json:"hasBT,omitempty"`
	HasET           *bool    `json:"hasET,omitempty"`
	CloseReason     string   `json:"closeReason,omitempty"`
}

// CloseReasonSilence marks sessions that ended because telemetry went
// quiet rather than by an explicit roast end.
const CloseReasonSilence = "SILENCE_CLOSE"

// Signals is the full evidence envelope on a mission.
type Signals struct {
	Session *SessionSignals `json:"session,omitempty"`
}

// MissionInput is the slice of a mission the engine needs. The engine
// never sees the mission row itself, which keeps evaluation deterministic
// for identical inputs.
type MissionInput struct {
	Goal      string
	OrgID     string
	SiteID    string
	MachineID string
	Params    map[string]any
	Signals   *Signals
}

// MissionVerdict is the admission outcome: the decision to record plus
// the initial mission status it implies.
type MissionVerdict struct {
	Decision    Decision
	Status      string // one of the Verdict* constants
	NextRetryAt *time.Time
}

// Admission statuses a verdict can assign. The mission package owns the
// full lifecycle enum; these mirror its admission subset.
const (
	VerdictPending     = "PENDING"
	VerdictQuarantined = "QUARANTINED"
	VerdictBlocked     = "BLOCKED"
	VerdictRetry       = "RETRY"
)

// ActorKind identifies the class of principal proposing a command.
type ActorKind string

const (
	ActorUser   ActorKind = "USER"
	ActorAgent  ActorKind = "AGENT"
	ActorSystem ActorKind = "SYSTEM"
)

// CommandInput is a command proposal under evaluation.
type CommandInput struct {
	CommandType string
	MachineID   string
	ActorKind   ActorKind
}

// CommandContext carries recent execution statistics for the machine,
// computed over the governor's evaluation window.
type CommandContext struct {
	RecentFailureRate float64
	CommandsInSession int
}
