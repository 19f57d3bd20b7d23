package governance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roastops/company-kernel/pkg/governor"
	"github.com/roastops/company-kernel/pkg/ratelimit"
)

// Engine is the policy decision point for missions and commands.
type Engine struct {
	config  *governor.Store
	limiter *ratelimit.Limiter
	deny    *denyRule
	logger  *slog.Logger
}

// NewEngine wires the engine to the governor config and the durable
// admission limiter.
func NewEngine(cfg *governor.Store, limiter *ratelimit.Limiter, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{config: cfg, limiter: limiter, deny: newDenyRule(), logger: logger}
}

// EvaluateMission runs policy, gate, and rate-limit admission in order;
// the first failing step wins. Step order matters: a blocked goal never
// consumes a rate-limit token.
func (e *Engine) EvaluateMission(ctx context.Context, in MissionInput, now time.Time) (MissionVerdict, error) {
	cfg := e.config.GetConfig(ctx)
	decided := decisionStamp(now)

	// 1. Policy: goal allowlist plus optional CEL deny rule.
	if !cfg.GoalAllowed(in.Goal) {
		return MissionVerdict{
			Status: VerdictBlocked,
			Decision: Decision{
				Action:     ActionBlock,
				Confidence: ConfidenceLow,
				Reasons:    []Reason{{Code: ReasonGoalNotAllowed, Details: map[string]any{"goal": in.Goal}}},
				DecidedAt:  decided.DecidedAt,
				DecidedBy:  decided.DecidedBy,
			},
		}, nil
	}
	if cfg.Policy.DenyRule != "" {
		denied, err := e.deny.eval(cfg.Policy.DenyRule, in)
		if err != nil {
			// A rule that passed validation but fails at runtime is an
			// operator error; log and admit rather than wedging intake.
			e.logger.Warn("deny rule evaluation failed", "error", err)
		} else if denied {
			return MissionVerdict{
				Status: VerdictBlocked,
				Decision: Decision{
					Action:     ActionBlock,
					Confidence: ConfidenceLow,
					Reasons:    []Reason{{Code: ReasonGoalNotAllowed, Details: map[string]any{"denyRule": true}}},
					DecidedAt:  decided.DecidedAt,
					DecidedBy:  decided.DecidedBy,
				},
			}, nil
		}
	}

	// 2. Goal-specific gate.
	confidence := ConfidenceLow
	if gate, ok := cfg.GateFor(in.Goal); ok {
		reasons := evaluateGate(gate, in.Signals)
		if len(reasons) > 0 {
			return MissionVerdict{
				Status: VerdictQuarantined,
				Decision: Decision{
					Action:     ActionQuarantine,
					Confidence: ConfidenceLow,
					Reasons:    reasons,
					DecidedAt:  decided.DecidedAt,
					DecidedBy:  decided.DecidedBy,
				},
			}, nil
		}
		confidence = gradeConfidence(in.Signals)
	}

	// 3. Rate limit on the org/site/machine scope.
	res, err := e.limiter.Take(ctx, ScopeKey(in.OrgID, in.SiteID, in.MachineID), in.Goal, cfg.RateRuleFor(in.Goal), now)
	if err != nil {
		return MissionVerdict{}, fmt.Errorf("rate limit take: %w", err)
	}
	if !res.Allowed {
		details := map[string]any{}
		if res.NextRetryAt != nil {
			details["nextRetryAt"] = res.NextRetryAt.UTC().Format(time.RFC3339Nano)
		}
		return MissionVerdict{
			Status:      VerdictRetry,
			NextRetryAt: res.NextRetryAt,
			Decision: Decision{
				Action:     ActionRetryLater,
				Confidence: confidence,
				Reasons:    []Reason{{Code: ReasonRateLimited, Details: details}},
				DecidedAt:  decided.DecidedAt,
				DecidedBy:  decided.DecidedBy,
			},
		}, nil
	}

	return MissionVerdict{
		Status: VerdictPending,
		Decision: Decision{
			Action:     ActionAllow,
			Confidence: confidence,
			DecidedAt:  decided.DecidedAt,
			DecidedBy:  decided.DecidedBy,
		},
	}, nil
}

// CheckPolicy reports whether a goal would pass the allowlist and deny
// rule. It consumes no rate-limit token and ignores gate signals.
func (e *Engine) CheckPolicy(ctx context.Context, in MissionInput) (bool, []Reason) {
	cfg := e.config.GetConfig(ctx)
	if !cfg.GoalAllowed(in.Goal) {
		return false, []Reason{{Code: ReasonGoalNotAllowed, Details: map[string]any{"goal": in.Goal}}}
	}
	if cfg.Policy.DenyRule != "" {
		denied, err := e.deny.eval(cfg.Policy.DenyRule, in)
		if err != nil {
			e.logger.Warn("deny rule evaluation failed", "error", err)
		} else if denied {
			return false, []Reason{{Code: ReasonGoalNotAllowed, Details: map[string]any{"denyRule": true}}}
		}
	}
	return true, nil
}

// evaluateGate collects every failing threshold so the operator sees the
// whole picture, not just the first miss.
func evaluateGate(gate governor.Gate, sig *Signals) []Reason {
	var session *SessionSignals
	if sig != nil {
		session = sig.Session
	}

	var reasons []Reason

	if signalsAbsent(session) {
		if gate.QuarantineOnMissingSignals {
			reasons = append(reasons, Reason{Code: ReasonMissingSignals})
		}
		return reasons
	}

	if session.TelemetryPoints != nil && *session.TelemetryPoints < gate.MinTelemetryPoints {
		reasons = append(reasons, Reason{Code: ReasonLowTelemetryPoints, Details: map[string]any{
			"telemetryPoints": *session.TelemetryPoints,
			"min":             gate.MinTelemetryPoints,
		}})
	}
	if session.DurationSec != nil && *session.DurationSec < gate.MinDurationSec {
		reasons = append(reasons, Reason{Code: ReasonShortSession, Details: map[string]any{
			"durationSec": *session.DurationSec,
			"min":         gate.MinDurationSec,
		}})
	}
	if gate.RequireBTorET && !boolVal(session.HasBT) && !boolVal(session.HasET) {
		reasons = append(reasons, Reason{Code: ReasonNoTempChannels})
	}
	if session.CloseReason == CloseReasonSilence && gate.QuarantineOnSilenceClose && !strongSession(gate, session) {
		reasons = append(reasons, Reason{Code: ReasonSilenceClose})
	}
	return reasons
}

// strongSession exempts silence-closed sessions whose evidence is well
// above threshold (2x on both points and duration).
func strongSession(gate governor.Gate, s *SessionSignals) bool {
	points := 0
	if s.TelemetryPoints != nil {
		points = *s.TelemetryPoints
	}
	duration := 0.0
	if s.DurationSec != nil {
		duration = *s.DurationSec
	}
	return points >= 2*gate.MinTelemetryPoints && duration >= 2*gate.MinDurationSec
}

// Confidence thresholds for admitted report missions.
const (
	highConfidencePoints   = 300
	highConfidenceDuration = 360.0
)

func gradeConfidence(sig *Signals) Confidence {
	if sig == nil || sig.Session == nil {
		return ConfidenceLow
	}
	s := sig.Session
	points := 0
	if s.TelemetryPoints != nil {
		points = *s.TelemetryPoints
	}
	duration := 0.0
	if s.DurationSec != nil {
		duration = *s.DurationSec
	}
	if points >= highConfidencePoints && duration >= highConfidenceDuration && boolVal(s.HasBT) {
		return ConfidenceHigh
	}
	if boolVal(s.HasBT) || boolVal(s.HasET) {
		return ConfidenceMed
	}
	return ConfidenceLow
}

func signalsAbsent(s *SessionSignals) bool {
	return s == nil || (s.TelemetryPoints == nil && s.DurationSec == nil &&
		s.HasBT == nil && s.HasET == nil && s.CloseReason == "")
}

func boolVal(b *bool) bool { return b != nil && *b }

// ScopeKey derives the rate-limit partition from the mission context,
// substituting stable placeholders for missing fields.
func ScopeKey(orgID, siteID, machineID string) string {
	if orgID == "" {
		orgID = "unknown-org"
	}
	if siteID == "" {
		siteID = "unknown-site"
	}
	if machineID == "" {
		machineID = "unknown-machine"
	}
	return orgID + "/" + siteID + "/" + machineID
}

func decisionStamp(now time.Time) Decision {
	return Decision{DecidedAt: now.UTC(), DecidedBy: DecidedByGovernor}
}

// EvaluateCommand applies the autonomy ladder, then the machine health
// checks. Ladder blocks short-circuit; health blocks override an ALLOW.
func (e *Engine) EvaluateCommand(ctx context.Context, in CommandInput, cctx CommandContext, now time.Time) Decision {
	cfg := e.config.GetConfig(ctx)
	auto := cfg.CommandAutonomy
	decided := decisionStamp(now)

	var allowed Decision
	switch auto.AutonomyLevel {
	case governor.AutonomyL1:
		return Decision{
			Action:    ActionBlock,
			Reasons:   []Reason{{Code: ReasonAutonomyLevelTooLow}},
			DecidedAt: decided.DecidedAt, DecidedBy: decided.DecidedBy,
		}
	case governor.AutonomyL2:
		if in.ActorKind == ActorAgent {
			return Decision{
				Action:    ActionBlock,
				Reasons:   []Reason{{Code: ReasonAgentCommandsBlocked}},
				DecidedAt: decided.DecidedAt, DecidedBy: decided.DecidedBy,
			}
		}
		allowed = Decision{
			Action:    ActionAllow,
			Reasons:   []Reason{{Code: ReasonManualCommandAllowed}},
			DecidedAt: decided.DecidedAt, DecidedBy: decided.DecidedBy,
		}
	default:
		// L3 and above: allowed, operator approval still required.
		// L4/L5 are treated as L3 until graduated autonomy ships.
		allowed = Decision{
			Action:    ActionAllow,
			Reasons:   []Reason{{Code: ReasonApprovalRequired}},
			DecidedAt: decided.DecidedAt, DecidedBy: decided.DecidedBy,
		}
	}

	if cctx.RecentFailureRate > auto.CommandFailureThreshold {
		return Decision{
			Action: ActionBlock,
			Reasons: []Reason{{Code: ReasonHighFailureRate, Details: map[string]any{
				"recentFailureRate": cctx.RecentFailureRate,
				"threshold":         auto.CommandFailureThreshold,
			}}},
			DecidedAt: decided.DecidedAt, DecidedBy: decided.DecidedBy,
		}
	}
	if auto.MaxCommandsPerSession > 0 && cctx.CommandsInSession >= auto.MaxCommandsPerSession {
		return Decision{
			Action: ActionBlock,
			Reasons: []Reason{{Code: ReasonSessionCommandLimit, Details: map[string]any{
				"commandsInSession": cctx.CommandsInSession,
				"max":               auto.MaxCommandsPerSession,
			}}},
			DecidedAt: decided.DecidedAt, DecidedBy: decided.DecidedBy,
		}
	}

	return allowed
}
