// Package governor holds the versioned admission policy for the kernel.
// The config lives as a single JSON document under kernel_settings and
// always resolves to a complete value: missing or malformed state falls
// back to built-in defaults, and partial updates merge field by field.
package governor

import (
	"time"

	"github.com/roastops/company-kernel/pkg/ratelimit"
)

// SettingKey is the kernel_settings key the config is stored under.
const SettingKey = "governor_config"

// GoalRoastReport is the goal admitted by the default policy.
const GoalRoastReport = "generate-roast-report"

// Gate holds admission thresholds for a goal.
type Gate struct {
	MinTelemetryPoints         int     `json:"minTelemetryPoints"`
	MinDurationSec             float64 `json:"minDurationSec"`
	RequireBTorET              bool    `json:"requireBTorET"`
	QuarantineOnMissingSignals bool    `json:"quarantineOnMissingSignals"`
	QuarantineOnSilenceClose   bool    `json:"quarantineOnSilenceClose"`
}

// AutonomyLevel is the operator-chosen band for command execution.
type AutonomyLevel string

const (
	AutonomyL1 AutonomyLevel = "L1" // observe only, no commands
	AutonomyL2 AutonomyLevel = "L2" // manual commands only
	AutonomyL3 AutonomyLevel = "L3" // agent commands with approval
	AutonomyL4 AutonomyLevel = "L4"
	AutonomyL5 AutonomyLevel = "L5"
)

// CommandAutonomy bounds agent-proposed control actions.
type CommandAutonomy struct {
	AutonomyLevel           AutonomyLevel `json:"autonomyLevel"`
	RequireApprovalForAll   bool          `json:"requireApprovalForAll"`
	CommandFailureThreshold float64       `json:"commandFailureThreshold"`
	MaxCommandsPerSession   int           `json:"maxCommandsPerSession"`
	EvaluationWindowMinutes int           `json:"evaluationWindowMinutes"`
}

// Policy is the goal allowlist plus an optional CEL deny rule evaluated
// over {goal, orgId, siteId, machineId, params}.
type Policy struct {
	AllowedGoals []string `json:"allowedGoals"`
	DenyRule     string   `json:"denyRule,omitempty"`
}

// Config is the full governor document.
type Config struct {
	RateLimits      map[string]ratelimit.Rule `json:"rateLimits"`
	Gates           map[string]Gate           `json:"gates"`
	Policy          Policy                    `json:"policy"`
	CommandAutonomy CommandAutonomy           `json:"commandAutonomy"`
	Version         int                       `json:"version"`
	UpdatedAt       time.Time                 `json:"updatedAt,omitempty"`
}

// Default returns the built-in config used when no document is stored.
func Default() Config {
	return Config{
		RateLimits: map[string]ratelimit.Rule{
			GoalRoastReport: {Capacity: 10, RefillPerSec: 10.0 / 3600.0},
		},
		Gates: map[string]Gate{
			GoalRoastReport: {
				MinTelemetryPoints:         30,
				MinDurationSec:             60,
				RequireBTorET:              true,
				QuarantineOnMissingSignals: true,
				QuarantineOnSilenceClose:   true,
			},
		},
		Policy: Policy{
			AllowedGoals: []string{GoalRoastReport},
		},
		CommandAutonomy: CommandAutonomy{
			AutonomyLevel:           AutonomyL3,
			RequireApprovalForAll:   true,
			CommandFailureThreshold: 0.5,
			MaxCommandsPerSession:   20,
			EvaluationWindowMinutes: 60,
		},
		Version: 1,
	}
}

// RateRuleFor resolves the bucket rule for a goal, falling back to the
// default goal's rule so unknown goals are still bounded.
func (c Config) RateRuleFor(goal string) ratelimit.Rule {
	if r, ok := c.RateLimits[goal]; ok {
		return r
	}
	if r, ok := c.RateLimits[GoalRoastReport]; ok {
		return r
	}
	return ratelimit.Rule{Capacity: 10, RefillPerSec: 10.0 / 3600.0}
}

// GateFor resolves the gate for a goal; ok is false when the goal has no
// gate and admission should pass straight through.
func (c Config) GateFor(goal string) (Gate, bool) {
	g, ok := c.Gates[goal]
	return g, ok
}

// GoalAllowed reports whether the goal is in the policy allowlist.
func (c Config) GoalAllowed(goal string) bool {
	for _, g := range c.Policy.AllowedGoals {
		if g == goal {
			return true
		}
	}
	return false
}

// merge overlays the stored or submitted value onto the defaults so a
// document missing whole sections still yields a usable config.
func merge(base, in Config) Config {
	out := base
	if in.RateLimits != nil {
		out.RateLimits = in.RateLimits
	}
	if in.Gates != nil {
		out.Gates = in.Gates
	}
	if in.Policy.AllowedGoals != nil {
		out.Policy.AllowedGoals = in.Policy.AllowedGoals
	}
	out.Policy.DenyRule = in.Policy.DenyRule
	if in.CommandAutonomy.AutonomyLevel != "" {
		out.CommandAutonomy = in.CommandAutonomy
	}
	if in.Version > 0 {
		out.Version = in.Version
	}
	return out
}
