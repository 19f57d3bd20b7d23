package governor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/roastops/company-kernel/pkg/store"
)

// configSchema rejects unknown fields and malformed shapes before a
// document reaches the store. Semantics (positive capacities, compiling
// deny rules) are checked separately in Validate.
const configSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "rateLimits": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "additionalProperties": false,
        "properties": {
          "capacity": {"type": "number"},
          "refillPerSec": {"type": "number"}
        },
        "required": ["capacity", "refillPerSec"]
      }
    },
    "gates": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "additionalProperties": false,
        "properties": {
          "minTelemetryPoints": {"type": "integer", "minimum": 0},
          "minDurationSec": {"type": "number", "minimum": 0},
          "requireBTorET": {"type": "boolean"},
          "quarantineOnMissingSignals": {"type": "boolean"},
          "quarantineOnSilenceClose": {"type": "boolean"}
        }
      }
    },
    "policy": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "allowedGoals": {"type": "array", "items": {"type": "string"}},
        "denyRule": {"type": "string"}
      }
    },
    "commandAutonomy": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "autonomyLevel": {"type": "string", "enum": ["L1", "L2", "L3", "L4", "L5"]},
        "requireApprovalForAll": {"type": "boolean"},
        "commandFailureThreshold": {"type": "number", "minimum": 0, "maximum": 1},
        "maxCommandsPerSession": {"type": "integer", "minimum": 0},
        "evaluationWindowMinutes": {"type": "integer", "minimum": 1}
      }
    },
    "version": {"type": "integer", "minimum": 1},
    "updatedAt": {"type": "string"}
  }
}`

// Store reads and writes the governor config document.
type Store struct {
	store  *store.Store
	schema *jsonschema.Schema
	logger *slog.Logger
}

// NewStore compiles the config schema and returns the store.
func NewStore(s *store.Store, logger *slog.Logger) (*Store, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://kernel.schemas.local/governor_config.schema.json"
	if err := c.AddResource(url, strings.NewReader(configSchema)); err != nil {
		return nil, fmt.Errorf("governor schema load: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("governor schema compile: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{store: s, schema: compiled, logger: logger}, nil
}

// GetConfig returns the stored config merged over defaults. A missing or
// malformed document yields the defaults; admission never fails open on
// bad operator input.
func (gs *Store) GetConfig(ctx context.Context) Config {
	def := Default()

	raw, ok, err := gs.store.GetSetting(ctx, SettingKey)
	if err != nil {
		gs.logger.Warn("governor config read failed, using defaults", "error", err)
		return def
	}
	if !ok {
		return def
	}

	var stored Config
	if err := json.Unmarshal(raw, &stored); err != nil {
		gs.logger.Warn("governor config malformed, using defaults", "error", err)
		return def
	}
	return merge(def, stored)
}

// SetConfig validates, merges with defaults, bumps the version, and
// persists the document. The merged result is returned.
func (gs *Store) SetConfig(ctx context.Context, raw []byte, now time.Time) (Config, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := gs.schema.Validate(doc); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}

	var in Config
	if err := json.Unmarshal(raw, &in); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := Validate(in); err != nil {
		return Config{}, err
	}

	current := gs.GetConfig(ctx)
	merged := merge(current, in)
	merged.Version = current.Version + 1
	merged.UpdatedAt = now.UTC()

	out, err := json.Marshal(merged)
	if err != nil {
		return Config{}, fmt.Errorf("encode config: %w", err)
	}
	if err := gs.store.PutSetting(ctx, SettingKey, out, now); err != nil {
		return Config{}, err
	}

	gs.logger.Info("governor config updated", "version", merged.Version)
	return merged, nil
}

// Validate checks semantic constraints the JSON schema cannot express.
func Validate(c Config) error {
	for goal, r := range c.RateLimits {
		if r.Capacity <= 0 {
			return fmt.Errorf("rateLimits[%s]: capacity must be positive", goal)
		}
		if r.RefillPerSec < 0 {
			return fmt.Errorf("rateLimits[%s]: refillPerSec must not be negative", goal)
		}
	}
	if rule := c.Policy.DenyRule; rule != "" {
		if err := checkDenyRule(rule); err != nil {
			return fmt.Errorf("policy.denyRule: %w", err)
		}
	}
	return nil
}

// checkDenyRule compiles the CEL expression and requires a boolean result.
func checkDenyRule(rule string) error {
	env, err := cel.NewEnv(
		cel.Variable("goal", cel.StringType),
		cel.Variable("orgId", cel.StringType),
		cel.Variable("siteId", cel.StringType),
		cel.Variable("machineId", cel.StringType),
		cel.Variable("params", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return err
	}
	ast, issues := env.Compile(rule)
	if issues != nil && issues.Err() != nil {
		return issues.Err()
	}
	if ast.OutputType() != cel.BoolType {
		return fmt.Errorf("must evaluate to a boolean, got %s", ast.OutputType())
	}
	return nil
}
