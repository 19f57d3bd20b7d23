package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// missionCreateSchema guards POST /missions. Unknown fields are rejected
// before the body reaches the service.
const missionCreateSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["goal"],
  "properties": {
    "missionId": {"type": "string"},
    "idempotencyKey": {"type": "string"},
    "goal": {"type": "string"},
    "params": {"type": ["object", "null"]},
    "context": {
      "type": ["object", "null"],
      "additionalProperties": false,
      "properties": {
        "orgId": {"type": "string"},
        "siteId": {"type": "string"},
        "machineId": {"type": "string"}
      }
    },
    "subjectId": {"type": "string"},
    "maxAttempts": {"type": "integer", "minimum": 1},
    "signals": {
      "type": ["object", "null"],
      "additionalProperties": false,
      "properties": {
        "session": {
          "type": ["object", "null"],
          "additionalProperties": false,
          "properties": {
            "telemetryPoints": {"type": "integer", "minimum": 0},
            "durationSec": {"type": "number", "minimum": 0},
            "hasBT": {"type": "boolean"},
            "hasET": {"type": "boolean"},
            "closeReason": {"type": "string"}
          }
        }
      }
    }
  }
}`

// proposalCreateSchema guards POST /proposals.
const proposalCreateSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["machineId", "commandType"],
  "properties": {
    "machineId": {"type": "string"},
    "sessionId": {"type": "string"},
    "commandType": {"type": "string"},
    "targetValue": {"type": "number"},
    "constraints": {
      "type": ["object", "null"],
      "additionalProperties": false,
      "properties": {
        "minValue": {"type": "number"},
        "maxValue": {"type": "number"},
        "rampRate": {"type": "number", "minimum": 0},
        "requireStates": {"type": "array", "items": {"type": "string"}},
        "minIntervalSeconds": {"type": "integer", "minimum": 0},
        "maxDailyCount": {"type": "integer", "minimum": 0}
      }
    },
    "reason": {"type": "string"}
  }
}`

var (
	missionCreateCompiled  = mustCompileSchema("mission_create.schema.json", missionCreateSchema)
	proposalCreateCompiled = mustCompileSchema("command_proposal.schema.json", proposalCreateSchema)
)

func mustCompileSchema(name, raw string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := "https://kernel.schemas.local/" + name
	if err := c.AddResource(url, strings.NewReader(raw)); err != nil {
		panic(fmt.Sprintf("schema %s: %v", name, err))
	}
	compiled, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("schema %s: %v", name, err))
	}
	return compiled
}

// decodeValidated reads the body, checks it against the schema, and
// unmarshals it into v.
func decodeValidated(r *http.Request, schema *jsonschema.Schema, v any) error {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("invalid body: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}
