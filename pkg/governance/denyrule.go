package governance

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// denyRule compiles and caches the optional policy.denyRule expression.
// The cache is keyed by source text so a config update invalidates it
// naturally.
type denyRule struct {
	mu       sync.Mutex
	source   string
	program  cel.Program
	env      *cel.Env
	buildErr error
}

func newDenyRule() *denyRule {
	env, err := cel.NewEnv(
		cel.Variable("goal", cel.StringType),
		cel.Variable("orgId", cel.StringType),
		cel.Variable("siteId", cel.StringType),
		cel.Variable("machineId", cel.StringType),
		cel.Variable("params", cel.MapType(cel.StringType, cel.DynType)),
	)
	return &denyRule{env: env, buildErr: err}
}

// eval returns true when the rule denies the mission.
func (d *denyRule) eval(source string, in MissionInput) (bool, error) {
	if d.buildErr != nil {
		return false, d.buildErr
	}

	prg, err := d.compile(source)
	if err != nil {
		return false, err
	}

	params := in.Params
	if params == nil {
		params = map[string]any{}
	}
	out, _, err := prg.Eval(map[string]any{
		"goal":      in.Goal,
		"orgId":     in.OrgID,
		"siteId":    in.SiteID,
		"machineId": in.MachineID,
		"params":    params,
	})
	if err != nil {
		return false, fmt.Errorf("deny rule eval: %w", err)
	}
	denied, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("deny rule returned %T, want bool", out.Value())
	}
	return denied, nil
}

func (d *denyRule) compile(source string) (cel.Program, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.program != nil && d.source == source {
		return d.program, nil
	}

	ast, issues := d.env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("deny rule compile: %w", issues.Err())
	}
	prg, err := d.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("deny rule program: %w", err)
	}
	d.source = source
	d.program = prg
	return prg, nil
}
