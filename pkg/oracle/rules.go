package oracle

import (
	"fmt"
	"os"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"
)

// Rule is one release predicate. Expr is a CEL expression over the variable
// `event` (a map of the fields present on the delivery event) that must
// evaluate to true for payment to be released. Issue is recorded in
// issues_detected when the predicate fails.
type Rule struct {
	Name  string `yaml:"name" json:"name"`
	Expr  string `yaml:"expr" json:"expr"`
	Issue string `yaml:"issue" json:"issue"`
}

// DefaultRules release payment iff the event confirms delivery and the
// temperature flag is not explicitly false.
var DefaultRules = []Rule{
	{
		Name:  "delivery_confirmed",
		Expr:  `event.event_type in ["CARGO_DELIVERED", "CargoDelivered"]`,
		Issue: "Event type is not CARGO_DELIVERED - delivery unconfirmed",
	},
	{
		Name:  "temperature_ok",
		Expr:  `!has(event.temperature_ok) || event.temperature_ok == true`,
		Issue: "Temperature excursion detected during transit",
	},
}

const (
	maxRules    = 20
	maxIssueLen = 256
)

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules reads additional rules from a YAML file of the form
//
//	rules:
//	  - name: weight_in_range
//	    expr: '!has(event.weight_kg) || (event.weight_kg >= 100.0 && event.weight_kg <= 50000.0)'
//	    issue: Weight outside expected range
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules %s: %w", path, err)
	}
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules %s: %w", path, err)
	}
	return f.Rules, nil
}

type compiledRule struct {
	Rule
	prg cel.Program
}

func newRuleEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("event", cel.MapType(cel.StringType, cel.DynType)),
	)
}

func compileRules(env *cel.Env, rules []Rule) ([]compiledRule, error) {
	if len(rules) == 0 {
		return nil, fmt.Errorf("at least one rule is required")
	}
	if len(rules) > maxRules {
		return nil, fmt.Errorf("%d rules configured, at most %d allowed", len(rules), maxRules)
	}
	out := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		if r.Name == "" || r.Expr == "" {
			return nil, fmt.Errorf("rule needs a name and an expression")
		}
		if r.Issue == "" || len(r.Issue) > maxIssueLen {
			return nil, fmt.Errorf("rule %s: issue text must be 1-%d characters", r.Name, maxIssueLen)
		}
		ast, iss := env.Compile(r.Expr)
		if iss != nil && iss.Err() != nil {
			return nil, fmt.Errorf("rule %s: compile: %w", r.Name, iss.Err())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("rule %s: program: %w", r.Name, err)
		}
		out = append(out, compiledRule{Rule: r, prg: prg})
	}
	return out, nil
}

func (r compiledRule) eval(fields map[string]any) (bool, error) {
	out, _, err := r.prg.Eval(map[string]any{"event": fields})
	if err != nil {
		return false, fmt.Errorf("rule %s: %w", r.Name, err)
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		return false, fmt.Errorf("rule %s: expression returned %T, want bool", r.Name, out.Value())
	}
	return ok, nil
}
