package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/agentscm/pkg/delivery"
	"github.com/Mindburn-Labs/agentscm/pkg/finance"
	"github.com/Mindburn-Labs/agentscm/pkg/sanitize"
)

// DefaultInvoiceAmount is approved when neither the event nor the invoice
// declares an amount.
const DefaultInvoiceAmount = 15000.0

// MaxReasoningLen bounds the reasoning text of a rule-based decision.
const MaxReasoningLen = 2048

// RuleBasedOracle is a deterministic oracle with no external dependency. It
// keeps the pipeline operable and testable without a live model.
type RuleBasedOracle struct {
	rules []compiledRule
}

// NewRuleBasedOracle compiles DefaultRules followed by extra.
func NewRuleBasedOracle(extra ...Rule) (*RuleBasedOracle, error) {
	env, err := newRuleEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	all := append(append([]Rule{}, DefaultRules...), extra...)
	compiled, err := compileRules(env, all)
	if err != nil {
		return nil, err
	}
	return &RuleBasedOracle{rules: compiled}, nil
}

func (o *RuleBasedOracle) Name() string { return "rule-based" }

// Evaluate runs every rule and derives the decision and its reasoning from
// the same predicate results.
func (o *RuleBasedOracle) Evaluate(ctx context.Context, ev delivery.Event, inv *delivery.Invoice) (RawDecision, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{Oracle: o.Name(), Err: err}
	}

	fields := ev.Fields()
	issues := []string{}
	for _, r := range o.rules {
		ok, err := r.eval(fields)
		if err != nil {
			return nil, &Error{Oracle: o.Name(), Err: err}
		}
		if !ok {
			issues = append(issues, r.Issue)
		}
	}
	release := len(issues) == 0

	p := proposal{
		ReleasePayment: release,
		Currency:       string(finance.PrimaryAsset),
		IssuesDetected: issues,
	}
	if release {
		p.ApprovedAmount = finance.Clamp(declaredAmount(ev, inv))
		where := sanitize.PromptString(ev.Where())
		if where == "" {
			where = "unknown"
		}
		p.Reasoning = fmt.Sprintf(
			"Cargo delivered to %s. All %d settlement checks passed; payment release approved under the autonomous settlement rules.",
			where, len(o.rules))
	} else {
		p.Reasoning = sanitize.Truncate(fmt.Sprintf("Payment withheld: %s.", strings.Join(issues, "; ")), MaxReasoningLen)
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return nil, &Error{Oracle: o.Name(), Err: err}
	}
	return RawDecision(raw), nil
}

func declaredAmount(ev delivery.Event, inv *delivery.Invoice) float64 {
	if ev.InvoiceAmount != nil {
		return *ev.InvoiceAmount
	}
	if inv != nil && inv.Amount > 0 {
		return inv.Amount
	}
	return DefaultInvoiceAmount
}
