// Package guardrail is the non-bypassable gate between an oracle and money
// movement. It re-checks every field of a raw decision against a fixed JSON
// Schema and then decodes it into a typed Decision with explicit bound
// checks. A failing decision is rejected, never corrected.
package guardrail

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/agentscm/pkg/finance"
	"github.com/Mindburn-Labs/agentscm/pkg/oracle"
)

// Decision is an oracle decision that passed every guardrail.
type Decision struct {
	ReleasePayment bool
	Reasoning      string
	ApprovedAmount float64
	Currency       finance.Asset
	IssuesDetected []string
}

// Violation reports the first guardrail a decision failed.
type Violation struct {
	Field  string
	Reason string
}

func (v *Violation) Error() string {
	if v.Field == "" {
		return "AI decision rejected: " + v.Reason
	}
	return fmt.Sprintf("AI decision rejected: %s: %s", v.Field, v.Reason)
}

// Validator holds the compiled decision schema. It is safe for concurrent use.
type Validator struct {
	schema *jsonschema.Schema
}

// New compiles the decision schema.
func New() (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, strings.NewReader(decisionSchema)); err != nil {
		return nil, fmt.Errorf("guardrail schema load failed: %w", err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("guardrail schema compile failed: %w", err)
	}
	return &Validator{schema: compiled}, nil
}

var defaultValidator = func() *Validator {
	v, err := New()
	if err != nil {
		panic(err)
	}
	return v
}()

// Validate checks raw with the package validator.
func Validate(raw oracle.RawDecision) (Decision, error) {
	return defaultValidator.Validate(raw)
}

// wireDecision uses pointers so a missing field cannot decode to a zero value
// unnoticed, even though the schema already requires every field.
type wireDecision struct {
	ReleasePayment *bool    `json:"release_payment"`
	Reasoning      *string  `json:"reasoning"`
	ApprovedAmount *float64 `json:"approved_amount"`
	Currency       *string  `json:"currency"`
	IssuesDetected []string `json:"issues_detected"`
}

// Validate runs the schema gate, then the typed checks.
func (v *Validator) Validate(raw oracle.RawDecision) (Decision, error) {
	var doc any
	inst := json.NewDecoder(bytes.NewReader(raw))
	inst.UseNumber()
	if err := inst.Decode(&doc); err != nil {
		return Decision{}, &Violation{Reason: "decision is not valid JSON"}
	}
	if err := v.schema.Validate(doc); err != nil {
		return Decision{}, schemaViolation(err)
	}

	var w wireDecision
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&w); err != nil {
		return Decision{}, &Violation{Reason: "decision does not match the expected shape"}
	}
	if w.ReleasePayment == nil || w.Reasoning == nil || w.ApprovedAmount == nil || w.Currency == nil || w.IssuesDetected == nil {
		return Decision{}, &Violation{Reason: "decision is missing required fields"}
	}

	amount := *w.ApprovedAmount
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return Decision{}, &Violation{Field: "approved_amount", Reason: "amount is not a finite number"}
	}
	if amount < 0 || amount > finance.Ceiling {
		return Decision{}, &Violation{Field: "approved_amount", Reason: fmt.Sprintf("amount %v is outside [0, %v]", amount, finance.Ceiling)}
	}

	d := Decision{
		ReleasePayment: *w.ReleasePayment,
		Reasoning:      *w.Reasoning,
		ApprovedAmount: amount,
		IssuesDetected: w.IssuesDetected,
	}
	asset, err := finance.ParseAsset(*w.Currency)
	if !d.ReleasePayment {
		// A withheld decision moves no money; an unknown currency is dropped
		// rather than failing the run.
		if err == nil {
			d.Currency = asset
		}
		return d, nil
	}
	if err != nil {
		return Decision{}, &Violation{Field: "currency", Reason: err.Error()}
	}
	if err := finance.CheckPayable(amount); err != nil {
		return Decision{}, &Violation{Field: "approved_amount", Reason: err.Error()}
	}
	d.Currency = asset
	return d, nil
}

// schemaViolation reduces a schema error to its deepest cause so the message
// names the offending field.
func schemaViolation(err error) *Violation {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return &Violation{Reason: err.Error()}
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	field := strings.TrimPrefix(ve.InstanceLocation, "/")
	if field == "" {
		field = "decision"
	}
	return &Violation{Field: field, Reason: ve.Message}
}
