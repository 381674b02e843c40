// Package oracle decides whether a delivery event warrants releasing payment.
//
// Every implementation returns the same RawDecision shape: undecoded JSON
// bytes. A RawDecision carries no authority on its own; it must pass
// guardrail.Validate before it can influence money movement, and callers never
// special-case which oracle produced it.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/agentscm/pkg/delivery"
)

// RawDecision is untrusted oracle output.
type RawDecision json.RawMessage

// ErrTimeout marks an oracle call that exceeded its deadline.
var ErrTimeout = errors.New("oracle timed out")

// Oracle evaluates a delivery event, with optional invoice context.
type Oracle interface {
	Name() string
	Evaluate(ctx context.Context, ev delivery.Event, inv *delivery.Invoice) (RawDecision, error)
}

// Error is returned when the decision source fails. The message of Err has
// already been redacted.
type Error struct {
	Oracle  string
	Timeout bool
	Err     error
}

func (e *Error) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s oracle timed out: %v", e.Oracle, e.Err)
	}
	return fmt.Sprintf("%s oracle error: %v", e.Oracle, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrTimeout) match timed-out calls.
func (e *Error) Is(target error) bool {
	return target == ErrTimeout && e.Timeout
}

// proposal is the wire shape oracles are asked to produce. It is only used
// to encode output; decoding back into a trusted type is the guardrail's job.
type proposal struct {
	ReleasePayment bool     `json:"release_payment"`
	Reasoning      string   `json:"reasoning"`
	ApprovedAmount float64  `json:"approved_amount"`
	Currency       string   `json:"currency"`
	IssuesDetected []string `json:"issues_detected"`
}
