// Package audit is the append-only NDJSON record of every pipeline event. The
// file is both the history served by GET /logs and the single source the
// live stream tails.
package audit

import "errors"

// Type classifies an audit entry.
type Type string

const (
	TypeEventReceived    Type = "EVENT_RECEIVED"
	TypeAIDecision       Type = "AI_DECISION"
	TypePaymentSubmitted Type = "PAYMENT_SUBMITTED"
	TypePaymentConfirmed Type = "PAYMENT_CONFIRMED"
	TypeFXSwapExecuted   Type = "FX_SWAP_EXECUTED"
	TypeError            Type = "ERROR"
)

var (
	ErrInvalidType = errors.New("audit: invalid entry type")
	ErrTruncated   = errors.New("audit: log shrank below reader offset")
	ErrClosed      = errors.New("audit: log closed")
)

// Valid reports whether t is a known entry type.
func (t Type) Valid() bool {
	switch t {
	case TypeEventReceived, TypeAIDecision, TypePaymentSubmitted,
		TypePaymentConfirmed, TypeFXSwapExecuted, TypeError:
		return true
	}
	return false
}

// Entry is one line of the log. Timestamp is assigned by the store.
type Entry struct {
	Type      Type           `json:"type"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Filter returns the entries whose type is one of types, in order.
func Filter(entries []Entry, types ...Type) []Entry {
	want := make(map[Type]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	out := make([]Entry, 0)
	for _, e := range entries {
		if want[e.Type] {
			out = append(out, e)
		}
	}
	return out
}

// PaymentTypes are the entry types served by GET /payments.
var PaymentTypes = []Type{TypePaymentSubmitted, TypePaymentConfirmed}
