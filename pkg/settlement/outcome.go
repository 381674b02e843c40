package settlement

import "strings"

// Status is the terminal state of one pipeline run that did not fail.
type Status string

const (
	StatusNotApproved Status = "not-approved"
	StatusAlreadyPaid Status = "already-paid"
	// StatusInProgress means another run currently holds the settlement key.
	StatusInProgress Status = "in-progress"
	StatusPaid       Status = "paid"
)

// Outcome is returned to the caller of Process.
type Outcome struct {
	Status       Status         `json:"status"`
	Reasoning    string         `json:"reasoning,omitempty"`
	Confirmation map[string]any `json:"confirmation,omitempty"`
}

// GenericFailure replaces any error message that is not known to be safe.
const GenericFailure = "Payment processing failed"

// safeFragments are business-outcome markers whose messages may be shown to
// callers verbatim.
var safeFragments = []string{"not-approved", "already-paid", "Currency", "amount", "AI decision"}

// SafeMessage returns msg if it is a known business outcome, else
// GenericFailure. msg should already be redacted.
func SafeMessage(msg string) string {
	for _, f := range safeFragments {
		if strings.Contains(msg, f) {
			return msg
		}
	}
	return GenericFailure
}

// Error is a failed pipeline run. Public is safe to return to the caller;
// Error() is the redacted internal message.
type Error struct {
	Public   string
	redacted string
	err      error
}

func (e *Error) Error() string { return e.redacted }

func (e *Error) Unwrap() error { return e.err }
