package delivery

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/Mindburn-Labs/agentscm/pkg/finance"
)

var shipmentIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidationError reports every field that failed ingress validation. It is
// returned before the pipeline runs, so nothing about it is sensitive.
type ValidationError struct {
	Fields map[string][]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return fmt.Sprintf("invalid event payload: %s", strings.Join(keys, ", "))
}

func (e *ValidationError) add(field, msg string) {
	if e.Fields == nil {
		e.Fields = make(map[string][]string)
	}
	e.Fields[field] = append(e.Fields[field], msg)
}

func (e *ValidationError) empty() bool { return len(e.Fields) == 0 }

// Decode reads exactly one JSON object from r into an Event, rejecting
// unknown fields and trailing data, then validates it.
func Decode(r io.Reader) (Event, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	var ev Event
	if err := dec.Decode(&ev); err != nil {
		return Event{}, decodeError(err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		verr := &ValidationError{}
		verr.add("_body", "unexpected data after JSON object")
		return Event{}, verr
	}
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

func decodeError(err error) error {
	verr := &ValidationError{}

	var typeErr *json.UnmarshalTypeError
	var syntaxErr *json.SyntaxError
	switch {
	case errors.As(err, &typeErr):
		field := typeErr.Field
		if field == "" {
			field = "_body"
		}
		verr.add(field, fmt.Sprintf("expected %s, received %s", typeErr.Type.Kind(), typeErr.Value))
	case errors.As(err, &syntaxErr):
		verr.add("_body", "malformed JSON")
	case strings.HasPrefix(err.Error(), "json: unknown field "):
		field := strings.Trim(strings.TrimPrefix(err.Error(), "json: unknown field "), `"`)
		verr.add(field, "unrecognized field")
	case errors.Is(err, io.EOF):
		verr.add("_body", "empty body")
	default:
		verr.add("_body", "unreadable JSON body")
	}
	return verr
}

// Validate applies the ingress bounds. It returns a *ValidationError listing
// every failing field, or nil.
func (e Event) Validate() error {
	verr := &ValidationError{}

	switch {
	case e.ShipmentID == "":
		verr.add("shipment_id", "required")
	case utf8.RuneCountInString(e.ShipmentID) > 64:
		verr.add("shipment_id", "must be at most 64 characters")
	case !shipmentIDPattern.MatchString(e.ShipmentID):
		verr.add("shipment_id", "may contain only letters, digits, '-' and '_'")
	}

	if e.EventType == "" {
		verr.add("event_type", "required")
	}

	maxLen := []struct {
		field string
		value string
		max   int
	}{
		{"event_type", e.EventType, 64},
		{"delivery_location", e.DeliveryLocation, 256},
		{"location", e.Location, 256},
		{"invoice_id", e.InvoiceID, 64},
		{"currency", e.Currency, finance.MaxAssetCodeLen},
		{"buyer_id", e.BuyerID, 64},
		{"supplier_id", e.SupplierID, 64},
		{"proof_type", e.ProofType, 32},
		{"proof_payload", e.ProofPayload, 512},
		{"sensor_id", e.SensorID, 64},
	}
	for _, m := range maxLen {
		if utf8.RuneCountInString(m.value) > m.max {
			verr.add(m.field, fmt.Sprintf("must be at most %d characters", m.max))
		}
	}

	if e.InvoiceAmount != nil {
		a := *e.InvoiceAmount
		switch {
		case math.IsNaN(a) || math.IsInf(a, 0) || a <= 0:
			verr.add("invoice_amount", "must be a positive number")
		case a > finance.Ceiling:
			verr.add("invoice_amount", fmt.Sprintf("must be at most %.0f", finance.Ceiling))
		}
	}
	if e.WeightKg != nil {
		if w := *e.WeightKg; math.IsNaN(w) || math.IsInf(w, 0) || w <= 0 {
			verr.add("weight_kg", "must be a positive number")
		}
	}

	if verr.empty() {
		return nil
	}
	return verr
}
