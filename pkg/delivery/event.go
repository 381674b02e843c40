// Package delivery defines the inbound "cargo delivered" event and the strict
// ingress validation applied before an event reaches the settlement pipeline.
package delivery

// Event is a third-party delivery notification. Optional numeric and boolean
// fields are pointers so that "absent" and "zero" stay distinguishable; the
// rule that temperature_ok must be explicitly false to block a release
// depends on it.
type Event struct {
	ShipmentID       string   `json:"shipment_id"`
	EventType        string   `json:"event_type"`
	DeliveryLocation string   `json:"delivery_location,omitempty"`
	Location         string   `json:"location,omitempty"`
	InvoiceID        string   `json:"invoice_id,omitempty"`
	InvoiceAmount    *float64 `json:"invoice_amount,omitempty"`
	Currency         string   `json:"currency,omitempty"`
	TemperatureOK    *bool    `json:"temperature_ok,omitempty"`
	WeightKg         *float64 `json:"weight_kg,omitempty"`
	BuyerID          string   `json:"buyer_id,omitempty"`
	SupplierID       string   `json:"supplier_id,omitempty"`
	Timestamp        string   `json:"timestamp,omitempty"`
	ProofType        string   `json:"proof_type,omitempty"`
	ProofPayload     string   `json:"proof_payload,omitempty"`
	SensorID         string   `json:"sensor_id,omitempty"`
}

// Confirmed event types.
const (
	TypeCargoDelivered       = "CargoDelivered"
	TypeCargoDeliveredLegacy = "CARGO_DELIVERED"
)

// Where returns the delivery location, falling back to the legacy field.
func (e Event) Where() string {
	if e.DeliveryLocation != "" {
		return e.DeliveryLocation
	}
	return e.Location
}

// Fields flattens the event into a map holding only the fields that were
// present. Numbers are float64 and booleans bool, matching what a JSON
// decoder would produce, so sanitizers and rule engines see one shape.
func (e Event) Fields() map[string]any {
	f := map[string]any{
		"shipment_id": e.ShipmentID,
		"event_type":  e.EventType,
	}
	putString := func(k, v string) {
		if v != "" {
			f[k] = v
		}
	}
	putString("delivery_location", e.DeliveryLocation)
	putString("location", e.Location)
	putString("invoice_id", e.InvoiceID)
	putString("currency", e.Currency)
	putString("buyer_id", e.BuyerID)
	putString("supplier_id", e.SupplierID)
	putString("timestamp", e.Timestamp)
	putString("proof_type", e.ProofType)
	putString("proof_payload", e.ProofPayload)
	putString("sensor_id", e.SensorID)
	if e.InvoiceAmount != nil {
		f["invoice_amount"] = *e.InvoiceAmount
	}
	if e.TemperatureOK != nil {
		f["temperature_ok"] = *e.TemperatureOK
	}
	if e.WeightKg != nil {
		f["weight_kg"] = *e.WeightKg
	}
	return f
}

// Float and Bool are small helpers for building events in code and tests.
func Float(v float64) *float64 { return &v }

func Bool(v bool) *bool { return &v }
