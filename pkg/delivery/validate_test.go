package delivery

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeString(t *testing.T, body string) (Event, *ValidationError) {
	t.Helper()
	ev, err := Decode(strings.NewReader(body))
	if err == nil {
		return ev, nil
	}
	var verr *ValidationError
	require.True(t, errors.As(err, &verr), "expected ValidationError, got %T", err)
	return ev, verr
}

func TestDecode_HappyPath(t *testing.T) {
	ev, verr := decodeString(t, `{
		"shipment_id": "SHIP-TEST-01",
		"event_type": "CargoDelivered",
		"delivery_location": "Berlin, Germany",
		"temperature_ok": true,
		"invoice_amount": 5000,
		"proof_type": "GPS"
	}`)
	require.Nil(t, verr)
	assert.Equal(t, "SHIP-TEST-01", ev.ShipmentID)
	require.NotNil(t, ev.InvoiceAmount)
	assert.Equal(t, 5000.0, *ev.InvoiceAmount)
	require.NotNil(t, ev.TemperatureOK)
	assert.True(t, *ev.TemperatureOK)
	assert.Nil(t, ev.WeightKg)
}

func TestDecode_Rejections(t *testing.T) {
	cases := []struct {
		name  string
		body  string
		field string
	}{
		{"missing shipment", `{"event_type":"CargoDelivered","delivery_location":"London, UK"}`, "shipment_id"},
		{"script in shipment", `{"shipment_id":"SHIP<script>alert(1)</script>","event_type":"CargoDelivered"}`, "shipment_id"},
		{"shipment too long", `{"shipment_id":"` + strings.Repeat("a", 65) + `","event_type":"x"}`, "shipment_id"},
		{"unknown field", `{"shipment_id":"SHIP789","event_type":"CargoDelivered","unknown_field":"hacker_value"}`, "unknown_field"},
		{"amount over ceiling", `{"shipment_id":"SHIP789","event_type":"CargoDelivered","invoice_amount":99999999}`, "invoice_amount"},
		{"negative amount", `{"shipment_id":"SHIP789","event_type":"CargoDelivered","invoice_amount":-500}`, "invoice_amount"},
		{"zero weight", `{"shipment_id":"SHIP789","event_type":"CargoDelivered","weight_kg":0}`, "weight_kg"},
		{"wrong type", `{"shipment_id":"SHIP789","event_type":"CargoDelivered","temperature_ok":"yes"}`, "temperature_ok"},
		{"currency too long", `{"shipment_id":"S","event_type":"x","currency":"ABCDEFGHI"}`, "currency"},
		{"missing event type", `{"shipment_id":"S"}`, "event_type"},
		{"malformed", `{"shipment_id":`, "_body"},
		{"trailing data", `{"shipment_id":"S","event_type":"x"} {}`, "_body"},
		{"empty", ``, "_body"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, verr := decodeString(t, tc.body)
			require.NotNil(t, verr)
			assert.Contains(t, verr.Fields, tc.field)
			assert.Contains(t, verr.Error(), "invalid event payload")
		})
	}
}

func TestEvent_FieldsOnlyPresent(t *testing.T) {
	ev := Event{
		ShipmentID:    "S1",
		EventType:     TypeCargoDelivered,
		TemperatureOK: Bool(false),
		InvoiceAmount: Float(12.5),
	}
	f := ev.Fields()
	assert.Equal(t, false, f["temperature_ok"])
	assert.Equal(t, 12.5, f["invoice_amount"])
	_, hasWeight := f["weight_kg"]
	assert.False(t, hasWeight)
	_, hasLocation := f["delivery_location"]
	assert.False(t, hasLocation)
}

func TestEvent_Where(t *testing.T) {
	assert.Equal(t, "A", Event{DeliveryLocation: "A", Location: "B"}.Where())
	assert.Equal(t, "B", Event{Location: "B"}.Where())
	assert.Equal(t, "", Event{}.Where())
}

func TestInvoice_Total(t *testing.T) {
	inv := Invoice{LineItems: []LineItem{{Quantity: 100, UnitPrice: 10}, {Quantity: 2, UnitPrice: 2.5}}}
	assert.Equal(t, 1005.0, inv.Total())
}
