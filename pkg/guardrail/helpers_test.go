package guardrail

import "github.com/Mindburn-Labs/agentscm/pkg/delivery"

func sampleEvent() delivery.Event {
	return delivery.Event{
		ShipmentID:    "S1",
		EventType:     delivery.TypeCargoDelivered,
		TemperatureOK: delivery.Bool(true),
		InvoiceAmount: delivery.Float(5000),
	}
}
