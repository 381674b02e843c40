package delivery

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Shipment is one tracked consignment in the catalog.
type Shipment struct {
	ShipmentID       string   `json:"shipment_id" yaml:"shipment_id"`
	BuyerID          string   `json:"buyer_id,omitempty" yaml:"buyer_id,omitempty"`
	SupplierID       string   `json:"supplier_id,omitempty" yaml:"supplier_id,omitempty"`
	Origin           string   `json:"origin,omitempty" yaml:"origin,omitempty"`
	DeliveryLocation string   `json:"delivery_location,omitempty" yaml:"delivery_location,omitempty"`
	Status           string   `json:"status,omitempty" yaml:"status,omitempty"`
	Invoice          *Invoice `json:"invoice,omitempty" yaml:"invoice,omitempty"`
}

// DeliveryEvent builds the "cargo delivered" notification an IoT gateway
// would emit for s.
func (s Shipment) DeliveryEvent(at time.Time) Event {
	ev := Event{
		ShipmentID:       s.ShipmentID,
		EventType:        TypeCargoDelivered,
		Timestamp:        at.UTC().Format(time.RFC3339),
		BuyerID:          s.BuyerID,
		SupplierID:       s.SupplierID,
		DeliveryLocation: s.DeliveryLocation,
		ProofType:        "GPS",
		ProofPayload:     `{"lat":51.5074,"lng":-0.1278}`,
	}
	if s.Invoice != nil {
		ev.InvoiceID = s.Invoice.InvoiceID
		ev.Currency = s.Invoice.Currency
		if s.Invoice.Amount > 0 {
			ev.InvoiceAmount = Float(s.Invoice.Amount)
		}
	}
	return ev
}

// Catalog is a read-only set of shipments loaded from a file.
type Catalog struct {
	shipments []Shipment
	byID      map[string]int
	byInvoice map[string]int
}

type catalogFile struct {
	Shipments []Shipment `yaml:"shipments"`
}

// NewCatalog indexes shipments. Shipment IDs must be unique.
func NewCatalog(shipments []Shipment) (*Catalog, error) {
	c := &Catalog{
		shipments: shipments,
		byID:      make(map[string]int, len(shipments)),
		byInvoice: make(map[string]int),
	}
	for i, s := range shipments {
		if s.ShipmentID == "" {
			return nil, fmt.Errorf("catalog entry %d has no shipment_id", i)
		}
		if _, dup := c.byID[s.ShipmentID]; dup {
			return nil, fmt.Errorf("duplicate shipment_id %q", s.ShipmentID)
		}
		c.byID[s.ShipmentID] = i
		if s.Invoice != nil && s.Invoice.InvoiceID != "" {
			c.byInvoice[s.Invoice.InvoiceID] = i
		}
	}
	return c, nil
}

// LoadCatalog reads a YAML or JSON catalog. Both a top-level list and a
// document with a "shipments" key are accepted.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	var shipments []Shipment
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && (trimmed[0] == '[' || trimmed[0] == '-') {
		err = yaml.Unmarshal(data, &shipments)
	} else {
		var f catalogFile
		err = yaml.Unmarshal(data, &f)
		shipments = f.Shipments
	}
	if err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	return NewCatalog(shipments)
}

// All returns the shipments in file order.
func (c *Catalog) All() []Shipment {
	return append([]Shipment(nil), c.shipments...)
}

// Shipment looks a shipment up by ID.
func (c *Catalog) Shipment(id string) (Shipment, bool) {
	i, ok := c.byID[id]
	if !ok {
		return Shipment{}, false
	}
	return c.shipments[i], true
}

// InvoiceFor returns the invoice matching ev's invoice_id, else the invoice
// attached to ev's shipment.
func (c *Catalog) InvoiceFor(ev Event) *Invoice {
	if ev.InvoiceID != "" {
		if i, ok := c.byInvoice[ev.InvoiceID]; ok {
			return c.shipments[i].Invoice
		}
		return nil
	}
	if i, ok := c.byID[ev.ShipmentID]; ok {
		return c.shipments[i].Invoice
	}
	return nil
}
