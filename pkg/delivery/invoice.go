package delivery

// LineItem is one billed line of an invoice.
type LineItem struct {
	Description string  `json:"description" yaml:"description"`
	Quantity    float64 `json:"quantity" yaml:"quantity"`
	UnitPrice   float64 `json:"unit_price" yaml:"unit_price"`
}

// Invoice is optional commercial context handed to the decision oracle
// alongside the delivery event.
type Invoice struct {
	InvoiceID     string     `json:"invoice_id" yaml:"invoice_id"`
	Buyer         string     `json:"buyer" yaml:"buyer"`
	Supplier      string     `json:"supplier" yaml:"supplier"`
	Currency      string     `json:"currency" yaml:"currency"`
	Amount        float64    `json:"amount" yaml:"amount"`
	Language      string     `json:"language,omitempty" yaml:"language,omitempty"`
	DueDate       string     `json:"due_date,omitempty" yaml:"due_date,omitempty"`
	LineItems     []LineItem `json:"line_items,omitempty" yaml:"line_items,omitempty"`
	AttachedFiles []string   `json:"attached_files,omitempty" yaml:"attached_files,omitempty"`
}

// Total sums the line items.
func (inv Invoice) Total() float64 {
	var t float64
	for _, li := range inv.LineItems {
		t += li.Quantity * li.UnitPrice
	}
	return t
}
