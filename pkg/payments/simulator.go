package payments

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/agentscm/pkg/finance"
)

// DefaultExplorerURL is used by the simulator for explorer links.
const DefaultExplorerURL = "https://testnet.arcscan.app"

// SimulatedRail is an in-process Dispatcher. Transaction references are
// derived from the instruction digest, so resending the same instruction
// yields the same reference, as a rail honouring Idempotency-Key would.
type SimulatedRail struct {
	explorer string
	now      func() time.Time

	mu         sync.Mutex
	sent       []Instruction
	byRef      map[string]Instruction
	sendErr    error
	confirmErr error
}

// NewSimulatedRail creates a simulator. An empty explorer selects
// DefaultExplorerURL.
func NewSimulatedRail(explorer string) *SimulatedRail {
	if explorer == "" {
		explorer = DefaultExplorerURL
	}
	return &SimulatedRail{explorer: explorer, now: time.Now, byRef: make(map[string]Instruction)}
}

// FailSends makes every subsequent Send fail with err (nil restores).
func (s *SimulatedRail) FailSends(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

// FailConfirms makes every subsequent Confirm fail with err (nil restores).
func (s *SimulatedRail) FailConfirms(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirmErr = err
}

// Sent returns every instruction Send accepted, in order.
func (s *SimulatedRail) Sent() []Instruction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Instruction(nil), s.sent...)
}

func (s *SimulatedRail) Send(ctx context.Context, in Instruction) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, &DispatchError{Op: "send", Err: err}
	}
	digest, err := in.Digest()
	if err != nil {
		return Receipt{}, &DispatchError{Op: "send", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return Receipt{}, &DispatchError{Op: "send", Err: s.sendErr}
	}
	ref := "0x" + digest
	s.sent = append(s.sent, in)
	s.byRef[ref] = in
	return Receipt{TransactionReference: ref}, nil
}

func (s *SimulatedRail) Confirm(ctx context.Context, reference string) (Confirmation, error) {
	if err := ctx.Err(); err != nil {
		return Confirmation{}, &DispatchError{Op: "confirm", Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.confirmErr != nil {
		return Confirmation{}, &DispatchError{Op: "confirm", Err: s.confirmErr}
	}
	in, ok := s.byRef[reference]
	if !ok {
		return Confirmation{}, &DispatchError{Op: "confirm", Err: fmt.Errorf("unknown transaction %s", reference)}
	}
	return Confirmation{
		Status:           "confirmed",
		TransactionHash:  reference,
		ExplorerURL:      s.explorer + "/tx/" + reference,
		PaymentTimestamp: s.now().UTC().Format(time.RFC3339),
		Details: map[string]any{
			"asset":        string(in.Asset),
			"amount":       in.Amount,
			"shipment_ref": in.ShipmentRef,
		},
	}, nil
}

// DefaultRates are the simulator's mid-market rates, quoted per unit of the
// source asset.
var DefaultRates = map[finance.Asset]map[finance.Asset]float64{
	finance.AssetUSDC: {finance.AssetEURC: 0.92, finance.AssetUSDT: 1.0},
	finance.AssetEURC: {finance.AssetUSDC: 1.087, finance.AssetUSDT: 1.087},
	finance.AssetUSDT: {finance.AssetUSDC: 1.0, finance.AssetEURC: 0.92},
}

// SimulatedFXDesk quotes fixed rates and remembers open quotes.
type SimulatedFXDesk struct {
	rates map[finance.Asset]map[finance.Asset]float64
	ttl   time.Duration
	now   func() time.Time

	mu     sync.Mutex
	quotes map[string]Quote
}

// NewSimulatedFXDesk creates a desk over rates (nil selects DefaultRates).
func NewSimulatedFXDesk(rates map[finance.Asset]map[finance.Asset]float64) *SimulatedFXDesk {
	if rates == nil {
		rates = DefaultRates
	}
	return &SimulatedFXDesk{rates: rates, ttl: 30 * time.Second, now: time.Now, quotes: make(map[string]Quote)}
}

func (d *SimulatedFXDesk) Quote(ctx context.Context, from, to finance.Asset, amount float64) (Quote, error) {
	if err := ctx.Err(); err != nil {
		return Quote{}, &DispatchError{Op: "fx quote", Err: err}
	}
	rate, ok := d.rates[from][to]
	if !ok {
		return Quote{}, &DispatchError{Op: "fx quote", Err: fmt.Errorf("no rate for %s to %s", from, to)}
	}
	q := Quote{
		ID:        uuid.NewString(),
		From:      from,
		To:        to,
		Amount:    amount,
		Rate:      rate,
		ToAmount:  amount * rate,
		ExpiresAt: d.now().Add(d.ttl),
	}
	d.mu.Lock()
	d.quotes[q.ID] = q
	d.mu.Unlock()
	return q, nil
}

func (d *SimulatedFXDesk) Accept(ctx context.Context, quoteID string) (Execution, error) {
	if err := ctx.Err(); err != nil {
		return Execution{}, &DispatchError{Op: "fx accept", Err: err}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.quotes[quoteID]
	if !ok || d.now().After(q.ExpiresAt) {
		return Execution{}, &DispatchError{Op: "fx accept", Err: ErrQuoteNotFound}
	}
	delete(d.quotes, quoteID)
	return Execution{QuoteID: quoteID, Status: "executed", TradeID: uuid.NewString()}, nil
}
