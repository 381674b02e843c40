// Package payments defines the narrow interfaces the settlement pipeline uses
// to move money (Dispatcher) and convert currency (FXDesk), with an HTTP
// client for real rails and a deterministic in-process simulator.
package payments

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/Mindburn-Labs/agentscm/pkg/finance"
)

var (
	// ErrNoReference means the rail accepted a send but returned no usable
	// transaction reference.
	ErrNoReference = errors.New("payment response missing transaction reference")
	// ErrQuoteNotFound is returned when accepting an unknown or expired quote.
	ErrQuoteNotFound = errors.New("fx quote not found or expired")
)

// Instruction is a fully validated transfer order.
type Instruction struct {
	SourceWallet      string         `json:"source_wallet_id"`
	DestinationWallet string         `json:"destination_wallet_id"`
	Asset             finance.Asset  `json:"asset"`
	Amount            float64        `json:"amount"`
	FXRequired        bool           `json:"fx_required"`
	FXFromAsset       finance.Asset  `json:"fx_from_asset,omitempty"`
	FXToAsset         finance.Asset  `json:"fx_to_asset,omitempty"`
	ShipmentRef       string         `json:"shipment_ref"`
	InvoiceRef        string         `json:"invoice_ref,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// Digest is the hex SHA-256 of the RFC 8785 canonical JSON of i. Equal
// instructions always produce the same digest, so it doubles as the rail's
// Idempotency-Key.
func (i Instruction) Digest() (string, error) {
	raw, err := json.Marshal(i)
	if err != nil {
		return "", fmt.Errorf("marshal instruction: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize instruction: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Receipt is the rail's answer to Send.
type Receipt struct {
	TransactionReference string `json:"transaction_hash"`
}

// Confirmation is the rail's answer to Confirm.
type Confirmation struct {
	Status           string         `json:"status"`
	TransactionHash  string         `json:"transaction_hash"`
	ExplorerURL      string         `json:"arc_explorer_url,omitempty"`
	PaymentTimestamp string         `json:"payment_timestamp,omitempty"`
	Details          map[string]any `json:"details,omitempty"`
}

// Map renders c for audit entries and API responses.
func (c Confirmation) Map() map[string]any {
	m := map[string]any{
		"status":           c.Status,
		"transaction_hash": c.TransactionHash,
	}
	if c.ExplorerURL != "" {
		m["arc_explorer_url"] = c.ExplorerURL
	}
	if c.PaymentTimestamp != "" {
		m["payment_timestamp"] = c.PaymentTimestamp
	}
	if len(c.Details) > 0 {
		m["details"] = c.Details
	}
	return m
}

// Dispatcher sends and confirms payments on an external rail.
type Dispatcher interface {
	Send(ctx context.Context, in Instruction) (Receipt, error)
	Confirm(ctx context.Context, reference string) (Confirmation, error)
}

// Quote is a firm FX price.
type Quote struct {
	ID        string        `json:"quote_id"`
	From      finance.Asset `json:"from_asset"`
	To        finance.Asset `json:"to_asset"`
	Amount    float64       `json:"amount"`
	Rate      float64       `json:"rate"`
	ToAmount  float64       `json:"to_amount"`
	ExpiresAt time.Time     `json:"expires_at"`
}

// Execution is the result of accepting a quote.
type Execution struct {
	QuoteID string `json:"quote_id"`
	Status  string `json:"status"`
	TradeID string `json:"trade_id,omitempty"`
}

// FXDesk converts between settlement assets. It is only consulted when the
// invoice currency differs from the approved asset.
type FXDesk interface {
	Quote(ctx context.Context, from, to finance.Asset, amount float64) (Quote, error)
	Accept(ctx context.Context, quoteID string) (Execution, error)
}

// DispatchError wraps any failure talking to the rail or the FX desk.
type DispatchError struct {
	Op  string
	Err error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("payment %s failed: %v", e.Op, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }
