// Package ledger guarantees at most one settlement per idempotency key.
//
// The check and the claim are a single atomic Reserve. A reservation is
// either committed once the payment rail has returned a usable reference, or
// released when dispatch failed so a later delivery can retry.
package ledger

import (
	"context"
	"errors"
)

var (
	// ErrAlreadySettled is returned by Reserve for a committed key.
	ErrAlreadySettled = errors.New("ledger: key already settled")
	// ErrInFlight is returned by Reserve while another run holds the key.
	ErrInFlight = errors.New("ledger: settlement in progress for key")
	// ErrNotReserved is returned by Commit or Release with a stale reservation.
	ErrNotReserved = errors.New("ledger: reservation not held")
)

// Key identifies one logical settlement.
type Key string

// KeyFor derives the key from a shipment and optional invoice. The separator
// is outside the shipment_id alphabet, so distinct pairs never share a key.
func KeyFor(shipmentID, invoiceID string) Key {
	if invoiceID == "" {
		return Key(shipmentID)
	}
	return Key(shipmentID + "|" + invoiceID)
}

// Reservation is the claim returned by Reserve. Token distinguishes this
// claim from any later one on the same key.
type Reservation struct {
	Key   Key
	Token string
}

// Ledger is the idempotency store.
type Ledger interface {
	// Reserve atomically claims key for settlement.
	Reserve(ctx context.Context, key Key) (Reservation, error)
	// Commit marks the reserved key settled.
	Commit(ctx context.Context, r Reservation) error
	// Release drops the reservation without settling.
	Release(ctx context.Context, r Reservation) error
	IsSettled(ctx context.Context, key Key) (bool, error)
	// MarkSettled settles key unconditionally.
	MarkSettled(ctx context.Context, key Key) error
}
