package ledger

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

type entry struct {
	settled bool
	token   string
}

// MemoryLedger is a process-local Ledger. Keys live for the lifetime of the
// instance.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[Key]entry
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: make(map[Key]entry)}
}

func (l *MemoryLedger) Reserve(ctx context.Context, key Key) (Reservation, error) {
	if err := ctx.Err(); err != nil {
		return Reservation{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.entries[key]; ok {
		if e.settled {
			return Reservation{}, ErrAlreadySettled
		}
		return Reservation{}, ErrInFlight
	}
	r := Reservation{Key: key, Token: uuid.NewString()}
	l.entries[key] = entry{token: r.Token}
	return r, nil
}

func (l *MemoryLedger) Commit(_ context.Context, r Reservation) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[r.Key]
	switch {
	case ok && e.settled:
		return ErrAlreadySettled
	case !ok || e.token != r.Token:
		return ErrNotReserved
	}
	l.entries[r.Key] = entry{settled: true}
	return nil
}

func (l *MemoryLedger) Release(_ context.Context, r Reservation) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[r.Key]
	if !ok || e.settled || e.token != r.Token {
		return ErrNotReserved
	}
	delete(l.entries, r.Key)
	return nil
}

func (l *MemoryLedger) IsSettled(_ context.Context, key Key) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries[key].settled, nil
}

func (l *MemoryLedger) MarkSettled(_ context.Context, key Key) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[key] = entry{settled: true}
	return nil
}

// Len returns the number of reserved or settled keys.
func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
