package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyFor(t *testing.T) {
	assert.Equal(t, Key("S1"), KeyFor("S1", ""))
	assert.Equal(t, Key("S1|INV7"), KeyFor("S1", "INV7"))
	assert.NotEqual(t, KeyFor("A", "B"), KeyFor("A_B", ""))
	assert.NotEqual(t, KeyFor("A", "B_C"), KeyFor("A_B", "C"))
}

func exerciseLifecycle(t *testing.T, l Ledger) {
	t.Helper()
	ctx := context.Background()
	key := KeyFor("SHIP-LIFECYCLE", "INV1")

	settled, err := l.IsSettled(ctx, key)
	require.NoError(t, err)
	assert.False(t, settled)

	r, err := l.Reserve(ctx, key)
	require.NoError(t, err)

	_, err = l.Reserve(ctx, key)
	assert.ErrorIs(t, err, ErrInFlight)

	settled, err = l.IsSettled(ctx, key)
	require.NoError(t, err)
	assert.False(t, settled, "a reservation is not a settlement")

	require.NoError(t, l.Commit(ctx, r))

	settled, err = l.IsSettled(ctx, key)
	require.NoError(t, err)
	assert.True(t, settled)

	_, err = l.Reserve(ctx, key)
	assert.ErrorIs(t, err, ErrAlreadySettled)
	assert.ErrorIs(t, l.Commit(ctx, r), ErrAlreadySettled)
	assert.ErrorIs(t, l.Release(ctx, r), ErrNotReserved)
}

func exerciseRelease(t *testing.T, l Ledger) {
	t.Helper()
	ctx := context.Background()
	key := KeyFor("SHIP-RELEASE", "")

	first, err := l.Reserve(ctx, key)
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx, first))

	second, err := l.Reserve(ctx, key)
	require.NoError(t, err, "a released key can be claimed again")

	assert.ErrorIs(t, l.Commit(ctx, first), ErrNotReserved, "stale reservation must not commit")
	require.NoError(t, l.Commit(ctx, second))
}

func exerciseMarkSettled(t *testing.T, l Ledger) {
	t.Helper()
	ctx := context.Background()
	key := KeyFor("SHIP-MARK", "")

	require.NoError(t, l.MarkSettled(ctx, key))
	settled, err := l.IsSettled(ctx, key)
	require.NoError(t, err)
	assert.True(t, settled)

	_, err = l.Reserve(ctx, key)
	assert.ErrorIs(t, err, ErrAlreadySettled)
}

func TestMemoryLedger_Lifecycle(t *testing.T)   { exerciseLifecycle(t, NewMemoryLedger()) }
func TestMemoryLedger_Release(t *testing.T)     { exerciseRelease(t, NewMemoryLedger()) }
func TestMemoryLedger_MarkSettled(t *testing.T) { exerciseMarkSettled(t, NewMemoryLedger()) }

func TestMemoryLedger_ConcurrentReserveHasOneWinner(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	var wins, inFlight atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Reserve(ctx, "RACE")
			switch err {
			case nil:
				wins.Add(1)
			case ErrInFlight:
				inFlight.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(63), inFlight.Load())
	assert.Equal(t, 1, l.Len())
}

func TestMemoryLedger_ReserveHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMemoryLedger().Reserve(ctx, "K")
	assert.ErrorIs(t, err, context.Canceled)
}
