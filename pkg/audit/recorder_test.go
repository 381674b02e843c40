package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingAppender struct{}

func (failingAppender) Append(context.Context, Type, map[string]any) (Entry, error) {
	return Entry{}, errors.New("disk full")
}

func TestRecorder_SwallowsFailures(t *testing.T) {
	var failed []Type
	r := NewRecorder(failingAppender{}, nil, func(typ Type) { failed = append(failed, typ) })

	_, ok := r.Record(context.Background(), TypeAIDecision, map[string]any{"x": 1})
	assert.False(t, ok)
	assert.Equal(t, []Type{TypeAIDecision}, failed)
}

func TestRecorder_PassesThrough(t *testing.T) {
	l := openTestLog(t)
	r := NewRecorder(l, nil, nil)

	e, ok := r.Record(context.Background(), TypeEventReceived, map[string]any{"shipment_id": "S1"})
	require.True(t, ok)
	assert.Equal(t, "S1", e.Data["shipment_id"])
}
