package events

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_SubscribeEmitUnsubscribe(t *testing.T) {
	bus := NewBus()
	var got []*Event
	sub := bus.Subscribe(TransactionCreated, func(e *Event) { got = append(got, e) })
	bus.Subscribe(TransactionDeleted, func(e *Event) { t.Fatal("wrong type delivered") })

	bus.Emit(TransactionCreated, "ledger", map[string]interface{}{"id": 1})
	require.Len(t, got, 1)
	assert.Equal(t, "ledger", got[0].Module)
	assert.Equal(t, 1, got[0].Data["id"])

	bus.Unsubscribe(sub)
	bus.Emit(TransactionCreated, "ledger", nil)
	assert.Len(t, got, 1)
}

func TestManager_EmitTyped(t *testing.T) {
	bus := NewBus()
	m := NewManager(bus, zerolog.Nop())

	var got *Event
	bus.Subscribe(TransactionUpdated, func(e *Event) { got = e })

	m.EmitTyped("ledger", &TransactionChangeData{
		Type:           TransactionUpdated,
		UserID:         3,
		TransactionIDs: []int64{10, 11},
		AccountIDs:     []int64{1},
	})

	require.NotNil(t, got)
	assert.Equal(t, float64(3), got.Data["user_id"])
	assert.Len(t, got.Data["transaction_ids"], 2)
	_, hasType := got.Data["Type"]
	assert.False(t, hasType)
}

func TestManager_NilIsNoop(t *testing.T) {
	var m *Manager
	assert.NotPanics(t, func() {
		m.Emit(TransactionCreated, "ledger", nil)
		m.EmitError("ledger", errors.New("boom"), nil)
	})
}
