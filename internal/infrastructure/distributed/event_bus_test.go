package distributed

import (
	"encoding/json"
	"testing"
	"time"

	"pikacall/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEventClassifiesEnded(t *testing.T) {
	assert.Equal(t, EventCallState, NewEvent(domain.CallState{Status: domain.StatusActive}).Type)
	assert.Equal(t, EventCallEnded, NewEvent(domain.CallState{Status: domain.StatusEnded, Reason: "busy"}).Type)
}

func TestDecodeSkipsOwnEvents(t *testing.T) {
	bus := NewEventBus(nil, "pikacall:events", "calld-a", nil)

	own, err := json.Marshal(Event{Type: EventCallState, InstanceID: "calld-a", Timestamp: time.Now()})
	require.NoError(t, err)
	event, err := bus.decode(string(own))
	require.NoError(t, err)
	assert.Nil(t, event)

	other, err := json.Marshal(Event{
		Type:       EventCallEnded,
		InstanceID: "calld-b",
		State:      domain.CallState{CallID: "c1", Status: domain.StatusEnded},
	})
	require.NoError(t, err)
	event, err = bus.decode(string(other))
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, domain.CallID("c1"), event.State.CallID)

	_, err = bus.decode("{")
	assert.Error(t, err)
}
