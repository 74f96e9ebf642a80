package robot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMachine_LegalPath(t *testing.T) {
	m := NewMachine(zap.NewNop())
	assert.Equal(t, StateIdle, m.State())

	tr, err := m.Fire(EventAuthorized)
	require.NoError(t, err)
	assert.Equal(t, Transition{From: StateIdle, To: StateActive, Event: EventAuthorized}, tr)

	tr, err = m.Fire(EventControlLoss)
	require.NoError(t, err)
	assert.Equal(t, StateSafeStop, tr.To)

	tr, err = m.Fire(EventReset)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, tr.To)
}

func TestMachine_AllSafetyEventsStopActive(t *testing.T) {
	for _, ev := range []Event{EventEStop, EventControlLoss, EventInvalidThreshold, EventTokenExpired, EventRevoked} {
		m := NewMachine(zap.NewNop())
		_, err := m.Fire(EventAuthorized)
		require.NoError(t, err)

		tr, err := m.Fire(ev)
		require.NoError(t, err, string(ev))
		assert.Equal(t, StateSafeStop, tr.To)
	}
}

func TestMachine_RejectsIllegalEvents(t *testing.T) {
	m := NewMachine(zap.NewNop())

	// Safety events are meaningless in Idle.
	_, err := m.Fire(EventEStop)
	var ite *InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, StateIdle, ite.From)
	assert.Equal(t, StateIdle, m.State())

	// Reset only leaves SafeStop.
	_, err = m.Fire(EventReset)
	assert.Error(t, err)

	// Double authorization.
	_, err = m.Fire(EventAuthorized)
	require.NoError(t, err)
	_, err = m.Fire(EventAuthorized)
	assert.Error(t, err)

	// SafeStop only accepts reset.
	_, err = m.Fire(EventRevoked)
	require.NoError(t, err)
	_, err = m.Fire(EventAuthorized)
	assert.Error(t, err)
}

func TestMachine_ObserverSeesEveryTransition(t *testing.T) {
	m := NewMachine(zap.NewNop())
	var seen []Transition
	m.Subscribe(func(tr Transition) { seen = append(seen, tr) })

	m.Fire(EventAuthorized)
	m.Fire(EventEStop)
	m.Fire(EventEStop) // rejected, not observed
	m.Fire(EventReset)

	require.Len(t, seen, 3)
	assert.Equal(t, EventAuthorized, seen[0].Event)
	assert.Equal(t, EventEStop, seen[1].Event)
	assert.Equal(t, EventReset, seen[2].Event)
}

func TestStubActuator_EStopAlwaysSucceeds(t *testing.T) {
	a := NewStubActuator(zap.NewNop())
	a.SetAvailable(false)

	assert.ErrorIs(t, a.Drive(0.5, 0.1), ErrUnavailable)
	require.NoError(t, a.EStop())
	assert.Equal(t, 1, a.EStopCalls)
	assert.Zero(t, a.LastV)
}
