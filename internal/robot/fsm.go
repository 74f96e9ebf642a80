package robot

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// OpState is the agent's coarse operational state.
type OpState string

const (
	StateIdle     OpState = "Idle"
	StateActive   OpState = "Active"
	StateSafeStop OpState = "SafeStop"
)

// Event drives the operational machine.
type Event string

const (
	EventAuthorized       Event = "authorized"
	EventEStop            Event = "e_stop"
	EventControlLoss      Event = "control_loss"
	EventInvalidThreshold Event = "invalid_threshold"
	EventTokenExpired     Event = "token_expired"
	EventRevoked          Event = "revoked"
	EventReset            Event = "reset"
)

// InvalidTransitionError rejects an event not legal from the current state.
type InvalidTransitionError struct {
	From  OpState
	Event Event
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid_transition: %s on %s", e.Event, e.From)
}

// Transition is what observers see on every successful change.
type Transition struct {
	From  OpState
	To    OpState
	Event Event
}

// Observer is notified synchronously inside the machine's critical
// section; ordering across observers matches transition order.
type Observer func(Transition)

// Machine is the Idle/Active/SafeStop operational machine.
type Machine struct {
	mu        sync.Mutex
	state     OpState
	observers []Observer
	logger    *zap.Logger
}

func NewMachine(logger *zap.Logger) *Machine {
	return &Machine{state: StateIdle, logger: logger}
}

// Subscribe registers an observer. Not safe to call concurrently with
// Fire; wire observers at startup.
func (m *Machine) Subscribe(obs Observer) {
	m.observers = append(m.observers, obs)
}

// State returns the current operational state.
func (m *Machine) State() OpState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Fire applies an event, returning the transition taken or an
// InvalidTransitionError.
func (m *Machine) Fire(ev Event) (Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, ok := next(m.state, ev)
	if !ok {
		return Transition{}, &InvalidTransitionError{From: m.state, Event: ev}
	}

	tr := Transition{From: m.state, To: next, Event: ev}
	m.state = next
	m.logger.Info("operational transition",
		zap.String("from", string(tr.From)),
		zap.String("to", string(tr.To)),
		zap.String("event", string(ev)))
	for _, obs := range m.observers {
		obs(tr)
	}
	return tr, nil
}

func next(from OpState, ev Event) (OpState, bool) {
	switch from {
	case StateIdle:
		if ev == EventAuthorized {
			return StateActive, true
		}
	case StateActive:
		switch ev {
		case EventEStop, EventControlLoss, EventInvalidThreshold,
			EventTokenExpired, EventRevoked:
			return StateSafeStop, true
		}
	case StateSafeStop:
		if ev == EventReset {
			return StateIdle, true
		}
	}
	return from, false
}
