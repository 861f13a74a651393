package fsm

import (
	"errors"
	"fmt"
	"sync"
)

type State string
type Event string

// ErrInvalidTransition is returned by Fire when the current state has no transition for the event.
var ErrInvalidTransition = errors.New("invalid transition")

// Handler is executed after a transition has been committed.
type Handler func(event Event, args ...interface{}) error

// Observer is notified of every committed transition, before the handler runs.
type Observer func(from, to State, event Event)

type StateMachine struct {
	mu          sync.RWMutex
	current     State
	transitions map[State]map[Event]State
	callbacks   map[State]map[Event]Handler
	observers   []Observer
}

func New(initial State) *StateMachine {
	return &StateMachine{
		current:     initial,
		transitions: make(map[State]map[Event]State),
		callbacks:   make(map[State]map[Event]Handler),
	}
}

func (sm *StateMachine) Current() State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

func (sm *StateMachine) AddTransition(from, to State, event Event, callback Handler) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if _, ok := sm.transitions[from]; !ok {
		sm.transitions[from] = make(map[Event]State)
		sm.callbacks[from] = make(map[Event]Handler)
	}
	sm.transitions[from][event] = to
	sm.callbacks[from][event] = callback
}

// OnTransition registers an observer for all subsequent transitions.
func (sm *StateMachine) OnTransition(obs Observer) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.observers = append(sm.observers, obs)
}

// Fire triggers a state transition. It is thread-safe.
// The new state is committed before the handler runs, so handlers observe the
// target state and may fire follow-up events themselves.
func (sm *StateMachine) Fire(event Event, args ...interface{}) error {
	sm.mu.Lock()
	from := sm.current
	next, ok := sm.transitions[from][event]
	if !ok {
		sm.mu.Unlock()
		return fmt.Errorf("%w from %s via %s", ErrInvalidTransition, from, event)
	}
	handler := sm.callbacks[from][event]
	observers := append([]Observer(nil), sm.observers...)
	sm.current = next
	sm.mu.Unlock()

	for _, obs := range observers {
		obs(from, next, event)
	}
	if handler != nil {
		return handler(event, args...)
	}
	return nil
}

// Personal.AI order the ending
