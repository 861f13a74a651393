package rig

import (
	"sync"

	"github.com/turtacn/endura/pkg/consts"
	"github.com/turtacn/endura/pkg/protocol"
)

// Publisher receives a copy of the RunState after every transition.
// Publish is called with the store lock held, so it must not block and must
// not call back into the Store.
type Publisher interface {
	Publish(state protocol.RunState)
}

// Store holds the one authoritative RunState.
//
// start and reset replace the instance wholesale. The orchestrator mutates only
// the instance it was handed; once that instance has been replaced its writes
// are dropped. The sampler is the only writer of Current and writes through
// SetCurrent regardless of which instance is authoritative.
type Store struct {
	mu    sync.RWMutex
	state *protocol.RunState
	pub   Publisher
}

// NewIdleState returns the default RunState.
func NewIdleState() *protocol.RunState {
	return &protocol.RunState{
		Status: consts.StatusIdle,
		Phase:  consts.PhaseIdle,
	}
}

func NewStore() *Store {
	return &Store{state: NewIdleState()}
}

// SetPublisher wires the telemetry fan-out. Call before any goroutine uses the store.
func (s *Store) SetPublisher(p Publisher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pub = p
}

// Snapshot returns a copy of the authoritative state.
func (s *Store) Snapshot() protocol.RunState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *s.state
}

// Observe calls fn with the authoritative state while holding the read lock,
// so no transition can be published between the read and fn returning.
// fn must not call back into the Store.
func (s *Store) Observe(fn func(protocol.RunState)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(*s.state)
}

// Current returns the latest smoothed current in amps.
func (s *Store) Current() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Current
}

// Replace installs next as the authoritative state and publishes it.
// The live current reading carries over so observers never see it drop to zero.
func (s *Store) Replace(next *protocol.RunState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next.Current = s.state.Current
	s.state = next
	s.publishLocked()
}

// Owns reports whether rs is still the authoritative instance.
func (s *Store) Owns(rs *protocol.RunState) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == rs
}

// Mutate applies fn to rs and publishes, provided rs is still authoritative.
// It returns false and leaves everything untouched otherwise.
func (s *Store) Mutate(rs *protocol.RunState, fn func(*protocol.RunState)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != rs {
		return false
	}
	fn(rs)
	s.publishLocked()
	return true
}

// Update applies fn to whatever instance is authoritative and publishes.
func (s *Store) Update(fn func(*protocol.RunState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.state)
	s.publishLocked()
}

// SetCurrent records a smoothed current reading without publishing;
// the broadcaster heartbeat picks it up.
func (s *Store) SetCurrent(amps float64) {
	s.mu.Lock()
	s.state.Current = amps
	s.mu.Unlock()
}

func (s *Store) publishLocked() {
	if s.pub != nil {
		s.pub.Publish(*s.state)
	}
}

// Personal.AI order the ending
