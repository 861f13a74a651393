package driver

import (
	"context"
	"math"
	"sync"
	"time"
)

// SimConfig describes the simulated actuator.
type SimConfig struct {
	Stroke       time.Duration // Full travel time at no load
	RunAmps      float64       // Steady current while moving
	StallAmps    float64       // Current against an end stop
	InrushAmps   float64       // Peak current right after a start
	InrushWindow time.Duration
	Sensitivity  float64 // Volts per amp, used to encode ADC counts
	Caps         Capabilities
}

// DefaultSimConfig resembles a 100 mm, 12 V actuator on an ACS712-30A.
func DefaultSimConfig() SimConfig {
	return SimConfig{
		Stroke:       4 * time.Second,
		RunAmps:      1.2,
		StallAmps:    4.5,
		InrushAmps:   5.5,
		InrushWindow: 150 * time.Millisecond,
		Sensitivity:  0.066,
		Caps:         Capabilities{Lock: true, Watchdog: true},
	}
}

// Sim is an in-process rig: one actuator with end stops plus an optional lock motor.
// Position runs from 0 (retracted) to 1 (extended).
type Sim struct {
	mu       sync.Mutex
	cfg      SimConfig
	now      func() time.Time
	pos      float64
	dir      int
	movedAt  time.Time
	started  time.Time
	lockDir  int
	pings    int
	commands []string
	closed   bool
}

func NewSim(cfg SimConfig) *Sim {
	return &Sim{cfg: cfg, now: time.Now}
}

func (s *Sim) Capabilities() Capabilities { return s.cfg.Caps }

func (s *Sim) Extend(ctx context.Context) error  { return s.move(CmdExtend, 1) }
func (s *Sim) Retract(ctx context.Context) error { return s.move(CmdRetract, -1) }
func (s *Sim) Stop(ctx context.Context) error    { return s.move(CmdStop, 0) }

func (s *Sim) LockExtend(ctx context.Context) error  { return s.lock(CmdLockExtend, 1) }
func (s *Sim) LockRetract(ctx context.Context) error { return s.lock(CmdLockRetract, -1) }
func (s *Sim) StopLock(ctx context.Context) error    { return s.lock(CmdStopLock, 0) }

func (s *Sim) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pings++
	return nil
}

func (s *Sim) ReadCurrent(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advanceLocked()
	return s.encode(s.ampsLocked()), nil
}

func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Position returns the actuator position in [0, 1].
func (s *Sim) Position() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advanceLocked()
	return s.pos
}

// SetPosition places the actuator, e.g. to start a test mid-stroke.
func (s *Sim) SetPosition(pos float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advanceLocked()
	s.pos = math.Max(0, math.Min(1, pos))
}

// Commands returns every motion and lock command received, in order.
func (s *Sim) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *Sim) Pings() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pings
}

func (s *Sim) move(cmd string, dir int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advanceLocked()
	s.commands = append(s.commands, cmd)
	if dir != s.dir {
		s.started = s.now()
	}
	s.dir = dir
	return nil
}

func (s *Sim) lock(cmd string, dir int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, cmd)
	s.lockDir = dir
	return nil
}

func (s *Sim) advanceLocked() {
	now := s.now()
	if s.dir != 0 && s.cfg.Stroke > 0 {
		last := s.movedAt
		if last.IsZero() {
			last = now
		}
		delta := float64(now.Sub(last)) / float64(s.cfg.Stroke)
		s.pos = math.Max(0, math.Min(1, s.pos+float64(s.dir)*delta))
	}
	s.movedAt = now
}

func (s *Sim) ampsLocked() float64 {
	if s.dir == 0 {
		return 0
	}
	if s.now().Sub(s.started) < s.cfg.InrushWindow {
		return s.cfg.InrushAmps
	}
	if (s.dir > 0 && s.pos >= 1) || (s.dir < 0 && s.pos <= 0) {
		return s.cfg.StallAmps
	}
	return s.cfg.RunAmps
}

func (s *Sim) encode(amps float64) int {
	volts := 2.5 + amps*s.cfg.Sensitivity
	raw := int(math.Round(volts / 5.0 * 1023))
	if raw > 1023 {
		raw = 1023
	}
	return raw
}

// Personal.AI order the ending
