package driver

import (
	"context"
	"errors"
)

// ErrNoReading is returned by ReadCurrent when the exchange succeeded but carried no value.
var ErrNoReading = errors.New("no current reading")

// Capabilities describes the optional features of a rig.
type Capabilities struct {
	Lock     bool // Lock motor fitted
	Watchdog bool // Firmware expects periodic pings
}

// Driver is the command channel to the actuator controller.
// Every call is a synchronous request/response and may fail; callers treat
// failures as non-fatal.
type Driver interface {
	Extend(ctx context.Context) error
	Retract(ctx context.Context) error
	Stop(ctx context.Context) error
	LockExtend(ctx context.Context) error
	LockRetract(ctx context.Context) error
	StopLock(ctx context.Context) error
	// ReadCurrent returns the raw ADC reading in [0, 1023].
	ReadCurrent(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
	Capabilities() Capabilities
	Close() error
}

// Personal.AI order the ending
