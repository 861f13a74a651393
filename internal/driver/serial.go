package driver

import (
	"context"
	"errors"
	"time"

	"github.com/turtacn/endura/pkg/logger"
)

// ErrReadTimeout is returned by the serial port when no byte arrived within the read timeout.
var ErrReadTimeout = errors.New("serial read timeout")

// SerialConfig describes how to reach the rig controller.
type SerialConfig struct {
	Path        string
	Baud        int
	ReadTimeout time.Duration
	OpenSettle  time.Duration // Controller resets when DTR toggles on open
	Caps        Capabilities
}

// OpenSerial opens the controller port and waits for it to boot.
func OpenSerial(ctx context.Context, cfg SerialConfig) (*LineDriver, error) {
	port, err := openSerial(cfg.Path, cfg.Baud, cfg.ReadTimeout)
	if err != nil {
		return nil, err
	}

	logger.Log.Info("Serial port opened, waiting for controller reset", "port", cfg.Path, "baud", cfg.Baud, "settle", cfg.OpenSettle)
	select {
	case <-ctx.Done():
		port.Close()
		return nil, ctx.Err()
	case <-time.After(cfg.OpenSettle):
	}

	return NewLineDriver(port, cfg.Caps), nil
}

// Personal.AI order the ending
