package orchestrator

import (
	"context"
	"time"

	"github.com/turtacn/endura/internal/driver"
	"github.com/turtacn/endura/internal/monitor"
	"github.com/turtacn/endura/pkg/logger"
)

// Watchdog keeps the controller's motion watchdog fed while the actuator may
// be moving. The firmware stops on its own if pings cease.
type Watchdog struct {
	drv      driver.Driver
	interval time.Duration
}

func NewWatchdog(drv driver.Driver, interval time.Duration) *Watchdog {
	return &Watchdog{drv: drv, interval: interval}
}

// Run pings immediately and then on every tick until ctx ends.
func (w *Watchdog) Run(ctx context.Context) {
	if w.interval <= 0 {
		return
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if err := w.drv.Ping(ctx); err != nil && ctx.Err() == nil {
			monitor.WatchdogPingFailures.Inc()
			logger.Log.Warn("Watchdog ping failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Personal.AI order the ending
