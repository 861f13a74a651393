package orchestrator

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/turtacn/endura/internal/driver"
	"github.com/turtacn/endura/internal/monitor"
	"github.com/turtacn/endura/internal/rig"
	"github.com/turtacn/endura/pkg/logger"
)

// Sampler polls the current sensor for the lifetime of the process, smooths
// the readings and records them on the store. It is the only writer of the
// current field.
type Sampler struct {
	drv         driver.Driver
	store       *rig.Store
	interval    time.Duration
	sensitivity float64
	smoother    *rig.Smoother
	log         logger.Logger
	errLog      rate.Sometimes
}

func NewSampler(drv driver.Driver, store *rig.Store, interval time.Duration, window int, sensitivity float64) *Sampler {
	return &Sampler{
		drv:         drv,
		store:       store,
		interval:    interval,
		sensitivity: sensitivity,
		smoother:    rig.NewSmoother(window),
		log:         logger.Log.With("component", "sampler"),
		errLog:      rate.Sometimes{First: 1, Interval: 5 * time.Second},
	}
}

// Run samples until ctx is cancelled. Failed reads are skipped.
func (s *Sampler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sample(ctx)
		}
	}
}

func (s *Sampler) sample(ctx context.Context) {
	raw, err := s.drv.ReadCurrent(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		monitor.DriverErrors.WithLabelValues(driver.CmdRead).Inc()
		s.errLog.Do(func() {
			if errors.Is(err, driver.ErrNoReading) {
				s.log.Warn("Current sensor returned no reading", "err", err)
				return
			}
			s.log.Error("Current sensor read failed", "err", err)
		})
		return
	}

	amps := s.smoother.Observe(rig.ToAmps(raw, s.sensitivity))
	s.store.SetCurrent(amps)
	monitor.CurrentAmps.Set(amps)
}

// Personal.AI order the ending
