package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/turtacn/endura/internal/driver"
	"github.com/turtacn/endura/internal/monitor"
	"github.com/turtacn/endura/internal/rig"
	"github.com/turtacn/endura/internal/supervisor"
	"github.com/turtacn/endura/pkg/consts"
	"github.com/turtacn/endura/pkg/errors"
	"github.com/turtacn/endura/pkg/fsm"
	"github.com/turtacn/endura/pkg/logger"
	"github.com/turtacn/endura/pkg/protocol"
)

const (
	faultCancelled = "cancelled by operator"
	windDownBudget = 2 * time.Second
)

// Params are the operator-supplied settings of one run.
type Params struct {
	TotalCycles   int
	ActuateTime   time.Duration
	RestTime      time.Duration
	CurrentCutoff float64 // amps
}

// Engine is the cycle orchestrator. It owns the RunState it creates and is
// its only writer apart from the sampler's current field.
type Engine struct {
	store *rig.Store
	drv   driver.Driver
	tasks *supervisor.TaskManager
	log   logger.Logger

	tuningMu sync.RWMutex
	tuning   rig.Tuning

	// lifecycleMu serializes Start, Cancel and Reset. A cancel can never land
	// between publishing a new run and launching its task.
	lifecycleMu sync.Mutex

	// motionMu orders motion commands against Cancel: once Cancel returns, the
	// run can no longer issue a motion command.
	motionMu sync.Mutex

	// Throttles per-tick cutoff diagnostics.
	trace rate.Sometimes
}

type run struct {
	state   *protocol.RunState
	params  Params
	tuning  rig.Tuning
	phases  *fsm.StateMachine
	lastDir direction
	log     logger.Logger
}

func NewEngine(store *rig.Store, drv driver.Driver, tuning rig.Tuning) *Engine {
	return &Engine{
		store:  store,
		drv:    drv,
		tasks:  supervisor.New(),
		log:    logger.Log.With("component", "orchestrator"),
		tuning: tuning,
		trace:  rate.Sometimes{Interval: time.Second},
	}
}

// SetTuning replaces the tuning used by runs started from now on.
func (e *Engine) SetTuning(t rig.Tuning) {
	e.tuningMu.Lock()
	defer e.tuningMu.Unlock()
	e.tuning = t
}

func (e *Engine) Tuning() rig.Tuning {
	e.tuningMu.RLock()
	defer e.tuningMu.RUnlock()
	return e.tuning
}

// Running reports whether a run task is in flight, including one winding down.
func (e *Engine) Running() bool {
	return e.tasks.Running()
}

// Wait blocks until the current run task has returned.
func (e *Engine) Wait(ctx context.Context) error {
	return e.tasks.Wait(ctx)
}

// Start replaces the RunState with a fresh running instance, publishes it, and
// only then launches the run task.
func (e *Engine) Start(ctx context.Context, p Params) error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	if e.tasks.Running() {
		return errors.New(errors.ErrCodeAlreadyRunning, string(consts.ActionStart), "Test already running", nil)
	}

	now := time.Now()
	state := &protocol.RunState{
		RunID:         uuid.NewString(),
		Status:        consts.StatusRunning,
		Phase:         consts.PhaseIdle,
		TotalCycles:   p.TotalCycles,
		ActuateTime:   p.ActuateTime.Minutes(),
		RestTime:      p.RestTime.Minutes(),
		CurrentCutoff: p.CurrentCutoff,
		StartedAt:     unixSeconds(now),
	}
	r := &run{
		state:  state,
		params: p,
		tuning: e.Tuning(),
		phases: newPhaseMachine(),
		log:    e.log.With("run_id", state.RunID),
	}
	r.phases.OnTransition(func(from, to fsm.State, event fsm.Event) {
		monitor.SetPhase(consts.Phase(to))
		r.log.Debug("Phase transition", "from", from, "to", to, "event", event)
	})

	e.store.Replace(state)
	r.log.Info("Run starting", "cycles", p.TotalCycles, "actuate", p.ActuateTime, "rest", p.RestTime, "cutoff_amps", p.CurrentCutoff)

	// The run outlives the command that started it.
	return e.tasks.Start(context.WithoutCancel(ctx), "cycle-run", func(ctx context.Context) error {
		return e.execute(ctx, r)
	}, func(err error) {
		e.fail(r, fmt.Sprintf("orchestrator crashed: %v", err))
	})
}

// Cancel flags the authoritative state, stops the actuator immediately and
// asks the run task to wind down. It returns without waiting for the task.
func (e *Engine) Cancel(ctx context.Context) {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	e.cancel(ctx)
}

func (e *Engine) cancel(ctx context.Context) {
	e.motionMu.Lock()
	defer e.motionMu.Unlock()

	e.store.Update(func(s *protocol.RunState) { s.CancelRequested = true })
	e.tasks.Stop()
	e.call(ctx, driver.CmdStop, e.drv.Stop)
}

// Reset cancels any active run, waits for it to wind down, and installs a
// fresh idle state.
func (e *Engine) Reset(ctx context.Context) error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	if e.tasks.Running() {
		e.cancel(ctx)
		if err := e.tasks.Wait(ctx); err != nil && ctx.Err() != nil {
			return errors.New(errors.ErrCodeRunActive, string(consts.ActionReset), "run did not wind down in time", err)
		}
	}
	e.store.Replace(rig.NewIdleState())
	return nil
}

func (e *Engine) execute(ctx context.Context, r *run) error {
	err := e.runCycles(ctx, r)
	switch {
	case err == nil:
		e.complete(r)
		return nil
	case ctx.Err() != nil:
		e.fail(r, faultCancelled)
		return ctx.Err()
	default:
		e.fail(r, err.Error())
		return err
	}
}

func (e *Engine) runCycles(ctx context.Context, r *run) error {
	caps := e.drv.Capabilities()
	total := r.params.TotalCycles

	for cycle := 1; cycle <= total; cycle++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		last := cycle == total

		if caps.Lock {
			if err := e.unlock(ctx, r); err != nil {
				return err
			}
		}
		if err := e.actuate(ctx, r, cycle); err != nil {
			return err
		}
		monitor.CyclesCompleted.Inc()
		if last {
			break
		}

		if r.tuning.HomeBetweenCycles {
			if err := e.home(ctx, r); err != nil {
				return err
			}
		}
		if caps.Lock {
			if err := e.lock(ctx, r); err != nil {
				return err
			}
		}
		if err := e.rest(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) unlock(ctx context.Context, r *run) error {
	settle := r.tuning.LockSettle
	if err := e.enter(r, consts.PhaseUnlocking, func(s *protocol.RunState) {
		s.PhaseEndsAt = unixSeconds(time.Now().Add(settle))
	}); err != nil {
		return err
	}
	r.log.Info("Unlocking", "settle", settle)
	if err := e.motion(ctx, driver.CmdLockRetract, e.drv.LockRetract); err != nil {
		return err
	}
	if err := sleepCtx(ctx, settle); err != nil {
		return err
	}
	e.call(ctx, driver.CmdStopLock, e.drv.StopLock)
	return nil
}

func (e *Engine) lock(ctx context.Context, r *run) error {
	settle := r.tuning.LockSettle
	if err := e.enter(r, consts.PhaseLocking, func(s *protocol.RunState) {
		s.PhaseEndsAt = unixSeconds(time.Now().Add(settle))
	}); err != nil {
		return err
	}
	r.log.Info("Locking", "settle", settle)
	if err := e.motion(ctx, driver.CmdLockExtend, e.drv.LockExtend); err != nil {
		return err
	}
	if err := sleepCtx(ctx, settle); err != nil {
		return err
	}
	e.call(ctx, driver.CmdStopLock, e.drv.StopLock)
	return nil
}

func (e *Engine) rest(ctx context.Context, r *run) error {
	d := r.params.RestTime
	if err := e.enter(r, consts.PhaseResting, func(s *protocol.RunState) {
		s.PhaseEndsAt = unixSeconds(time.Now().Add(d))
	}); err != nil {
		return err
	}
	r.log.Info("Resting", "duration", d)
	return sleepCtx(ctx, d)
}

// actuate alternates extend and retract until the cycle's actuation window closes.
func (e *Engine) actuate(ctx context.Context, r *run, cycle int) error {
	end := time.Now().Add(r.params.ActuateTime)
	if err := e.enter(r, consts.PhaseActuatingExtend, func(s *protocol.RunState) {
		s.CurrentCycle = cycle
		s.PhaseEndsAt = unixSeconds(end)
	}); err != nil {
		return err
	}
	r.log.Info("Cycle starting", "cycle", cycle, "of", r.params.TotalCycles)

	// Every cycle starts from standstill, so its first extend gets the grace window.
	r.lastDir = dirNone

	if e.drv.Capabilities().Watchdog {
		wctx, stopWatchdog := context.WithCancel(ctx)
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			NewWatchdog(e.drv, r.tuning.WatchdogInterval).Run(wctx)
		}()
		defer func() {
			stopWatchdog()
			wg.Wait()
		}()
	}

	dir := dirExtend
	first := true
	for time.Now().Before(end) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !first {
			if err := e.enter(r, dir.phase(), nil); err != nil {
				return err
			}
		}
		first = false

		if err := e.segment(ctx, r, dir, end, true); err != nil {
			return err
		}
		dir = dir.reverse()
	}
	return nil
}

// home drives retract until the end stop, bounded by the homing timeout.
func (e *Engine) home(ctx context.Context, r *run) error {
	if err := e.enter(r, consts.PhaseHoming, func(s *protocol.RunState) { s.PhaseEndsAt = 0 }); err != nil {
		return err
	}
	r.log.Info("Homing: retracting to end stop")

	hctx, cancel := context.WithTimeout(ctx, r.tuning.HomingTimeout)
	defer cancel()

	err := e.segment(hctx, r, dirRetract, time.Time{}, false)
	if err != nil && ctx.Err() == nil {
		e.call(ctx, driver.CmdStop, e.drv.Stop)
		return errors.New(errors.ErrCodeHomingTimeout, string(consts.PhaseHoming),
			fmt.Sprintf("homing timed out after %s", r.tuning.HomingTimeout), nil)
	}
	return err
}

// segment runs the actuator in one direction until the cutoff trips, the
// deadline passes (when set), or ctx ends. It always finishes with a stop and,
// unless cancelled, a settle pause.
func (e *Engine) segment(ctx context.Context, r *run, dir direction, deadline time.Time, withDeadline bool) error {
	changed := r.lastDir != dir
	cmd, fn := driver.CmdExtend, e.drv.Extend
	if dir == dirRetract {
		cmd, fn = driver.CmdRetract, e.drv.Retract
	}
	if err := e.motion(ctx, cmd, fn); err != nil {
		return err
	}
	r.lastDir = dir

	started := time.Now()
	phase := dir.phase()
	if !withDeadline {
		phase = consts.PhaseHoming
	}
	ticker := time.NewTicker(r.tuning.PollInterval)
	defer ticker.Stop()

	var waitErr error
poll:
	for {
		select {
		case <-ctx.Done():
			waitErr = ctx.Err()
			break poll
		case now := <-ticker.C:
			if withDeadline && !now.Before(deadline) {
				r.log.Debug("Actuation window closed", "direction", dir)
				break poll
			}
			amps := e.store.Current()
			elapsed := now.Sub(started)
			e.trace.Do(func() {
				r.log.Debug("Polling current", "phase", phase, "amps", amps,
					"cutoff", r.tuning.Cutoff.Threshold(r.params.CurrentCutoff, elapsed, changed))
			})
			if r.tuning.Cutoff.ShouldStop(amps, r.params.CurrentCutoff, elapsed, changed) {
				r.log.Info("Current cutoff reached", "phase", phase, "amps", amps, "elapsed", elapsed)
				monitor.CutoffTrips.WithLabelValues(string(phase)).Inc()
				break poll
			}
		}
	}

	if waitErr != nil {
		// Cancelled: the wind-down path issues the stop.
		return waitErr
	}
	e.call(ctx, driver.CmdStop, e.drv.Stop)
	return sleepCtx(ctx, r.tuning.StopSettle)
}

// enter moves the run to phase p and publishes, applying fn in the same update.
func (e *Engine) enter(r *run, p consts.Phase, fn func(*protocol.RunState)) error {
	from := r.phases.Current()
	if err := r.phases.Fire(fsm.Event(p)); err != nil {
		r.log.Error("Illegal phase transition", "from", from, "to", p, "err", err)
		return err
	}
	e.store.Mutate(r.state, func(s *protocol.RunState) {
		s.Phase = p
		if fn != nil {
			fn(s)
		}
	})
	return nil
}

func (e *Engine) complete(r *run) {
	if err := r.phases.Fire(eventFinish); err != nil {
		r.log.Error("Illegal phase transition", "event", eventFinish, "err", err)
	}
	e.store.Mutate(r.state, func(s *protocol.RunState) {
		s.Status = consts.StatusCompleted
		s.Phase = consts.PhaseIdle
		s.PhaseEndsAt = 0
	})
	r.log.Info("Run completed", "cycles", r.params.TotalCycles)
}

// fail stops all motion and publishes the terminal failed state. Stopping the
// hardware comes first; it runs on a fresh context because ctx is usually
// already cancelled here.
func (e *Engine) fail(r *run, fault string) {
	wctx, cancel := context.WithTimeout(context.Background(), windDownBudget)
	defer cancel()

	e.call(wctx, driver.CmdStop, e.drv.Stop)
	if e.drv.Capabilities().Lock {
		e.call(wctx, driver.CmdStopLock, e.drv.StopLock)
	}

	if err := r.phases.Fire(eventAbort); err != nil {
		r.log.Error("Illegal phase transition", "event", eventAbort, "err", err)
	}
	e.store.Mutate(r.state, func(s *protocol.RunState) {
		s.Status = consts.StatusFailed
		s.Phase = consts.PhaseIdle
		s.PhaseEndsAt = 0
		s.Fault = fault
	})
	r.log.Warn("Run failed", "fault", fault)
}

// motion issues a motion command unless the run has been cancelled. Driver
// failures are logged and swallowed; only cancellation is returned.
func (e *Engine) motion(ctx context.Context, op string, fn func(context.Context) error) error {
	e.motionMu.Lock()
	defer e.motionMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	e.call(ctx, op, fn)
	return nil
}

func (e *Engine) call(ctx context.Context, op string, fn func(context.Context) error) {
	if err := fn(ctx); err != nil {
		monitor.DriverErrors.WithLabelValues(op).Inc()
		e.log.Error("Driver command failed", "op", op, "err", err)
	}
}

// sleepCtx waits for d or until ctx ends.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// Personal.AI order the ending
