package command

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/turtacn/endura/internal/driver"
	"github.com/turtacn/endura/internal/monitor"
	"github.com/turtacn/endura/internal/orchestrator"
	"github.com/turtacn/endura/internal/rig"
	"github.com/turtacn/endura/pkg/consts"
	"github.com/turtacn/endura/pkg/errors"
	"github.com/turtacn/endura/pkg/logger"
	"github.com/turtacn/endura/pkg/protocol"
)

// Controller is the slice of the orchestrator the router drives.
type Controller interface {
	Start(ctx context.Context, p orchestrator.Params) error
	Cancel(ctx context.Context)
	Reset(ctx context.Context) error
	Running() bool
}

type handler func(ctx context.Context, cmd protocol.Command) (*protocol.RunState, error)

// Router validates commands from any transport and applies them one at a time.
type Router struct {
	ctl          Controller
	drv          driver.Driver
	store        *rig.Store
	resetTimeout time.Duration
	log          logger.Logger

	mu       sync.Mutex
	handlers map[consts.Action]handler
}

func NewRouter(ctl Controller, drv driver.Driver, store *rig.Store) *Router {
	r := &Router{
		ctl:          ctl,
		drv:          drv,
		store:        store,
		resetTimeout: consts.DefaultResetWaitTimeout,
		log:          logger.Log.With("component", "command"),
	}
	r.handlers = map[consts.Action]handler{
		consts.ActionStart:             r.start,
		consts.ActionCancel:            r.cancel,
		consts.ActionReset:             r.reset,
		consts.ActionStatus:            r.status,
		consts.ActionManualExtend:      r.manual(driver.CmdExtend, false, drv.Extend),
		consts.ActionManualRetract:     r.manual(driver.CmdRetract, false, drv.Retract),
		consts.ActionManualStop:        r.manualStop,
		consts.ActionManualLockExtend:  r.manual(driver.CmdLockExtend, true, drv.LockExtend),
		consts.ActionManualLockRetract: r.manual(driver.CmdLockRetract, true, drv.LockRetract),
		consts.ActionManualLockStop:    r.manual(driver.CmdStopLock, true, drv.StopLock),
	}
	return r
}

// Decode parses one command message. Start parameters with the wrong JSON type
// are rejected here.
func Decode(raw []byte) (protocol.Command, error) {
	var cmd protocol.Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return cmd, errors.New(errors.ErrCodeInvalidCommand, "decode", "malformed command", err)
	}
	if cmd.Action == "" {
		return cmd, errors.New(errors.ErrCodeInvalidCommand, "decode", "missing action", nil)
	}
	return cmd, nil
}

// HandleRaw decodes and dispatches one message.
func (r *Router) HandleRaw(ctx context.Context, raw []byte) protocol.Reply {
	cmd, err := Decode(raw)
	if err != nil {
		monitor.CommandsTotal.WithLabelValues("invalid", "error").Inc()
		return errorReply(cmd.Action, err)
	}
	return r.Dispatch(ctx, cmd)
}

// Dispatch applies cmd and returns the reply for the sender.
func (r *Router) Dispatch(ctx context.Context, cmd protocol.Command) protocol.Reply {
	h, ok := r.handlers[cmd.Action]
	if !ok {
		monitor.CommandsTotal.WithLabelValues("unknown", "error").Inc()
		r.log.Warn("Unknown action", "action", cmd.Action)
		return errorReply(cmd.Action, errors.New(errors.ErrCodeUnknownAction, string(cmd.Action), "Unknown action", nil))
	}

	r.mu.Lock()
	state, err := h(ctx, cmd)
	r.mu.Unlock()

	if err != nil {
		monitor.CommandsTotal.WithLabelValues(string(cmd.Action), "error").Inc()
		r.log.Info("Command rejected", "action", cmd.Action, "err", err)
		return errorReply(cmd.Action, err)
	}
	monitor.CommandsTotal.WithLabelValues(string(cmd.Action), "ok").Inc()
	if state != nil {
		return protocol.Reply{Action: cmd.Action, State: state}
	}
	return protocol.Reply{OK: true, Action: cmd.Action}
}

func (r *Router) start(ctx context.Context, cmd protocol.Command) (*protocol.RunState, error) {
	if r.ctl.Running() {
		return nil, errors.New(errors.ErrCodeAlreadyRunning, string(cmd.Action), "Test already running", nil)
	}
	p, err := ParseStart(cmd)
	if err != nil {
		return nil, err
	}
	if err := r.ctl.Start(ctx, p); err != nil {
		return nil, err
	}
	return nil, nil
}

// ParseStart validates the start parameters. All four are required.
func ParseStart(cmd protocol.Command) (orchestrator.Params, error) {
	invalid := func(reason string) error {
		return errors.New(errors.ErrCodeInvalidCommand, string(consts.ActionStart), "Invalid start parameters: "+reason, nil)
	}
	switch {
	case cmd.TotalCycles == nil || cmd.ActuateTime == nil || cmd.RestTime == nil || cmd.CurrentCutoff == nil:
		return orchestrator.Params{}, invalid("total_cycles, actuate_time, rest_time and current_cutoff are required")
	case *cmd.TotalCycles <= 0:
		return orchestrator.Params{}, invalid("total_cycles must be positive")
	case !finite(*cmd.ActuateTime) || *cmd.ActuateTime <= 0:
		return orchestrator.Params{}, invalid("actuate_time must be positive")
	case !finite(*cmd.RestTime) || *cmd.RestTime < 0:
		return orchestrator.Params{}, invalid("rest_time must not be negative")
	case !finite(*cmd.CurrentCutoff) || *cmd.CurrentCutoff <= 0:
		return orchestrator.Params{}, invalid("current_cutoff must be positive")
	}
	return orchestrator.Params{
		TotalCycles:   *cmd.TotalCycles,
		ActuateTime:   minutes(*cmd.ActuateTime),
		RestTime:      minutes(*cmd.RestTime),
		CurrentCutoff: *cmd.CurrentCutoff,
	}, nil
}

func (r *Router) cancel(ctx context.Context, cmd protocol.Command) (*protocol.RunState, error) {
	r.ctl.Cancel(ctx)
	return nil, nil
}

func (r *Router) reset(ctx context.Context, cmd protocol.Command) (*protocol.RunState, error) {
	ctx, cancel := context.WithTimeout(ctx, r.resetTimeout)
	defer cancel()
	return nil, r.ctl.Reset(ctx)
}

func (r *Router) status(ctx context.Context, cmd protocol.Command) (*protocol.RunState, error) {
	s := r.store.Snapshot()
	return &s, nil
}

// manual builds a driver passthrough. Manual motion is refused while a run
// owns the actuator.
func (r *Router) manual(op string, needsLock bool, fn func(context.Context) error) handler {
	return func(ctx context.Context, cmd protocol.Command) (*protocol.RunState, error) {
		if err := r.manualAllowed(cmd.Action, needsLock); err != nil {
			return nil, err
		}
		return nil, r.drive(ctx, op, fn)
	}
}

func (r *Router) manualStop(ctx context.Context, cmd protocol.Command) (*protocol.RunState, error) {
	if err := r.manualAllowed(cmd.Action, false); err != nil {
		return nil, err
	}
	err := r.drive(ctx, driver.CmdStop, r.drv.Stop)
	if r.drv.Capabilities().Lock {
		err = stderrors.Join(err, r.drive(ctx, driver.CmdStopLock, r.drv.StopLock))
	}
	return nil, err
}

func (r *Router) manualAllowed(action consts.Action, needsLock bool) error {
	if r.ctl.Running() {
		return errors.New(errors.ErrCodeRunActive, string(action), "Run active; cancel it first", nil)
	}
	if needsLock && !r.drv.Capabilities().Lock {
		return errors.New(errors.ErrCodeInvalidCommand, string(action), "Rig has no lock motor", nil)
	}
	return nil
}

func (r *Router) drive(ctx context.Context, op string, fn func(context.Context) error) error {
	if err := fn(ctx); err != nil {
		monitor.DriverErrors.WithLabelValues(op).Inc()
		return errors.New(errors.ErrCodeDriverIO, op, "driver command failed", err)
	}
	return nil
}

func errorReply(action consts.Action, err error) protocol.Reply {
	msg := err.Error()
	var ee *errors.EnduraError
	if stderrors.As(err, &ee) {
		msg = ee.Msg
		if ee.Err != nil {
			msg = fmt.Sprintf("%s: %v", ee.Msg, ee.Err)
		}
	}
	return protocol.Reply{Action: action, Error: msg, Code: int(errors.CodeOf(err))}
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

func minutes(m float64) time.Duration {
	return time.Duration(m * float64(time.Minute))
}

// Personal.AI order the ending
