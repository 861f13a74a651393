package orchestrator

import (
	"github.com/turtacn/endura/internal/monitor"
	"github.com/turtacn/endura/pkg/consts"
	"github.com/turtacn/endura/pkg/fsm"
)

// Phase transitions are keyed by the target phase, so entering a phase is
// Fire(Event(target)). Two extra events leave the run: finish and abort.
const (
	eventFinish fsm.Event = "finish"
	eventAbort  fsm.Event = "abort"
)

type direction int

const (
	dirNone direction = iota
	dirExtend
	dirRetract
)

func (d direction) reverse() direction {
	if d == dirExtend {
		return dirRetract
	}
	return dirExtend
}

func (d direction) phase() consts.Phase {
	if d == dirRetract {
		return consts.PhaseActuatingRetract
	}
	return consts.PhaseActuatingExtend
}

func (d direction) String() string {
	switch d {
	case dirExtend:
		return "extend"
	case dirRetract:
		return "retract"
	default:
		return "none"
	}
}

func newPhaseMachine() *fsm.StateMachine {
	m := fsm.New(fsm.State(consts.PhaseIdle))

	allow := func(from consts.Phase, to ...consts.Phase) {
		for _, t := range to {
			m.AddTransition(fsm.State(from), fsm.State(t), fsm.Event(t), nil)
		}
	}

	// Without a lock motor the cycle starts directly with actuation.
	allow(consts.PhaseIdle, consts.PhaseUnlocking, consts.PhaseActuatingExtend)
	allow(consts.PhaseUnlocking, consts.PhaseActuatingExtend)
	allow(consts.PhaseActuatingExtend, consts.PhaseActuatingRetract, consts.PhaseHoming, consts.PhaseLocking, consts.PhaseResting)
	allow(consts.PhaseActuatingRetract, consts.PhaseActuatingExtend, consts.PhaseHoming, consts.PhaseLocking, consts.PhaseResting)
	allow(consts.PhaseHoming, consts.PhaseLocking, consts.PhaseResting)
	allow(consts.PhaseLocking, consts.PhaseResting)
	allow(consts.PhaseResting, consts.PhaseUnlocking, consts.PhaseActuatingExtend)

	for _, p := range []consts.Phase{consts.PhaseActuatingExtend, consts.PhaseActuatingRetract} {
		m.AddTransition(fsm.State(p), fsm.State(consts.PhaseIdle), eventFinish, countOutcome(consts.StatusCompleted))
	}
	for _, p := range []consts.Phase{
		consts.PhaseIdle, consts.PhaseUnlocking, consts.PhaseActuatingExtend, consts.PhaseActuatingRetract,
		consts.PhaseHoming, consts.PhaseLocking, consts.PhaseResting,
	} {
		m.AddTransition(fsm.State(p), fsm.State(consts.PhaseIdle), eventAbort, countOutcome(consts.StatusFailed))
	}
	return m
}

func countOutcome(status consts.RunStatus) fsm.Handler {
	return func(fsm.Event, ...interface{}) error {
		monitor.RunsTotal.WithLabelValues(string(status)).Inc()
		return nil
	}
}

// Personal.AI order the ending
