package rig

import (
	"time"

	"github.com/turtacn/endura/pkg/consts"
)

// Tuning is the resolved set of orchestrator timings and thresholds.
// A run captures one Tuning at start; later reloads only affect later runs.
type Tuning struct {
	PollInterval      time.Duration
	SampleInterval    time.Duration
	DisplayInterval   time.Duration
	WindowSize        int
	Cutoff            Cutoff
	LockSettle        time.Duration
	StopSettle        time.Duration
	WatchdogInterval  time.Duration
	HomingTimeout     time.Duration
	HomeBetweenCycles bool
}

func DefaultTuning() Tuning {
	return Tuning{
		PollInterval:    consts.DefaultPollInterval,
		SampleInterval:  consts.DefaultSampleInterval,
		DisplayInterval: consts.DefaultDisplayInterval,
		WindowSize:      consts.DefaultWindowSize,
		Cutoff: Cutoff{
			GracePeriod:     consts.DefaultGracePeriod,
			GraceMultiplier: consts.DefaultGraceMultiplier,
		},
		LockSettle:        consts.DefaultLockSettle,
		StopSettle:        consts.DefaultStopSettle,
		WatchdogInterval:  consts.DefaultWatchdogInterval,
		HomingTimeout:     consts.DefaultHomingTimeout,
		HomeBetweenCycles: true,
	}
}

// Personal.AI order the ending
