package consts

import "time"

// RunStatus is the coarse lifecycle of a durability run.
type RunStatus string

const (
	StatusIdle      RunStatus = "idle"
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

// Phase is the fine-grained sub-state of an active run.
// Anything other than PhaseIdle implies StatusRunning.
type Phase string

const (
	PhaseIdle             Phase = "idle"
	PhaseUnlocking        Phase = "unlocking"         // Lock motor retracts
	PhaseActuatingExtend  Phase = "actuating_extend"  // Main actuator extends until cutoff or deadline
	PhaseActuatingRetract Phase = "actuating_retract" // Main actuator retracts until cutoff or deadline
	PhaseHoming           Phase = "homing"            // Retract to end stop between cycles
	PhaseLocking          Phase = "locking"           // Lock motor extends
	PhaseResting          Phase = "resting"           // No motion for rest_time
)

// Action is the tag of an interactive command.
type Action string

const (
	ActionStart             Action = "start"
	ActionCancel            Action = "cancel"
	ActionReset             Action = "reset"
	ActionStatus            Action = "status"
	ActionManualExtend      Action = "manual_extend"
	ActionManualRetract     Action = "manual_retract"
	ActionManualStop        Action = "manual_stop"
	ActionManualLockExtend  Action = "manual_lock_extend"
	ActionManualLockRetract Action = "manual_lock_retract"
	ActionManualLockStop    Action = "manual_lock_stop"
)

// Tuning defaults. All of them can be overridden in the tuning section of the config.
const (
	DefaultPollInterval      = 25 * time.Millisecond
	DefaultSampleInterval    = 100 * time.Millisecond
	DefaultDisplayInterval   = 500 * time.Millisecond
	DefaultWindowSize        = 2
	DefaultGracePeriod       = 1 * time.Second
	DefaultGraceMultiplier   = 2.0
	DefaultLockSettle        = 3 * time.Second
	DefaultStopSettle        = 500 * time.Millisecond
	DefaultWatchdogInterval  = 1 * time.Second
	DefaultHomingTimeout     = 90 * time.Second
	DefaultResetWaitTimeout  = 5 * time.Second
	DefaultSensitivityVPerA  = 0.066 // ACS712-30A
	DefaultSerialBaud        = 9600
	DefaultSerialReadTimeout = 1 * time.Second
	DefaultSerialOpenSettle  = 2 * time.Second
)

// Environment
const (
	EnvListenFDs  = "LISTEN_FDS" // systemd socket activation
	EnvListenPID  = "LISTEN_PID"
	EnvSerialPort = "ENDURA_SERIAL_PORT"
)

// Personal.AI order the ending
