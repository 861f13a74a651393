package protocol

import "github.com/turtacn/endura/pkg/consts"

// Config represents the root configuration of an Endura rig daemon.
type Config struct {
	Version       string              `yaml:"version"`
	Rig           RigConfig           `yaml:"rig"`
	Tuning        TuningConfig        `yaml:"tuning"`
	Server        ServerConfig        `yaml:"server"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type RigConfig struct {
	Name        string  `yaml:"name"`
	SerialPort  string  `yaml:"serial_port"`  // e.g. /dev/ttyACM0
	Baud        int     `yaml:"baud"`         // Firmware speaks 9600 8N1
	ReadTimeout string  `yaml:"read_timeout"` // Per response line
	OpenSettle  string  `yaml:"open_settle"`  // Board resets when the port opens
	Sensitivity float64 `yaml:"sensitivity"`  // Current sensor volts per amp
	HasLock     bool    `yaml:"has_lock"`     // Lock motor fitted
	HasWatchdog bool    `yaml:"has_watchdog"` // Firmware understands PING
	Simulate    bool    `yaml:"simulate"`     // Use the in-process rig model
}

// TuningConfig holds the timing and threshold knobs of the cycle orchestrator.
// Durations use Go duration syntax ("25ms", "3s").
type TuningConfig struct {
	PollInterval      string  `yaml:"poll_interval"`
	SampleInterval    string  `yaml:"sample_interval"`
	DisplayInterval   string  `yaml:"display_interval"`
	WindowSize        int     `yaml:"window_size"`
	GracePeriod       string  `yaml:"grace_period"`
	GraceMultiplier   float64 `yaml:"grace_multiplier"`
	LockSettle        string  `yaml:"lock_settle"`
	StopSettle        string  `yaml:"stop_settle"`
	WatchdogInterval  string  `yaml:"watchdog_interval"`
	HomingTimeout     string  `yaml:"homing_timeout"`
	HomeBetweenCycles *bool   `yaml:"home_between_cycles"`
}

type ServerConfig struct {
	Listen        string  `yaml:"listen"`         // HTTP + websocket
	ControlSocket string  `yaml:"control_socket"` // Unix socket for `endura ctl`
	CommandRate   float64 `yaml:"command_rate"`   // HTTP commands per second
	CommandBurst  int     `yaml:"command_burst"`
}

type TelemetryConfig struct {
	RedisURL     string `yaml:"redis_url"`
	RedisChannel string `yaml:"redis_channel"`
}

type ObservabilityConfig struct {
	MetricsPort string `yaml:"metrics_port"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

// RunState is the single record describing the rig. It doubles as the
// telemetry snapshot pushed to observers.
type RunState struct {
	RunID           string           `json:"run_id,omitempty"`
	Status          consts.RunStatus `json:"status"`
	Phase           consts.Phase     `json:"phase"`
	CurrentCycle    int              `json:"current_cycle"`
	TotalCycles     int              `json:"total_cycles"`
	ActuateTime     float64          `json:"actuate_time"` // minutes
	RestTime        float64          `json:"rest_time"`    // minutes
	Current         float64          `json:"current"`      // smoothed amps
	CurrentCutoff   float64          `json:"current_cutoff"`
	PhaseEndsAt     float64          `json:"phase_ends_at"` // unix seconds, 0 when not applicable
	StartedAt       float64          `json:"started_at"`
	CancelRequested bool             `json:"cancel_requested"`
	Fault           string           `json:"fault,omitempty"`
}

// Command is an interactive request from an observer. Start parameters are
// pointers so a missing field is distinguishable from a zero value.
type Command struct {
	Action        consts.Action `json:"action"`
	TotalCycles   *int          `json:"total_cycles,omitempty"`
	ActuateTime   *float64      `json:"actuate_time,omitempty"`
	RestTime      *float64      `json:"rest_time,omitempty"`
	CurrentCutoff *float64      `json:"current_cutoff,omitempty"`
}

// Reply answers a Command. Exactly one of OK, Error or State is meaningful.
type Reply struct {
	OK     bool          `json:"ok,omitempty"`
	Action consts.Action `json:"action,omitempty"`
	Error  string        `json:"error,omitempty"`
	Code   int           `json:"code,omitempty"`
	State  *RunState     `json:"state,omitempty"`
}

// Personal.AI order the ending
