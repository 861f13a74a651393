package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/turtacn/endura/internal/rig"
	"github.com/turtacn/endura/pkg/consts"
	"github.com/turtacn/endura/pkg/errors"
	"github.com/turtacn/endura/pkg/protocol"
)

const (
	DefaultListen        = ":8080"
	DefaultControlSocket = "/run/endura/endura.sock"
	DefaultSerialPort    = "/dev/ttyACM0"
	DefaultRedisChannel  = "endura:state"
	DefaultCommandRate   = 5.0
	DefaultCommandBurst  = 10
)

// Load reads, expands, defaults and validates the config at path.
func Load(path string) (*protocol.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New(errors.ErrCodeConfigInvalid, "load", "read config", err)
	}
	return Parse(data)
}

// Parse is Load for an in-memory document.
func Parse(data []byte) (*protocol.Config, error) {
	var cfg protocol.Config
	dec := yaml.NewDecoder(bytes.NewReader([]byte(ExpandEnvVars(string(data)))))
	dec.KnownFields(true)
	// An empty document is a valid all-defaults config.
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return nil, errors.New(errors.ErrCodeConfigInvalid, "parse", "decode yaml", err)
	}

	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, errors.New(errors.ErrCodeConfigInvalid, "validate", "invalid config", err)
	}
	return &cfg, nil
}

// ApplyDefaults fills every unset field.
func ApplyDefaults(cfg *protocol.Config) {
	r := &cfg.Rig
	if r.Name == "" {
		r.Name = "endura"
	}
	if r.SerialPort == "" {
		r.SerialPort = DefaultSerialPort
		if p, ok := os.LookupEnv(consts.EnvSerialPort); ok {
			r.SerialPort = p
		}
	}
	if r.Baud == 0 {
		r.Baud = consts.DefaultSerialBaud
	}
	setDuration(&r.ReadTimeout, consts.DefaultSerialReadTimeout)
	setDuration(&r.OpenSettle, consts.DefaultSerialOpenSettle)
	if r.Sensitivity == 0 {
		r.Sensitivity = consts.DefaultSensitivityVPerA
	}

	t := &cfg.Tuning
	setDuration(&t.PollInterval, consts.DefaultPollInterval)
	setDuration(&t.SampleInterval, consts.DefaultSampleInterval)
	setDuration(&t.DisplayInterval, consts.DefaultDisplayInterval)
	setDuration(&t.GracePeriod, consts.DefaultGracePeriod)
	setDuration(&t.LockSettle, consts.DefaultLockSettle)
	setDuration(&t.StopSettle, consts.DefaultStopSettle)
	setDuration(&t.WatchdogInterval, consts.DefaultWatchdogInterval)
	setDuration(&t.HomingTimeout, consts.DefaultHomingTimeout)
	if t.WindowSize == 0 {
		t.WindowSize = consts.DefaultWindowSize
	}
	if t.GraceMultiplier == 0 {
		t.GraceMultiplier = consts.DefaultGraceMultiplier
	}
	if t.HomeBetweenCycles == nil {
		home := true
		t.HomeBetweenCycles = &home
	}

	s := &cfg.Server
	if s.Listen == "" {
		s.Listen = DefaultListen
	}
	if s.ControlSocket == "" {
		s.ControlSocket = DefaultControlSocket
	}
	if s.CommandRate == 0 {
		s.CommandRate = DefaultCommandRate
	}
	if s.CommandBurst == 0 {
		s.CommandBurst = DefaultCommandBurst
	}

	if cfg.Telemetry.RedisChannel == "" {
		cfg.Telemetry.RedisChannel = DefaultRedisChannel
	}

	o := &cfg.Observability
	if o.LogLevel == "" {
		o.LogLevel = "info"
	}
	if o.LogFormat == "" {
		o.LogFormat = "auto"
	}
}

func setDuration(field *string, d time.Duration) {
	if *field == "" {
		*field = d.String()
	}
}

// Validate reports every invalid field of a defaulted config.
func Validate(cfg *protocol.Config) error {
	var errs ValidationErrors

	if !cfg.Rig.Simulate && cfg.Rig.SerialPort == "" {
		errs.add("rig.serial_port", "required unless rig.simulate is set")
	}
	if cfg.Rig.Baud <= 0 {
		errs.add("rig.baud", "must be positive, got %d", cfg.Rig.Baud)
	}
	if cfg.Rig.Sensitivity <= 0 {
		errs.add("rig.sensitivity", "must be positive, got %v", cfg.Rig.Sensitivity)
	}
	checkDuration(&errs, "rig.read_timeout", cfg.Rig.ReadTimeout, true)
	checkDuration(&errs, "rig.open_settle", cfg.Rig.OpenSettle, false)

	t := cfg.Tuning
	checkDuration(&errs, "tuning.poll_interval", t.PollInterval, true)
	checkDuration(&errs, "tuning.sample_interval", t.SampleInterval, true)
	checkDuration(&errs, "tuning.display_interval", t.DisplayInterval, true)
	checkDuration(&errs, "tuning.grace_period", t.GracePeriod, false)
	checkDuration(&errs, "tuning.lock_settle", t.LockSettle, false)
	checkDuration(&errs, "tuning.stop_settle", t.StopSettle, false)
	checkDuration(&errs, "tuning.watchdog_interval", t.WatchdogInterval, true)
	checkDuration(&errs, "tuning.homing_timeout", t.HomingTimeout, true)
	if t.WindowSize < 1 {
		errs.add("tuning.window_size", "must be at least 1, got %d", t.WindowSize)
	}
	if t.GraceMultiplier < 1 {
		errs.add("tuning.grace_multiplier", "must be at least 1, got %v", t.GraceMultiplier)
	}

	if cfg.Server.Listen == "" {
		errs.add("server.listen", "required")
	}
	if cfg.Server.CommandRate < 0 {
		errs.add("server.command_rate", "must not be negative")
	}
	if cfg.Server.CommandBurst < 0 {
		errs.add("server.command_burst", "must not be negative")
	}

	switch cfg.Observability.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs.add("observability.log_level", "unknown level %q", cfg.Observability.LogLevel)
	}
	switch cfg.Observability.LogFormat {
	case "json", "text", "auto":
	default:
		errs.add("observability.log_format", "unknown format %q", cfg.Observability.LogFormat)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func checkDuration(errs *ValidationErrors, field, value string, positive bool) {
	d, err := time.ParseDuration(value)
	switch {
	case err != nil:
		errs.add(field, "invalid duration %q", value)
	case positive && d <= 0:
		errs.add(field, "must be positive, got %s", value)
	case d < 0:
		errs.add(field, "must not be negative, got %s", value)
	}
}

// ResolveTuning converts a validated tuning section.
func ResolveTuning(t protocol.TuningConfig) (rig.Tuning, error) {
	var firstErr error
	dur := func(s string) time.Duration {
		d, err := time.ParseDuration(s)
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("parse duration %q: %w", s, err)
		}
		return d
	}

	home := true
	if t.HomeBetweenCycles != nil {
		home = *t.HomeBetweenCycles
	}
	out := rig.Tuning{
		PollInterval:    dur(t.PollInterval),
		SampleInterval:  dur(t.SampleInterval),
		DisplayInterval: dur(t.DisplayInterval),
		WindowSize:      t.WindowSize,
		Cutoff: rig.Cutoff{
			GracePeriod:     dur(t.GracePeriod),
			GraceMultiplier: t.GraceMultiplier,
		},
		LockSettle:        dur(t.LockSettle),
		StopSettle:        dur(t.StopSettle),
		WatchdogInterval:  dur(t.WatchdogInterval),
		HomingTimeout:     dur(t.HomingTimeout),
		HomeBetweenCycles: home,
	}
	if firstErr != nil {
		return rig.Tuning{}, errors.New(errors.ErrCodeConfigInvalid, "tuning", "invalid tuning", firstErr)
	}
	return out, nil
}

// MustDuration parses a duration that Validate has already accepted.
func MustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		panic(fmt.Sprintf("config: unvalidated duration %q", s))
	}
	return d
}

// Personal.AI order the ending
