package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/turtacn/endura/internal/config"
	"github.com/turtacn/endura/internal/driver"
	"github.com/turtacn/endura/pkg/protocol"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "endura",
	Short:         "Endura: actuator durability rig orchestrator",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "endura.yaml", "config file path")
	rootCmd.AddCommand(serveCmd, ctlCmd, jogCmd, checkCmd)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(simulate bool) (*protocol.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if simulate {
		cfg.Rig.Simulate = true
	}
	return cfg, nil
}

// openDriver connects to the rig described by cfg, or builds the simulated one.
func openDriver(ctx context.Context, cfg *protocol.Config) (driver.Driver, error) {
	caps := driver.Capabilities{Lock: cfg.Rig.HasLock, Watchdog: cfg.Rig.HasWatchdog}
	if cfg.Rig.Simulate {
		sim := driver.DefaultSimConfig()
		sim.Caps = caps
		sim.Sensitivity = cfg.Rig.Sensitivity
		return driver.NewSim(sim), nil
	}
	return driver.OpenSerial(ctx, driver.SerialConfig{
		Path:        cfg.Rig.SerialPort,
		Baud:        cfg.Rig.Baud,
		ReadTimeout: config.MustDuration(cfg.Rig.ReadTimeout),
		OpenSettle:  config.MustDuration(cfg.Rig.OpenSettle),
		Caps:        caps,
	})
}

// Personal.AI order the ending
