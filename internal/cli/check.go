package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/turtacn/endura/internal/config"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		tuning, err := config.ResolveTuning(cfg.Tuning)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "config OK: %s\n", cfgFile)
		fmt.Fprintf(out, "  rig %q simulate=%v port=%s lock=%v watchdog=%v\n",
			cfg.Rig.Name, cfg.Rig.Simulate, cfg.Rig.SerialPort, cfg.Rig.HasLock, cfg.Rig.HasWatchdog)
		fmt.Fprintf(out, "  poll=%s grace=%s x%.1f homing_timeout=%s home_between_cycles=%v\n",
			tuning.PollInterval, tuning.Cutoff.GracePeriod, tuning.Cutoff.GraceMultiplier, tuning.HomingTimeout, tuning.HomeBetweenCycles)
		fmt.Fprintf(out, "  listen=%s control=%s\n", cfg.Server.Listen, cfg.Server.ControlSocket)
		return nil
	},
}

// Personal.AI order the ending
