package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/turtacn/endura/internal/driver"
	"github.com/turtacn/endura/internal/rig"
)

var (
	jogFor      time.Duration
	jogSimulate bool
)

var jogCmd = &cobra.Command{
	Use:   "jog <extend|retract|lock-extend|lock-retract>",
	Short: "Move the rig directly for a fixed time (daemon must not be running)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		cfg, err := loadConfig(jogSimulate)
		if err != nil {
			return err
		}
		drv, err := openDriver(ctx, cfg)
		if err != nil {
			return err
		}
		defer drv.Close()

		return jog(ctx, cmd, drv, args[0], jogFor, cfg.Rig.Sensitivity)
	},
}

func init() {
	jogCmd.Flags().DurationVar(&jogFor, "for", time.Second, "how long to move")
	jogCmd.Flags().BoolVar(&jogSimulate, "simulate", false, "jog the in-process rig model")
}

func jog(ctx context.Context, cmd *cobra.Command, drv driver.Driver, motion string, d time.Duration, sensitivity float64) error {
	var move, halt func(context.Context) error
	switch motion {
	case "extend":
		move, halt = drv.Extend, drv.Stop
	case "retract":
		move, halt = drv.Retract, drv.Stop
	case "lock-extend":
		move, halt = drv.LockExtend, drv.StopLock
	case "lock-retract":
		move, halt = drv.LockRetract, drv.StopLock
	default:
		return fmt.Errorf("unknown motion %q", motion)
	}
	if (motion == "lock-extend" || motion == "lock-retract") && !drv.Capabilities().Lock {
		return fmt.Errorf("rig has no lock motor")
	}

	out := cmd.OutOrStdout()
	// The rig always ends motionless, even when interrupted.
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := halt(stopCtx); err != nil {
			fmt.Fprintf(out, "stop failed: %v\n", err)
			return
		}
		fmt.Fprintln(out, "stopped")
	}()

	if err := move(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s for %s\n", motion, d)

	deadline := time.NewTimer(d)
	defer deadline.Stop()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-deadline.C:
			return nil
		case <-ticker.C:
			if raw, err := drv.ReadCurrent(ctx); err == nil {
				fmt.Fprintf(out, "current %.2f A\n", rig.ToAmps(raw, sensitivity))
			}
		}
	}
}

// Personal.AI order the ending
