package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/turtacn/endura/internal/config"
	"github.com/turtacn/endura/internal/control"
	"github.com/turtacn/endura/pkg/consts"
	"github.com/turtacn/endura/pkg/protocol"
)

var (
	ctlSocket  string
	ctlTimeout time.Duration
	ctlCycles  int
	ctlActuate float64
	ctlRest    float64
	ctlCutoff  float64
)

var ctlCmd = &cobra.Command{
	Use:   "ctl <action>",
	Short: "Send a command to the running daemon",
	Long: `Send a command to the running daemon over its control socket.

Actions: start, cancel, reset, status, manual_extend, manual_retract, manual_stop,
manual_lock_extend, manual_lock_retract, manual_lock_stop.

  endura ctl start --cycles 500 --actuate 2 --rest 1 --cutoff 3.5`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := buildCommand(cmd, consts.Action(args[0]))

		socket := ctlSocket
		if socket == "" {
			socket = config.DefaultControlSocket
			if cfg, err := config.Load(cfgFile); err == nil {
				socket = cfg.Server.ControlSocket
			}
		}

		reply, err := control.Send(cmd.Context(), socket, c, ctlTimeout)
		if err != nil {
			return err
		}

		out, _ := json.MarshalIndent(reply, "", "  ")
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		if reply.Error != "" {
			return fmt.Errorf("%s rejected: %s", c.Action, reply.Error)
		}
		return nil
	},
}

func init() {
	f := ctlCmd.Flags()
	f.StringVar(&ctlSocket, "socket", "", "control socket path (default from config)")
	f.DurationVar(&ctlTimeout, "timeout", control.DefaultTimeout, "reply timeout")
	f.IntVar(&ctlCycles, "cycles", 0, "start: total cycles")
	f.Float64Var(&ctlActuate, "actuate", 0, "start: actuation time per cycle in minutes")
	f.Float64Var(&ctlRest, "rest", 0, "start: rest time between cycles in minutes")
	f.Float64Var(&ctlCutoff, "cutoff", 0, "start: current cutoff in amps")
}

// buildCommand sets only the start parameters given on the command line, so the
// daemon can tell a missing value from a zero.
func buildCommand(cmd *cobra.Command, action consts.Action) protocol.Command {
	c := protocol.Command{Action: action}
	f := cmd.Flags()
	if f.Changed("cycles") {
		v := ctlCycles
		c.TotalCycles = &v
	}
	if f.Changed("actuate") {
		v := ctlActuate
		c.ActuateTime = &v
	}
	if f.Changed("rest") {
		v := ctlRest
		c.RestTime = &v
	}
	if f.Changed("cutoff") {
		v := ctlCutoff
		c.CurrentCutoff = &v
	}
	return c
}

// Personal.AI order the ending
