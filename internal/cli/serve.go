package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/turtacn/endura/internal/command"
	"github.com/turtacn/endura/internal/config"
	"github.com/turtacn/endura/internal/control"
	"github.com/turtacn/endura/internal/monitor"
	"github.com/turtacn/endura/internal/orchestrator"
	"github.com/turtacn/endura/internal/resource"
	"github.com/turtacn/endura/internal/rig"
	"github.com/turtacn/endura/internal/server"
	"github.com/turtacn/endura/internal/telemetry"
	"github.com/turtacn/endura/pkg/consts"
	"github.com/turtacn/endura/pkg/logger"
)

var serveSimulate bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the rig daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveSimulate, "simulate", false, "drive the in-process rig model instead of the serial controller")
}

func serve(ctx context.Context) error {
	// 1. Load Config
	cfg, err := loadConfig(serveSimulate)
	if err != nil {
		return err
	}
	tuning, err := config.ResolveTuning(cfg.Tuning)
	if err != nil {
		return err
	}

	// 2. Init Logger & Metrics
	logger.InitLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	monitor.InitMetrics(cfg.Observability.MetricsPort)
	monitor.SetPhase(consts.PhaseIdle)

	logger.Log.Info("Booting Endura rig daemon...", "rig", cfg.Rig.Name, "simulate", cfg.Rig.Simulate)

	// 3. Hardware
	drv, err := openDriver(ctx, cfg)
	if err != nil {
		return err
	}
	defer drv.Close()

	// 4. Core
	store := rig.NewStore()
	hub := telemetry.NewBroadcaster(store, tuning.DisplayInterval)
	store.SetPublisher(hub)
	engine := orchestrator.NewEngine(store, drv, tuning)
	sampler := orchestrator.NewSampler(drv, store, tuning.SampleInterval, tuning.WindowSize, cfg.Rig.Sensitivity)
	router := command.NewRouter(engine, drv, store)

	// 5. Surfaces
	sockets := resource.NewSocketManager()
	defer sockets.Close()
	httpL, err := sockets.EnsureListener("tcp", cfg.Server.Listen)
	if err != nil {
		return err
	}
	ctlL, err := control.Listen(sockets, cfg.Server.ControlSocket)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Telemetry.RedisURL != "" {
		sink, err := telemetry.NewRedisSink(gctx, cfg.Telemetry.RedisURL, cfg.Telemetry.RedisChannel)
		if err != nil {
			return err
		}
		defer sink.Close()
		detach := hub.Attach(gctx, sink)
		defer detach()
		logger.Log.Info("Redis telemetry enabled", "channel", cfg.Telemetry.RedisChannel)
	}

	watcher, err := config.NewWatcher(cfgFile, engine.SetTuning)
	if err != nil {
		logger.Log.Warn("Config hot-reload disabled", "err", err)
	} else {
		g.Go(func() error { return watcher.Run(gctx) })
	}

	g.Go(func() error { return sampler.Run(gctx) })
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error {
		return server.New(router, store, hub, server.Options{
			CommandRate:  cfg.Server.CommandRate,
			CommandBurst: cfg.Server.CommandBurst,
		}).Serve(gctx, httpL)
	})
	g.Go(func() error { return control.NewServer(router).Serve(gctx, ctlL) })

	// 6. Shutdown: stop any run and leave the rig motionless.
	g.Go(func() error {
		<-gctx.Done()
		logger.Log.Info("Shutting down, stopping rig")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), consts.DefaultResetWaitTimeout)
		defer cancel()
		// Unconditional: a start still being launched is waited for and cancelled.
		engine.Cancel(shutdownCtx)
		engine.Wait(shutdownCtx)
		if err := drv.Stop(shutdownCtx); err != nil {
			logger.Log.Error("Final stop failed", "err", err)
		}
		if drv.Capabilities().Lock {
			drv.StopLock(shutdownCtx)
		}
		return nil
	})

	err = g.Wait()
	logger.Log.Info("Endura stopped")
	return err
}

// Personal.AI order the ending
