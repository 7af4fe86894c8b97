package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/KimMachineGun/automemlimit"
	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"

	"go-goals/internal/api"
	"go-goals/internal/config"
	"go-goals/internal/db"
	"go-goals/internal/goals"
	"go-goals/internal/notify"
	"go-goals/internal/worker"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:          "goals",
		Short:        "Durable database-backed goal scheduler",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.json", "path to config file")

	root.AddCommand(
		busyWorkerCmd(),
		blockingWorkerCmd(),
		threadedWorkerCmd(),
		fsckCmd(),
		retryCmd(),
		setGoalCmd(),
		serveCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads config, connects the store and wires an engine. withBus adds
// the LISTEN/NOTIFY connection; teardown stops the pickup monitor and closes
// the bus.
func setup(ctx context.Context, withBus bool) (*goals.Engine, func(), error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := db.Init(cfg); err != nil {
		return nil, nil, err
	}

	var bus notify.Bus
	var pgBus *notify.PGBus
	if withBus {
		pgBus, err = notify.NewPGBus(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect notification bus: %w", err)
		}
		bus = pgBus
	}

	pickups := goals.NewPickupMonitor(db.DB)
	pickups.Start()

	eng := goals.New(db.DB, cfg.Goals, bus, pickups)
	teardown := func() {
		pickups.Shutdown()
		if pgBus != nil {
			if err := pgBus.Close(context.Background()); err != nil {
				log.Printf("[Main] Closing notification bus: %v", err)
			}
		}
	}
	return eng, teardown, nil
}

// signalContext is canceled on SIGINT/SIGTERM. Running handlers finish their
// current attempt; no new goal is picked up.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func busyWorkerCmd() *cobra.Command {
	var maxProgressCount int
	var once bool
	var horizon string
	cmd := &cobra.Command{
		Use:   "busy-worker",
		Short: "Run the single-threaded transitions+dispatch loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			eng, teardown, err := setup(ctx, true)
			if err != nil {
				return err
			}
			defer teardown()
			opts := worker.Options{MaxProgressCount: maxProgressCount, Once: once}
			if horizon != "" {
				opts.Horizon, err = worker.ParseHorizon(horizon)
				if err != nil {
					return err
				}
			}
			return worker.Busy(ctx, eng, opts)
		},
	}
	cmd.Flags().IntVar(&maxProgressCount, "max-progress-count", 0, "stop after this many handler invocations (0 = unlimited)")
	cmd.Flags().BoolVar(&once, "once", false, "exit when no work is available")
	cmd.Flags().StringVar(&horizon, "horizon", "", "only pick goals due within this horizon, e.g. 30m or 1d")
	return cmd
}

func blockingWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "blocking-worker",
		Short: "Run the notification-driven worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			eng, teardown, err := setup(ctx, true)
			if err != nil {
				return err
			}
			defer teardown()
			return worker.Blocking(ctx, eng)
		},
	}
}

func threadedWorkerCmd() *cobra.Command {
	var threads []string
	var once bool
	cmd := &cobra.Command{
		Use:   "threaded-worker",
		Short: "Run one transitions goroutine and N dispatch goroutines",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			eng, teardown, err := setup(ctx, false)
			if err != nil {
				return err
			}
			defer teardown()
			if len(threads) == 0 {
				threads = []string{"1"}
			}
			specs := make([]worker.ThreadSpec, 0, len(threads))
			for _, raw := range threads {
				spec, err := worker.ParseThreadSpec(raw)
				if err != nil {
					return err
				}
				specs = append(specs, spec)
			}
			return worker.Threaded(ctx, eng, specs, once)
		},
	}
	cmd.Flags().StringArrayVar(&threads, "threads", nil, "dispatch group as COUNT[:HORIZON], repeatable (e.g. --threads 4 --threads 2:30m)")
	cmd.Flags().BoolVar(&once, "once", false, "exit when all goroutines are idle in the same round")
	return cmd
}

func fsckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fsck",
		Short: "Recompute dependency counters from edge truth",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			eng, teardown, err := setup(ctx, false)
			if err != nil {
				return err
			}
			defer teardown()
			fixed, err := eng.CheckFixAll()
			if err != nil {
				return err
			}
			log.Printf("[Fsck] Done, fixed %d goals", fixed)
			return nil
		},
	}
}

func retryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Unblock/retry all given-up goals",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			eng, teardown, err := setup(ctx, false)
			if err != nil {
				return err
			}
			defer teardown()
			count, err := eng.RetryAllGivenUp(limit)
			if err != nil {
				return err
			}
			log.Printf("[Retry] Retried %d goals", count)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of goals to retry (0 = no limit)")
	return cmd
}

func setGoalCmd() *cobra.Command {
	var instructions string
	var blocked bool
	var preconditionDate string
	cmd := &cobra.Command{
		Use:   "set-goal HANDLER",
		Short: "Schedule a goal by handler name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			eng, teardown, err := setup(ctx, true)
			if err != nil {
				return err
			}
			defer teardown()
			opts := goals.ScheduleOptions{Blocked: blocked}
			if instructions != "" {
				opts.Instructions = json.RawMessage(instructions)
			}
			if preconditionDate != "" {
				at, err := time.Parse(time.RFC3339, preconditionDate)
				if err != nil {
					return fmt.Errorf("invalid --precondition-date: %w", err)
				}
				opts.PreconditionDate = &at
			}
			goal, err := eng.Schedule(ctx, args[0], opts)
			if err != nil {
				return err
			}
			log.Printf("[SetGoal] Scheduled goal %s (%s)", goal.ID, goal.State)
			return nil
		},
	}
	cmd.Flags().StringVar(&instructions, "instructions", "", "JSON instructions passed to the handler")
	cmd.Flags().BoolVar(&blocked, "blocked", false, "create the goal pre-blocked")
	cmd.Flags().StringVar(&preconditionDate, "precondition-date", "", "RFC3339 date before which the goal must not run")
	return cmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the operator HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			eng, teardown, err := setup(ctx, true)
			if err != nil {
				return err
			}
			defer teardown()
			cfg, _ := config.LoadConfig(configPath)
			r := api.SetupRouter(eng)
			log.Printf("[Main] Operator API listening on %s", cfg.Server.Addr)
			errCh := make(chan error, 1)
			go func() { errCh <- r.Run(cfg.Server.Addr) }()
			select {
			case <-ctx.Done():
				return nil
			case err := <-errCh:
				return err
			}
		},
	}
}
