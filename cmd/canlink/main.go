package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/shaunagostinho/canlink/internal/bus"
	"github.com/shaunagostinho/canlink/internal/can"
	"github.com/shaunagostinho/canlink/internal/journal"
	"github.com/shaunagostinho/canlink/internal/logger"
	"github.com/shaunagostinho/canlink/internal/script"
	"github.com/shaunagostinho/canlink/internal/server"
	"github.com/shaunagostinho/canlink/internal/session"
	"github.com/shaunagostinho/canlink/internal/status"
	"github.com/shaunagostinho/canlink/internal/system"
	"github.com/shaunagostinho/canlink/internal/vin"
	"github.com/shaunagostinho/canlink/web"
)

var (
	configPath string
	demo       bool
	listenAddr string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "canlink",
	Short: "CAN bus health and VIN session daemon",
	Long: `canlink keeps a CAN controller healthy, reads the VIN of the vehicle and
steering column ECUs and either maintains the session when they match or
writes the vehicle VIN into the column and programs the immobilizer.

Status is served on the listen address: / (page), /ws, /events,
/api/status and /api/messages.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

var configCmd = &cobra.Command{
	Use:   "config [path]",
	Short: "Write the effective configuration as YAML",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := server.LoadConfig(configPath)
		out := configPath
		if len(args) == 1 {
			out = args[0]
		}
		if err := cfg.SaveAs(out); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", out)
		return nil
	},
}

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Print the session decision journal",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := server.LoadConfig(configPath)
		entries, err := journal.Load(cfg.Journal.Path)
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		for _, e := range entries {
			fmt.Fprintf(w, "%s %-11s vehicle=%s column=%s %s\n",
				e.Time().Format("2006-01-02 15:04:05"), e.Event, e.VehicleVIN, e.ColumnVIN, e.Detail)
		}
		if last, ok := journal.Last(entries, journal.EventCloned); ok {
			fmt.Fprintf(w, "last clone: %s (%s -> column)\n", last.Time().Format(time.RFC3339), last.VehicleVIN)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", server.DefaultConfigPath, "Path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level (debug, info, warn, error)")
	rootCmd.Flags().BoolVar(&demo, "demo", false, "Run against simulated ECUs")
	rootCmd.Flags().StringVar(&listenAddr, "listen", "", "Override listen address (e.g. :8080)")
	rootCmd.AddCommand(configCmd, journalCmd)
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime})
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

func run() error {
	cfg := server.LoadConfig(configPath)
	if demo {
		cfg.CAN.Driver = "sim"
	}
	if listenAddr != "" {
		cfg.Server.ListenAddr = listenAddr
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	setupLogging(cfg.Logging.Level)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config %s: %w", cfg.Path(), err)
	}

	l := log.With().Str("component", "main").Logger()
	l.Info().Str("driver", cfg.CAN.Driver).Msg("canlink starting")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	exitRestarter := system.NewExitRestarter()
	restarter, simRestarts := chooseRestarter(cfg.CAN.Driver, exitRestarter)

	trace := logger.New(logger.Config{Enabled: cfg.Logging.TraceEnabled, Path: cfg.Logging.TracePath})
	defer trace.Close()
	exitRestarter.OnRestart(func() { trace.Close() })

	var jrnl session.Journal
	if cfg.Journal.Path != "" {
		j, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			l.Warn().Err(err).Msg("journal disabled")
		} else {
			defer j.Close()
			exitRestarter.OnRestart(func() { j.Close() })
			jrnl = j
		}
	}

	drv := newDriver(cfg)
	tr := can.NewTransport(drv, trace)
	mgr := bus.NewManager(cfg.BusConfig(), tr, restarter)
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("bus start: %w", err)
	}
	if jrnl != nil {
		if err := jrnl.Append(journal.Entry{Event: journal.EventStarted, Detail: drv.Name()}); err != nil {
			l.Warn().Err(err).Msg("journal append failed")
		}
	}

	board := status.NewBoard(status.DefaultHistory)
	mgr.SetPublisher(board)
	flags := session.NewFlags()
	ids := cfg.IDs
	vehicle := vin.NewPipeline(vin.Target{Name: "Vehicle", ResponseID: ids.VehicleResponse, Prefix: vin.VehiclePrefix}, flags.VehicleReady, board)
	column := vin.NewPipeline(vin.Target{Name: "Column", ResponseID: ids.ColumnResponse}, flags.ColumnReady, board)
	runner := script.NewRunner(mgr, flags.Stop, cfg.Session.FrameSpacing)

	orch := session.NewOrchestrator(cfg.Session, session.Deps{
		Flags:     flags,
		Vehicle:   vehicle,
		Column:    column,
		Runner:    runner,
		IDs:       ids,
		Bus:       mgr,
		Restarter: restarter,
		Journal:   jrnl,
		Board:     board,
	})
	srv := server.New(cfg, server.Sources{
		Board:   board,
		State:   orch,
		Vehicle: vehicle,
		Column:  column,
		Bus:     mgr,
	}, web.FS)
	orch.AddCloser(srv)

	var wg sync.WaitGroup
	spawn := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}
	spawn(func() { mgr.Run(ctx) })
	if simRestarts != nil {
		spawn(func() {
			for {
				select {
				case <-ctx.Done():
					return
				case reason := <-simRestarts.Requests():
					l.Warn().Str("reason", reason).Msg("restart requested, ignored on the simulated bus")
					board.Publish("Restart requested: " + reason)
				}
			}
		})
	}
	spawn(func() { session.NewListener(tr, flags.Stop, board, cfg.Session, vehicle, column).Run(ctx) })
	spawn(func() { session.NewCommunicator(runner, ids, flags, cfg.Session).Run(ctx) })
	spawn(func() {
		if err := srv.Run(ctx); err != nil {
			l.Error().Err(err).Msg("status server exited")
		}
	})

	board.Publish("Waiting for VINs")
	err := orch.Run(ctx)
	cancel()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if st, _ := orch.State(); st != session.Stopped {
		release(l, mgr, srv)
	}
	l.Info().Msg("canlink exiting")
	return nil
}

// chooseRestarter returns exit for real hardware. The simulated bus gets a
// Recorder, returned second, whose requests are only logged.
func chooseRestarter(driver string, exit system.Restarter) (system.Restarter, *system.Recorder) {
	if driver == "sim" {
		rec := system.NewRecorder()
		return rec, rec
	}
	return exit, nil
}

type shutdowner interface {
	Shutdown() error
}

// release shuts the bus down and closes the status server when the session
// ended without reaching Stopped.
func release(l zerolog.Logger, b shutdowner, srv io.Closer) error {
	var errs []error
	if err := b.Shutdown(); err != nil {
		l.Warn().Err(err).Msg("bus shutdown")
		errs = append(errs, err)
	}
	if err := srv.Close(); err != nil {
		l.Warn().Err(err).Msg("status server close")
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func newDriver(cfg *server.Config) can.Driver {
	switch cfg.CAN.Driver {
	case "sim":
		ids := cfg.IDs
		return can.NewSimDriver(
			can.VINResponder(ids.VehicleRequest, ids.VehicleResponse, cfg.Demo.VehicleVIN),
			can.VINResponder(ids.ColumnRequest, ids.ColumnResponse, cfg.Demo.ColumnVIN),
		)
	case "slcan":
		return can.NewSLCAN(can.SLCANConfig{PortPath: cfg.CAN.PortPath, BaudRate: cfg.CAN.BaudRate})
	default:
		return can.NewSocketCAN(cfg.CAN.Interface)
	}
}
