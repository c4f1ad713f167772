package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/boat-dispatch/internal/app"
	"github.com/example/boat-dispatch/internal/auth"
	"github.com/example/boat-dispatch/internal/config"
	httpapi "github.com/example/boat-dispatch/internal/http"
	"github.com/example/boat-dispatch/internal/ingest"
	"github.com/example/boat-dispatch/internal/logging"
	"github.com/example/boat-dispatch/internal/storage"
)

func serveCmd(configPath *string) *cobra.Command {
	var noSweeper bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatch API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig(*configPath)
			if err != nil {
				return err
			}
			logger := logging.NewLogger(cfg.LogLevel, "api")

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.Open(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			deps := httpapi.Deps{
				Intake:           a.Intake,
				Fleet:            a.Fleet,
				Dispatch:         a.Dispatch,
				Escalation:       a.Escalation,
				Operations:       a.Operations,
				Verifier:         auth.NewVerifier(cfg.AuthMode, cfg.AuthHMACSecret),
				Sessions:         a.Sessions,
				Ready:            a.Ready,
				Logger:           logger,
				RideRequestRPS:   cfg.RideRequestRPS,
				RideRequestBurst: cfg.RideRequestBurst,
			}
			if len(cfg.KafkaBrokers) > 0 {
				kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic)
				defer kp.Close()
				deps.Locations = kp
			}

			if !noSweeper {
				go a.Sweeper.Run(ctx)
			}

			srv := &http.Server{
				Addr:         cfg.HTTPAddr,
				Handler:      httpapi.NewServer(deps),
				ReadTimeout:  cfg.ReadTimeout,
				WriteTimeout: cfg.WriteTimeout,
				IdleTimeout:  cfg.IdleTimeout,
			}
			errCh := make(chan error, 1)
			go func() {
				logger.Info("dispatch api listening", "addr", cfg.HTTPAddr, "store", cfg.StoreBackend, "auth_mode", cfg.AuthMode)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
			case <-ctx.Done():
			}
			logger.Info("shutting down")
			sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		},
	}
	cmd.Flags().BoolVar(&noSweeper, "no-sweeper", false, "do not run the reconciliation loop in this process")
	return cmd
}

func reconcileCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation sweep and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig(*configPath)
			if err != nil {
				return err
			}
			logger := logging.NewLogger(cfg.LogLevel, "reconcile")
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			a, err := app.Open(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.Sweeper.SweepOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "claimed=%d requeued=%d released=%d conflicts=%d\n",
				report.CaptainsClaimed, report.RidesRequeued, report.CaptainsReleased, report.Conflicts)
			return nil
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig(*configPath)
			if err != nil {
				return err
			}
			if cfg.StoreBackend != "postgres" {
				return errors.New("migrate needs the postgres store backend (set PG_DSN)")
			}
			if err := storage.MigrateDSN(cmd.Context(), cfg.PGDSN); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}
