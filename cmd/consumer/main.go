package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/boat-dispatch/internal/app"
	"github.com/example/boat-dispatch/internal/apperr"
	"github.com/example/boat-dispatch/internal/config"
	"github.com/example/boat-dispatch/internal/ingest"
	"github.com/example/boat-dispatch/internal/logging"
	"github.com/example/boat-dispatch/internal/models"
	"github.com/example/boat-dispatch/internal/retry"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total captain location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	locationsApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_locations_applied_total",
		Help: "Total captain positions written to the store",
	})
	locationErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_location_errors_total",
		Help: "Total positions that could not be applied",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, locationsApplied, locationErrors)
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "YAML config file (defaults to $CONFIG_FILE)")
	flag.Parse()

	cfg, err := config.LoadServerConfig(configPath)
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel, "location-consumer")
	if len(cfg.KafkaBrokers) == 0 {
		logger.Error("KAFKA_BROKERS is required for the location consumer")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	// metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := a.Ready(r.Context()); err != nil {
				http.Error(w, "not ready: "+err.Error(), 503)
				return
			}
			w.WriteHeader(200)
			_, _ = w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaLocationTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer r.Close()

	logger.Info("consumer listening", "topic", cfg.KafkaLocationTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)
	consume(ctx, r, a.Fleet, retry.Default, logger)
	logger.Info("shutting down consumer")
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// locationApplier is the slice of the fleet tracker the consumer needs.
type locationApplier interface {
	UpdateLocation(ctx context.Context, actor models.Actor, captainID string, pos models.Position) (*models.Captain, error)
}

// consume reads until ctx ends. Bad messages and permanently failing
// positions are counted and skipped; a later ping supersedes them.
func consume(ctx context.Context, r messageReader, fleet locationApplier, p retry.Policy, logger *slog.Logger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second

		msgsConsumed.Inc()

		var ping ingest.LocationPing
		if err := json.Unmarshal(m.Value, &ping); err != nil || ping.CaptainID == "" {
			msgsInvalid.Inc()
			logger.Warn("invalid location message", "offset", m.Offset, "error", err)
			continue
		}
		if err := applyPing(ctx, fleet, ping, p); err != nil {
			locationErrors.Inc()
			logger.Warn("location update failed", "captain_id", ping.CaptainID, "error", err)
			continue
		}
		locationsApplied.Inc()
	}
}

// applyPing writes one position with retries. The write merges the same
// fields every time, so replaying it after a lost acknowledgement is safe.
func applyPing(ctx context.Context, fleet locationApplier, ping ingest.LocationPing, p retry.Policy) error {
	err := retry.Do(ctx, p, func(ctx context.Context) error {
		_, err := fleet.UpdateLocation(ctx, models.SystemActor, ping.CaptainID, ping.Position)
		return err
	}, nil)
	return apperr.WithOp("consumer.apply_location", err)
}
