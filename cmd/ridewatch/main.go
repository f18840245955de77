package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-live/internal/config"
	"github.com/example/ride-live/internal/credential"
	httpapi "github.com/example/ride-live/internal/http"
	"github.com/example/ride-live/internal/ingest"
	"github.com/example/ride-live/internal/logging"
	"github.com/example/ride-live/internal/models"
	"github.com/example/ride-live/internal/realtime"
	"github.com/example/ride-live/internal/session"
	"github.com/example/ride-live/internal/storage"
	"github.com/example/ride-live/internal/storage/migrations"
)

func main() {
	var rides string
	flag.StringVar(&rides, "ride", "", "comma separated ride ids to watch on start")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger("ridewatch", cfg.LogLevel)

	rideIDs, err := parseRideIDs(rides)
	if err != nil {
		logger.Error("invalid --ride", "error", err)
		os.Exit(2)
	}

	if err := run(cfg, logger, rideIDs); err != nil {
		logger.Error("ridewatch stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger, rideIDs []int64) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var rc *redis.Client
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
	}

	sinks := map[string]session.EventSink{}

	var transcript storage.TranscriptStore = storage.NewMemoryTranscript()
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresTranscript(cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("open transcript db: %w", err)
		}
		defer pg.Close()
		if cfg.RunMigrations {
			if err := migrations.Apply(ctx, pg.DB()); err != nil {
				return err
			}
			logger.Info("migrations applied")
		}
		transcript = pg
	}
	sinks["transcript"] = storage.TranscriptSink{Store: transcript}

	if rc != nil {
		sinks["redis_location"] = storage.NewRedisLocationStore(rc, cfg.RedisLocationKey)
	}
	if len(cfg.KafkaBrokers) > 0 {
		tap := ingest.NewKafkaTap(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer tap.Close()
		sinks["kafka"] = tap
	}

	connector := realtime.NewConnector(realtime.Config{
		BaseURL:     cfg.RealtimeURL,
		Options:     realtimeOptions(cfg),
		Credentials: credentials(cfg, rc),
		Logger:      logger,
	})
	agg := session.New(connector, session.Config{
		Role:             models.SenderType(cfg.Role),
		ChatHistoryLimit: cfg.ChatHistoryLimit,
		TypingTimeout:    cfg.TypingTimeout,
		OutboxLimit:      cfg.OutboxLimit,
		Logger:           logger,
		Sinks:            sinks,
	})
	if err := agg.Start(ctx); err != nil {
		return err
	}
	defer agg.Stop()

	api := httpapi.NewServer(logger, agg, transcript)
	defer api.Close()
	for _, id := range rideIDs {
		api.Watch(id)
	}
	go logChanges(ctx, logger, agg, rideIDs)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("inspection api listening", "addr", cfg.HTTPAddr, "realtime_url", cfg.RealtimeURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return err
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func realtimeOptions(cfg config.Config) realtime.Options {
	opts := realtime.DefaultOptions()
	opts.Transports = cfg.Transports
	opts.Reconnection = !cfg.DisableReconnection
	opts.ReconnectionDelay = cfg.ReconnectDelay
	opts.ReconnectionAttempts = cfg.ReconnectAttempts
	opts.HandshakeTimeout = cfg.HandshakeTimeout
	opts.WriteTimeout = cfg.EmitTimeout
	opts.PollTimeout = cfg.PollTimeout
	return opts
}

// credentials tries the environment, then the token file, then redis.
func credentials(cfg config.Config, rc *redis.Client) credential.Source {
	chain := credential.Chain{credential.EnvSource{Key: "RIDE_TOKEN"}}
	if cfg.TokenFile != "" {
		chain = append(chain, credential.FileSource{Path: cfg.TokenFile})
	}
	if rc != nil {
		chain = append(chain, credential.RedisSource{Client: rc, Key: cfg.RedisTokenKey})
	}
	return chain
}

func logChanges(ctx context.Context, logger *slog.Logger, agg *session.Aggregator, rideIDs []int64) {
	changes, cancel := agg.Watch()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-changes:
		}
		args := []any{"connected", agg.IsConnected(), "outbox", agg.OutboxDepth()}
		for _, id := range rideIDs {
			if u, ok := agg.Ride(id); ok {
				args = append(args, "ride_"+strconv.FormatInt(id, 10), string(u.Status))
			}
			if l, ok := agg.Location(id); ok {
				age := agg.Now().Sub(time.UnixMilli(l.Location.Timestamp)).Round(time.Second)
				args = append(args, "location_age_"+strconv.FormatInt(id, 10), age.String())
			}
		}
		logger.Info("session changed", args...)
	}
}

func parseRideIDs(v string) ([]int64, error) {
	var out []int64
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s == "" {
			continue
		}
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("ride id %q", s)
		}
		out = append(out, id)
	}
	return out, nil
}
