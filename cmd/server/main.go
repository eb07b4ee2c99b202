package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/Meet/internal/adapters/http"
	signaling "github.com/dkeye/Meet/internal/adapters/signal"
	"github.com/dkeye/Meet/internal/app/store"
	"github.com/dkeye/Meet/internal/config"
	"github.com/dkeye/Meet/internal/logging"
	"github.com/dkeye/Meet/internal/metrics"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize the logger early so config.Load can use it.
	logging.Setup(logging.Options{Level: "info"})

	v := viper.New()
	flags := pflag.NewFlagSet("meet-server", pflag.ExitOnError)
	flags.Int("port", 0, "listen port")
	flags.String("public-url", "", "base URL used in join links")
	flags.String("log-level", "", "log level")
	flags.String("log-file", "", "also write JSON logs to this rotated file")
	_ = flags.Parse(os.Args[1:])
	for key, name := range map[string]string{
		"port":       "port",
		"public_url": "public-url",
		"log_level":  "log-level",
		"log_file":   "log-file",
	} {
		_ = v.BindPFlag(key, flags.Lookup(name))
	}

	cfg, err := config.LoadWith(v)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logFile := logging.Setup(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile, MaxSizeMB: cfg.LogMaxSizeMB})
	defer logFile.Close()

	m := metrics.New()
	meetings := store.NewMeetings(cfg.PublicURL, cfg.TokenTTL, m)
	peers := store.NewPeers(meetings, cfg.PeerTTL, m)
	chat := store.NewChat(meetings, store.NewRateLimiter(cfg.ChatRateLimit, cfg.ChatRateWindow), m)
	broker := signaling.NewBroker(signaling.Options{ReadLimit: cfg.ReadLimit, PingPeriod: cfg.PingPeriod}, m)

	r := router.SetupRouter(ctx, cfg, router.Deps{
		Meetings: meetings,
		Chat:     chat,
		Peers:    peers,
		Broker:   broker,
		Metrics:  m,
	})
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("Meet server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return peers.RunSweeper(gctx, cfg.SweepInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		broker.Close()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("Server exited gracefully")
}
