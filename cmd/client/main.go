package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dkeye/Meet/internal/config"
	"github.com/dkeye/Meet/internal/logging"
)

func main() {
	v := viper.New()
	root := &cobra.Command{
		Use:           "meet-client",
		Short:         "Headless meeting client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.String("server", "", "meeting server base URL")
	flags.String("name", "", "display name")
	flags.String("log-level", "", "log level")
	_ = v.BindPFlag("server_url", flags.Lookup("server"))
	_ = v.BindPFlag("display_name", flags.Lookup("name"))
	_ = v.BindPFlag("log_level", flags.Lookup("log-level"))

	root.AddCommand(&cobra.Command{
		Use:   "create",
		Short: "Create a meeting and enter it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(cmd.Context(), v, func(ctx context.Context, s *clientSession) error {
				return s.create(ctx)
			})
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "join <token-or-link>",
		Short: "Join a meeting by its token or join link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), v, func(ctx context.Context, s *clientSession) error {
				return s.join(ctx, tokenFrom(args[0]))
			})
		},
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func withSession(ctx context.Context, v *viper.Viper, fn func(context.Context, *clientSession) error) error {
	logging.Setup(logging.Options{Level: "warn"})
	cfg, err := config.LoadWith(v)
	if err != nil {
		return err
	}
	logFile := logging.Setup(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile, MaxSizeMB: cfg.LogMaxSizeMB})
	defer logFile.Close()

	s, err := newClientSession(cfg, os.Stdin, os.Stdout)
	if err != nil {
		return err
	}
	defer s.close()
	log.Info().Str("module", "client").Str("server", cfg.ServerURL).Str("name", cfg.DisplayName).Msg("client ready")
	return fn(ctx, s)
}
