package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/relay-dev/relay/internal/config"
	"github.com/relay-dev/relay/internal/relay"
)

var serveFlags config.ServerFlags

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveFlags.ConfigFile, "config", "", "Path to a server properties file")
	serveCmd.Flags().StringVar(&serveFlags.Domain, "domain", "", "Public base domain (e.g. relay.example.com)")
	serveCmd.Flags().StringSliceVar(&serveFlags.SecretKeys, "secret-keys", nil, "Accepted shared secrets")
	serveCmd.Flags().IntVar(&serveFlags.Port, "port", 0, "Listen port (default 8080)")
	serveCmd.Flags().IntVar(&serveFlags.MetricsPort, "metrics-port", 0, "Prometheus listener port (default disabled)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadServer(serveFlags)
	if err != nil {
		return exitWith(ExitInvalidArgs, err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	srv := relay.NewServer(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// A second signal skips the graceful drain.
	go func() {
		<-ctx.Done()
		stop()
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		logger.Warn("forced shutdown")
		srv.Close()
		os.Exit(ExitInterrupted)
	}()

	if err := srv.Run(ctx); err != nil {
		return err
	}
	return nil
}
