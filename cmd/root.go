package cmd

import (
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	tea "charm.land/bubbletea/v2"
	"github.com/spf13/cobra"

	"github.com/relay-dev/relay/internal/config"
	"github.com/relay-dev/relay/internal/tui"
	"github.com/relay-dev/relay/internal/tunnel"
	"github.com/relay-dev/relay/internal/version"
)

var clientFlags config.ClientFlags

var rootCmd = &cobra.Command{
	Use:     "relay <port>",
	Short:   "Expose a local server through a relay tunnel",
	Version: version.String(),
	Args:    cobra.ExactArgs(1),
	RunE:    runClient,
	// Usage output on real errors drowns the message; RunE reports them.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.Flags().StringVarP(&clientFlags.Server, "server", "s", "", "Relay server host (e.g. relay.example.com)")
	rootCmd.Flags().StringVarP(&clientFlags.Key, "key", "k", "", "Shared secret key")
	rootCmd.Flags().StringVarP(&clientFlags.Subdomain, "subdomain", "d", "", "Requested subdomain (default: random)")
	rootCmd.Flags().BoolVar(&clientFlags.Insecure, "insecure", false, "Connect over ws:// instead of wss://")
	rootCmd.Flags().BoolVarP(&clientFlags.Quiet, "quiet", "q", false, "Log only errors, no TUI")
	rootCmd.Flags().BoolVarP(&clientFlags.Verbose, "verbose", "v", false, "Verbose plain logging, no TUI")
}

func Execute() error {
	return rootCmd.Execute()
}

func runClient(cmd *cobra.Command, args []string) error {
	port, err := strconv.Atoi(args[0])
	if err != nil {
		return exitWith(ExitInvalidArgs, fmt.Errorf("invalid port %q: ports must be between 1 and 65535", args[0]))
	}
	// Quiet wins when both are set.
	if clientFlags.Quiet {
		clientFlags.Verbose = false
	}

	cfg, err := config.LoadClient(port, clientFlags)
	if err != nil {
		return exitWith(ExitInvalidArgs, err)
	}

	logger := newClientLogger(cfg)
	client := tunnel.NewClient(cfg, logger)
	client.Connect()

	if cfg.Quiet || cfg.Verbose {
		return runPlain(cfg, client, logger)
	}
	return runTUI(cfg, client)
}

func newClientLogger(cfg *config.Client) *slog.Logger {
	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	if cfg.Quiet {
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func runTUI(cfg *config.Client, client *tunnel.Client) error {
	p := tea.NewProgram(tui.NewModel(client, cfg.Port))
	final, err := p.Run()
	if err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}

	model, ok := final.(tui.Model)
	if !ok {
		return nil
	}
	if fatal := model.FatalErr(); fatal != nil {
		return classifyFatal(cfg, fatal)
	}
	if model.Interrupted() {
		return exitWith(ExitInterrupted, nil)
	}
	return nil
}

func runPlain(cfg *config.Client, client *tunnel.Client, logger *slog.Logger) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var lastErr error
	for {
		select {
		case <-sigCh:
			client.Disconnect()
			return exitWith(ExitInterrupted, nil)

		case ev := <-client.Events:
			switch ev.Type {
			case "registered":
				if ev.Registered != nil {
					fmt.Fprintf(os.Stderr, "Tunnel ready: %s -> localhost:%d\n", ev.Registered.PublicURL, cfg.Port)
				}
			case "status":
				logger.Debug("tunnel status", "status", string(ev.Status))
				if ev.Status == tunnel.StatusDisconnected && !cfg.Reconnect {
					if lastErr != nil {
						return classifyFatal(cfg, lastErr)
					}
					return exitWith(ExitConnFailed, errors.New("connection lost"))
				}
			case "traffic":
				if ev.Traffic != nil {
					logger.Info("request",
						"method", ev.Traffic.Method,
						"path", ev.Traffic.Path,
						"status", ev.Traffic.Status,
						"duration", ev.Traffic.Duration,
					)
				}
			case "error":
				if ev.Fatal {
					return classifyFatal(cfg, ev.Error)
				}
				lastErr = ev.Error
				logger.Warn("tunnel error", "error", ev.Error)
			}
		}
	}
}

// classifyFatal maps a fatal client error to an exit code and adds the
// connection diagnostics a first-time user needs.
func classifyFatal(cfg *config.Client, err error) error {
	if errors.Is(err, tunnel.ErrAuthFailed) {
		return exitWith(ExitAuthFailed, err)
	}

	var certErr *x509.UnknownAuthorityError
	var hostErr x509.HostnameError
	if errors.As(err, &certErr) || errors.As(err, &hostErr) {
		return exitWith(ExitConnFailed, fmt.Errorf("%w\nTLS validation failed: if the server has no valid certificate, retry with --insecure", err))
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return exitWith(ExitConnFailed, fmt.Errorf("%w\nCould not resolve %q: check the --server value", err, cfg.Server))
	}

	return exitWith(ExitConnFailed, err)
}
