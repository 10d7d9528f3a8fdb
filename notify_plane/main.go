package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/itskum47/fanout/notify_plane/broadcast"
	"github.com/itskum47/fanout/notify_plane/config"
	"github.com/itskum47/fanout/notify_plane/logging"
	"github.com/itskum47/fanout/notify_plane/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// cli carries state shared by every command once flags are parsed.
type cli struct {
	cfg      *config.Config
	logger   zerolog.Logger
	logLevel string
}

func newRootCommand() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:   "notify_plane",
		Short: "Subscriber registry and event fan-out service",
		Long: `notify_plane keeps a registry of subscribers and delivers every broadcast
event to each of them, pruning subscribers whose channel is closed.

Configuration is read from FANOUT_* environment variables.`,
		PersistentPreRunE: c.setup,
		RunE:              c.runServe,
		SilenceUsage:      true,
		SilenceErrors:     true,
	}
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides FANOUT_LOG_LEVEL)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP, WebSocket and NATS transports",
			RunE:  c.runServe,
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply Postgres registry migrations",
			RunE:  c.runMigrate,
		},
		&cobra.Command{
			Use:   "subscribers",
			Short: "Print the current registry snapshot as JSON",
			RunE:  c.runSubscribers,
		},
		c.newBroadcastCommand(),
	)
	return root
}

func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		cfg.LogLevel = c.logLevel
	}
	c.cfg = cfg
	c.logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	return nil
}

func (c *cli) runServe(cmd *cobra.Command, _ []string) error {
	return serve(cmd.Context(), c.cfg, c.logger)
}

func (c *cli) runMigrate(cmd *cobra.Command, _ []string) error {
	if c.cfg.PostgresDSN == "" {
		return errors.New("migrate: FANOUT_POSTGRES_DSN is not set")
	}
	if err := store.RunMigrations(cmd.Context(), c.cfg.PostgresDSN); err != nil {
		return err
	}
	c.logger.Info().Msg("migrations applied")
	return nil
}

func (c *cli) runSubscribers(cmd *cobra.Command, _ []string) error {
	registry, _, closeRegistry, err := buildRegistry(cmd.Context(), c.cfg)
	if err != nil {
		return err
	}
	defer closeRegistry()

	subs, err := registry.ListAll(cmd.Context())
	if err != nil {
		return err
	}
	return printJSON(cmd, subs)
}

func (c *cli) newBroadcastCommand() *cobra.Command {
	var eventType, data string

	cmd := &cobra.Command{
		Use:   "broadcast",
		Short: "Broadcast one event through the configured registry and channel",
		Example: `  FANOUT_CHANNEL=gateway FANOUT_GATEWAY_ENDPOINT=https://gw.example/prod \
    notify_plane broadcast --type new-item --data '{"id":42}'`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// This process holds no WebSocket connections; every subscriber
			// would be reported closed and pruned.
			if c.cfg.Channel == config.ChannelWebSocket {
				return fmt.Errorf("broadcast: channel %q only works inside serve, use %q or %q",
					config.ChannelWebSocket, config.ChannelGateway, config.ChannelLog)
			}

			rt, err := buildRuntime(cmd.Context(), c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			event := broadcast.Event{Type: eventType}
			if data != "" {
				event.Data = json.RawMessage(data)
			}
			report, err := rt.service.Broadcast(cmd.Context(), event)
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}
	cmd.Flags().StringVar(&eventType, "type", broadcast.EventNewItem, "event type")
	cmd.Flags().StringVar(&data, "data", "", "event data as JSON")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
