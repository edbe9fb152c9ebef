package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/novachat/backend/internal/logging"
	"github.com/kimhsiao/novachat/backend/internal/sync/realtime"
	"github.com/kimhsiao/novachat/backend/internal/sync/remote"
	"github.com/kimhsiao/novachat/backend/internal/sync/retry"
)

// RelayOptions holds flags for the relay command.
type RelayOptions struct {
	*RootOptions
	PublishTimeout time.Duration
}

// NewRelayCommand creates the relay command.
func NewRelayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RelayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Forward remote database changes to Redis",
		Long: `Listen for the change notifications of the remote database and publish
each one on its owner's Redis channel, so that devices can subscribe through
Redis instead of holding a database connection each.

Requires NOVA_REMOTE_URL and NOVA_REDIS_URL.

Example:
  novasync relay`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(cmd, opts)
		},
	}

	cmd.Flags().DurationVar(&opts.PublishTimeout, "publish-timeout", 5*time.Second, "bound on each Redis publish")
	return cmd
}

func runRelay(cmd *cobra.Command, opts *RelayOptions) error {
	cfg, err := loadConfig(opts.RootOptions, cmd.ErrOrStderr(), true)
	if err != nil {
		return err
	}
	if cfg.RemoteURL == "" || cfg.RedisURL == "" {
		return NewExitError(ExitCommandError, "relay requires NOVA_REMOTE_URL and NOVA_REDIS_URL")
	}

	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logging.Info("Received signal, shutting down", map[string]interface{}{"signal": sig.String()})
			cancel()
		case <-ctx.Done():
		}
	}()

	pg, err := remote.NewPostgres(ctx, cfg.RemoteURL)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to connect remote store", err)
	}
	defer pg.Close()
	if err := pg.EnsureSchema(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to prepare remote schema", err)
	}

	redisFeed, err := realtime.NewRedisFeedFromURL(ctx, cfg.RedisURL)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to connect redis", err)
	}
	defer redisFeed.Close()

	relay := realtime.NewRelay(redisFeed, opts.PublishTimeout)
	sup := realtime.NewSupervisor(realtime.NewPostgresFeed(pg.Pool()), realtime.AllTenants, relay, nil,
		retry.Policy{BaseDelay: cfg.Sync.BaseBackoff, MaxDelay: cfg.Sync.MaxBackoff * 4})

	logging.Info("Relay started", map[string]interface{}{"channel": remote.ChangeChannel})
	err = sup.Run(ctx)
	logging.Info("Relay stopped",
		map[string]interface{}{"forwarded": relay.Forwarded(), "failed": relay.Failed()})
	if err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitCommandError, "relay failed", err)
	}
	return nil
}
