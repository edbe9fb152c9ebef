package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/novachat/backend/internal/api"
	"github.com/kimhsiao/novachat/backend/internal/config"
	"github.com/kimhsiao/novachat/backend/internal/logging"
	"github.com/kimhsiao/novachat/backend/internal/sync/realtime"
	"github.com/kimhsiao/novachat/backend/internal/sync/retry"
	"github.com/kimhsiao/novachat/backend/internal/sync/scheduler"
)

const shutdownTimeout = 10 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Tenants    []string
	Addr       string
	NoRealtime bool

	// onListen, when set, receives the bound address (for testing).
	onListen func(addr string)
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return newServeCommand(&ServeOptions{RootOptions: rootOpts})
}

func newServeCommand(opts *ServeOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the background sync engine and the local API",
		Long: `Run the sync scheduler, the realtime subscription of every tenant and the
local HTTP API until interrupted.

The realtime transport is the first configured of NOVA_REALTIME_URL
(websocket), NOVA_REDIS_URL (pub/sub) and the remote database's own change
notifications.

Example:
  novasync serve
  novasync serve --addr 127.0.0.1:9000 --tenant alice`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringSliceVarP(&opts.Tenants, "tenant", "t", nil, "tenant to sync (default: all of NOVA_TENANTS)")
	cmd.Flags().StringVar(&opts.Addr, "addr", "", "API listen address (default: NOVA_HTTP_ADDR)")
	cmd.Flags().BoolVar(&opts.NoRealtime, "no-realtime", false, "rely on periodic and manual syncs only")
	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	cfg, err := loadConfig(opts.RootOptions, cmd.ErrOrStderr(), true)
	if err != nil {
		return err
	}
	tenants, err := resolveTenants(cfg, opts.Tenants)
	if err != nil {
		return err
	}
	addr := opts.Addr
	if addr == "" {
		addr = cfg.HTTPAddr
	}

	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	sched := scheduler.NewScheduler(a.engine, scheduler.FromSyncConfig(cfg.Sync, tenants))
	hub := api.NewHub()
	a.engine.SetEventHandler(hub)

	rt := &realtimeGroup{}
	if !opts.NoRealtime {
		feed, closeFeed, err := openFeed(ctx, cfg, a)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open realtime feed", err)
		}
		defer closeFeed()
		rt.start(ctx, feed, tenants, a, sched, cfg)
	}

	sched.Start()
	for _, tenant := range tenants {
		sched.RequestSync(tenant, scheduler.Options{Reason: "startup"})
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		rt.stop(cancel)
		sched.Stop()
		return WrapExitError(ExitCommandError, "failed to listen on "+addr, err)
	}
	handler := api.NewHandler(sched, tenants, a.checks())
	handler.SetErrorLog(a.engine)
	handler.SetWriter(a.repo)
	srv := &http.Server{
		Handler:           api.NewRouter(logging.Get().Zerolog(), handler, hub),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	logging.Info("Sync service started",
		map[string]interface{}{"addr": ln.Addr().String(), "tenants": tenants, "realtime": !opts.NoRealtime})
	if opts.onListen != nil {
		opts.onListen(ln.Addr().String())
	}

	var runErr error
	select {
	case sig := <-sigCh:
		logging.Info("Received signal, shutting down", map[string]interface{}{"signal": sig.String()})
	case <-ctx.Done():
		logging.Info("Context cancelled, shutting down", nil)
	case err := <-serveErr:
		runErr = WrapExitError(ExitCommandError, "API server failed", err)
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logging.Warn("API shutdown incomplete", map[string]interface{}{"error": err.Error()})
	}
	rt.stop(cancel)
	sched.Stop()
	hub.Close()

	logging.Info("Sync service stopped", nil)
	return runErr
}

// openFeed picks the realtime transport and returns a func releasing it.
func openFeed(ctx context.Context, cfg *config.Config, a *app) (realtime.Feed, func(), error) {
	noop := func() {}
	switch {
	case cfg.RealtimeURL != "":
		header := http.Header{}
		if cfg.RealtimeToken != "" {
			header.Set("Authorization", "Bearer "+cfg.RealtimeToken)
		}
		return realtime.NewWebSocketFeed(cfg.RealtimeURL, header), noop, nil
	case cfg.RedisURL != "":
		feed, err := realtime.NewRedisFeedFromURL(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return feed, func() { _ = feed.Close() }, nil
	case a.postgres != nil:
		return realtime.NewPostgresFeed(a.postgres.Pool()), noop, nil
	default:
		return realtime.NewMemoryFeed(a.memory, 64), noop, nil
	}
}

// realtimeGroup runs one consumer and supervisor per tenant.
type realtimeGroup struct {
	consumers []*realtime.Consumer
	wg        sync.WaitGroup
}

func (g *realtimeGroup) start(ctx context.Context, feed realtime.Feed, tenants []string, a *app, sched *scheduler.Scheduler, cfg *config.Config) {
	backoff := retry.Policy{BaseDelay: cfg.Sync.BaseBackoff, MaxDelay: cfg.Sync.MaxBackoff * 4}
	// queued events are still applied after the subscriptions are cancelled
	applyCtx := context.WithoutCancel(ctx)
	for _, tenant := range tenants {
		consumer := realtime.NewConsumer(tenant, a.engine.Applier(), sched, a.engine.Puller(), realtime.DefaultConsumerConfig())
		consumer.Start(applyCtx)
		g.consumers = append(g.consumers, consumer)

		sup := realtime.NewSupervisor(feed, tenant, consumer, sched, backoff)
		g.wg.Add(1)
		go func(tenant string) {
			defer g.wg.Done()
			if err := sup.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logging.Error("Realtime supervisor stopped", err, map[string]interface{}{"tenant": tenant})
			}
		}(tenant)
	}
}

// stop cancels the subscriptions, then drains the consumers.
func (g *realtimeGroup) stop(cancel context.CancelFunc) {
	cancel()
	g.wg.Wait()
	for _, c := range g.consumers {
		c.Stop()
	}
}
