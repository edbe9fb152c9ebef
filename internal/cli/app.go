package cli

import (
	"context"
	"io"
	"time"

	"github.com/kimhsiao/novachat/backend/internal/api"
	"github.com/kimhsiao/novachat/backend/internal/config"
	"github.com/kimhsiao/novachat/backend/internal/db"
	apperrors "github.com/kimhsiao/novachat/backend/internal/errors"
	"github.com/kimhsiao/novachat/backend/internal/logging"
	syncpkg "github.com/kimhsiao/novachat/backend/internal/sync"
	"github.com/kimhsiao/novachat/backend/internal/sync/remote"
	"github.com/kimhsiao/novachat/backend/internal/sync/scheduler"
)

// app holds the stores and engine a command runs against.
type app struct {
	cfg      *config.Config
	database *db.DB
	repo     *db.Repository
	remote   remote.Store

	// Exactly one of postgres and memory is set.
	postgres *remote.Postgres
	memory   *remote.Memory

	engine *syncpkg.Engine
}

// loadConfig reads the environment and sets up logging. Logs go to
// stderr, or to the configured rotating file, so stdout stays parseable.
func loadConfig(opts *RootOptions, stderr io.Writer, tee bool) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	level := logging.ParseLevel(cfg.LogLevel)
	if opts.Verbose {
		level = logging.LevelDebug
	}
	if cfg.LogFile != "" {
		logging.InitFile(logging.FileOptions{
			Path:       cfg.LogFile,
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 28,
		}, level, tee)
	} else {
		logging.Init(stderr, level)
	}
	return cfg, nil
}

// openApp opens the local database and connects the remote store. An
// empty NOVA_REMOTE_URL selects the in-memory store.
func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	database, err := db.OpenAndMigrate(ctx, cfg.DataDir)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open local database", err)
	}
	a := &app{cfg: cfg, database: database, repo: db.NewRepository(database.DB)}

	if cfg.RemoteURL == "" {
		logging.Warn("NOVA_REMOTE_URL not set, using in-memory remote store", nil)
		a.memory = remote.NewMemory()
		a.remote = remote.NewInstrumented(a.memory)
	} else {
		pg, err := remote.NewPostgres(ctx, cfg.RemoteURL)
		if err != nil {
			a.Close()
			return nil, WrapExitError(ExitCommandError, "failed to connect remote store", err)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			a.Close()
			return nil, WrapExitError(ExitCommandError, "failed to prepare remote schema", err)
		}
		a.postgres = pg
		a.remote = remote.NewInstrumented(pg)
	}

	a.engine = syncpkg.NewEngine(a.repo, a.remote, cfg.Sync, syncpkg.Options{})
	return a, nil
}

// Close releases every store.
func (a *app) Close() {
	if a.postgres != nil {
		a.postgres.Close()
	}
	if a.repo != nil {
		if err := a.repo.Close(); err != nil {
			logging.Warn("Failed to close repository", map[string]interface{}{"error": err.Error()})
		}
	}
	if a.database != nil {
		if err := a.database.Close(); err != nil {
			logging.Warn("Failed to close database", map[string]interface{}{"error": err.Error()})
		}
	}
}

// scheduler builds a scheduler over the app's engine. It is not started.
func (a *app) scheduler() *scheduler.Scheduler {
	return scheduler.NewScheduler(a.engine, scheduler.FromSyncConfig(a.cfg.Sync, a.cfg.Tenants))
}

// resolveTenants checks the --tenant flag against the configured tenants.
// With no flag every configured tenant is selected.
func resolveTenants(cfg *config.Config, flag []string) ([]string, error) {
	if len(flag) == 0 {
		if len(cfg.Tenants) == 0 {
			return nil, NewExitError(ExitCommandError, "no tenant given: pass --tenant or set NOVA_TENANTS")
		}
		return cfg.Tenants, nil
	}
	if len(cfg.Tenants) == 0 {
		return flag, nil
	}
	known := make(map[string]bool, len(cfg.Tenants))
	for _, t := range cfg.Tenants {
		known[t] = true
	}
	for _, t := range flag {
		if !known[t] {
			return nil, WrapExitError(ExitCommandError, "unknown tenant "+t,
				apperrors.New(apperrors.ErrNotFound, "tenant is not in NOVA_TENANTS"))
		}
	}
	return flag, nil
}

// checks returns the health checks of the app's stores.
func (a *app) checks() map[string]api.Check {
	checks := map[string]api.Check{
		"local": func(ctx context.Context) error {
			return a.database.PingContext(ctx)
		},
	}
	if a.postgres != nil {
		checks["remote"] = a.postgres.Ping
	}
	return checks
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
