package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	syncpkg "github.com/kimhsiao/novachat/backend/internal/sync"
	"github.com/kimhsiao/novachat/backend/internal/sync/scheduler"
)

// SyncOptions holds flags for the sync and resync commands.
type SyncOptions struct {
	*RootOptions
	Tenants []string
	Timeout time.Duration
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync round per tenant",
		Long: `Run one pull-then-push round for each tenant and print the results.

The command exits 1 when any round ends with an outcome other than "ok".

Example:
  novasync sync
  novasync sync --tenant alice --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, opts, false)
		},
	}

	cmd.Flags().StringSliceVarP(&opts.Tenants, "tenant", "t", nil, "tenant to sync (default: all of NOVA_TENANTS)")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "give up waiting after this long (0 waits for the round)")
	return cmd
}

// NewResyncCommand creates the resync command.
func NewResyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "resync",
		Short: "Clear the cursor and run a full sync round",
		Long: `Forget the sync cursor of each tenant and run a full round, re-reading
every remote conversation and message.

Example:
  novasync resync --tenant alice`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, opts, true)
		},
	}

	cmd.Flags().StringSliceVarP(&opts.Tenants, "tenant", "t", nil, "tenant to resync (default: all of NOVA_TENANTS)")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "give up waiting after this long (0 waits for the round)")
	return cmd
}

// roundReport is the output of sync and resync.
type roundReport struct {
	Rounds []*syncpkg.SyncResult `json:"rounds"`
}

func (r roundReport) String() string {
	var b strings.Builder
	for i, res := range r.Rounds {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s: %s", res.Tenant, res.Outcome)
		if res.Full {
			b.WriteString(" (full)")
		}
		if res.Pull != nil {
			fmt.Fprintf(&b, " pulled=%d", res.Pull.Applied())
		}
		if res.Push != nil {
			fmt.Fprintf(&b, " pushed=%d deferred=%d",
				res.Push.Conversations.Synced+res.Push.Messages.Synced, res.Push.Deferred())
		}
		fmt.Fprintf(&b, " in %s", res.Duration.Round(time.Millisecond))
		if res.Error != "" {
			fmt.Fprintf(&b, " error=%q", res.Error)
		}
	}
	return b.String()
}

func runSync(cmd *cobra.Command, opts *SyncOptions, full bool) error {
	cfg, err := loadConfig(opts.RootOptions, cmd.ErrOrStderr(), false)
	if err != nil {
		return err
	}
	tenants, err := resolveTenants(cfg, opts.Tenants)
	if err != nil {
		return err
	}

	ctx := commandContext(cmd)
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	sched := a.scheduler()
	defer sched.Stop()

	out := opts.formatter(cmd)
	report := roundReport{}
	failed := 0
	for _, tenant := range tenants {
		res, err := runRound(ctx, sched, tenant, full, opts.Timeout)
		if res == nil {
			return WrapExitError(ExitCommandError, "sync did not run for "+tenant, err)
		}
		if res.Outcome != syncpkg.OutcomeOK {
			failed++
		}
		report.Rounds = append(report.Rounds, res)
	}

	if err := out.Success(report); err != nil {
		return err
	}
	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d rounds did not complete", failed, len(tenants)))
	}
	return nil
}

func runRound(ctx context.Context, sched *scheduler.Scheduler, tenant string, full bool, timeout time.Duration) (*syncpkg.SyncResult, error) {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()
	if full {
		return sched.ForceFullResync(ctx, tenant)
	}
	return sched.SyncNow(ctx, tenant, scheduler.Options{IsActive: true, Reason: "cli"})
}

// TenantOptions holds flags for commands that act on tenants without
// running a round.
type TenantOptions struct {
	*RootOptions
	Tenants []string
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TenantOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the sync status of each tenant",
		Long: `Show the last successful sync and the outbox counts of each tenant.

Example:
  novasync status
  novasync status --tenant alice --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, opts)
		},
	}

	cmd.Flags().StringSliceVarP(&opts.Tenants, "tenant", "t", nil, "tenant to report (default: all of NOVA_TENANTS)")
	return cmd
}

type statusReport struct {
	Tenants []*scheduler.Status `json:"tenants"`
}

func (r statusReport) String() string {
	var b strings.Builder
	for i, st := range r.Tenants {
		if i > 0 {
			b.WriteByte('\n')
		}
		last := "never"
		if st.LastSyncedAt != nil {
			last = st.LastSyncedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(&b, "%s: last_synced=%s pending=%d failed=%d", st.Tenant, last, st.PendingCount, st.FailedCount)
	}
	return b.String()
}

func runStatus(cmd *cobra.Command, opts *TenantOptions) error {
	cfg, err := loadConfig(opts.RootOptions, cmd.ErrOrStderr(), false)
	if err != nil {
		return err
	}
	tenants, err := resolveTenants(cfg, opts.Tenants)
	if err != nil {
		return err
	}

	ctx := commandContext(cmd)
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	sched := a.scheduler()
	defer sched.Stop()

	report := statusReport{}
	for _, tenant := range tenants {
		st, err := sched.Status(ctx, tenant)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read status of "+tenant, err)
		}
		report.Tenants = append(report.Tenants, st)
	}
	return opts.formatter(cmd).Success(report)
}

// NewRetryFailedCommand creates the retry-failed command.
func NewRetryFailedCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TenantOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "retry-failed",
		Short: "Re-queue rows whose push failed permanently",
		Long: `Mark every failed conversation and message of each tenant pending again,
so the next round pushes them.

Example:
  novasync retry-failed --tenant alice`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRetryFailed(cmd, opts)
		},
	}

	cmd.Flags().StringSliceVarP(&opts.Tenants, "tenant", "t", nil, "tenant to re-queue (default: all of NOVA_TENANTS)")
	return cmd
}

type requeueReport struct {
	Requeued map[string]int64 `json:"requeued"`
}

func (r requeueReport) String() string {
	tenants := make([]string, 0, len(r.Requeued))
	for tenant := range r.Requeued {
		tenants = append(tenants, tenant)
	}
	sort.Strings(tenants)

	var b strings.Builder
	for i, tenant := range tenants {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s: %d rows re-queued", tenant, r.Requeued[tenant])
	}
	return b.String()
}

func runRetryFailed(cmd *cobra.Command, opts *TenantOptions) error {
	cfg, err := loadConfig(opts.RootOptions, cmd.ErrOrStderr(), false)
	if err != nil {
		return err
	}
	tenants, err := resolveTenants(cfg, opts.Tenants)
	if err != nil {
		return err
	}

	ctx := commandContext(cmd)
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	report := requeueReport{Requeued: make(map[string]int64, len(tenants))}
	for _, tenant := range tenants {
		n, err := a.engine.RetryFailed(ctx, tenant)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to re-queue rows of "+tenant, err)
		}
		report.Requeued[tenant] = n
	}
	return opts.formatter(cmd).Success(report)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
