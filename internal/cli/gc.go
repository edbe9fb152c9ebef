package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/novachat/backend/internal/db"
	"github.com/kimhsiao/novachat/backend/internal/logging"
)

// GCOptions holds flags for the gc command.
type GCOptions struct {
	*RootOptions
	OlderThan time.Duration
}

// NewGCCommand creates the gc command.
func NewGCCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &GCOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Remove old synced tombstones from the local store",
		Long: `Physically delete conversations and messages that were deleted more than
--older-than ago and whose deletion has already been pushed. Messages of a
removed conversation go with it. Pending tombstones are never removed.

Example:
  novasync gc
  novasync gc --older-than 720h`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGC(cmd, opts)
		},
	}

	cmd.Flags().DurationVar(&opts.OlderThan, "older-than", 30*24*time.Hour, "minimum tombstone age")
	return cmd
}

type gcReport struct {
	Cutoff        time.Time `json:"cutoff"`
	Conversations int64     `json:"conversations"`
	Messages      int64     `json:"messages"`
}

func (r gcReport) String() string {
	return fmt.Sprintf("removed %d conversations and %d messages deleted before %s",
		r.Conversations, r.Messages, r.Cutoff.UTC().Format(time.RFC3339))
}

func runGC(cmd *cobra.Command, opts *GCOptions) error {
	if opts.OlderThan <= 0 {
		return NewExitError(ExitCommandError, "--older-than must be positive")
	}
	cfg, err := loadConfig(opts.RootOptions, cmd.ErrOrStderr(), false)
	if err != nil {
		return err
	}

	ctx := commandContext(cmd)
	database, err := db.OpenAndMigrate(ctx, cfg.DataDir)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open local database", err)
	}
	defer database.Close()
	repo := db.NewRepository(database.DB)
	defer repo.Close()

	cutoff := time.Now().Add(-opts.OlderThan)
	res, err := repo.GarbageCollect(ctx, cutoff.UnixMilli())
	if err != nil {
		return WrapExitError(ExitCommandError, "garbage collection failed", err)
	}
	logging.Info("Garbage collected tombstones",
		map[string]interface{}{"conversations": res.Conversations, "messages": res.Messages, "cutoff": cutoff.UnixMilli()})

	return opts.formatter(cmd).Success(gcReport{
		Cutoff:        cutoff,
		Conversations: res.Conversations,
		Messages:      res.Messages,
	})
}
