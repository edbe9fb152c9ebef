package realtime

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "github.com/kimhsiao/novachat/backend/internal/errors"
	"github.com/kimhsiao/novachat/backend/internal/logging"
	"github.com/kimhsiao/novachat/backend/internal/metrics"
	"github.com/kimhsiao/novachat/backend/internal/sync/remote"
)

// PostgresFeed listens for the change notifications published by the
// remote schema's triggers. Each subscription holds one connection out of
// the pool for as long as it is open.
type PostgresFeed struct {
	pool    *pgxpool.Pool
	channel string
	buffer  int
}

// AllTenants subscribes a PostgresFeed to every owner's changes.
const AllTenants = "*"

// NewPostgresFeed creates a feed over pool.
func NewPostgresFeed(pool *pgxpool.Pool) *PostgresFeed {
	return &PostgresFeed{pool: pool, channel: remote.ChangeChannel, buffer: 64}
}

// Subscribe listens on the change channel and delivers tenant's rows, or
// every row when tenant is AllTenants.
func (f *PostgresFeed) Subscribe(ctx context.Context, tenant string) (Subscription, error) {
	conn, err := f.pool.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperrors.Wrap(apperrors.ErrSyncTransient, "acquire listen connection", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{f.channel}.Sanitize()); err != nil {
		conn.Release()
		return nil, apperrors.Wrap(apperrors.ErrSyncTransient, "listen failed", err)
	}

	// The connection is never returned to the pool while it is listening.
	raw := conn.Hijack()

	loopCtx, cancel := context.WithCancel(ctx)
	sub := newSubscription(f.buffer)
	sub.onClose = cancel

	go func() {
		err := f.listen(loopCtx, raw, tenant, sub)
		cancel()
		_ = raw.Close(context.Background())
		sub.end(err)
	}()
	return sub, nil
}

func (f *PostgresFeed) listen(ctx context.Context, conn *pgx.Conn, tenant string, sub *subscription) error {
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			select {
			case <-sub.stop:
				return nil
			default:
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			return apperrors.Wrap(apperrors.ErrSyncTransient, "listen connection lost", err)
		}

		ev, ok, err := DecodeEvent([]byte(n.Payload))
		if err != nil {
			metrics.RealtimeEvents.WithLabelValues("", "error").Inc()
			logging.Warn("Dropping malformed change notification",
				map[string]interface{}{"channel": n.Channel, "error": err.Error()})
			continue
		}
		// one channel carries every tenant's changes
		if !ok || (tenant != AllTenants && ev.Owner() != tenant) {
			continue
		}
		if !sub.deliver(ev) {
			return nil
		}
	}
}
