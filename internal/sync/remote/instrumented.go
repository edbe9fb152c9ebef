package remote

import (
	"context"
	"time"

	apperrors "github.com/kimhsiao/novachat/backend/internal/errors"
	"github.com/kimhsiao/novachat/backend/internal/logging"
	"github.com/kimhsiao/novachat/backend/internal/metrics"
)

// slowCall is the latency above which a remote call is logged.
const slowCall = 2 * time.Second

// Instrumented records the latency of every call to the wrapped store.
type Instrumented struct {
	next Store
	now  func() time.Time
}

// NewInstrumented wraps next.
func NewInstrumented(next Store) *Instrumented {
	return &Instrumented{next: next, now: time.Now}
}

func (s *Instrumented) observe(method string, table Table, start time.Time, err error) {
	elapsed := s.now().Sub(start)
	metrics.RemoteLatency.WithLabelValues(method).Observe(elapsed.Seconds())

	if elapsed >= slowCall {
		fields := map[string]interface{}{
			"method":     method,
			"table":      string(table),
			"elapsed_ms": elapsed.Milliseconds(),
		}
		if err != nil {
			fields["code"] = string(apperrors.CodeOf(err))
		}
		logging.Warn("Slow remote store call", fields)
	}
}

func (s *Instrumented) Select(ctx context.Context, q Query) ([]Row, error) {
	start := s.now()
	rows, err := s.next.Select(ctx, q)
	s.observe("select", q.Table, start, err)
	return rows, err
}

func (s *Instrumented) Upsert(ctx context.Context, table Table, row Row, conflictKey string) (UpsertResult, error) {
	start := s.now()
	res, err := s.next.Upsert(ctx, table, row, conflictKey)
	s.observe("upsert", table, start, err)
	return res, err
}

func (s *Instrumented) Count(ctx context.Context, table Table, filters []Filter) (int, error) {
	start := s.now()
	n, err := s.next.Count(ctx, table, filters)
	s.observe("count", table, start, err)
	return n, err
}
