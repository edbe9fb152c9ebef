// Package remote defines the contract of the shared multi-tenant remote
// store and provides its PostgreSQL and in-memory implementations.
package remote

import (
	"context"
	"fmt"

	apperrors "github.com/kimhsiao/novachat/backend/internal/errors"
)

// Table names a remote table.
type Table string

const (
	TableConversations Table = "conversations"
	TableMessages      Table = "messages"
)

// Columns of each remote table, in schema order.
var tableColumns = map[Table][]string{
	TableConversations: {"id", "owner_id", "title", "created_at", "updated_at", "deleted_at"},
	TableMessages:      {"id", "conversation_id", "owner_id", "role", "content", "created_at", "updated_at", "deleted_at", "deleted_by"},
}

// Columns returns the column list of t, or an error for unknown tables.
func Columns(t Table) ([]string, error) {
	cols, ok := tableColumns[t]
	if !ok {
		return nil, apperrors.New(apperrors.ErrValidation, fmt.Sprintf("unknown table %q", t))
	}
	return cols, nil
}

func hasColumn(t Table, col string) bool {
	for _, c := range tableColumns[t] {
		if c == col {
			return true
		}
	}
	return false
}

// Row is a remote record keyed by column name.
type Row map[string]interface{}

// Clone returns a shallow copy of r.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// FilterOp is the comparison a Filter performs.
type FilterOp int

const (
	OpEq FilterOp = iota
	OpGt
	OpLt
	OpIsNull
	OpNotNull
	OpIn
)

// Filter is one condition of a remote query.
type Filter struct {
	Column string
	Op     FilterOp
	Value  interface{}
	Values []interface{}
}

// Eq matches column = value.
func Eq(column string, value interface{}) Filter {
	return Filter{Column: column, Op: OpEq, Value: value}
}

// Gt matches column > value.
func Gt(column string, value interface{}) Filter {
	return Filter{Column: column, Op: OpGt, Value: value}
}

// Lt matches column < value.
func Lt(column string, value interface{}) Filter {
	return Filter{Column: column, Op: OpLt, Value: value}
}

// IsNull matches column IS NULL.
func IsNull(column string) Filter {
	return Filter{Column: column, Op: OpIsNull}
}

// NotNull matches column IS NOT NULL.
func NotNull(column string) Filter {
	return Filter{Column: column, Op: OpNotNull}
}

// In matches column IN (values). An empty set matches nothing.
func In(column string, values ...interface{}) Filter {
	return Filter{Column: column, Op: OpIn, Values: values}
}

// Order sorts a query by one column. Ties are broken by id ascending
// in either direction.
type Order struct {
	Column string
	Desc   bool
}

// Query describes a Select.
type Query struct {
	Table   Table
	Filters []Filter
	Order   *Order
	Limit   int
}

func (q Query) validate() error {
	if _, err := Columns(q.Table); err != nil {
		return err
	}
	if err := validateFilters(q.Table, q.Filters); err != nil {
		return err
	}
	if q.Order != nil && !hasColumn(q.Table, q.Order.Column) {
		return apperrors.New(apperrors.ErrValidation, fmt.Sprintf("unknown order column %q", q.Order.Column))
	}
	if q.Limit < 0 {
		return apperrors.New(apperrors.ErrValidation, "negative limit")
	}
	return nil
}

func validateFilters(t Table, filters []Filter) error {
	for _, f := range filters {
		if !hasColumn(t, f.Column) {
			return apperrors.New(apperrors.ErrValidation, fmt.Sprintf("unknown filter column %q on %s", f.Column, t))
		}
	}
	return nil
}

// UpsertResult is the outcome of an Upsert.
type UpsertResult int

const (
	// Inserted means no row with the conflict key existed.
	Inserted UpsertResult = iota
	// Updated means the stored row was older and has been replaced.
	Updated
	// Conflict means a row with the key already exists and is at least as
	// new as the one written. For immutable rows this is "already synced".
	Conflict
)

func (r UpsertResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	case Conflict:
		return "conflict"
	}
	return fmt.Sprintf("UpsertResult(%d)", int(r))
}

// Store is the remote store contract. Implementations classify failures
// with the codes of internal/errors: SYNC_TRANSIENT and SYNC_TIMEOUT are
// retryable, SYNC_REFERENTIAL means a missing parent, SYNC_AUTH_FAILED
// needs re-login, VALIDATION_ERROR is permanent.
type Store interface {
	Select(ctx context.Context, q Query) ([]Row, error)
	Upsert(ctx context.Context, table Table, row Row, conflictKey string) (UpsertResult, error)
	Count(ctx context.Context, table Table, filters []Filter) (int, error)
}
