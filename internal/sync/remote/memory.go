package remote

import (
	"context"
	"fmt"
	"sort"
	"sync"

	apperrors "github.com/kimhsiao/novachat/backend/internal/errors"
)

// ChangeOp is the kind of row change reported to subscribers.
type ChangeOp string

const (
	ChangeInsert ChangeOp = "insert"
	ChangeUpdate ChangeOp = "update"
)

// Change is a committed row change in a Memory store.
type Change struct {
	Table Table
	Op    ChangeOp
	Row   Row
}

// Call identifies one store call, passed to fault hooks.
type Call struct {
	Method string // "select", "upsert" or "count"
	Table  Table
	Row    Row
}

// CallCounts counts store calls by method.
type CallCounts struct {
	Select int
	Upsert int
	Count  int
}

// Total returns the number of calls of any kind.
func (c CallCounts) Total() int {
	return c.Select + c.Upsert + c.Count
}

type fault struct {
	method string
	table  Table
	err    error
	times  int
}

type subscriber struct {
	owner string
	ch    chan Change
}

// Memory is an in-process remote store with the same upsert and
// referential semantics as Postgres. It can inject faults, delay parent
// visibility, and notify subscribers of changes.
type Memory struct {
	mu     sync.Mutex
	tables map[Table]map[string]Row

	calls  CallCounts
	faults []*fault
	hook   func(Call) error

	// Remaining upserts referencing a new conversation that still see it
	// as missing, keyed by conversation id.
	parentLag  int
	lagPending map[string]int

	subs   map[int]subscriber
	nextID int
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		tables: map[Table]map[string]Row{
			TableConversations: {},
			TableMessages:      {},
		},
		lagPending: map[string]int{},
		subs:       map[int]subscriber{},
	}
}

// =====================================================
// Test controls
// =====================================================

// FailNext makes the next n calls of method on table fail with err.
// An empty method or table matches any.
func (m *Memory) FailNext(method string, table Table, err error, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = append(m.faults, &fault{method: method, table: table, err: err, times: n})
}

// SetHook installs a function consulted before every call. A non-nil
// return fails the call.
func (m *Memory) SetHook(hook func(Call) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = hook
}

// SetParentVisibilityLag makes the first n message upserts that reference
// a freshly inserted conversation fail with a referential error.
func (m *Memory) SetParentVisibilityLag(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parentLag = n
}

// Calls returns the call counters.
func (m *Memory) Calls() CallCounts {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// ResetCalls zeroes the call counters.
func (m *Memory) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = CallCounts{}
}

// Seed stores rows directly, bypassing upsert rules, faults and counters.
func (m *Memory) Seed(table Table, rows ...Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		id, _ := r["id"].(string)
		m.tables[table][id] = r.Clone()
	}
}

// Get returns a copy of the row with id, or nil.
func (m *Memory) Get(table Table, id string) Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.tables[table][id]
	if !ok {
		return nil
	}
	return r.Clone()
}

// Len returns the number of rows in table.
func (m *Memory) Len(table Table) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tables[table])
}

// Subscribe returns a channel of committed changes to rows of owner. The
// channel is buffered; changes are dropped when a subscriber falls behind,
// like any best-effort feed. Call the returned function to unsubscribe.
func (m *Memory) Subscribe(owner string, buffer int) (<-chan Change, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	ch := make(chan Change, buffer)
	m.subs[id] = subscriber{owner: owner, ch: ch}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs, id)
			close(ch)
		})
	}
}

// =====================================================
// Store implementation
// =====================================================

// Select runs q against the stored rows.
func (m *Memory) Select(ctx context.Context, q Query) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls.Select++

	if err := q.validate(); err != nil {
		return nil, err
	}
	if err := m.injected(Call{Method: "select", Table: q.Table}); err != nil {
		return nil, err
	}

	var out []Row
	for _, r := range m.tables[q.Table] {
		if matchAll(r, q.Filters) {
			out = append(out, r.Clone())
		}
	}

	if q.Order != nil {
		col, desc := q.Order.Column, q.Order.Desc
		sort.SliceStable(out, func(i, j int) bool {
			c := compare(out[i][col], out[j][col])
			if c == 0 {
				c = compare(out[i]["id"], out[j]["id"])
				return c < 0
			}
			if desc {
				return c > 0
			}
			return c < 0
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Upsert applies last-writer-wins on updated_at and enforces the
// messages to conversations reference.
func (m *Memory) Upsert(ctx context.Context, table Table, row Row, conflictKey string) (UpsertResult, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls.Upsert++

	if _, err := Columns(table); err != nil {
		return 0, err
	}
	if err := m.injected(Call{Method: "upsert", Table: table, Row: row}); err != nil {
		return 0, err
	}
	for col := range row {
		if !hasColumn(table, col) {
			return 0, apperrors.New(apperrors.ErrValidation, fmt.Sprintf("unknown column %q on %s", col, table))
		}
	}
	key, ok := row[conflictKey].(string)
	if !ok || key == "" {
		return 0, apperrors.New(apperrors.ErrValidation, fmt.Sprintf("row has no %s", conflictKey))
	}
	if _, err := ToMillis(row["updated_at"]); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrValidation, "updated_at", err)
	}

	if table == TableMessages {
		parent, _ := row["conversation_id"].(string)
		if _, ok := m.tables[TableConversations][parent]; !ok {
			return 0, apperrors.New(apperrors.ErrSyncReferential,
				fmt.Sprintf("insert or update on messages violates foreign key: conversation %s", parent))
		}
		if n := m.lagPending[parent]; n > 0 {
			m.lagPending[parent] = n - 1
			return 0, apperrors.New(apperrors.ErrSyncReferential,
				fmt.Sprintf("conversation %s not yet visible", parent))
		}
	}

	existing, exists := m.tables[table][key]
	if !exists {
		stored := row.Clone()
		m.tables[table][key] = stored
		if table == TableConversations && m.parentLag > 0 {
			m.lagPending[key] = m.parentLag
		}
		m.notify(Change{Table: table, Op: ChangeInsert, Row: stored})
		return Inserted, nil
	}

	if compare(existing["updated_at"], row["updated_at"]) >= 0 {
		return Conflict, nil
	}
	stored := existing.Clone()
	for k, v := range row {
		stored[k] = v
	}
	m.tables[table][key] = stored
	m.notify(Change{Table: table, Op: ChangeUpdate, Row: stored})
	return Updated, nil
}

// Count returns the number of rows matching filters.
func (m *Memory) Count(ctx context.Context, table Table, filters []Filter) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls.Count++

	if _, err := Columns(table); err != nil {
		return 0, err
	}
	if err := validateFilters(table, filters); err != nil {
		return 0, err
	}
	if err := m.injected(Call{Method: "count", Table: table}); err != nil {
		return 0, err
	}
	n := 0
	for _, r := range m.tables[table] {
		if matchAll(r, filters) {
			n++
		}
	}
	return n, nil
}

// injected returns a pending fault for call, if any. Caller holds mu.
func (m *Memory) injected(call Call) error {
	if m.hook != nil {
		if err := m.hook(call); err != nil {
			return err
		}
	}
	for i, f := range m.faults {
		if (f.method == "" || f.method == call.Method) && (f.table == "" || f.table == call.Table) {
			f.times--
			if f.times <= 0 {
				m.faults = append(m.faults[:i], m.faults[i+1:]...)
			}
			return f.err
		}
	}
	return nil
}

// notify fans c out to subscribers of the row's owner. Caller holds mu.
func (m *Memory) notify(c Change) {
	owner, _ := c.Row["owner_id"].(string)
	for _, s := range m.subs {
		if s.owner != owner {
			continue
		}
		select {
		case s.ch <- Change{Table: c.Table, Op: c.Op, Row: c.Row.Clone()}:
		default:
		}
	}
}

func matchAll(r Row, filters []Filter) bool {
	for _, f := range filters {
		if !match(r, f) {
			return false
		}
	}
	return true
}

func match(r Row, f Filter) bool {
	v := r[f.Column]
	switch f.Op {
	case OpEq:
		return v != nil && compare(v, f.Value) == 0
	case OpGt:
		return v != nil && compare(v, f.Value) > 0
	case OpLt:
		return v != nil && compare(v, f.Value) < 0
	case OpIsNull:
		return v == nil
	case OpNotNull:
		return v != nil
	case OpIn:
		for _, want := range f.Values {
			if v != nil && compare(v, want) == 0 {
				return true
			}
		}
	}
	return false
}

// compare orders two column values. Timestamps compare numerically in
// any supported representation; everything else compares as strings.
// nil sorts first.
func compare(a, b interface{}) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if am, err := ToMillis(a); err == nil {
		if bm, err := ToMillis(b); err == nil {
			switch {
			case am < bm:
				return -1
			case am > bm:
				return 1
			}
			return 0
		}
	}
	as, bs := fmt.Sprint(a), fmt.Sprint(b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	}
	return 0
}

var _ Store = (*Memory)(nil)
var _ Store = (*Postgres)(nil)
