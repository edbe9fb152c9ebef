package db

import (
	"fmt"
	"strings"
)

// Filter represents a single WHERE condition on a local table.
type Filter interface {
	// SQL returns the SQL fragment for this filter
	SQL() string

	// Args returns the arguments for this filter
	Args() []interface{}

	// Valid checks if the filter is valid
	Valid() bool
}

// EqFilter matches column = value.
type EqFilter struct {
	Column string
	Value  interface{}
}

func (f *EqFilter) Valid() bool { return f.Column != "" }
func (f *EqFilter) SQL() string { return f.Column + " = ?" }
func (f *EqFilter) Args() []interface{} { return []interface{}{f.Value} }

// CompareFilter matches column <op> value for >, >=, < and <=.
type CompareFilter struct {
	Column string
	Op     string
	Value  int64
}

// Valid checks the operator is one of the supported comparisons.
func (f *CompareFilter) Valid() bool {
	switch f.Op {
	case ">", ">=", "<", "<=":
		return f.Column != ""
	}
	return false
}

func (f *CompareFilter) SQL() string { return f.Column + " " + f.Op + " ?" }
func (f *CompareFilter) Args() []interface{} { return []interface{}{f.Value} }

// NullFilter matches column IS NULL, or IS NOT NULL when Not is set.
type NullFilter struct {
	Column string
	Not    bool
}

func (f *NullFilter) Valid() bool { return f.Column != "" }

func (f *NullFilter) SQL() string {
	if f.Not {
		return f.Column + " IS NOT NULL"
	}
	return f.Column + " IS NULL"
}

func (f *NullFilter) Args() []interface{} { return nil }

// InFilter matches column IN (values). An empty set never matches.
type InFilter struct {
	Column string
	Values []interface{}
}

func (f *InFilter) Valid() bool { return f.Column != "" }

func (f *InFilter) SQL() string {
	if len(f.Values) == 0 {
		return "1=0"
	}
	return f.Column + " IN (" + strings.TrimSuffix(strings.Repeat("?,", len(f.Values)), ",") + ")"
}

func (f *InFilter) Args() []interface{} { return f.Values }

// FilterBuilder builds SQL filter conditions from multiple filters.
type FilterBuilder struct {
	filters []Filter
}

// NewFilterBuilder creates a new FilterBuilder.
func NewFilterBuilder() *FilterBuilder {
	return &FilterBuilder{
		filters: make([]Filter, 0),
	}
}

// Add appends f if it is valid.
func (fb *FilterBuilder) Add(f Filter) *FilterBuilder {
	if f.Valid() {
		fb.filters = append(fb.filters, f)
	}
	return fb
}

// Eq adds an equality filter.
func (fb *FilterBuilder) Eq(column string, value interface{}) *FilterBuilder {
	return fb.Add(&EqFilter{Column: column, Value: value})
}

// After adds column > value. Zero means unbounded and adds nothing.
func (fb *FilterBuilder) After(column string, value int64) *FilterBuilder {
	if value == 0 {
		return fb
	}
	return fb.Add(&CompareFilter{Column: column, Op: ">", Value: value})
}

// Since adds column >= value. Zero means unbounded and adds nothing.
func (fb *FilterBuilder) Since(column string, value int64) *FilterBuilder {
	if value == 0 {
		return fb
	}
	return fb.Add(&CompareFilter{Column: column, Op: ">=", Value: value})
}

// Before adds column < value. Zero means unbounded and adds nothing.
func (fb *FilterBuilder) Before(column string, value int64) *FilterBuilder {
	if value == 0 {
		return fb
	}
	return fb.Add(&CompareFilter{Column: column, Op: "<", Value: value})
}

// Null adds column IS NULL.
func (fb *FilterBuilder) Null(column string) *FilterBuilder {
	return fb.Add(&NullFilter{Column: column})
}

// NotNull adds column IS NOT NULL.
func (fb *FilterBuilder) NotNull(column string) *FilterBuilder {
	return fb.Add(&NullFilter{Column: column, Not: true})
}

// In adds column IN (values).
func (fb *FilterBuilder) In(column string, values []interface{}) *FilterBuilder {
	return fb.Add(&InFilter{Column: column, Values: values})
}

// HasFilters returns true if any filters have been added.
func (fb *FilterBuilder) HasFilters() bool {
	return len(fb.filters) > 0
}

// Count returns the number of filters.
func (fb *FilterBuilder) Count() int {
	return len(fb.filters)
}

// Build builds the SQL condition joined by AND and returns the arguments.
func (fb *FilterBuilder) Build() (string, []interface{}) {
	if !fb.HasFilters() {
		return "", nil
	}

	var sqlParts []string
	var args []interface{}

	for _, filter := range fb.filters {
		sqlParts = append(sqlParts, filter.SQL())
		args = append(args, filter.Args()...)
	}

	return strings.Join(sqlParts, " AND "), args
}

// Where builds a full " WHERE ..." clause, or "" without filters.
func (fb *FilterBuilder) Where() (string, []interface{}) {
	cond, args := fb.Build()
	if cond == "" {
		return "", nil
	}
	return " WHERE " + cond, args
}

// String returns a string representation of the filters (for debugging).
func (fb *FilterBuilder) String() string {
	if !fb.HasFilters() {
		return "(no filters)"
	}

	var parts []string
	for _, filter := range fb.filters {
		parts = append(parts, fmt.Sprintf("%T", filter))
	}
	return strings.Join(parts, ", ")
}
