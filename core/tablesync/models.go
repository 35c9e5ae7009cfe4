package tablesync

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/trezcool/campus/core"
)

// IDColumn is the stable identifier column every synchronized table carries.
const IDColumn = "id"

// Row maps column names to scalar or JSON values. Rows held by a Snapshot are never mutated.
type Row map[string]interface{}

// ID returns the row's identifier, formatted as a string ("" if missing).
func (r Row) ID() string {
	v, ok := r[IDColumn]
	if !ok || v == nil {
		return ""
	}
	return formatValue(v)
}

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	c := make(Row, len(r))
	for k, v := range r {
		c[k] = v
	}
	return c
}

// Snapshot is the last successfully fetched, ordered view of a table (or a filtered subset of it).
type Snapshot []Row

// Find returns the row with the given id.
func (s Snapshot) Find(id string) (Row, bool) {
	for _, r := range s {
		if r.ID() == id {
			return r, true
		}
	}
	return nil, false
}

func (s Snapshot) IDs() []string {
	ids := make([]string, 0, len(s))
	for _, r := range s {
		ids = append(ids, r.ID())
	}
	return ids
}

// SyncState is the state of a Channel.
type SyncState uint8

const (
	Idle SyncState = iota
	Fetching
	Ready
	Error
)

func (s SyncState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Fetching:
		return "fetching"
	case Ready:
		return "ready"
	case Error:
		return "error"
	}
	return "unknown"
}

// Operator of a Predicate.
type Operator string

const (
	Eq  Operator = "eq"
	Neq Operator = "neq"
	Gt  Operator = "gt"
	Gte Operator = "gte"
	Lt  Operator = "lt"
	Lte Operator = "lte"
)

var sqlOperators = map[Operator]string{
	Eq:  "=",
	Neq: "<>",
	Gt:  ">",
	Gte: ">=",
	Lt:  "<",
	Lte: "<=",
}

// SQL returns the SQL comparison operator.
func (op Operator) SQL() string { return sqlOperators[op] }

func (op Operator) Valid() bool {
	_, ok := sqlOperators[op]
	return ok
}

// Predicate compares a column to a value: "column=op.value" (e.g. "student_id=eq.42").
type Predicate struct {
	Column   string
	Operator Operator
	Value    string
}

// ParsePredicate parses the "column=op.value" form.
func ParsePredicate(s string) (Predicate, error) {
	col, rest, ok := strings.Cut(s, "=")
	if !ok {
		return Predicate{}, &ConfigurationError{Field: "filter", Reason: fmt.Sprintf("%q: missing '='", s)}
	}
	op, val, ok := strings.Cut(rest, ".")
	if !ok {
		return Predicate{}, &ConfigurationError{Field: "filter", Reason: fmt.Sprintf("%q: missing operator", s)}
	}
	p := Predicate{Column: strings.TrimSpace(col), Operator: Operator(op), Value: val}
	return p, p.Validate()
}

func (p Predicate) Validate() error {
	if !core.IsIdentifier(p.Column) {
		return &ConfigurationError{Field: "filter", Reason: fmt.Sprintf("invalid column %q", p.Column)}
	}
	if !p.Operator.Valid() {
		return &ConfigurationError{Field: "filter", Reason: fmt.Sprintf("invalid operator %q", p.Operator)}
	}
	return nil
}

func (p Predicate) String() string {
	return p.Column + "=" + string(p.Operator) + "." + p.Value
}

// Match evaluates the predicate against a row. Numeric values are compared numerically.
func (p Predicate) Match(r Row) bool {
	v, ok := r[p.Column]
	if !ok {
		return false
	}
	cmp := compare(formatValue(v), p.Value)
	switch p.Operator {
	case Eq:
		return cmp == 0
	case Neq:
		return cmp != 0
	case Gt:
		return cmp > 0
	case Gte:
		return cmp >= 0
	case Lt:
		return cmp < 0
	case Lte:
		return cmp <= 0
	}
	return false
}

// Filter is a conjunction of predicates.
type Filter []Predicate

// ParseFilter parses predicates in the "column=op.value" form.
func ParseFilter(exprs ...string) (Filter, error) {
	f := make(Filter, 0, len(exprs))
	for _, expr := range exprs {
		if strings.TrimSpace(expr) == "" {
			continue
		}
		p, err := ParsePredicate(expr)
		if err != nil {
			return nil, err
		}
		f = append(f, p)
	}
	return f, nil
}

func (f Filter) Validate() error {
	for _, p := range f {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (f Filter) Match(r Row) bool {
	for _, p := range f {
		if !p.Match(r) {
			return false
		}
	}
	return true
}

// MatchKnown is Match on a partial row: predicates on columns missing from r pass.
func (f Filter) MatchKnown(r Row) bool {
	for _, p := range f {
		if _, ok := r[p.Column]; ok && !p.Match(r) {
			return false
		}
	}
	return true
}

// Strings returns the predicates in their parseable form.
func (f Filter) Strings() []string {
	s := make([]string, 0, len(f))
	for _, p := range f {
		s = append(s, p.String())
	}
	return s
}

// String returns a canonical form: predicates sorted, joined by "&".
func (f Filter) String() string {
	s := f.Strings()
	sort.Strings(s)
	return strings.Join(s, "&")
}

// ScopeKind tells which change events a Scope cares about.
type ScopeKind uint8

const (
	GlobalScope    ScopeKind = iota + 1 // no filter: any write refetches
	UserOwnedScope                      // owner column = current user id
	PredicateScope                      // arbitrary server-side filter
)

func (k ScopeKind) String() string {
	switch k {
	case GlobalScope:
		return "global"
	case UserOwnedScope:
		return "user-owned"
	case PredicateScope:
		return "predicate"
	}
	return "invalid"
}

// Scope is the filter/ownership key of a Channel.
type Scope struct {
	Kind   ScopeKind
	Filter Filter
}

func Global() Scope {
	return Scope{Kind: GlobalScope}
}

// UserOwned scopes a table to the rows whose ownerColumn equals userID.
func UserOwned(ownerColumn, userID string) Scope {
	return Scope{
		Kind:   UserOwnedScope,
		Filter: Filter{{Column: ownerColumn, Operator: Eq, Value: userID}},
	}
}

func Where(preds ...Predicate) Scope {
	return Scope{Kind: PredicateScope, Filter: preds}
}

// Validate checks that the scope is well-formed: a user-owned scope carries exactly one equality on a
// non-empty user id, a predicate scope carries a non-empty filter and a global scope no filter.
func (s Scope) Validate() error {
	switch s.Kind {
	case GlobalScope:
		if len(s.Filter) > 0 {
			return &ConfigurationError{Field: "scope", Reason: "global scope cannot carry a filter"}
		}
		return nil
	case UserOwnedScope:
		if len(s.Filter) != 1 || s.Filter[0].Operator != Eq {
			return &ConfigurationError{Field: "scope", Reason: "user-owned scope needs a single owner equality"}
		}
		if s.Filter[0].Value == "" {
			return &ConfigurationError{Field: "scope", Reason: "user-owned scope needs a user id"}
		}
		return s.Filter.Validate()
	case PredicateScope:
		if len(s.Filter) == 0 {
			return &ConfigurationError{Field: "scope", Reason: "predicate scope needs a filter expression"}
		}
		return s.Filter.Validate()
	}
	return &ConfigurationError{Field: "scope", Reason: fmt.Sprintf("unknown scope kind %d", s.Kind)}
}

func (s Scope) String() string {
	if len(s.Filter) == 0 {
		return s.Kind.String()
	}
	return s.Kind.String() + "(" + s.Filter.String() + ")"
}

// Query is a bulk read of a table.
type Query struct {
	Table    string
	Filter   Filter
	Ordering []core.DBOrdering
	Limit    int
}

func formatValue(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	}
	return fmt.Sprint(v)
}

func compare(a, b string) int {
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	if errA == nil && errB == nil {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}
	return strings.Compare(a, b)
}
