// Package portal binds the campus tables to the users: who reads and writes which rows, and the
// views the portal pages keep in sync.
package portal

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/trezcool/campus/core"
	"github.com/trezcool/campus/core/identity"
	"github.com/trezcool/campus/core/tablesync"
)

const (
	TableProfiles      = "profiles"
	TableMarks         = "marks"
	TableAttendance    = "attendance"
	TableAnnouncements = "announcements"
	TableTimetable     = "timetable"
	TableNotifications = "notifications"
)

var (
	ErrUnknownTable = errors.New("unknown table")
	ErrForbidden    = errors.New("you do not have permission to perform this action")
)

// TablePolicy tells who reads and writes the rows of a table.
type TablePolicy struct {
	Table string
	// OwnerColumn holds the id of the user owning a row; "" for tables readable by everyone.
	OwnerColumn string
	// ReadAll roles read every row; the others only read the rows they own.
	ReadAll []identity.Role
	// Write roles insert, update and delete any row.
	Write []identity.Role
	// OwnerUpdatable columns may be updated by the owner of a row.
	OwnerUpdatable []string
	// Ordering is the default ordering of the table's views.
	Ordering []core.DBOrdering
}

var (
	staff   = []identity.Role{identity.RoleFaculty, identity.RoleAdmin}
	admin   = []identity.Role{identity.RoleAdmin}
	newest  = []core.DBOrdering{{Field: "created_at"}}
	catalog = map[string]TablePolicy{
		TableProfiles: {
			Table:          TableProfiles,
			OwnerColumn:    tablesync.IDColumn,
			ReadAll:        staff,
			Write:          admin,
			OwnerUpdatable: []string{"full_name"},
			Ordering:       []core.DBOrdering{{Field: "full_name", Ascending: true}},
		},
		TableMarks: {
			Table:       TableMarks,
			OwnerColumn: "student_id",
			ReadAll:     staff,
			Write:       staff,
			Ordering:    []core.DBOrdering{{Field: "subject", Ascending: true}},
		},
		TableAttendance: {
			Table:       TableAttendance,
			OwnerColumn: "student_id",
			ReadAll:     staff,
			Write:       staff,
			Ordering:    []core.DBOrdering{{Field: "date"}},
		},
		TableNotifications: {
			Table:          TableNotifications,
			OwnerColumn:    "user_id",
			ReadAll:        admin,
			Write:          staff,
			OwnerUpdatable: []string{"is_read"},
			Ordering:       newest,
		},
		TableAnnouncements: {
			Table:    TableAnnouncements,
			Write:    staff,
			Ordering: newest,
		},
		TableTimetable: {
			Table: TableTimetable,
			Write: staff,
			Ordering: []core.DBOrdering{
				{Field: "day", Ascending: true},
				{Field: "start_time", Ascending: true},
			},
		},
	}
)

// Lookup returns the policy of table.
func Lookup(table string) (TablePolicy, error) {
	tp, ok := catalog[table]
	if !ok {
		return TablePolicy{}, errors.Wrapf(ErrUnknownTable, "%q", table)
	}
	return tp, nil
}

// Tables returns the names of the portal tables, sorted.
func Tables() []string {
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Owned reports whether the rows of the table belong to users.
func (tp TablePolicy) Owned() bool { return tp.OwnerColumn != "" }

// ReadsAll reports whether p reads every row of the table.
func (tp TablePolicy) ReadsAll(p identity.Principal) bool {
	return !tp.Owned() || identity.RoleIn(p.Role, tp.ReadAll)
}

// Scope returns the widest scope p reads the table with.
func (tp TablePolicy) Scope(p identity.Principal) tablesync.Scope {
	if tp.ReadsAll(p) {
		return tablesync.Global()
	}
	return tablesync.UserOwned(tp.OwnerColumn, p.ID)
}

// Constrain restricts filter to the rows p may read. Filtering on somebody else's rows is forbidden.
func (tp TablePolicy) Constrain(p identity.Principal, filter tablesync.Filter) (tablesync.Filter, error) {
	if tp.ReadsAll(p) {
		return filter, nil
	}
	if p.ID == "" {
		return nil, ErrForbidden
	}

	constrained := make(tablesync.Filter, 0, len(filter)+1)
	for _, pred := range filter {
		if pred.Column == tp.OwnerColumn {
			if pred.Operator != tablesync.Eq || pred.Value != p.ID {
				return nil, ErrForbidden
			}
			continue
		}
		constrained = append(constrained, pred)
	}
	return append(constrained, tablesync.Predicate{Column: tp.OwnerColumn, Operator: tablesync.Eq, Value: p.ID}), nil
}

// CanWrite checks that p may apply op with payload. existing is the stored row for updates and deletes.
func (tp TablePolicy) CanWrite(p identity.Principal, op tablesync.Op, payload, existing tablesync.Row) error {
	if identity.RoleIn(p.Role, tp.Write) {
		return nil
	}
	if op != tablesync.OpUpdate || !tp.Owned() || p.ID == "" || existing == nil {
		return ErrForbidden
	}
	if owner, _ := existing[tp.OwnerColumn].(string); owner != p.ID {
		return ErrForbidden
	}
	for col := range payload {
		if col == tablesync.IDColumn {
			continue
		}
		if !contains(tp.OwnerUpdatable, col) {
			return ErrForbidden
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
