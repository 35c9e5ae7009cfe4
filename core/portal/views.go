package portal

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/trezcool/campus/core/identity"
	"github.com/trezcool/campus/core/tablesync"
)

// View names.
const (
	ViewMarks         = "marks"
	ViewAttendance    = "attendance"
	ViewNotifications = "notifications"
	ViewAnnouncements = "announcements"
	ViewTimetable     = "timetable"
	ViewProfile       = "profile"
)

var ErrUnknownView = errors.New("unknown view")

// AllViews lists the views of the portal pages.
var AllViews = []string{ViewProfile, ViewMarks, ViewAttendance, ViewNotifications, ViewAnnouncements, ViewTimetable}

// View is what a portal page keeps in sync: a table scoped for a principal.
type View struct {
	Name    string
	Table   string
	Scope   tablesync.Scope
	Options []tablesync.Option
}

// NewView returns the named view of p. limit caps the number of rows (0: no limit); the dashboard
// shows the latest announcements only.
func NewView(name string, p identity.Principal, limit int) (View, error) {
	var (
		table = name
		scope tablesync.Scope
	)
	switch name {
	case ViewMarks, ViewAttendance, ViewAnnouncements, ViewTimetable:
		tp, _ := Lookup(table)
		scope = tp.Scope(p)
	case ViewNotifications:
		// everybody gets their own notifications, admins included
		tp, _ := Lookup(table)
		scope = tablesync.UserOwned(tp.OwnerColumn, p.ID)
	case ViewProfile:
		table = TableProfiles
		scope = tablesync.Where(tablesync.Predicate{Column: tablesync.IDColumn, Operator: tablesync.Eq, Value: p.ID})
	default:
		return View{}, errors.Wrapf(ErrUnknownView, "%q", name)
	}

	tp, err := Lookup(table)
	if err != nil {
		return View{}, err
	}
	opts := []tablesync.Option{tablesync.WithOrdering(tp.Ordering...)}
	if limit > 0 {
		opts = append(opts, tablesync.WithLimit(limit))
	}
	return View{Name: name, Table: table, Scope: scope, Options: opts}, nil
}

func (v View) String() string {
	return fmt.Sprintf("%s(%s %s)", v.Name, v.Table, v.Scope)
}

// UnreadCount counts the unread rows of a notifications snapshot.
func UnreadCount(snap tablesync.Snapshot) int {
	var n int
	for _, row := range snap {
		if !truthy(row["is_read"]) {
			n++
		}
	}
	return n
}

func truthy(v interface{}) bool {
	switch b := v.(type) {
	case bool:
		return b
	case int64:
		return b != 0
	case int:
		return b != 0
	case float64:
		return b != 0
	case string:
		return b == "true" || b == "1" || b == "t"
	}
	return false
}
