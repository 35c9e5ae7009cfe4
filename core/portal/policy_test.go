package portal

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/trezcool/campus/core/identity"
	"github.com/trezcool/campus/core/tablesync"
)

var (
	student = identity.Principal{ID: "s1", Role: identity.RoleStudent}
	lecturer = identity.Principal{ID: "f1", Role: identity.RoleFaculty}
	root    = identity.Principal{ID: "a1", Role: identity.RoleAdmin}
)

func eq(col, val string) tablesync.Predicate {
	return tablesync.Predicate{Column: col, Operator: tablesync.Eq, Value: val}
}

func TestLookup(t *testing.T) {
	for _, table := range Tables() {
		if _, err := Lookup(table); err != nil {
			t.Errorf("failed! Lookup(%q) error = %v", table, err)
		}
	}
	if _, err := Lookup("users"); errors.Cause(err) != ErrUnknownTable {
		t.Errorf("failed! Lookup(users) error = %v; want %v", err, ErrUnknownTable)
	}
	assert.Len(t, Tables(), 6)
}

func TestTablePolicy_Constrain(t *testing.T) {
	tests := []struct {
		name    string
		table   string
		p       identity.Principal
		filter  tablesync.Filter
		want    tablesync.Filter
		wantErr error
	}{
		{name: "staff reads all", table: TableMarks, p: lecturer, filter: tablesync.Filter{eq("subject", "maths")}, want: tablesync.Filter{eq("subject", "maths")}},
		{name: "global table", table: TableAnnouncements, p: student, want: nil},
		{name: "student forced to own rows", table: TableMarks, p: student, filter: tablesync.Filter{eq("subject", "maths")},
			want: tablesync.Filter{eq("subject", "maths"), eq("student_id", "s1")}},
		{name: "student own filter", table: TableMarks, p: student, filter: tablesync.Filter{eq("student_id", "s1")},
			want: tablesync.Filter{eq("student_id", "s1")}},
		{name: "student other rows", table: TableMarks, p: student, filter: tablesync.Filter{eq("student_id", "s2")}, wantErr: ErrForbidden},
		{name: "faculty other notifications", table: TableNotifications, p: lecturer, want: tablesync.Filter{eq("user_id", "f1")}},
		{name: "admin notifications", table: TableNotifications, p: root, want: nil},
		{name: "anonymous", table: TableMarks, p: identity.Principal{}, wantErr: ErrForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tp, _ := Lookup(tt.table)
			got, err := tp.Constrain(tt.p, tt.filter)
			if err != tt.wantErr {
				t.Fatalf("failed! Constrain() error = %v; want %v", err, tt.wantErr)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTablePolicy_CanWrite(t *testing.T) {
	ownProfile := tablesync.Row{"id": "s1", "full_name": "S"}
	ownNotif := tablesync.Row{"id": "n1", "user_id": "s1", "is_read": 0}
	otherNotif := tablesync.Row{"id": "n2", "user_id": "s2", "is_read": 0}

	tests := []struct {
		name     string
		table    string
		p        identity.Principal
		op       tablesync.Op
		payload  tablesync.Row
		existing tablesync.Row
		wantErr  error
	}{
		{name: "faculty inserts marks", table: TableMarks, p: lecturer, op: tablesync.OpInsert, payload: tablesync.Row{"student_id": "s1"}},
		{name: "student inserts marks", table: TableMarks, p: student, op: tablesync.OpInsert, payload: tablesync.Row{"student_id": "s1"}, wantErr: ErrForbidden},
		{name: "faculty edits profiles", table: TableProfiles, p: lecturer, op: tablesync.OpUpdate, payload: tablesync.Row{"id": "s1", "full_name": "x"}, existing: ownProfile, wantErr: ErrForbidden},
		{name: "admin edits profiles", table: TableProfiles, p: root, op: tablesync.OpUpdate, payload: tablesync.Row{"id": "s1", "role": "admin"}, existing: ownProfile},
		{name: "student renames self", table: TableProfiles, p: student, op: tablesync.OpUpdate, payload: tablesync.Row{"id": "s1", "full_name": "x"}, existing: ownProfile},
		{name: "student promotes self", table: TableProfiles, p: student, op: tablesync.OpUpdate, payload: tablesync.Row{"id": "s1", "role": "admin"}, existing: ownProfile, wantErr: ErrForbidden},
		{name: "student reads notification", table: TableNotifications, p: student, op: tablesync.OpUpdate, payload: tablesync.Row{"id": "n1", "is_read": true}, existing: ownNotif},
		{name: "student reads other notification", table: TableNotifications, p: student, op: tablesync.OpUpdate, payload: tablesync.Row{"id": "n2", "is_read": true}, existing: otherNotif, wantErr: ErrForbidden},
		{name: "student deletes notification", table: TableNotifications, p: student, op: tablesync.OpDelete, payload: tablesync.Row{"id": "n1"}, existing: ownNotif, wantErr: ErrForbidden},
		{name: "student edits timetable", table: TableTimetable, p: student, op: tablesync.OpUpdate, payload: tablesync.Row{"id": "t1", "room": "B"}, existing: tablesync.Row{"id": "t1"}, wantErr: ErrForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tp, _ := Lookup(tt.table)
			if err := tp.CanWrite(tt.p, tt.op, tt.payload, tt.existing); err != tt.wantErr {
				t.Errorf("failed! CanWrite() error = %v; want %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewView(t *testing.T) {
	tests := []struct {
		name      string
		view      string
		p         identity.Principal
		wantTable string
		wantScope tablesync.Scope
		wantErr   bool
	}{
		{name: "student marks", view: ViewMarks, p: student, wantTable: TableMarks, wantScope: tablesync.UserOwned("student_id", "s1")},
		{name: "faculty marks", view: ViewMarks, p: lecturer, wantTable: TableMarks, wantScope: tablesync.Global()},
		{name: "admin notifications", view: ViewNotifications, p: root, wantTable: TableNotifications, wantScope: tablesync.UserOwned("user_id", "a1")},
		{name: "announcements", view: ViewAnnouncements, p: student, wantTable: TableAnnouncements, wantScope: tablesync.Global()},
		{name: "profile", view: ViewProfile, p: student, wantTable: TableProfiles, wantScope: tablesync.Where(eq("id", "s1"))},
		{name: "unknown", view: "grades", p: student, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := NewView(tt.view, tt.p, 0)
			if (err != nil) != tt.wantErr {
				t.Fatalf("failed! NewView() error = %v; wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			assert.Equal(t, tt.wantTable, v.Table)
			assert.Equal(t, tt.wantScope, v.Scope)
			assert.NoError(t, v.Scope.Validate())
		})
	}
}

func TestUnreadCount(t *testing.T) {
	snap := tablesync.Snapshot{
		{"id": "1", "is_read": int64(0)},
		{"id": "2", "is_read": int64(1)},
		{"id": "3", "is_read": false},
		{"id": "4", "is_read": true},
		{"id": "5"},
	}
	if got := UnreadCount(snap); got != 3 {
		t.Errorf("failed! UnreadCount() = %d; want 3", got)
	}
}
