package tablesync

import (
	"reflect"
	"testing"
)

func TestDiff(t *testing.T) {
	a := Row{"id": "a", "total": 93}
	b := Row{"id": "b", "total": 80}
	b2 := Row{"id": "b", "total": 85}
	c := Row{"id": "c", "total": 70}
	noID := Row{"total": 1}

	tests := []struct {
		name       string
		prev, next Snapshot
		want       Delta
	}{
		{name: "empty", want: Delta{}},
		{name: "all added", next: Snapshot{a, b}, want: Delta{Added: []string{"a", "b"}}},
		{name: "all removed", prev: Snapshot{a, b}, want: Delta{Removed: []string{"a", "b"}}},
		{name: "unchanged", prev: Snapshot{a, b}, next: Snapshot{b, a}, want: Delta{}},
		{
			name: "mixed",
			prev: Snapshot{a, b},
			next: Snapshot{b2, c},
			want: Delta{Added: []string{"c"}, Updated: []string{"b"}, Removed: []string{"a"}},
		},
		{name: "rows without id", prev: Snapshot{noID}, next: Snapshot{noID, a}, want: Delta{Added: []string{"a"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Diff(tt.prev, tt.next); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("failed! Diff() = %+v; want %+v", got, tt.want)
			}
		})
	}

	if !Diff(Snapshot{a}, Snapshot{a}).Empty() {
		t.Errorf("failed! Diff() of identical snapshots is not empty")
	}
}

func Test_mergeOverlay(t *testing.T) {
	base := Snapshot{
		{"id": "1", "title": "Welcome", "is_read": false},
		{"id": "2", "title": "Exams", "is_read": false},
	}

	tests := []struct {
		name    string
		overlay []overlayOp
		wantIDs []string
		check   func(t *testing.T, got Snapshot)
	}{
		{name: "no overlay", wantIDs: []string{"1", "2"}},
		{
			name:    "insert appended",
			overlay: []overlayOp{{op: OpInsert, row: Row{"id": "3", "title": "Holidays"}}},
			wantIDs: []string{"1", "2", "3"},
		},
		{
			name:    "update merges fields",
			overlay: []overlayOp{{op: OpUpdate, row: Row{"id": "2", "is_read": true}}},
			wantIDs: []string{"1", "2"},
			check: func(t *testing.T, got Snapshot) {
				r, _ := got.Find("2")
				if r["is_read"] != true || r["title"] != "Exams" {
					t.Errorf("failed! merged row = %v", r)
				}
			},
		},
		{
			name:    "delete",
			overlay: []overlayOp{{op: OpDelete, row: Row{"id": "1"}}},
			wantIDs: []string{"2"},
		},
		{
			name: "insert then delete",
			overlay: []overlayOp{
				{op: OpInsert, row: Row{"id": "3"}},
				{op: OpDelete, row: Row{"id": "3"}},
			},
			wantIDs: []string{"1", "2"},
		},
		{
			name:    "delete unknown id",
			overlay: []overlayOp{{op: OpDelete, row: Row{"id": "9"}}},
			wantIDs: []string{"1", "2"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mergeOverlay(base, tt.overlay)
			if ids := got.IDs(); !reflect.DeepEqual(ids, tt.wantIDs) {
				t.Errorf("failed! mergeOverlay() ids = %v; want %v", ids, tt.wantIDs)
			}
			if tt.check != nil {
				tt.check(t, got)
			}
		})
	}

	// base is never mutated
	if base[0]["is_read"] != false || len(base) != 2 {
		t.Errorf("failed! mergeOverlay() mutated its base: %v", base)
	}
}
