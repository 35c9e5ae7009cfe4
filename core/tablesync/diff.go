package tablesync

import "reflect"

// Delta lists the ids of rows added, updated and removed between two snapshots.
type Delta struct {
	Added   []string
	Updated []string
	Removed []string
	// Initial is set for the first successful fetch of a Channel: everything is "added".
	Initial bool
}

func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Updated) == 0 && len(d.Removed) == 0
}

// Diff compares two snapshots by row id. Rows without an id are ignored.
func Diff(prev, next Snapshot) Delta {
	var d Delta
	old := make(map[string]Row, len(prev))
	for _, r := range prev {
		if id := r.ID(); id != "" {
			old[id] = r
		}
	}
	seen := make(map[string]struct{}, len(next))
	for _, r := range next {
		id := r.ID()
		if id == "" {
			continue
		}
		seen[id] = struct{}{}
		if o, ok := old[id]; !ok {
			d.Added = append(d.Added, id)
		} else if !reflect.DeepEqual(o, r) {
			d.Updated = append(d.Updated, id)
		}
	}
	for _, r := range prev {
		id := r.ID()
		if id == "" {
			continue
		}
		if _, ok := seen[id]; !ok {
			d.Removed = append(d.Removed, id)
		}
	}
	return d
}

// overlayOp is a locally applied, not yet confirmed write.
type overlayOp struct {
	op  Op
	row Row
}

// mergeOverlay applies optimistic writes on top of base by row id; base is left untouched.
// Inserts of an id already in base behave as updates; updates of an unknown id are appended.
func mergeOverlay(base Snapshot, overlay []overlayOp) Snapshot {
	if len(overlay) == 0 {
		return base
	}
	merged := make(Snapshot, len(base))
	copy(merged, base)
	for _, o := range overlay {
		id := o.row.ID()
		idx := -1
		for i, r := range merged {
			if r.ID() == id {
				idx = i
				break
			}
		}
		switch o.op {
		case OpDelete:
			if idx >= 0 {
				merged = append(merged[:idx:idx], merged[idx+1:]...)
			}
		default:
			if idx < 0 {
				merged = append(merged, o.row)
				continue
			}
			r := merged[idx].Clone()
			for k, v := range o.row {
				r[k] = v
			}
			merged[idx] = r
		}
	}
	return merged
}
