package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"github.com/pmezard/go-difflib/difflib"

	"github.com/trezcool/campus/core"
	"github.com/trezcool/campus/core/identity"
	"github.com/trezcool/campus/core/portal"
	"github.com/trezcool/campus/core/tablesync"
	"github.com/trezcool/campus/storage/remote"
)

type watchArgs struct {
	table    string
	filters  []string
	ordering string
	limit    string
	url      string
	token    string
	count    string
}

// watch prints the snapshots of a table as they change, as unified diffs of one JSON row per line.
func (cli *commandLine) watch(args watchArgs) error {
	baseURL, token, err := cli.remote(args.url, args.token)
	if err != nil {
		return err
	}
	count, err := atoi("--count", args.count)
	if err != nil {
		return err
	}
	limit, err := atoi("--limit", args.limit)
	if err != nil {
		return err
	}

	provider, err := identity.NewTokenProvider(token)
	if err != nil {
		return err
	}
	p, _ := provider.Current()

	tp, err := portal.Lookup(args.table)
	if err != nil {
		return err
	}
	filter, err := tablesync.ParseFilter(args.filters...)
	if err != nil {
		return err
	}
	scope := tp.Scope(p)
	if len(filter) > 0 {
		if filter, err = tp.Constrain(p, filter); err != nil {
			return err
		}
		scope = tablesync.Where(filter...)
	}

	client, err := remote.NewClient(baseURL, token, remote.WithLogger(cli.log))
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	opts := append(tablesync.OptionsFromConfig(cli.conf.Sync), tablesync.WithLogger(cli.log))
	if args.ordering != "" {
		opts = append(opts, tablesync.WithOrdering(core.ParseOrderings(args.ordering)...))
	} else {
		opts = append(opts, tablesync.WithOrdering(tp.Ordering...))
	}
	if limit > 0 {
		opts = append(opts, tablesync.WithLimit(limit))
	}

	ch, err := tablesync.Open(client, tp.Table, scope, opts...)
	if err != nil {
		return err
	}
	defer func() { _ = ch.Close() }()
	cli.log.Info(fmt.Sprintf("watching %s %s as %s (%s)", tp.Table, scope, p.Email, p.Role))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w := &snapshotWriter{cli: cli, table: tp.Table, limit: count, done: make(chan struct{})}
	remove := ch.OnChange(w.write)
	defer remove()

	// the first fetch may have completed before the listener was registered
	snap, err := ch.Wait(ctx)
	switch {
	case ctx.Err() != nil:
		return nil
	case err != nil:
		cli.log.Warn(fmt.Sprintf("fetching %s: %v", tp.Table, err), err)
	default:
		w.write(snap, tablesync.Delta{Initial: true, Added: snap.IDs()})
	}

	select {
	case <-ctx.Done():
	case <-w.done:
	}
	return nil
}

func atoi(name, s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.Errorf("invalid %s %q", name, s)
	}
	return n, nil
}

// snapshotWriter prints each distinct snapshot once, as a diff from the previous one.
type snapshotWriter struct {
	cli   *commandLine
	table string
	limit int // 0: unlimited

	mu      sync.Mutex
	lines   []string
	written int
	done    chan struct{}
}

func (w *snapshotWriter) write(snap tablesync.Snapshot, delta tablesync.Delta) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.limit > 0 && w.written >= w.limit {
		return
	}

	lines := renderSnapshot(snap)
	if w.written > 0 && equalLines(w.lines, lines) {
		return
	}
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        w.lines,
		B:        lines,
		FromFile: fmt.Sprintf("%s@%d", w.table, w.written),
		ToFile:   fmt.Sprintf("%s@%d", w.table, w.written+1),
		Context:  1,
	})
	if err != nil {
		w.cli.log.Error("rendering diff", err)
		return
	}
	fmt.Fprintf(w.cli.out, "# %s: %d rows (+%d ~%d -%d)\n", w.table, len(snap), len(delta.Added), len(delta.Updated), len(delta.Removed))
	fmt.Fprint(w.cli.out, diff)

	w.lines = lines
	w.written++
	if w.limit > 0 && w.written == w.limit {
		close(w.done)
	}
}

func equalLines(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// renderSnapshot returns one JSON line per row, keys sorted.
func renderSnapshot(snap tablesync.Snapshot) []string {
	lines := make([]string, 0, len(snap))
	for _, row := range snap {
		data, err := json.Marshal(row)
		if err != nil {
			data = []byte(fmt.Sprintf("%v", map[string]interface{}(row)))
		}
		lines = append(lines, strings.TrimSpace(string(data))+"\n")
	}
	return lines
}
