package main

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/campus/core/identity"
	"github.com/trezcool/campus/core/portal"
	"github.com/trezcool/campus/core/tablesync"
	"github.com/trezcool/campus/storage/remote"
)

const dashboardAnnouncements = 5

type dashboardArgs struct {
	url     string
	token   string
	timeout string
}

// dashboard opens the portal views of the token's principal and prints their row counts once synced.
func (cli *commandLine) dashboard(args dashboardArgs) error {
	baseURL, token, err := cli.remote(args.url, args.token)
	if err != nil {
		return err
	}
	timeout := 10 * time.Second
	if args.timeout != "" {
		if timeout, err = time.ParseDuration(args.timeout); err != nil {
			return errors.Errorf("invalid --timeout %q", args.timeout)
		}
	}

	provider, err := identity.NewTokenProvider(token)
	if err != nil {
		return err
	}
	client, err := remote.NewClient(baseURL, token, remote.WithLogger(cli.log))
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	reg := tablesync.NewRegistry(client, append(tablesync.OptionsFromConfig(cli.conf.Sync), tablesync.WithLogger(cli.log))...)
	defer reg.CloseAll()
	session := portal.NewSession(reg, provider, cli.log, portal.WithViewLimit(portal.ViewAnnouncements, dashboardAnnouncements))
	defer session.Close()

	p, _ := session.Principal()
	fmt.Fprintf(cli.out, "# %s (%s)\n", p.Email, p.Role)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for _, name := range portal.AllViews {
		ch, ok := session.View(name)
		if !ok {
			fmt.Fprintf(cli.out, "%-14s unavailable\n", name)
			continue
		}
		snap, err := ch.Wait(ctx)
		if err != nil {
			fmt.Fprintf(cli.out, "%-14s %v\n", name, err)
			continue
		}
		fmt.Fprintf(cli.out, "%-14s %d rows\n", name, len(snap))
	}
	fmt.Fprintf(cli.out, "%-14s %d\n", "unread", session.UnreadCount())
	return nil
}
