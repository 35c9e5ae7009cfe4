package main

import (
	"fmt"
	"io"

	"github.com/docopt/docopt-go"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"golang.org/x/term"

	"github.com/trezcool/campus/core"
	"github.com/trezcool/campus/core/portal"
	"github.com/trezcool/campus/core/user"
	"github.com/trezcool/campus/storage/database"
	sqlxrepos "github.com/trezcool/campus/storage/database/sqlx"
	"github.com/trezcool/campus/storage/database/tables"
	"github.com/trezcool/campus/storage/feed"
)

const version = "0.1.0"

const usage = `Campus portal control.

Usage:
    portalctl migrate <command> [<args>...]
    portalctl adduser --email=<email> [--name=<name>] [--role=<role>]
    portalctl watch <table> [--filter=<predicate>...] [--ordering=<fields>] [--limit=<n>]
        [--url=<api_url>] [--token=<token>] [--count=<n>]
    portalctl dashboard [--url=<api_url>] [--token=<token>] [--timeout=<duration>]
    portalctl -h | --help
    portalctl --version

Migration commands: up, up-by-one, up-to VERSION, down, down-to VERSION, redo, reset, status,
version, create NAME [sql|go], fix.

Options:
    -h --help               Show this screen.
    --version               Show version.
    --email=<email>         The user's email. The password is prompted.
    --name=<name>           The user's full name.
    --role=<role>           student, faculty or admin [default: student].
    --filter=<predicate>    Row filter, "column=op.value" (op: eq, neq, gt, gte, lt, lte).
    --ordering=<fields>     Comma separated columns, "-" prefixed for descending order.
    --limit=<n>             Maximum number of rows.
    --url=<api_url>         The campus API (defaults to the configured remote url).
    --token=<token>         Your API token (defaults to the configured remote token).
    --count=<n>             Stop after this many snapshots.
    --timeout=<duration>    How long to wait for the views to sync [default: 10s].`

var (
	readPasswordFunc = term.ReadPassword // mockable

	errHelp = errors.New("help provided")
)

type commandLine struct {
	conf *core.Config
	out  io.Writer
	log  core.Logger

	db     *sqlx.DB
	usrSvc *user.Service
}

// connect opens and migrates the configured database, unless already connected.
func (cli *commandLine) connect() error {
	if cli.db == nil {
		if err := database.CreateIfNotExist(cli.conf); err != nil {
			return errors.Wrap(err, "creating database")
		}
		db, err := database.Open(cli.conf)
		if err != nil {
			return errors.Wrap(err, "opening database")
		}
		cli.db = db
	}
	if cli.usrSvc == nil {
		store := tables.NewStore(cli.db, feed.NewHub(cli.log), cli.log, portal.Tables()...)
		cli.usrSvc = user.NewService(sqlxrepos.NewUserRepository(cli.db), store, cli.log)
	}
	return nil
}

func (cli *commandLine) close() {
	if cli.db != nil {
		_ = cli.db.Close()
		cli.db = nil
	}
}

func (cli *commandLine) run(argv []string) error {
	helped := false
	parser := &docopt.Parser{
		HelpHandler: func(_ error, text string) {
			helped = true
			fmt.Fprintln(cli.out, text)
		},
	}
	opts, err := parser.ParseArgs(usage, argv, version)
	if helped || err != nil {
		return errHelp
	}

	switch {
	case isSet(opts, "migrate"):
		command, _ := opts.String("<command>")
		args, _ := opts["<args>"].([]string)
		return cli.migrate(command, args)
	case isSet(opts, "adduser"):
		return cli.addUser(addUserArgs{
			email: optString(opts, "--email"),
			name:  optString(opts, "--name"),
			role:  optString(opts, "--role"),
		})
	case isSet(opts, "watch"):
		filters, _ := opts["--filter"].([]string)
		return cli.watch(watchArgs{
			table:    optString(opts, "<table>"),
			filters:  filters,
			ordering: optString(opts, "--ordering"),
			limit:    optString(opts, "--limit"),
			url:      optString(opts, "--url"),
			token:    optString(opts, "--token"),
			count:    optString(opts, "--count"),
		})
	case isSet(opts, "dashboard"):
		return cli.dashboard(dashboardArgs{
			url:     optString(opts, "--url"),
			token:   optString(opts, "--token"),
			timeout: optString(opts, "--timeout"),
		})
	}
	fmt.Fprintln(cli.out, usage)
	return errHelp
}

// remote returns the API url and token to use, the configured ones by default.
func (cli *commandLine) remote(baseURL, token string) (string, string, error) {
	if baseURL == "" {
		baseURL = cli.conf.Remote.BaseURL
	}
	if token == "" {
		token = cli.conf.Remote.Token
	}
	if token == "" {
		return "", "", errors.New("an API token is required (--token)")
	}
	return baseURL, token, nil
}

func isSet(opts docopt.Opts, cmd string) bool {
	set, _ := opts.Bool(cmd)
	return set
}

// optString returns the value of an option, "" when absent.
func optString(opts docopt.Opts, key string) string {
	s, _ := opts.String(key)
	return s
}
