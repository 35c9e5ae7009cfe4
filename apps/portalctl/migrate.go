package main

import (
	"github.com/trezcool/goose"

	appfs "github.com/trezcool/campus/fs"
	"github.com/trezcool/campus/storage/database"
)

var gooseRunFunc = goose.RunFS // mockable

// migrate runs a goose command on the embedded migrations of the configured engine.
func (cli *commandLine) migrate(command string, args []string) error {
	if err := cli.connect(); err != nil {
		return err
	}
	engine := database.Engine(cli.db)
	if err := database.SetDialect(engine); err != nil {
		return err
	}
	return gooseRunFunc(command, cli.db.DB, appfs.FS, database.MigrationsDir(engine), args...)
}
