package main

import "github.com/tabaruka/mahudhurio/storage/database"

var migrateFunc = database.Migrate // mockable

func (cli *commandLine) migrate(args []string) error {
	command := "up"
	if len(args) > 0 {
		command = args[0]
	}
	return migrateFunc(cli.db, command)
}
