package main

import (
	"fmt"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	"github.com/pkg/errors"
)

// migrator is implemented by *migrate.Migrate.
type migrator interface {
	Up() error
	Steps(n int) error
	Version() (version uint, dirty bool, err error)
	Force(version int) error
	Close() (source error, database error)
}

func (cli *commandLine) migrate(args []string) error {
	if len(args) == 0 {
		cli.printUsage()
		return errHelp
	}

	var forceVersion int
	switch args[0] {
	case "up", "down", "version": // pass
	case "force":
		if len(args) < 2 {
			return errors.New("force must be of form: migrate force VERSION")
		}
		v, err := strconv.Atoi(args[1])
		if err != nil {
			return errors.Errorf("version must be a number (got '%s')", args[1])
		}
		forceVersion = v
	default:
		return errors.Errorf("%q: no such command", args[0])
	}

	m, err := cli.newMigrator()
	if err != nil {
		return errors.Wrap(err, "creating migrator")
	}
	defer m.Close()

	switch args[0] {
	case "up":
		err = m.Up()
	case "down":
		err = m.Steps(-1)
	case "force":
		err = m.Force(forceVersion)
	case "version":
		v, dirty, vErr := m.Version()
		if vErr == migrate.ErrNilVersion {
			fmt.Fprintln(cli.out, "no migration applied")
			return nil
		}
		if vErr != nil {
			return vErr
		}
		fmt.Fprintf(cli.out, "version: %d (dirty: %v)\n", v, dirty)
		return nil
	}

	if err == migrate.ErrNoChange {
		fmt.Fprintln(cli.out, "no change")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "migrate %s: done\n", args[0])
	return nil
}
