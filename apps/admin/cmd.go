package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/trezcool/academia/core/auth"
	"github.com/trezcool/academia/core/role"
	"github.com/trezcool/academia/core/user"
)

var (
	readPasswordFunc = term.ReadPassword // mockable

	errHelp = errors.New("help provided")
)

type commandLine struct {
	users       *user.Service
	roles       *role.Service
	sessions    auth.SessionStore // optional
	newMigrator func() (migrator, error)
	out         io.Writer
}

func (cli *commandLine) printUsage() {
	fmt.Fprintln(cli.out, "Usage:")
	fmt.Fprintln(cli.out, "  adduser -name NAME -email EMAIL [-roles ROLE,...] - create (or re-activate) a user")
	fmt.Fprintln(cli.out, "  grantrole -email EMAIL -role ROLE                 - grant a role to a user")
	fmt.Fprintln(cli.out, "  revokerole -email EMAIL -role ROLE                - revoke a role from a user")
	fmt.Fprintln(cli.out, "  roles -email EMAIL                                - list a user's roles")
	fmt.Fprintln(cli.out, "  resetpassword -email EMAIL                        - reset a user's password and sign them out")
	fmt.Fprintln(cli.out, "  migrate up|down|version|force VERSION             - manage the database schema")
}

func (cli *commandLine) run(ctx context.Context, args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	addUserCmd := flag.NewFlagSet("adduser", flag.ExitOnError)
	addUserName := addUserCmd.String("name", "", "The user's full name.")
	addUserEmail := addUserCmd.String("email", "", "The user's email. The password will be prompted next.")
	addUserRoles := addUserCmd.String("roles", "", "Comma separated roles to grant, ex: student,admin")

	grantRoleCmd := flag.NewFlagSet("grantrole", flag.ExitOnError)
	grantRoleEmail := grantRoleCmd.String("email", "", "The user's email.")
	grantRoleRole := grantRoleCmd.String("role", "", "One of: "+strings.Join(role.Strings(role.All), ", "))

	revokeRoleCmd := flag.NewFlagSet("revokerole", flag.ExitOnError)
	revokeRoleEmail := revokeRoleCmd.String("email", "", "The user's email.")
	revokeRoleRole := revokeRoleCmd.String("role", "", "One of: "+strings.Join(role.Strings(role.All), ", "))

	rolesCmd := flag.NewFlagSet("roles", flag.ExitOnError)
	rolesEmail := rolesCmd.String("email", "", "The user's email.")

	resetPasswordCmd := flag.NewFlagSet("resetpassword", flag.ExitOnError)
	resetPasswordEmail := resetPasswordCmd.String("email", "", "The user's email. The password will be prompted next.")

	switch args[1] {
	case "adduser":
		if err := addUserCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *addUserName == "" || *addUserEmail == "" {
			addUserCmd.Usage()
			return errHelp
		}
		roles, err := parseRoles(*addUserRoles)
		if err != nil {
			return err
		}
		pwd, err := cli.readPassword()
		if err != nil {
			return err
		}
		if pwd == "" {
			addUserCmd.Usage()
			return errHelp
		}
		return cli.addUser(ctx, *addUserName, *addUserEmail, pwd, roles)

	case "grantrole":
		if err := grantRoleCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *grantRoleEmail == "" || *grantRoleRole == "" {
			grantRoleCmd.Usage()
			return errHelp
		}
		r, err := role.Parse(*grantRoleRole)
		if err != nil {
			return err
		}
		return cli.grantRole(ctx, *grantRoleEmail, r)

	case "revokerole":
		if err := revokeRoleCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *revokeRoleEmail == "" || *revokeRoleRole == "" {
			revokeRoleCmd.Usage()
			return errHelp
		}
		r, err := role.Parse(*revokeRoleRole)
		if err != nil {
			return err
		}
		return cli.revokeRole(ctx, *revokeRoleEmail, r)

	case "roles":
		if err := rolesCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *rolesEmail == "" {
			rolesCmd.Usage()
			return errHelp
		}
		return cli.listRoles(ctx, *rolesEmail)

	case "resetpassword":
		if err := resetPasswordCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *resetPasswordEmail == "" {
			resetPasswordCmd.Usage()
			return errHelp
		}
		pwd, err := cli.readPassword()
		if err != nil {
			return err
		}
		if pwd == "" {
			resetPasswordCmd.Usage()
			return errHelp
		}
		return cli.resetPassword(ctx, *resetPasswordEmail, pwd)

	case "migrate":
		return cli.migrate(args[2:])

	default:
		cli.printUsage()
		return errHelp
	}
}

func (cli *commandLine) readPassword() (string, error) {
	fmt.Fprint(cli.out, "Enter password:")
	pwd, err := readPasswordFunc(int(syscall.Stdin))
	fmt.Fprintln(cli.out)
	if err != nil {
		return "", err
	}
	return string(pwd), nil
}

func parseRoles(s string) ([]role.Role, error) {
	var roles []role.Role
	for _, name := range strings.Split(s, ",") {
		if strings.TrimSpace(name) == "" {
			continue
		}
		r, err := role.Parse(name)
		if err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, nil
}
