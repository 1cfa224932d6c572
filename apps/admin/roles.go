package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/trezcool/academia/core/role"
	"github.com/trezcool/academia/core/user"
)

func (cli *commandLine) grantRole(ctx context.Context, email string, r role.Role) error {
	usr, err := cli.users.GetByEmail(ctx, email)
	if err != nil {
		return err
	}
	if err = cli.roles.Grant(ctx, superuser, usr.ID, r); err != nil {
		return errors.Wrapf(err, "granting %s", r)
	}
	return cli.printRoles(ctx, usr)
}

func (cli *commandLine) revokeRole(ctx context.Context, email string, r role.Role) error {
	usr, err := cli.users.GetByEmail(ctx, email)
	if err != nil {
		return err
	}
	if err = cli.roles.Revoke(ctx, superuser, usr.ID, r); err != nil {
		return err
	}
	return cli.printRoles(ctx, usr)
}

func (cli *commandLine) listRoles(ctx context.Context, email string) error {
	usr, err := cli.users.GetByEmail(ctx, email)
	if err != nil {
		return err
	}
	return cli.printRoles(ctx, usr)
}

func (cli *commandLine) printRoles(ctx context.Context, usr user.User) error {
	roles, err := cli.roles.List(ctx, usr.ID)
	if err != nil {
		return err
	}
	if len(roles) == 0 {
		fmt.Fprintf(cli.out, "%s: no role\n", usr.Email)
		return nil
	}
	fmt.Fprintf(cli.out, "%s: %s\n", usr.Email, strings.Join(role.Strings(roles), ", "))
	return nil
}
