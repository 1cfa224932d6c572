package main

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/trezcool/academia/core"
	"github.com/trezcool/academia/core/role"
	"github.com/trezcool/academia/core/user"
)

// superuser grants and revokes roles on behalf of the CLI operator.
var superuser = role.Granter{UserID: "admin-cli", Roles: role.All}

// addUser creates the user, or re-activates it and sets its password when it already exists.
// The password policy is not enforced here.
func (cli *commandLine) addUser(ctx context.Context, name, email, pwd string, roles []role.Role) error {
	usr, err := cli.users.GetByEmail(ctx, email)
	switch {
	case err == nil:
		usr.IsActive = true
		if usr, err = cli.users.SetPassword(ctx, usr, pwd); err != nil {
			return errors.Wrap(err, "setting password")
		}
		fmt.Fprintf(cli.out, "user %s updated\n", usr.Email)
	case errors.Cause(err) == user.ErrNotFound:
		usr, err = cli.users.Create(ctx, user.NewUser{
			Name:     core.CleanString(name),
			Email:    core.CleanString(email, true /* lower */),
			Password: pwd,
		})
		if err != nil {
			return errors.Wrap(err, "creating user")
		}
		fmt.Fprintf(cli.out, "user %s created: %s\n", usr.Email, usr.ID)
	default:
		return errors.Wrap(err, "finding user by email")
	}

	for _, r := range roles {
		if err = cli.roles.Grant(ctx, superuser, usr.ID, r); err != nil {
			return errors.Wrapf(err, "granting %s", r)
		}
	}
	return cli.printRoles(ctx, usr)
}

func (cli *commandLine) resetPassword(ctx context.Context, email, pwd string) error {
	usr, err := cli.users.GetByEmail(ctx, email)
	if err != nil {
		return err
	}
	if _, err = cli.users.SetPassword(ctx, usr, pwd); err != nil {
		return err
	}
	if cli.sessions != nil {
		if err = cli.sessions.DeleteUserSessions(ctx, usr.ID); err != nil {
			return errors.Wrap(err, "deleting user sessions")
		}
	}
	fmt.Fprintf(cli.out, "password of %s reset\n", usr.Email)
	return nil
}
