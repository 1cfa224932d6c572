package apiclient

import (
	"context"
	"net/url"

	"github.com/pkg/errors"
	"github.com/sendgrid/rest"

	"github.com/trezcool/academia/core/role"
)

type (
	addRoleRequest struct {
		Role role.Role `json:"role"`
	}

	rolesResponse struct {
		Roles []role.Role `json:"roles"`
	}
)

func rolesPath(identityID string) string {
	return "/users/" + url.PathEscape(identityID) + "/roles"
}

func (c *Client) ListRoles(ctx context.Context, identityID string) ([]role.Role, error) {
	token, err := c.token()
	if err != nil {
		return nil, err
	}

	var res rolesResponse
	if err = c.send(ctx, rest.Get, rolesPath(identityID), token, nil, &res); err != nil {
		return nil, errors.Wrap(err, "listing roles")
	}
	return res.Roles, nil
}

func (c *Client) AddRole(ctx context.Context, identityID string, r role.Role) error {
	token, err := c.token()
	if err != nil {
		return err
	}
	return errors.Wrapf(
		c.send(ctx, rest.Post, rolesPath(identityID), token, addRoleRequest{Role: r}, nil),
		"adding role %s", r,
	)
}
