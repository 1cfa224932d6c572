package sqlxrepos

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/trezcool/academia/core/role"
)

type assignmentRow struct {
	UserID    string    `db:"user_id"`
	Role      string    `db:"role"`
	CreatedAt time.Time `db:"created_at"`
}

type roleRepository struct {
	db *sqlx.DB
}

var _ role.Repository = (*roleRepository)(nil) // interface compliance check

func NewRoleRepository(db *sqlx.DB) role.Repository {
	return &roleRepository{db: db}
}

func (repo *roleRepository) ListRoles(ctx context.Context, userID string) ([]role.Role, error) {
	var names []string
	if err := repo.db.SelectContext(ctx, &names, `SELECT role FROM user_roles WHERE user_id::text = $1`, userID); err != nil {
		return nil, errors.Wrap(err, "selecting roles")
	}
	roles := make([]role.Role, 0, len(names))
	for _, n := range names {
		roles = append(roles, role.Role(n))
	}
	return roles, nil
}

func (repo *roleRepository) AddRole(ctx context.Context, a role.Assignment) error {
	q := `INSERT INTO user_roles (user_id, role, created_at) VALUES ($1, $2, $3) ON CONFLICT (user_id, role) DO NOTHING`
	if _, err := repo.db.ExecContext(ctx, q, a.UserID, string(a.Role), a.CreatedAt.UTC()); err != nil {
		return errors.Wrap(err, "inserting role")
	}
	return nil
}

func (repo *roleRepository) RemoveRole(ctx context.Context, userID string, r role.Role) error {
	res, err := repo.db.ExecContext(ctx, `DELETE FROM user_roles WHERE user_id::text = $1 AND role = $2`, userID, string(r))
	if err != nil {
		return errors.Wrap(err, "deleting role")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return role.ErrNotFound
	}
	return nil
}

func (repo *roleRepository) ListAssignments(ctx context.Context, userID string) ([]role.Assignment, error) {
	var rows []assignmentRow
	q := `SELECT user_id, role, created_at FROM user_roles WHERE user_id::text = $1 ORDER BY created_at, role`
	if err := repo.db.SelectContext(ctx, &rows, q, userID); err != nil {
		return nil, errors.Wrap(err, "selecting roles")
	}
	res := make([]role.Assignment, 0, len(rows))
	for _, r := range rows {
		res = append(res, role.Assignment{UserID: r.UserID, Role: role.Role(r.Role), CreatedAt: r.CreatedAt.UTC()})
	}
	return res, nil
}
