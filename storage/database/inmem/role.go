package inmemdb

import (
	"context"

	"github.com/trezcool/academia/core/role"
)

type roleRepository struct {
	db *roleTable
}

var _ role.Repository = (*roleRepository)(nil) // interface compliance check

func NewRoleRepository(db *DB) role.Repository {
	return &roleRepository{db: db.role}
}

func (repo *roleRepository) ListRoles(_ context.Context, userID string) ([]role.Role, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	assignments := repo.db.table[userID]
	roles := make([]role.Role, 0, len(assignments))
	for _, a := range assignments {
		roles = append(roles, a.Role)
	}
	return roles, nil
}

func (repo *roleRepository) AddRole(_ context.Context, a role.Assignment) error {
	repo.db.Lock()
	defer repo.db.Unlock()

	for _, existing := range repo.db.table[a.UserID] {
		if existing.Role == a.Role {
			return nil
		}
	}
	repo.db.table[a.UserID] = append(repo.db.table[a.UserID], a)
	return nil
}

func (repo *roleRepository) RemoveRole(_ context.Context, userID string, r role.Role) error {
	repo.db.Lock()
	defer repo.db.Unlock()

	assignments := repo.db.table[userID]
	for i, a := range assignments {
		if a.Role == r {
			repo.db.table[userID] = append(assignments[:i:i], assignments[i+1:]...)
			return nil
		}
	}
	return role.ErrNotFound
}

func (repo *roleRepository) ListAssignments(_ context.Context, userID string) ([]role.Assignment, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()
	return append([]role.Assignment{}, repo.db.table[userID]...), nil
}
