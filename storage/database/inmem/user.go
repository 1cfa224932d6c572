package inmemdb

import (
	"context"
	"sort"
	"strings"

	"github.com/trezcool/academia/core"
	"github.com/trezcool/academia/core/user"
)

type userRepository struct {
	db    *userTable
	roles *roleTable
}

var _ user.Repository = (*userRepository)(nil) // interface compliance check

func NewUserRepository(db *DB) user.Repository {
	return &userRepository{db: db.user, roles: db.role}
}

func (repo *userRepository) query() []user.User {
	users := make([]user.User, 0, len(repo.db.table))
	for _, u := range repo.db.table {
		users = append(users, *u)
	}
	return users
}

func (repo *userRepository) CheckEmailUniqueness(_ context.Context, email string, excludedIDs ...string) error {
	repo.db.RLock()
	defer repo.db.RUnlock()

	for _, usr := range repo.db.table {
		if usr.Email == email && !isExcluded(usr.ID, excludedIDs) {
			return user.ErrEmailExists
		}
	}
	return nil
}

func (repo *userRepository) CreateUser(_ context.Context, usr user.User) (user.User, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	for _, u := range repo.db.table {
		if u.Email == usr.Email {
			return user.User{}, user.ErrEmailExists
		}
	}
	repo.db.table[usr.ID] = &usr
	return usr, nil
}

func (repo *userRepository) GetUserByID(_ context.Context, id string) (user.User, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	if usr, ok := repo.db.table[id]; ok {
		return *usr, nil
	}
	return user.User{}, user.ErrNotFound
}

func (repo *userRepository) GetUserByEmail(_ context.Context, email string) (user.User, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	for _, usr := range repo.db.table {
		if usr.Email == email {
			return *usr, nil
		}
	}
	return user.User{}, user.ErrNotFound
}

func (repo *userRepository) QueryUsers(_ context.Context, filter user.QueryFilter, orderings ...core.DBOrdering) ([]user.User, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	users := repo.query()

	// users with search keyword matching any Name, Email or Organization ?
	if filter.Search != "" {
		search := strings.ToLower(filter.Search)
		users = filterUsers(users, func(u user.User) bool {
			return strings.Contains(strings.ToLower(u.Name), search) ||
				strings.Contains(strings.ToLower(u.Email), search) ||
				strings.Contains(strings.ToLower(u.Organization), search)
		})
	}
	// users with any of the specified roles
	if len(filter.Roles) > 0 {
		repo.roles.RLock()
		users = filterUsers(users, func(u user.User) bool {
			for _, a := range repo.roles.table[u.ID] {
				for _, r := range filter.Roles {
					if string(a.Role) == r {
						return true
					}
				}
			}
			return false
		})
		repo.roles.RUnlock()
	}
	if filter.IsActive != nil {
		users = filterUsers(users, func(u user.User) bool { return u.IsActive == *filter.IsActive })
	}
	if !filter.CreatedFrom.IsZero() {
		from := filter.CreatedFrom.UTC()
		users = filterUsers(users, func(u user.User) bool { return !u.CreatedAt.Before(from) })
	}
	if !filter.CreatedTo.IsZero() {
		to := filter.CreatedTo.UTC()
		users = filterUsers(users, func(u user.User) bool { return !u.CreatedAt.After(to) })
	}

	sortUsers(users, orderings)
	return users, nil
}

func (repo *userRepository) UpdateUser(_ context.Context, usr user.User) (user.User, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	origUsr, ok := repo.db.table[usr.ID]
	if !ok {
		return user.User{}, user.ErrNotFound
	}
	if usr.PasswordHash == nil {
		usr.PasswordHash = origUsr.PasswordHash
	}
	usr.CreatedAt = origUsr.CreatedAt
	repo.db.table[usr.ID] = &usr
	return usr, nil
}

func (repo *userRepository) DeleteUsersByID(_ context.Context, ids ...string) error {
	repo.db.Lock()
	defer repo.db.Unlock()
	repo.roles.Lock()
	defer repo.roles.Unlock()

	for _, id := range ids {
		delete(repo.db.table, id)
		delete(repo.roles.table, id)
	}
	return nil
}

func filterUsers(users []user.User, keep func(user.User) bool) []user.User {
	filtered := make([]user.User, 0, len(users))
	for _, u := range users {
		if keep(u) {
			filtered = append(filtered, u)
		}
	}
	return filtered
}

// sortUsers sorts by the orderings, then by creation date.
func sortUsers(users []user.User, orderings []core.DBOrdering) {
	sort.SliceStable(users, func(i, j int) bool {
		for _, ord := range orderings {
			c := compareUsers(users[i], users[j], ord.Field)
			if c == 0 {
				continue
			}
			if ord.Ascending {
				return c < 0
			}
			return c > 0
		}
		if !users[i].CreatedAt.Equal(users[j].CreatedAt) {
			return users[i].CreatedAt.Before(users[j].CreatedAt)
		}
		return users[i].ID < users[j].ID
	})
}

func compareUsers(a, b user.User, field string) int {
	switch field {
	case "name":
		return strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name))
	case "email":
		return strings.Compare(a.Email, b.Email)
	case "created_at":
		return compareTimes(a.CreatedAt.UnixNano(), b.CreatedAt.UnixNano())
	case "last_login":
		return compareTimes(a.LastLogin.UnixNano(), b.LastLogin.UnixNano())
	}
	return 0
}

func compareTimes(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func isExcluded(id string, excludedIDs []string) bool {
	for _, excl := range excludedIDs {
		if excl == id {
			return true
		}
	}
	return false
}
