package inmemdb

import (
	"sync"

	"github.com/trezcool/academia/core/auth"
	"github.com/trezcool/academia/core/role"
	"github.com/trezcool/academia/core/user"
)

type (
	// DB is a process-local database, used in development and tests when no database server is configured.
	DB struct {
		user    *userTable
		role    *roleTable
		session *sessionTable
	}

	userTable struct {
		sync.RWMutex
		table map[string]*user.User
	}

	roleTable struct {
		sync.RWMutex
		table map[string][]role.Assignment // by user ID
	}

	sessionTable struct {
		sync.RWMutex
		table map[string]auth.Session
	}
)

func Open() *DB {
	return &DB{
		user:    &userTable{table: make(map[string]*user.User)},
		role:    &roleTable{table: make(map[string][]role.Assignment)},
		session: &sessionTable{table: make(map[string]auth.Session)},
	}
}
