package inmemdb

import (
	"context"
	"time"

	"github.com/trezcool/academia/core/auth"
)

type sessionStore struct {
	db *sessionTable
}

var _ auth.SessionStore = (*sessionStore)(nil) // interface compliance check

func NewSessionStore(db *DB) auth.SessionStore {
	return &sessionStore{db: db.session}
}

func (s *sessionStore) SaveSession(_ context.Context, sess auth.Session) error {
	s.db.Lock()
	defer s.db.Unlock()
	s.db.table[sess.ID] = sess
	return nil
}

func (s *sessionStore) GetSession(_ context.Context, id string) (auth.Session, error) {
	s.db.RLock()
	defer s.db.RUnlock()

	sess, ok := s.db.table[id]
	if !ok || sess.Expired(time.Now()) {
		return auth.Session{}, auth.ErrSessionNotFound
	}
	return sess, nil
}

func (s *sessionStore) DeleteSession(_ context.Context, id string) error {
	s.db.Lock()
	defer s.db.Unlock()
	delete(s.db.table, id)
	return nil
}

func (s *sessionStore) DeleteUserSessions(_ context.Context, userID string) error {
	s.db.Lock()
	defer s.db.Unlock()
	for id, sess := range s.db.table {
		if sess.UserID == userID {
			delete(s.db.table, id)
		}
	}
	return nil
}
