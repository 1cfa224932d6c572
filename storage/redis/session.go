package redisstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/trezcool/academia/core/auth"
)

const (
	sessionKeyPrefix      = "auth:session:"
	userSessionsKeyPrefix = "auth:user_sessions:"
)

var nowFunc = time.Now // mockable

// Open connects to the redis server at url (ex: redis://localhost:6379/0).
func Open(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parsing redis url")
	}
	client := redis.NewClient(opts)
	if err = client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "pinging redis")
	}
	return client, nil
}

// sessionStore keeps each session under its own key, expiring with the session.
// A per-user set indexes the session IDs so they can all be revoked at once.
type sessionStore struct {
	client redis.UniversalClient
}

var _ auth.SessionStore = (*sessionStore)(nil) // interface compliance check

func NewSessionStore(client redis.UniversalClient) auth.SessionStore {
	return &sessionStore{client: client}
}

func sessionKey(id string) string          { return sessionKeyPrefix + id }
func userSessionsKey(userID string) string { return userSessionsKeyPrefix + userID }

func (s *sessionStore) SaveSession(ctx context.Context, sess auth.Session) error {
	ttl := sess.ExpiresAt.Sub(nowFunc())
	if ttl <= 0 {
		return s.DeleteSession(ctx, sess.ID)
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return errors.Wrap(err, "encoding session")
	}

	idxKey := userSessionsKey(sess.UserID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, sessionKey(sess.ID), data, ttl)
		pipe.SAdd(ctx, idxKey, sess.ID)
		// sessions share the same TTL: the index lives as long as the last saved one
		pipe.Expire(ctx, idxKey, ttl)
		return nil
	})
	return errors.Wrap(err, "saving session")
}

func (s *sessionStore) GetSession(ctx context.Context, id string) (auth.Session, error) {
	data, err := s.client.Get(ctx, sessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return auth.Session{}, auth.ErrSessionNotFound
		}
		return auth.Session{}, errors.Wrap(err, "getting session")
	}

	var sess auth.Session
	if err = json.Unmarshal(data, &sess); err != nil {
		return auth.Session{}, errors.Wrap(err, "decoding session")
	}
	if sess.Expired(nowFunc()) {
		return auth.Session{}, auth.ErrSessionNotFound
	}
	return sess, nil
}

func (s *sessionStore) DeleteSession(ctx context.Context, id string) error {
	sess, err := s.GetSession(ctx, id)
	switch {
	case errors.Is(err, auth.ErrSessionNotFound):
		return errors.Wrap(s.client.Del(ctx, sessionKey(id)).Err(), "deleting session")
	case err != nil:
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, sessionKey(id))
		pipe.SRem(ctx, userSessionsKey(sess.UserID), id)
		return nil
	})
	return errors.Wrap(err, "deleting session")
}

func (s *sessionStore) DeleteUserSessions(ctx context.Context, userID string) error {
	idxKey := userSessionsKey(userID)
	ids, err := s.client.SMembers(ctx, idxKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return errors.Wrap(err, "listing user sessions")
	}

	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, sessionKey(id))
	}
	keys = append(keys, idxKey)
	return errors.Wrap(s.client.Del(ctx, keys...).Err(), "deleting user sessions")
}
