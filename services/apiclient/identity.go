package apiclient

import (
	"context"
	"net/http"
	"time"

	"github.com/sendgrid/rest"

	"github.com/trezcool/academia/core/auth"
	"github.com/trezcool/academia/core/session"
	"github.com/trezcool/academia/core/user"
)

type (
	loginRequest struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}

	sessionResponse struct {
		User struct {
			ID    string `json:"id"`
			Email string `json:"email"`
		} `json:"user"`
		Session auth.SessionToken `json:"session"`
	}
)

func (r sessionResponse) toSession() *session.Session {
	email := r.Session.Email
	if email == "" {
		email = r.User.Email
	}
	id := r.Session.UserID
	if id == "" {
		id = r.User.ID
	}
	return &session.Session{
		ID:        r.Session.SessionID,
		Token:     r.Session.Token,
		Identity:  session.Identity{ID: id, Email: email},
		ExpiresAt: r.Session.ExpiresAt,
	}
}

func (c *Client) CreateAccount(ctx context.Context, email, password string, meta session.Metadata) (*session.Session, error) {
	const op = "create_account"
	in := user.NewUser{
		Name:            meta.Name,
		Email:           email,
		Password:        password,
		PasswordConfirm: password,
		Phone:           meta.Phone,
		Organization:    meta.Organization,
		Role:            string(meta.Role),
	}

	var res sessionResponse
	if err := c.send(ctx, rest.Post, "/auth/signup", "", in, &res); err != nil {
		return nil, sessionError(op, err)
	}
	sess := res.toSession()
	c.setSession(sess)
	return sess, nil
}

func (c *Client) Authenticate(ctx context.Context, email, password string) (*session.Session, error) {
	const op = "authenticate"

	var res sessionResponse
	if err := c.send(ctx, rest.Post, "/auth/login", "", loginRequest{Email: email, Password: password}, &res); err != nil {
		return nil, sessionError(op, err)
	}
	sess := res.toSession()
	c.setSession(sess)
	return sess, nil
}

// InvalidateSession signs out on the server. The local session is dropped whatever the outcome.
func (c *Client) InvalidateSession(ctx context.Context) error {
	const op = "invalidate_session"

	sess, err := c.current()
	c.setSession(nil)
	if err != nil || sess == nil {
		return nil
	}

	err = c.send(ctx, rest.Post, "/auth/logout", sess.Token, nil, nil)
	if err != nil && !isStatus(err, http.StatusUnauthorized) {
		return sessionError(op, err)
	}
	return nil
}

// CurrentSession returns the persisted session once the server confirmed it is still live.
// A rejected session is forgotten.
func (c *Client) CurrentSession(ctx context.Context) (*session.Session, error) {
	const op = "current_session"

	sess, err := c.current()
	if err != nil {
		c.logger.Warn("loading persisted session", err)
		c.setSession(nil)
		return nil, nil
	}
	if sess == nil {
		return nil, nil
	}

	var res sessionResponse
	err = c.send(ctx, rest.Get, "/auth/session", sess.Token, nil, &res)
	switch {
	case isStatus(err, http.StatusUnauthorized, http.StatusForbidden):
		c.setSession(nil)
		return nil, nil
	case err != nil:
		return nil, sessionError(op, err)
	}

	sess = res.toSession()
	c.setSession(sess)
	return sess, nil
}

func (c *Client) OnSessionChanged(fn func(*session.Session)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// Refresh renews the session token and notifies the subscribers.
// When the server rejects the refresh the session is gone: subscribers get nil.
// Other failures leave the session untouched so the next refresh can retry.
// A session signed out or replaced while the request was in flight is left alone and nil is returned.
func (c *Client) Refresh(ctx context.Context) (*session.Session, error) {
	const op = "refresh"

	sess, err := c.current()
	if err != nil || sess == nil {
		return nil, err
	}

	var res sessionResponse
	err = c.send(ctx, rest.Post, "/auth/token-refresh", sess.Token, nil, &res)
	switch {
	case isStatus(err, http.StatusUnauthorized, http.StatusForbidden):
		if c.replaceSession(sess.Token, nil) {
			c.logger.Info("session could not be refreshed", map[string]interface{}{"session_id": sess.ID, "error": err.Error()})
		}
		return nil, nil
	case err != nil:
		return nil, sessionError(op, err)
	}

	refreshed := res.toSession()
	if !c.replaceSession(sess.Token, refreshed) {
		c.logger.Debug("session changed during refresh, dropping the new token", map[string]interface{}{"session_id": sess.ID})
		return nil, nil
	}
	return refreshed, nil
}

// RunRefresher refreshes the session every `interval` until ctx is done.
func (c *Client) RunRefresher(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Refresh(ctx); err != nil {
				c.logger.Warn("refreshing session", err)
			}
		}
	}
}
