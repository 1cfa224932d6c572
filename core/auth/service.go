package auth

import (
	"context"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/google/uuid"
	"github.com/kat-co/vala"
	"github.com/pkg/errors"

	"github.com/trezcool/academia/core"
	"github.com/trezcool/academia/core/user"
)

var nowFunc = time.Now // mockable

// Service is the identity provider: it creates accounts and opens, verifies, refreshes and closes sessions.
type Service struct {
	users    *user.Service
	sessions SessionStore
	metrics  Metrics
	logger   core.Logger

	appName      string
	signingKey   []byte
	tokenTTL     time.Duration
	refreshDelta time.Duration
}

func NewService(users *user.Service, sessions SessionStore, metrics Metrics, conf *core.Config, logger core.Logger) *Service {
	vala.BeginValidation().Validate(
		vala.IsNotNil(users, "users"),
		vala.IsNotNil(sessions, "sessions"),
		vala.IsNotNil(metrics, "metrics"),
		vala.IsNotNil(conf, "conf"),
	).CheckAndPanic()

	return &Service{
		users:        users,
		sessions:     sessions,
		metrics:      metrics,
		logger:       logger,
		appName:      conf.AppName,
		signingKey:   []byte(conf.SecretKey),
		tokenTTL:     conf.Server.JWTExpirationDelta,
		refreshDelta: conf.Server.JWTRefreshExpirationDelta,
	}
}

// SigningKey is the HS256 key the tokens are signed with.
func (svc *Service) SigningKey() []byte { return svc.signingKey }

// SignUp creates the account and signs the new user in.
// The requested role is only used to greet the user; assigning it is up to the caller.
func (svc *Service) SignUp(ctx context.Context, nu user.NewUser) (SignUpResult, error) {
	if err := svc.users.ValidateNew(ctx, &nu); err != nil {
		svc.metrics.RecordSignUp(OutcomeInvalid)
		return SignUpResult{}, err
	}

	usr, err := svc.users.Create(ctx, nu)
	if err != nil {
		svc.metrics.RecordSignUp(OutcomeError)
		return SignUpResult{}, errors.Wrap(err, "creating user")
	}
	svc.users.SendWelcomeMail(usr, nu.Role)

	usr, err = svc.users.SetLastLogin(ctx, usr)
	if err != nil {
		svc.metrics.RecordSignUp(OutcomeError)
		return SignUpResult{}, errors.Wrap(err, "setting lastLogin")
	}
	tok, err := svc.openSession(ctx, usr)
	if err != nil {
		svc.metrics.RecordSignUp(OutcomeError)
		return SignUpResult{}, errors.Wrap(err, "opening session")
	}

	svc.metrics.RecordSignUp(OutcomeSuccess)
	return SignUpResult{User: usr, Session: tok}, nil
}

// SignIn checks the credentials and opens a new session.
func (svc *Service) SignIn(ctx context.Context, email, pwd string) (SessionToken, user.User, error) {
	usr, err := svc.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Cause(err) == user.ErrNotFound {
			svc.metrics.RecordSignIn(OutcomeInvalid)
			return SessionToken{}, user.User{}, ErrAuthenticationFailed
		}
		svc.metrics.RecordSignIn(OutcomeError)
		return SessionToken{}, user.User{}, errors.Wrap(err, "finding user by email")
	}
	if err = usr.CheckPassword(pwd); err != nil {
		svc.metrics.RecordSignIn(OutcomeInvalid)
		return SessionToken{}, user.User{}, ErrAuthenticationFailed
	}
	if !usr.IsActive {
		svc.metrics.RecordSignIn(OutcomeRejected)
		return SessionToken{}, user.User{}, ErrAccountDeactivated
	}

	usr, err = svc.users.SetLastLogin(ctx, usr)
	if err != nil {
		svc.metrics.RecordSignIn(OutcomeError)
		return SessionToken{}, user.User{}, errors.Wrap(err, "setting lastLogin")
	}
	tok, err := svc.openSession(ctx, usr)
	if err != nil {
		svc.metrics.RecordSignIn(OutcomeError)
		return SessionToken{}, user.User{}, errors.Wrap(err, "opening session")
	}

	svc.metrics.RecordSignIn(OutcomeSuccess)
	return tok, usr, nil
}

// SignOut closes the session. Closing an unknown session is not an error.
func (svc *Service) SignOut(ctx context.Context, sessionID string) error {
	if err := svc.sessions.DeleteSession(ctx, sessionID); err != nil {
		return errors.Wrap(err, "deleting session")
	}
	svc.metrics.RecordSignOut()
	return nil
}

// RevokeAll closes every session of the user, ex: after a password reset.
func (svc *Service) RevokeAll(ctx context.Context, userID string) error {
	return errors.Wrap(svc.sessions.DeleteUserSessions(ctx, userID), "deleting user sessions")
}

// Verify checks that the session the claims were issued for is still live.
func (svc *Service) Verify(ctx context.Context, claims Claims) (Session, error) {
	sess, err := svc.sessions.GetSession(ctx, claims.Id)
	if err != nil {
		if errors.Cause(err) == ErrSessionNotFound {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, errors.Wrap(err, "getting session")
	}
	if sess.UserID != claims.Subject || sess.Expired(nowFunc()) {
		return Session{}, ErrSessionNotFound
	}
	return sess, nil
}

// Refresh issues a new token for the same session, as long as the refresh window
// (counted from the original sign-in) is still open and the user is still active.
func (svc *Service) Refresh(ctx context.Context, claims Claims) (SessionToken, error) {
	sess, err := svc.Verify(ctx, claims)
	if err != nil {
		svc.metrics.RecordTokenRefresh(OutcomeRejected)
		return SessionToken{}, err
	}

	usr, err := svc.users.GetByID(ctx, sess.UserID)
	if err != nil {
		svc.metrics.RecordTokenRefresh(OutcomeError)
		return SessionToken{}, errors.Wrap(err, "finding user by ID")
	}
	if !usr.IsActive {
		svc.metrics.RecordTokenRefresh(OutcomeRejected)
		return SessionToken{}, ErrAccountDeactivated
	}

	now := nowFunc()
	expTime := time.Unix(claims.OrigIssuedAt, 0).Add(svc.refreshDelta)
	if now.After(expTime) {
		svc.metrics.RecordTokenRefresh(OutcomeRejected)
		return SessionToken{}, ErrRefreshExpired
	}

	sess.ExpiresAt = now.Add(svc.tokenTTL).UTC()
	if err = svc.sessions.SaveSession(ctx, sess); err != nil {
		svc.metrics.RecordTokenRefresh(OutcomeError)
		return SessionToken{}, errors.Wrap(err, "saving session")
	}
	tok, err := svc.issue(usr, sess, claims.OrigIssuedAt)
	if err != nil {
		svc.metrics.RecordTokenRefresh(OutcomeError)
		return SessionToken{}, err
	}

	svc.metrics.RecordTokenRefresh(OutcomeSuccess)
	return tok, nil
}

func (svc *Service) openSession(ctx context.Context, usr user.User) (SessionToken, error) {
	now := nowFunc().UTC()
	sess := Session{
		ID:        uuid.New().String(),
		UserID:    usr.ID,
		Email:     usr.Email,
		CreatedAt: now,
		ExpiresAt: now.Add(svc.tokenTTL),
	}
	if err := svc.sessions.SaveSession(ctx, sess); err != nil {
		return SessionToken{}, errors.Wrap(err, "saving session")
	}
	return svc.issue(usr, sess, now.Unix())
}

func (svc *Service) issue(usr user.User, sess Session, origIat int64) (SessionToken, error) {
	token, err := svc.GenerateToken(svc.Claims(usr, sess, origIat))
	if err != nil {
		return SessionToken{}, err
	}
	return SessionToken{
		Token:     token,
		SessionID: sess.ID,
		UserID:    usr.ID,
		Email:     usr.Email,
		ExpiresAt: sess.ExpiresAt,
	}, nil
}

// Claims returns the claims of a token issued for `sess`.
func (svc *Service) Claims(usr user.User, sess Session, origIat int64) *Claims {
	return &Claims{
		StandardClaims: jwt.StandardClaims{
			Id:        sess.ID,
			Issuer:    svc.appName,
			Subject:   usr.ID,
			Audience:  audience,
			ExpiresAt: sess.ExpiresAt.Unix(),
			IssuedAt:  nowFunc().Unix(),
		},
		OrigIssuedAt: origIat,
		Email:        usr.Email,
		Name:         usr.Name,
	}
}

// GenerateToken generates a signed JWT token string representing the Claims.
func (svc *Service) GenerateToken(claims *Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	ss, err := token.SignedString(svc.signingKey)
	if err != nil {
		return "", errors.Wrap(err, "signing token")
	}
	return ss, nil
}

// ParseToken parses and validates a token signed by GenerateToken.
func (svc *Service) ParseToken(token string) (Claims, error) {
	var claims Claims
	tok, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return svc.signingKey, nil
	})
	if err != nil || !tok.Valid {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}
