package testutil

import (
	"context"
	"testing"
	"time"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/trezcool/academia/assets"
	"github.com/trezcool/academia/core"
	"github.com/trezcool/academia/core/auth"
	"github.com/trezcool/academia/core/role"
	"github.com/trezcool/academia/core/user"
	emailsvc "github.com/trezcool/academia/services/email"
	metricsvc "github.com/trezcool/academia/services/metrics"
	inmemdb "github.com/trezcool/academia/storage/database/inmem"
)

// TestLogger logs to the test output.
type TestLogger struct {
	TB testing.TB
}

var _ core.Logger = TestLogger{}

func (l TestLogger) log(level, msg string, args []interface{}) {
	l.TB.Helper()
	l.TB.Logf("%s: %s %v", level, msg, args)
}

func (l TestLogger) Debug(msg string, args ...interface{}) { l.log("DEBUG", msg, args) }
func (l TestLogger) Info(msg string, args ...interface{})  { l.log("INFO", msg, args) }
func (l TestLogger) Warn(msg string, args ...interface{})  { l.log("WARN", msg, args) }
func (l TestLogger) Error(msg string, args ...interface{}) { l.log("ERROR", msg, args) }
func (l TestLogger) Fatal(msg string, args ...interface{}) {
	l.log("FATAL", msg, args)
	l.TB.FailNow()
}

// Env holds the services wired over an in-memory database.
type Env struct {
	Conf       *core.Config
	Logger     core.Logger
	Validate   *validator.Validate
	Translator ut.Translator
	Mail       *emailsvc.ConsoleServiceMock
	Metrics    *metricsvc.Collector
	Registry   *prometheus.Registry

	DB       *inmemdb.DB
	UserRepo user.Repository
	RoleRepo role.Repository
	Sessions auth.SessionStore

	Users *user.Service
	Roles *role.Service
	Auth  *auth.Service
}

func Setup(t testing.TB) *Env {
	conf := core.NewTestConfig()
	logger := TestLogger{TB: t}

	validate, translator := core.NewValidator()
	user.InitValidators(validate, translator)
	user.LoadCommonPasswords(assets.FS, assets.CommonPasswordsFile, logger)
	core.ParseEmailTemplates(assets.FS, assets.EmailTemplatesDir, conf, logger)

	reg := prometheus.NewRegistry()
	env := &Env{
		Conf:       conf,
		Logger:     logger,
		Validate:   validate,
		Translator: translator,
		Mail:       emailsvc.NewConsoleServiceMock(conf, logger),
		Metrics:    metricsvc.NewCollector(reg),
		Registry:   reg,
		DB:         inmemdb.Open(),
	}
	env.UserRepo = inmemdb.NewUserRepository(env.DB)
	env.RoleRepo = inmemdb.NewRoleRepository(env.DB)
	env.Sessions = inmemdb.NewSessionStore(env.DB)

	env.Users = user.NewService(env.UserRepo, env.Mail, validate, conf, logger)
	env.Roles = role.NewService(env.RoleRepo, logger)
	env.Auth = auth.NewService(env.Users, env.Sessions, env.Metrics, conf, logger)
	return env
}

// CreateUser stores a user directly, bypassing the validations, and grants it `roles`.
func (env *Env) CreateUser(
	t testing.TB,
	name, email, pwd string,
	roles []role.Role,
	isActive bool,
	createdAt ...time.Time,
) user.User {
	t.Helper()

	tstamp := time.Now().UTC()
	if len(createdAt) > 0 {
		tstamp = createdAt[0].UTC()
	}
	usr := user.User{
		ID:        uuid.New().String(),
		Name:      name,
		Email:     email,
		IsActive:  isActive,
		CreatedAt: tstamp,
		UpdatedAt: tstamp,
	}
	if pwd != "" {
		if err := usr.SetPassword(pwd); err != nil {
			t.Fatalf("CreateUser() failed: %v", err)
		}
	}

	ctx := context.Background()
	usr, err := env.UserRepo.CreateUser(ctx, usr)
	if err != nil {
		t.Fatalf("CreateUser() failed: %v", err)
	}
	for _, r := range roles {
		if err = env.RoleRepo.AddRole(ctx, role.Assignment{UserID: usr.ID, Role: r, CreatedAt: tstamp}); err != nil {
			t.Fatalf("CreateUser() failed: %v", err)
		}
	}
	return usr
}

// Token signs the user in, bypassing the password check, and returns the session token.
func (env *Env) Token(t testing.TB, usr user.User) auth.SessionToken {
	t.Helper()

	now := time.Now().UTC()
	sess := auth.Session{
		ID:        uuid.New().String(),
		UserID:    usr.ID,
		Email:     usr.Email,
		CreatedAt: now,
		ExpiresAt: now.Add(env.Conf.Server.JWTExpirationDelta),
	}
	if err := env.Sessions.SaveSession(context.Background(), sess); err != nil {
		t.Fatalf("Token() failed: %v", err)
	}
	token, err := env.Auth.GenerateToken(env.Auth.Claims(usr, sess, now.Unix()))
	if err != nil {
		t.Fatalf("Token() failed: %v", err)
	}
	return auth.SessionToken{Token: token, SessionID: sess.ID, UserID: usr.ID, Email: usr.Email, ExpiresAt: sess.ExpiresAt}
}
