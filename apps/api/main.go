package main

import (
	"context"
	"expvar"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	echoapi "github.com/trezcool/academia/apps/api/echo"
	"github.com/trezcool/academia/assets"
	"github.com/trezcool/academia/core"
	"github.com/trezcool/academia/core/auth"
	"github.com/trezcool/academia/core/role"
	"github.com/trezcool/academia/core/user"
	emailsvc "github.com/trezcool/academia/services/email"
	logsvc "github.com/trezcool/academia/services/logger"
	metricsvc "github.com/trezcool/academia/services/metrics"
	"github.com/trezcool/academia/storage/database"
	inmemdb "github.com/trezcool/academia/storage/database/inmem"
	sqlxrepos "github.com/trezcool/academia/storage/database/sqlx"
	redisstore "github.com/trezcool/academia/storage/redis"
)

type storage struct {
	users    user.Repository
	roles    role.Repository
	sessions auth.SessionStore
	closers  []io.Closer
}

func (s *storage) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i].Close()
	}
}

func main() {
	// =========================================================================
	// Set up Dependencies

	conf := core.NewConfig()

	// set up loggers
	logger := logsvc.NewRollbarLogger(
		log.New(os.Stdout, "API : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
		conf,
	)
	logger.Enable(!conf.Debug)
	dbLogger := logger.WithPrefix("DB : ")

	// set up storage
	ctx := context.Background()
	store, err := setUpStorage(ctx, conf, dbLogger)
	if err != nil {
		logger.Fatal(fmt.Sprintf("setting up storage: %v", err), err)
	}
	defer store.Close()

	// set up services
	var mailSvc core.EmailService
	if conf.Debug {
		mailSvc = emailsvc.NewConsoleService(conf, logger, os.Stdout)
	} else {
		mailSvc = emailsvc.NewSendgridService(conf, logger)
	}

	validate, translator := core.NewValidator()
	user.InitValidators(validate, translator)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := metricsvc.NewCollector(reg)

	usrSvc := user.NewService(store.users, mailSvc, validate, conf, logger)
	roleSvc := role.NewService(store.roles, logger)
	authSvc := auth.NewService(usrSvc, store.sessions, metrics, conf, logger)

	// =========================================================================
	// Initialize App

	logger.Info(fmt.Sprintf("Application initializing : version %q", conf.Build))
	defer logger.Info("Application stopped")

	core.ParseEmailTemplates(assets.FS, assets.EmailTemplatesDir, conf, logger)
	user.LoadCommonPasswords(assets.FS, assets.CommonPasswordsFile, logger)

	// =========================================================================
	// Start Debug Service
	//
	// /debug/vars - Added to the default mux by importing the expvar package.
	// /metrics - Prometheus metrics.

	expvar.NewString("build").Set(conf.Build)
	expvar.NewString("env").Set(conf.Env)
	http.DefaultServeMux.Handle("/metrics", metricsvc.Handler(reg))

	go func() {
		if err := http.ListenAndServe(conf.Server.DebugHost, http.DefaultServeMux); err != nil {
			logger.Error(fmt.Sprintf("debug server closed: %v", err), err)
		}
	}()

	// =========================================================================
	// Start API Service

	server := echoapi.NewServer(echoapi.ServerDeps{
		Conf:       conf,
		Logger:     logger,
		Users:      usrSvc,
		Roles:      roleSvc,
		Auth:       authSvc,
		Metrics:    metrics,
		Validate:   validate,
		Translator: translator,
	})

	go func() {
		server.Start()
	}()

	// =========================================================================
	// Shutdown

	select {
	case err = <-server.Errors():
		logger.Error(fmt.Sprintf("server error: %v", err), err)

	case sig := <-server.ShutdownSignal():
		logger.Info(fmt.Sprintf("%v: Start shutdown...", sig))

		// give outstanding requests a deadline for completion
		ctx, cancel := context.WithTimeout(context.Background(), conf.Server.ShutdownTimeout)
		defer cancel()

		// asking listener to shutdown and shed load
		if err = server.Shutdown(ctx); err != nil {
			logger.Error(fmt.Sprintf("could not stop server gracefully: %v", err), err)

			if err = server.Close(); err != nil {
				logger.Error(fmt.Sprintf("could not force stop server: %v", err), err)
			}
		}
	}
}

// setUpStorage uses Postgres when a database host is configured, memory otherwise.
// Sessions live in Redis when a Redis URL is configured, in memory otherwise.
func setUpStorage(ctx context.Context, conf *core.Config, logger core.Logger) (*storage, error) {
	store := new(storage)

	if conf.Database.Enabled() {
		db, err := setUpDB(ctx, conf, logger)
		if err != nil {
			return nil, err
		}
		store.closers = append(store.closers, db)
		store.users = sqlxrepos.NewUserRepository(db)
		store.roles = sqlxrepos.NewRoleRepository(db)
		store.sessions = inmemdb.NewSessionStore(inmemdb.Open())
	} else {
		logger.Warn("no database configured: data is kept in memory")
		mem := inmemdb.Open()
		store.users = inmemdb.NewUserRepository(mem)
		store.roles = inmemdb.NewRoleRepository(mem)
		store.sessions = inmemdb.NewSessionStore(mem)
	}

	if conf.Redis.URL != "" {
		client, err := redisstore.Open(ctx, conf.Redis.URL)
		if err != nil {
			store.Close()
			return nil, err
		}
		store.closers = append(store.closers, client)
		store.sessions = redisstore.NewSessionStore(client)
	}
	return store, nil
}

func setUpDB(ctx context.Context, conf *core.Config, logger core.Logger) (*sqlx.DB, error) {
	if err := database.CreateIfNotExist(ctx, conf); err != nil {
		return nil, err
	}

	db, err := database.Open(ctx, conf)
	if err != nil {
		return nil, err
	}

	if err = database.Migrate(database.URL(conf), logger); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
