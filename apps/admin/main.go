package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/trezcool/academia/assets"
	"github.com/trezcool/academia/core"
	"github.com/trezcool/academia/core/role"
	"github.com/trezcool/academia/core/user"
	emailsvc "github.com/trezcool/academia/services/email"
	logsvc "github.com/trezcool/academia/services/logger"
	"github.com/trezcool/academia/storage/database"
	sqlxrepos "github.com/trezcool/academia/storage/database/sqlx"
	redisstore "github.com/trezcool/academia/storage/redis"
)

var exitCode int

func main() {
	defer func() { os.Exit(exitCode) }()

	conf := core.NewConfig()

	logger := logsvc.NewRollbarLogger(
		log.New(os.Stdout, "ADMIN : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
		conf,
	)
	logger.Enable(!conf.Debug)

	if !conf.Database.Enabled() {
		logger.Fatal(fmt.Sprintf("no database configured: set %s_DATABASE_HOST", conf.Env))
	}

	// set up DB
	ctx := context.Background()
	db, err := database.Open(ctx, conf)
	if err != nil {
		logger.Fatal(fmt.Sprintf("opening database: %v", err), err)
	}

	validate, translator := core.NewValidator()
	user.InitValidators(validate, translator)
	user.LoadCommonPasswords(assets.FS, assets.CommonPasswordsFile, logger)

	// start CLI
	cli := commandLine{
		users: user.NewService(
			sqlxrepos.NewUserRepository(db),
			emailsvc.NewConsoleService(conf, logger, os.Stdout),
			validate,
			conf,
			logger,
		),
		roles: role.NewService(sqlxrepos.NewRoleRepository(db), logger),
		newMigrator: func() (migrator, error) {
			return database.NewMigrator(database.URL(conf), logger)
		},
		out: os.Stdout,
	}

	// sessions are revoked on password resets when they live in Redis
	if conf.Redis.URL != "" {
		client, err := redisstore.Open(ctx, conf.Redis.URL)
		if err != nil {
			logger.Fatal(fmt.Sprintf("opening redis: %v", err), err)
		}
		cli.sessions = redisstore.NewSessionStore(client)
		defer func() {
			if err := client.Close(); err != nil {
				logger.Error("closing redis", err)
			}
		}()
	}

	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("closing database", err)
		}
	}()

	if err = cli.run(ctx, os.Args); err != nil {
		if err != errHelp {
			fmt.Fprintf(os.Stderr, "\nerror: %s\n", err)
		}
		exitCode = 1
	}
}
