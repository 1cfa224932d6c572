package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/trezcool/academia/core"
	"github.com/trezcool/academia/core/session"
	"github.com/trezcool/academia/services/apiclient"
	logsvc "github.com/trezcool/academia/services/logger"
)

var exitCode int

func main() {
	defer func() { os.Exit(exitCode) }()

	conf := core.NewConfig()

	logger := logsvc.NewRollbarLogger(
		log.New(os.Stderr, "PORTAL : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
		conf,
	)
	logger.Enable(!conf.Debug)

	client := apiclient.New(conf.Client.APIBaseURL, apiclient.NewTokenFile(conf.Client.TokenFile), logger)
	res := session.NewResolver(client, client,
		session.WithRetry(conf.Roles.FetchAttempts, conf.Roles.FetchDelay),
		session.WithLogger(logger),
	)
	defer res.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := res.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "could not restore the previous session: %v\n", err)
	}
	if conf.Client.RefreshInterval > 0 {
		go client.RunRefresher(ctx, conf.Client.RefreshInterval)
	}

	p := newPortal(res, os.Stdin, os.Stdout)
	p.printHelp()
	if err := p.run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "\nerror: %s\n", err)
		exitCode = 1
	}
}
