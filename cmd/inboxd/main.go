package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"inboxd/internal/app"
)

func main() {
	var (
		cfgPath  string
		identity int64
	)
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config file (json or yaml)")
	flag.Int64Var(&identity, "identity", 0, "numeric identity id to log in as (0 = stay logged out)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	eng, err := app.New(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	if err := eng.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}

	if identity != 0 {
		if err := eng.Login(ctx, identity); err != nil {
			fmt.Println("fatal login:", err)
			os.Exit(1)
		}
	}

	<-ctx.Done()
	_ = eng.Stop(context.Background())
}
