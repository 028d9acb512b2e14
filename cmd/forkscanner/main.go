package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/twilight-project/forkscanner/internal/api"
	"github.com/twilight-project/forkscanner/internal/command"
	"github.com/twilight-project/forkscanner/internal/config"
	"github.com/twilight-project/forkscanner/internal/dispatch"
	"github.com/twilight-project/forkscanner/internal/engine"
	"github.com/twilight-project/forkscanner/internal/node"
	"github.com/twilight-project/forkscanner/internal/poolfeed"
	"github.com/twilight-project/forkscanner/internal/store"
)

func main() {
	log.Println("Starting forkscanner engine...")

	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("FATAL: connect to postgres: %v", err)
	}
	defer st.Close()

	if err := st.InitSchema(ctx, cfg.SchemaPath); err != nil {
		log.Fatalf("FATAL: init schema: %v", err)
	}

	pool, err := node.NewPool(cfg.Nodes)
	if err != nil {
		log.Fatalf("FATAL: build node pool: %v", err)
	}
	defer pool.Shutdown()

	feed := poolfeed.New(cfg.PoolFeedURL)
	hub := dispatch.NewHub()
	cmds := command.NewQueue()

	e := engine.New(st, pool, feed, hub, cmds)
	if cfg.PassInterval > 0 {
		e.SetInterval(time.Duration(cfg.PassInterval) * time.Second)
	}

	go e.Run(ctx)

	r := api.SetupRouter(hub, cmds, cfg.AuthToken)

	srvErr := make(chan error, 1)
	go func() {
		log.Printf("forkscanner listening on %s", cfg.BindAddr)
		srvErr <- r.Run(cfg.BindAddr)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-srvErr:
		log.Fatalf("FATAL: api server: %v", err)
	case s := <-sig:
		log.Printf("received %s, shutting down", s)
		cancel()
	}
}
