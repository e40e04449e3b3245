package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"evalflow/internal/api"
	"evalflow/internal/config"
	"evalflow/internal/db"
	"evalflow/internal/ledger"
	redisdb "evalflow/internal/redis"
	"evalflow/internal/sessions"
	"evalflow/internal/work"
	"evalflow/internal/worksource"
)

func main() {
	path := os.Getenv("EVALFLOW_CONFIG")
	if path == "" {
		path = "config.json"
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}
	if err := db.Init(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "DB init error: %v\n", err)
		os.Exit(1)
	}
	rdb := redisdb.NewClient(cfg)
	if err := redisdb.Ping(context.Background(), rdb); err != nil {
		fmt.Fprintf(os.Stderr, "Redis error: %v\n", err)
		os.Exit(1)
	}

	breaker := worksource.NewBreaker(cfg.Upstream.BreakerFailures, cfg.BreakerCooldown())
	client := worksource.NewClient(cfg.Upstream.URL, cfg.Upstream.Token, cfg.UpstreamTimeout(), breaker)
	upstream := work.Upstream{
		Source:        client,
		Steps:         client,
		Votes:         client,
		Contributions: client,
		Pairs:         client,
	}

	store := ledger.NewStore(db.DB)
	registry := sessions.NewRegistry(cfg.Profiles(), upstream,
		sessions.WithRedis(rdb),
		sessions.WithJournals(store.Journal),
		sessions.WithIdleTimeout(cfg.IdleTimeout()),
	)

	scheduler := cron.New()
	if _, err := registry.ScheduleReaper(scheduler, cfg.Sessions.ReapSchedule); err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}
	if _, err := store.SchedulePrune(scheduler, cfg.Ledger.PruneSchedule, cfg.Retention()); err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}
	scheduler.Start()
	log.Printf("[Main] Screens: %v", registry.Screens())

	r := api.SetupRouter(cfg, rdb, api.Services{
		Sessions: registry,
		Ledger:   store,
		Breaker:  breaker,
	})
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: r}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		fmt.Printf("Starting server on %s%s\n", addr, cfg.Server.Subpath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	log.Printf("[Main] Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Main] Server shutdown: %v", err)
	}
	<-scheduler.Stop().Done()
	registry.Shutdown()
	_ = rdb.Close()
}
