package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"simtrade/api"
	"simtrade/config"
	"simtrade/db"
	"simtrade/manager"
	"simtrade/runtimeflags"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the JSON config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	flags := runtimeflags.New(cfg.Flags)

	var store *db.ResultStore
	if cfg.DatabaseURL != "" {
		store, err = db.NewResultStore(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("connect result store: %v", err)
		}
	}

	m := manager.NewRunManager(flags, store)
	for _, run := range cfg.Runs {
		if _, err := m.AddRun(run); err != nil {
			log.Fatalf("register run %q: %v", run.Name, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartAll(ctx)

	srv := api.NewServer(m, cfg.APIServerPort)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Printf("received %s, shutting down", sig)
	case err := <-serverErr:
		if err != nil {
			log.Printf("API server failed: %v", err)
		}
	}

	cancel()
	m.StopAll()
	m.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("API server shutdown: %v", err)
	}
	if store != nil {
		if err := store.Close(shutdownCtx); err != nil {
			log.Printf("result store close: %v", err)
		}
	}
	log.Println("shutdown complete")
}
