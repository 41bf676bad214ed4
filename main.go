package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"apex-engine/internal/api"
	"apex-engine/internal/supervisor"
	"apex-engine/pkg/config"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	log.Printf("config loaded: data_dir=%s accounts=%d dry_run=%v", cfg.DataDir, len(cfg.Accounts), cfg.DryRunMode)

	eng, err := supervisor.New(cfg)
	if err != nil {
		log.Fatalf("supervisor init failed: %v", err)
	}
	log.Printf("supervisor assembled: %d accounts", len(eng.Accounts()))

	server, err := api.NewServer(eng, eng.Metrics, cfg.JWTSecret)
	if err != nil {
		log.Fatalf("api server init failed: %v", err)
	}
	log.Printf("🔑 operator token (keep secret, paste into dashboard config): %s", server.OperatorToken)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	go func() {
		addr := ":" + cfg.APIPort
		log.Printf("api listening on %s", addr)
		if err := server.Start(addr); err != nil {
			log.Printf("🛑 api server exited: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Println("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Printf("🛑 supervisor exited unexpectedly: %v", err)
			cancel()
			eng.Shutdown()
			os.Exit(1)
		}
	}

	cancel()
	eng.Shutdown()
	log.Println("shutdown complete")
}
