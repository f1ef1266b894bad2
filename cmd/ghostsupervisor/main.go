package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ehrlich-b/ghostrunner/internal/config"
	"github.com/ehrlich-b/ghostrunner/internal/logger"
	"github.com/ehrlich-b/ghostrunner/internal/supervisor"
)

func main() {
	root := &cobra.Command{
		Use:   "ghostsupervisor",
		Short: "ghost runner supervisor — admits and queues per-room bot runners",
		RunE:  run,
	}

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.NewSupervisor()
	logger.Init(cfg.LogLevel)
	log := slog.Default()

	sup := supervisor.New(cfg, log)
	srv := supervisor.NewServer(sup, cfg, log)

	httpSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: srv,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("ghostsupervisor listening", "port", cfg.Port)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("ghostsupervisor shutting down")
		return httpSrv.Close()
	})

	return g.Wait()
}
