package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/ghostrunner/internal/avatar"
	"github.com/ehrlich-b/ghostrunner/internal/botsim"
	"github.com/ehrlich-b/ghostrunner/internal/channel"
	"github.com/ehrlich-b/ghostrunner/internal/clock"
	"github.com/ehrlich-b/ghostrunner/internal/config"
	"github.com/ehrlich-b/ghostrunner/internal/gltf"
	"github.com/ehrlich-b/ghostrunner/internal/logger"
	"github.com/ehrlich-b/ghostrunner/internal/scene"
)

func main() {
	root := &cobra.Command{
		Use:   "ghostrunner",
		Short: "materialises simulated bots into a room's realtime channel",
		RunE:  run,
	}
	root.Flags().String("url", "https://meta-hubs.org", "room server base URL")
	root.Flags().String("room", "", "hub_sid to join (required)")
	root.Flags().Bool("runner", false, "informational flag set by the supervisor")
	root.Flags().String("log-level", "info", "log level: debug|info|warn|error")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	baseURL, _ := cmd.Flags().GetString("url")
	hubSID, _ := cmd.Flags().GetString("room")
	logLevel, _ := cmd.Flags().GetString("log-level")

	if hubSID == "" {
		fmt.Fprintln(os.Stderr, "ghostrunner: --room is required")
		os.Exit(1)
	}

	cfg := config.NewRunner(baseURL, hubSID)
	if !cmd.Flags().Changed("log-level") {
		logLevel = cfg.LogLevel
	}

	logger.Init(logLevel)
	log := logger.ForRoom(hubSID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sceneMap, err := fetchSceneMap(ctx, baseURL, hubSID, log)
	if err != nil {
		log.Warn("scene fetch failed, proceeding with empty scene map", "err", err)
		sceneMap = scene.Empty()
	}

	clk := clock.New(baseURL, log)
	go clk.Run(ctx)

	avatars := avatar.New(baseURL, log)
	go avatars.Run(ctx)

	ch, err := channel.Dial(ctx, baseURL, hubSID, cfg.BotAccessKey, log)
	if err != nil {
		log.Error("channel join failed", "err", err)
		os.Exit(1)
	}

	sim := botsim.New(hubSID, ch, clk, avatars, sceneMap, cfg, log)

	errCh := make(chan error, 2)
	go func() { errCh <- ch.Run(ctx) }()
	go func() { errCh <- sim.Run(ctx) }()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sim.RemoveAll(shutdownCtx)
		ch.Close(shutdownCtx)
		return nil
	case err := <-errCh:
		if err != nil && channel.IsFatal(err) {
			log.Error("runner terminating", "err", err)
			os.Exit(1)
		}
		return nil
	}
}

func fetchSceneMap(ctx context.Context, baseURL, hubSID string, log *slog.Logger) (*scene.Map, error) {
	fetcher := gltf.NewFetcher(&http.Client{Timeout: 10 * time.Second})
	doc, err := fetcher.FetchDocument(ctx, roomSceneURL(baseURL, hubSID))
	if err != nil {
		return nil, err
	}
	return scene.Extract(doc), nil
}

func roomSceneURL(baseURL, hubSID string) string {
	return baseURL + "/api/v1/hubs/" + hubSID + "/scene.glb"
}
