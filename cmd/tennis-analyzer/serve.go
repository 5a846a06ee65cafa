package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aseda-sam/tennis-coach-app/pkg/analysis"
	"github.com/aseda-sam/tennis-coach-app/pkg/api"
	"github.com/aseda-sam/tennis-coach-app/pkg/config"
	"github.com/aseda-sam/tennis-coach-app/pkg/detector"
	"github.com/aseda-sam/tennis-coach-app/pkg/store"
	"github.com/aseda-sam/tennis-coach-app/pkg/video"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the analysis API server",
	Long:  `Start the HTTP server for video upload, run control, and result retrieval.`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// services holds the wired service graph shared by the serve and analyze
// commands.
type services struct {
	store      store.Store
	videos     video.Store
	controller analysis.Controller
}

// buildServices wires the store, video store, detectors, and controller.
// The observer, when non-nil, receives run progress updates.
func buildServices(
	ctx context.Context,
	cfg *config.Config,
	observer analysis.ProgressObserver,
) (*services, error) {
	st := store.NewStore(log, &cfg.Database)
	if err := st.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting store: %w", err)
	}

	videos, err := video.NewFileStore(log, cfg.Storage.UploadDir)
	if err != nil {
		return nil, fmt.Errorf("creating video store: %w", err)
	}

	registry := detector.NewRegistry()
	registry.Register(detector.NewHTTPBallDetector(
		log, &cfg.Analysis.Detectors.Ball, cfg.Analysis.ConfidenceThreshold,
	))
	registry.Register(detector.NewHTTPPoseEstimator(
		log, &cfg.Analysis.Detectors.Pose, cfg.Analysis.ConfidenceThreshold,
	))

	controller, err := analysis.NewController(
		log, &cfg.Analysis, st, videos, registry,
	)
	if err != nil {
		return nil, fmt.Errorf("creating controller: %w", err)
	}

	if observer != nil {
		controller.SetProgressObserver(observer)
	}

	if err := controller.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting controller: %w", err)
	}

	return &services{
		store:      st,
		videos:     videos,
		controller: controller,
	}, nil
}

// stop shuts the service graph down in reverse dependency order.
func (s *services) stop() {
	if err := s.controller.Stop(); err != nil {
		log.WithError(err).Warn("Controller stop error")
	}

	if err := s.store.Stop(); err != nil {
		log.WithError(err).Warn("Store stop error")
	}
}

// loadConfig loads the configured file or falls back to defaults.
func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return config.Default(), nil
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	// Set up context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	svc, err := buildServices(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer svc.stop()

	srv := api.NewServer(log, cfg, svc.store, svc.videos, svc.controller)

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting api server: %w", err)
	}

	// Wait for shutdown signal.
	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down")
	cancel()

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("stopping api server: %w", err)
	}

	return nil
}
