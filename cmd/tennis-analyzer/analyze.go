package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/aseda-sam/tennis-coach-app/pkg/config"
	"github.com/aseda-sam/tennis-coach-app/pkg/store"
)

const runPollInterval = 200 * time.Millisecond

var analyzeCmd = &cobra.Command{
	Use:   "analyze <video-path>",
	Short: "Analyze a single video and print its metrics summary",
	Long: `Run the full analysis pipeline on one video file and wait for it
to finish. The file is imported into the upload directory if it is not
already registered. The metrics summary is printed to stdout as JSON.`,
	Args: cobra.ExactArgs(1),
	RunE: runAnalyze,
}

func init() {
	rootCmd.AddCommand(analyzeCmd)
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	observer := func(runID string, progress int, step string) {
		log.WithFields(logrus.Fields{
			"run_id":   runID,
			"progress": progress,
			"step":     step,
		}).Info("Analysis progress")
	}

	svc, err := buildServices(ctx, cfg, observer)
	if err != nil {
		return err
	}
	defer svc.stop()

	vid, err := importVideo(ctx, cfg, svc, args[0])
	if err != nil {
		return err
	}

	run, err := svc.controller.StartRun(ctx, vid.Filename)
	if err != nil {
		return fmt.Errorf("starting run: %w", err)
	}

	log.WithFields(logrus.Fields{
		"run_id":   run.ID,
		"filename": vid.Filename,
	}).Info("Analysis started")

	// Cancel the run instead of abandoning it if the user interrupts.
	go func() {
		sig, ok := <-sigCh
		if !ok {
			return
		}

		log.WithField("signal", sig).Info("Cancelling run")

		if err := svc.controller.CancelRun(run.ID); err != nil {
			log.WithError(err).Warn("Cancel failed")
		}
	}()

	final, err := waitForRun(ctx, svc.store, run.ID)
	if err != nil {
		return err
	}

	if final.Status != store.StatusCompleted {
		return fmt.Errorf("run %s %s: %s", final.ID, final.Status, final.Error)
	}

	summary, err := svc.store.GetSummaryByVideo(ctx, vid.ID)
	if err != nil {
		return fmt.Errorf("fetching summary: %w", err)
	}

	out, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding summary: %w", err)
	}

	fmt.Println(string(out))

	return nil
}

// importVideo registers the file at path with the video store and the
// database if it is not already known. The base name is the video identity.
func importVideo(
	ctx context.Context,
	cfg *config.Config,
	svc *services,
	path string,
) (*store.Video, error) {
	filename := filepath.Base(path)

	vid, err := svc.store.GetVideoByFilename(ctx, filename)
	if err == nil {
		return vid, nil
	}

	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up video: %w", err)
	}

	if !cfg.FormatSupported(filename) {
		return nil, fmt.Errorf("unsupported video format: %s", filename)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening video file: %w", err)
	}
	defer f.Close()

	size, err := svc.videos.Put(filename, f)
	if err != nil {
		return nil, fmt.Errorf("importing video: %w", err)
	}

	meta, err := svc.videos.Probe(filename)
	if err != nil {
		if delErr := svc.videos.Delete(filename); delErr != nil {
			log.WithError(delErr).Warn("Failed to remove undecodable file")
		}

		return nil, fmt.Errorf("probing video: %w", err)
	}

	vid = &store.Video{
		Filename:        filename,
		SizeBytes:       size,
		DurationSeconds: meta.DurationSeconds,
		FPS:             meta.FPS,
		Width:           meta.Width,
		Height:          meta.Height,
		FrameCount:      meta.FrameCount,
	}

	if err := svc.store.CreateVideo(ctx, vid); err != nil {
		return nil, fmt.Errorf("registering video: %w", err)
	}

	return vid, nil
}

// waitForRun polls until the run reaches a terminal status.
func waitForRun(
	ctx context.Context,
	st store.Store,
	runID string,
) (*store.AnalysisRun, error) {
	ticker := time.NewTicker(runPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			run, err := st.GetRun(ctx, runID)
			if err != nil {
				return nil, fmt.Errorf("polling run: %w", err)
			}

			if store.TerminalStatus(run.Status) {
				return run, nil
			}
		}
	}
}
