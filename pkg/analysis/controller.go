// Package analysis orchestrates analysis runs: the state machine around
// each run, the bounded worker pool that executes them, and the pipeline
// that turns frames into a metrics summary.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/aseda-sam/tennis-coach-app/pkg/config"
	"github.com/aseda-sam/tennis-coach-app/pkg/detector"
	"github.com/aseda-sam/tennis-coach-app/pkg/store"
	"github.com/aseda-sam/tennis-coach-app/pkg/video"
)

// ProgressObserver receives step and percentage updates for runs. Optional;
// the controller works without one.
type ProgressObserver func(runID string, progress int, step string)

// Controller owns the run state machine. Runs execute as independent
// background tasks on a bounded worker pool; one video never has more than
// one non-terminal run.
type Controller interface {
	Start(ctx context.Context) error
	Stop() error

	// StartRun queues a new analysis run for the named video. Returns
	// ErrRunAlreadyInProgress if the video has a non-terminal run, or
	// store.ErrNotFound if the video is unknown.
	StartRun(ctx context.Context, filename string) (*store.AnalysisRun, error)

	// CancelRun cooperatively cancels an executing run. The run transitions
	// to failed with a cancelled reason.
	CancelRun(runID string) error

	// SetProgressObserver installs an observer for run progress updates.
	// Must be called before Start.
	SetProgressObserver(fn ProgressObserver)
}

// Compile-time interface check.
var _ Controller = (*controller)(nil)

type controller struct {
	log      logrus.FieldLogger
	cfg      *config.AnalysisConfig
	store    store.Store
	videos   video.Store
	pipeline *Pipeline
	observer ProgressObserver

	sem *semaphore.Weighted

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	baseCtx    context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup
}

// NewController creates a run controller.
func NewController(
	log logrus.FieldLogger,
	cfg *config.AnalysisConfig,
	st store.Store,
	videos video.Store,
	registry detector.Registry,
) (Controller, error) {
	pipeline, err := NewPipeline(log, cfg, videos, registry, st)
	if err != nil {
		return nil, fmt.Errorf("creating pipeline: %w", err)
	}

	return &controller{
		log:      log.WithField("component", "controller"),
		cfg:      cfg,
		store:    st,
		videos:   videos,
		pipeline: pipeline,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrentRuns)),
		cancels:  make(map[string]context.CancelFunc),
	}, nil
}

func (c *controller) SetProgressObserver(fn ProgressObserver) {
	c.observer = fn
}

// Start prepares the controller. Run contexts derive from the controller's
// own context, not the caller's, so an API request ending does not cancel
// the run it queued.
func (c *controller) Start(ctx context.Context) error {
	c.baseCtx, c.cancelBase = context.WithCancel(context.Background())

	c.log.WithField("max_concurrent_runs", c.cfg.MaxConcurrentRuns).
		Debug("Controller started")

	return nil
}

// Stop cancels all executing runs and waits for them to settle.
func (c *controller) Stop() error {
	if c.cancelBase != nil {
		c.cancelBase()
	}

	c.wg.Wait()

	c.log.Debug("Controller stopped")

	return nil
}

func (c *controller) StartRun(
	ctx context.Context, filename string,
) (*store.AnalysisRun, error) {
	vid, err := c.store.GetVideoByFilename(ctx, filename)
	if err != nil {
		return nil, err
	}

	// The check and the insert are serialized so two concurrent requests
	// cannot both create a run for the same video.
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err = c.store.GetActiveRun(ctx, vid.ID)
	if err == nil {
		return nil, ErrRunAlreadyInProgress
	}

	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	run := &store.AnalysisRun{
		ID:                  uuid.NewString(),
		VideoID:             vid.ID,
		Status:              store.StatusQueued,
		CurrentStep:         "queued",
		ModelUsed:           c.pipeline.BallModel(),
		ConfidenceThreshold: c.cfg.ConfidenceThreshold,
	}
	if err := c.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(c.baseCtx)
	c.cancels[run.ID] = cancel

	c.wg.Add(1)

	go c.execute(runCtx, run, vid)

	c.log.WithFields(logrus.Fields{
		"run_id":   run.ID,
		"filename": filename,
	}).Info("Analysis run queued")

	return run, nil
}

func (c *controller) CancelRun(runID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cancel, ok := c.cancels[runID]
	if !ok {
		return ErrRunNotActive
	}

	cancel()

	return nil
}

// execute drives one run to a terminal state on a worker pool slot.
func (c *controller) execute(
	ctx context.Context, run *store.AnalysisRun, vid *store.Video,
) {
	defer c.wg.Done()
	defer c.release(run.ID)

	if err := c.sem.Acquire(ctx, 1); err != nil {
		c.fail(run, err)

		return
	}
	defer c.sem.Release(1)

	started := time.Now().UTC()
	run.Status = store.StatusRunning
	run.StartedAt = &started

	// Persisting state transitions must survive run cancellation.
	storeCtx := context.WithoutCancel(ctx)

	if err := c.store.UpdateRun(storeCtx, run); err != nil {
		c.log.WithError(err).WithField("run_id", run.ID).
			Error("Failed to mark run running")
	}

	sampler, err := NewResourceSampler(c.log)
	if err == nil {
		sampler.Start()
	} else {
		c.log.WithError(err).Debug("Resource sampling unavailable")
	}

	report := func(progress int, step string) {
		if err := c.store.UpdateRunProgress(storeCtx, run.ID, progress, step); err != nil {
			c.log.WithError(err).WithField("run_id", run.ID).
				Debug("Failed to persist run progress")
		}

		if c.observer != nil {
			c.observer(run.ID, progress, step)
		}
	}

	output, err := c.pipeline.Run(ctx, run, vid, report)

	if sampler != nil {
		run.PeakRSSBytes = sampler.Stop()
	}

	completed := time.Now().UTC()
	run.CompletedAt = &completed
	run.ProcessingTimeSeconds = completed.Sub(started).Seconds()

	if err != nil {
		c.fail(run, err)

		return
	}

	run.Status = store.StatusCompleted
	run.Progress = 100
	run.CurrentStep = "completed"

	if err := c.store.FinalizeRun(storeCtx, run, output.Events, output.Summary); err != nil {
		c.fail(run, err)

		return
	}

	if c.observer != nil {
		c.observer(run.ID, 100, "completed")
	}

	c.log.WithFields(logrus.Fields{
		"run_id":          run.ID,
		"strokes":         len(output.Events),
		"detection_rate":  output.Summary.DetectionRate,
		"processing_time": run.ProcessingTimeSeconds,
	}).Info("Analysis run completed")
}

// fail transitions a run to the failed terminal state with a readable
// reason. Partial frame observations are retained for diagnostics.
func (c *controller) fail(run *store.AnalysisRun, cause error) {
	run.Status = store.StatusFailed
	run.Error = failureReason(cause)

	if run.CompletedAt == nil {
		now := time.Now().UTC()
		run.CompletedAt = &now
	}

	if err := c.store.UpdateRun(context.Background(), run); err != nil {
		c.log.WithError(err).WithField("run_id", run.ID).
			Error("Failed to mark run failed")
	}

	c.log.WithFields(logrus.Fields{
		"run_id": run.ID,
		"reason": run.Error,
	}).Warn("Analysis run failed")
}

// failureReason maps pipeline errors to the stored human-readable reason.
func failureReason(err error) string {
	if errors.Is(err, context.Canceled) {
		return CancelledReason
	}

	var (
		decodeErr *video.DecodeError
		escErr    *detector.EscalationError
	)

	switch {
	case errors.As(err, &decodeErr):
		return fmt.Sprintf("decode failure: %v", decodeErr)
	case errors.As(err, &escErr):
		return fmt.Sprintf("detector escalation: %v", escErr)
	default:
		return err.Error()
	}
}

func (c *controller) release(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cancel, ok := c.cancels[runID]; ok {
		cancel()
		delete(c.cancels, runID)
	}
}
