package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/aseda-sam/tennis-coach-app/pkg/config"
	"github.com/aseda-sam/tennis-coach-app/pkg/detector"
	"github.com/aseda-sam/tennis-coach-app/pkg/metrics"
	"github.com/aseda-sam/tennis-coach-app/pkg/store"
	"github.com/aseda-sam/tennis-coach-app/pkg/stroke"
	"github.com/aseda-sam/tennis-coach-app/pkg/track"
	"github.com/aseda-sam/tennis-coach-app/pkg/video"
)

// Pipeline step names, reported as a run's current step.
const (
	StepFrameExtraction = "frame-extraction"
	StepDetection       = "detection"
	StepTracking        = "tracking"
	StepClassification  = "classification"
	StepAggregation     = "aggregation"
)

// observationBatchSize is how many frame observations accumulate before a
// batched write.
const observationBatchSize = 50

// ProgressFunc receives step boundary updates while a pipeline executes.
type ProgressFunc func(progress int, step string)

// Output is a successful pipeline's persistable result.
type Output struct {
	Events  []store.StrokeEvent
	Summary *store.MetricsSummary
}

// Pipeline executes one analysis run: frame extraction, detection,
// tracking, stroke classification, aggregation. A Pipeline instance is
// reusable across runs; all per-run state lives in Run.
type Pipeline struct {
	log    logrus.FieldLogger
	cfg    *config.AnalysisConfig
	videos video.Store
	store  store.Store
	ball   detector.Detector
	pose   detector.Detector
}

// NewPipeline creates a pipeline using the registered detectors.
func NewPipeline(
	log logrus.FieldLogger,
	cfg *config.AnalysisConfig,
	videos video.Store,
	registry detector.Registry,
	st store.Store,
) (*Pipeline, error) {
	ball, err := registry.Get(detector.KindBall)
	if err != nil {
		return nil, fmt.Errorf("resolving ball detector: %w", err)
	}

	pose, err := registry.Get(detector.KindPose)
	if err != nil {
		return nil, fmt.Errorf("resolving pose estimator: %w", err)
	}

	return &Pipeline{
		log:    log.WithField("component", "pipeline"),
		cfg:    cfg,
		videos: videos,
		store:  st,
		ball:   ball,
		pose:   pose,
	}, nil
}

// BallModel returns the ball detector's model identifier, recorded on runs
// as provenance.
func (p *Pipeline) BallModel() string {
	return p.ball.Model()
}

// Run executes the pipeline for one run. Frames are processed strictly in
// order; cancellation is checked between frames. Transient detector faults
// are absorbed as missing data, while decode failures and detector
// escalations abort the run.
func (p *Pipeline) Run(
	ctx context.Context,
	run *store.AnalysisRun,
	vid *store.Video,
	report ProgressFunc,
) (*Output, error) {
	report(0, StepFrameExtraction)

	src, meta, err := p.videos.Open(vid.Filename, p.cfg.FrameStride)
	if err != nil {
		return nil, fmt.Errorf("opening video: %w", err)
	}
	defer func() { _ = src.Close() }()

	expected := meta.FrameCount / p.cfg.FrameStride
	if expected < 1 {
		expected = 1
	}

	report(10, StepDetection)

	var (
		totalFrames    int
		framesWithBall int
		detections     int
		poses          []stroke.PoseFrame
		positions      []metrics.PlayerPosition
	)

	tracker := track.NewTracker(track.Config{
		MaxGap:          p.cfg.Tracker.MaxGap,
		MaxMatchScore:   p.cfg.Tracker.MaxMatchScore,
		GapPenalty:      p.cfg.Tracker.GapPenalty,
		AmbiguityMargin: p.cfg.Tracker.AmbiguityMargin,
		HighConfidence:  p.cfg.Tracker.HighConfidence,
	})

	ballFaults := detector.NewFaultTracker(detector.KindBall, p.cfg.MaxDetectorFaults)
	poseFaults := detector.NewFaultTracker(detector.KindPose, p.cfg.MaxDetectorFaults)

	batch := make([]store.FrameObservation, 0, observationBatchSize)

	flush := func(ctx context.Context) error {
		if len(batch) == 0 {
			return nil
		}

		if err := p.store.AppendFrameObservations(ctx, batch); err != nil {
			return err
		}

		batch = batch[:0]

		return nil
	}

	// Observations written so far outlive a failed or cancelled run, so the
	// buffered remainder must reach the store on every exit path.
	defer func() {
		if err := flush(context.WithoutCancel(ctx)); err != nil {
			p.log.WithError(err).WithField("run_id", run.ID).
				Warn("Failed to persist trailing frame observations")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		frame, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("reading frame: %w", err)
		}

		totalFrames++

		ballDets, err := p.detect(ctx, p.ball, ballFaults, frame, run.ID)
		if err != nil {
			return nil, err
		}

		detections += len(ballDets)
		if len(ballDets) > 0 {
			framesWithBall++
		}

		tracker.Observe(frame.Number, frame.Timestamp, ballDets)
		batch = append(batch, observation(run.ID, frame, detector.KindBall, ballDets))

		poseDets, err := p.detect(ctx, p.pose, poseFaults, frame, run.ID)
		if err != nil {
			return nil, err
		}

		if best := bestPose(poseDets); best != nil {
			poses = append(poses, stroke.PoseFrame{
				Frame:     frame.Number,
				Timestamp: frame.Timestamp,
				Pose:      *best,
			})

			x, y := stroke.PlayerCenter(best)
			positions = append(positions, metrics.PlayerPosition{
				Timestamp: frame.Timestamp,
				X:         x,
				Y:         y,
			})
		}

		batch = append(batch, observation(run.ID, frame, detector.KindPose, poseDets))

		if len(batch) >= observationBatchSize {
			if err := flush(ctx); err != nil {
				return nil, err
			}
		}

		if totalFrames%25 == 0 {
			// Detection spans the 10..70 band of the progress scale.
			pct := 10 + 60*totalFrames/expected
			if pct > 70 {
				pct = 70
			}

			report(pct, StepDetection)
		}
	}

	if err := flush(ctx); err != nil {
		return nil, err
	}

	report(75, StepTracking)

	tracks := tracker.Finish()
	if ambiguous := tracker.Ambiguous(); len(ambiguous) > 0 {
		p.log.WithFields(logrus.Fields{
			"run_id": run.ID,
			"frames": len(ambiguous),
		}).Debug("Excluded ambiguous frames from tracking")
	}

	report(85, StepClassification)

	classifier := stroke.NewClassifier(stroke.Config{
		WindowFrames:     p.cfg.Classifier.WindowFrames,
		ToleranceSeconds: p.cfg.Classifier.ToleranceSeconds,
		MinPeakSpeed:     p.cfg.Classifier.MinPeakSpeed,
	})
	events := classifier.Classify(poses, tracks)

	report(95, StepAggregation)

	aggregator := metrics.NewAggregator(metrics.Config{
		RallySilenceGapSeconds: p.cfg.Metrics.RallySilenceGapSeconds,
	})
	summary := aggregator.Aggregate(&metrics.Input{
		TotalFrames:         totalFrames,
		FramesWithBall:      framesWithBall,
		TotalBallDetections: detections,
		FrameWidth:          meta.Width,
		FrameHeight:         meta.Height,
		Tracks:              tracks,
		Events:              events,
		PlayerPositions:     positions,
	})

	return &Output{
		Events:  storeEvents(run, events),
		Summary: storeSummary(run, summary),
	}, nil
}

// detect invokes one detector for one frame, absorbing transient faults and
// escalating after too many consecutive failures.
func (p *Pipeline) detect(
	ctx context.Context,
	d detector.Detector,
	faults *detector.FaultTracker,
	frame *video.Frame,
	runID string,
) ([]detector.Detection, error) {
	dets, err := d.Detect(ctx, frame)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if escErr := faults.Observe(err); escErr != nil {
			return nil, escErr
		}

		p.log.WithError(err).WithFields(logrus.Fields{
			"run_id": runID,
			"kind":   d.Kind(),
			"frame":  frame.Number,
		}).Debug("Transient detector fault, frame recorded as missing")

		return nil, nil
	}

	_ = faults.Observe(nil)

	return dets, nil
}

// observation builds the persisted record of one detector pass over one
// frame. Marshalling the detection list is best-effort; the structured
// fields carry the signal the aggregator needs.
func observation(
	runID string,
	frame *video.Frame,
	kind detector.Kind,
	dets []detector.Detection,
) store.FrameObservation {
	encoded, err := json.Marshal(dets)
	if err != nil {
		encoded = []byte("[]")
	}

	return store.FrameObservation{
		RunID:        runID,
		FrameNumber:  frame.Number,
		Timestamp:    frame.Timestamp,
		DetectorKind: string(kind),
		Detected:     len(dets) > 0,
		Detections:   string(encoded),
	}
}

// bestPose picks the highest-confidence pose of a frame. The pipeline
// models a single primary player.
func bestPose(dets []detector.Detection) *detector.Detection {
	var best *detector.Detection

	for i := range dets {
		if best == nil || dets[i].Confidence > best.Confidence {
			best = &dets[i]
		}
	}

	return best
}

func storeEvents(run *store.AnalysisRun, events []stroke.Event) []store.StrokeEvent {
	rows := make([]store.StrokeEvent, 0, len(events))

	for _, ev := range events {
		rows = append(rows, store.StrokeEvent{
			RunID:       run.ID,
			VideoID:     run.VideoID,
			FrameNumber: ev.Frame,
			Timestamp:   ev.Timestamp,
			Type:        string(ev.Type),
			Confidence:  ev.Confidence,
			BallX:       ev.BallX,
			BallY:       ev.BallY,
			PlayerX:     ev.PlayerX,
			PlayerY:     ev.PlayerY,
		})
	}

	return rows
}

func storeSummary(run *store.AnalysisRun, s *metrics.Summary) *store.MetricsSummary {
	return &store.MetricsSummary{
		VideoID: run.VideoID,
		RunID:   run.ID,

		TotalFrames:               s.TotalFrames,
		FramesWithBall:            s.FramesWithBall,
		TotalBallDetections:       s.TotalBallDetections,
		AverageDetectionsPerFrame: s.AverageDetectionsPerFrame,
		DetectionRate:             s.DetectionRate,

		TrackCount:       s.TrackCount,
		BounceCount:      s.BounceCount,
		AverageBallSpeed: s.AverageBallSpeed,

		TotalStrokes:       s.TotalStrokes,
		ForehandCount:      s.ForehandCount,
		BackhandCount:      s.BackhandCount,
		ServeCount:         s.ServeCount,
		VolleyCount:        s.VolleyCount,
		UnknownStrokeCount: s.UnknownStrokeCount,
		AverageStrokeSpeed: s.AverageStrokeSpeed,
		MaxStrokeSpeed:     s.MaxStrokeSpeed,

		RallyCount:           s.RallyCount,
		AverageRallyDuration: s.AverageRallyDuration,

		NetZonePercent:      s.NetZonePercent,
		ServiceZonePercent:  s.ServiceZonePercent,
		BaselineZonePercent: s.BaselineZonePercent,
	}
}
