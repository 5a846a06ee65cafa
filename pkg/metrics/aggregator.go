// Package metrics reduces one run's tracking and stroke output to a single
// summary. Aggregate is a pure function: identical inputs always produce an
// identical summary, which is what makes re-running an analysis idempotent.
package metrics

import (
	"math"
	"sort"

	"github.com/aseda-sam/tennis-coach-app/pkg/stroke"
	"github.com/aseda-sam/tennis-coach-app/pkg/track"
)

// Court zones bucket the player's normalized vertical position. Pixel y
// grows downward, so the net is at the top of the frame for the far player
// and percentages are computed against whatever camera angle produced the
// poses.
const (
	netZoneMax     = 0.4
	serviceZoneMax = 0.7
)

// Config holds aggregation tuning parameters.
type Config struct {
	// RallySilenceGapSeconds is the minimum silence between strokes that
	// splits two rallies.
	RallySilenceGapSeconds float64
}

// PlayerPosition is one frame-sampled player position in pixels.
type PlayerPosition struct {
	Timestamp float64
	X         float64
	Y         float64
}

// Input is everything the aggregator consumes for one run.
type Input struct {
	TotalFrames         int
	FramesWithBall      int
	TotalBallDetections int
	FrameWidth          int
	FrameHeight         int

	Tracks          []track.Track
	Events          []stroke.Event
	PlayerPositions []PlayerPosition
}

// Summary is the per-video analysis result.
type Summary struct {
	TotalFrames               int     `json:"total_frames"`
	FramesWithBall            int     `json:"frames_with_balls"`
	TotalBallDetections       int     `json:"total_ball_detections"`
	AverageDetectionsPerFrame float64 `json:"average_detections_per_frame"`
	DetectionRate             float64 `json:"detection_rate"`

	TrackCount       int     `json:"track_count"`
	BounceCount      int     `json:"bounce_count"`
	AverageBallSpeed float64 `json:"average_ball_speed"`

	TotalStrokes       int     `json:"total_strokes"`
	ForehandCount      int     `json:"forehand_count"`
	BackhandCount      int     `json:"backhand_count"`
	ServeCount         int     `json:"serve_count"`
	VolleyCount        int     `json:"volley_count"`
	UnknownStrokeCount int     `json:"unknown_stroke_count"`
	AverageStrokeSpeed float64 `json:"average_stroke_speed"`
	MaxStrokeSpeed     float64 `json:"max_stroke_speed"`

	RallyCount           int     `json:"rally_count"`
	AverageRallyDuration float64 `json:"average_rally_duration"`

	NetZonePercent      float64 `json:"net_zone_percent"`
	ServiceZonePercent  float64 `json:"service_zone_percent"`
	BaselineZonePercent float64 `json:"baseline_zone_percent"`
}

// Aggregator computes run summaries.
type Aggregator struct {
	cfg Config
}

// NewAggregator creates an aggregator with the given configuration.
func NewAggregator(cfg Config) *Aggregator {
	return &Aggregator{cfg: cfg}
}

// Aggregate reduces one run's output to a summary. Every division guards
// its denominator, so degenerate inputs (no detections, no strokes) yield
// zeroed fields rather than NaN.
func (a *Aggregator) Aggregate(in *Input) *Summary {
	s := &Summary{
		TotalFrames:         in.TotalFrames,
		FramesWithBall:      in.FramesWithBall,
		TotalBallDetections: in.TotalBallDetections,
		TrackCount:          len(in.Tracks),
		TotalStrokes:        len(in.Events),
	}

	if in.TotalFrames > 0 {
		s.AverageDetectionsPerFrame = float64(in.TotalBallDetections) / float64(in.TotalFrames)
		s.DetectionRate = float64(in.FramesWithBall) / float64(in.TotalFrames)
	}

	s.BounceCount = countBounces(in.Tracks)
	s.AverageBallSpeed = averageBallSpeed(in.Tracks)

	a.countStrokes(s, in.Events)
	a.strokeSpeeds(s, in)
	a.rallies(s, in.Events)
	a.zoneShares(s, in)

	return s
}

func (a *Aggregator) countStrokes(s *Summary, events []stroke.Event) {
	for _, ev := range events {
		switch ev.Type {
		case stroke.TypeForehand:
			s.ForehandCount++
		case stroke.TypeBackhand:
			s.BackhandCount++
		case stroke.TypeServe:
			s.ServeCount++
		case stroke.TypeVolley:
			s.VolleyCount++
		default:
			s.UnknownStrokeCount++
		}
	}
}

// strokeSpeeds attributes a ball speed to each stroke: the speed at the
// track point nearest in time to the event.
func (a *Aggregator) strokeSpeeds(s *Summary, in *Input) {
	if len(in.Events) == 0 {
		return
	}

	var sum float64

	counted := 0

	for _, ev := range in.Events {
		speed, ok := nearestBallSpeed(in.Tracks, ev.Timestamp)
		if !ok {
			continue
		}

		sum += speed
		counted++

		if speed > s.MaxStrokeSpeed {
			s.MaxStrokeSpeed = speed
		}
	}

	if counted > 0 {
		s.AverageStrokeSpeed = sum / float64(counted)
	}
}

// rallies clusters stroke events separated by less than the silence gap and
// averages cluster durations. A single-stroke rally has duration zero.
func (a *Aggregator) rallies(s *Summary, events []stroke.Event) {
	if len(events) == 0 {
		return
	}

	times := make([]float64, len(events))
	for i, ev := range events {
		times[i] = ev.Timestamp
	}

	sort.Float64s(times)

	var total float64

	start := times[0]
	last := times[0]
	count := 1

	for _, ts := range times[1:] {
		if ts-last > a.cfg.RallySilenceGapSeconds {
			total += last - start
			count++
			start = ts
		}

		last = ts
	}

	total += last - start

	s.RallyCount = count
	s.AverageRallyDuration = total / float64(count)
}

// zoneShares buckets the sampled player positions by normalized vertical
// position and reports the share of samples per court zone as percentages.
func (a *Aggregator) zoneShares(s *Summary, in *Input) {
	if len(in.PlayerPositions) == 0 || in.FrameHeight <= 0 {
		return
	}

	var net, service, baseline int

	for _, pos := range in.PlayerPositions {
		switch y := pos.Y / float64(in.FrameHeight); {
		case y < netZoneMax:
			net++
		case y < serviceZoneMax:
			service++
		default:
			baseline++
		}
	}

	total := float64(len(in.PlayerPositions))
	s.NetZonePercent = 100 * float64(net) / total
	s.ServiceZonePercent = 100 * float64(service) / total
	s.BaselineZonePercent = 100 * float64(baseline) / total
}

// countBounces counts vertical direction changes toward the ground: track
// points whose pixel y is a local maximum.
func countBounces(tracks []track.Track) int {
	bounces := 0

	for _, tr := range tracks {
		for i := 1; i < len(tr.Points)-1; i++ {
			if tr.Points[i].Y > tr.Points[i-1].Y && tr.Points[i].Y >= tr.Points[i+1].Y {
				bounces++
			}
		}
	}

	return bounces
}

// averageBallSpeed averages point speeds across all tracks. The first point
// of each track carries no speed and is skipped.
func averageBallSpeed(tracks []track.Track) float64 {
	var sum float64

	counted := 0

	for _, tr := range tracks {
		if len(tr.Points) < 2 {
			continue
		}

		for _, pt := range tr.Points[1:] {
			sum += pt.Speed
			counted++
		}
	}

	if counted == 0 {
		return 0
	}

	return sum / float64(counted)
}

// nearestBallSpeed finds the ball speed at the track point closest in time
// to the given timestamp. Ties resolve to the earliest point encountered,
// keeping the result deterministic for a fixed input ordering.
func nearestBallSpeed(tracks []track.Track, ts float64) (float64, bool) {
	best := math.Inf(1)
	speed := 0.0
	found := false

	for _, tr := range tracks {
		for i, pt := range tr.Points {
			if i == 0 {
				continue
			}

			if d := math.Abs(pt.Timestamp - ts); d < best {
				best = d
				speed = pt.Speed
				found = true
			}
		}
	}

	return speed, found
}
