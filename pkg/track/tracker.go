// Package track turns a sparse, noisy per-frame ball detection stream into
// continuous trajectories. It assumes a single ball: at most one track is
// active at a time, short occlusions are bridged, and a new track may start
// only after the previous one has terminated.
package track

import (
	"math"

	"github.com/aseda-sam/tennis-coach-app/pkg/detector"
)

const (
	// minConfidenceDivisor guards the confidence division in the match score
	// so near-zero confidences do not blow the score up to infinity.
	minConfidenceDivisor = 0.1
)

// Config holds tracker tuning parameters.
type Config struct {
	// MaxGap is the number of consecutive missed frames bridged before the
	// active track terminates.
	MaxGap int

	// MaxMatchScore is the gap-penalized score above which a candidate is
	// rejected for the active track.
	MaxMatchScore float64

	// GapPenalty scales the score per missed frame since the last accepted
	// position.
	GapPenalty float64

	// AmbiguityMargin is the relative margin within which two high-confidence
	// candidate scores count as indistinguishable.
	AmbiguityMargin float64

	// HighConfidence is the confidence above which a detection participates
	// in ambiguity checks.
	HighConfidence float64
}

// Point is one accepted ball position on a track. Speed is pixels/second
// derived from the previous accepted point; it is not computed for the first
// point of a track.
type Point struct {
	Frame      int
	Timestamp  float64
	X          float64
	Y          float64
	Confidence float64
	Speed      float64
}

// Track is a temporally continuous sequence of ball positions attributed to
// the same physical ball instance.
type Track struct {
	ID     int
	Points []Point
}

// Duration returns the track's time span in seconds.
func (t *Track) Duration() float64 {
	if len(t.Points) < 2 {
		return 0
	}

	return t.Points[len(t.Points)-1].Timestamp - t.Points[0].Timestamp
}

// AmbiguousFrame records a frame excluded from the active track because
// multiple high-confidence candidates had no clear best match.
type AmbiguousFrame struct {
	Frame      int
	Candidates int
}

// Tracker holds per-run mutable tracking state. It must not be shared
// across runs, and frames must be observed in increasing order.
type Tracker struct {
	cfg Config

	nextID    int
	active    *Track
	misses    int
	finished  []Track
	ambiguous []AmbiguousFrame
}

// NewTracker creates a tracker with the given configuration.
func NewTracker(cfg Config) *Tracker {
	return &Tracker{cfg: cfg, nextID: 1}
}

// Observe feeds one frame's ball detections to the tracker.
func (t *Tracker) Observe(frame int, timestamp float64, detections []detector.Detection) {
	if t.active == nil {
		t.maybeStart(frame, timestamp, detections)

		return
	}

	if len(detections) == 0 {
		t.miss()

		return
	}

	last := t.active.Points[len(t.active.Points)-1]
	gap := frame - last.Frame

	bestIdx, bestScore, secondScore := -1, math.Inf(1), math.Inf(1)
	highConfidence := 0

	for i, det := range detections {
		if det.Confidence >= t.cfg.HighConfidence {
			highConfidence++
		}

		score := t.matchScore(&last, &det, gap)
		if score < bestScore {
			secondScore = bestScore
			bestScore = score
			bestIdx = i
		} else if score < secondScore {
			secondScore = score
		}
	}

	// Multiple strong candidates with no clear best: record the frame as
	// ambiguous and keep it off the active track. They may not seed a
	// competing track while this one lives.
	if highConfidence >= 2 &&
		secondScore <= t.cfg.MaxMatchScore &&
		secondScore-bestScore <= t.cfg.AmbiguityMargin*bestScore {
		t.ambiguous = append(t.ambiguous, AmbiguousFrame{
			Frame:      frame,
			Candidates: len(detections),
		})
		t.miss()

		return
	}

	if bestScore > t.cfg.MaxMatchScore {
		t.miss()

		return
	}

	t.accept(frame, timestamp, &detections[bestIdx], &last)
}

// Finish terminates the active track and returns all tracks in start order.
func (t *Tracker) Finish() []Track {
	t.terminate()

	return t.finished
}

// Ambiguous returns the frames excluded from tracking as ambiguous.
func (t *Tracker) Ambiguous() []AmbiguousFrame {
	return t.ambiguous
}

// matchScore is the gap- and confidence-penalized association score: the
// Euclidean distance to the last accepted position, inflated per missed
// frame and divided by confidence so weak detections must be closer.
func (t *Tracker) matchScore(last *Point, det *detector.Detection, gap int) float64 {
	dist := math.Hypot(det.X-last.X, det.Y-last.Y)
	penalty := 1 + t.cfg.GapPenalty*float64(gap-1)
	conf := det.Confidence

	if conf < minConfidenceDivisor {
		conf = minConfidenceDivisor
	}

	return dist * penalty / conf
}

// maybeStart seeds a new track from the strongest detection of a frame.
func (t *Tracker) maybeStart(frame int, timestamp float64, detections []detector.Detection) {
	bestIdx := -1

	for i, det := range detections {
		if bestIdx < 0 || det.Confidence > detections[bestIdx].Confidence {
			bestIdx = i
		}
	}

	if bestIdx < 0 {
		return
	}

	det := detections[bestIdx]
	t.active = &Track{
		ID: t.nextID,
		Points: []Point{{
			Frame:      frame,
			Timestamp:  timestamp,
			X:          det.X,
			Y:          det.Y,
			Confidence: det.Confidence,
		}},
	}
	t.nextID++
	t.misses = 0
}

func (t *Tracker) accept(frame int, timestamp float64, det *detector.Detection, last *Point) {
	point := Point{
		Frame:      frame,
		Timestamp:  timestamp,
		X:          det.X,
		Y:          det.Y,
		Confidence: det.Confidence,
	}

	if dt := timestamp - last.Timestamp; dt > 0 {
		point.Speed = math.Hypot(det.X-last.X, det.Y-last.Y) / dt
	}

	t.active.Points = append(t.active.Points, point)
	t.misses = 0
}

func (t *Tracker) miss() {
	t.misses++
	if t.misses > t.cfg.MaxGap {
		t.terminate()
	}
}

func (t *Tracker) terminate() {
	if t.active == nil {
		return
	}

	t.finished = append(t.finished, *t.active)
	t.active = nil
	t.misses = 0
}
