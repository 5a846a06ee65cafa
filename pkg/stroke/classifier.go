// Package stroke derives discrete stroke events from the player pose stream
// and the ball trajectory. The classifier is a sliding-window heuristic, not
// a learned model: it correlates dominant-arm motion peaks with ball
// direction reversals and decides the stroke type from keypoint geometry.
// Missed and spurious strokes are expected; downstream metrics tolerate both.
package stroke

import (
	"math"
	"sort"

	"github.com/aseda-sam/tennis-coach-app/pkg/detector"
	"github.com/aseda-sam/tennis-coach-app/pkg/track"
)

// Type is the classified stroke type.
type Type string

const (
	TypeForehand Type = "forehand"
	TypeBackhand Type = "backhand"
	TypeServe    Type = "serve"
	TypeVolley   Type = "volley"
	TypeUnknown  Type = "unknown"
)

// Config holds classifier tuning parameters.
type Config struct {
	// WindowFrames is the sliding window width for motion peak detection.
	WindowFrames int

	// ToleranceSeconds is the maximum temporal distance between a motion
	// peak and a ball reversal for them to form one stroke.
	ToleranceSeconds float64

	// MinPeakSpeed is the minimum wrist speed, in torso-heights per second,
	// for a motion peak to count as a swing.
	MinPeakSpeed float64
}

// PoseFrame is the player's pose for one frame. Pose holds the
// highest-confidence pose detection of that frame.
type PoseFrame struct {
	Frame     int
	Timestamp float64
	Pose      detector.Detection
}

// Event is a discrete, timestamped inference that the player struck the ball.
type Event struct {
	Frame      int
	Timestamp  float64
	Type       Type
	Confidence float64
	BallX      float64
	BallY      float64
	PlayerX    float64
	PlayerY    float64
}

// Classifier holds per-run classifier state; it must not be shared across
// runs.
type Classifier struct {
	cfg Config
}

// NewClassifier creates a classifier with the given configuration.
func NewClassifier(cfg Config) *Classifier {
	return &Classifier{cfg: cfg}
}

// motionPeak is a local maximum of the dominant-arm motion signature.
type motionPeak struct {
	frameIdx int
	strength float64 // in (0,1), saturating transform of wrist speed
}

// reversal is a direction-reversal point on a ball track.
type reversal struct {
	point track.Point
}

// candidate pairs a motion peak with a reversal within tolerance.
type candidate struct {
	peak       motionPeak
	reversal   reversal
	confidence float64
}

// Classify emits stroke events for one run. Pose frames must be in frame
// order; tracks come from the trajectory tracker.
func (c *Classifier) Classify(poses []PoseFrame, tracks []track.Track) []Event {
	if len(poses) < 2 {
		return nil
	}

	speeds := c.wristSpeeds(poses)
	peaks := c.findPeaks(speeds)

	// A speed sample covers the segment leading into its frame, so a peak
	// can land on the return stroke one frame after the swing. Re-anchor
	// each peak on the apex frame before pairing and classifying.
	for i := range peaks {
		peaks[i].frameIdx = swingApex(poses, peaks[i].frameIdx)
	}

	reversals := findReversals(tracks)

	// Pair peaks with reversals within tolerance. Overlapping candidates
	// tie-break on highest combined confidence, then earliest timestamp;
	// each peak and each reversal contributes to at most one event.
	candidates := make([]candidate, 0, len(peaks))

	for _, peak := range peaks {
		peakTS := poses[peak.frameIdx].Timestamp

		for _, rev := range reversals {
			if math.Abs(rev.point.Timestamp-peakTS) > c.cfg.ToleranceSeconds {
				continue
			}

			candidates = append(candidates, candidate{
				peak:       peak,
				reversal:   rev,
				confidence: peak.strength * rev.point.Confidence,
			})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].confidence != candidates[j].confidence {
			return candidates[i].confidence > candidates[j].confidence
		}

		return poses[candidates[i].peak.frameIdx].Timestamp <
			poses[candidates[j].peak.frameIdx].Timestamp
	})

	usedPeaks := make(map[int]bool, len(candidates))
	usedReversals := make(map[int]bool, len(candidates))
	events := make([]Event, 0, len(candidates))

	for _, cand := range candidates {
		if usedPeaks[cand.peak.frameIdx] || usedReversals[cand.reversal.point.Frame] {
			continue
		}

		usedPeaks[cand.peak.frameIdx] = true
		usedReversals[cand.reversal.point.Frame] = true

		pose := poses[cand.peak.frameIdx]
		playerX, playerY := torsoCenter(&pose.Pose)

		events = append(events, Event{
			Frame:      pose.Frame,
			Timestamp:  pose.Timestamp,
			Type:       strokeType(&pose.Pose),
			Confidence: cand.confidence,
			BallX:      cand.reversal.point.X,
			BallY:      cand.reversal.point.Y,
			PlayerX:    playerX,
			PlayerY:    playerY,
		})
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp < events[j].Timestamp
	})

	return events
}

// wristSpeeds computes the dominant-arm motion signature: wrist displacement
// per second between consecutive pose frames, in torso-heights. Index i
// holds the speed leading into pose frame i; index 0 is always zero.
func (c *Classifier) wristSpeeds(poses []PoseFrame) []float64 {
	speeds := make([]float64, len(poses))

	for i := 1; i < len(poses); i++ {
		prev := dominantWrist(&poses[i-1].Pose)
		cur := dominantWrist(&poses[i].Pose)

		if prev == nil || cur == nil {
			continue
		}

		dt := poses[i].Timestamp - poses[i-1].Timestamp
		if dt <= 0 {
			continue
		}

		scale := torsoScale(&poses[i].Pose)
		speeds[i] = math.Hypot(cur.X-prev.X, cur.Y-prev.Y) / dt / scale
	}

	return speeds
}

// findPeaks returns local maxima of the motion signature that clear the
// minimum swing speed, using a centered sliding window.
func (c *Classifier) findPeaks(speeds []float64) []motionPeak {
	half := c.cfg.WindowFrames / 2
	if half < 1 {
		half = 1
	}

	peaks := make([]motionPeak, 0, 4)

	for i := range speeds {
		if speeds[i] < c.cfg.MinPeakSpeed {
			continue
		}

		isPeak := true

		for j := i - half; j <= i+half; j++ {
			if j < 0 || j >= len(speeds) || j == i {
				continue
			}

			// Strict comparison on the left neighbourhood keeps plateaus
			// from yielding two peaks.
			if speeds[j] > speeds[i] || (j < i && speeds[j] == speeds[i]) {
				isPeak = false

				break
			}
		}

		if isPeak {
			peaks = append(peaks, motionPeak{
				frameIdx: i,
				strength: speeds[i] / (speeds[i] + c.cfg.MinPeakSpeed),
			})
		}
	}

	return peaks
}

// swingApex resolves a motion peak at speeds index i to the pose frame at
// the swing's apex. The segment between frames i-1 and i carried the peak
// speed; the apex is whichever endpoint the wrist travels farther around.
func swingApex(poses []PoseFrame, i int) int {
	if i == 0 {
		return 0
	}

	if wristTravel(poses, i-1) > wristTravel(poses, i) {
		return i - 1
	}

	return i
}

// wristTravel sums the wrist displacement between frame i and both of its
// neighbours.
func wristTravel(poses []PoseFrame, i int) float64 {
	cur := dominantWrist(&poses[i].Pose)
	if cur == nil {
		return 0
	}

	var total float64

	if i > 0 {
		if prev := dominantWrist(&poses[i-1].Pose); prev != nil {
			total += math.Hypot(cur.X-prev.X, cur.Y-prev.Y)
		}
	}

	if i+1 < len(poses) {
		if next := dominantWrist(&poses[i+1].Pose); next != nil {
			total += math.Hypot(next.X-cur.X, next.Y-cur.Y)
		}
	}

	return total
}

// findReversals locates direction-reversal points: track points where the
// horizontal velocity flips sign or the motion vector turns back on itself.
func findReversals(tracks []track.Track) []reversal {
	reversals := make([]reversal, 0, 8)

	for _, tr := range tracks {
		for i := 1; i < len(tr.Points)-1; i++ {
			dx1 := tr.Points[i].X - tr.Points[i-1].X
			dy1 := tr.Points[i].Y - tr.Points[i-1].Y
			dx2 := tr.Points[i+1].X - tr.Points[i].X
			dy2 := tr.Points[i+1].Y - tr.Points[i].Y

			if dx1*dx2 < 0 || dx1*dx2+dy1*dy2 < 0 {
				reversals = append(reversals, reversal{point: tr.Points[i]})
			}
		}
	}

	return reversals
}

// dominantWrist returns the player's dominant-arm wrist: the right wrist
// when present, else the left.
func dominantWrist(pose *detector.Detection) *detector.Keypoint {
	if kp := pose.Keypoint(detector.KeypointRightWrist); kp != nil {
		return kp
	}

	return pose.Keypoint(detector.KeypointLeftWrist)
}

// torsoScale estimates the player's torso height in pixels, used to
// normalize wrist speed so the swing threshold is distance-invariant.
func torsoScale(pose *detector.Detection) float64 {
	shoulderMidX, shoulderMidY, okS := midpoint(pose,
		detector.KeypointLeftShoulder, detector.KeypointRightShoulder)
	hipMidX, hipMidY, okH := midpoint(pose,
		detector.KeypointLeftHip, detector.KeypointRightHip)

	if okS && okH {
		if scale := math.Hypot(hipMidX-shoulderMidX, hipMidY-shoulderMidY); scale > 1 {
			return scale
		}
	}

	return 1
}

// PlayerCenter returns the player's position for one pose detection, for
// callers aggregating positional statistics.
func PlayerCenter(pose *detector.Detection) (float64, float64) {
	return torsoCenter(pose)
}

// torsoCenter returns the player's position: the torso midpoint when
// resolvable, else the pose detection's own position.
func torsoCenter(pose *detector.Detection) (float64, float64) {
	shoulderMidX, shoulderMidY, okS := midpoint(pose,
		detector.KeypointLeftShoulder, detector.KeypointRightShoulder)
	hipMidX, hipMidY, okH := midpoint(pose,
		detector.KeypointLeftHip, detector.KeypointRightHip)

	if okS && okH {
		return (shoulderMidX + hipMidX) / 2, (shoulderMidY + hipMidY) / 2
	}

	return pose.X, pose.Y
}

func midpoint(pose *detector.Detection, a, b string) (float64, float64, bool) {
	ka := pose.Keypoint(a)
	kb := pose.Keypoint(b)

	if ka == nil || kb == nil {
		return 0, 0, false
	}

	return (ka.X + kb.X) / 2, (ka.Y + kb.Y) / 2, true
}

// strokeType decides the stroke type from keypoint geometry at the swing
// peak. Unresolved cases emit unknown rather than a guess.
func strokeType(pose *detector.Detection) Type {
	wrist := dominantWrist(pose)
	if wrist == nil {
		return TypeUnknown
	}

	// Arm above the head reads as a serve; above the shoulder line but
	// below the head as a volley punch. Pixel y grows downward.
	if nose := pose.Keypoint(detector.KeypointNose); nose != nil && wrist.Y < nose.Y {
		return TypeServe
	}

	shoulderMidX, shoulderMidY, okS := midpoint(pose,
		detector.KeypointLeftShoulder, detector.KeypointRightShoulder)
	hipMidX, _, okH := midpoint(pose,
		detector.KeypointLeftHip, detector.KeypointRightHip)

	if !okS || !okH {
		return TypeUnknown
	}

	if wrist.Y < shoulderMidY {
		return TypeVolley
	}

	// Side of the torso the dominant wrist is on; mirrored when only the
	// left wrist was available.
	torsoX := (shoulderMidX + hipMidX) / 2
	rightHanded := pose.Keypoint(detector.KeypointRightWrist) != nil

	if wrist.X == torsoX {
		return TypeUnknown
	}

	if (wrist.X > torsoX) == rightHanded {
		return TypeForehand
	}

	return TypeBackhand
}
