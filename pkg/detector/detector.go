// Package detector defines the pluggable detection capabilities consumed by
// the analysis pipeline: a ball detector and a pose estimator, both injected
// as external inference services. The pipeline never loads model weights
// itself; model identity and confidence threshold are provenance metadata
// passed through to the service.
package detector

import (
	"context"
	"fmt"

	"github.com/aseda-sam/tennis-coach-app/pkg/video"
)

// Kind identifies a detection capability.
type Kind string

const (
	// KindBall detects tennis balls, payload is a bounding box.
	KindBall Kind = "ball"

	// KindPose estimates player pose, payload is a keypoint set.
	KindPose Kind = "pose"
)

// COCO-style keypoint names used by the pose payload.
const (
	KeypointNose          = "nose"
	KeypointLeftShoulder  = "left_shoulder"
	KeypointRightShoulder = "right_shoulder"
	KeypointLeftElbow     = "left_elbow"
	KeypointRightElbow    = "right_elbow"
	KeypointLeftWrist     = "left_wrist"
	KeypointRightWrist    = "right_wrist"
	KeypointLeftHip       = "left_hip"
	KeypointRightHip      = "right_hip"
)

// BoundingBox is a pixel-space axis-aligned box.
type BoundingBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Keypoint is a single named pose landmark in pixel space.
type Keypoint struct {
	Name       string  `json:"name"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Confidence float64 `json:"confidence"`
}

// Detection is a single model output for one frame: a pixel-space position,
// a confidence in [0,1], and a kind-specific payload.
type Detection struct {
	Kind       Kind         `json:"kind"`
	X          float64      `json:"x"`
	Y          float64      `json:"y"`
	Confidence float64      `json:"confidence"`
	Box        *BoundingBox `json:"box,omitempty"`
	Keypoints  []Keypoint   `json:"keypoints,omitempty"`
}

// Keypoint returns the named keypoint, or nil if absent.
func (d *Detection) Keypoint(name string) *Keypoint {
	for i := range d.Keypoints {
		if d.Keypoints[i].Name == name {
			return &d.Keypoints[i]
		}
	}

	return nil
}

// Detector maps a frame to zero or more typed detections. An empty result
// means nothing was found and is not an error. Implementations must be safe
// for concurrent use: a loaded model is shared read-only across runs.
type Detector interface {
	// Kind returns the detection capability this detector provides.
	Kind() Kind

	// Model returns the model identifier, recorded as run provenance.
	Model() string

	// Detect runs inference on a single frame.
	Detect(ctx context.Context, frame *video.Frame) ([]Detection, error)
}

// EscalationError indicates a detector produced too many consecutive
// per-frame faults and the run must fail: a flaky frame is tolerable, a
// broken model is not.
type EscalationError struct {
	Kind   Kind
	Faults int
	Err    error
}

func (e *EscalationError) Error() string {
	return fmt.Sprintf(
		"%s detector failed %d consecutive frames: %v",
		e.Kind, e.Faults, e.Err,
	)
}

func (e *EscalationError) Unwrap() error {
	return e.Err
}

// FaultTracker counts consecutive per-frame faults for one detector within
// one run. It is per-run state and must not be shared across runs.
type FaultTracker struct {
	kind        Kind
	maxFaults   int
	consecutive int
}

// NewFaultTracker creates a tracker that escalates after maxFaults
// consecutive faults.
func NewFaultTracker(kind Kind, maxFaults int) *FaultTracker {
	return &FaultTracker{kind: kind, maxFaults: maxFaults}
}

// Observe records the outcome of one frame's inference. It returns an
// *EscalationError once the consecutive fault limit is reached, nil
// otherwise. A successful frame resets the counter.
func (f *FaultTracker) Observe(err error) error {
	if err == nil {
		f.consecutive = 0

		return nil
	}

	f.consecutive++
	if f.consecutive >= f.maxFaults {
		return &EscalationError{
			Kind:   f.kind,
			Faults: f.consecutive,
			Err:    err,
		}
	}

	return nil
}
