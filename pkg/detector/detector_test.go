package detector

import (
	"context"
	"errors"
	"testing"

	"github.com/aseda-sam/tennis-coach-app/pkg/video"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubDetector struct {
	kind Kind
}

func (s *stubDetector) Kind() Kind    { return s.kind }
func (s *stubDetector) Model() string { return "stub" }
func (s *stubDetector) Detect(_ context.Context, _ *video.Frame) ([]Detection, error) {
	return nil, nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	_, err := r.Get(KindBall)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no detector registered")

	r.Register(&stubDetector{kind: KindBall})
	r.Register(&stubDetector{kind: KindPose})

	d, err := r.Get(KindBall)
	require.NoError(t, err)
	assert.Equal(t, KindBall, d.Kind())

	assert.ElementsMatch(t, []Kind{KindBall, KindPose}, r.List())
}

func TestFaultTrackerEscalation(t *testing.T) {
	ft := NewFaultTracker(KindBall, 3)
	fault := errors.New("model exploded")

	// Two consecutive faults stay transient.
	assert.NoError(t, ft.Observe(fault))
	assert.NoError(t, ft.Observe(fault))

	// Third consecutive fault escalates.
	err := ft.Observe(fault)
	require.Error(t, err)

	var escalation *EscalationError
	require.ErrorAs(t, err, &escalation)
	assert.Equal(t, KindBall, escalation.Kind)
	assert.Equal(t, 3, escalation.Faults)
	assert.ErrorIs(t, err, fault)
}

func TestFaultTrackerResetOnSuccess(t *testing.T) {
	ft := NewFaultTracker(KindPose, 3)
	fault := errors.New("timeout")

	assert.NoError(t, ft.Observe(fault))
	assert.NoError(t, ft.Observe(fault))

	// A clean frame resets the consecutive count.
	assert.NoError(t, ft.Observe(nil))

	assert.NoError(t, ft.Observe(fault))
	assert.NoError(t, ft.Observe(fault))

	err := ft.Observe(fault)
	require.Error(t, err)
}

func TestDetectionKeypoint(t *testing.T) {
	det := Detection{
		Kind: KindPose,
		Keypoints: []Keypoint{
			{Name: KeypointRightWrist, X: 10, Y: 20, Confidence: 0.9},
			{Name: KeypointLeftWrist, X: 5, Y: 22, Confidence: 0.8},
		},
	}

	kp := det.Keypoint(KeypointRightWrist)
	require.NotNil(t, kp)
	assert.Equal(t, 10.0, kp.X)

	assert.Nil(t, det.Keypoint(KeypointNose))
}
