package track

import (
	"testing"

	"github.com/aseda-sam/tennis-coach-app/pkg/detector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		MaxGap:          3,
		MaxMatchScore:   120,
		GapPenalty:      0.5,
		AmbiguityMargin: 0.1,
		HighConfidence:  0.7,
	}
}

func ballAt(x, y, conf float64) detector.Detection {
	return detector.Detection{Kind: detector.KindBall, X: x, Y: y, Confidence: conf}
}

// feedLinear observes a ball moving 5px/frame in x, skipping the frames
// listed in absent.
func feedLinear(t *Tracker, from, to int, absent map[int]bool) {
	const fps = 30.0

	for frame := from; frame <= to; frame++ {
		ts := float64(frame) / fps

		if absent[frame] {
			t.Observe(frame, ts, nil)

			continue
		}

		t.Observe(frame, ts, []detector.Detection{
			ballAt(float64(frame)*5, 100, 0.9),
		})
	}
}

func TestGapBridging(t *testing.T) {
	tr := NewTracker(testConfig())

	// Present 0-10, absent 11-13 (within max_gap), present again 14-20 near
	// the extrapolated position.
	feedLinear(tr, 0, 20, map[int]bool{11: true, 12: true, 13: true})

	tracks := tr.Finish()
	require.Len(t, tracks, 1)

	points := tracks[0].Points
	assert.Equal(t, 0, points[0].Frame)
	assert.Equal(t, 20, points[len(points)-1].Frame)
	assert.Len(t, points, 18) // 21 frames minus 3 misses
}

func TestGapTermination(t *testing.T) {
	tr := NewTracker(testConfig())

	// Absent for max_gap+1 frames: the track must split in two.
	feedLinear(tr, 0, 20, map[int]bool{11: true, 12: true, 13: true, 14: true})

	tracks := tr.Finish()
	require.Len(t, tracks, 2)

	assert.Equal(t, 0, tracks[0].Points[0].Frame)
	assert.Equal(t, 10, tracks[0].Points[len(tracks[0].Points)-1].Frame)
	assert.Equal(t, 15, tracks[1].Points[0].Frame)
	assert.Equal(t, 20, tracks[1].Points[len(tracks[1].Points)-1].Frame)
}

func TestReappearanceFarFromTrack(t *testing.T) {
	tr := NewTracker(testConfig())

	const fps = 30.0

	for frame := 0; frame <= 10; frame++ {
		tr.Observe(frame, float64(frame)/fps, []detector.Detection{
			ballAt(float64(frame)*5, 100, 0.9),
		})
	}

	// Ball "reappears" immediately but on the far side of the court: the
	// candidate is rejected, the gap runs out, and a second track starts.
	for frame := 11; frame <= 20; frame++ {
		tr.Observe(frame, float64(frame)/fps, []detector.Detection{
			ballAt(1800, 900, 0.9),
		})
	}

	tracks := tr.Finish()
	require.Len(t, tracks, 2)
	assert.Equal(t, 10, tracks[0].Points[len(tracks[0].Points)-1].Frame)
	assert.Equal(t, 1800.0, tracks[1].Points[0].X)
}

func TestLongClipWithShortGap(t *testing.T) {
	tr := NewTracker(testConfig())

	// 300 frames at 30fps, detections everywhere but frames 150-151.
	feedLinear(tr, 0, 299, map[int]bool{150: true, 151: true})

	tracks := tr.Finish()
	require.Len(t, tracks, 1)
	assert.Len(t, tracks[0].Points, 298)
	assert.Equal(t, 0, tracks[0].Points[0].Frame)
	assert.Equal(t, 299, tracks[0].Points[297].Frame)
}

func TestAmbiguousFrameExcluded(t *testing.T) {
	tr := NewTracker(testConfig())

	const fps = 30.0

	for frame := 0; frame <= 5; frame++ {
		tr.Observe(frame, float64(frame)/fps, []detector.Detection{
			ballAt(float64(frame)*5, 100, 0.9),
		})
	}

	// Two equally plausible high-confidence candidates straddling the
	// expected position: no clear best match.
	tr.Observe(6, 6.0/fps, []detector.Detection{
		ballAt(32, 100, 0.9),
		ballAt(18, 100, 0.9),
	})

	// Track continues cleanly afterwards.
	for frame := 7; frame <= 10; frame++ {
		tr.Observe(frame, float64(frame)/fps, []detector.Detection{
			ballAt(float64(frame)*5, 100, 0.9),
		})
	}

	tracks := tr.Finish()
	require.Len(t, tracks, 1)

	for _, p := range tracks[0].Points {
		assert.NotEqual(t, 6, p.Frame)
	}

	ambiguous := tr.Ambiguous()
	require.Len(t, ambiguous, 1)
	assert.Equal(t, 6, ambiguous[0].Frame)
	assert.Equal(t, 2, ambiguous[0].Candidates)
}

func TestSpeedDerivation(t *testing.T) {
	tr := NewTracker(testConfig())

	// 5px per frame at 30fps is 150px/s.
	feedLinear(tr, 0, 10, nil)

	tracks := tr.Finish()
	require.Len(t, tracks, 1)

	points := tracks[0].Points
	assert.Zero(t, points[0].Speed) // undefined on the first point

	for _, p := range points[1:] {
		assert.InDelta(t, 150.0, p.Speed, 1e-6)
	}
}

func TestNoDetectionsNoTracks(t *testing.T) {
	tr := NewTracker(testConfig())

	for frame := 0; frame < 50; frame++ {
		tr.Observe(frame, float64(frame)/30.0, nil)
	}

	assert.Empty(t, tr.Finish())
	assert.Empty(t, tr.Ambiguous())
}

func TestLowConfidenceMustBeCloser(t *testing.T) {
	tr := NewTracker(testConfig())

	tr.Observe(0, 0, []detector.Detection{ballAt(100, 100, 0.9)})

	// 100px jump at 0.9 confidence scores ~111, accepted; the same jump at
	// 0.5 confidence scores 200 and is rejected.
	tr.Observe(1, 1.0/30, []detector.Detection{ballAt(200, 100, 0.5)})
	tr.Observe(2, 2.0/30, []detector.Detection{ballAt(105, 100, 0.9)})

	tracks := tr.Finish()
	require.Len(t, tracks, 1)
	require.Len(t, tracks[0].Points, 2)
	assert.Equal(t, 2, tracks[0].Points[1].Frame)
}
