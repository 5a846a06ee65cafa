package store

import (
	"time"
)

// Analysis run states. Queued is the only initial state; completed and
// failed are terminal.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// TerminalStatus reports whether a run status admits no further transitions.
func TerminalStatus(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// Video represents an uploaded video file and its probed metadata.
type Video struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	Filename        string    `gorm:"uniqueIndex;not null" json:"filename"`
	SizeBytes       int64     `json:"size_bytes"`
	DurationSeconds float64   `json:"duration_seconds"`
	FPS             float64   `json:"fps"`
	Width           int       `json:"width"`
	Height          int       `json:"height"`
	FrameCount      int       `json:"frame_count"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// AnalysisRun represents one execution of the analysis pipeline against one
// video. Model and threshold are recorded as provenance, not enforced here.
type AnalysisRun struct {
	ID                    string     `gorm:"primaryKey" json:"id"`
	VideoID               uint       `gorm:"index;not null" json:"video_id"`
	Status                string     `gorm:"index;not null" json:"status"`
	Progress              int        `json:"progress"`
	CurrentStep           string     `json:"current_step"`
	Error                 string     `json:"error,omitempty"`
	ModelUsed             string     `json:"model_used"`
	ConfidenceThreshold   float64    `json:"confidence_threshold"`
	ProcessingTimeSeconds float64    `json:"processing_time_seconds"`
	PeakRSSBytes          uint64     `json:"peak_rss_bytes"`
	StartedAt             *time.Time `json:"started_at"`
	CompletedAt           *time.Time `json:"completed_at"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// FrameObservation records the raw detector output for one frame of one
// run. Rows are append-only and scoped to a run id, so observations from
// superseded runs stay available for diagnostics.
type FrameObservation struct {
	ID           uint    `gorm:"primaryKey" json:"id"`
	RunID        string  `gorm:"index;not null" json:"run_id"`
	FrameNumber  int     `gorm:"not null" json:"frame_number"`
	Timestamp    float64 `json:"timestamp"`
	DetectorKind string  `gorm:"not null" json:"detector_kind"`
	Detected     bool    `json:"detected"`
	Detections   string  `json:"detections"` // JSON-encoded detection list
}

// StrokeEvent is one classified stroke persisted for a run.
type StrokeEvent struct {
	ID          uint    `gorm:"primaryKey" json:"id"`
	RunID       string  `gorm:"index;not null" json:"run_id"`
	VideoID     uint    `gorm:"index;not null" json:"video_id"`
	FrameNumber int     `json:"frame_number"`
	Timestamp   float64 `json:"timestamp"`
	Type        string  `gorm:"not null" json:"type"`
	Confidence  float64 `json:"confidence"`
	BallX       float64 `json:"ball_x"`
	BallY       float64 `json:"ball_y"`
	PlayerX     float64 `json:"player_x"`
	PlayerY     float64 `json:"player_y"`
}

// MetricsSummary is the per-video analysis result. One row per video; a
// successful re-run replaces it.
type MetricsSummary struct {
	ID      uint   `gorm:"primaryKey" json:"id"`
	VideoID uint   `gorm:"uniqueIndex;not null" json:"video_id"`
	RunID   string `gorm:"not null" json:"run_id"`

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

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
