// Package store persists videos, analysis runs, and their results behind a
// single interface backed by sqlite or postgres.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/aseda-sam/tennis-coach-app/pkg/config"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store provides persistence for analysis resources.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Video CRUD.
	CreateVideo(ctx context.Context, video *Video) error
	GetVideoByFilename(ctx context.Context, filename string) (*Video, error)
	ListVideos(ctx context.Context) ([]Video, error)
	DeleteVideo(ctx context.Context, id uint) error

	// Run lifecycle.
	CreateRun(ctx context.Context, run *AnalysisRun) error
	GetRun(ctx context.Context, id string) (*AnalysisRun, error)
	GetActiveRun(ctx context.Context, videoID uint) (*AnalysisRun, error)
	GetLatestRun(ctx context.Context, videoID uint) (*AnalysisRun, error)
	ListRuns(ctx context.Context, videoID uint) ([]AnalysisRun, error)
	UpdateRun(ctx context.Context, run *AnalysisRun) error
	UpdateRunProgress(ctx context.Context, id string, progress int, step string) error

	// Pipeline output.
	AppendFrameObservations(ctx context.Context, observations []FrameObservation) error
	ListFrameObservations(ctx context.Context, runID string) ([]FrameObservation, error)
	ListStrokeEvents(ctx context.Context, runID string) ([]StrokeEvent, error)
	FinalizeRun(ctx context.Context, run *AnalysisRun, events []StrokeEvent, summary *MetricsSummary) error

	// Summaries.
	GetSummaryByVideo(ctx context.Context, videoID uint) (*MetricsSummary, error)
	ListSummaries(ctx context.Context) ([]MetricsSummary, error)

	// DeleteAnalysisData removes all runs, observations, events and the
	// summary for a video, keeping the video row itself.
	DeleteAnalysisData(ctx context.Context, videoID uint) error
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var (
		dialector gorm.Dialector
		err       error
	)

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	s.db, err = gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Video{},
		&AnalysisRun{},
		&FrameObservation{},
		&StrokeEvent{},
		&MetricsSummary{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// --- Video CRUD ---

func (s *store) CreateVideo(ctx context.Context, video *Video) error {
	if err := s.db.WithContext(ctx).Create(video).Error; err != nil {
		return fmt.Errorf("creating video: %w", err)
	}

	return nil
}

func (s *store) GetVideoByFilename(
	ctx context.Context, filename string,
) (*Video, error) {
	var video Video
	if err := s.db.WithContext(ctx).
		Where("filename = ?", filename).
		First(&video).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("getting video by filename: %w", err)
	}

	return &video, nil
}

func (s *store) ListVideos(ctx context.Context) ([]Video, error) {
	var videos []Video
	if err := s.db.WithContext(ctx).
		Order("id ASC").
		Find(&videos).Error; err != nil {
		return nil, fmt.Errorf("listing videos: %w", err)
	}

	return videos, nil
}

func (s *store) DeleteVideo(ctx context.Context, id uint) error {
	if err := s.db.WithContext(ctx).
		Delete(&Video{}, id).Error; err != nil {
		return fmt.Errorf("deleting video: %w", err)
	}

	return nil
}

// --- Run lifecycle ---

func (s *store) CreateRun(ctx context.Context, run *AnalysisRun) error {
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("creating run: %w", err)
	}

	return nil
}

func (s *store) GetRun(ctx context.Context, id string) (*AnalysisRun, error) {
	var run AnalysisRun
	if err := s.db.WithContext(ctx).
		Where("id = ?", id).
		First(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("getting run: %w", err)
	}

	return &run, nil
}

// GetActiveRun returns the video's non-terminal run, or ErrNotFound when no
// run is queued or running.
func (s *store) GetActiveRun(
	ctx context.Context, videoID uint,
) (*AnalysisRun, error) {
	var run AnalysisRun
	if err := s.db.WithContext(ctx).
		Where("video_id = ? AND status IN ?", videoID,
			[]string{StatusQueued, StatusRunning}).
		First(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("getting active run: %w", err)
	}

	return &run, nil
}

func (s *store) GetLatestRun(
	ctx context.Context, videoID uint,
) (*AnalysisRun, error) {
	var run AnalysisRun
	if err := s.db.WithContext(ctx).
		Where("video_id = ?", videoID).
		Order("created_at DESC").
		First(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("getting latest run: %w", err)
	}

	return &run, nil
}

func (s *store) ListRuns(
	ctx context.Context, videoID uint,
) ([]AnalysisRun, error) {
	var runs []AnalysisRun
	if err := s.db.WithContext(ctx).
		Where("video_id = ?", videoID).
		Order("created_at ASC").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	return runs, nil
}

func (s *store) UpdateRun(ctx context.Context, run *AnalysisRun) error {
	if err := s.db.WithContext(ctx).Save(run).Error; err != nil {
		return fmt.Errorf("updating run: %w", err)
	}

	return nil
}

func (s *store) UpdateRunProgress(
	ctx context.Context, id string, progress int, step string,
) error {
	if err := s.db.WithContext(ctx).
		Model(&AnalysisRun{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"progress":     progress,
			"current_step": step,
		}).Error; err != nil {
		return fmt.Errorf("updating run progress: %w", err)
	}

	return nil
}

// --- Pipeline output ---

func (s *store) AppendFrameObservations(
	ctx context.Context, observations []FrameObservation,
) error {
	if len(observations) == 0 {
		return nil
	}

	if err := s.db.WithContext(ctx).
		CreateInBatches(observations, 100).Error; err != nil {
		return fmt.Errorf("appending frame observations: %w", err)
	}

	return nil
}

func (s *store) ListFrameObservations(
	ctx context.Context, runID string,
) ([]FrameObservation, error) {
	var observations []FrameObservation
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("frame_number ASC").
		Find(&observations).Error; err != nil {
		return nil, fmt.Errorf("listing frame observations: %w", err)
	}

	return observations, nil
}

func (s *store) ListStrokeEvents(
	ctx context.Context, runID string,
) ([]StrokeEvent, error) {
	var events []StrokeEvent
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("frame_number ASC").
		Find(&events).Error; err != nil {
		return nil, fmt.Errorf("listing stroke events: %w", err)
	}

	return events, nil
}

// FinalizeRun commits a successful run's results in one transaction: the
// run's terminal state, its stroke events, and the video's summary. The
// summary is replaced wholesale so a crash mid-commit can never leave a
// completed run without its summary.
func (s *store) FinalizeRun(
	ctx context.Context,
	run *AnalysisRun,
	events []StrokeEvent,
	summary *MetricsSummary,
) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(run).Error; err != nil {
			return fmt.Errorf("saving run: %w", err)
		}

		if len(events) > 0 {
			if err := tx.CreateInBatches(events, 100).Error; err != nil {
				return fmt.Errorf("creating stroke events: %w", err)
			}
		}

		if err := tx.
			Where("video_id = ?", summary.VideoID).
			Delete(&MetricsSummary{}).Error; err != nil {
			return fmt.Errorf("removing superseded summary: %w", err)
		}

		if err := tx.Create(summary).Error; err != nil {
			return fmt.Errorf("creating summary: %w", err)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("finalizing run: %w", err)
	}

	return nil
}

// --- Summaries ---

func (s *store) GetSummaryByVideo(
	ctx context.Context, videoID uint,
) (*MetricsSummary, error) {
	var summary MetricsSummary
	if err := s.db.WithContext(ctx).
		Where("video_id = ?", videoID).
		First(&summary).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("getting summary by video: %w", err)
	}

	return &summary, nil
}

func (s *store) ListSummaries(ctx context.Context) ([]MetricsSummary, error) {
	var summaries []MetricsSummary
	if err := s.db.WithContext(ctx).
		Order("video_id ASC").
		Find(&summaries).Error; err != nil {
		return nil, fmt.Errorf("listing summaries: %w", err)
	}

	return summaries, nil
}

// --- Cleanup ---

func (s *store) DeleteAnalysisData(ctx context.Context, videoID uint) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var runIDs []string
		if err := tx.Model(&AnalysisRun{}).
			Where("video_id = ?", videoID).
			Pluck("id", &runIDs).Error; err != nil {
			return fmt.Errorf("listing run ids: %w", err)
		}

		if len(runIDs) > 0 {
			if err := tx.
				Where("run_id IN ?", runIDs).
				Delete(&FrameObservation{}).Error; err != nil {
				return fmt.Errorf("deleting frame observations: %w", err)
			}
		}

		if err := tx.
			Where("video_id = ?", videoID).
			Delete(&StrokeEvent{}).Error; err != nil {
			return fmt.Errorf("deleting stroke events: %w", err)
		}

		if err := tx.
			Where("video_id = ?", videoID).
			Delete(&MetricsSummary{}).Error; err != nil {
			return fmt.Errorf("deleting summary: %w", err)
		}

		if err := tx.
			Where("video_id = ?", videoID).
			Delete(&AnalysisRun{}).Error; err != nil {
			return fmt.Errorf("deleting runs: %w", err)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("deleting analysis data: %w", err)
	}

	return nil
}
