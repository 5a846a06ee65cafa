package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aseda-sam/tennis-coach-app/pkg/analysis"
	"github.com/aseda-sam/tennis-coach-app/pkg/config"
	"github.com/aseda-sam/tennis-coach-app/pkg/detector"
	"github.com/aseda-sam/tennis-coach-app/pkg/store"
	"github.com/aseda-sam/tennis-coach-app/pkg/video"
)

type stubDetector struct {
	kind detector.Kind
	fn   func(ctx context.Context, frame *video.Frame) ([]detector.Detection, error)
}

func (s *stubDetector) Kind() detector.Kind { return s.kind }
func (s *stubDetector) Model() string       { return "stub" }

func (s *stubDetector) Detect(
	ctx context.Context, frame *video.Frame,
) ([]detector.Detection, error) {
	return s.fn(ctx, frame)
}

type testServer struct {
	srv    *server
	router http.Handler
	store  store.Store
	videos *video.MemoryStore
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()

	cfg := config.Default()
	cfg.Database.Driver = "sqlite"
	cfg.Database.SQLite.Path = ":memory:"
	cfg.Analysis.FrameStride = 1

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	st := store.NewStore(log, &cfg.Database)
	require.NoError(t, st.Start(context.Background()))
	t.Cleanup(func() { _ = st.Stop() })

	videos := video.NewMemoryStore()

	registry := detector.NewRegistry()
	registry.Register(&stubDetector{
		kind: detector.KindBall,
		fn: func(_ context.Context, frame *video.Frame) ([]detector.Detection, error) {
			return []detector.Detection{{
				Kind:       detector.KindBall,
				X:          float64(100 + frame.Number*5),
				Y:          300,
				Confidence: 0.9,
			}}, nil
		},
	})
	registry.Register(&stubDetector{
		kind: detector.KindPose,
		fn: func(_ context.Context, _ *video.Frame) ([]detector.Detection, error) {
			return nil, nil
		},
	})

	controller, err := analysis.NewController(log, &cfg.Analysis, st, videos, registry)
	require.NoError(t, err)
	require.NoError(t, controller.Start(context.Background()))
	t.Cleanup(func() { _ = controller.Stop() })

	srv := &server{
		log:        log.WithField("component", "api"),
		cfg:        cfg,
		store:      st,
		videos:     videos,
		controller: controller,
	}

	return &testServer{
		srv:    srv,
		router: srv.buildRouter(),
		store:  st,
		videos: videos,
	}
}

// addClip registers a decodable clip with the video store.
func (ts *testServer) addClip(t *testing.T, filename string, frames int) {
	t.Helper()

	const fps = 30.0

	clip := make([]*video.Frame, 0, frames)
	for i := 0; i < frames; i++ {
		clip = append(clip, &video.Frame{
			Number:    i,
			Timestamp: float64(i) / fps,
			Width:     1280,
			Height:    720,
		})
	}

	ts.videos.AddClip(&video.Metadata{
		Filename:   filename,
		FPS:        fps,
		Width:      1280,
		Height:     720,
		FrameCount: frames,
	}, clip, -1)
}

func (ts *testServer) do(t *testing.T, method, path string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()

	if body == nil {
		body = &bytes.Buffer{}
	}

	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)

	return rec
}

func multipartBody(t *testing.T, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()

	var buf bytes.Buffer

	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)

	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	return &buf, mw.FormDataContentType()
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestHandleHealth(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/health", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string

	decodeBody(t, rec, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestUploadVideo(t *testing.T) {
	ts := setupTestServer(t)
	ts.addClip(t, "rally.mp4", 30)

	body, contentType := multipartBody(t, "rally.mp4", []byte("fake video bytes"))

	rec := ts.do(t, http.MethodPost, "/api/v1/videos/upload", body, contentType)
	require.Equal(t, http.StatusCreated, rec.Code)

	var vid store.Video

	decodeBody(t, rec, &vid)
	assert.Equal(t, "rally.mp4", vid.Filename)
	assert.Equal(t, 30, vid.FrameCount)
	assert.EqualValues(t, len("fake video bytes"), vid.SizeBytes)

	// Duplicate upload is rejected.
	body, contentType = multipartBody(t, "rally.mp4", []byte("fake video bytes"))
	rec = ts.do(t, http.MethodPost, "/api/v1/videos/upload", body, contentType)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestUploadVideoUnsupportedFormat(t *testing.T) {
	ts := setupTestServer(t)

	body, contentType := multipartBody(t, "notes.txt", []byte("not a video"))

	rec := ts.do(t, http.MethodPost, "/api/v1/videos/upload", body, contentType)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadVideoMissingFile(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/videos/upload", nil, "multipart/form-data; boundary=x")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadVideoNotDecodable(t *testing.T) {
	ts := setupTestServer(t)

	// No registered clip: the probe after upload fails.
	body, contentType := multipartBody(t, "broken.mp4", []byte("garbage"))

	rec := ts.do(t, http.MethodPost, "/api/v1/videos/upload", body, contentType)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadVideoStoreUnavailable(t *testing.T) {
	ts := setupTestServer(t)
	ts.addClip(t, "rally.mp4", 30)

	// A failed lookup must not be mistaken for a missing record.
	require.NoError(t, ts.store.Stop())

	body, contentType := multipartBody(t, "rally.mp4", []byte("fake"))

	rec := ts.do(t, http.MethodPost, "/api/v1/videos/upload", body, contentType)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestListVideos(t *testing.T) {
	ts := setupTestServer(t)
	ts.addClip(t, "rally.mp4", 30)

	body, contentType := multipartBody(t, "rally.mp4", []byte("fake"))
	rec := ts.do(t, http.MethodPost, "/api/v1/videos/upload", body, contentType)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/videos/", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var listing struct {
		Videos []store.Video `json:"videos"`
	}

	decodeBody(t, rec, &listing)
	require.Len(t, listing.Videos, 1)
	assert.Equal(t, "rally.mp4", listing.Videos[0].Filename)
}

func waitForSummary(t *testing.T, ts *testServer, filename string) *httptest.ResponseRecorder {
	t.Helper()

	var rec *httptest.ResponseRecorder

	require.Eventually(t, func() bool {
		rec = ts.do(t, http.MethodGet, "/api/v1/analysis/"+filename, nil, "")

		return rec.Code == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	return rec
}

func TestAnalysisLifecycle(t *testing.T) {
	ts := setupTestServer(t)
	ts.addClip(t, "rally.mp4", 30)

	body, contentType := multipartBody(t, "rally.mp4", []byte("fake"))
	rec := ts.do(t, http.MethodPost, "/api/v1/videos/upload", body, contentType)
	require.Equal(t, http.StatusCreated, rec.Code)

	// Queue a run.
	rec = ts.do(t, http.MethodPost, "/api/v1/analysis/rally.mp4", nil, "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	var run store.AnalysisRun

	decodeBody(t, rec, &run)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, "stub", run.ModelUsed)

	// Status endpoint reports the run.
	rec = ts.do(t, http.MethodGet, "/api/v1/analysis/rally.mp4/status", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	// Summary appears once the run completes.
	rec = waitForSummary(t, ts, "rally.mp4")

	var summary store.MetricsSummary

	decodeBody(t, rec, &summary)
	assert.Equal(t, 30, summary.TotalFrames)
	assert.InDelta(t, 1.0, summary.DetectionRate, 1e-9)

	// Listing includes it.
	rec = ts.do(t, http.MethodGet, "/api/v1/analysis/", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var listing struct {
		Summaries []store.MetricsSummary `json:"summaries"`
	}

	decodeBody(t, rec, &listing)
	assert.Len(t, listing.Summaries, 1)

	// Deleting analysis data clears the summary but keeps the video.
	rec = ts.do(t, http.MethodDelete, "/api/v1/analysis/rally.mp4", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/analysis/rally.mp4", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/videos/", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestStartAnalysisUnknownVideo(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/analysis/missing.mp4", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAnalysisStatusNoRuns(t *testing.T) {
	ts := setupTestServer(t)
	ts.addClip(t, "rally.mp4", 30)

	body, contentType := multipartBody(t, "rally.mp4", []byte("fake"))
	rec := ts.do(t, http.MethodPost, "/api/v1/videos/upload", body, contentType)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/analysis/rally.mp4/status", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteVideo(t *testing.T) {
	ts := setupTestServer(t)
	ts.addClip(t, "rally.mp4", 30)

	body, contentType := multipartBody(t, "rally.mp4", []byte("fake"))
	rec := ts.do(t, http.MethodPost, "/api/v1/videos/upload", body, contentType)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/api/v1/videos/rally.mp4", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/api/v1/videos/rally.mp4", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	names, err := ts.videos.List()
	require.NoError(t, err)
	assert.Empty(t, names)
}
