package detector

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aseda-sam/tennis-coach-app/pkg/config"
	"github.com/aseda-sam/tennis-coach-app/pkg/video"
	"github.com/sirupsen/logrus"
)

// inferRequest is the wire format sent to an inference service.
type inferRequest struct {
	Model     string  `json:"model"`
	Threshold float64 `json:"threshold"`
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	Pixels    string  `json:"pixels"` // base64-encoded raw frame buffer
}

// inferResponse is the wire format returned by an inference service.
type inferResponse struct {
	Detections []Detection `json:"detections"`
	Error      string      `json:"error,omitempty"`
}

// httpDetector calls an external inference service over JSON/HTTP. The
// service owns model loading; this adapter only ships frames and threshold.
type httpDetector struct {
	log       logrus.FieldLogger
	kind      Kind
	endpoint  string
	model     string
	threshold float64
	client    *http.Client
}

// Ensure interface compliance.
var _ Detector = (*httpDetector)(nil)

// NewHTTPBallDetector creates a ball detector backed by an inference service.
func NewHTTPBallDetector(
	log logrus.FieldLogger,
	cfg *config.DetectorEndpointConfig,
	threshold float64,
) Detector {
	return newHTTPDetector(log, KindBall, cfg, threshold)
}

// NewHTTPPoseEstimator creates a pose estimator backed by an inference service.
func NewHTTPPoseEstimator(
	log logrus.FieldLogger,
	cfg *config.DetectorEndpointConfig,
	threshold float64,
) Detector {
	return newHTTPDetector(log, KindPose, cfg, threshold)
}

func newHTTPDetector(
	log logrus.FieldLogger,
	kind Kind,
	cfg *config.DetectorEndpointConfig,
	threshold float64,
) Detector {
	return &httpDetector{
		log:       log.WithField("component", "detector").WithField("kind", kind),
		kind:      kind,
		endpoint:  cfg.Endpoint,
		model:     cfg.Model,
		threshold: threshold,
		client: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
	}
}

func (d *httpDetector) Kind() Kind {
	return d.kind
}

func (d *httpDetector) Model() string {
	return d.model
}

func (d *httpDetector) Detect(ctx context.Context, frame *video.Frame) ([]Detection, error) {
	payload, err := json.Marshal(&inferRequest{
		Model:     d.model,
		Threshold: d.threshold,
		Width:     frame.Width,
		Height:    frame.Height,
		Pixels:    base64.StdEncoding.EncodeToString(frame.Pixels),
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling inference request: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, d.endpoint, bytes.NewReader(payload),
	)
	if err != nil {
		return nil, fmt.Errorf("creating inference request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing inference request: %w", err)
	}

	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading inference response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf(
			"inference service returned status %d: %s",
			resp.StatusCode, truncate(string(body), 200),
		)
	}

	var result inferResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("parsing inference response: %w", err)
	}

	if result.Error != "" {
		return nil, fmt.Errorf("inference service error: %s", result.Error)
	}

	// Stamp the kind and drop detections below the configured threshold;
	// the service is not trusted to filter.
	detections := make([]Detection, 0, len(result.Detections))

	for _, det := range result.Detections {
		if det.Confidence < d.threshold {
			continue
		}

		det.Kind = d.kind
		detections = append(detections, det)
	}

	d.log.WithFields(logrus.Fields{
		"frame":      frame.Number,
		"detections": len(detections),
	}).Debug("Inference completed")

	return detections, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}

	return s[:n] + "..."
}
