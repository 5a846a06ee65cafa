package video

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

// fileStore stores videos as files under a single directory and decodes them
// with OpenCV.
type fileStore struct {
	log logrus.FieldLogger
	dir string
}

// Ensure interface compliance.
var _ Store = (*fileStore)(nil)

// NewFileStore creates a Store over the given upload directory, creating it
// if necessary.
func NewFileStore(log logrus.FieldLogger, dir string) (Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating upload directory: %w", err)
	}

	return &fileStore{
		log: log.WithField("component", "videostore"),
		dir: dir,
	}, nil
}

func (s *fileStore) path(filename string) (string, error) {
	// Reject path traversal: stored names are bare filenames.
	if filepath.Base(filename) != filename || filename == "." || filename == "" {
		return "", fmt.Errorf("invalid video filename: %q", filename)
	}

	return filepath.Join(s.dir, filename), nil
}

func (s *fileStore) Open(filename string, stride int) (Source, *Metadata, error) {
	meta, err := s.Probe(filename)
	if err != nil {
		return nil, nil, err
	}

	path, err := s.path(filename)
	if err != nil {
		return nil, nil, err
	}

	capture, err := gocv.OpenVideoCapture(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening video capture: %w", err)
	}

	if stride < 1 {
		stride = 1
	}

	return &captureSource{
		capture: capture,
		mat:     gocv.NewMat(),
		meta:    meta,
		stride:  stride,
		next:    -1,
	}, meta, nil
}

func (s *fileStore) Probe(filename string) (*Metadata, error) {
	path, err := s.path(filename)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &NotFoundError{Filename: filename}
		}

		return nil, fmt.Errorf("stat video file: %w", err)
	}

	capture, err := gocv.OpenVideoCapture(path)
	if err != nil {
		return nil, fmt.Errorf("opening video capture: %w", err)
	}

	defer func() { _ = capture.Close() }()

	meta := &Metadata{
		Filename:   filename,
		SizeBytes:  info.Size(),
		FPS:        capture.Get(gocv.VideoCaptureFPS),
		Width:      int(capture.Get(gocv.VideoCaptureFrameWidth)),
		Height:     int(capture.Get(gocv.VideoCaptureFrameHeight)),
		FrameCount: int(capture.Get(gocv.VideoCaptureFrameCount)),
	}

	if meta.FPS > 0 {
		meta.DurationSeconds = float64(meta.FrameCount) / meta.FPS
	}

	return meta, nil
}

func (s *fileStore) Put(filename string, r io.Reader) (int64, error) {
	path, err := s.path(filename)
	if err != nil {
		return 0, err
	}

	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("creating video file: %w", err)
	}

	n, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		os.Remove(path)

		return 0, fmt.Errorf("writing video file: %w", err)
	}

	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("closing video file: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"filename": filename,
		"size":     n,
	}).Info("Video stored")

	return n, nil
}

func (s *fileStore) Delete(filename string) error {
	path, err := s.path(filename)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return &NotFoundError{Filename: filename}
		}

		return fmt.Errorf("removing video file: %w", err)
	}

	return nil
}

func (s *fileStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading upload directory: %w", err)
	}

	names := make([]string, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		names = append(names, entry.Name())
	}

	sort.Strings(names)

	return names, nil
}

// captureSource decodes frames through an OpenCV VideoCapture, sampling
// every stride-th native frame.
type captureSource struct {
	capture *gocv.VideoCapture
	mat     gocv.Mat
	meta    *Metadata
	stride  int

	// next is the sampled-sequence index of the last produced frame.
	next   int
	native int
	closed bool
}

// Ensure interface compliance.
var _ Source = (*captureSource)(nil)

func (s *captureSource) Next() (*Frame, error) {
	if s.closed {
		return nil, errors.New("source is closed")
	}

	if !s.capture.Read(&s.mat) || s.mat.Empty() {
		// A short read before the advertised frame count is a decoder
		// failure; at the advertised count it is a clean end of stream.
		if s.native < s.meta.FrameCount {
			return nil, &DecodeError{
				LastFrame: s.next,
				Err:       fmt.Errorf("decoder stopped at native frame %d of %d", s.native, s.meta.FrameCount),
			}
		}

		return nil, io.EOF
	}

	frame := &Frame{
		Number: s.next + 1,
		Width:  s.mat.Cols(),
		Height: s.mat.Rows(),
		Pixels: s.mat.ToBytes(),
	}

	if s.meta.FPS > 0 {
		frame.Timestamp = float64(s.native) / s.meta.FPS
	}

	s.next++
	s.native++

	// Skip frames to honour the sampling stride. Overshooting past the end
	// here is harmless: the next Read reports a clean end of stream.
	if s.stride > 1 {
		s.capture.Grab(s.stride - 1)
		s.native += s.stride - 1
	}

	return frame, nil
}

func (s *captureSource) Close() error {
	if s.closed {
		return nil
	}

	s.closed = true
	s.mat.Close()

	return s.capture.Close()
}
