// Package video provides the video store boundary and the frame source used
// by the analysis pipeline. A Store resolves uploaded clips to decodable
// frame sequences plus static metadata; a Source yields frames lazily in
// strictly increasing order.
package video

import (
	"errors"
	"fmt"
	"io"
)

// Metadata describes a stored video clip.
type Metadata struct {
	Filename        string  `json:"filename"`
	SizeBytes       int64   `json:"size_bytes"`
	DurationSeconds float64 `json:"duration_seconds"`
	FPS             float64 `json:"fps"`
	Width           int     `json:"width"`
	Height          int     `json:"height"`
	FrameCount      int     `json:"frame_count"`
}

// Frame is a single decoded, timestamped frame. Number is the index within
// the sampled sequence (dense, starting at zero); Timestamp is seconds from
// the start of the clip.
type Frame struct {
	Number    int
	Timestamp float64
	Width     int
	Height    int
	Pixels    []byte
}

// Source is a lazy, finite, ordered frame sequence. Next returns io.EOF
// after the last frame of a cleanly decoded clip, or a *DecodeError if the
// underlying decoder fails mid-stream. A Source is single-use; reopen the
// video through the Store to restart.
type Source interface {
	Next() (*Frame, error)
	Close() error
}

// Store resolves video filenames to frame sources and metadata.
type Store interface {
	// Open returns a fresh frame source sampling every stride-th frame,
	// together with the clip's metadata.
	Open(filename string, stride int) (Source, *Metadata, error)

	// Probe returns metadata without decoding frames.
	Probe(filename string) (*Metadata, error)

	// Put stores a new video file, returning its size.
	Put(filename string, r io.Reader) (int64, error)

	// Delete removes a stored video file.
	Delete(filename string) error

	// List returns the filenames of all stored videos.
	List() ([]string, error)
}

// NotFoundError indicates the requested video does not exist in the store.
type NotFoundError struct {
	Filename string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("video not found: %s", e.Filename)
}

// IsNotFound reports whether err is a video NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError

	return errors.As(err, &nf)
}

// DecodeError indicates the decoder failed mid-stream. LastFrame is the
// number of the last successfully produced frame (-1 if none were produced).
type DecodeError struct {
	LastFrame int
	Err       error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode failed after frame %d: %v", e.LastFrame, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
