package video

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"sync"
)

// MemorySource serves pre-built frames from memory. It is used by tests and
// synthetic fixtures; FailAfter injects a mid-stream decode failure.
type MemorySource struct {
	Frames []*Frame

	// FailAfter, when >= 0, makes Next return a *DecodeError once that many
	// frames have been produced.
	FailAfter int

	idx int
}

// Ensure interface compliance.
var _ Source = (*MemorySource)(nil)

// NewMemorySource creates a MemorySource that plays all frames then ends
// cleanly.
func NewMemorySource(frames []*Frame) *MemorySource {
	return &MemorySource{Frames: frames, FailAfter: -1}
}

func (s *MemorySource) Next() (*Frame, error) {
	if s.FailAfter >= 0 && s.idx >= s.FailAfter {
		return nil, &DecodeError{
			LastFrame: s.idx - 1,
			Err:       fmt.Errorf("synthetic decoder failure"),
		}
	}

	if s.idx >= len(s.Frames) {
		return nil, io.EOF
	}

	frame := s.Frames[s.idx]
	s.idx++

	return frame, nil
}

func (s *MemorySource) Close() error {
	return nil
}

// MemoryStore is an in-memory Store for tests: register clips with AddClip
// and they become openable by filename.
type MemoryStore struct {
	mu    sync.Mutex
	clips map[string]*memoryClip
	blobs map[string][]byte
}

type memoryClip struct {
	meta      *Metadata
	frames    []*Frame
	failAfter int
}

// Ensure interface compliance.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		clips: make(map[string]*memoryClip),
		blobs: make(map[string][]byte),
	}
}

// AddClip registers a decodable clip. failAfter < 0 disables the injected
// decode failure.
func (s *MemoryStore) AddClip(meta *Metadata, frames []*Frame, failAfter int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clips[meta.Filename] = &memoryClip{
		meta:      meta,
		frames:    frames,
		failAfter: failAfter,
	}
}

func (s *MemoryStore) Open(filename string, stride int) (Source, *Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	clip, ok := s.clips[filename]
	if !ok {
		return nil, nil, &NotFoundError{Filename: filename}
	}

	if stride < 1 {
		stride = 1
	}

	frames := clip.frames
	if stride > 1 {
		sampled := make([]*Frame, 0, (len(frames)+stride-1)/stride)
		for i := 0; i < len(frames); i += stride {
			sampled = append(sampled, frames[i])
		}

		frames = sampled
	}

	src := NewMemorySource(frames)
	src.FailAfter = clip.failAfter

	return src, clip.meta, nil
}

func (s *MemoryStore) Probe(filename string) (*Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	clip, ok := s.clips[filename]
	if !ok {
		return nil, &NotFoundError{Filename: filename}
	}

	return clip.meta, nil
}

func (s *MemoryStore) Put(filename string, r io.Reader) (int64, error) {
	var buf bytes.Buffer

	n, err := io.Copy(&buf, r)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.blobs[filename] = buf.Bytes()

	return n, nil
}

func (s *MemoryStore) Delete(filename string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clips[filename]; !ok {
		if _, blob := s.blobs[filename]; !blob {
			return &NotFoundError{Filename: filename}
		}
	}

	delete(s.clips, filename)
	delete(s.blobs, filename)

	return nil
}

func (s *MemoryStore) List() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(s.clips)+len(s.blobs))
	names := make([]string, 0, len(s.clips)+len(s.blobs))

	for name := range s.clips {
		seen[name] = struct{}{}
		names = append(names, name)
	}

	for name := range s.blobs {
		if _, ok := seen[name]; !ok {
			names = append(names, name)
		}
	}

	sort.Strings(names)

	return names, nil
}
