package analysis

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"github.com/sirupsen/logrus"
)

// DefaultSampleInterval is how often the sampler reads process memory.
const DefaultSampleInterval = 500 * time.Millisecond

// ResourceSampler records the peak resident set size of this process while
// a run executes. One sampler is created per run; inference dominates the
// process footprint, so the peak is a usable per-run cost signal even with
// concurrent runs.
type ResourceSampler struct {
	log      logrus.FieldLogger
	proc     *process.Process
	interval time.Duration

	mu   sync.Mutex
	peak uint64

	done chan struct{}
	wg   sync.WaitGroup
}

// NewResourceSampler creates a sampler for the current process.
func NewResourceSampler(log logrus.FieldLogger) (*ResourceSampler, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("resolving own process: %w", err)
	}

	return &ResourceSampler{
		log:      log.WithField("component", "resource_sampler"),
		proc:     proc,
		interval: DefaultSampleInterval,
		done:     make(chan struct{}),
	}, nil
}

// Start begins sampling in the background.
func (s *ResourceSampler) Start() {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.sample()

		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.sample()
			}
		}
	}()
}

// Stop halts sampling and returns the observed peak RSS in bytes.
func (s *ResourceSampler) Stop() uint64 {
	close(s.done)
	s.wg.Wait()

	return s.Peak()
}

// Peak returns the highest RSS observed so far.
func (s *ResourceSampler) Peak() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.peak
}

func (s *ResourceSampler) sample() {
	info, err := s.proc.MemoryInfo()
	if err != nil {
		s.log.WithError(err).Debug("Failed to read process memory")

		return
	}

	s.mu.Lock()
	if info.RSS > s.peak {
		s.peak = info.RSS
	}
	s.mu.Unlock()
}
