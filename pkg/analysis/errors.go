package analysis

import (
	"errors"
)

// ErrRunAlreadyInProgress is returned when a run is requested for a video
// that already has a queued or running analysis. The tracker and classifier
// hold per-run state, so two runs must never interleave on one video.
var ErrRunAlreadyInProgress = errors.New("analysis run already in progress")

// ErrRunNotActive is returned when cancelling a run that is not executing.
var ErrRunNotActive = errors.New("run is not active")

// CancelledReason is the error message recorded on runs that were cancelled
// rather than having failed on their own.
const CancelledReason = "cancelled"
