// Package constants provides shared constants used across the codebase.
// Centralizing these values ensures consistency and makes them easier to modify.
package constants

import "time"

// Recognition constants
const (
	// DefaultSensitivity is the default recognition sensitivity in percent.
	// The distance threshold is derived as sensitivity/100.
	DefaultSensitivity = 50

	// DefaultDistanceThreshold is the distance threshold matching DefaultSensitivity
	// Lower values = stricter matching
	DefaultDistanceThreshold = 0.5

	// VerifiedConfidence is the confidence at or above which a biometric mark
	// is considered verified without corroboration
	VerifiedConfidence = 0.6

	// DefaultMinMatches is how many recognitions a low-confidence hit needs
	// within one session before it is accepted
	DefaultMinMatches = 1

	// MinFaceSizePx is the minimum detected face width and height in pixels
	MinFaceSizePx = 100

	// MaxFacesPerFrame caps how many detections of a single frame are matched
	MaxFacesPerFrame = 5

	// UnknownFacePadding is the crop padding around unmatched faces in pixels
	UnknownFacePadding = 20
)

// Frame quality constants
const (
	MinFrameWidth  = 640
	MinFrameHeight = 480
	MaxFrameWidth  = 1280
	MaxFrameHeight = 720

	// MinBrightness and MaxBrightness bound the average frame luma (0-255), exclusive
	MinBrightness = 20
	MaxBrightness = 240

	// MinBlurScore is the minimum variance of Laplacian for a frame to count as sharp
	MinBlurScore = 100

	// BlurAnalysisMaxWidth bounds the width the blur metric is computed at;
	// wider frames are downscaled first
	BlurAnalysisMaxWidth = 1280
)

// Processing constants
const (
	// WorkerPoolSize is the default number of dispatcher workers
	WorkerPoolSize = 4

	// WorkerQueueSize is the default buffered capacity of each worker queue
	WorkerQueueSize = 64

	// FrameTTL is how long a submitted frame stays relevant; older results are dropped
	FrameTTL = 5 * time.Second

	// MaxJobAttempts is the default number of attempts for jobs failing transiently
	MaxJobAttempts = 3

	// RetryInitialInterval is the first backoff delay between attempts
	RetryInitialInterval = 200 * time.Millisecond

	// RetryMaxInterval caps the backoff delay
	RetryMaxInterval = 2 * time.Second

	// ShutdownTimeout bounds how long the dispatcher drains on shutdown
	ShutdownTimeout = 30 * time.Second
)

// Roster cache constants
const (
	// RosterTTL is the expiry of cached rosters, a staleness safety net on top of
	// explicit invalidation
	RosterTTL = 30 * time.Minute

	// RosterIndexThreshold is the template count above which a roster builds an
	// HNSW candidate index
	RosterIndexThreshold = 512

	// RosterIndexCandidates is the number of nearest templates fetched from the
	// index before exact re-ranking
	RosterIndexCandidates = 32
)
