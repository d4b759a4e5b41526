// Package constants provides shared constants used across the codebase.
package constants

// Event channel constants
const (
	// EventChannelBuffer is the buffer size for event subscriber channels
	EventChannelBuffer = 100
)

// HTTP constants
const (
	// MaxFrameUploadSize is the maximum accepted frame request body (8 MB)
	MaxFrameUploadSize = 8 << 20

	// MaxBatchFrames is the maximum number of frames accepted in one batch request
	MaxBatchFrames = 20
)
