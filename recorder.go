package capture

import "time"

// RecorderState is the state of a MediaRecorder.
type RecorderState int32

const (
	RecorderInactive RecorderState = iota
	RecorderRecording
	RecorderPaused
)

func (s RecorderState) String() string {
	switch s {
	case RecorderInactive:
		return "inactive"
	case RecorderRecording:
		return "recording"
	case RecorderPaused:
		return "paused"
	default:
		return "unknown"
	}
}

// RecorderHandlers receive recorder events. Handlers run on recorder
// goroutines, never from inside a MediaRecorder method call.
type RecorderHandlers struct {
	// OnData receives encoded chunks in order. Empty chunks are never delivered.
	OnData func(chunk []byte)
	// OnStop fires once after the final chunk of a successful Stop.
	OnStop func()
	// OnError fires once on an encoding fault; OnStop does not follow.
	OnError func(err error)
}

// RecorderOptions configures a new MediaRecorder.
type RecorderOptions struct {
	MimeType           string
	VideoBitsPerSecond int
	Timeslice          time.Duration // Chunk emission interval while recording
	Handlers           RecorderHandlers
}

// MediaRecorder encodes a MediaStream (like browser's MediaRecorder).
//
// Stop returns immediately with the state already inactive; the remaining
// data and OnStop are delivered asynchronously. Pause returns only after any
// in-flight chunk was delivered, and no chunk is delivered while paused.
type MediaRecorder interface {
	Start() error
	Pause()
	Resume()
	Stop()
	State() RecorderState
	MimeType() string
}

// RecorderFactory opens encoding sessions.
type RecorderFactory interface {
	IsTypeSupported(mimeType string) bool
	NewRecorder(stream MediaStream, options RecorderOptions) (MediaRecorder, error)
}
