// Media sources and the selection state machine that decides what is
// on the output canvas.
package media

import "errors"

// Frame is one encoded media frame. Video frames are VP8, audio frames
// Opus. TimecodeMs is relative to the start of the source.
type Frame struct {
	TimecodeMs int64
	Keyframe   bool
	Audio      bool
	Data       []byte
}

// Source delivers encoded frames from a running capture. ReadFrame
// blocks until the next frame; the release func returns the buffer to
// the encoder and must be called when the caller is done with Data.
type Source interface {
	ReadFrame() (frame Frame, release func(), err error)
	HasAudio() bool
	Close() error
}

// Devices opens local capture hardware. Acquisition can take seconds
// on real cameras, so callers run it off the selector loop.
type Devices interface {
	OpenCamera() (Source, error)
	OpenScreen() (Source, error)
}

// Calls is the selector's view of the peer call manager. Begin arms
// the join flow; Teardown hangs up and takes the join code down.
type Calls interface {
	Active() bool
	Begin()
	Teardown()
}

var (
	// ErrSuperseded means a newer selection arrived while this one was
	// still acquiring its device; the acquired stream was discarded.
	ErrSuperseded = errors.New("media: selection superseded")

	ErrClosed = errors.New("media: selector closed")
)
