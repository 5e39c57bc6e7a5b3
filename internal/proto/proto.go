package proto

import (
	"encoding/json"
	"fmt"
	"time"
)

// SourceKind identifies what is currently being shown on the output canvas.
type SourceKind int

const (
	SourceNone SourceKind = iota
	SourceLocalCamera
	SourceRemoteCamera
	SourceVideoFile
	SourceImageFile
	SourceEmbeddedVideo
)

const (
	wireNone         = ""
	wireLocalCamera  = "LIVE_LOCAL_CAMERA"
	wireRemoteCamera = "LIVE_REMOTE_CAMERA"
	wireVideoFile    = "video"
	wireImageFile    = "image"
	wireEmbedded     = "youtube"
)

// Wire returns the string form used in bus messages and persisted state.
func (k SourceKind) Wire() string {
	switch k {
	case SourceLocalCamera:
		return wireLocalCamera
	case SourceRemoteCamera:
		return wireRemoteCamera
	case SourceVideoFile:
		return wireVideoFile
	case SourceImageFile:
		return wireImageFile
	case SourceEmbeddedVideo:
		return wireEmbedded
	default:
		return wireNone
	}
}

func (k SourceKind) String() string {
	switch k {
	case SourceNone:
		return "none"
	case SourceLocalCamera:
		return "local-camera"
	case SourceRemoteCamera:
		return "remote-camera"
	case SourceVideoFile:
		return "video-file"
	case SourceImageFile:
		return "image-file"
	case SourceEmbeddedVideo:
		return "embedded-video"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Live reports whether the kind holds a live device or call stream.
func (k SourceKind) Live() bool {
	return k == SourceLocalCamera || k == SourceRemoteCamera
}

// ParseSourceKind maps a wire string back to its kind. Unknown strings
// are an error so stale persisted values surface instead of silently
// becoming SourceNone.
func ParseSourceKind(s string) (SourceKind, error) {
	switch s {
	case wireNone:
		return SourceNone, nil
	case wireLocalCamera:
		return SourceLocalCamera, nil
	case wireRemoteCamera:
		return SourceRemoteCamera, nil
	case wireVideoFile:
		return SourceVideoFile, nil
	case wireImageFile:
		return SourceImageFile, nil
	case wireEmbedded:
		return SourceEmbeddedVideo, nil
	default:
		return SourceNone, fmt.Errorf("unknown source kind %q", s)
	}
}

// Bus message classes.
const (
	ClassMediaChange = "media-change"
	ClassEndCall     = "end-call"
)

// BusMsg is the JSON envelope carried between contexts. URL and Type are
// only meaningful for media-change messages.
type BusMsg struct {
	Class string `json:"class"`
	URL   string `json:"url,omitempty"`
	Type  string `json:"type,omitempty"`
}

func EncodeBusMsg(m BusMsg) ([]byte, error) {
	if m.Class == "" {
		return nil, fmt.Errorf("bus message missing class")
	}
	return json.Marshal(m)
}

func DecodeBusMsg(data []byte) (BusMsg, error) {
	var m BusMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return BusMsg{}, fmt.Errorf("decode bus message: %w", err)
	}
	if m.Class == "" {
		return BusMsg{}, fmt.Errorf("bus message missing class")
	}
	return m, nil
}

// Relay control message types.
const ControlUpdateStreamURL = "updateStreamUrl"

// ControlMsg is sent to the relay's control endpoint to retarget the
// republish destination.
type ControlMsg struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }
