//go:build linux

package media

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// HostDevices captures from V4L2 cameras, ALSA microphones and X11
// screens via pion/mediadevices, encoding VP8 and Opus in-process.
type HostDevices struct{}

func NewHostDevices() *HostDevices { return &HostDevices{} }

func (h *HostDevices) OpenCamera() (Source, error) {
	selector, err := codecSelector()
	if err != nil {
		return nil, err
	}

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Codec: selector,
		Video: func(c *mediadevices.MediaTrackConstraints) {
			// Raw formats only: some cameras expose an MJPEG node that
			// produces malformed JPEG frames and poisons the VP8 encoder.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: 1280}
			c.Height = prop.IntRanged{Max: 720}
		},
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		// A missing or busy microphone should not take the camera down.
		stream, err = mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
			Codec: selector,
			Video: func(c *mediadevices.MediaTrackConstraints) {
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: 1280}
				c.Height = prop.IntRanged{Max: 720}
			},
		})
		if err != nil {
			return nil, fmt.Errorf("camera capture: %w", err)
		}
	}
	return newTrackSource(stream)
}

func (h *HostDevices) OpenScreen() (Source, error) {
	selector, err := codecSelector()
	if err != nil {
		return nil, err
	}

	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Codec: selector,
		Video: func(_ *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, fmt.Errorf("screen capture: %w", err)
	}
	return newTrackSource(stream)
}

func codecSelector() (*mediadevices.CodecSelector, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	), nil
}

// trackSource pumps encoded readers for each track into one frame
// channel. Timecodes are wall-clock ms since the source opened, which
// keeps video and audio on a single clock.
type trackSource struct {
	tracks    []mediadevices.Track
	frames    chan sourceFrame
	done      chan struct{}
	start     time.Time
	hasAudio  bool
	closeOnce sync.Once
}

type sourceFrame struct {
	frame   Frame
	release func()
}

func newTrackSource(stream mediadevices.MediaStream) (Source, error) {
	ts := &trackSource{
		frames: make(chan sourceFrame, 8),
		done:   make(chan struct{}),
		start:  time.Now(),
	}

	for _, track := range stream.GetTracks() {
		track.OnEnded(func(err error) {
			if err != nil {
				log.Warnw("local track ended", "err", err)
			}
		})

		switch track.Kind() {
		case webrtc.RTPCodecTypeVideo:
			r, err := track.NewEncodedReader(webrtc.MimeTypeVP8)
			if err != nil {
				ts.Close()
				track.Close()
				return nil, fmt.Errorf("vp8 reader: %w", err)
			}
			ts.tracks = append(ts.tracks, track)
			go ts.pumpVideo(r)
		case webrtc.RTPCodecTypeAudio:
			r, err := track.NewEncodedReader(webrtc.MimeTypeOpus)
			if err != nil {
				log.Warnw("opus reader failed, continuing without audio", "err", err)
				track.Close()
				continue
			}
			ts.hasAudio = true
			ts.tracks = append(ts.tracks, track)
			go ts.pumpAudio(r)
		}
	}

	if len(ts.tracks) == 0 {
		return nil, fmt.Errorf("no usable tracks")
	}
	return ts, nil
}

func (ts *trackSource) pumpVideo(r mediadevices.EncodedReadCloser) {
	defer r.Close()
	for {
		buf, release, err := r.Read()
		if err != nil {
			return
		}
		data := make([]byte, len(buf.Data))
		copy(data, buf.Data)
		release()

		f := Frame{
			TimecodeMs: time.Since(ts.start).Milliseconds(),
			Keyframe:   vp8Keyframe(data),
			Data:       data,
		}
		select {
		case ts.frames <- sourceFrame{frame: f, release: func() {}}:
		case <-ts.done:
			return
		}
	}
}

func (ts *trackSource) pumpAudio(r mediadevices.EncodedReadCloser) {
	defer r.Close()
	for {
		buf, release, err := r.Read()
		if err != nil {
			return
		}
		data := make([]byte, len(buf.Data))
		copy(data, buf.Data)
		release()

		f := Frame{
			TimecodeMs: time.Since(ts.start).Milliseconds(),
			Audio:      true,
			Data:       data,
		}
		select {
		case ts.frames <- sourceFrame{frame: f, release: func() {}}:
		case <-ts.done:
			return
		}
	}
}

func (ts *trackSource) ReadFrame() (Frame, func(), error) {
	select {
	case sf := <-ts.frames:
		return sf.frame, sf.release, nil
	case <-ts.done:
		return Frame{}, nil, ErrClosed
	}
}

func (ts *trackSource) HasAudio() bool { return ts.hasAudio }

func (ts *trackSource) Close() error {
	ts.closeOnce.Do(func() {
		close(ts.done)
		for _, t := range ts.tracks {
			t.Close()
		}
	})
	return nil
}

// vp8Keyframe inspects the VP8 frame tag: bit 0 of the first byte is
// the inverse keyframe flag.
func vp8Keyframe(data []byte) bool {
	return len(data) > 0 && data[0]&0x01 == 0
}
