package call

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"

	capmedia "github.com/mvdham/capcast/internal/media"
)

const (
	pliInterval = 3 * time.Second

	// Late packets tolerated by the sample builders before a frame is
	// given up on.
	videoMaxLate = 64
	audioMaxLate = 32
)

// opusSilence is one 20 ms frame of Opus comfort silence, fed to the
// placeholder sendback track so the phone's SDP negotiation sees a
// live audio sender.
var opusSilence = []byte{0xF8, 0xFF, 0xFE}

// Session answers one inbound call and turns its RTP into an encoded
// frame stream the rest of the pipeline can consume.
type Session struct {
	remoteID string
	connID   string
	send     func(Envelope) error
	onStream func(capmedia.Source)
	onClose  func()

	pc  *webrtc.PeerConnection
	src *remoteSource

	mu        sync.Mutex
	streamed  bool
	closeOnce sync.Once
	done      chan struct{}
}

func newSession(remoteID string, send func(Envelope) error, onStream func(capmedia.Source), onClose func()) (*Session, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, err
	}

	// Generous ICE timeouts so a brief NAT hiccup on the phone's
	// network does not immediately terminate the call.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	})
	if err != nil {
		return nil, err
	}

	s := &Session{
		remoteID: remoteID,
		send:     send,
		onStream: onStream,
		onClose:  onClose,
		pc:       pc,
		src:      newRemoteSource(),
		done:     make(chan struct{}),
	}

	// The phone expects an audio track back; send silence so the
	// m-line negotiates sendrecv without capturing a host microphone.
	silent, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "capcast")
	if err != nil {
		pc.Close()
		return nil, err
	}
	if _, err := pc.AddTrack(silent); err != nil {
		pc.Close()
		return nil, err
	}
	go s.pumpSilence(silent)

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		pc.Close()
		return nil, err
	}

	pc.OnTrack(s.handleTrack)
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Infow("call connection state", "remote", remoteID, "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed,
			webrtc.PeerConnectionStateDisconnected:
			s.Close()
		}
	})

	return s, nil
}

// HandleOffer applies the phone's SDP offer and signals our answer
// back. ICE candidates are gathered before the answer is sent, so no
// trickle support is needed on the phone side.
func (s *Session) HandleOffer(p OfferPayload) error {
	s.connID = p.ConnectionID

	var offer webrtc.SessionDescription
	if err := json.Unmarshal(p.SDP, &offer); err != nil {
		return fmt.Errorf("decode offer sdp: %w", err)
	}
	if err := s.pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(s.pc)
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	<-gathered

	sdp, err := json.Marshal(s.pc.LocalDescription())
	if err != nil {
		return err
	}
	payload, err := json.Marshal(OfferPayload{
		SDP:          sdp,
		ConnectionID: s.connID,
		Type:         "media",
	})
	if err != nil {
		return err
	}
	return s.send(Envelope{Type: MsgAnswer, Dst: s.remoteID, Payload: payload})
}

// HandleCandidate adds a trickled remote ICE candidate.
func (s *Session) HandleCandidate(p OfferPayload) error {
	if len(p.Candidate) == 0 {
		return nil
	}
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(p.Candidate, &cand); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	return s.pc.AddICECandidate(cand)
}

// Source returns the remote media stream.
func (s *Session) Source() capmedia.Source { return s.src }

// Close tears the call down. Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.pc.Close()
		s.src.Close()
		if s.onClose != nil {
			s.onClose()
		}
	})
}

func (s *Session) handleTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	log.Infow("remote track", "remote", s.remoteID, "kind", track.Kind().String(), "codec", track.Codec().MimeType)

	switch track.Kind() {
	case webrtc.RTPCodecTypeVideo:
		go s.pliLoop(track)
		go s.pumpVideo(track)
	case webrtc.RTPCodecTypeAudio:
		s.src.setAudio()
		go s.pumpAudio(track)
	}
}

// pliLoop periodically asks the phone for a keyframe so late joiners
// of the frame stream recover quickly.
func (s *Session) pliLoop(track *webrtc.TrackRemote) {
	t := time.NewTicker(pliInterval)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			err := s.pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
			})
			if err != nil {
				return
			}
		}
	}
}

func (s *Session) pumpVideo(track *webrtc.TrackRemote) {
	clockRate := track.Codec().ClockRate
	sb := samplebuilder.New(videoMaxLate, &codecs.VP8Packet{}, clockRate)

	var elapsed time.Duration
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		sb.Push(pkt)

		for sample := sb.Pop(); sample != nil; sample = sb.Pop() {
			elapsed += sample.Duration
			keyframe := len(sample.Data) > 0 && sample.Data[0]&0x01 == 0
			s.src.push(capmedia.Frame{
				TimecodeMs: elapsed.Milliseconds(),
				Keyframe:   keyframe,
				Data:       sample.Data,
			})
			s.markStreaming()
		}
	}
}

func (s *Session) pumpAudio(track *webrtc.TrackRemote) {
	clockRate := track.Codec().ClockRate
	sb := samplebuilder.New(audioMaxLate, &codecs.OpusPacket{}, clockRate)

	var elapsed time.Duration
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		sb.Push(pkt)

		for sample := sb.Pop(); sample != nil; sample = sb.Pop() {
			elapsed += sample.Duration
			s.src.push(capmedia.Frame{
				TimecodeMs: elapsed.Milliseconds(),
				Audio:      true,
				Data:       sample.Data,
			})
		}
	}
}

// markStreaming fires onStream exactly once, on the first decodable
// video frame rather than on ICE connect: the canvas should not cut
// over to a black stream.
func (s *Session) markStreaming() {
	s.mu.Lock()
	first := !s.streamed
	s.streamed = true
	s.mu.Unlock()
	if first && s.onStream != nil {
		s.onStream(s.src)
	}
}

func (s *Session) pumpSilence(track *webrtc.TrackLocalStaticSample) {
	t := time.NewTicker(20 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			if err := track.WriteSample(media.Sample{Data: opusSilence, Duration: 20 * time.Millisecond}); err != nil {
				return
			}
		}
	}
}

// remoteSource adapts the per-track pumps into a capmedia.Source.
type remoteSource struct {
	frames chan capmedia.Frame
	done   chan struct{}

	mu       sync.Mutex
	hasAudio bool
	once     sync.Once
}

func newRemoteSource() *remoteSource {
	return &remoteSource{
		frames: make(chan capmedia.Frame, 32),
		done:   make(chan struct{}),
	}
}

func (r *remoteSource) push(f capmedia.Frame) {
	select {
	case r.frames <- f:
	case <-r.done:
	default:
		// Reader stalled; drop rather than hold up RTP depacketizing.
	}
}

func (r *remoteSource) setAudio() {
	r.mu.Lock()
	r.hasAudio = true
	r.mu.Unlock()
}

func (r *remoteSource) ReadFrame() (capmedia.Frame, func(), error) {
	select {
	case f := <-r.frames:
		return f, func() {}, nil
	case <-r.done:
		return capmedia.Frame{}, nil, capmedia.ErrClosed
	}
}

func (r *remoteSource) HasAudio() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hasAudio
}

func (r *remoteSource) Close() error {
	r.once.Do(func() { close(r.done) })
	return nil
}
