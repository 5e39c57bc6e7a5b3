// WebM/EBML muxing for the capture relay. Pure Go, no cgo.
//
// The muxer turns encoded VP8/Opus frames into a live WebM byte
// stream: an init segment (EBML header + Segment start + Info +
// Tracks) followed by clusters. Chunks are cut on a timer by the
// Recorder, so each websocket message the relay receives is a
// cluster-aligned slice of the stream that ffmpeg can consume from a
// pipe.

package relay

import (
	"bytes"
	"encoding/binary"
	"math"
	"sync"

	"github.com/mvdham/capcast/internal/media"
)

// ─── EBML encoding helpers ───────────────────────────────────────────

// ebmlVint encodes v as an EBML variable-length integer for element
// sizes. Valid range: 0..268435454 (4-byte max).
func ebmlVint(v uint64) []byte {
	switch {
	case v < 0x7F:
		return []byte{byte(0x80 | v)}
	case v < 0x3FFF:
		return []byte{byte(0x40 | (v >> 8)), byte(v)}
	case v < 0x1FFFFF:
		return []byte{byte(0x20 | (v >> 16)), byte(v >> 8), byte(v)}
	default:
		return []byte{byte(0x10 | (v >> 24)), byte(v >> 16), byte(v >> 8), byte(v)}
	}
}

// ebmlUnkSize is the 8-byte unknown-size marker for the streaming
// Segment element whose length is not known at write time.
var ebmlUnkSize = []byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// ebmlElem encodes an EBML element: id bytes + vint(len(data)) + data.
func ebmlElem(id, data []byte) []byte {
	b := make([]byte, 0, len(id)+8+len(data))
	b = append(b, id...)
	b = append(b, ebmlVint(uint64(len(data)))...)
	return append(b, data...)
}

// ebmlUint encodes an unsigned integer in the minimal number of
// big-endian bytes.
func ebmlUint(v uint64) []byte {
	if v == 0 {
		return []byte{0}
	}
	n := 0
	for x := v; x > 0; x >>= 8 {
		n++
	}
	b := make([]byte, n)
	for i := n - 1; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

func ebmlConcat(slices ...[]byte) []byte {
	n := 0
	for _, s := range slices {
		n += len(s)
	}
	b := make([]byte, 0, n)
	for _, s := range slices {
		b = append(b, s...)
	}
	return b
}

// ─── Element IDs ─────────────────────────────────────────────────────

var (
	idEBML         = []byte{0x1A, 0x45, 0xDF, 0xA3}
	idEBMLVersion  = []byte{0x42, 0x86}
	idEBMLReadVer  = []byte{0x42, 0xF7}
	idEBMLMaxIDLen = []byte{0x42, 0xF2}
	idEBMLMaxSzLen = []byte{0x42, 0xF3}
	idDocType      = []byte{0x42, 0x82}
	idDocTypeVer   = []byte{0x42, 0x87}
	idDocTypeRdVer = []byte{0x42, 0x85}
	idSegment      = []byte{0x18, 0x53, 0x80, 0x67}
	idInfo         = []byte{0x15, 0x49, 0xA9, 0x66}
	idTcScale      = []byte{0x2A, 0xD7, 0xB1}
	idMuxApp       = []byte{0x4D, 0x80}
	idWrtApp       = []byte{0x57, 0x41}
	idTracks       = []byte{0x16, 0x54, 0xAE, 0x6B}
	idTrackEntry   = []byte{0xAE}
	idTrackNum     = []byte{0xD7}
	idTrackUID     = []byte{0x73, 0xC5}
	idTrackType    = []byte{0x83}
	idCodecID      = []byte{0x86}
	idCodecPrv     = []byte{0x63, 0xA2}
	idVideo        = []byte{0xE0}
	idPixelW       = []byte{0xB0}
	idPixelH       = []byte{0xBA}
	idAudio        = []byte{0xE1}
	idSampFreq     = []byte{0xB5}
	idChannels     = []byte{0x9F}
	idCluster      = []byte{0x1F, 0x43, 0xB6, 0x75}
	idTimecode     = []byte{0xE7}
	idSimpleBlock  = []byte{0xA3}
)

// opusHead is the codec private data (OpusHead) for mono 48 kHz Opus,
// required by WebM for Opus audio tracks.
var opusHead = []byte{
	'O', 'p', 'u', 's', 'H', 'e', 'a', 'd',
	0x01,       // version
	0x01,       // channels
	0x38, 0x01, // pre-skip = 312 (LE)
	0x80, 0xBB, 0x00, 0x00, // input sample rate = 48000 (LE)
	0x00, 0x00, // output gain
	0x00, // channel mapping family
}

// webmInitSegment returns the WebM initialisation segment. withAudio
// adds an Opus track (track 2) alongside VP8 video (track 1).
func webmInitSegment(videoW, videoH uint16, withAudio bool) []byte {
	var buf bytes.Buffer

	ebmlBody := ebmlConcat(
		ebmlElem(idEBMLVersion, ebmlUint(1)),
		ebmlElem(idEBMLReadVer, ebmlUint(1)),
		ebmlElem(idEBMLMaxIDLen, ebmlUint(4)),
		ebmlElem(idEBMLMaxSzLen, ebmlUint(8)),
		ebmlElem(idDocType, []byte("webm")),
		ebmlElem(idDocTypeVer, ebmlUint(2)),
		ebmlElem(idDocTypeRdVer, ebmlUint(2)),
	)
	buf.Write(ebmlElem(idEBML, ebmlBody))

	// Segment with unknown size (streaming).
	buf.Write(idSegment)
	buf.Write(ebmlUnkSize)

	infoBody := ebmlConcat(
		ebmlElem(idTcScale, ebmlUint(1000000)), // 1 ms per timecode unit
		ebmlElem(idMuxApp, []byte("capcast")),
		ebmlElem(idWrtApp, []byte("capcast")),
	)
	buf.Write(ebmlElem(idInfo, infoBody))

	videoBody := ebmlConcat(
		ebmlElem(idPixelW, ebmlUint(uint64(videoW))),
		ebmlElem(idPixelH, ebmlUint(uint64(videoH))),
	)
	videoEntry := ebmlConcat(
		ebmlElem(idTrackNum, ebmlUint(1)),
		ebmlElem(idTrackUID, ebmlUint(1)),
		ebmlElem(idTrackType, ebmlUint(1)), // video
		ebmlElem(idCodecID, []byte("V_VP8")),
		ebmlElem(idVideo, videoBody),
	)
	tracksBody := ebmlElem(idTrackEntry, videoEntry)

	if withAudio {
		freqBytes := make([]byte, 4)
		binary.BigEndian.PutUint32(freqBytes, math.Float32bits(48000.0))
		audioBody := ebmlConcat(
			ebmlElem(idSampFreq, freqBytes),
			ebmlElem(idChannels, ebmlUint(1)),
		)
		audioEntry := ebmlConcat(
			ebmlElem(idTrackNum, ebmlUint(2)),
			ebmlElem(idTrackUID, ebmlUint(2)),
			ebmlElem(idTrackType, ebmlUint(2)), // audio
			ebmlElem(idCodecID, []byte("A_OPUS")),
			ebmlElem(idCodecPrv, opusHead),
			ebmlElem(idAudio, audioBody),
		)
		tracksBody = ebmlConcat(tracksBody, ebmlElem(idTrackEntry, audioEntry))
	}
	buf.Write(ebmlElem(idTracks, tracksBody))
	return buf.Bytes()
}

// webmCluster builds a complete Cluster element. clusterMs is the
// cluster's absolute timecode in ms; blocks is pre-encoded
// SimpleBlock elements.
func webmCluster(clusterMs int64, blocks []byte) []byte {
	tcElem := ebmlElem(idTimecode, ebmlUint(uint64(clusterMs)))
	return ebmlElem(idCluster, ebmlConcat(tcElem, blocks))
}

// webmSimpleBlock encodes a single SimpleBlock. relMs is the timecode
// relative to the cluster start (signed int16).
func webmSimpleBlock(trackNum int, relMs int16, keyframe bool, data []byte) []byte {
	trackVint := ebmlVint(uint64(trackNum))
	var flags byte
	if keyframe {
		flags = 0x80
	}
	content := make([]byte, len(trackVint)+2+1+len(data))
	copy(content, trackVint)
	binary.BigEndian.PutUint16(content[len(trackVint):], uint16(relMs))
	content[len(trackVint)+2] = flags
	copy(content[len(trackVint)+3:], data)
	return ebmlElem(idSimpleBlock, content)
}

// ─── Muxer ───────────────────────────────────────────────────────────

// Muxer accumulates frames into WebM bytes. WriteFrame adds frames;
// Chunk drains everything muxed since the previous call (the first
// drain starts with the init segment). Nothing is emitted until the
// first video keyframe, which fixes the track dimensions.
type Muxer struct {
	mu sync.Mutex

	hasAudio    bool
	dimKnown    bool
	videoWidth  uint16
	videoHeight uint16

	initSeg     []byte
	initEmitted bool

	clusterStartMs int64
	clusterBlocks  bytes.Buffer
	clusterOpen    bool

	// Audio queued until the first video frame opens a cluster.
	audioQ []media.Frame

	// Timestamp normalization: the first frame of each track becomes
	// t=0. The two encoders start on independent clocks; without this
	// the cluster timecodes jump by the clock skew.
	baseVideoMs  int64
	baseVideoSet bool
	baseAudioMs  int64
	baseAudioSet bool

	pending bytes.Buffer
}

// NewMuxer builds a muxer. withAudio must be known up front because it
// is baked into the init segment.
func NewMuxer(withAudio bool) *Muxer {
	return &Muxer{hasAudio: withAudio}
}

// WriteFrame adds one encoded frame to the stream.
func (m *Muxer) WriteFrame(f media.Frame) {
	if f.Audio {
		m.writeAudio(f)
		return
	}
	m.writeVideo(f)
}

func (m *Muxer) writeVideo(f media.Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.baseVideoSet {
		m.baseVideoMs = f.TimecodeMs
		m.baseVideoSet = true
	}
	tsMs := f.TimecodeMs - m.baseVideoMs

	// Dimensions come from the first VP8 keyframe header.
	if !m.dimKnown && f.Keyframe && len(f.Data) >= 10 {
		if f.Data[3] == 0x9D && f.Data[4] == 0x01 && f.Data[5] == 0x2A {
			m.videoWidth = binary.LittleEndian.Uint16(f.Data[6:8]) & 0x3FFF
			m.videoHeight = binary.LittleEndian.Uint16(f.Data[8:10]) & 0x3FFF
		} else {
			m.videoWidth = 640
			m.videoHeight = 480
		}
		m.dimKnown = true
	}

	if m.initSeg == nil {
		if !m.dimKnown || !f.Keyframe {
			return // wait for a keyframe; decoders cannot start mid-GOP
		}
		m.initSeg = webmInitSegment(m.videoWidth, m.videoHeight, m.hasAudio)
	}

	// Keyframes start a fresh cluster.
	if f.Keyframe && m.clusterOpen {
		m.flushClusterLocked()
	}

	if !m.clusterOpen {
		// Anchor the cluster on the earliest queued audio frame so
		// audio SimpleBlocks never need negative relative timecodes.
		m.clusterStartMs = tsMs
		if len(m.audioQ) > 0 {
			if a := m.audioQ[0].TimecodeMs - m.baseAudioMs; a < tsMs {
				m.clusterStartMs = a
			}
		}
		m.clusterOpen = true
		m.clusterBlocks.Reset()

		for _, af := range m.audioQ {
			rel := (af.TimecodeMs - m.baseAudioMs) - m.clusterStartMs
			if rel < -30000 || rel > 30000 {
				continue
			}
			m.clusterBlocks.Write(webmSimpleBlock(2, int16(rel), false, af.Data))
		}
		m.audioQ = m.audioQ[:0]
	}

	relMs := int16(tsMs - m.clusterStartMs)
	m.clusterBlocks.Write(webmSimpleBlock(1, relMs, f.Keyframe, f.Data))
	m.flushClusterLocked()
}

func (m *Muxer) writeAudio(f media.Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.baseAudioSet {
		m.baseAudioMs = f.TimecodeMs
		m.baseAudioSet = true
	}
	// Queue until the next video frame opens a cluster and drains it,
	// so consumers always see well-formed audio+video clusters.
	m.audioQ = append(m.audioQ, f)
}

// flushClusterLocked closes the open cluster into the pending buffer.
func (m *Muxer) flushClusterLocked() {
	if !m.clusterOpen || m.clusterBlocks.Len() == 0 {
		m.clusterOpen = false
		return
	}
	m.pending.Write(webmCluster(m.clusterStartMs, m.clusterBlocks.Bytes()))
	m.clusterOpen = false
	m.clusterBlocks.Reset()
}

// Chunk returns everything muxed since the previous call, or nil when
// nothing is ready. The first non-empty chunk begins with the init
// segment.
func (m *Muxer) Chunk() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initSeg == nil {
		return nil
	}
	if m.pending.Len() == 0 && m.initEmitted {
		return nil
	}

	var out []byte
	if !m.initEmitted {
		out = append(out, m.initSeg...)
		m.initEmitted = true
	}
	out = append(out, m.pending.Bytes()...)
	m.pending.Reset()
	return out
}
