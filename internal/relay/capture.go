// Capture relay, source side: the Recorder muxes the live capture into
// WebM and emits timed chunks; the Forwarder ships them to the relay
// socket.
package relay

import (
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/mvdham/capcast/internal/media"
)

var log = logging.Logger("relay")

// DefaultEmitInterval is the chunk cadence. Small enough that the
// encoder's input never runs dry, large enough that chunks amortize
// websocket framing.
const DefaultEmitInterval = 250 * time.Millisecond

// ChunkSink receives WebM chunks in stream order.
type ChunkSink interface {
	WriteChunk(data []byte) error
}

// Recorder drains a media source through the muxer and delivers one
// chunk per tick to the sink. Delivery is lossy by design: a sink
// error drops the chunk and the recording continues.
type Recorder struct {
	src      media.Source
	sink     ChunkSink
	mux      *Muxer
	interval time.Duration

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewRecorder starts recording src into sink. interval <= 0 selects
// DefaultEmitInterval.
func NewRecorder(src media.Source, sink ChunkSink, interval time.Duration) *Recorder {
	if interval <= 0 {
		interval = DefaultEmitInterval
	}
	r := &Recorder{
		src:      src,
		sink:     sink,
		mux:      NewMuxer(src.HasAudio()),
		interval: interval,
		done:     make(chan struct{}),
	}
	r.wg.Add(1)
	go r.readLoop()
	go r.emitLoop()
	return r
}

// readLoop exits when the source closes or the recorder stops. It is
// not waited on: ReadFrame can block until the selector releases the
// device.
func (r *Recorder) readLoop() {
	for {
		frame, release, err := r.src.ReadFrame()
		if err != nil {
			return
		}
		r.mux.WriteFrame(frame)
		release()

		select {
		case <-r.done:
			return
		default:
		}
	}
}

func (r *Recorder) emitLoop() {
	defer r.wg.Done()
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-r.done:
			// Final drain so the tail of the stream is not lost.
			r.emit()
			return
		case <-t.C:
			r.emit()
		}
	}
}

func (r *Recorder) emit() {
	chunk := r.mux.Chunk()
	if chunk == nil {
		return
	}
	if err := r.sink.WriteChunk(chunk); err != nil {
		log.Debugw("chunk dropped", "bytes", len(chunk), "err", err)
	}
}

// Stop ends the recording. The source is not closed; it belongs to the
// selector.
func (r *Recorder) Stop() {
	r.once.Do(func() { close(r.done) })
	r.wg.Wait()
}
