// Relay server: accepts exactly one capture connection, pipes its WebM
// chunks into the managed encoder, and republishes to the ingest URL.
package relay

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mvdham/capcast/internal/proto"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Transcoder is what the server needs from an Encoder. Indirected so
// tests can run without an ffmpeg binary.
type Transcoder interface {
	Start() error
	Write(data []byte) error
	Stop()
	State() EncoderState
}

// Server owns the single capture connection and the encoder lifecycle.
//
// The encoder never restarts on its own: a crash leaves it down and
// chunks are dropped until the ingest URL is set again. Only a URL
// update, and only while a client is connected, spawns a fresh
// process.
type Server struct {
	metrics *Metrics

	mu        sync.Mutex
	client    *websocket.Conn
	ingestURL string
	enc       Transcoder

	// Encoder factory, replaced in tests.
	newEnc func(ingestURL string, onExit func(error)) Transcoder
}

func NewServer(metrics *Metrics) *Server {
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Server{
		metrics: metrics,
		newEnc: func(ingestURL string, onExit func(error)) Transcoder {
			return NewEncoder(ingestURL, onExit)
		},
	}
}

// ServeHTTP accepts the capture websocket. A second client while one
// is connected is refused with close code 1013 (try again later).
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnw("websocket upgrade failed", "err", err)
		return
	}

	s.mu.Lock()
	if s.client != nil {
		s.mu.Unlock()
		s.metrics.ClientsRejected.Inc()
		log.Warnw("rejecting capture client, one already connected", "remote", conn.RemoteAddr())
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "relay busy"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}
	s.client = conn
	s.mu.Unlock()
	s.metrics.ClientActive.Set(1)
	log.Infow("capture client connected", "remote", conn.RemoteAddr())

	s.readChunks(conn)

	s.mu.Lock()
	if s.client == conn {
		s.client = nil
	}
	enc := s.enc
	s.enc = nil
	s.mu.Unlock()
	conn.Close()
	s.metrics.ClientActive.Set(0)
	log.Infow("capture client disconnected")

	// No input, no output: the encoder dies with its client.
	if enc != nil {
		enc.Stop()
	}
}

func (s *Server) readChunks(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		s.relay(data)
	}
}

// relay feeds one chunk to the encoder, starting it lazily once an
// ingest URL is known. Chunks with no running encoder are dropped.
func (s *Server) relay(data []byte) {
	s.mu.Lock()
	if s.enc == nil && s.ingestURL != "" {
		s.startEncoderLocked()
	}
	enc := s.enc
	s.mu.Unlock()

	if enc == nil {
		s.metrics.ChunksDropped.Inc()
		return
	}
	if err := enc.Write(data); err != nil {
		s.metrics.ChunksDropped.Inc()
		return
	}
	s.metrics.ChunksRelayed.Inc()
}

// SetStreamURL retargets the republish destination. While a client is
// connected the encoder is torn down and respawned exactly once; with
// no client the URL is only recorded for the next connection.
func (s *Server) SetStreamURL(url string) {
	s.mu.Lock()
	s.ingestURL = url
	connected := s.client != nil
	prev := s.enc
	s.enc = nil
	s.mu.Unlock()

	if prev != nil {
		prev.Stop()
	}
	if !connected || url == "" {
		return
	}

	s.mu.Lock()
	s.startEncoderLocked()
	restarted := s.enc != nil
	s.mu.Unlock()
	if restarted && prev != nil {
		s.metrics.EncoderRestarts.Inc()
	}
}

// startEncoderLocked spawns an encoder for the current URL. Call with
// s.mu held.
func (s *Server) startEncoderLocked() {
	enc := s.newEnc(s.ingestURL, func(error) {
		// A crashed encoder stays down; see type comment.
	})
	if err := enc.Start(); err != nil {
		log.Errorw("encoder start failed", "err", err)
		return
	}
	s.enc = enc
}

// HandleControl accepts control messages, currently only ingest URL
// updates.
func (s *Server) HandleControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var msg proto.ControlMsg
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if msg.Type != proto.ControlUpdateStreamURL {
		http.Error(w, "unknown control type", http.StatusBadRequest)
		return
	}

	log.Infow("ingest url updated", "url", msg.URL)
	s.SetStreamURL(msg.URL)
	w.WriteHeader(http.StatusNoContent)
}

// Close drops the client and stops the encoder.
func (s *Server) Close() {
	s.mu.Lock()
	client := s.client
	s.client = nil
	enc := s.enc
	s.enc = nil
	s.mu.Unlock()

	if client != nil {
		client.Close()
	}
	if enc != nil {
		enc.Stop()
	}
}
