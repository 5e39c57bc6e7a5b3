package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// reconnectBase is the initial delay between forwarder dial attempts;
// it doubles up to reconnectCap.
const (
	reconnectBase = 250 * time.Millisecond
	reconnectCap  = 5 * time.Second
)

var ErrNotConnected = errors.New("relay: forwarder not connected")

// Forwarder ships WebM chunks to the relay's websocket. It keeps the
// connection alive in the background; while disconnected, WriteChunk
// drops the chunk and counts it. The stream is a firehose, not a
// queue: stale chunks are worthless once the link recovers.
type Forwarder struct {
	socketURL string

	mu   sync.Mutex
	conn *websocket.Conn

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	dropped atomic.Uint64
	sent    atomic.Uint64
}

func NewForwarder(socketURL string) *Forwarder {
	return &Forwarder{socketURL: socketURL}
}

// Start begins maintaining the connection. Call Stop to end it.
func (f *Forwarder) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.dialLoop(ctx)
	}()
}

func (f *Forwarder) dialLoop(ctx context.Context) {
	backoff := reconnectBase
	for {
		if ctx.Err() != nil {
			return
		}

		dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
		conn, _, err := dialer.DialContext(ctx, f.socketURL, nil)
		if err != nil {
			log.Debugw("relay dial failed", "url", f.socketURL, "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < reconnectCap {
				backoff *= 2
			}
			continue
		}
		backoff = reconnectBase

		f.mu.Lock()
		f.conn = conn
		f.mu.Unlock()
		log.Infow("connected to relay", "url", f.socketURL)

		// The relay only talks back to close the connection, e.g. the
		// single-client rejection. Block here until it does.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}

		f.mu.Lock()
		if f.conn == conn {
			f.conn = nil
		}
		f.mu.Unlock()
		conn.Close()
		log.Warnw("relay connection lost")
	}
}

// WriteChunk sends one chunk. Disconnected or failed writes drop the
// chunk; the caller never blocks on the network being down.
func (f *Forwarder) WriteChunk(data []byte) error {
	f.mu.Lock()
	conn := f.conn
	if conn != nil {
		err := conn.WriteMessage(websocket.BinaryMessage, data)
		f.mu.Unlock()
		if err != nil {
			f.dropped.Add(1)
			return err
		}
		f.sent.Add(1)
		return nil
	}
	f.mu.Unlock()

	f.dropped.Add(1)
	return ErrNotConnected
}

// Dropped returns the number of chunks lost to disconnection or write
// failure since Start.
func (f *Forwarder) Dropped() uint64 { return f.dropped.Load() }

// Sent returns the number of chunks delivered since Start.
func (f *Forwarder) Sent() uint64 { return f.sent.Load() }

// Connected reports whether a relay connection is currently up.
func (f *Forwarder) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn != nil
}

// Stop closes the connection and halts reconnection.
func (f *Forwarder) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	f.mu.Lock()
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
	f.mu.Unlock()
	f.wg.Wait()
}
