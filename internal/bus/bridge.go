package bus

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/mvdham/capcast/internal/proto"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Control surface and canvas load from localhost or a webview origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Bridge exposes the bus over a websocket endpoint so browser contexts
// participate in the same event stream as in-process subscribers.
// Messages received from a client are republished to everyone.
type Bridge struct {
	bus *Bus

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func NewBridge(b *Bus) *Bridge {
	return &Bridge{bus: b, conns: make(map[*websocket.Conn]struct{})}
}

// ServeHTTP upgrades the request and keeps the connection attached to
// the bus until either side closes it.
func (br *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnw("websocket upgrade failed", "err", err)
		return
	}

	br.mu.Lock()
	br.conns[conn] = struct{}{}
	br.mu.Unlock()

	events, cancel := br.bus.Subscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		br.readLoop(conn)
	}()

	for {
		select {
		case <-done:
			br.detach(conn)
			cancel()
			return
		case evt, ok := <-events:
			if !ok {
				br.detach(conn)
				return
			}
			data, err := proto.EncodeBusMsg(evt.Msg())
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				br.detach(conn)
				cancel()
				return
			}
		}
	}
}

// readLoop republishes inbound client messages onto the bus. Malformed
// frames are logged and skipped so one bad client cannot take the
// bridge down.
func (br *Bridge) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := proto.DecodeBusMsg(data)
		if err != nil {
			log.Warnw("dropping malformed bus frame", "err", err)
			continue
		}
		evt, err := EventFromMsg(msg)
		if err != nil {
			log.Warnw("dropping bus frame", "err", err)
			continue
		}
		br.bus.Publish(evt)
	}
}

func (br *Bridge) detach(conn *websocket.Conn) {
	br.mu.Lock()
	if _, ok := br.conns[conn]; ok {
		delete(br.conns, conn)
		conn.Close()
	}
	br.mu.Unlock()
}

// Close drops all attached clients.
func (br *Bridge) Close() {
	br.mu.Lock()
	for conn := range br.conns {
		conn.Close()
	}
	br.conns = make(map[*websocket.Conn]struct{})
	br.mu.Unlock()
}
