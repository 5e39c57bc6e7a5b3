package call

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("call")

const (
	openTimeout       = 10 * time.Second
	heartbeatInterval = 5 * time.Second
)

// WSSignaler talks the PeerJS-style rendezvous protocol over a
// websocket. One instance can be opened repeatedly; each Open dials a
// fresh connection.
type WSSignaler struct {
	endpoint string // ws(s)://host:port/path
	key      string

	mu   sync.Mutex
	conn *websocket.Conn
	stop chan struct{}
}

// NewWSSignaler builds a signaler for the given websocket endpoint,
// e.g. "ws://signal.example:9000/myapp". key is the service API key;
// PeerJS servers default it to "peerjs".
func NewWSSignaler(endpoint, key string) *WSSignaler {
	if key == "" {
		key = "peerjs"
	}
	return &WSSignaler{endpoint: strings.TrimRight(endpoint, "/"), key: key}
}

// Open registers id with the service. It blocks until the service
// confirms with OPEN, then returns the inbound stream. ID-TAKEN and
// ERROR responses fail the registration.
func (s *WSSignaler) Open(ctx context.Context, id string) (<-chan Envelope, error) {
	u := fmt.Sprintf("%s/peerjs?key=%s&id=%s&token=%s",
		s.endpoint, url.QueryEscape(s.key), url.QueryEscape(id), uuid.NewString())

	dialer := websocket.Dialer{HandshakeTimeout: openTimeout}
	conn, _, err := dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("dial rendezvous: %w", err)
	}

	// The service answers the registration before anything else.
	conn.SetReadDeadline(time.Now().Add(openTimeout))
	var first Envelope
	if err := conn.ReadJSON(&first); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read registration reply: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	switch first.Type {
	case MsgOpen:
	case MsgIDTaken:
		conn.Close()
		return nil, ErrIdentityTaken
	case MsgError:
		conn.Close()
		if strings.Contains(strings.ToLower(string(first.Payload)), "taken") {
			return nil, ErrIdentityTaken
		}
		return nil, fmt.Errorf("rendezvous refused registration: %s", first.Payload)
	default:
		conn.Close()
		return nil, fmt.Errorf("unexpected registration reply %q", first.Type)
	}

	stop := make(chan struct{})
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.conn = conn
	s.stop = stop
	s.mu.Unlock()

	ch := make(chan Envelope, 16)
	go s.readLoop(conn, ch, stop)
	go s.heartbeatLoop(conn, stop)

	log.Infow("registered with rendezvous", "id", id)
	return ch, nil
}

// Send writes an envelope on the open connection.
func (s *WSSignaler) Send(env Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("signaler not open")
	}
	return s.conn.WriteJSON(env)
}

// Close drops the current connection, if any.
func (s *WSSignaler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		select {
		case <-s.stop:
		default:
			close(s.stop)
		}
		s.stop = nil
	}
	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}

func (s *WSSignaler) readLoop(conn *websocket.Conn, ch chan Envelope, stop chan struct{}) {
	defer close(ch)
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			select {
			case <-stop:
			default:
				log.Warnw("rendezvous connection lost", "err", err)
			}
			return
		}
		if env.Type == MsgHeartbeat {
			continue
		}
		select {
		case ch <- env:
		case <-stop:
			return
		}
	}
}

func (s *WSSignaler) heartbeatLoop(conn *websocket.Conn, stop chan struct{}) {
	t := time.NewTicker(heartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			s.mu.Lock()
			err := conn.WriteJSON(Envelope{Type: MsgHeartbeat})
			s.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
