package control

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mvdham/capcast/internal/media"
	"github.com/mvdham/capcast/internal/relay"
	"github.com/mvdham/capcast/internal/session"
)

// Capture ties the live device stream to the relay socket: it runs a
// recorder over the selector's device source and forwards the chunks.
type Capture struct {
	selector  *media.Selector
	store     *session.Store
	socketURL string
	interval  time.Duration

	mu  sync.Mutex
	rec *relay.Recorder
	fwd *relay.Forwarder
}

var ErrNoDevice = errors.New("control: no live device selected")

func NewCapture(selector *media.Selector, store *session.Store, socketURL string, interval time.Duration) *Capture {
	return &Capture{
		selector:  selector,
		store:     store,
		socketURL: socketURL,
		interval:  interval,
	}
}

// Start begins relaying the current device stream. The selector must
// already hold an open device; starting twice is a no-op.
func (c *Capture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rec != nil {
		return nil
	}
	src := c.selector.DeviceSource()
	if src == nil {
		return ErrNoDevice
	}

	fwd := relay.NewForwarder(c.socketURL)
	fwd.Start(context.Background())

	c.fwd = fwd
	c.rec = relay.NewRecorder(src, fwd, c.interval)

	if err := c.store.Set(session.KeyCapturing, "true"); err != nil {
		log.Errorw("persist capture flag", "err", err)
	}
	log.Infow("capture started", "socket", c.socketURL)
	return nil
}

// Stop ends the relay. The device stays open; it belongs to the
// selector. Stopping without a running capture is a no-op.
func (c *Capture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rec == nil {
		return
	}
	c.rec.Stop()
	c.fwd.Stop()

	log.Infow("capture stopped", "sent", c.fwd.Sent(), "dropped", c.fwd.Dropped())
	c.rec = nil
	c.fwd = nil

	if err := c.store.Set(session.KeyCapturing, "false"); err != nil {
		log.Errorw("persist capture flag", "err", err)
	}
}

// Active reports whether a capture is running.
func (c *Capture) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec != nil
}

// Stats returns sent and dropped chunk counts for the running capture.
func (c *Capture) Stats() (sent, dropped uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fwd == nil {
		return 0, 0
	}
	return c.fwd.Sent(), c.fwd.Dropped()
}
