package media

import (
	"errors"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/mvdham/capcast/internal/bus"
	"github.com/mvdham/capcast/internal/proto"
	"github.com/mvdham/capcast/internal/session"
)

var log = logging.Logger("media")

// LocatorScreen selects screen capture instead of the camera for the
// local live kind.
const LocatorScreen = "screen"

// Selection is the current output state.
type Selection struct {
	Kind    proto.SourceKind `json:"type"`
	Locator string           `json:"url"`
}

// Selector owns the media selection state machine. All transitions run
// on a single event loop, so ordering is strict even though device
// acquisition happens on side goroutines.
type Selector struct {
	bus     *bus.Bus
	store   *session.Store
	devices Devices
	calls   Calls

	cmds      chan func()
	done      chan struct{}
	cancelSub func()

	mu      sync.RWMutex
	current Selection
	devSrc  Source

	// gen invalidates in-flight device acquisitions. Bumped on every
	// transition; a stream arriving under an old gen is closed unused.
	gen uint64

	closeOnce sync.Once
}

// NewSelector builds a selector. calls may be nil until SetCalls is
// invoked; the call manager needs the selector first.
func NewSelector(b *bus.Bus, store *session.Store, devices Devices) *Selector {
	s := &Selector{
		bus:     b,
		store:   store,
		devices: devices,
		cmds:    make(chan func(), 16),
		done:    make(chan struct{}),
	}
	events, cancel := b.Subscribe()
	s.cancelSub = cancel
	go s.loop()
	go s.consume(events)
	return s
}

// consume drives the state machine from the bus, so a selection made
// in any attached context lands here. The selector's own announcements
// come back through this channel too; they hit the idempotent no-op
// paths and go no further.
func (s *Selector) consume(ch chan bus.Event) {
	for e := range ch {
		switch e.Class {
		case proto.ClassMediaChange:
			err := s.Select(e.Kind, e.Locator)
			if err != nil && !errors.Is(err, ErrSuperseded) && !errors.Is(err, ErrClosed) {
				log.Warnw("bus media change rejected", "kind", e.Kind.String(), "err", err)
			}
		case proto.ClassEndCall:
			if err := s.EndCall(); err != nil && !errors.Is(err, ErrClosed) {
				log.Warnw("bus end-call failed", "err", err)
			}
		}
	}
}

// SetCalls wires the peer call manager in after construction.
func (s *Selector) SetCalls(c Calls) {
	s.run(func() { s.calls = c })
}

func (s *Selector) loop() {
	for {
		select {
		case <-s.done:
			return
		case fn := <-s.cmds:
			fn()
		}
	}
}

// run executes fn on the loop and waits for it.
func (s *Selector) run(fn func()) error {
	doneCh := make(chan struct{})
	select {
	case s.cmds <- func() { fn(); close(doneCh) }:
	case <-s.done:
		return ErrClosed
	}
	select {
	case <-doneCh:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

// post queues fn without waiting. Used by async completions.
func (s *Selector) post(fn func()) {
	select {
	case s.cmds <- fn:
	case <-s.done:
	}
}

// Current returns the active selection.
func (s *Selector) Current() Selection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// DeviceSource returns the live local capture source, if any.
func (s *Selector) DeviceSource() Source {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.devSrc
}

// Select transitions to the given kind and locator. Selecting the
// state already shown is a no-op. Live-device kinds block until the
// device is acquired; a failed acquisition leaves the previous
// selection in place.
func (s *Selector) Select(kind proto.SourceKind, locator string) error {
	switch kind {
	case proto.SourceLocalCamera:
		return s.selectLocal(locator)
	case proto.SourceRemoteCamera:
		return s.run(func() { s.awaitRemote() })
	case proto.SourceNone:
		return s.run(func() { s.clearSelection() })
	default:
		return s.run(func() { s.selectStatic(kind, locator) })
	}
}

// SelectRemote switches the canvas to an inbound call stream. Called
// by the call manager once remote media is flowing. The local device,
// if open, is released; a call and the local camera never run together.
func (s *Selector) SelectRemote(locator string) error {
	return s.run(func() {
		if s.current.Kind == proto.SourceRemoteCamera && s.current.Locator == locator {
			return
		}
		s.closeDevice()
		s.apply(Selection{Kind: proto.SourceRemoteCamera, Locator: locator})
	})
}

// EndCall tears down the active call and announces it on the bus. With
// no call in progress it does nothing.
func (s *Selector) EndCall() error {
	return s.run(func() {
		if s.calls == nil || !s.calls.Active() {
			return
		}
		s.calls.Teardown()
		s.bus.Publish(bus.EndCall())
		if s.current.Kind == proto.SourceRemoteCamera {
			s.apply(Selection{Kind: proto.SourceNone})
		}
	})
}

// CallEnded is invoked by the call manager when the remote side hangs
// up or the connection dies while its stream is on the canvas.
func (s *Selector) CallEnded() {
	s.post(func() {
		if s.current.Kind == proto.SourceRemoteCamera {
			s.apply(Selection{Kind: proto.SourceNone})
		}
	})
}

// Close stops the loop and releases any open device.
func (s *Selector) Close() {
	s.closeOnce.Do(func() {
		s.cancelSub()
		s.run(func() { s.closeDevice() })
		close(s.done)
	})
}

// --- transitions, all on the loop goroutine ---

func (s *Selector) selectLocal(locator string) error {
	result := make(chan error, 1)

	err := s.run(func() {
		if s.current.Kind == proto.SourceLocalCamera && s.current.Locator == locator {
			result <- nil
			return
		}

		// The call goes down before the device comes up; both live
		// kinds must never hold hardware at once.
		s.hangUp()
		s.closeDevice()

		s.gen++
		gen := s.gen

		go func() {
			var src Source
			var err error
			if locator == LocatorScreen {
				src, err = s.devices.OpenScreen()
			} else {
				src, err = s.devices.OpenCamera()
			}

			s.post(func() {
				if gen != s.gen {
					// A newer selection won the race; this stream is stale.
					if src != nil {
						src.Close()
					}
					result <- ErrSuperseded
					return
				}
				if err != nil {
					log.Errorw("device acquisition failed", "locator", locator, "err", err)
					result <- fmt.Errorf("open device: %w", err)
					return
				}
				s.mu.Lock()
				s.devSrc = src
				s.mu.Unlock()
				s.apply(Selection{Kind: proto.SourceLocalCamera, Locator: locator})
				result <- nil
			})
		}()
	})
	if err != nil {
		return err
	}
	return <-result
}

func (s *Selector) selectStatic(kind proto.SourceKind, locator string) {
	if s.current.Kind == kind && s.current.Locator == locator {
		return
	}
	s.gen++
	s.hangUp()
	s.closeDevice()
	s.apply(Selection{Kind: kind, Locator: locator})
}

func (s *Selector) clearSelection() {
	if s.current.Kind == proto.SourceNone {
		return
	}
	s.gen++
	s.hangUp()
	s.closeDevice()
	s.apply(Selection{Kind: proto.SourceNone})
}

// awaitRemote arms the remote camera source: the device goes down, the
// call manager registers and puts the join code up, and the canvas
// waits for the phone. The manager cuts the stream over via
// SelectRemote once remote media flows.
func (s *Selector) awaitRemote() {
	if s.current.Kind == proto.SourceRemoteCamera {
		return
	}
	s.gen++
	s.closeDevice()
	if s.calls != nil {
		s.calls.Begin()
	}
	s.apply(Selection{Kind: proto.SourceRemoteCamera})
}

// hangUp releases the peer side before another source goes up. An
// armed but unanswered join flow is also stood down so the QR comes
// off screen.
func (s *Selector) hangUp() {
	if s.calls == nil {
		return
	}
	active := s.calls.Active()
	if active || s.current.Kind == proto.SourceRemoteCamera {
		s.calls.Teardown()
	}
	if active {
		s.bus.Publish(bus.EndCall())
	}
}

func (s *Selector) closeDevice() {
	s.mu.Lock()
	src := s.devSrc
	s.devSrc = nil
	s.mu.Unlock()
	if src != nil {
		src.Close()
	}
}

// apply commits a selection: in-memory state, durable state, then the
// bus announcement, in that order so restarts never see a selection
// the other contexts were not told about.
func (s *Selector) apply(sel Selection) {
	s.mu.Lock()
	s.current = sel
	s.mu.Unlock()

	if err := s.store.SetJSON(session.KeyStreamSource, sel); err != nil {
		log.Errorw("persist selection", "err", err)
	}
	s.bus.Publish(bus.MediaChange(sel.Kind, sel.Locator))
	log.Infow("selection changed", "kind", sel.Kind.String(), "locator", sel.Locator)
}
