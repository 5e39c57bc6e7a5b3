// Message bus — fanout of coordination events between the control surface,
// the output canvas and the capture pipeline. Delivery inside the process
// is by subscriber channels; remote contexts attach over the websocket
// bridge and see the same stream.
package bus

import (
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/mvdham/capcast/internal/proto"
)

var log = logging.Logger("bus")

// Event is a published coordination event. Exactly one field set is
// meaningful per class.
type Event struct {
	Class string

	// Media-change payload.
	Kind    proto.SourceKind
	Locator string
}

// MediaChange builds a media-change event.
func MediaChange(kind proto.SourceKind, locator string) Event {
	return Event{Class: proto.ClassMediaChange, Kind: kind, Locator: locator}
}

// EndCall builds an end-call event.
func EndCall() Event {
	return Event{Class: proto.ClassEndCall}
}

// Msg returns the wire form of the event.
func (e Event) Msg() proto.BusMsg {
	switch e.Class {
	case proto.ClassMediaChange:
		return proto.BusMsg{Class: e.Class, URL: e.Locator, Type: e.Kind.Wire()}
	default:
		return proto.BusMsg{Class: e.Class}
	}
}

// EventFromMsg converts a decoded wire message back to an event.
func EventFromMsg(m proto.BusMsg) (Event, error) {
	if m.Class != proto.ClassMediaChange {
		return Event{Class: m.Class}, nil
	}
	kind, err := proto.ParseSourceKind(m.Type)
	if err != nil {
		return Event{}, err
	}
	return MediaChange(kind, m.URL), nil
}

// Bus fans events out to all current subscribers. Publish never blocks;
// a subscriber that stops draining loses events rather than stalling
// the publisher.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func New() *Bus {
	return &Bus{subs: make(map[chan Event]struct{})}
}

// Subscribe returns a channel that receives published events.
func (b *Bus) Subscribe() (ch chan Event, cancel func()) {
	ch = make(chan Event, 64)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel = func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber, including the one
// that triggered it. Full subscriber buffers drop the event.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			log.Warnw("subscriber buffer full, dropping event", "class", e.Class)
		}
	}
}

// Close removes and closes all subscribers. Publish after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	for ch := range b.subs {
		close(ch)
	}
	b.subs = make(map[chan Event]struct{})
	b.mu.Unlock()
}
