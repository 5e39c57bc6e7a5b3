package media

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mvdham/capcast/internal/bus"
	"github.com/mvdham/capcast/internal/proto"
	"github.com/mvdham/capcast/internal/session"
)

type fakeSource struct {
	closed atomic.Bool
	frames chan Frame
}

func newFakeSource() *fakeSource {
	return &fakeSource{frames: make(chan Frame)}
}

func (f *fakeSource) ReadFrame() (Frame, func(), error) {
	fr, ok := <-f.frames
	if !ok {
		return Frame{}, nil, ErrClosed
	}
	return fr, func() {}, nil
}

func (f *fakeSource) HasAudio() bool { return true }

func (f *fakeSource) Close() error {
	if f.closed.CompareAndSwap(false, true) {
		close(f.frames)
	}
	return nil
}

// fakeDevices hands out sources, optionally gated so a test can hold
// an acquisition in flight.
type fakeDevices struct {
	mu      sync.Mutex
	gate    chan struct{}
	err     error
	opened  []*fakeSource
	screens int
}

func (d *fakeDevices) open(screen bool) (Source, error) {
	if d.gate != nil {
		<-d.gate
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	src := newFakeSource()
	d.opened = append(d.opened, src)
	if screen {
		d.screens++
	}
	return src, nil
}

func (d *fakeDevices) OpenCamera() (Source, error) { return d.open(false) }
func (d *fakeDevices) OpenScreen() (Source, error) { return d.open(true) }

type fakeCalls struct {
	mu        sync.Mutex
	active    bool
	teardowns int
	begins    int
}

func (c *fakeCalls) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *fakeCalls) Begin() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.begins++
}

func (c *fakeCalls) Teardown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = false
	c.teardowns++
}

func (c *fakeCalls) counts() (teardowns, begins int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.teardowns, c.begins
}

func newTestSelector(t *testing.T, devices Devices) (*Selector, *bus.Bus, *session.Store) {
	t.Helper()
	store, err := session.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	b := bus.New()
	t.Cleanup(b.Close)

	s := NewSelector(b, store, devices)
	t.Cleanup(s.Close)
	return s, b, store
}

func drainUntil(t *testing.T, ch chan bus.Event, class string) bus.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Class == class {
				return e
			}
		case <-deadline:
			t.Fatalf("no %s event", class)
		}
	}
}

func TestSelectStaticPublishesAndPersists(t *testing.T) {
	s, b, store := newTestSelector(t, &fakeDevices{})
	ch, cancel := b.Subscribe()
	defer cancel()

	if err := s.Select(proto.SourceVideoFile, "local:cat.mp4:1"); err != nil {
		t.Fatal(err)
	}

	e := drainUntil(t, ch, proto.ClassMediaChange)
	if e.Kind != proto.SourceVideoFile || e.Locator != "local:cat.mp4:1" {
		t.Fatalf("event %+v", e)
	}

	raw, err := store.Get(session.KeyStreamSource)
	if err != nil {
		t.Fatal(err)
	}
	var sel Selection
	if err := json.Unmarshal([]byte(raw), &sel); err != nil {
		t.Fatal(err)
	}
	if sel.Kind != proto.SourceVideoFile || sel.Locator != "local:cat.mp4:1" {
		t.Fatalf("persisted %+v", sel)
	}
}

func TestSelectSameStateIsNoop(t *testing.T) {
	s, b, _ := newTestSelector(t, &fakeDevices{})

	if err := s.Select(proto.SourceImageFile, "local:a.png:1"); err != nil {
		t.Fatal(err)
	}

	ch, cancel := b.Subscribe()
	defer cancel()
	if err := s.Select(proto.SourceImageFile, "local:a.png:1"); err != nil {
		t.Fatal(err)
	}

	select {
	case e := <-ch:
		t.Fatalf("repeat selection published %+v", e)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSelectLocalOpensDevice(t *testing.T) {
	devices := &fakeDevices{}
	s, _, _ := newTestSelector(t, devices)

	if err := s.Select(proto.SourceLocalCamera, ""); err != nil {
		t.Fatal(err)
	}
	if s.DeviceSource() == nil {
		t.Fatal("no device source after local selection")
	}
	if len(devices.opened) != 1 || devices.screens != 0 {
		t.Fatalf("opened %d (screens %d)", len(devices.opened), devices.screens)
	}

	// Screen locator picks the other device.
	if err := s.Select(proto.SourceLocalCamera, LocatorScreen); err != nil {
		t.Fatal(err)
	}
	if devices.screens != 1 {
		t.Fatalf("screen not opened, %d", devices.screens)
	}
	// The camera source was released on the switch.
	if !devices.opened[0].closed.Load() {
		t.Fatal("previous device left open")
	}
}

func TestSelectLocalFailureKeepsState(t *testing.T) {
	devices := &fakeDevices{err: errors.New("camera unplugged")}
	s, _, _ := newTestSelector(t, devices)

	if err := s.Select(proto.SourceVideoFile, "local:cat.mp4:1"); err != nil {
		t.Fatal(err)
	}
	if err := s.Select(proto.SourceLocalCamera, ""); err == nil {
		t.Fatal("expected device error")
	}

	cur := s.Current()
	if cur.Kind != proto.SourceVideoFile || cur.Locator != "local:cat.mp4:1" {
		t.Fatalf("state after denial %+v", cur)
	}
}

func TestLateDeviceStreamDiscarded(t *testing.T) {
	gate := make(chan struct{})
	devices := &fakeDevices{gate: gate}
	s, _, _ := newTestSelector(t, devices)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Select(proto.SourceLocalCamera, "") }()

	// While the camera is still opening, the operator picks a file.
	time.Sleep(50 * time.Millisecond)
	if err := s.Select(proto.SourceImageFile, "local:logo.png:1"); err != nil {
		t.Fatal(err)
	}
	close(gate)

	if err := <-errCh; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("late acquisition: %v", err)
	}

	cur := s.Current()
	if cur.Kind != proto.SourceImageFile {
		t.Fatalf("late stream overwrote state: %+v", cur)
	}
	if s.DeviceSource() != nil {
		t.Fatal("stale device source installed")
	}
	devices.mu.Lock()
	defer devices.mu.Unlock()
	if len(devices.opened) == 1 && !devices.opened[0].closed.Load() {
		t.Fatal("stale stream not closed")
	}
}

func TestLocalCameraHangsUpCall(t *testing.T) {
	devices := &fakeDevices{}
	calls := &fakeCalls{active: true}
	s, b, _ := newTestSelector(t, devices)
	s.SetCalls(calls)

	ch, cancel := b.Subscribe()
	defer cancel()

	if err := s.Select(proto.SourceLocalCamera, ""); err != nil {
		t.Fatal(err)
	}

	if n, _ := calls.counts(); n != 1 {
		t.Fatalf("teardowns %d", n)
	}
	// End-call goes out before the media change.
	drainUntil(t, ch, proto.ClassEndCall)
	e := drainUntil(t, ch, proto.ClassMediaChange)
	if e.Kind != proto.SourceLocalCamera {
		t.Fatalf("media change %+v", e)
	}
}

func TestStaticSelectionHangsUpCall(t *testing.T) {
	calls := &fakeCalls{active: true}
	s, b, _ := newTestSelector(t, &fakeDevices{})
	s.SetCalls(calls)

	if err := s.SelectRemote("phone-1"); err != nil {
		t.Fatal(err)
	}

	ch, cancel := b.Subscribe()
	defer cancel()

	// Cutting to a file while the phone is live ends the call.
	if err := s.Select(proto.SourceVideoFile, "local:cat.mp4:1"); err != nil {
		t.Fatal(err)
	}
	if n, _ := calls.counts(); n != 1 {
		t.Fatalf("teardowns %d", n)
	}
	drainUntil(t, ch, proto.ClassEndCall)
	e := drainUntil(t, ch, proto.ClassMediaChange)
	if e.Kind != proto.SourceVideoFile {
		t.Fatalf("media change %+v", e)
	}
	if cur := s.Current(); cur.Kind != proto.SourceVideoFile {
		t.Fatalf("state %+v", cur)
	}
}

func TestClearSelectionHangsUpCall(t *testing.T) {
	calls := &fakeCalls{active: true}
	s, b, _ := newTestSelector(t, &fakeDevices{})
	s.SetCalls(calls)

	if err := s.SelectRemote("phone-1"); err != nil {
		t.Fatal(err)
	}

	ch, cancel := b.Subscribe()
	defer cancel()

	if err := s.Select(proto.SourceNone, ""); err != nil {
		t.Fatal(err)
	}
	if n, _ := calls.counts(); n != 1 {
		t.Fatalf("teardowns %d", n)
	}
	drainUntil(t, ch, proto.ClassEndCall)
	e := drainUntil(t, ch, proto.ClassMediaChange)
	if e.Kind != proto.SourceNone {
		t.Fatalf("media change %+v", e)
	}
}

func TestRemoteSelectionReleasesDevice(t *testing.T) {
	devices := &fakeDevices{}
	s, _, _ := newTestSelector(t, devices)

	if err := s.Select(proto.SourceLocalCamera, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.SelectRemote("phone-1"); err != nil {
		t.Fatal(err)
	}
	if s.DeviceSource() != nil {
		t.Fatal("device survived remote selection")
	}
	if !devices.opened[0].closed.Load() {
		t.Fatal("device source not closed")
	}
	cur := s.Current()
	if cur.Kind != proto.SourceRemoteCamera || cur.Locator != "phone-1" {
		t.Fatalf("state %+v", cur)
	}
}

func TestEndCallWithoutCallIsNoop(t *testing.T) {
	calls := &fakeCalls{}
	s, b, _ := newTestSelector(t, &fakeDevices{})
	s.SetCalls(calls)

	ch, cancel := b.Subscribe()
	defer cancel()

	if err := s.EndCall(); err != nil {
		t.Fatal(err)
	}
	if n, _ := calls.counts(); n != 0 {
		t.Fatal("teardown without a call")
	}
	select {
	case e := <-ch:
		t.Fatalf("published %+v with no call", e)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestEndCallClearsRemoteSelection(t *testing.T) {
	calls := &fakeCalls{active: true}
	s, b, _ := newTestSelector(t, &fakeDevices{})
	s.SetCalls(calls)

	if err := s.SelectRemote("phone-1"); err != nil {
		t.Fatal(err)
	}

	ch, cancel := b.Subscribe()
	defer cancel()

	if err := s.EndCall(); err != nil {
		t.Fatal(err)
	}
	if n, _ := calls.counts(); n != 1 {
		t.Fatalf("teardowns %d", n)
	}
	drainUntil(t, ch, proto.ClassEndCall)
	e := drainUntil(t, ch, proto.ClassMediaChange)
	if e.Kind != proto.SourceNone {
		t.Fatalf("canvas not cleared: %+v", e)
	}
}

func waitForSelection(t *testing.T, s *Selector, kind proto.SourceKind, locator string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		cur := s.Current()
		if cur.Kind == kind && cur.Locator == locator {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("selection never became %v %q, have %+v", kind, locator, s.Current())
}

func TestBusMediaChangeDrivesSelector(t *testing.T) {
	s, b, _ := newTestSelector(t, &fakeDevices{})

	// A selection made in another context arrives over the bus only.
	b.Publish(bus.MediaChange(proto.SourceVideoFile, "local:cat.mp4:1"))
	waitForSelection(t, s, proto.SourceVideoFile, "local:cat.mp4:1")

	b.Publish(bus.MediaChange(proto.SourceNone, ""))
	waitForSelection(t, s, proto.SourceNone, "")
}

func TestBusEndCallDrivesSelector(t *testing.T) {
	calls := &fakeCalls{active: true}
	s, b, _ := newTestSelector(t, &fakeDevices{})
	s.SetCalls(calls)

	if err := s.SelectRemote("phone-1"); err != nil {
		t.Fatal(err)
	}

	b.Publish(bus.EndCall())
	waitForSelection(t, s, proto.SourceNone, "")
	if n, _ := calls.counts(); n != 1 {
		t.Fatalf("teardowns %d", n)
	}
}

func TestRemoteSelectionArmsJoinFlow(t *testing.T) {
	calls := &fakeCalls{}
	s, b, _ := newTestSelector(t, &fakeDevices{})
	s.SetCalls(calls)

	ch, cancel := b.Subscribe()
	defer cancel()

	if err := s.Select(proto.SourceRemoteCamera, ""); err != nil {
		t.Fatal(err)
	}
	if _, n := calls.counts(); n != 1 {
		t.Fatalf("begins %d", n)
	}
	e := drainUntil(t, ch, proto.ClassMediaChange)
	if e.Kind != proto.SourceRemoteCamera {
		t.Fatalf("media change %+v", e)
	}

	// Re-selecting while armed does not re-arm.
	if err := s.Select(proto.SourceRemoteCamera, ""); err != nil {
		t.Fatal(err)
	}
	if _, n := calls.counts(); n != 1 {
		t.Fatalf("begins after repeat %d", n)
	}
}

func TestCallEndedClearsOnlyRemote(t *testing.T) {
	s, _, _ := newTestSelector(t, &fakeDevices{})

	if err := s.Select(proto.SourceVideoFile, "local:cat.mp4:1"); err != nil {
		t.Fatal(err)
	}
	s.CallEnded()

	// CallEnded is async; give the loop a beat.
	time.Sleep(100 * time.Millisecond)
	if cur := s.Current(); cur.Kind != proto.SourceVideoFile {
		t.Fatalf("static selection clobbered: %+v", cur)
	}

	if err := s.SelectRemote("phone-1"); err != nil {
		t.Fatal(err)
	}
	s.CallEnded()
	time.Sleep(100 * time.Millisecond)
	if cur := s.Current(); cur.Kind != proto.SourceNone {
		t.Fatalf("remote not cleared: %+v", cur)
	}
}
