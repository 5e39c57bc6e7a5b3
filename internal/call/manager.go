package call

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	capmedia "github.com/mvdham/capcast/internal/media"
	"github.com/mvdham/capcast/internal/session"
)

// State is the manager's registration/call lifecycle phase.
type State int

const (
	StateIdle State = iota
	StateRegistering
	StateRetrying
	StateAwaitingCall
	StateOnCall
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRegistering:
		return "registering"
	case StateRetrying:
		return "retrying"
	case StateAwaitingCall:
		return "awaiting-call"
	case StateOnCall:
		return "on-call"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// callSession is what the manager needs from a Session. Indirected so
// tests can substitute a fake.
type callSession interface {
	HandleOffer(OfferPayload) error
	HandleCandidate(OfferPayload) error
	Source() capmedia.Source
	Close()
}

// Manager registers the host identity with the rendezvous service,
// publishes the join QR code, and answers inbound calls. At most one
// call is live at a time; a second caller takes the line over.
type Manager struct {
	sig       Signaler
	store     *session.Store
	selector  *capmedia.Selector
	publicURL string
	policy    Policy

	mu       sync.Mutex
	state    State
	sess     callSession
	remoteID string
	cancel   context.CancelFunc
	baseCtx  context.Context

	// Session factory, replaced in tests.
	newSess func(remoteID string, send func(Envelope) error, onStream func(capmedia.Source), onClose func()) (callSession, error)

	wg sync.WaitGroup
}

// New builds a manager and wires it into the selector as its call
// backend.
func New(sig Signaler, store *session.Store, selector *capmedia.Selector, publicURL string) *Manager {
	m := &Manager{
		sig:       sig,
		store:     store,
		selector:  selector,
		publicURL: publicURL,
		policy:    DefaultPolicy,
		newSess: func(remoteID string, send func(Envelope) error, onStream func(capmedia.Source), onClose func()) (callSession, error) {
			return newSession(remoteID, send, onStream, onClose)
		},
	}
	selector.SetCalls(m)
	return m
}

// Bind stores the lifecycle context that later registrations run
// under. Registration itself waits for the operator to pick the remote
// camera source.
func (m *Manager) Bind(ctx context.Context) {
	m.mu.Lock()
	m.baseCtx = ctx
	m.mu.Unlock()
}

// Begin puts the join flow on screen. An idle or failed manager
// (re)starts registration; one already awaiting a call republishes the
// QR code. Driven by the remote-camera selection.
func (m *Manager) Begin() {
	m.mu.Lock()
	st := m.state
	ctx := m.baseCtx
	m.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	switch st {
	case StateIdle, StateFailed:
		m.Setup(ctx)
	case StateAwaitingCall:
		m.publishQR()
	}
}

// Setup starts registration in the background. Registration failures
// back off exponentially; once the policy is exhausted the manager
// parks in StateFailed until registration is requested again.
func (m *Manager) Setup(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(ctx)
	}()
}

// State returns the current lifecycle phase.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Active reports whether a call session is live.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess != nil
}

// RemoteStream returns the active call's media source, or nil.
func (m *Manager) RemoteStream() capmedia.Source {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return nil
	}
	return m.sess.Source()
}

// Teardown hangs up the active call and takes the join code down.
// Leaving the remote-camera source always clears the QR; it comes back
// only when the operator selects the source again.
func (m *Manager) Teardown() {
	m.mu.Lock()
	sess := m.sess
	m.sess = nil
	m.remoteID = ""
	onCall := m.state == StateOnCall
	m.mu.Unlock()

	m.clearQR()
	if sess == nil {
		return
	}
	sess.Close()
	if onCall {
		m.setState(StateAwaitingCall)
	}
}

// Shutdown stops registration and hangs up.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.mu.Unlock()

	m.Teardown()
	m.sig.Close()
	m.wg.Wait()
}

func (m *Manager) run(ctx context.Context) {
	retry := NewRetry(m.policy)

	for {
		m.setState(StateRegistering)
		ch, err := m.sig.Open(ctx, LocalPeerID)
		if err != nil {
			if !Retriable(err) {
				m.fail()
				return
			}
			delay, ok := retry.Next()
			if !ok {
				log.Errorw("registration failed permanently", "attempts", retry.Attempt(), "err", err)
				m.fail()
				return
			}
			log.Warnw("registration failed, retrying", "delay", delay, "err", err)
			m.setState(StateRetrying)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		retry.Reset()
		m.publishQR()
		m.setState(StateAwaitingCall)

		m.serve(ctx, ch)

		m.clearQR()
		if ctx.Err() != nil {
			m.setState(StateIdle)
			return
		}
		log.Warnw("rendezvous connection dropped, re-registering")
	}
}

// serve consumes envelopes until the connection drops or ctx ends.
func (m *Manager) serve(ctx context.Context, ch <-chan Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			m.dispatch(env)
		}
	}
}

func (m *Manager) dispatch(env Envelope) {
	switch env.Type {
	case MsgOffer:
		m.handleOffer(env)
	case MsgCandidate:
		m.mu.Lock()
		sess, remote := m.sess, m.remoteID
		m.mu.Unlock()
		if sess == nil || env.Src != remote {
			return
		}
		var p OfferPayload
		if err := decodePayload(env, &p); err != nil {
			return
		}
		if err := sess.HandleCandidate(p); err != nil {
			log.Warnw("add candidate failed", "err", err)
		}
	case MsgLeave, MsgExpire:
		m.mu.Lock()
		match := m.sess != nil && env.Src == m.remoteID
		m.mu.Unlock()
		if match {
			log.Infow("remote peer left", "remote", env.Src)
			m.Teardown()
		}
	}
}

func (m *Manager) handleOffer(env Envelope) {
	var p OfferPayload
	if err := decodePayload(env, &p); err != nil {
		log.Warnw("malformed offer", "err", err)
		return
	}

	// Only media offers carry SDP; data-channel offers are ignored.
	if len(p.SDP) == 0 {
		return
	}

	// A new caller takes the line over from an existing one.
	m.mu.Lock()
	prev := m.sess
	m.sess = nil
	m.mu.Unlock()
	if prev != nil {
		log.Infow("replacing active call", "new", env.Src)
		prev.Close()
	}

	remoteID := env.Src
	send := m.sig.Send
	sess, err := m.newSess(remoteID, send,
		func(src capmedia.Source) { m.onStream(remoteID) },
		func() { m.onSessionClosed(remoteID) },
	)
	if err != nil {
		log.Errorw("create call session", "remote", remoteID, "err", err)
		return
	}

	m.mu.Lock()
	m.sess = sess
	m.remoteID = remoteID
	m.mu.Unlock()
	m.setState(StateOnCall)

	if err := sess.HandleOffer(p); err != nil {
		log.Errorw("answer offer", "remote", remoteID, "err", err)
		m.Teardown()
	}
}

// onStream fires when the first remote video frame decodes: the canvas
// cuts over to the call and the join code comes down.
func (m *Manager) onStream(remoteID string) {
	m.clearQR()
	if err := m.selector.SelectRemote(remoteID); err != nil {
		log.Errorw("switch canvas to call", "err", err)
	}
}

func (m *Manager) onSessionClosed(remoteID string) {
	m.mu.Lock()
	mine := m.remoteID == remoteID
	if mine {
		m.sess = nil
		m.remoteID = ""
	}
	m.mu.Unlock()
	if !mine {
		return
	}

	m.selector.CallEnded()
	m.setState(StateAwaitingCall)
	m.clearQR()
}

func (m *Manager) publishQR() {
	link := JoinLink(m.publicURL, LocalPeerID)
	data, err := QRDataURL(link)
	if err != nil {
		log.Errorw("render join code", "err", err)
		return
	}
	if err := m.store.Set(session.KeyQRCode, data); err != nil {
		log.Errorw("store join code", "err", err)
	}
}

func (m *Manager) clearQR() {
	if err := m.store.Set(session.KeyQRCode, ""); err != nil {
		log.Errorw("clear join code", "err", err)
	}
}

func (m *Manager) fail() {
	m.clearQR()
	m.setState(StateFailed)
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func decodePayload(env Envelope, out *OfferPayload) error {
	if len(env.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(env.Payload, out)
}
