// Package call manages inbound WebRTC calls from a paired phone. The
// session host registers a fixed identity with a rendezvous service,
// hands out a join link as a QR code, and answers offers with Pion.
// Coupling to the signaling transport is via the Signaler interface
// only.
package call

import (
	"context"
	"encoding/json"
	"errors"
)

// LocalPeerID is the fixed identity the session host registers under.
// The phone page dials this ID from the join link.
const LocalPeerID = "desktop-ok"

// Rendezvous message types.
const (
	MsgOpen      = "OPEN"
	MsgError     = "ERROR"
	MsgIDTaken   = "ID-TAKEN"
	MsgOffer     = "OFFER"
	MsgAnswer    = "ANSWER"
	MsgCandidate = "CANDIDATE"
	MsgLeave     = "LEAVE"
	MsgExpire    = "EXPIRE"
	MsgHeartbeat = "HEARTBEAT"
)

// Envelope is one rendezvous protocol message.
type Envelope struct {
	Type    string          `json:"type"`
	Src     string          `json:"src,omitempty"`
	Dst     string          `json:"dst,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// OfferPayload carries the SDP and connection identity of an OFFER or
// ANSWER envelope.
type OfferPayload struct {
	SDP          json.RawMessage `json:"sdp,omitempty"`
	ConnectionID string          `json:"connectionId,omitempty"`
	Candidate    json.RawMessage `json:"candidate,omitempty"`
	Type         string          `json:"type,omitempty"`
}

// Signaler is the host's connection to the rendezvous service. Open
// registers the identity and returns the inbound message stream; the
// channel closes when the connection drops.
type Signaler interface {
	Open(ctx context.Context, id string) (<-chan Envelope, error)
	Send(env Envelope) error
	Close() error
}

// ErrIdentityTaken means another live host holds our peer ID. Terminal:
// retrying against an identity someone else owns only hammers the
// service.
var ErrIdentityTaken = errors.New("call: peer identity already taken")

// Retriable reports whether a registration failure is worth another
// attempt under the backoff policy. Transport failures are; a taken
// identity and a cancelled context are not.
func Retriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrIdentityTaken) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}
