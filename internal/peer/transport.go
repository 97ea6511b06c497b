// Package peer implements the client-side negotiation engine: one negotiator
// per remote participant, driving offer/answer exchange and trickle ICE over
// the signaling relay, with deterministic glare resolution.
package peer

import (
	"errors"

	"github.com/meetmesh/meetmesh/internal/signal"
)

// ErrClosed is returned when an operation is attempted on a negotiator whose
// transport has been torn down.
var ErrClosed = errors.New("negotiator closed")

// Description is a local/remote session description. Type is one of "offer",
// "answer", "pranswer" or "rollback"; SDP is empty for rollback.
type Description struct {
	Type string
	SDP  string
}

func rollbackDescription() Description {
	return Description{Type: "rollback"}
}

// Transport is the WebRTC surface a negotiator drives. The production
// implementation wraps a pion PeerConnection; tests substitute fakes.
//
// OnICECandidate must be registered before any description is set so no
// gathered candidate is missed.
type Transport interface {
	CreateOffer() (Description, error)
	CreateAnswer() (Description, error)
	SetLocalDescription(Description) error
	SetRemoteDescription(Description) error
	AddICECandidate(signal.Candidate) error
	OnICECandidate(func(signal.Candidate))
	Close() error
}

// Signaler delivers negotiation messages to a remote participant, addressed by
// its relay-assigned ref.
type Signaler interface {
	SendOffer(target string, sdp Description) error
	SendAnswer(target string, sdp Description) error
	SendCandidate(target string, cand signal.Candidate) error
}
