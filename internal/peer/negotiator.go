package peer

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/meetmesh/meetmesh/internal/signal"
)

// State tracks where a negotiator is in the offer/answer exchange.
type State int

const (
	StateIdle State = iota
	StateOfferPending
	StateAwaitingAnswer
	StateAnsweringOffer
	StateStable
	StateRenegotiating
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOfferPending:
		return "offer-pending"
	case StateAwaitingAnswer:
		return "awaiting-answer"
	case StateAnsweringOffer:
		return "answering-offer"
	case StateStable:
		return "stable"
	case StateRenegotiating:
		return "renegotiating"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type NegotiatorConfig struct {
	Logger    *slog.Logger
	Transport Transport
	Signaler  Signaler

	LocalRef  string
	RemoteRef string
}

// Negotiator drives the offer/answer exchange with one remote participant.
//
// Glare (both sides offering at once) is resolved by comparing refs: the side
// with the lexicographically larger ref is polite and rolls its own offer
// back to accept the remote one; the smaller side ignores the colliding offer
// and waits for its answer. Both sides derive the same verdict from the same
// pair of refs, so exactly one offer survives.
//
// Remote ICE candidates arriving before the remote description are buffered
// and applied in arrival order once it is set.
type Negotiator struct {
	log       *slog.Logger
	transport Transport
	signaler  Signaler

	localRef  string
	remoteRef string
	polite    bool

	mu         sync.Mutex
	state      State
	haveRemote bool
	pending    []signal.Candidate
}

func NewNegotiator(cfg NegotiatorConfig) *Negotiator {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	n := &Negotiator{
		log:       log.With("remote", cfg.RemoteRef),
		transport: cfg.Transport,
		signaler:  cfg.Signaler,
		localRef:  cfg.LocalRef,
		remoteRef: cfg.RemoteRef,
		polite:    cfg.LocalRef > cfg.RemoteRef,
		state:     StateIdle,
	}

	n.transport.OnICECandidate(func(cand signal.Candidate) {
		if err := n.signaler.SendCandidate(n.remoteRef, cand); err != nil {
			n.log.Debug("failed to send local candidate", "err", err)
		}
	})

	return n
}

func (n *Negotiator) RemoteRef() string { return n.remoteRef }

func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *Negotiator) Closed() bool {
	return n.State() == StateClosed
}

// StartOffer creates and sends an offer. From StateStable this is a
// renegotiation (track changes such as starting a screen share); an offer
// already in flight makes it a no-op.
func (n *Negotiator) StartOffer() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch n.state {
	case StateClosed:
		return ErrClosed
	case StateOfferPending, StateAwaitingAnswer, StateRenegotiating, StateAnsweringOffer:
		return nil
	}

	renegotiating := n.state == StateStable
	n.state = StateOfferPending

	offer, err := n.transport.CreateOffer()
	if err != nil {
		return n.failLocked(fmt.Errorf("create offer: %w", err))
	}
	if err := n.transport.SetLocalDescription(offer); err != nil {
		return n.failLocked(fmt.Errorf("set local offer: %w", err))
	}
	if renegotiating {
		n.state = StateRenegotiating
	} else {
		n.state = StateAwaitingAnswer
	}
	if err := n.signaler.SendOffer(n.remoteRef, offer); err != nil {
		return n.failLocked(fmt.Errorf("send offer: %w", err))
	}
	return nil
}

// HandleRemoteOffer applies an incoming offer and responds with an answer.
func (n *Negotiator) HandleRemoteOffer(remote Description) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch n.state {
	case StateClosed:
		return ErrClosed
	case StateAwaitingAnswer, StateRenegotiating:
		if !n.polite {
			n.log.Debug("ignoring colliding offer", "state", n.state)
			return nil
		}
		if err := n.transport.SetLocalDescription(rollbackDescription()); err != nil {
			return n.failLocked(fmt.Errorf("rollback local offer: %w", err))
		}
	}

	n.state = StateAnsweringOffer

	if err := n.transport.SetRemoteDescription(remote); err != nil {
		return n.failLocked(fmt.Errorf("set remote offer: %w", err))
	}
	n.haveRemote = true
	n.flushCandidatesLocked()

	answer, err := n.transport.CreateAnswer()
	if err != nil {
		return n.failLocked(fmt.Errorf("create answer: %w", err))
	}
	if err := n.transport.SetLocalDescription(answer); err != nil {
		return n.failLocked(fmt.Errorf("set local answer: %w", err))
	}
	n.state = StateStable
	if err := n.signaler.SendAnswer(n.remoteRef, answer); err != nil {
		return n.failLocked(fmt.Errorf("send answer: %w", err))
	}
	return nil
}

// HandleRemoteAnswer completes an exchange this side started. Answers that
// don't match an offer in flight (for example after a glare rollback) are
// dropped.
func (n *Negotiator) HandleRemoteAnswer(remote Description) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch n.state {
	case StateClosed:
		return ErrClosed
	case StateAwaitingAnswer, StateRenegotiating:
	default:
		n.log.Debug("dropping unsolicited answer", "state", n.state)
		return nil
	}

	if err := n.transport.SetRemoteDescription(remote); err != nil {
		return n.failLocked(fmt.Errorf("set remote answer: %w", err))
	}
	n.haveRemote = true
	n.flushCandidatesLocked()
	n.state = StateStable
	return nil
}

// HandleRemoteCandidate applies or buffers a remote ICE candidate. Candidate
// failures are not fatal to the connection; the remaining candidate pairs can
// still succeed.
func (n *Negotiator) HandleRemoteCandidate(cand signal.Candidate) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state == StateClosed {
		return ErrClosed
	}
	if !n.haveRemote {
		n.pending = append(n.pending, cand)
		return nil
	}
	if err := n.transport.AddICECandidate(cand); err != nil {
		n.log.Debug("failed to add remote candidate", "err", err)
	}
	return nil
}

func (n *Negotiator) flushCandidatesLocked() {
	for _, cand := range n.pending {
		if err := n.transport.AddICECandidate(cand); err != nil {
			n.log.Debug("failed to add buffered candidate", "err", err)
		}
	}
	n.pending = nil
}

// failLocked tears down the transport after an unrecoverable negotiation
// error. Only this negotiator is affected; other peer connections keep
// running.
func (n *Negotiator) failLocked(err error) error {
	n.log.Warn("negotiation failed", "err", err, "state", n.state)
	_ = n.closeLocked()
	return err
}

// Close is idempotent.
func (n *Negotiator) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closeLocked()
}

func (n *Negotiator) closeLocked() error {
	if n.state == StateClosed {
		return nil
	}
	n.state = StateClosed
	n.pending = nil
	return n.transport.Close()
}
