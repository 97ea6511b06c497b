package peer

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/meetmesh/meetmesh/internal/signal"
)

// TransportFactory constructs a fresh transport for one remote participant.
type TransportFactory func() (Transport, error)

type ManagerConfig struct {
	Logger       *slog.Logger
	Signaler     Signaler
	NewTransport TransportFactory
}

// Manager owns one negotiator per remote participant in the current room.
//
// The offerer rule keeps simultaneous-join races convergent: a member that
// learns about a newcomer through presence-join offers; the newcomer learns
// about existing members through its welcome snapshot and waits to be
// offered to. When two members nevertheless offer to each other at once, the
// negotiators' glare rule settles it.
type Manager struct {
	log          *slog.Logger
	signaler     Signaler
	newTransport TransportFactory

	mu          sync.Mutex
	localRef    string
	negotiators map[string]*Negotiator
}

func NewManager(cfg ManagerConfig) *Manager {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:          log,
		signaler:     cfg.Signaler,
		newTransport: cfg.NewTransport,
		negotiators:  make(map[string]*Negotiator),
	}
}

// SetLocalRef records the relay-assigned ref from the welcome message. It
// must be set before any negotiation so politeness verdicts are stable.
func (m *Manager) SetLocalRef(ref string) {
	m.mu.Lock()
	m.localRef = ref
	m.mu.Unlock()
}

func (m *Manager) LocalRef() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.localRef
}

func (m *Manager) Negotiator(remote string) (*Negotiator, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.negotiators[remote]
	return n, ok
}

// Peers returns the refs with a live negotiator.
func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.negotiators))
	for ref := range m.negotiators {
		out = append(out, ref)
	}
	return out
}

// HandlePresenceJoin reacts to a newcomer by offering to it. A duplicate
// announcement for a peer we are already negotiating with is a no-op.
func (m *Manager) HandlePresenceJoin(remote string) error {
	n, created, err := m.ensure(remote)
	if err != nil {
		return err
	}
	if !created {
		return nil
	}
	if err := n.StartOffer(); err != nil {
		m.drop(remote, n)
		return err
	}
	return nil
}

// HandleOffer answers an incoming offer, creating the negotiator when the
// offer is the first contact with this peer.
func (m *Manager) HandleOffer(sender string, sdp Description) error {
	n, _, err := m.ensure(sender)
	if err != nil {
		return err
	}
	if err := n.HandleRemoteOffer(sdp); err != nil {
		m.drop(sender, n)
		return err
	}
	return nil
}

func (m *Manager) HandleAnswer(sender string, sdp Description) error {
	n, ok := m.Negotiator(sender)
	if !ok {
		m.log.Debug("dropping answer from unknown peer", "sender", sender)
		return nil
	}
	if err := n.HandleRemoteAnswer(sdp); err != nil {
		m.drop(sender, n)
		return err
	}
	return nil
}

// HandleCandidate buffers or applies a remote candidate. Broadcast candidates
// can precede the peer's offer, so an unknown sender still gets a negotiator
// to buffer into.
func (m *Manager) HandleCandidate(sender string, cand signal.Candidate) error {
	n, _, err := m.ensure(sender)
	if err != nil {
		return err
	}
	return n.HandleRemoteCandidate(cand)
}

// HandlePresenceLeave tears down the peer's negotiator. Idempotent: a second
// leave for the same ref is a no-op.
func (m *Manager) HandlePresenceLeave(remote string) {
	m.mu.Lock()
	n, ok := m.negotiators[remote]
	delete(m.negotiators, remote)
	m.mu.Unlock()
	if ok {
		_ = n.Close()
	}
}

// Renegotiate starts a new offer toward one peer, typically after replacing
// the outgoing video track for a screen share.
func (m *Manager) Renegotiate(remote string) error {
	n, ok := m.Negotiator(remote)
	if !ok {
		return fmt.Errorf("no negotiator for %q", remote)
	}
	if err := n.StartOffer(); err != nil {
		m.drop(remote, n)
		return err
	}
	return nil
}

// RenegotiateAll renegotiates with every connected peer, continuing past
// individual failures.
func (m *Manager) RenegotiateAll() {
	for _, ref := range m.Peers() {
		if err := m.Renegotiate(ref); err != nil {
			m.log.Warn("renegotiation failed", "remote", ref, "err", err)
		}
	}
}

// Close tears down every negotiator, typically on room leave or shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	negotiators := m.negotiators
	m.negotiators = make(map[string]*Negotiator)
	m.mu.Unlock()
	for _, n := range negotiators {
		_ = n.Close()
	}
}

// ensure returns the live negotiator for remote, creating one when none
// exists or the previous one has closed after a failure.
func (m *Manager) ensure(remote string) (n *Negotiator, created bool, err error) {
	m.mu.Lock()
	if existing, ok := m.negotiators[remote]; ok && !existing.Closed() {
		m.mu.Unlock()
		return existing, false, nil
	}
	localRef := m.localRef
	m.mu.Unlock()

	transport, err := m.newTransport()
	if err != nil {
		return nil, false, fmt.Errorf("create transport for %q: %w", remote, err)
	}
	n = NewNegotiator(NegotiatorConfig{
		Logger:    m.log,
		Transport: transport,
		Signaler:  m.signaler,
		LocalRef:  localRef,
		RemoteRef: remote,
	})

	m.mu.Lock()
	if existing, ok := m.negotiators[remote]; ok && !existing.Closed() {
		m.mu.Unlock()
		_ = n.Close()
		return existing, false, nil
	}
	m.negotiators[remote] = n
	m.mu.Unlock()
	return n, true, nil
}

// drop removes a failed negotiator so a later message can start fresh, but
// only when the map still points at the same instance.
func (m *Manager) drop(remote string, n *Negotiator) {
	m.mu.Lock()
	if m.negotiators[remote] == n {
		delete(m.negotiators, remote)
	}
	m.mu.Unlock()
	_ = n.Close()
}
