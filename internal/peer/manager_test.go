package peer

import (
	"fmt"
	"sync"
	"testing"

	"github.com/meetmesh/meetmesh/internal/signal"
)

type countingFactory struct {
	mu         sync.Mutex
	calls      int
	transports []*fakeTransport
	failOps    []string // failOp for the nth transport, "" for none
}

func (f *countingFactory) factory() TransportFactory {
	return func() (Transport, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		ft := &fakeTransport{}
		if f.calls < len(f.failOps) {
			ft.failOp = f.failOps[f.calls]
		}
		f.calls++
		f.transports = append(f.transports, ft)
		return ft, nil
	}
}

func (f *countingFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestManager(t *testing.T) (*Manager, *countingFactory, *captureSignaler) {
	t.Helper()
	cf := &countingFactory{}
	sig := &captureSignaler{}
	m := NewManager(ManagerConfig{
		Signaler:     sig,
		NewTransport: cf.factory(),
	})
	m.SetLocalRef("aaa")
	return m, cf, sig
}

func TestPresenceJoinStartsOffer(t *testing.T) {
	m, cf, sig := newTestManager(t)

	if err := m.HandlePresenceJoin("bbb"); err != nil {
		t.Fatalf("HandlePresenceJoin: %v", err)
	}
	if cf.count() != 1 {
		t.Errorf("created %d transports, want 1", cf.count())
	}
	msgs := sig.messages()
	if len(msgs) != 1 || msgs[0].kind != "offer" || msgs[0].target != "bbb" {
		t.Fatalf("sent %+v, want one offer to bbb", msgs)
	}

	n, ok := m.Negotiator("bbb")
	if !ok || n.State() != StateAwaitingAnswer {
		t.Errorf("negotiator missing or in wrong state")
	}
}

func TestDuplicatePresenceJoinReusesNegotiator(t *testing.T) {
	m, cf, sig := newTestManager(t)

	if err := m.HandlePresenceJoin("bbb"); err != nil {
		t.Fatalf("first join: %v", err)
	}
	if err := m.HandlePresenceJoin("bbb"); err != nil {
		t.Fatalf("second join: %v", err)
	}
	if cf.count() != 1 {
		t.Errorf("created %d transports, want 1", cf.count())
	}
	if got := len(sig.messages()); got != 1 {
		t.Errorf("sent %d messages, want 1 offer", got)
	}
}

func TestIncomingOfferCreatesAnswerer(t *testing.T) {
	m, _, sig := newTestManager(t)

	if err := m.HandleOffer("bbb", Description{Type: "offer", SDP: "sdp"}); err != nil {
		t.Fatalf("HandleOffer: %v", err)
	}
	msgs := sig.messages()
	if len(msgs) != 1 || msgs[0].kind != "answer" {
		t.Fatalf("sent %+v, want one answer", msgs)
	}
	n, ok := m.Negotiator("bbb")
	if !ok || n.State() != StateStable {
		t.Error("answerer negotiator missing or not stable")
	}
}

func TestCandidateBeforeOfferIsBuffered(t *testing.T) {
	m, cf, _ := newTestManager(t)

	if err := m.HandleCandidate("bbb", signal.Candidate{Candidate: "early"}); err != nil {
		t.Fatalf("HandleCandidate: %v", err)
	}
	if cf.count() != 1 {
		t.Fatalf("created %d transports, want 1", cf.count())
	}
	ft := cf.transports[0]
	if containsOp(ft.opList(), "AddCandidate:early") {
		t.Fatal("candidate applied before any remote description")
	}

	if err := m.HandleOffer("bbb", Description{Type: "offer", SDP: "sdp"}); err != nil {
		t.Fatalf("HandleOffer: %v", err)
	}
	if !containsOp(ft.opList(), "AddCandidate:early") {
		t.Error("buffered candidate not flushed on offer")
	}
}

func TestAnswerFromUnknownPeerDropped(t *testing.T) {
	m, cf, _ := newTestManager(t)

	if err := m.HandleAnswer("nobody", Description{Type: "answer", SDP: "sdp"}); err != nil {
		t.Fatalf("HandleAnswer: %v", err)
	}
	if cf.count() != 0 {
		t.Errorf("created %d transports for an unknown answer, want 0", cf.count())
	}
}

func TestPresenceLeaveIsIdempotent(t *testing.T) {
	m, cf, _ := newTestManager(t)

	if err := m.HandlePresenceJoin("bbb"); err != nil {
		t.Fatalf("HandlePresenceJoin: %v", err)
	}
	m.HandlePresenceLeave("bbb")
	m.HandlePresenceLeave("bbb")

	ft := cf.transports[0]
	if ft.closeCount != 1 {
		t.Errorf("transport closed %d times, want 1", ft.closeCount)
	}
	if _, ok := m.Negotiator("bbb"); ok {
		t.Error("negotiator still present after leave")
	}
}

func TestFailedNegotiatorReplacedOnNextOffer(t *testing.T) {
	cf := &countingFactory{failOps: []string{"CreateAnswer", ""}}
	sig := &captureSignaler{}
	m := NewManager(ManagerConfig{Signaler: sig, NewTransport: cf.factory()})
	m.SetLocalRef("aaa")

	if err := m.HandleOffer("bbb", Description{Type: "offer", SDP: "sdp"}); err == nil {
		t.Fatal("HandleOffer succeeded despite injected failure")
	}
	if _, ok := m.Negotiator("bbb"); ok {
		t.Fatal("failed negotiator still registered")
	}

	if err := m.HandleOffer("bbb", Description{Type: "offer", SDP: "sdp"}); err != nil {
		t.Fatalf("second HandleOffer: %v", err)
	}
	if cf.count() != 2 {
		t.Errorf("created %d transports, want 2", cf.count())
	}
	n, ok := m.Negotiator("bbb")
	if !ok || n.State() != StateStable {
		t.Error("replacement negotiator missing or not stable")
	}
}

func TestRenegotiateAll(t *testing.T) {
	m, _, sig := newTestManager(t)

	for _, ref := range []string{"bbb", "ccc"} {
		if err := m.HandleOffer(ref, Description{Type: "offer", SDP: "sdp"}); err != nil {
			t.Fatalf("HandleOffer(%s): %v", ref, err)
		}
	}

	m.RenegotiateAll()

	var offers int
	for _, msg := range sig.messages() {
		if msg.kind == "offer" {
			offers++
		}
	}
	if offers != 2 {
		t.Errorf("sent %d renegotiation offers, want 2", offers)
	}
	for _, ref := range []string{"bbb", "ccc"} {
		n, _ := m.Negotiator(ref)
		if n.State() != StateRenegotiating {
			t.Errorf("%s state = %v, want renegotiating", ref, n.State())
		}
	}
}

func TestManagerClose(t *testing.T) {
	m, cf, _ := newTestManager(t)
	for _, ref := range []string{"bbb", "ccc"} {
		if err := m.HandlePresenceJoin(ref); err != nil {
			t.Fatalf("HandlePresenceJoin(%s): %v", ref, err)
		}
	}

	m.Close()

	if got := len(m.Peers()); got != 0 {
		t.Errorf("%d peers after Close, want 0", got)
	}
	for i, ft := range cf.transports {
		if ft.closeCount != 1 {
			t.Errorf("transport %d closed %d times, want 1", i, ft.closeCount)
		}
	}
}

func TestTransportFactoryErrorPropagates(t *testing.T) {
	m := NewManager(ManagerConfig{
		Signaler:     &captureSignaler{},
		NewTransport: func() (Transport, error) { return nil, fmt.Errorf("no media devices") },
	})
	m.SetLocalRef("aaa")

	if err := m.HandlePresenceJoin("bbb"); err == nil {
		t.Fatal("HandlePresenceJoin succeeded without a transport")
	}
}
