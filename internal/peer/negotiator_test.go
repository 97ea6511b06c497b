package peer

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/meetmesh/meetmesh/internal/signal"
)

// fakeTransport records every call so tests can assert on operation order.
type fakeTransport struct {
	mu          sync.Mutex
	ops         []string
	onCandidate func(signal.Candidate)
	closeCount  int
	failOp      string
}

func (f *fakeTransport) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, op)
	if f.failOp == op {
		return fmt.Errorf("injected %s failure", op)
	}
	return nil
}

func (f *fakeTransport) CreateOffer() (Description, error) {
	return Description{Type: "offer", SDP: "offer-sdp"}, f.record("CreateOffer")
}

func (f *fakeTransport) CreateAnswer() (Description, error) {
	return Description{Type: "answer", SDP: "answer-sdp"}, f.record("CreateAnswer")
}

func (f *fakeTransport) SetLocalDescription(d Description) error {
	return f.record("SetLocal:" + d.Type)
}

func (f *fakeTransport) SetRemoteDescription(d Description) error {
	return f.record("SetRemote:" + d.Type)
}

func (f *fakeTransport) AddICECandidate(c signal.Candidate) error {
	return f.record("AddCandidate:" + c.Candidate)
}

func (f *fakeTransport) OnICECandidate(fn func(signal.Candidate)) {
	f.mu.Lock()
	f.onCandidate = fn
	f.mu.Unlock()
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "Close")
	f.closeCount++
	return nil
}

func (f *fakeTransport) opList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

func (f *fakeTransport) emitCandidate(c signal.Candidate) {
	f.mu.Lock()
	fn := f.onCandidate
	f.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

type sentMessage struct {
	target string
	kind   string
	sdp    Description
	cand   signal.Candidate
}

// captureSignaler records outgoing messages instead of delivering them.
type captureSignaler struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (s *captureSignaler) SendOffer(target string, sdp Description) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentMessage{target: target, kind: "offer", sdp: sdp})
	return nil
}

func (s *captureSignaler) SendAnswer(target string, sdp Description) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentMessage{target: target, kind: "answer", sdp: sdp})
	return nil
}

func (s *captureSignaler) SendCandidate(target string, cand signal.Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentMessage{target: target, kind: "candidate", cand: cand})
	return nil
}

func (s *captureSignaler) messages() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMessage(nil), s.sent...)
}

func newTestNegotiator(t *testing.T, local, remote string) (*Negotiator, *fakeTransport, *captureSignaler) {
	t.Helper()
	ft := &fakeTransport{}
	sig := &captureSignaler{}
	n := NewNegotiator(NegotiatorConfig{
		Transport: ft,
		Signaler:  sig,
		LocalRef:  local,
		RemoteRef: remote,
	})
	return n, ft, sig
}

func containsOp(ops []string, op string) bool {
	for _, o := range ops {
		if o == op {
			return true
		}
	}
	return false
}

func TestOfferAnswerExchange(t *testing.T) {
	offerer, _, offererSig := newTestNegotiator(t, "aaa", "bbb")
	answerer, answererFT, answererSig := newTestNegotiator(t, "bbb", "aaa")

	if err := offerer.StartOffer(); err != nil {
		t.Fatalf("StartOffer: %v", err)
	}
	if offerer.State() != StateAwaitingAnswer {
		t.Errorf("offerer state = %v, want awaiting-answer", offerer.State())
	}
	msgs := offererSig.messages()
	if len(msgs) != 1 || msgs[0].kind != "offer" || msgs[0].target != "bbb" {
		t.Fatalf("offerer sent %+v, want one offer to bbb", msgs)
	}

	if err := answerer.HandleRemoteOffer(msgs[0].sdp); err != nil {
		t.Fatalf("HandleRemoteOffer: %v", err)
	}
	if answerer.State() != StateStable {
		t.Errorf("answerer state = %v, want stable", answerer.State())
	}
	ops := answererFT.opList()
	want := []string{"SetRemote:offer", "CreateAnswer", "SetLocal:answer"}
	if len(ops) != len(want) {
		t.Fatalf("answerer ops = %v, want %v", ops, want)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Fatalf("answerer ops = %v, want %v", ops, want)
		}
	}

	reply := answererSig.messages()
	if len(reply) != 1 || reply[0].kind != "answer" {
		t.Fatalf("answerer sent %+v, want one answer", reply)
	}
	if err := offerer.HandleRemoteAnswer(reply[0].sdp); err != nil {
		t.Fatalf("HandleRemoteAnswer: %v", err)
	}
	if offerer.State() != StateStable {
		t.Errorf("offerer state = %v, want stable", offerer.State())
	}
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	n, ft, _ := newTestNegotiator(t, "bbb", "aaa")

	for _, c := range []string{"c1", "c2", "c3"} {
		if err := n.HandleRemoteCandidate(signal.Candidate{Candidate: c}); err != nil {
			t.Fatalf("HandleRemoteCandidate(%s): %v", c, err)
		}
	}
	if containsOp(ft.opList(), "AddCandidate:c1") {
		t.Fatal("candidate applied before remote description")
	}

	if err := n.HandleRemoteOffer(Description{Type: "offer", SDP: "sdp"}); err != nil {
		t.Fatalf("HandleRemoteOffer: %v", err)
	}

	ops := ft.opList()
	wantOrder := []string{"SetRemote:offer", "AddCandidate:c1", "AddCandidate:c2", "AddCandidate:c3", "CreateAnswer"}
	idx := 0
	for _, op := range ops {
		if idx < len(wantOrder) && op == wantOrder[idx] {
			idx++
		}
	}
	if idx != len(wantOrder) {
		t.Fatalf("ops %v missing ordered subsequence %v", ops, wantOrder)
	}

	// Later candidates apply immediately.
	if err := n.HandleRemoteCandidate(signal.Candidate{Candidate: "c4"}); err != nil {
		t.Fatalf("HandleRemoteCandidate: %v", err)
	}
	if !containsOp(ft.opList(), "AddCandidate:c4") {
		t.Error("post-description candidate not applied")
	}
}

func TestGlareResolution(t *testing.T) {
	// "aaa" < "bbb": aaa is impolite and keeps its offer, bbb rolls back.
	impolite, impoliteFT, impoliteSig := newTestNegotiator(t, "aaa", "bbb")
	polite, politeFT, politeSig := newTestNegotiator(t, "bbb", "aaa")

	if err := impolite.StartOffer(); err != nil {
		t.Fatalf("impolite StartOffer: %v", err)
	}
	if err := polite.StartOffer(); err != nil {
		t.Fatalf("polite StartOffer: %v", err)
	}

	impoliteOffer := impoliteSig.messages()[0].sdp
	politeOffer := politeSig.messages()[0].sdp

	// The polite side rolls back and answers.
	if err := polite.HandleRemoteOffer(impoliteOffer); err != nil {
		t.Fatalf("polite HandleRemoteOffer: %v", err)
	}
	if !containsOp(politeFT.opList(), "SetLocal:rollback") {
		t.Error("polite side did not roll back its offer")
	}
	if polite.State() != StateStable {
		t.Errorf("polite state = %v, want stable", polite.State())
	}

	// The impolite side ignores the colliding offer.
	opsBefore := len(impoliteFT.opList())
	if err := impolite.HandleRemoteOffer(politeOffer); err != nil {
		t.Fatalf("impolite HandleRemoteOffer: %v", err)
	}
	if len(impoliteFT.opList()) != opsBefore {
		t.Error("impolite side acted on a colliding offer")
	}
	if impolite.State() != StateAwaitingAnswer {
		t.Errorf("impolite state = %v, want awaiting-answer", impolite.State())
	}

	// The polite side's answer completes the surviving exchange.
	var answer Description
	for _, msg := range politeSig.messages() {
		if msg.kind == "answer" {
			answer = msg.sdp
		}
	}
	if answer.Type != "answer" {
		t.Fatal("polite side never answered")
	}
	if err := impolite.HandleRemoteAnswer(answer); err != nil {
		t.Fatalf("impolite HandleRemoteAnswer: %v", err)
	}
	if impolite.State() != StateStable {
		t.Errorf("impolite state = %v, want stable", impolite.State())
	}
}

func TestUnsolicitedAnswerDropped(t *testing.T) {
	n, ft, _ := newTestNegotiator(t, "aaa", "bbb")

	if err := n.HandleRemoteAnswer(Description{Type: "answer", SDP: "sdp"}); err != nil {
		t.Fatalf("HandleRemoteAnswer: %v", err)
	}
	if containsOp(ft.opList(), "SetRemote:answer") {
		t.Error("unsolicited answer was applied")
	}
	if n.State() != StateIdle {
		t.Errorf("state = %v, want idle", n.State())
	}
}

func TestTransportFailureClosesNegotiator(t *testing.T) {
	n, ft, _ := newTestNegotiator(t, "bbb", "aaa")
	ft.failOp = "CreateAnswer"

	err := n.HandleRemoteOffer(Description{Type: "offer", SDP: "sdp"})
	if err == nil {
		t.Fatal("HandleRemoteOffer succeeded despite transport failure")
	}
	if n.State() != StateClosed {
		t.Errorf("state = %v, want closed", n.State())
	}
	if ft.closeCount != 1 {
		t.Errorf("transport closed %d times, want 1", ft.closeCount)
	}

	if err := n.StartOffer(); !errors.Is(err, ErrClosed) {
		t.Errorf("StartOffer after failure = %v, want ErrClosed", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	n, ft, _ := newTestNegotiator(t, "aaa", "bbb")
	if err := n.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := n.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if ft.closeCount != 1 {
		t.Errorf("transport closed %d times, want 1", ft.closeCount)
	}
}

func TestStartOfferWhileInFlightIsNoop(t *testing.T) {
	n, _, sig := newTestNegotiator(t, "aaa", "bbb")
	if err := n.StartOffer(); err != nil {
		t.Fatalf("StartOffer: %v", err)
	}
	if err := n.StartOffer(); err != nil {
		t.Fatalf("second StartOffer: %v", err)
	}
	if got := len(sig.messages()); got != 1 {
		t.Errorf("sent %d offers, want 1", got)
	}
}

func TestRenegotiateFromStable(t *testing.T) {
	n, _, sig := newTestNegotiator(t, "bbb", "aaa")
	if err := n.HandleRemoteOffer(Description{Type: "offer", SDP: "sdp"}); err != nil {
		t.Fatalf("HandleRemoteOffer: %v", err)
	}

	if err := n.StartOffer(); err != nil {
		t.Fatalf("StartOffer: %v", err)
	}
	if n.State() != StateRenegotiating {
		t.Errorf("state = %v, want renegotiating", n.State())
	}

	var offers int
	for _, msg := range sig.messages() {
		if msg.kind == "offer" {
			offers++
		}
	}
	if offers != 1 {
		t.Errorf("sent %d offers, want 1", offers)
	}

	if err := n.HandleRemoteAnswer(Description{Type: "answer", SDP: "sdp2"}); err != nil {
		t.Fatalf("HandleRemoteAnswer: %v", err)
	}
	if n.State() != StateStable {
		t.Errorf("state = %v, want stable", n.State())
	}
}

func TestLocalCandidatesForwardedToSignaler(t *testing.T) {
	_, ft, sig := newTestNegotiator(t, "aaa", "bbb")

	ft.emitCandidate(signal.Candidate{Candidate: "local1"})

	msgs := sig.messages()
	if len(msgs) != 1 || msgs[0].kind != "candidate" || msgs[0].target != "bbb" {
		t.Fatalf("sent %+v, want one candidate to bbb", msgs)
	}
	if msgs[0].cand.Candidate != "local1" {
		t.Errorf("candidate = %q, want local1", msgs[0].cand.Candidate)
	}
}
