package relay

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meetmesh/meetmesh/internal/metrics"
	"github.com/meetmesh/meetmesh/internal/ratelimit"
	"github.com/meetmesh/meetmesh/internal/signal"
)

// Config wires together the runtime dependencies for the signaling relay.
type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// WebSocket hardening.
	WSIdleTimeout        time.Duration
	WSPingInterval       time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	// Quotas. Zero means unlimited.
	MaxParticipants int
	MaxRoomMembers  int

	// Clock drives the per-connection rate limiter. Nil means wall clock.
	Clock ratelimit.Clock
}

// Server implements the relay's WebSocket signaling surface.
//
// Endpoints:
//   - GET /rtc/signal : WebSocket signaling (rooms, presence, SDP, trickle ICE, chat)
//
// Every participant gets a relay-assigned ref on connect. The relay stamps the
// sender ref on each forwarded message; client-supplied identity is never
// trusted for routing.
type Server struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	WSIdleTimeout        time.Duration
	WSPingInterval       time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	MaxParticipants int
	MaxRoomMembers  int

	Clock ratelimit.Clock

	registry *Registry

	mu    sync.Mutex
	peers map[string]*wsPeer
}

func NewServer(cfg Config) *Server {
	return &Server{
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,

		WSIdleTimeout:        cfg.WSIdleTimeout,
		WSPingInterval:       cfg.WSPingInterval,
		MaxMessageBytes:      cfg.MaxMessageBytes,
		MaxMessagesPerSecond: cfg.MaxMessagesPerSecond,

		MaxParticipants: cfg.MaxParticipants,
		MaxRoomMembers:  cfg.MaxRoomMembers,

		Clock: cfg.Clock,

		registry: NewRegistry(),
		peers:    make(map[string]*wsPeer),
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /rtc/signal", s.HandleSignal)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// Close terminates all live connections. New upgrades still succeed; callers
// are expected to stop the HTTP server first.
func (s *Server) Close() {
	s.mu.Lock()
	peers := make([]*wsPeer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		p.Close()
	}
}

func (s *Server) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s *Server) clock() ratelimit.Clock {
	if s.Clock == nil {
		return ratelimit.RealClock{}
	}
	return s.Clock
}

func (s *Server) wsIdleTimeout() time.Duration {
	if s.WSIdleTimeout <= 0 {
		return 60 * time.Second
	}
	return s.WSIdleTimeout
}

func (s *Server) wsPingInterval() time.Duration {
	if s.WSPingInterval <= 0 {
		return 20 * time.Second
	}
	return s.WSPingInterval
}

func (s *Server) maxMessageBytes() int64 {
	if s.MaxMessageBytes <= 0 {
		return 64 * 1024
	}
	return s.MaxMessageBytes
}

func (s *Server) maxMessagesPerSecond() int {
	if s.MaxMessagesPerSecond <= 0 {
		return 50
	}
	return s.MaxMessagesPerSecond
}

func (s *Server) dropMessage(reason string) {
	if s.Metrics != nil {
		s.Metrics.MessagesDropped.WithLabelValues(reason).Inc()
	}
}

func (s *Server) routedMessage(kind signal.Kind) {
	if s.Metrics != nil {
		s.Metrics.MessagesRouted.WithLabelValues(string(kind)).Inc()
	}
}

func (s *Server) updateGauges() {
	if s.Metrics == nil {
		return
	}
	s.mu.Lock()
	participants := len(s.peers)
	s.mu.Unlock()
	s.Metrics.Participants.Set(float64(participants))
	s.Metrics.Rooms.Set(float64(s.registry.RoomCount()))
}

// HandleSignal upgrades the connection and runs the participant's read loop
// until disconnect.
func (s *Server) HandleSignal(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		// Origin checks are enforced by the outer httpserver origin middleware.
		// For unit tests that don't use httpserver.Server, accept all origins.
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ref, err := newPeerRef()
	if err != nil {
		_ = conn.Close()
		return
	}

	p := &wsPeer{
		srv:  s,
		conn: conn,
		ref:  ref,
		done: make(chan struct{}),
		limiter: ratelimit.NewTokenBucket(
			s.clock(),
			int64(s.maxMessagesPerSecond()),
			int64(s.maxMessagesPerSecond()),
		),
	}

	if !s.registerPeer(p) {
		_ = p.fail("server_full", "participant limit reached", websocket.CloseTryAgainLater, "server full")
		_ = conn.Close()
		return
	}

	s.logger().Debug("participant connected", "ref", ref, "remote", r.RemoteAddr)

	// A room in the query string joins immediately, without waiting for a
	// join message.
	if room := r.URL.Query().Get("room"); room != "" {
		if !p.handleJoin(signal.Message{
			Kind: signal.KindJoin,
			Room: room,
			Name: r.URL.Query().Get("name"),
		}) {
			p.Close()
			return
		}
	}

	p.run()
}

func (s *Server) registerPeer(p *wsPeer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.MaxParticipants > 0 && len(s.peers) >= s.MaxParticipants {
		return false
	}
	s.peers[p.ref] = p
	if s.Metrics != nil {
		s.Metrics.Participants.Set(float64(len(s.peers)))
	}
	return true
}

func (s *Server) peerByRef(ref string) *wsPeer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peers[ref]
}

func (s *Server) peersByRef(refs []string) []*wsPeer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*wsPeer, 0, len(refs))
	for _, ref := range refs {
		if p, ok := s.peers[ref]; ok {
			out = append(out, p)
		}
	}
	return out
}

// snapshotPeers resolves refs to PeerInfo for the welcome message, skipping
// refs whose connection is already gone.
func (s *Server) snapshotPeers(refs []string, exclude string) []signal.PeerInfo {
	peers := s.peersByRef(refs)
	out := make([]signal.PeerInfo, 0, len(peers))
	for _, p := range peers {
		if p.ref == exclude {
			continue
		}
		out = append(out, signal.PeerInfo{Ref: p.ref, Name: p.displayName()})
	}
	return out
}

func newPeerRef() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate participant ref: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}

const wsWriteWait = 1 * time.Second

type wsPeer struct {
	srv  *Server
	conn *websocket.Conn

	ref string

	limiter *ratelimit.TokenBucket

	writeMu sync.Mutex

	nameMu sync.Mutex
	name   string

	done      chan struct{}
	closeOnce sync.Once
}

func (p *wsPeer) displayName() string {
	p.nameMu.Lock()
	defer p.nameMu.Unlock()
	return p.name
}

func (p *wsPeer) setDisplayName(name string) {
	p.nameMu.Lock()
	p.name = name
	p.nameMu.Unlock()
}

func (p *wsPeer) run() {
	defer p.Close()

	idle := p.srv.wsIdleTimeout()
	p.conn.SetReadLimit(p.srv.maxMessageBytes())
	_ = p.conn.SetReadDeadline(time.Now().Add(idle))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(idle))
	})

	go p.pingLoop()

	for {
		msgType, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(idle))

		// Apply the rate limit *after* reading the message so we consume any
		// bytes already in the TCP receive buffer.
		//
		// If we close before reading, the OS may send an abortive close (RST)
		// due to unread data, preventing clients from reliably observing the
		// WebSocket close code/reason.
		if !p.limiter.Allow(1) {
			p.srv.dropMessage(metrics.DropReasonRateLimited)
			_ = p.fail("rate_limited", "rate limit exceeded", websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			_ = p.fail("bad_message", "expected text message", websocket.CloseUnsupportedData, "expected text message")
			return
		}

		msg, err := signal.Parse(data)
		if err != nil {
			p.srv.dropMessage(metrics.DropReasonBadMessage)
			_ = p.fail("bad_message", err.Error(), websocket.ClosePolicyViolation, "bad message")
			return
		}

		switch msg.Kind {
		case signal.KindJoin:
			if !p.handleJoin(msg) {
				return
			}
		case signal.KindPresenceName:
			p.handlePresenceName(msg)
		case signal.KindOffer, signal.KindAnswer:
			if !p.handleDirected(msg) {
				return
			}
		case signal.KindICECandidate:
			if !p.handleCandidate(msg) {
				return
			}
		case signal.KindChat:
			if !p.handleChat(msg) {
				return
			}
		default:
			// welcome, presence-* and error are relay-to-client only.
			_ = p.fail("unexpected_message", fmt.Sprintf("unexpected message kind %q", msg.Kind), websocket.ClosePolicyViolation, "unexpected message")
			return
		}
	}
}

// handleJoin processes a room join. Joining a new room implicitly leaves the
// previous one, announcing the departure there before the arrival here. The
// joining client receives a welcome carrying its assigned ref and a member
// snapshot so it can start negotiating immediately.
func (p *wsPeer) handleJoin(msg signal.Message) bool {
	if msg.Name != "" {
		p.setDisplayName(msg.Name)
	}

	ok, prevRoom, prevMembers, members := p.srv.registry.JoinLimited(msg.Room, p.ref, p.srv.MaxRoomMembers)
	if !ok {
		// Not a protocol violation: keep the connection so the client can try
		// another room.
		_ = p.send(signal.Message{
			Kind:    signal.KindError,
			Code:    "room_full",
			Message: fmt.Sprintf("room %q is full", msg.Room),
		})
		return true
	}

	if prevRoom != "" {
		p.srv.broadcast(prevMembers, p.ref, signal.Message{
			Kind: signal.KindPresenceLeave,
			Room: prevRoom,
			Peer: p.ref,
		})
		if p.srv.Metrics != nil {
			p.srv.Metrics.Leaves.Inc()
		}
	}

	// Welcome first: the newcomer must know its own ref before any member
	// that saw the presence-join can reach it with an offer.
	err := p.send(signal.Message{
		Kind:  signal.KindWelcome,
		Room:  msg.Room,
		Self:  p.ref,
		Name:  p.displayName(),
		Peers: p.srv.snapshotPeers(members, p.ref),
	})
	if err != nil {
		return false
	}

	p.srv.broadcast(members, p.ref, signal.Message{
		Kind: signal.KindPresenceJoin,
		Room: msg.Room,
		Peer: p.ref,
		Name: p.displayName(),
	})

	if p.srv.Metrics != nil {
		p.srv.Metrics.Joins.Inc()
	}
	p.srv.updateGauges()
	p.srv.logger().Info("participant joined room", "ref", p.ref, "room", msg.Room, "members", len(members))
	return true
}

func (p *wsPeer) handlePresenceName(msg signal.Message) {
	p.setDisplayName(msg.Name)

	room, ok := p.srv.registry.Room(p.ref)
	if !ok {
		// A rename before joining is fine; the name rides along on the join.
		return
	}
	p.srv.routedMessage(signal.KindPresenceName)
	p.srv.broadcast(p.srv.registry.MembersOf(room), p.ref, signal.Message{
		Kind: signal.KindPresenceName,
		Room: room,
		Peer: p.ref,
		Name: msg.Name,
	})
}

// handleDirected forwards an offer or answer to its target. The target must be
// a current member of the sender's room; otherwise the message is dropped
// silently, since peers leaving mid-negotiation is routine.
func (p *wsPeer) handleDirected(msg signal.Message) bool {
	room, ok := p.srv.registry.Room(p.ref)
	if !ok {
		_ = p.fail("not_in_room", "join a room before signaling", websocket.ClosePolicyViolation, "not in room")
		return false
	}

	target := p.srv.resolveTarget(room, msg.Target)
	if target == nil {
		p.srv.dropMessage(metrics.DropReasonUnknownTarget)
		p.srv.logger().Debug("dropping message for unknown target", "kind", msg.Kind, "sender", p.ref, "target", msg.Target)
		return true
	}

	msg.Room = room
	msg.Sender = p.ref
	msg.SenderName = p.displayName()
	p.srv.routedMessage(msg.Kind)
	_ = target.send(msg)
	return true
}

func (p *wsPeer) handleCandidate(msg signal.Message) bool {
	room, ok := p.srv.registry.Room(p.ref)
	if !ok {
		_ = p.fail("not_in_room", "join a room before signaling", websocket.ClosePolicyViolation, "not in room")
		return false
	}

	msg.Room = room
	msg.Sender = p.ref
	msg.SenderName = p.displayName()

	if msg.Target != "" {
		target := p.srv.resolveTarget(room, msg.Target)
		if target == nil {
			p.srv.dropMessage(metrics.DropReasonUnknownTarget)
			return true
		}
		p.srv.routedMessage(msg.Kind)
		_ = target.send(msg)
		return true
	}

	p.srv.routedMessage(msg.Kind)
	p.srv.broadcast(p.srv.registry.MembersOf(room), p.ref, msg)
	return true
}

// handleChat relays a chat line to the whole room, sender included, so every
// client renders the same relay-stamped timestamp and ordering.
func (p *wsPeer) handleChat(msg signal.Message) bool {
	room, ok := p.srv.registry.Room(p.ref)
	if !ok {
		_ = p.fail("not_in_room", "join a room before chatting", websocket.ClosePolicyViolation, "not in room")
		return false
	}

	msg.Room = room
	msg.Sender = p.ref
	msg.SenderName = p.displayName()
	msg.Timestamp = time.Now().UnixMilli()

	p.srv.routedMessage(msg.Kind)
	p.srv.broadcast(p.srv.registry.MembersOf(room), "", msg)
	return true
}

// resolveTarget returns the target's connection only when it is currently a
// member of room.
func (s *Server) resolveTarget(room, targetRef string) *wsPeer {
	targetRoom, ok := s.registry.Room(targetRef)
	if !ok || targetRoom != room {
		return nil
	}
	return s.peerByRef(targetRef)
}

// broadcast sends msg to every ref in members except exclude. Send failures on
// individual connections are left to their own read loops to clean up.
func (s *Server) broadcast(members []string, exclude string, msg signal.Message) {
	for _, p := range s.peersByRef(members) {
		if p.ref == exclude {
			continue
		}
		_ = p.send(msg)
	}
}

func (p *wsPeer) send(msg signal.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

func (p *wsPeer) fail(code, message string, closeCode int, closeReason string) error {
	_ = p.send(signal.Message{
		Kind:    signal.KindError,
		Code:    code,
		Message: message,
	})
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, closeReason), time.Now().Add(wsWriteWait))
}

func (p *wsPeer) pingLoop() {
	ticker := time.NewTicker(p.srv.wsPingInterval())
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.writeMu.Lock()
			err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			p.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Close tears the connection down exactly once: the ref leaves its room, the
// remaining members get a single presence-leave, and the connection is
// removed from the peer table.
func (p *wsPeer) Close() {
	p.closeOnce.Do(func() {
		close(p.done)

		room, remaining, wasMember := p.srv.registry.Leave(p.ref)
		if wasMember {
			p.srv.broadcast(remaining, p.ref, signal.Message{
				Kind: signal.KindPresenceLeave,
				Room: room,
				Peer: p.ref,
			})
			if p.srv.Metrics != nil {
				p.srv.Metrics.Leaves.Inc()
			}
		}

		p.srv.mu.Lock()
		delete(p.srv.peers, p.ref)
		p.srv.mu.Unlock()

		_ = p.conn.Close()
		p.srv.updateGauges()
		p.srv.logger().Debug("participant disconnected", "ref", p.ref, "room", room)
	})
}
