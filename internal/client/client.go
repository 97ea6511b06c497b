// Package client implements a headless signaling client: it maintains the
// relay WebSocket, feeds negotiation traffic into a peer.Manager, and
// surfaces presence and chat events through callbacks.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meetmesh/meetmesh/internal/peer"
	"github.com/meetmesh/meetmesh/internal/signal"
)

type Config struct {
	Logger *slog.Logger

	// URL is the ws:// or wss:// signaling endpoint.
	URL string

	// Origin, when set, is sent on the upgrade request so relays with an
	// origin allow-list accept the connection.
	Origin string

	// NewTransport builds the WebRTC transport for each remote peer.
	NewTransport peer.TransportFactory

	// Callbacks. All are optional and invoked from the read loop; they must
	// not block.
	OnWelcome       func(self, room string, peers []signal.PeerInfo)
	OnPresenceJoin  func(ref, name string)
	OnPresenceLeave func(ref string)
	OnPresenceName  func(ref, name string)
	OnChat          func(sender, senderName, text string, at time.Time)
	OnError         func(code, message string)
}

// Client is a connected signaling participant. It implements peer.Signaler so
// the negotiation engine sends through the same connection it reads from.
type Client struct {
	log  *slog.Logger
	cfg  Config
	conn *websocket.Conn

	manager *peer.Manager

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Dial connects to the relay. The caller must run Run to start dispatching.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	header := http.Header{}
	if cfg.Origin != "" {
		header.Set("Origin", cfg.Origin)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", cfg.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}

	c := &Client{
		log:  log,
		cfg:  cfg,
		conn: conn,
	}
	c.manager = peer.NewManager(peer.ManagerConfig{
		Logger:       log,
		Signaler:     c,
		NewTransport: cfg.NewTransport,
	})
	return c, nil
}

// Manager exposes the negotiation engine, e.g. to trigger renegotiation after
// a track swap.
func (c *Client) Manager() *peer.Manager {
	return c.manager
}

// Join enters a room. The relay answers with a welcome carrying this client's
// ref and the current member snapshot.
func (c *Client) Join(room, name string) error {
	return c.send(signal.Message{Kind: signal.KindJoin, Room: room, Name: name})
}

func (c *Client) SendChat(text string) error {
	return c.send(signal.Message{Kind: signal.KindChat, Text: text})
}

func (c *Client) AnnounceName(name string) error {
	return c.send(signal.Message{Kind: signal.KindPresenceName, Name: name})
}

// SendOffer implements peer.Signaler.
func (c *Client) SendOffer(target string, sdp peer.Description) error {
	return c.send(signal.Message{
		Kind:   signal.KindOffer,
		Target: target,
		SDP:    &signal.SessionDescription{Type: sdp.Type, SDP: sdp.SDP},
	})
}

// SendAnswer implements peer.Signaler.
func (c *Client) SendAnswer(target string, sdp peer.Description) error {
	return c.send(signal.Message{
		Kind:   signal.KindAnswer,
		Target: target,
		SDP:    &signal.SessionDescription{Type: sdp.Type, SDP: sdp.SDP},
	})
}

// SendCandidate implements peer.Signaler.
func (c *Client) SendCandidate(target string, cand signal.Candidate) error {
	return c.send(signal.Message{
		Kind:      signal.KindICECandidate,
		Target:    target,
		Candidate: &cand,
	})
}

// Run reads and dispatches messages until the connection or context ends. It
// returns nil on a clean close.
func (c *Client) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()
	defer c.Close()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		msg, err := signal.Parse(data)
		if err != nil {
			c.log.Warn("dropping malformed relay message", "err", err)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg signal.Message) {
	switch msg.Kind {
	case signal.KindWelcome:
		// Existing members offer to us; we only record who is here.
		c.manager.SetLocalRef(msg.Self)
		if c.cfg.OnWelcome != nil {
			c.cfg.OnWelcome(msg.Self, msg.Room, msg.Peers)
		}
	case signal.KindPresenceJoin:
		if err := c.manager.HandlePresenceJoin(msg.Peer); err != nil {
			c.log.Warn("failed to offer to newcomer", "peer", msg.Peer, "err", err)
		}
		if c.cfg.OnPresenceJoin != nil {
			c.cfg.OnPresenceJoin(msg.Peer, msg.Name)
		}
	case signal.KindPresenceLeave:
		c.manager.HandlePresenceLeave(msg.Peer)
		if c.cfg.OnPresenceLeave != nil {
			c.cfg.OnPresenceLeave(msg.Peer)
		}
	case signal.KindPresenceName:
		if c.cfg.OnPresenceName != nil {
			c.cfg.OnPresenceName(msg.Peer, msg.Name)
		}
	case signal.KindOffer:
		if err := c.manager.HandleOffer(msg.Sender, peer.Description{Type: msg.SDP.Type, SDP: msg.SDP.SDP}); err != nil {
			c.log.Warn("failed to answer offer", "sender", msg.Sender, "err", err)
		}
	case signal.KindAnswer:
		if err := c.manager.HandleAnswer(msg.Sender, peer.Description{Type: msg.SDP.Type, SDP: msg.SDP.SDP}); err != nil {
			c.log.Warn("failed to apply answer", "sender", msg.Sender, "err", err)
		}
	case signal.KindICECandidate:
		if err := c.manager.HandleCandidate(msg.Sender, *msg.Candidate); err != nil {
			c.log.Debug("failed to apply candidate", "sender", msg.Sender, "err", err)
		}
	case signal.KindChat:
		if c.cfg.OnChat != nil {
			c.cfg.OnChat(msg.Sender, msg.SenderName, msg.Text, time.UnixMilli(msg.Timestamp))
		}
	case signal.KindError:
		c.log.Warn("relay error", "code", msg.Code, "message", msg.Message)
		if c.cfg.OnError != nil {
			c.cfg.OnError(msg.Code, msg.Message)
		}
	}
}

func (c *Client) send(msg signal.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close tears down the negotiators and the connection. Idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.manager.Close()
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
	return nil
}
