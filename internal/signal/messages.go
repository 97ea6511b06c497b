// Package signal models the wire vocabulary exchanged between participants and
// the relay.
//
// We intentionally avoid depending on any WebRTC library type here; this
// package models the protocol surface, not the implementation. Conversions to
// pion types live with the pion transport provider.
package signal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

type Kind string

const (
	// Client -> relay.
	KindJoin         Kind = "join"
	KindPresenceName Kind = "presence-name"
	KindOffer        Kind = "offer"
	KindAnswer       Kind = "answer"
	KindICECandidate Kind = "ice-candidate"
	KindChat         Kind = "chat"

	// Relay -> client.
	KindWelcome       Kind = "welcome"
	KindPresenceJoin  Kind = "presence-join"
	KindPresenceLeave Kind = "presence-leave"
	KindError         Kind = "error"
)

// SessionDescription is a minimal, JSON-friendly representation of an SDP
// offer/answer.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate mirrors the browser RTCIceCandidateInit shape so browser clients
// can forward candidates without translation.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// PeerInfo pairs a relay-assigned participant ref with its display name. It is
// used by the welcome snapshot so newcomers can render names immediately.
type PeerInfo struct {
	Ref  string `json:"ref"`
	Name string `json:"name,omitempty"`
}

// Message is the discriminated union carried over the signaling WebSocket.
//
// Sender is always stamped by the relay before a message is forwarded; a
// client-supplied value is overwritten, never trusted. PeerID in a join is
// advisory display-only data and is ignored for routing and membership.
type Message struct {
	Kind Kind `json:"kind"`

	Room   string `json:"room,omitempty"`
	Name   string `json:"name,omitempty"`
	PeerID string `json:"peerId,omitempty"`

	Self  string     `json:"self,omitempty"`
	Peer  string     `json:"peer,omitempty"`
	Peers []PeerInfo `json:"peers,omitempty"`

	Sender     string `json:"sender,omitempty"`
	SenderName string `json:"senderName,omitempty"`
	Target     string `json:"target,omitempty"`

	SDP       *SessionDescription `json:"sdp,omitempty"`
	Candidate *Candidate          `json:"candidate,omitempty"`

	Text      string `json:"text,omitempty"`
	Timestamp int64  `json:"ts,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Parse strictly decodes a single wire message: unknown fields and trailing
// data are rejected, and the result is validated for its kind.
func Parse(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("unexpected trailing data")
	}
	return msg, nil
}

func (m Message) Validate() error {
	switch m.Kind {
	case KindJoin:
		if m.Room == "" {
			return fmt.Errorf("join message missing room")
		}
		if m.SDP != nil || m.Candidate != nil || m.Target != "" {
			return fmt.Errorf("join message has unexpected fields")
		}
	case KindWelcome:
		if m.Self == "" || m.Room == "" {
			return fmt.Errorf("welcome message missing self/room")
		}
	case KindPresenceJoin, KindPresenceLeave:
		if m.Peer == "" {
			return fmt.Errorf("%s message missing peer", m.Kind)
		}
		if m.SDP != nil || m.Candidate != nil {
			return fmt.Errorf("%s message has unexpected fields", m.Kind)
		}
	case KindPresenceName:
		if m.Name == "" {
			return fmt.Errorf("presence-name message missing name")
		}
		if m.SDP != nil || m.Candidate != nil || m.Target != "" {
			return fmt.Errorf("presence-name message has unexpected fields")
		}
	case KindOffer:
		if m.SDP == nil {
			return fmt.Errorf("offer message missing sdp")
		}
		if m.SDP.Type != "offer" {
			return fmt.Errorf("offer message has sdp.type=%q", m.SDP.Type)
		}
		if m.Target == "" {
			return fmt.Errorf("offer message missing target")
		}
		if m.Candidate != nil || m.Text != "" {
			return fmt.Errorf("offer message has unexpected fields")
		}
	case KindAnswer:
		if m.SDP == nil {
			return fmt.Errorf("answer message missing sdp")
		}
		if m.SDP.Type != "answer" {
			return fmt.Errorf("answer message has sdp.type=%q", m.SDP.Type)
		}
		if m.Target == "" {
			return fmt.Errorf("answer message missing target")
		}
		if m.Candidate != nil || m.Text != "" {
			return fmt.Errorf("answer message has unexpected fields")
		}
	case KindICECandidate:
		// Target is optional: without one the relay broadcasts to the room
		// excluding the sender.
		if m.Candidate == nil {
			return fmt.Errorf("ice-candidate message missing candidate")
		}
		if m.SDP != nil || m.Text != "" {
			return fmt.Errorf("ice-candidate message has unexpected fields")
		}
	case KindChat:
		if m.Text == "" {
			return fmt.Errorf("chat message missing text")
		}
		if m.SDP != nil || m.Candidate != nil || m.Target != "" {
			return fmt.Errorf("chat message has unexpected fields")
		}
	case KindError:
		if m.Code == "" || m.Message == "" {
			return fmt.Errorf("error message missing code/message")
		}
	default:
		return fmt.Errorf("unsupported message kind %q", m.Kind)
	}
	return nil
}
