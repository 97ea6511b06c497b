package peer

import (
	"fmt"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/meetmesh/meetmesh/internal/signal"
)

// NewAPI builds the pion API shared by every transport a client creates:
// default audio/video codecs plus a SettingEngine carrying the pion logger.
func NewAPI() (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	se := webrtc.SettingEngine{
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
	), nil
}

// PionTransport adapts a pion PeerConnection to the Transport interface.
type PionTransport struct {
	pc *webrtc.PeerConnection
}

func NewPionTransport(api *webrtc.API, iceServers []webrtc.ICEServer) (*PionTransport, error) {
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return &PionTransport{pc: pc}, nil
}

// PionFactory returns a TransportFactory for Manager wiring.
func PionFactory(api *webrtc.API, iceServers []webrtc.ICEServer, configure func(*PionTransport) error) TransportFactory {
	return func() (Transport, error) {
		t, err := NewPionTransport(api, iceServers)
		if err != nil {
			return nil, err
		}
		if configure != nil {
			if err := configure(t); err != nil {
				_ = t.Close()
				return nil, err
			}
		}
		return t, nil
	}
}

// PeerConnection exposes the underlying pion connection for media wiring that
// the Transport interface deliberately doesn't cover.
func (t *PionTransport) PeerConnection() *webrtc.PeerConnection {
	return t.pc
}

func (t *PionTransport) CreateOffer() (Description, error) {
	sdp, err := t.pc.CreateOffer(nil)
	if err != nil {
		return Description{}, err
	}
	return descriptionFromPion(sdp), nil
}

func (t *PionTransport) CreateAnswer() (Description, error) {
	sdp, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return Description{}, err
	}
	return descriptionFromPion(sdp), nil
}

func (t *PionTransport) SetLocalDescription(d Description) error {
	sdp, err := d.toPion()
	if err != nil {
		return err
	}
	return t.pc.SetLocalDescription(sdp)
}

func (t *PionTransport) SetRemoteDescription(d Description) error {
	sdp, err := d.toPion()
	if err != nil {
		return err
	}
	return t.pc.SetRemoteDescription(sdp)
}

func (t *PionTransport) AddICECandidate(cand signal.Candidate) error {
	return t.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        cand.Candidate,
		SDPMid:           cand.SDPMid,
		SDPMLineIndex:    cand.SDPMLineIndex,
		UsernameFragment: cand.UsernameFragment,
	})
}

func (t *PionTransport) OnICECandidate(fn func(signal.Candidate)) {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		fn(signal.Candidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
}

func (t *PionTransport) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	t.pc.OnTrack(fn)
}

func (t *PionTransport) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	t.pc.OnConnectionStateChange(fn)
}

// AddTrack attaches an outgoing media track; the returned sender is what
// ReplaceTrack operates on when swapping camera for screen capture.
func (t *PionTransport) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	return t.pc.AddTrack(track)
}

// ReplaceTrack swaps the outgoing track on a sender without a new transceiver.
// Callers follow up with a renegotiation so the remote side learns the new
// track metadata.
func (t *PionTransport) ReplaceTrack(sender *webrtc.RTPSender, track webrtc.TrackLocal) error {
	return sender.ReplaceTrack(track)
}

func (t *PionTransport) Close() error {
	return t.pc.Close()
}

func descriptionFromPion(sdp webrtc.SessionDescription) Description {
	return Description{Type: sdp.Type.String(), SDP: sdp.SDP}
}

func (d Description) toPion() (webrtc.SessionDescription, error) {
	var typ webrtc.SDPType
	switch d.Type {
	case "offer":
		typ = webrtc.SDPTypeOffer
	case "answer":
		typ = webrtc.SDPTypeAnswer
	case "pranswer":
		typ = webrtc.SDPTypePranswer
	case "rollback":
		typ = webrtc.SDPTypeRollback
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported description type %q", d.Type)
	}
	return webrtc.SessionDescription{Type: typ, SDP: d.SDP}, nil
}
