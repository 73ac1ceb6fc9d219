// Package webrtc implements the domain.Transport port over a Pion
// PeerConnection.
package webrtc

import (
	"fmt"
	"time"

	"github.com/pion/interceptor"
	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/yosoyebj/betrora-coach-sub000/internal/domain"
)

// Peer wraps a Pion PeerConnection as a single-use transport instance.
type Peer struct {
	pc *pion.PeerConnection
}

// NewPeer builds a PeerConnection with default codecs and interceptors.
// Generous ICE timeouts keep a brief relay hiccup from killing the call
// before the restart loop gets a chance.
func NewPeer(iceServers []domain.ICEServer) (*Peer, error) {
	m := &pion.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	i := &interceptor.Registry{}
	if err := pion.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := pion.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(i),
		pion.WithSettingEngine(se),
	)

	var servers []pion.ICEServer
	for _, s := range iceServers {
		servers = append(servers, pion.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	pc, err := api.NewPeerConnection(pion.Configuration{
		ICEServers:   servers,
		BundlePolicy: pion.BundlePolicyMaxBundle,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	return &Peer{pc: pc}, nil
}

func (p *Peer) SignalingState() pion.SignalingState       { return p.pc.SignalingState() }
func (p *Peer) ConnectionState() pion.PeerConnectionState { return p.pc.ConnectionState() }
func (p *Peer) HasRemoteDescription() bool                { return p.pc.RemoteDescription() != nil }

// CreateOffer creates an offer and installs it as the local description.
func (p *Peer) CreateOffer(iceRestart bool) (*pion.SessionDescription, error) {
	var opts *pion.OfferOptions
	if iceRestart {
		opts = &pion.OfferOptions{ICERestart: true}
	}
	offer, err := p.pc.CreateOffer(opts)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	return &offer, nil
}

// CreateAnswer answers the current remote offer and installs the result as
// the local description.
func (p *Peer) CreateAnswer() (*pion.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	return &answer, nil
}

func (p *Peer) SetRemoteDescription(desc pion.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

// Rollback discards the local offer-in-flight.
func (p *Peer) Rollback() error {
	if err := p.pc.SetLocalDescription(pion.SessionDescription{Type: pion.SDPTypeRollback}); err != nil {
		return fmt.Errorf("rollback local description: %w", err)
	}
	return nil
}

func (p *Peer) AddICECandidate(cand pion.ICECandidateInit) error {
	if err := p.pc.AddICECandidate(cand); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

func (p *Peer) AddTrack(track pion.TrackLocal) error {
	if _, err := p.pc.AddTrack(track); err != nil {
		return fmt.Errorf("add track: %w", err)
	}
	return nil
}

// AddRecvOnlyTransceivers attaches receive-only audio and video placeholders
// so CreateOffer/CreateAnswer always produce valid m-lines and the remote
// side can send media to a viewer-only peer.
func (p *Peer) AddRecvOnlyTransceivers() error {
	if _, err := p.pc.AddTransceiverFromKind(pion.RTPCodecTypeAudio, pion.RTPTransceiverInit{
		Direction: pion.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		return fmt.Errorf("add audio transceiver: %w", err)
	}
	if _, err := p.pc.AddTransceiverFromKind(pion.RTPCodecTypeVideo, pion.RTPTransceiverInit{
		Direction: pion.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		return fmt.Errorf("add video transceiver: %w", err)
	}
	return nil
}

func (p *Peer) CreateDataChannel(label string) (domain.DataChannel, error) {
	dc, err := p.pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, fmt.Errorf("create data channel: %w", err)
	}
	return &dataChannel{dc: dc}, nil
}

func (p *Peer) OnICECandidate(fn func(cand *pion.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			fn(nil)
			return
		}
		init := c.ToJSON()
		fn(&init)
	})
}

func (p *Peer) OnConnectionStateChange(fn func(state pion.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		log.Debug().Str("component", "webrtc").Stringer("state", state).Msg("connection state")
		fn(state)
	})
}

func (p *Peer) OnTrack(fn func(track *pion.TrackRemote)) {
	p.pc.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		log.Info().Str("component", "webrtc").
			Str("kind", track.Kind().String()).
			Str("codec", track.Codec().MimeType).
			Msg("remote track")
		fn(track)
	})
}

func (p *Peer) OnDataChannel(fn func(dc domain.DataChannel)) {
	p.pc.OnDataChannel(func(dc *pion.DataChannel) {
		fn(&dataChannel{dc: dc})
	})
}

// Close shuts the PeerConnection down. Safe to call more than once.
func (p *Peer) Close() error {
	return p.pc.Close()
}

// dataChannel adapts a Pion DataChannel to the domain port.
type dataChannel struct {
	dc *pion.DataChannel
}

func (d *dataChannel) Label() string { return d.dc.Label() }

func (d *dataChannel) Open() bool {
	return d.dc.ReadyState() == pion.DataChannelStateOpen
}

func (d *dataChannel) SendText(text string) error {
	return d.dc.SendText(text)
}

func (d *dataChannel) OnOpen(fn func())  { d.dc.OnOpen(fn) }
func (d *dataChannel) OnClose(fn func()) { d.dc.OnClose(fn) }

func (d *dataChannel) OnMessage(fn func(data []byte)) {
	d.dc.OnMessage(func(msg pion.DataChannelMessage) {
		fn(msg.Data)
	})
}

func (d *dataChannel) Close() error { return d.dc.Close() }
