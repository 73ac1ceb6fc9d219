package domain

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// RelayChannel is one live subscription to the relay bus. Send is best
// effort: an error means the message may be lost and the caller may retry,
// nothing more.
type RelayChannel interface {
	Send(msg SignalMessage) error
	OnSignal(fn func(SignalMessage))
	OnStatus(fn func(ChannelStatus))
	Close()
}

// Bus joins named channels on the external relay service.
type Bus interface {
	Join(ctx context.Context, channel, token string) (RelayChannel, error)
}

// ChannelResolver derives the relay channel binding for a session. An
// authorization failure is fatal (no fallback); other lookup failures fall
// back to the legacy naming scheme.
type ChannelResolver interface {
	Resolve(ctx context.Context, sessionID string) (ChannelBinding, error)
}

// ICEDiscoverer returns the ICE server list for transport construction.
// Implementations never fail hard: on lookup failure a static STUN-only
// fallback is returned.
type ICEDiscoverer interface {
	Servers(ctx context.Context) []ICEServer
}

// DataChannel is the ordered-reliable side channel used for ephemeral chat.
type DataChannel interface {
	Label() string
	Open() bool
	SendText(text string) error
	OnOpen(fn func())
	OnMessage(fn func(data []byte))
	OnClose(fn func())
	Close() error
}

// Transport wraps the local media-transport object for one session attempt.
// Instances are never reused across a retry; a retry constructs a new one.
type Transport interface {
	SignalingState() webrtc.SignalingState
	ConnectionState() webrtc.PeerConnectionState

	// CreateOffer creates an offer and installs it as the local description.
	CreateOffer(iceRestart bool) (*webrtc.SessionDescription, error)
	// CreateAnswer creates an answer to the current remote offer and installs
	// it as the local description.
	CreateAnswer() (*webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	// Rollback discards a local offer-in-flight, returning to stable.
	Rollback() error
	HasRemoteDescription() bool
	AddICECandidate(cand webrtc.ICECandidateInit) error

	AddTrack(track webrtc.TrackLocal) error
	// AddRecvOnlyTransceivers attaches receive-only audio and video
	// placeholders so a viewer-only peer still receives remote media.
	AddRecvOnlyTransceivers() error
	CreateDataChannel(label string) (DataChannel, error)

	OnICECandidate(fn func(cand *webrtc.ICECandidateInit))
	OnConnectionStateChange(fn func(state webrtc.PeerConnectionState))
	OnTrack(fn func(track *webrtc.TrackRemote))
	OnDataChannel(fn func(dc DataChannel))

	Close() error
}
