package domain

import "github.com/pion/webrtc/v4"

// SignalType enumerates the message types carried over the relay channel.
type SignalType string

const (
	SignalJoin         SignalType = "join"
	SignalOffer        SignalType = "offer"
	SignalAnswer       SignalType = "answer"
	SignalICECandidate SignalType = "ice-candidate"
)

// Known reports whether t is a type this engine processes.
func (t SignalType) Known() bool {
	switch t {
	case SignalJoin, SignalOffer, SignalAnswer, SignalICECandidate:
		return true
	}
	return false
}

// SignalingMode records which channel-naming scheme a peer is using. Both
// peers must agree; a join carrying the other variant blocks negotiation.
type SignalingMode string

const (
	ModeValidated      SignalingMode = "validated"
	ModeLegacyFallback SignalingMode = "legacy-fallback"
)

// SignalMessage is one negotiation message exchanged between the two peers.
// Exactly one of Description/Candidate is set for offer/answer/ice-candidate;
// join carries only the sender's SignalingMode.
type SignalMessage struct {
	ID          string                     `json:"id"`
	Type        SignalType                 `json:"type"`
	From        string                     `json:"from"`
	To          string                     `json:"to,omitempty"`
	Description *webrtc.SessionDescription `json:"description,omitempty"`
	Candidate   *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	Mode        SignalingMode              `json:"mode,omitempty"`
}

// Envelope is the relay bus frame wrapping a SignalMessage.
type Envelope struct {
	Type    string        `json:"type"`
	Event   string        `json:"event"`
	Topic   string        `json:"topic,omitempty"`
	Payload SignalMessage `json:"payload"`
}

const (
	EnvelopeBroadcast = "broadcast"
	EventSignal       = "signal"
)

// ChannelStatus is the relay subscription lifecycle reported to the engine.
type ChannelStatus string

const (
	StatusJoining    ChannelStatus = "joining"
	StatusSubscribed ChannelStatus = "subscribed"
	StatusClosed     ChannelStatus = "closed"
	StatusErrored    ChannelStatus = "errored"
)

// ICEServer holds one STUN/TURN endpoint for transport construction.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// ChannelBinding is the resolved relay channel for one session. Re-created
// wholesale on credential refresh or retry, never mutated in place.
type ChannelBinding struct {
	Name string
	Mode SignalingMode
}
