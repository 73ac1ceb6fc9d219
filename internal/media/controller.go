// Package media owns local capture for a call: acquisition with audio-only
// fallback, attachment to the transport, the deferred viewer-to-two-way
// upgrade, and the mute toggles.
package media

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// ErrMediaUnavailable means neither camera+mic nor mic alone could be
// acquired. Surfaced to the user as a media-permission error.
var ErrMediaUnavailable = errors.New("no local media available")

// Capture is one acquired set of local tracks. Close releases the devices.
type Capture struct {
	Tracks    []webrtc.TrackLocal
	AudioOnly bool
	Close     func()
}

// CaptureFunc performs a single acquisition attempt for the requested kinds.
type CaptureFunc func(video, audio bool) (*Capture, error)

// TrackSink is the transport surface the controller needs.
type TrackSink interface {
	AddTrack(track webrtc.TrackLocal) error
}

// Controller manages local media for one session. It survives transport
// retries: Bind attaches it to each new transport instance, Release drops
// the devices on teardown.
type Controller struct {
	capture     CaptureFunc
	renegotiate func()

	mu          sync.Mutex
	sink        TrackSink
	cap         *Capture
	micOn       bool
	camOn       bool
	remoteMuted bool
}

// NewController creates a Controller. renegotiate is invoked after new
// tracks are attached so the remote peer receives them; the negotiation
// engine gates it on transport and channel readiness.
func NewController(capture CaptureFunc, renegotiate func()) *Controller {
	return &Controller{capture: capture, renegotiate: renegotiate}
}

// Bind points the controller at the current transport instance.
func (c *Controller) Bind(sink TrackSink) {
	c.mu.Lock()
	c.sink = sink
	c.mu.Unlock()
}

// Enable acquires camera+mic and attaches the tracks, falling back to
// audio-only when the camera is denied or unavailable. No-op when media is
// already present or no transport is bound.
func (c *Controller) Enable() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cap != nil || c.sink == nil {
		return nil
	}

	cap, err := c.capture(true, true)
	if err != nil {
		log.Warn().Err(err).Str("component", "media").Msg("camera unavailable, trying audio-only")
		cap, err = c.capture(false, true)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
		}
		cap.AudioOnly = true
	}

	for _, track := range cap.Tracks {
		if err := c.sink.AddTrack(track); err != nil {
			if cap.Close != nil {
				cap.Close()
			}
			return fmt.Errorf("attach local track: %w", err)
		}
	}

	c.cap = cap
	c.micOn = true
	c.camOn = !cap.AudioOnly
	log.Info().Str("component", "media").Bool("audio_only", cap.AudioOnly).
		Int("tracks", len(cap.Tracks)).Msg("local media enabled")

	if c.renegotiate != nil {
		c.renegotiate()
	}
	return nil
}

// Enabled reports whether local media has been acquired.
func (c *Controller) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cap != nil
}

// ToggleMic flips the mic mute state and returns the new on/off value.
// Track presence is unchanged, so no renegotiation happens. The state is
// advisory: the capture pipeline keeps producing frames, and whatever
// renders or encodes local audio is expected to gate on MicOn.
func (c *Controller) ToggleMic() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cap == nil {
		return false
	}
	c.micOn = !c.micOn
	return c.micOn
}

// ToggleCamera flips the camera state. Stays off when capture is audio-only.
// Advisory in the same way as ToggleMic: consumers gate rendering on
// CameraOn.
func (c *Controller) ToggleCamera() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cap == nil || c.cap.AudioOnly {
		return false
	}
	c.camOn = !c.camOn
	return c.camOn
}

// ToggleRemoteMute flips local playback muting of remote audio. Client-side
// only; nothing crosses the wire.
func (c *Controller) ToggleRemoteMute() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remoteMuted = !c.remoteMuted
	return c.remoteMuted
}

func (c *Controller) MicOn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.micOn
}

func (c *Controller) CameraOn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.camOn
}

func (c *Controller) RemoteMuted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteMuted
}

// Release stops capture and detaches from the transport. Idempotent; safe
// at any point of the session lifecycle.
func (c *Controller) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cap != nil && c.cap.Close != nil {
		c.cap.Close()
	}
	c.cap = nil
	c.sink = nil
	c.micOn = false
	c.camOn = false
	c.remoteMuted = false
}
