// Package call owns the lifecycle of one coaching call: setup, retry,
// credential refresh, teardown, and the coarse connection state the UI
// renders. It wires the relay channel, the negotiation engine, local media
// and the chat room together for each attempt.
package call

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/yosoyebj/betrora-coach-sub000/internal/chat"
	"github.com/yosoyebj/betrora-coach-sub000/internal/domain"
	"github.com/yosoyebj/betrora-coach-sub000/internal/media"
	"github.com/yosoyebj/betrora-coach-sub000/internal/session"
)

// ConnState is the coarse state surfaced to the UI.
type ConnState string

const (
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateFailed       ConnState = "failed"
	StateDisconnected ConnState = "disconnected"
)

const chatChannelLabel = "chat"

// Deps carries everything a Controller needs. TransportFactory builds one
// transport per attempt; transports are never reused across retries.
type Deps struct {
	Identity *domain.Identity
	Token    string

	Resolver domain.ChannelResolver
	ICE      domain.ICEDiscoverer
	Bus      domain.Bus

	TransportFactory func(servers []domain.ICEServer) (domain.Transport, error)
	Capture          media.CaptureFunc

	ViewerOnly bool

	DedupWindow    int
	Tunables       session.Tunables
	HealthInterval time.Duration
	RetryDelay     time.Duration
}

// Controller is the session lifecycle manager. One Controller serves the
// whole app run; transports, engines and counters are per-attempt.
type Controller struct {
	deps  Deps
	media *media.Controller
	chat  *chat.Room

	// engine is read lock-free from the renegotiation callback, which can
	// fire while mu is held during setup.
	engine atomic.Pointer[session.Engine]

	mu         sync.Mutex
	token      string
	state      ConnState
	transport  domain.Transport
	channel    domain.RelayChannel
	binding    domain.ChannelBinding
	counters   *session.Counters
	chatDC     domain.DataChannel
	healthStop chan struct{}
	rejoining  bool
	onTrack    func(track *webrtc.TrackRemote)
}

// New creates a Controller. Nothing connects until Setup.
func New(deps Deps) *Controller {
	c := &Controller{
		deps:  deps,
		token: deps.Token,
		state: StateDisconnected,
		chat:  chat.NewRoom(),
	}
	c.media = media.NewController(deps.Capture, c.renegotiate)
	return c
}

// OnRemoteTrack registers the sink for incoming remote tracks. Must be set
// before Setup; tracks arriving with no sink are dropped.
func (c *Controller) OnRemoteTrack(fn func(track *webrtc.TrackRemote)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

// Setup resolves the channel binding, builds a transport, joins the relay
// and starts the negotiation engine. No-op when a session is already live.
func (c *Controller) Setup(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.transport != nil {
		return nil
	}
	c.state = StateConnecting

	binding, err := c.deps.Resolver.Resolve(ctx, c.deps.Identity.SessionID)
	if err != nil {
		c.state = StateFailed
		return fmt.Errorf("resolve channel: %w", err)
	}

	servers := c.deps.ICE.Servers(ctx)
	transport, err := c.deps.TransportFactory(servers)
	if err != nil {
		c.state = StateFailed
		return fmt.Errorf("create transport: %w", err)
	}

	onTrack := c.onTrack
	transport.OnTrack(func(track *webrtc.TrackRemote) {
		if onTrack != nil {
			onTrack(track)
		}
	})
	transport.OnDataChannel(func(dc domain.DataChannel) {
		if dc.Label() != chatChannelLabel {
			return
		}
		// Track the adopted channel so a later local offer (viewer upgrade,
		// glare) reuses it instead of declaring a second one.
		c.mu.Lock()
		if c.transport == transport && c.chatDC == nil {
			c.chatDC = dc
		}
		c.mu.Unlock()
		c.chat.Bind(dc)
	})

	c.media.Bind(transport)
	if c.deps.ViewerOnly {
		if err := transport.AddRecvOnlyTransceivers(); err != nil {
			transport.Close()
			c.state = StateFailed
			return fmt.Errorf("add recv-only transceivers: %w", err)
		}
	} else if err := c.media.Enable(); err != nil {
		c.media.Release()
		transport.Close()
		c.state = StateFailed
		return err
	}

	channel, err := c.deps.Bus.Join(ctx, binding.Name, c.token)
	if err != nil {
		c.media.Release()
		transport.Close()
		c.state = StateFailed
		return fmt.Errorf("join relay channel: %w", err)
	}

	counters := session.NewCounters()
	engine := session.NewEngine(
		c.deps.Identity, transport, channel, binding, counters,
		c.deps.DedupWindow, c.deps.Tunables,
		c.reportFatal, c.reportConnState,
		func() { c.ensureChatChannel(transport) },
	)
	engine.Start()

	c.transport = transport
	c.channel = channel
	c.binding = binding
	c.counters = counters
	c.engine.Store(engine)
	c.healthStop = make(chan struct{})
	go c.healthLoop(counters, c.healthStop)

	log.Info().Str("component", "call").Str("channel", binding.Name).
		Str("mode", string(binding.Mode)).Bool("viewer_only", c.deps.ViewerOnly).
		Msg("call setup complete")
	return nil
}

// EndCall tears the session down. Idempotent and safe at any point,
// including before Setup and during a failed attempt.
func (c *Controller) EndCall() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked()
}

func (c *Controller) teardownLocked() {
	if c.healthStop != nil {
		close(c.healthStop)
		c.healthStop = nil
	}
	if e := c.engine.Swap(nil); e != nil {
		e.Stop()
	}
	if c.chatDC != nil {
		c.chatDC.Close()
		c.chatDC = nil
	}
	c.chat.Reset()
	c.media.Release()
	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
	if c.transport != nil {
		c.transport.Close()
		c.transport = nil
	}
	c.counters = nil
	c.state = StateDisconnected
}

// Retry tears the current attempt down, waits the configured delay and runs
// a fresh setup with a new transport and fresh counters.
func (c *Controller) Retry(ctx context.Context) error {
	c.EndCall()
	select {
	case <-time.After(c.deps.RetryDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return c.Setup(ctx)
}

// RefreshCredential swaps the relay subscription over to a new token. The
// transport and negotiation state stay live; only the channel is rejoined.
// Re-entrant calls while a rejoin is in flight are ignored.
func (c *Controller) RefreshCredential(ctx context.Context, token string) error {
	c.mu.Lock()
	if c.rejoining {
		c.mu.Unlock()
		return nil
	}
	if c.transport == nil {
		c.token = token
		c.mu.Unlock()
		return nil
	}
	c.rejoining = true
	c.token = token
	old := c.channel
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.rejoining = false
		c.mu.Unlock()
	}()

	binding, err := c.deps.Resolver.Resolve(ctx, c.deps.Identity.SessionID)
	if err != nil {
		return fmt.Errorf("resolve channel: %w", err)
	}
	channel, err := c.deps.Bus.Join(ctx, binding.Name, token)
	if err != nil {
		return fmt.Errorf("rejoin relay channel: %w", err)
	}
	if old != nil {
		old.Close()
	}

	c.mu.Lock()
	c.channel = channel
	c.binding = binding
	engine := c.engine.Load()
	c.mu.Unlock()

	if engine != nil {
		engine.Rebind(channel, binding)
	}
	log.Info().Str("component", "call").Str("channel", binding.Name).Msg("credential refreshed, channel rejoined")
	return nil
}

// State returns the coarse connection state for the UI.
func (c *Controller) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// EnableLocalMedia upgrades a viewer-only session to two-way media. The
// attached tracks trigger a renegotiation round.
func (c *Controller) EnableLocalMedia() error { return c.media.Enable() }

func (c *Controller) ToggleMic() bool        { return c.media.ToggleMic() }
func (c *Controller) ToggleCamera() bool     { return c.media.ToggleCamera() }
func (c *Controller) ToggleRemoteMute() bool { return c.media.ToggleRemoteMute() }
func (c *Controller) MicOn() bool            { return c.media.MicOn() }
func (c *Controller) CameraOn() bool         { return c.media.CameraOn() }
func (c *Controller) RemoteMuted() bool      { return c.media.RemoteMuted() }

// SendMessage sends a chat message over the data channel. Fails when the
// channel is not open; nothing is queued.
func (c *Controller) SendMessage(text string) error { return c.chat.Send(text) }

// Messages returns the in-memory chat history for this session.
func (c *Controller) Messages() []chat.Message { return c.chat.Messages() }

// renegotiate is handed to the media controller; it runs whenever new local
// tracks are attached, including mid-setup when no engine exists yet.
func (c *Controller) renegotiate() {
	if e := c.engine.Load(); e != nil {
		e.Renegotiate()
	}
}

// ensureChatChannel creates the chat data channel on the side that sends
// the first offer, so exactly one side declares it.
func (c *Controller) ensureChatChannel(transport domain.Transport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// The hook runs on the engine goroutine; the attempt may have been torn
	// down in the meantime.
	if c.transport != transport || c.chatDC != nil {
		return
	}
	dc, err := transport.CreateDataChannel(chatChannelLabel)
	if err != nil {
		log.Warn().Err(err).Str("component", "call").Msg("chat channel creation failed")
		return
	}
	c.chatDC = dc
	c.chat.Bind(dc)
}

func (c *Controller) reportFatal(err error) {
	log.Error().Err(err).Str("component", "call").Msg("session blocked")
	c.mu.Lock()
	if c.transport != nil {
		c.state = StateFailed
	}
	c.mu.Unlock()
}

func (c *Controller) reportConnState(state webrtc.PeerConnectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport == nil {
		return
	}
	switch state {
	case webrtc.PeerConnectionStateConnected:
		c.state = StateConnected
	case webrtc.PeerConnectionStateFailed:
		c.state = StateFailed
	}
}

// healthLoop logs a counters snapshot at a fixed interval until teardown.
func (c *Controller) healthLoop(counters *session.Counters, stop chan struct{}) {
	interval := c.deps.HealthInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			snap := counters.Snapshot()
			log.Debug().Str("component", "call").
				Str("state", string(c.State())).
				Int64("sent_offers", snap.SentOffer).
				Int64("recv_offers", snap.RecvOffer).
				Int64("sent_answers", snap.SentAnswer).
				Int64("recv_answers", snap.RecvAnswer).
				Int64("sent_candidates", snap.SentCandidate).
				Int64("recv_candidates", snap.RecvCandidate).
				Int64("dups_dropped", snap.DuplicatesDropped).
				Int64("ignored_offers", snap.IgnoredOffers).
				Int64("dropped_answers", snap.DroppedAnswers).
				Int64("restarts", snap.Restarts).
				Int64("remote_queue", snap.RemoteQueueDepth).
				Int64("local_queue", snap.LocalQueueDepth).
				Msg("session health")
		}
	}
}
