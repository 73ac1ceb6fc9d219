// Package session implements the two-party negotiation engine: signal
// dedup/routing, offer/answer/ICE exchange with glare resolution, stale-offer
// recovery and the bounded ICE-restart loop. All asynchronous inputs (relay
// signals, subscription status, connectivity changes, renegotiation requests)
// are serialized onto one event queue consumed by a single reducer goroutine,
// so there is no shared-memory concurrency inside a negotiation round.
package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/yosoyebj/betrora-coach-sub000/internal/domain"
)

// ErrModeMismatch means the two peers disagree on the channel-naming scheme.
// Fatal: negotiation is blocked for the rest of the session.
var ErrModeMismatch = errors.New("signaling mode mismatch between peers")

// phase is the explicit negotiation state. The reducer goroutine serializes
// all transitions, so in-flight work (offer creation, answer creation) cannot
// interleave with inbound signals.
type phase int

const (
	phaseIdle phase = iota
	phaseOfferPending
	phaseOfferSent
	phaseAnswerPending
	phaseStable
	phaseRestartPending
)

func (p phase) String() string {
	switch p {
	case phaseIdle:
		return "idle"
	case phaseOfferPending:
		return "offer-pending"
	case phaseOfferSent:
		return "offer-sent"
	case phaseAnswerPending:
		return "answer-pending"
	case phaseStable:
		return "stable"
	case phaseRestartPending:
		return "restart-pending"
	}
	return "unknown"
}

type event interface{ isEvent() }

type evSignal struct{ msg domain.SignalMessage }
type evStatus struct{ status domain.ChannelStatus }
type evConnState struct{ state webrtc.PeerConnectionState }
type evLocalCandidate struct{ cand *webrtc.ICECandidateInit }
type evRenegotiate struct{}
type evRebind struct {
	channel domain.RelayChannel
	binding domain.ChannelBinding
}

func (evSignal) isEvent()         {}
func (evStatus) isEvent()         {}
func (evConnState) isEvent()      {}
func (evLocalCandidate) isEvent() {}
func (evRenegotiate) isEvent()    {}
func (evRebind) isEvent()         {}

// Tunables carry the timing knobs of the self-healing behaviors. The stale
// offer threshold in particular is a heuristic, not a contract.
type Tunables struct {
	RestartCooldown time.Duration
	StaleOfferAfter time.Duration
}

// Engine drives one transport instance from construction to connected,
// through renegotiations, to teardown. Engines are single-use: a retry
// constructs a new transport and a new engine.
type Engine struct {
	identity  *domain.Identity
	transport domain.Transport
	channel   domain.RelayChannel
	binding   domain.ChannelBinding
	filter    *Filter
	counters  *Counters
	tun       Tunables

	// Reducer-owned state. Touched only from the run goroutine (or from
	// tests calling dispatch directly).
	phase             phase
	blocked           bool
	subscribed        bool
	joinSent          bool
	offerEverSent     bool
	offerEverReceived bool
	offerSentAt       time.Time
	lastRestart       time.Time

	pendingRemote []webrtc.ICECandidateInit
	pendingLocal  []domain.SignalMessage

	events chan event
	done   chan struct{}
	stop   sync.Once

	onFatal      func(error)
	onConnState  func(webrtc.PeerConnectionState)
	onFirstOffer func()
	now          func() time.Time
}

// NewEngine wires an engine to its transport and relay channel. onFatal is
// invoked (from the reducer goroutine) for configuration-fatal and transport
// API failures; onConnState forwards connectivity changes for coarse state
// mapping; onFirstOffer fires immediately before the first offer of the
// transport is created, so the owner can attach the chat data channel.
func NewEngine(
	identity *domain.Identity,
	transport domain.Transport,
	channel domain.RelayChannel,
	binding domain.ChannelBinding,
	counters *Counters,
	dedupWindow int,
	tun Tunables,
	onFatal func(error),
	onConnState func(webrtc.PeerConnectionState),
	onFirstOffer func(),
) *Engine {
	if tun.RestartCooldown <= 0 {
		tun.RestartCooldown = 8 * time.Second
	}
	if tun.StaleOfferAfter <= 0 {
		tun.StaleOfferAfter = 3 * time.Second
	}
	e := &Engine{
		identity:     identity,
		transport:    transport,
		channel:      channel,
		binding:      binding,
		counters:     counters,
		tun:          tun,
		filter:       NewFilter(identity, dedupWindow, counters),
		events:       make(chan event, 64),
		done:         make(chan struct{}),
		onFatal:      onFatal,
		onConnState:  onConnState,
		onFirstOffer: onFirstOffer,
		now:          time.Now,
	}

	transport.OnICECandidate(func(cand *webrtc.ICECandidateInit) {
		e.post(evLocalCandidate{cand: cand})
	})
	transport.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		e.post(evConnState{state: state})
	})
	channel.OnSignal(func(msg domain.SignalMessage) {
		e.post(evSignal{msg: msg})
	})
	channel.OnStatus(func(status domain.ChannelStatus) {
		e.post(evStatus{status: status})
	})

	return e
}

// Start launches the reducer goroutine.
func (e *Engine) Start() {
	go e.run()
}

// Stop halts event processing. Idempotent; it does not close the transport
// or the channel, which the owning controller tears down.
func (e *Engine) Stop() {
	e.stop.Do(func() { close(e.done) })
}

// Renegotiate asks the engine to send a fresh offer carrying new local
// tracks. The side adding tracks drives this round regardless of which peer
// is nominally the initiator.
func (e *Engine) Renegotiate() {
	e.post(evRenegotiate{})
}

// Rebind swaps in a freshly joined relay channel after a credential refresh.
// The transport and all negotiation state carry over untouched; the engine
// re-announces itself once the new subscription confirms.
func (e *Engine) Rebind(channel domain.RelayChannel, binding domain.ChannelBinding) {
	// Queue the swap before registering handlers: the channel replays any
	// buffered status synchronously on registration, and those events must
	// land after the swap.
	e.post(evRebind{channel: channel, binding: binding})
	channel.OnSignal(func(msg domain.SignalMessage) {
		e.post(evSignal{msg: msg})
	})
	channel.OnStatus(func(status domain.ChannelStatus) {
		e.post(evStatus{status: status})
	})
}

func (e *Engine) post(ev event) {
	select {
	case <-e.done:
	case e.events <- ev:
	}
}

func (e *Engine) run() {
	for {
		select {
		case <-e.done:
			return
		case ev := <-e.events:
			e.dispatch(ev)
		}
	}
}

// dispatch is the single reducer: every state transition happens here.
func (e *Engine) dispatch(ev event) {
	switch ev := ev.(type) {
	case evStatus:
		e.handleStatus(ev.status)
	case evSignal:
		e.handleSignal(ev.msg)
	case evConnState:
		e.handleConnState(ev.state)
	case evLocalCandidate:
		e.handleLocalCandidate(ev.cand)
	case evRenegotiate:
		e.handleRenegotiate()
	case evRebind:
		e.handleRebind(ev.channel, ev.binding)
	}
}

func (e *Engine) transition(to phase) {
	if e.phase == to {
		return
	}
	log.Debug().Str("component", "session").
		Stringer("from", e.phase).Stringer("to", to).Msg("negotiation phase")
	e.phase = to
}

// fatal marks the session unrecoverable and surfaces the error to the owner.
func (e *Engine) fatal(err error) {
	e.blocked = true
	log.Error().Err(err).Str("component", "session").Msg("negotiation blocked")
	if e.onFatal != nil {
		e.onFatal(err)
	}
}

// fail reports a transport API failure. The owner maps it to the failed
// connection state; recovery is ICE restart or a user-triggered retry.
func (e *Engine) fail(err error) {
	log.Error().Err(err).Str("component", "session").Msg("negotiation step failed")
	if e.onFatal != nil {
		e.onFatal(err)
	}
}

func (e *Engine) handleStatus(status domain.ChannelStatus) {
	switch status {
	case domain.StatusSubscribed:
		e.subscribed = true
		e.sendJoin()
		e.flushLocalCandidates()
		e.maybeOffer()
	case domain.StatusClosed, domain.StatusErrored:
		e.subscribed = false
	}
}

// handleRebind adopts a replacement channel after a credential refresh. The
// join announcement is re-armed so the peer hears from us on the new
// subscription even if it joined while we were away.
func (e *Engine) handleRebind(channel domain.RelayChannel, binding domain.ChannelBinding) {
	e.channel = channel
	e.binding = binding
	e.subscribed = false
	e.joinSent = false
	log.Debug().Str("component", "session").Str("channel", binding.Name).Msg("channel rebound")
}

// sendJoin announces the local peer on the channel, carrying the signaling
// mode so both sides can detect a naming-scheme disagreement. At most one
// join per setup.
func (e *Engine) sendJoin() {
	if e.joinSent || e.blocked {
		return
	}
	msg := domain.SignalMessage{
		Type: domain.SignalJoin,
		From: e.identity.LocalID,
		Mode: e.binding.Mode,
	}
	e.filter.Outbound(&msg)
	if err := e.channel.Send(msg); err != nil {
		log.Warn().Err(err).Str("component", "session").Msg("join send failed, will rely on peer join")
		return
	}
	e.joinSent = true
	e.counters.RecordSent(domain.SignalJoin)
}

func (e *Engine) handleSignal(msg domain.SignalMessage) {
	if e.blocked {
		return
	}
	if !e.filter.Inbound(msg) {
		return
	}
	e.counters.RecordReceived(msg.Type)

	// The remote identity is pinned from the first signal that passes the
	// filter; after that, the filter enforces it.
	if err := e.identity.PinRemote(msg.From); err != nil {
		e.fatal(err)
		return
	}

	switch msg.Type {
	case domain.SignalJoin:
		e.handleJoin(msg)
	case domain.SignalOffer:
		e.handleOffer(msg)
	case domain.SignalAnswer:
		e.handleAnswer(msg)
	case domain.SignalICECandidate:
		e.handleRemoteCandidate(msg)
	}
}

func (e *Engine) handleJoin(msg domain.SignalMessage) {
	if msg.Mode != "" && msg.Mode != e.binding.Mode {
		e.fatal(fmt.Errorf("%w: local %q, remote %q", ErrModeMismatch, e.binding.Mode, msg.Mode))
		return
	}

	// Late join: the peer announced itself after our offer had been on the
	// wire long enough that it plainly never saw it. Roll back and re-offer
	// so the new arrival gets a fresh one.
	if e.phase == phaseOfferSent && e.now().Sub(e.offerSentAt) > e.tun.StaleOfferAfter {
		log.Warn().Str("component", "session").
			Dur("age", e.now().Sub(e.offerSentAt)).Msg("stale offer, rolling back for late join")
		if err := e.transport.Rollback(); err != nil {
			e.fail(fmt.Errorf("rollback stale offer: %w", err))
			return
		}
		e.transition(phaseIdle)
		e.sendOffer(false)
		return
	}

	e.maybeOffer()
}

// maybeOffer creates the initial offer when every gate is open: we are the
// elected initiator, nothing has been offered or received yet, the channel
// is live and the transport is quiescent.
func (e *Engine) maybeOffer() {
	if e.blocked || !e.subscribed {
		return
	}
	if !e.identity.Initiator() {
		return
	}
	if e.phase != phaseIdle || e.offerEverSent || e.offerEverReceived {
		return
	}
	if e.transport.SignalingState() != webrtc.SignalingStateStable {
		return
	}
	e.sendOffer(false)
}

func (e *Engine) sendOffer(iceRestart bool) {
	if !e.offerEverSent && !iceRestart && e.onFirstOffer != nil {
		e.onFirstOffer()
	}

	e.transition(phaseOfferPending)
	desc, err := e.transport.CreateOffer(iceRestart)
	if err != nil {
		e.transition(phaseIdle)
		e.fail(fmt.Errorf("create offer: %w", err))
		return
	}

	msg := domain.SignalMessage{
		Type:        domain.SignalOffer,
		From:        e.identity.LocalID,
		To:          e.identity.RemoteID,
		Description: desc,
	}
	e.filter.Outbound(&msg)
	if err := e.channel.Send(msg); err != nil {
		// The message may be lost; undo the local description so a later
		// attempt starts clean.
		log.Warn().Err(err).Str("component", "session").Msg("offer send failed, rolling back")
		if e.transport.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
			if rbErr := e.transport.Rollback(); rbErr != nil {
				e.fail(fmt.Errorf("rollback after send failure: %w", rbErr))
				return
			}
		}
		e.transition(phaseIdle)
		return
	}

	e.counters.RecordSent(domain.SignalOffer)
	e.offerEverSent = true
	e.offerSentAt = e.now()
	e.counters.MarkOfferSent(e.offerSentAt)

	if iceRestart {
		e.lastRestart = e.now()
		e.counters.RecordRestart()
		e.transition(phaseRestartPending)
	} else {
		e.transition(phaseOfferSent)
	}
}

// handleOffer processes a remote offer, resolving glare with the polite-peer
// rule: when both sides offered at once, the impolite (initiator) peer's
// offer wins and the polite peer rolls back and answers.
func (e *Engine) handleOffer(msg domain.SignalMessage) {
	if msg.Description == nil {
		log.Warn().Str("component", "session").Msg("offer without description dropped")
		return
	}
	e.offerEverReceived = true

	midOffer := e.phase == phaseOfferPending || e.phase == phaseOfferSent || e.phase == phaseRestartPending ||
		e.transport.SignalingState() != webrtc.SignalingStateStable

	if midOffer {
		if !e.identity.Polite() {
			e.counters.RecordIgnoredOffer()
			log.Debug().Str("component", "session").Msg("glare: impolite peer ignoring remote offer")
			return
		}
		log.Debug().Str("component", "session").Msg("glare: polite peer rolling back local offer")
		if e.transport.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
			if err := e.transport.Rollback(); err != nil {
				e.fail(fmt.Errorf("glare rollback: %w", err))
				return
			}
		}
		e.transition(phaseIdle)
	}

	if err := e.transport.SetRemoteDescription(*msg.Description); err != nil {
		e.fail(fmt.Errorf("apply remote offer: %w", err))
		return
	}
	e.flushRemoteCandidates()

	e.transition(phaseAnswerPending)
	answer, err := e.transport.CreateAnswer()
	if err != nil {
		e.fail(fmt.Errorf("create answer: %w", err))
		return
	}

	reply := domain.SignalMessage{
		Type:        domain.SignalAnswer,
		From:        e.identity.LocalID,
		To:          msg.From,
		Description: answer,
	}
	e.filter.Outbound(&reply)
	if err := e.channel.Send(reply); err != nil {
		// Best effort: the peer re-offers on its stale-offer path.
		log.Warn().Err(err).Str("component", "session").Msg("answer send failed")
	} else {
		e.counters.RecordSent(domain.SignalAnswer)
	}
	e.transition(phaseStable)
}

// handleAnswer applies a remote answer. Valid only while a local offer is
// outstanding; anything else is an expected race and is warn-dropped without
// touching state.
func (e *Engine) handleAnswer(msg domain.SignalMessage) {
	if e.transport.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		e.counters.RecordDroppedAnswer()
		log.Warn().Str("component", "session").
			Stringer("signaling", e.transport.SignalingState()).Msg("answer out of state, dropped")
		return
	}
	if msg.Description == nil {
		log.Warn().Str("component", "session").Msg("answer without description dropped")
		return
	}

	if err := e.transport.SetRemoteDescription(*msg.Description); err != nil {
		e.fail(fmt.Errorf("apply remote answer: %w", err))
		return
	}
	e.flushRemoteCandidates()
	e.counters.MarkAnswerApplied(e.now())
	e.transition(phaseStable)
}

// handleRemoteCandidate queues candidates that arrive before the remote
// description and applies the rest immediately. An empty candidate is the
// peer's end-of-gathering marker, not an error.
func (e *Engine) handleRemoteCandidate(msg domain.SignalMessage) {
	if msg.Candidate == nil || msg.Candidate.Candidate == "" {
		return
	}
	if !e.transport.HasRemoteDescription() {
		e.pendingRemote = append(e.pendingRemote, *msg.Candidate)
		e.counters.SetRemoteQueueDepth(len(e.pendingRemote))
		return
	}
	if err := e.transport.AddICECandidate(*msg.Candidate); err != nil {
		log.Warn().Err(err).Str("component", "session").Msg("add remote candidate failed")
	}
}

func (e *Engine) flushRemoteCandidates() {
	for _, cand := range e.pendingRemote {
		if err := e.transport.AddICECandidate(cand); err != nil {
			log.Warn().Err(err).Str("component", "session").Msg("flush remote candidate failed")
		}
	}
	e.pendingRemote = nil
	e.counters.SetRemoteQueueDepth(0)
}

// handleLocalCandidate forwards locally gathered candidates, queueing them
// until the channel is subscribed. Loopback candidates are never useful to
// the remote peer and are filtered.
func (e *Engine) handleLocalCandidate(cand *webrtc.ICECandidateInit) {
	if cand == nil || cand.Candidate == "" {
		log.Debug().Str("component", "session").Msg("local ICE gathering complete")
		return
	}
	if isLoopback(cand.Candidate) {
		return
	}

	msg := domain.SignalMessage{
		Type:      domain.SignalICECandidate,
		From:      e.identity.LocalID,
		To:        e.identity.RemoteID,
		Candidate: cand,
	}
	if !e.subscribed {
		e.pendingLocal = append(e.pendingLocal, msg)
		e.counters.SetLocalQueueDepth(len(e.pendingLocal))
		return
	}
	e.sendCandidate(msg)
}

func (e *Engine) flushLocalCandidates() {
	for _, msg := range e.pendingLocal {
		e.sendCandidate(msg)
	}
	e.pendingLocal = nil
	e.counters.SetLocalQueueDepth(0)
}

func (e *Engine) sendCandidate(msg domain.SignalMessage) {
	e.filter.Outbound(&msg)
	if err := e.channel.Send(msg); err != nil {
		log.Warn().Err(err).Str("component", "session").Msg("candidate send failed")
		return
	}
	e.counters.RecordSent(domain.SignalICECandidate)
}

// handleConnState runs the bounded ICE-restart loop: a failed or
// disconnected transport triggers at most one restart offer per cooldown
// window, and only while the signaling machine is quiescent.
func (e *Engine) handleConnState(state webrtc.PeerConnectionState) {
	if e.onConnState != nil {
		e.onConnState(state)
	}

	if state != webrtc.PeerConnectionStateFailed && state != webrtc.PeerConnectionStateDisconnected {
		return
	}
	if e.blocked || !e.subscribed {
		return
	}
	if e.phase == phaseRestartPending {
		return
	}
	if !e.lastRestart.IsZero() && e.now().Sub(e.lastRestart) < e.tun.RestartCooldown {
		return
	}
	if e.transport.SignalingState() != webrtc.SignalingStateStable {
		return
	}

	log.Info().Str("component", "session").Stringer("conn", state).Msg("attempting ICE restart")
	e.sendOffer(true)
}

// handleRenegotiate sends a fresh offer carrying changed local media. This is
// the one case where the initiator rule is deliberately overridden: the side
// adding tracks must drive the round that carries them.
func (e *Engine) handleRenegotiate() {
	if e.blocked || !e.subscribed || !e.identity.RemoteKnown() {
		return
	}
	if e.transport.SignalingState() != webrtc.SignalingStateStable {
		return
	}
	e.sendOffer(false)
}

func isLoopback(candidate string) bool {
	return strings.Contains(candidate, "127.0.0.1") || strings.Contains(candidate, "::1 ")
}
