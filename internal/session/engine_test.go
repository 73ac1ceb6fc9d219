package session

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/yosoyebj/betrora-coach-sub000/internal/domain"
)

// fakeTransport models the signaling-state side of a peer connection well
// enough to drive the reducer through whole negotiation rounds.
type fakeTransport struct {
	signaling webrtc.SignalingState
	conn      webrtc.PeerConnectionState
	remoteSet bool

	offersCreated  int
	restartOffers  int
	answersCreated int
	rollbacks      int
	remoteDescs    []webrtc.SessionDescription
	candidates     []webrtc.ICECandidateInit

	createOfferErr error

	onICE  func(*webrtc.ICECandidateInit)
	onConn func(webrtc.PeerConnectionState)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{signaling: webrtc.SignalingStateStable, conn: webrtc.PeerConnectionStateNew}
}

func (f *fakeTransport) SignalingState() webrtc.SignalingState         { return f.signaling }
func (f *fakeTransport) ConnectionState() webrtc.PeerConnectionState   { return f.conn }
func (f *fakeTransport) HasRemoteDescription() bool                    { return f.remoteSet }

func (f *fakeTransport) CreateOffer(iceRestart bool) (*webrtc.SessionDescription, error) {
	if f.createOfferErr != nil {
		return nil, f.createOfferErr
	}
	f.offersCreated++
	if iceRestart {
		f.restartOffers++
	}
	f.signaling = webrtc.SignalingStateHaveLocalOffer
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("v=0 offer %d", f.offersCreated)}, nil
}

func (f *fakeTransport) CreateAnswer() (*webrtc.SessionDescription, error) {
	f.answersCreated++
	f.signaling = webrtc.SignalingStateStable
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (f *fakeTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	f.remoteDescs = append(f.remoteDescs, desc)
	f.remoteSet = true
	if desc.Type == webrtc.SDPTypeOffer {
		f.signaling = webrtc.SignalingStateHaveRemoteOffer
	} else {
		f.signaling = webrtc.SignalingStateStable
	}
	return nil
}

func (f *fakeTransport) Rollback() error {
	f.rollbacks++
	f.signaling = webrtc.SignalingStateStable
	return nil
}

func (f *fakeTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakeTransport) AddTrack(webrtc.TrackLocal) error  { return nil }
func (f *fakeTransport) AddRecvOnlyTransceivers() error    { return nil }
func (f *fakeTransport) CreateDataChannel(string) (domain.DataChannel, error) {
	return nil, errors.New("not in fake")
}
func (f *fakeTransport) OnICECandidate(fn func(*webrtc.ICECandidateInit))            { f.onICE = fn }
func (f *fakeTransport) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) { f.onConn = fn }
func (f *fakeTransport) OnTrack(func(*webrtc.TrackRemote))                           {}
func (f *fakeTransport) OnDataChannel(func(domain.DataChannel))                      {}
func (f *fakeTransport) Close() error                                                { return nil }

// fakeChannel records sent messages; delivery to the other peer is driven by
// the test, so both arrival orders of racing messages can be exercised.
type fakeChannel struct {
	sent    []domain.SignalMessage
	sendErr error
}

func (f *fakeChannel) Send(msg domain.SignalMessage) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, msg)
	return nil
}
func (f *fakeChannel) OnSignal(func(domain.SignalMessage)) {}
func (f *fakeChannel) OnStatus(func(domain.ChannelStatus)) {}
func (f *fakeChannel) Close()                              {}

type peer struct {
	e      *Engine
	tr     *fakeTransport
	ch     *fakeChannel
	fatals []error
	clock  time.Time
}

func newPeer(t *testing.T, local string) *peer {
	t.Helper()
	p := &peer{
		tr:    newFakeTransport(),
		ch:    &fakeChannel{},
		clock: time.Unix(1_700_000_000, 0),
	}
	p.e = NewEngine(
		&domain.Identity{SessionID: "sess", LocalID: local},
		p.tr,
		p.ch,
		domain.ChannelBinding{Name: "chan", Mode: domain.ModeValidated},
		NewCounters(),
		100,
		Tunables{RestartCooldown: 8 * time.Second, StaleOfferAfter: 3 * time.Second},
		func(err error) { p.fatals = append(p.fatals, err) },
		nil,
		nil,
	)
	p.e.now = func() time.Time { return p.clock }
	return p
}

func (p *peer) advance(d time.Duration) { p.clock = p.clock.Add(d) }

func (p *peer) subscribe() { p.e.dispatch(evStatus{status: domain.StatusSubscribed}) }

// pump delivers every still-undelivered broadcast from each peer to both
// peers (the bus echoes the sender's own messages back) until quiescent.
func pump(peers ...*peer) {
	delivered := make([]int, len(peers))
	for {
		progressed := false
		for i, from := range peers {
			for _, msg := range from.ch.sent[delivered[i]:] {
				for _, to := range peers {
					to.e.dispatch(evSignal{msg: msg})
				}
				progressed = true
			}
			delivered[i] = len(from.ch.sent)
		}
		if !progressed {
			return
		}
	}
}

func sentOfType(ch *fakeChannel, t domain.SignalType) []domain.SignalMessage {
	var out []domain.SignalMessage
	for _, m := range ch.sent {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

// Scenario: alice and bob subscribe and exchange joins; alice (lexicographic
// lower) initiates, bob answers, both converge on stable.
func TestHappyPath(t *testing.T) {
	alice := newPeer(t, "alice")
	bob := newPeer(t, "bob")

	alice.subscribe()
	bob.subscribe()
	pump(alice, bob)

	if got := len(sentOfType(alice.ch, domain.SignalOffer)); got != 1 {
		t.Fatalf("alice sent %d offers, want 1", got)
	}
	if got := len(sentOfType(bob.ch, domain.SignalOffer)); got != 0 {
		t.Fatalf("bob sent %d offers, want 0", got)
	}
	if got := len(sentOfType(bob.ch, domain.SignalAnswer)); got != 1 {
		t.Fatalf("bob sent %d answers, want 1", got)
	}
	if alice.e.phase != phaseStable || bob.e.phase != phaseStable {
		t.Errorf("phases alice=%s bob=%s, want stable/stable", alice.e.phase, bob.e.phase)
	}
	if alice.tr.signaling != webrtc.SignalingStateStable || bob.tr.signaling != webrtc.SignalingStateStable {
		t.Errorf("signaling alice=%s bob=%s", alice.tr.signaling, bob.tr.signaling)
	}
	if len(alice.fatals) != 0 || len(bob.fatals) != 0 {
		t.Errorf("unexpected fatals: %v %v", alice.fatals, bob.fatals)
	}
}

// Scenario: after the call is up, the non-initiator adds media and must
// drive the renegotiation round itself.
func TestNonInitiatorRenegotiation(t *testing.T) {
	alice := newPeer(t, "alice")
	bob := newPeer(t, "bob")
	alice.subscribe()
	bob.subscribe()
	pump(alice, bob)

	bob.e.dispatch(evRenegotiate{})
	if got := len(sentOfType(bob.ch, domain.SignalOffer)); got != 1 {
		t.Fatalf("bob sent %d offers after renegotiate, want 1", got)
	}
	pump(alice, bob)

	if got := len(sentOfType(alice.ch, domain.SignalAnswer)); got != 1 {
		t.Fatalf("alice sent %d answers, want 1", got)
	}
	if alice.tr.signaling != webrtc.SignalingStateStable || bob.tr.signaling != webrtc.SignalingStateStable {
		t.Errorf("connection did not re-stabilize: %s / %s", alice.tr.signaling, bob.tr.signaling)
	}
}

// Scenario: connectivity failure triggers exactly one ICE-restart offer per
// cooldown window, and the call recovers without retry().
func TestICERestartRecovery(t *testing.T) {
	alice := newPeer(t, "alice")
	bob := newPeer(t, "bob")
	alice.subscribe()
	bob.subscribe()
	pump(alice, bob)

	alice.e.dispatch(evConnState{state: webrtc.PeerConnectionStateFailed})
	if alice.tr.restartOffers != 1 {
		t.Fatalf("restart offers = %d, want 1", alice.tr.restartOffers)
	}
	if alice.e.phase != phaseRestartPending {
		t.Fatalf("phase = %s, want restart-pending", alice.e.phase)
	}

	// Another failure inside the cooldown must not stack a second restart.
	alice.advance(2 * time.Second)
	alice.e.dispatch(evConnState{state: webrtc.PeerConnectionStateDisconnected})
	if alice.tr.restartOffers != 1 {
		t.Fatalf("restart storm: %d offers", alice.tr.restartOffers)
	}

	pump(alice, bob)
	if alice.tr.signaling != webrtc.SignalingStateStable {
		t.Errorf("restart round did not complete: %s", alice.tr.signaling)
	}
	if got := alice.e.counters.Snapshot().Restarts; got != 1 {
		t.Errorf("restart counter = %d", got)
	}

	// After the cooldown a fresh failure may restart again.
	alice.advance(10 * time.Second)
	alice.e.dispatch(evConnState{state: webrtc.PeerConnectionStateFailed})
	if alice.tr.restartOffers != 2 {
		t.Errorf("post-cooldown restart offers = %d, want 2", alice.tr.restartOffers)
	}
}

// Scenario: two copies of the same offer arrive; only the first is
// processed.
func TestDuplicateOfferDropped(t *testing.T) {
	bob := newPeer(t, "bob")
	bob.subscribe()

	offer := domain.SignalMessage{
		ID:          "dup-1",
		Type:        domain.SignalOffer,
		From:        "alice",
		To:          "bob",
		Description: &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"},
	}
	bob.e.dispatch(evSignal{msg: offer})
	bob.e.dispatch(evSignal{msg: offer})

	if bob.tr.answersCreated != 1 {
		t.Errorf("answers created = %d, want 1", bob.tr.answersCreated)
	}
	if len(bob.tr.remoteDescs) != 1 {
		t.Errorf("remote descriptions applied = %d, want 1", len(bob.tr.remoteDescs))
	}
	if got := bob.e.counters.Snapshot().DuplicatesDropped; got != 1 {
		t.Errorf("duplicate counter = %d", got)
	}
}

// Glare: both peers offer at once. Whatever the delivery order, the system
// converges to exactly one accepted round without deadlock.
func TestGlareConvergence(t *testing.T) {
	for _, aliceFirst := range []bool{true, false} {
		t.Run(fmt.Sprintf("aliceOfferDeliveredFirst=%v", aliceFirst), func(t *testing.T) {
			alice := newPeer(t, "alice")
			bob := newPeer(t, "bob")
			alice.subscribe()
			bob.subscribe()
			pump(alice, bob) // joins + initial round

			// Collide: both sides renegotiate simultaneously.
			alice.e.dispatch(evRenegotiate{})
			bob.e.dispatch(evRenegotiate{})
			aliceOffer := sentOfType(alice.ch, domain.SignalOffer)[1]
			bobOffer := sentOfType(bob.ch, domain.SignalOffer)[0]

			if aliceFirst {
				bob.e.dispatch(evSignal{msg: aliceOffer})
				alice.e.dispatch(evSignal{msg: bobOffer})
			} else {
				alice.e.dispatch(evSignal{msg: bobOffer})
				bob.e.dispatch(evSignal{msg: aliceOffer})
			}
			pump(alice, bob)

			// Impolite alice ignored bob's offer; polite bob rolled back.
			if got := alice.e.counters.Snapshot().IgnoredOffers; got != 1 {
				t.Errorf("alice ignored offers = %d, want 1", got)
			}
			if bob.tr.rollbacks != 1 {
				t.Errorf("bob rollbacks = %d, want 1", bob.tr.rollbacks)
			}
			if got := len(sentOfType(bob.ch, domain.SignalAnswer)); got != 2 {
				t.Errorf("bob answers total = %d, want 2 (initial round + glare round)", got)
			}
			if alice.tr.signaling != webrtc.SignalingStateStable || bob.tr.signaling != webrtc.SignalingStateStable {
				t.Errorf("no convergence: alice=%s bob=%s", alice.tr.signaling, bob.tr.signaling)
			}
		})
	}
}

// A join declaring the other naming scheme blocks all further negotiation.
func TestModeMismatchBlocks(t *testing.T) {
	alice := newPeer(t, "alice")
	alice.subscribe()

	alice.e.dispatch(evSignal{msg: domain.SignalMessage{
		ID: "j1", Type: domain.SignalJoin, From: "bob", Mode: domain.ModeLegacyFallback,
	}})

	if len(alice.fatals) != 1 || !errors.Is(alice.fatals[0], ErrModeMismatch) {
		t.Fatalf("fatals = %v, want ErrModeMismatch", alice.fatals)
	}
	if !alice.e.blocked {
		t.Error("engine not blocked after mode mismatch")
	}

	// Nothing negotiates afterwards, not even a well-formed offer.
	alice.e.dispatch(evSignal{msg: domain.SignalMessage{
		ID: "o1", Type: domain.SignalOffer, From: "bob",
		Description: &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"},
	}})
	if alice.tr.answersCreated != 0 || alice.tr.offersCreated != 0 {
		t.Error("negotiation continued after mode mismatch")
	}
}

// Candidates arriving before the remote description are buffered and applied
// in receipt order once it lands; none are lost.
func TestRemoteCandidateQueueOrder(t *testing.T) {
	bob := newPeer(t, "bob")
	bob.subscribe()

	cand := func(id, c string) domain.SignalMessage {
		return domain.SignalMessage{
			ID: id, Type: domain.SignalICECandidate, From: "alice", To: "bob",
			Candidate: &webrtc.ICECandidateInit{Candidate: c},
		}
	}
	bob.e.dispatch(evSignal{msg: cand("c1", "candidate:1 1 udp 1 10.0.0.1 1000 typ host")})
	bob.e.dispatch(evSignal{msg: cand("c2", "candidate:2 1 udp 1 10.0.0.2 1000 typ host")})

	if len(bob.tr.candidates) != 0 {
		t.Fatal("candidates applied before remote description")
	}
	if got := bob.e.counters.Snapshot().RemoteQueueDepth; got != 2 {
		t.Errorf("queue depth = %d, want 2", got)
	}

	bob.e.dispatch(evSignal{msg: domain.SignalMessage{
		ID: "o1", Type: domain.SignalOffer, From: "alice", To: "bob",
		Description: &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"},
	}})

	if len(bob.tr.candidates) != 2 {
		t.Fatalf("flushed %d candidates, want 2", len(bob.tr.candidates))
	}
	if bob.tr.candidates[0].Candidate != "candidate:1 1 udp 1 10.0.0.1 1000 typ host" {
		t.Error("candidates flushed out of order")
	}

	// A later candidate applies directly.
	bob.e.dispatch(evSignal{msg: cand("c3", "candidate:3 1 udp 1 10.0.0.3 1000 typ host")})
	if len(bob.tr.candidates) != 3 {
		t.Errorf("late candidate not applied: %d", len(bob.tr.candidates))
	}
}

// An empty candidate is the peer's end-of-gathering marker, not an error.
func TestEndOfGatheringNoOp(t *testing.T) {
	bob := newPeer(t, "bob")
	bob.subscribe()

	bob.e.dispatch(evSignal{msg: domain.SignalMessage{
		ID: "c0", Type: domain.SignalICECandidate, From: "alice",
		Candidate: &webrtc.ICECandidateInit{Candidate: ""},
	}})
	if got := bob.e.counters.Snapshot().RemoteQueueDepth; got != 0 {
		t.Errorf("empty candidate was queued (depth %d)", got)
	}
}

// An answer in any state but have-local-offer is an expected race: dropped
// with a warning, state untouched.
func TestOutOfStateAnswerDropped(t *testing.T) {
	bob := newPeer(t, "bob")
	bob.subscribe()

	bob.e.dispatch(evSignal{msg: domain.SignalMessage{
		ID: "a1", Type: domain.SignalAnswer, From: "alice",
		Description: &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"},
	}})
	if len(bob.tr.remoteDescs) != 0 {
		t.Error("out-of-state answer was applied")
	}
	if got := bob.e.counters.Snapshot().DroppedAnswers; got != 1 {
		t.Errorf("dropped-answer counter = %d", got)
	}
}

// A join that arrives long after our unanswered offer means the peer never
// saw it: roll back and send a fresh one.
func TestStaleOfferRollback(t *testing.T) {
	alice := newPeer(t, "alice")
	bob := newPeer(t, "bob")
	alice.subscribe()
	bob.subscribe()

	// Alice learns of bob and offers; the offer is lost in transit.
	aliceJoin := alice.ch.sent[0]
	bobJoin := bob.ch.sent[0]
	alice.e.dispatch(evSignal{msg: bobJoin})
	if alice.tr.offersCreated != 1 {
		t.Fatalf("offers = %d, want 1", alice.tr.offersCreated)
	}
	_ = aliceJoin

	// Bob rejoins 4s later (new id); alice must roll back and re-offer.
	alice.advance(4 * time.Second)
	rejoin := bobJoin
	rejoin.ID = "join-2"
	alice.e.dispatch(evSignal{msg: rejoin})

	if alice.tr.rollbacks != 1 {
		t.Errorf("rollbacks = %d, want 1", alice.tr.rollbacks)
	}
	if alice.tr.offersCreated != 2 {
		t.Errorf("offers = %d, want 2", alice.tr.offersCreated)
	}

	// A prompt rejoin inside the threshold does not churn the offer.
	alice.advance(1 * time.Second)
	rejoin.ID = "join-3"
	alice.e.dispatch(evSignal{msg: rejoin})
	if alice.tr.offersCreated != 2 {
		t.Errorf("offer churn on fresh rejoin: %d offers", alice.tr.offersCreated)
	}
}

// A failed offer send rolls the local description back so a later attempt
// starts clean.
func TestOfferSendFailureRollsBack(t *testing.T) {
	alice := newPeer(t, "alice")
	alice.subscribe()
	alice.ch.sendErr = errors.New("bus down")

	alice.e.dispatch(evSignal{msg: domain.SignalMessage{
		ID: "j1", Type: domain.SignalJoin, From: "bob", Mode: domain.ModeValidated,
	}})

	if alice.tr.rollbacks != 1 {
		t.Errorf("rollbacks = %d, want 1", alice.tr.rollbacks)
	}
	if alice.e.phase != phaseIdle {
		t.Errorf("phase = %s, want idle", alice.e.phase)
	}
	if alice.e.offerEverSent {
		t.Error("offerEverSent set despite send failure")
	}

	// Bus recovers; the next join triggers a clean offer.
	alice.ch.sendErr = nil
	alice.e.dispatch(evSignal{msg: domain.SignalMessage{
		ID: "j2", Type: domain.SignalJoin, From: "bob", Mode: domain.ModeValidated,
	}})
	if got := len(sentOfType(alice.ch, domain.SignalOffer)); got != 1 {
		t.Errorf("offers sent after recovery = %d, want 1", got)
	}
}

// Locally gathered candidates are held until the channel subscribes, then
// flushed in order; loopback candidates never leave the host.
func TestLocalCandidateQueue(t *testing.T) {
	alice := newPeer(t, "alice")

	alice.e.dispatch(evLocalCandidate{cand: &webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.1 1000 typ host"}})
	alice.e.dispatch(evLocalCandidate{cand: &webrtc.ICECandidateInit{Candidate: "candidate:2 1 udp 1 127.0.0.1 1000 typ host"}})
	alice.e.dispatch(evLocalCandidate{cand: &webrtc.ICECandidateInit{Candidate: "candidate:3 1 udp 1 10.0.0.3 1000 typ host"}})
	if len(alice.ch.sent) != 0 {
		t.Fatal("candidates sent before subscribe")
	}

	alice.subscribe()
	cands := sentOfType(alice.ch, domain.SignalICECandidate)
	if len(cands) != 2 {
		t.Fatalf("flushed %d candidates, want 2 (loopback filtered)", len(cands))
	}
	if cands[0].Candidate.Candidate != "candidate:1 1 udp 1 10.0.0.1 1000 typ host" {
		t.Error("local candidates flushed out of order")
	}
}

// Replaying an already-processed signal any number of times leaves the state
// exactly as after the first processing.
func TestDedupIdempotence(t *testing.T) {
	alice := newPeer(t, "alice")
	alice.subscribe()

	join := domain.SignalMessage{ID: "j1", Type: domain.SignalJoin, From: "bob", Mode: domain.ModeValidated}
	for i := 0; i < 5; i++ {
		alice.e.dispatch(evSignal{msg: join})
	}
	if alice.tr.offersCreated != 1 {
		t.Errorf("offers = %d after 5 replays, want 1", alice.tr.offersCreated)
	}
}

// A signal whose sender is our own id is an echo of our broadcast.
func TestEchoDropped(t *testing.T) {
	alice := newPeer(t, "alice")
	alice.subscribe()

	alice.e.dispatch(evSignal{msg: domain.SignalMessage{
		ID: "e1", Type: domain.SignalJoin, From: "alice", Mode: domain.ModeValidated,
	}})
	if alice.e.identity.RemoteKnown() {
		t.Error("echo pinned a remote identity")
	}
	if alice.tr.offersCreated != 0 {
		t.Error("echo triggered negotiation")
	}
}

// A credential refresh swaps the channel under a live engine. The join
// announcement is re-armed: once the replacement subscription confirms, the
// engine announces itself on the new channel while the transport and the
// negotiated state carry over.
func TestRebindReannouncesOnNewChannel(t *testing.T) {
	alice := newPeer(t, "alice")
	bob := newPeer(t, "bob")
	alice.subscribe()
	bob.subscribe()
	pump(alice, bob)

	oldSent := len(alice.ch.sent)
	fresh := &fakeChannel{}
	alice.e.dispatch(evRebind{
		channel: fresh,
		binding: domain.ChannelBinding{Name: "chan-2", Mode: domain.ModeValidated},
	})

	// Nothing goes out until the new subscription confirms.
	if len(fresh.sent) != 0 {
		t.Fatalf("sent %d messages before subscribe", len(fresh.sent))
	}
	alice.e.dispatch(evStatus{status: domain.StatusSubscribed})

	if got := len(sentOfType(fresh, domain.SignalJoin)); got != 1 {
		t.Errorf("joins on new channel = %d, want 1", got)
	}
	if len(alice.ch.sent) != oldSent {
		t.Errorf("old channel received %d new messages", len(alice.ch.sent)-oldSent)
	}
	// The session stays converged: no fresh offer round after the rebind.
	if got := len(sentOfType(fresh, domain.SignalOffer)); got != 0 {
		t.Errorf("offers on new channel = %d, want 0", got)
	}
	if len(alice.fatals) != 0 {
		t.Errorf("fatals = %v", alice.fatals)
	}
}
