package session

import (
	"sync/atomic"
	"time"

	"github.com/yosoyebj/betrora-coach-sub000/internal/domain"
)

// Counters are observability-only diagnostics owned by the health reporter.
// Negotiation logic never reads them.
type Counters struct {
	sentJoin      atomic.Int64
	sentOffer     atomic.Int64
	sentAnswer    atomic.Int64
	sentCandidate atomic.Int64

	recvJoin      atomic.Int64
	recvOffer     atomic.Int64
	recvAnswer    atomic.Int64
	recvCandidate atomic.Int64

	duplicatesDropped atomic.Int64
	ignoredOffers     atomic.Int64
	droppedAnswers    atomic.Int64
	restarts          atomic.Int64

	remoteQueueDepth atomic.Int64
	localQueueDepth  atomic.Int64

	lastOfferSentMs     atomic.Int64
	lastAnswerAppliedMs atomic.Int64
}

// NewCounters creates a zeroed counter set. A retry constructs a fresh one.
func NewCounters() *Counters { return &Counters{} }

func (c *Counters) bucket(t domain.SignalType, sent bool) *atomic.Int64 {
	switch t {
	case domain.SignalJoin:
		if sent {
			return &c.sentJoin
		}
		return &c.recvJoin
	case domain.SignalOffer:
		if sent {
			return &c.sentOffer
		}
		return &c.recvOffer
	case domain.SignalAnswer:
		if sent {
			return &c.sentAnswer
		}
		return &c.recvAnswer
	default:
		if sent {
			return &c.sentCandidate
		}
		return &c.recvCandidate
	}
}

func (c *Counters) RecordSent(t domain.SignalType)     { c.bucket(t, true).Add(1) }
func (c *Counters) RecordReceived(t domain.SignalType) { c.bucket(t, false).Add(1) }
func (c *Counters) RecordDuplicate()                   { c.duplicatesDropped.Add(1) }
func (c *Counters) RecordIgnoredOffer()                { c.ignoredOffers.Add(1) }
func (c *Counters) RecordDroppedAnswer()               { c.droppedAnswers.Add(1) }
func (c *Counters) RecordRestart()                     { c.restarts.Add(1) }

func (c *Counters) SetRemoteQueueDepth(n int) { c.remoteQueueDepth.Store(int64(n)) }
func (c *Counters) SetLocalQueueDepth(n int)  { c.localQueueDepth.Store(int64(n)) }

func (c *Counters) MarkOfferSent(at time.Time)     { c.lastOfferSentMs.Store(at.UnixMilli()) }
func (c *Counters) MarkAnswerApplied(at time.Time) { c.lastAnswerAppliedMs.Store(at.UnixMilli()) }

// Snapshot is a point-in-time copy of all counters for the health reporter.
type Snapshot struct {
	SentJoin      int64
	SentOffer     int64
	SentAnswer    int64
	SentCandidate int64

	RecvJoin      int64
	RecvOffer     int64
	RecvAnswer    int64
	RecvCandidate int64

	DuplicatesDropped int64
	IgnoredOffers     int64
	DroppedAnswers    int64
	Restarts          int64

	RemoteQueueDepth int64
	LocalQueueDepth  int64

	LastOfferSentMs     int64
	LastAnswerAppliedMs int64
}

func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		SentJoin:      c.sentJoin.Load(),
		SentOffer:     c.sentOffer.Load(),
		SentAnswer:    c.sentAnswer.Load(),
		SentCandidate: c.sentCandidate.Load(),

		RecvJoin:      c.recvJoin.Load(),
		RecvOffer:     c.recvOffer.Load(),
		RecvAnswer:    c.recvAnswer.Load(),
		RecvCandidate: c.recvCandidate.Load(),

		DuplicatesDropped: c.duplicatesDropped.Load(),
		IgnoredOffers:     c.ignoredOffers.Load(),
		DroppedAnswers:    c.droppedAnswers.Load(),
		Restarts:          c.restarts.Load(),

		RemoteQueueDepth: c.remoteQueueDepth.Load(),
		LocalQueueDepth:  c.localQueueDepth.Load(),

		LastOfferSentMs:     c.lastOfferSentMs.Load(),
		LastAnswerAppliedMs: c.lastAnswerAppliedMs.Load(),
	}
}
