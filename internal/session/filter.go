package session

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/yosoyebj/betrora-coach-sub000/internal/domain"
)

// Filter gates every signal crossing the relay channel: outbound messages
// get a fresh unique id, inbound messages are dropped when they are echoes,
// addressed elsewhere, from an unexpected sender, of unknown type, or
// duplicates. The dedup window holds the most recent N ids with oldest-first
// eviction, so memory stays bounded for arbitrarily long sessions.
type Filter struct {
	identity *domain.Identity
	counters *Counters

	window int
	seen   map[string]struct{}
	order  []string
}

// NewFilter creates a Filter for the given session identity. The identity is
// shared with the engine: once the engine pins the remote participant, the
// filter starts enforcing the sender check.
func NewFilter(identity *domain.Identity, window int, counters *Counters) *Filter {
	if window <= 0 {
		window = 1000
	}
	return &Filter{
		identity: identity,
		counters: counters,
		window:   window,
		seen:     make(map[string]struct{}, window),
	}
}

// Outbound stamps msg with a fresh unique id.
func (f *Filter) Outbound(msg *domain.SignalMessage) {
	msg.ID = uuid.NewString()
}

// Inbound reports whether msg should be processed. A false return means the
// message was dropped silently; expected races are not errors.
func (f *Filter) Inbound(msg domain.SignalMessage) bool {
	if msg.From == f.identity.LocalID {
		return false // echo of our own broadcast
	}
	if msg.To != "" && msg.To != f.identity.LocalID {
		return false // addressed elsewhere
	}
	if f.identity.RemoteKnown() && msg.From != f.identity.RemoteID {
		log.Warn().Str("component", "session").Str("from", msg.From).
			Msg("signal from unexpected sender dropped")
		return false
	}
	if !msg.Type.Known() {
		log.Warn().Str("component", "session").Str("type", string(msg.Type)).
			Msg("unknown signal type dropped")
		return false
	}

	if _, dup := f.seen[msg.ID]; dup {
		f.counters.RecordDuplicate()
		return false
	}
	f.record(msg.ID)
	return true
}

func (f *Filter) record(id string) {
	if len(f.order) >= f.window {
		oldest := f.order[0]
		f.order = f.order[1:]
		delete(f.seen, oldest)
	}
	f.seen[id] = struct{}{}
	f.order = append(f.order, id)
}
