// Package chat carries transient text over the session data channel. The
// message list lives in memory for the session only and is discarded on
// teardown; nothing is ever persisted.
package chat

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/yosoyebj/betrora-coach-sub000/internal/domain"
)

// ErrChannelNotOpen means the data channel is absent or not yet open. The
// message is dropped, not queued.
var ErrChannelNotOpen = errors.New("chat channel not open")

// Message is one chat frame: {"type":"message","text":...}.
type Message struct {
	Type string `json:"type"`
	Text string `json:"text"`
	Mine bool   `json:"-"`
}

const messageType = "message"

// Room is the session-scoped chat state.
type Room struct {
	mu       sync.Mutex
	dc       domain.DataChannel
	messages []Message
}

func NewRoom() *Room { return &Room{} }

// Bind attaches the room to a data channel, either the locally created one
// on the offering side or the remotely announced one elsewhere.
// Renegotiations keep the existing binding.
func (r *Room) Bind(dc domain.DataChannel) {
	r.mu.Lock()
	if r.dc != nil {
		r.mu.Unlock()
		return
	}
	r.dc = dc
	r.mu.Unlock()

	dc.OnOpen(func() {
		log.Debug().Str("component", "chat").Str("label", dc.Label()).Msg("chat channel open")
	})
	dc.OnMessage(func(data []byte) {
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			log.Warn().Err(err).Str("component", "chat").Msg("malformed chat frame")
			return
		}
		if m.Type != messageType {
			return
		}
		r.mu.Lock()
		r.messages = append(r.messages, m)
		r.mu.Unlock()
	})
	dc.OnClose(func() {
		log.Debug().Str("component", "chat").Msg("chat channel closed")
	})
}

// Send transmits one message. When the channel is not open the message is
// dropped and ErrChannelNotOpen tells the caller so.
func (r *Room) Send(text string) error {
	r.mu.Lock()
	dc := r.dc
	r.mu.Unlock()

	if dc == nil || !dc.Open() {
		return ErrChannelNotOpen
	}

	frame, err := json.Marshal(Message{Type: messageType, Text: text})
	if err != nil {
		return err
	}
	if err := dc.SendText(string(frame)); err != nil {
		return err
	}

	r.mu.Lock()
	r.messages = append(r.messages, Message{Type: messageType, Text: text, Mine: true})
	r.mu.Unlock()
	return nil
}

// Messages returns a copy of the session's chat history so far.
func (r *Room) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// Reset discards the channel binding and the message list. Called on
// teardown; idempotent.
func (r *Room) Reset() {
	r.mu.Lock()
	r.dc = nil
	r.messages = nil
	r.mu.Unlock()
}
