// Package relay wraps the hosted pub/sub bus used for signaling exchange.
// The bus offers at-least-once, best-effort-ordered delivery while
// subscribed and nothing else: a failed Send means the message may be lost
// and the caller may retry.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/yosoyebj/betrora-coach-sub000/internal/domain"
)

const pingInterval = 25 * time.Second

// frame is the generic wire message on the bus socket.
type frame struct {
	Type    string               `json:"type"`
	Event   string               `json:"event,omitempty"`
	Topic   string               `json:"topic,omitempty"`
	Status  domain.ChannelStatus `json:"status,omitempty"`
	Payload domain.SignalMessage `json:"payload,omitempty"`
}

// Bus joins channels on the relay websocket endpoint.
type Bus struct {
	url string
}

// NewBus creates a Bus for the given websocket URL.
func NewBus(rawURL string) *Bus {
	return &Bus{url: rawURL}
}

// Join dials the bus, subscribes to channel and starts the read loop. The
// returned channel reports StatusJoining immediately and StatusSubscribed
// once the bus acknowledges the subscription.
func (b *Bus) Join(ctx context.Context, channel, token string) (domain.RelayChannel, error) {
	u, err := url.Parse(b.url)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	q := u.Query()
	q.Set("topic", channel)
	q.Set("token", token)
	u.RawQuery = q.Encode()

	log.Debug().Str("component", "relay").Str("channel", channel).Msg("dialing relay bus")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	ch := &Channel{
		conn:   conn,
		topic:  channel,
		closed: make(chan struct{}),
	}
	ch.setStatus(domain.StatusJoining)

	if err := ch.sendFrame(frame{Type: "join", Topic: channel}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send join frame: %w", err)
	}

	go ch.readLoop()
	go ch.pingLoop()

	return ch, nil
}

// Channel is one live subscription. Handlers registered after messages have
// already arrived still see the latest status and any buffered signals.
type Channel struct {
	conn  *websocket.Conn
	topic string

	writeMu sync.Mutex

	mu         sync.Mutex
	onSignal   func(domain.SignalMessage)
	onStatus   func(domain.ChannelStatus)
	lastStatus domain.ChannelStatus
	pending    []domain.SignalMessage

	closeOnce sync.Once
	closed    chan struct{}
}

// Send broadcasts one signal message to the channel. Best effort.
func (c *Channel) Send(msg domain.SignalMessage) error {
	select {
	case <-c.closed:
		return fmt.Errorf("channel %s closed", c.topic)
	default:
	}
	return c.sendFrame(frame{
		Type:    domain.EnvelopeBroadcast,
		Event:   domain.EventSignal,
		Topic:   c.topic,
		Payload: msg,
	})
}

func (c *Channel) sendFrame(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// OnSignal registers the inbound signal handler and flushes any signals that
// arrived before registration, in receipt order.
func (c *Channel) OnSignal(fn func(domain.SignalMessage)) {
	c.mu.Lock()
	c.onSignal = fn
	buffered := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, msg := range buffered {
		fn(msg)
	}
}

// OnStatus registers the status handler and replays the latest status.
func (c *Channel) OnStatus(fn func(domain.ChannelStatus)) {
	c.mu.Lock()
	c.onStatus = fn
	last := c.lastStatus
	c.mu.Unlock()

	if last != "" {
		fn(last)
	}
}

// Close tears down the subscription. Idempotent.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
		c.setStatus(domain.StatusClosed)
	})
}

func (c *Channel) setStatus(s domain.ChannelStatus) {
	c.mu.Lock()
	c.lastStatus = s
	fn := c.onStatus
	c.mu.Unlock()

	if fn != nil {
		fn(s)
	}
}

func (c *Channel) dispatchSignal(msg domain.SignalMessage) {
	c.mu.Lock()
	fn := c.onSignal
	if fn == nil {
		c.pending = append(c.pending, msg)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	fn(msg)
}

func (c *Channel) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				log.Warn().Err(err).Str("component", "relay").Str("channel", c.topic).Msg("read error")
				c.setStatus(domain.StatusErrored)
				c.Close()
			}
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Warn().Err(err).Str("component", "relay").Msg("malformed frame")
			continue
		}

		switch f.Type {
		case "status":
			log.Debug().Str("component", "relay").Str("channel", c.topic).Str("status", string(f.Status)).Msg("subscription status")
			c.setStatus(f.Status)
		case domain.EnvelopeBroadcast:
			if f.Event != domain.EventSignal {
				continue
			}
			c.dispatchSignal(f.Payload)
		default:
			log.Debug().Str("component", "relay").Str("frame", f.Type).Msg("unhandled frame type")
		}
	}
}

func (c *Channel) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(5*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				select {
				case <-c.closed:
				default:
					log.Warn().Err(err).Str("component", "relay").Msg("ping error")
				}
				return
			}
		}
	}
}
