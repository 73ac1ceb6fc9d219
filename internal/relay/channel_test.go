package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yosoyebj/betrora-coach-sub000/internal/domain"
)

// busServer is a minimal in-process relay endpoint: it acks the join frame
// with a subscribed status and exposes the connection for scripted traffic.
type busServer struct {
	*httptest.Server
	conns chan *websocket.Conn
}

func newBusServer(t *testing.T) *busServer {
	t.Helper()
	upgrader := websocket.Upgrader{}
	bs := &busServer{conns: make(chan *websocket.Conn, 1)}

	bs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}

		// First frame must be the join.
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			t.Errorf("read join: %v", err)
			return
		}
		if f.Type != "join" {
			t.Errorf("first frame type %q, want join", f.Type)
		}
		conn.WriteJSON(frame{Type: "status", Status: domain.StatusSubscribed})
		bs.conns <- conn
	}))
	return bs
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestJoinReportsSubscribed(t *testing.T) {
	srv := newBusServer(t)
	defer srv.Close()

	bus := NewBus(wsURL(srv.Server))
	ch, err := bus.Join(context.Background(), "chan-1", "tok")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	defer ch.Close()

	statusCh := make(chan domain.ChannelStatus, 8)
	ch.OnStatus(func(s domain.ChannelStatus) { statusCh <- s })

	// The replayed status is joining or, if the ack raced ahead, subscribed.
	seen := map[domain.ChannelStatus]bool{}
	deadline := time.After(2 * time.Second)
	for !seen[domain.StatusSubscribed] {
		select {
		case s := <-statusCh:
			seen[s] = true
		case <-deadline:
			t.Fatalf("never saw subscribed, saw %v", seen)
		}
	}
}

func TestSendWrapsEnvelope(t *testing.T) {
	srv := newBusServer(t)
	defer srv.Close()

	bus := NewBus(wsURL(srv.Server))
	ch, err := bus.Join(context.Background(), "chan-1", "tok")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	defer ch.Close()
	conn := <-srv.conns

	msg := domain.SignalMessage{ID: "id-1", Type: domain.SignalJoin, From: "alice", Mode: domain.ModeValidated}
	if err := ch.Send(msg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var raw map[string]json.RawMessage
	if err := conn.ReadJSON(&raw); err != nil {
		t.Fatalf("server read: %v", err)
	}
	var typ, event string
	json.Unmarshal(raw["type"], &typ)
	json.Unmarshal(raw["event"], &event)
	if typ != domain.EnvelopeBroadcast || event != domain.EventSignal {
		t.Errorf("envelope type=%q event=%q", typ, event)
	}
	var payload domain.SignalMessage
	if err := json.Unmarshal(raw["payload"], &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.ID != "id-1" || payload.From != "alice" {
		t.Errorf("payload round trip: %+v", payload)
	}
}

func TestInboundSignalDispatch(t *testing.T) {
	srv := newBusServer(t)
	defer srv.Close()

	bus := NewBus(wsURL(srv.Server))
	ch, err := bus.Join(context.Background(), "chan-1", "tok")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	defer ch.Close()
	conn := <-srv.conns

	// Delivered before the handler is registered. Must be buffered.
	conn.WriteJSON(frame{
		Type:    domain.EnvelopeBroadcast,
		Event:   domain.EventSignal,
		Payload: domain.SignalMessage{ID: "m1", Type: domain.SignalOffer, From: "bob"},
	})

	got := make(chan domain.SignalMessage, 8)
	// Small wait so the buffered path is actually exercised.
	time.Sleep(50 * time.Millisecond)
	ch.OnSignal(func(m domain.SignalMessage) { got <- m })

	select {
	case m := <-got:
		if m.ID != "m1" || m.Type != domain.SignalOffer {
			t.Errorf("buffered signal: %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("buffered signal never delivered")
	}

	conn.WriteJSON(frame{
		Type:    domain.EnvelopeBroadcast,
		Event:   domain.EventSignal,
		Payload: domain.SignalMessage{ID: "m2", Type: domain.SignalAnswer, From: "bob"},
	})
	select {
	case m := <-got:
		if m.ID != "m2" {
			t.Errorf("live signal: %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("live signal never delivered")
	}
}

func TestCloseIdempotent(t *testing.T) {
	srv := newBusServer(t)
	defer srv.Close()

	bus := NewBus(wsURL(srv.Server))
	ch, err := bus.Join(context.Background(), "chan-1", "tok")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}

	var last domain.ChannelStatus
	var mu = make(chan struct{}, 1)
	mu <- struct{}{}
	ch.OnStatus(func(s domain.ChannelStatus) {
		<-mu
		last = s
		mu <- struct{}{}
	})

	ch.Close()
	ch.Close() // must not panic

	waitFor(t, "closed status", func() bool {
		<-mu
		defer func() { mu <- struct{}{} }()
		return last == domain.StatusClosed
	})

	if err := ch.Send(domain.SignalMessage{ID: "x"}); err == nil {
		t.Error("Send after Close should error")
	}
}
