package api

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/srx-beamline/autoscan/internal/infrastructure/config"
	"github.com/srx-beamline/autoscan/internal/ledger"
	"github.com/srx-beamline/autoscan/internal/scanwindow"
	"github.com/srx-beamline/autoscan/internal/sequence"
)

func dialWS(t *testing.T, h *harness) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/api/v1/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("handshake status = %d, want 101", resp.StatusCode)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	//nolint:errcheck // test deadline
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return msg
}

func send(t *testing.T, conn *websocket.Conn, msg WSMessage) {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
}

func waitClients(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for hub.ClientCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("ClientCount() = %d, want %d", hub.ClientCount(), want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWebSocket_Ping(t *testing.T) {
	h := newHarness(t, nil)
	conn := dialWS(t, h)

	send(t, conn, WSMessage{Type: WSTypePing, ID: "p1"})
	msg := readMessage(t, conn)
	if msg.Type != WSTypePong || msg.ID != "p1" {
		t.Errorf("reply = %+v, want pong p1", msg)
	}
}

func TestWebSocket_UnknownType(t *testing.T) {
	h := newHarness(t, nil)
	conn := dialWS(t, h)

	send(t, conn, WSMessage{Type: "bogus", ID: "b1"})
	msg := readMessage(t, conn)
	if msg.Type != WSTypeError || msg.ID != "b1" {
		t.Errorf("reply = %+v, want error b1", msg)
	}
}

func TestWebSocket_StatusStream(t *testing.T) {
	h := newHarness(t, nil)
	conn := dialWS(t, h)
	waitClients(t, h.srv.Hub(), 1)

	send(t, conn, WSMessage{
		Type:    WSTypeSubscribe,
		ID:      "s1",
		Payload: WSSubscribePayload{Channels: []string{ChannelSequenceStatus}},
	})
	if ack := readMessage(t, conn); ack.Type != WSTypeResponse || ack.ID != "s1" {
		t.Fatalf("subscribe ack = %+v", ack)
	}

	// Not subscribed: must not arrive before the status event.
	h.srv.Hub().ProjectionCompleted(sequence.ProjectionEvent{RunID: "run-1", Index: 0})
	h.srv.Hub().StatusChanged(sequence.Snapshot{RunID: "run-1", Status: ledger.RunRunning, Index: 2, Total: 5})

	msg := readMessage(t, conn)
	if msg.Type != WSTypeEvent || msg.EventType != ChannelSequenceStatus {
		t.Fatalf("event = %+v, want %s event", msg, ChannelSequenceStatus)
	}
	payload, _ := msg.Payload.(map[string]any)
	if payload["run_id"] != "run-1" || payload["index"] != 2.0 || payload["status"] != "running" {
		t.Errorf("payload = %v", payload)
	}
}

func TestWebSocket_ProjectionEventAndUnsubscribe(t *testing.T) {
	h := newHarness(t, nil)
	conn := dialWS(t, h)
	waitClients(t, h.srv.Hub(), 1)

	send(t, conn, WSMessage{
		Type:    WSTypeSubscribe,
		ID:      "s1",
		Payload: WSSubscribePayload{Channels: []string{ChannelSequenceProjection, ChannelSequenceStatus}},
	})
	readMessage(t, conn)

	h.srv.Hub().ProjectionCompleted(sequence.ProjectionEvent{
		RunID: "run-1",
		Index: 1,
		Theta: 10,
		Correction: scanwindow.Correction{
			X:             scanwindow.AxisCorrection{Outcome: scanwindow.OutcomeAccepted, Delta: 0.5, Threshold: 1.5},
			Y:             scanwindow.AxisCorrection{Outcome: scanwindow.OutcomeSkipped},
			DataAvailable: true,
			Orientation:   "xy",
		},
	})
	msg := readMessage(t, conn)
	if msg.EventType != ChannelSequenceProjection {
		t.Fatalf("event = %+v, want projection", msg)
	}
	payload, _ := msg.Payload.(map[string]any)
	if payload["theta"] != 10.0 {
		t.Errorf("theta = %v, want 10", payload["theta"])
	}
	corr, _ := payload["correction"].(map[string]any)
	if corr["orientation"] != "xy" {
		t.Errorf("correction = %v", corr)
	}

	send(t, conn, WSMessage{
		Type:    WSTypeUnsubscribe,
		ID:      "u1",
		Payload: WSSubscribePayload{Channels: []string{ChannelSequenceProjection}},
	})
	if ack := readMessage(t, conn); ack.ID != "u1" {
		t.Fatalf("unsubscribe ack = %+v", ack)
	}

	h.srv.Hub().ProjectionCompleted(sequence.ProjectionEvent{RunID: "run-1", Index: 2})
	h.srv.Hub().StatusChanged(sequence.Snapshot{RunID: "run-1", Index: 3})
	if next := readMessage(t, conn); next.EventType != ChannelSequenceStatus {
		t.Errorf("event after unsubscribe = %s, want %s", next.EventType, ChannelSequenceStatus)
	}
}

// testHubConfig leaves every field unset so NewHub applies its fallbacks.
func testHubConfig() config.WebSocketConfig {
	return config.WebSocketConfig{}
}

func TestHub_UnregisterTwiceDoesNotPanic(t *testing.T) {
	hub := NewHub(testHubConfig(), testLogger())
	client := &WSClient{hub: hub, send: make(chan []byte, 1), subscriptions: map[string]struct{}{}}
	hub.Register(client)
	hub.Unregister(client)
	hub.Unregister(client)
	client.trySend([]byte("late"))
	if hub.ClientCount() != 0 {
		t.Errorf("ClientCount() = %d, want 0", hub.ClientCount())
	}
}

func TestNewHub_Defaults(t *testing.T) {
	hub := NewHub(testHubConfig(), testLogger())
	if hub.cfg.MaxMessageSize != 4096 || hub.cfg.PingInterval != 30 || hub.cfg.PongTimeout != 10 {
		t.Errorf("cfg = %+v, want defaults", hub.cfg)
	}
}
