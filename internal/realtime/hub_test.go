package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/escrowd/internal/bridge"
	"github.com/mbd888/escrowd/internal/deals"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	event := &Event{Type: EventDealProcessed, DealID: "d1", Timestamp: time.Now()}
	if !h.shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []EventType{EventDealProcessed, EventBridgeError},
	}}

	if !h.shouldSend(client, &Event{Type: EventDealProcessed}) {
		t.Error("Should receive deal_processed events")
	}
	if !h.shouldSend(client, &Event{Type: EventBridgeError}) {
		t.Error("Should receive bridge_error events")
	}
	if h.shouldSend(client, &Event{Type: EventBridgeStatus}) {
		t.Error("Should NOT receive bridge_status events")
	}
}

func TestShouldSend_DealFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{DealIDs: []string{"deal-1"}}}

	if !h.shouldSend(client, &Event{Type: EventBridgeStatus, DealID: "deal-1"}) {
		t.Error("Should match subscribed deal")
	}
	if h.shouldSend(client, &Event{Type: EventBridgeStatus, DealID: "deal-2"}) {
		t.Error("Should NOT match other deals")
	}
	if !h.shouldSend(client, &Event{Type: EventBridgeStatus}) {
		t.Error("Events without a deal should pass the deal filter")
	}
}

func TestShouldSend_CombinedFilters(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []EventType{EventDealProcessed},
		DealIDs:    []string{"deal-1"},
	}}

	if !h.shouldSend(client, &Event{Type: EventDealProcessed, DealID: "deal-1"}) {
		t.Error("Should match type and deal")
	}
	if h.shouldSend(client, &Event{Type: EventBridgeStatus, DealID: "deal-1"}) {
		t.Error("Type filter should still apply")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{}}

	if !h.shouldSend(client, &Event{Type: EventDealProcessed}) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func receive(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case msg := <-c.send:
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
	return Event{}
}

func TestHub_DealProcessed(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	client := &Client{hub: h, send: make(chan []byte, 8), sub: Subscription{AllEvents: true}}
	h.register <- client

	h.DealProcessed(ctx, deals.Outcome{
		DealID: "deal-1",
		Action: deals.ActionRelease,
		Result: deals.ResultReleased,
		Status: deals.StatusFundsReleased,
		TxHash: "0xabc",
	})

	ev := receive(t, client)
	if ev.Type != EventDealProcessed || ev.DealID != "deal-1" {
		t.Errorf("unexpected event %+v", ev)
	}
	data, _ := ev.Data.(map[string]interface{})
	if data["txHash"] != "0xabc" {
		t.Errorf("expected txHash in payload, got %v", ev.Data)
	}
}

func TestHub_BridgeEvents(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	client := &Client{hub: h, send: make(chan []byte, 8), sub: Subscription{DealIDs: []string{"deal-7"}}}
	h.register <- client

	h.OnStatusUpdate("deal-other", bridge.StatusReport{ExecutionID: "x0", Status: bridge.StatusDone})
	h.OnStatusUpdate("deal-7", bridge.StatusReport{ExecutionID: "x1", Status: bridge.StatusInProgress})
	h.OnError("deal-7", errors.New("aggregator unavailable"))

	ev := receive(t, client)
	if ev.Type != EventBridgeStatus || ev.DealID != "deal-7" {
		t.Errorf("expected bridge_status for deal-7, got %+v", ev)
	}
	ev = receive(t, client)
	if ev.Type != EventBridgeError {
		t.Errorf("expected bridge_error, got %+v", ev)
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_WebSocketEndToEnd(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?dealId=deal-9"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for h.Stats()["connectedClients"].(int) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	h.DealProcessed(ctx, deals.Outcome{DealID: "deal-1", Result: deals.ResultReleased})
	h.DealProcessed(ctx, deals.Outcome{DealID: "deal-9", Result: deals.ResultCancelled})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.DealID != "deal-9" {
		t.Errorf("expected only deal-9 events, got %q", ev.DealID)
	}
}
