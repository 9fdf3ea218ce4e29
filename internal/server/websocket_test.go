package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/reliefops/fieldsync/internal/bridge"
)

func TestWebSocketBridgeForwardsHubMessages(t *testing.T) {
	hub := bridge.NewHub()
	wsBridge := NewWebSocketBridge(hub, nil)
	server := httptest.NewServer(http.HandlerFunc(wsBridge.Handle))
	defer server.Close()
	defer wsBridge.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+server.URL[len("http"):], nil)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	waitForClients(t, wsBridge, 1)

	message, err := bridge.NewMessage(bridge.KindProgress, time.Unix(1700000000, 0), bridge.ProgressPayload{
		Processed: 2, Total: 5, Succeeded: 2,
	})
	if err != nil {
		t.Fatalf("failed to build message: %v", err)
	}
	hub.Publish(message)

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("failed to read from socket: %v", err)
	}
	received, err := bridge.Decode(data)
	if err != nil {
		t.Fatalf("failed to decode message: %v", err)
	}
	if received.Kind != bridge.KindProgress {
		t.Fatalf("expected PROGRESS, got %s", received.Kind)
	}
	progress, err := bridge.DecodeProgress(received)
	if err != nil {
		t.Fatalf("failed to decode progress: %v", err)
	}
	if progress.Processed != 2 || progress.Total != 5 {
		t.Fatalf("unexpected progress payload %+v", progress)
	}
}

func TestWebSocketBridgePublishesClientControlMessages(t *testing.T) {
	hub := bridge.NewHub()
	wsBridge := NewWebSocketBridge(hub, nil)
	server := httptest.NewServer(http.HandlerFunc(wsBridge.Handle))
	defer server.Close()
	defer wsBridge.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, unsubscribe := hub.Subscribe(ctx)
	defer unsubscribe()

	conn, _, err := websocket.Dial(ctx, "ws"+server.URL[len("http"):], nil)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	message, err := bridge.NewMessage(bridge.KindRegister, time.Unix(1700000000, 0), bridge.RegisterPayload{
		MinPriority: 60, Immediate: true,
	})
	if err != nil {
		t.Fatalf("failed to build message: %v", err)
	}
	data, err := json.Marshal(message)
	if err != nil {
		t.Fatalf("failed to marshal message: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("failed to write to socket: %v", err)
	}

	select {
	case received := <-stream:
		if received.Kind != bridge.KindRegister {
			t.Fatalf("expected REGISTER on hub, got %s", received.Kind)
		}
		payload, err := bridge.DecodeRegister(received)
		if err != nil {
			t.Fatalf("failed to decode register: %v", err)
		}
		if payload.MinPriority != 60 || !payload.Immediate {
			t.Fatalf("unexpected register payload %+v", payload)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for hub message")
	}
}

func TestWebSocketBridgeDropsInvalidClientMessages(t *testing.T) {
	hub := bridge.NewHub()
	wsBridge := NewWebSocketBridge(hub, nil)
	server := httptest.NewServer(http.HandlerFunc(wsBridge.Handle))
	defer server.Close()
	defer wsBridge.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, unsubscribe := hub.Subscribe(ctx)
	defer unsubscribe()

	conn, _, err := websocket.Dial(ctx, "ws"+server.URL[len("http"):], nil)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"BOGUS"}`)); err != nil {
		t.Fatalf("failed to write to socket: %v", err)
	}

	select {
	case received := <-stream:
		t.Fatalf("expected no hub message, got %s", received.Kind)
	case <-time.After(200 * time.Millisecond):
	}
}

func waitForClients(t *testing.T, wsBridge *WebSocketBridge, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for wsBridge.ClientCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d clients", want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
