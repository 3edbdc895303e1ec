package admin_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/equitie/fee-engine/internal/admin"
	"github.com/equitie/fee-engine/internal/metrics"
)

func dialHub(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestHub_PublishReachesClient(t *testing.T) {
	hub := admin.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()
	conn := dialHub(t, srv)
	defer conn.Close()

	// Registration is asynchronous to the dial.
	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(metrics.WebSocketClients) < 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	hub.Publish(admin.Event{Type: admin.EventValidation, DealID: 3})
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev admin.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != admin.EventValidation || ev.DealID != 3 {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestHub_ConnectAfterShutdownDoesNotBlock(t *testing.T) {
	hub := admin.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	handled := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.HandleWS(w, r)
		close(handled)
	}))
	defer srv.Close()

	conn := dialHub(t, srv)
	defer conn.Close()

	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("HandleWS blocked after the hub stopped")
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected the connection to be closed")
	}
}

func TestHub_DisconnectAfterShutdownDoesNotBlock(t *testing.T) {
	hub := admin.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()
	conn := dialHub(t, srv)

	cancel()
	<-stopped
	conn.Close()

	// Publishing on a stopped hub must not block either.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 512; i++ {
			hub.Publish(admin.Event{Type: admin.EventSweep})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked after the hub stopped")
	}
}

func TestHub_NilPublishIsNoop(t *testing.T) {
	var hub *admin.Hub
	hub.Publish(admin.Event{Type: admin.EventSweep})
}
