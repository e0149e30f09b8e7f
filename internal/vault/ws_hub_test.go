package vault

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/holiman/uint256"

	"github.com/atmx/vault-engine/internal/ledger"
	"github.com/atmx/vault-engine/internal/metrics"
	"github.com/atmx/vault-engine/internal/model"
	"github.com/atmx/vault-engine/internal/registry"
)

func (h *WSHub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func TestWSHub_BroadcastsLedgerCommits(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewWSHub(registry.Default())
	go hub.Run(ctx)

	notifier := ledger.NewNotifier(ledger.NewMemoryLedger())
	notifier.Subscribe(hub.Publish)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.clientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	pos := model.NewPosition("alice")
	pos.Collateral["stETH"] = uint256.NewInt(1_500_000_000_000_000_000)
	entry := &model.LedgerEntry{
		ID:        "e1",
		Op:        model.OpDeposit,
		Asset:     "stETH",
		Amount:    uint256.NewInt(1_500_000_000_000_000_000),
		Timestamp: time.Now(),
	}
	if err := notifier.Commit(ctx, pos, entry); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != "vault_updated" || msg.Owner != "alice" || msg.Op != "deposit" {
		t.Errorf("unexpected message: %+v", msg)
	}
	if msg.Amount != "1.5" || msg.Version != 1 || msg.Status != model.StatusActive {
		t.Errorf("amount=%s version=%d status=%s", msg.Amount, msg.Version, msg.Status)
	}
}

func TestWSHub_UpgradesThroughServerMiddleware(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewWSHub(registry.Default())
	go hub.Run(ctx)

	// Same middleware chain as cmd/server.
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)
	r.Get("/api/v1/ws", hub.HandleWS)

	srv := httptest.NewServer(r)
	defer srv.Close()

	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/ws", nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial through router failed (status %d): %v", status, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.clientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.Broadcast(WSMessage{Type: "vault_updated", Owner: "alice", Op: "borrow", Version: 2, Status: model.StatusActive})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.Owner != "alice" || msg.Op != "borrow" {
		t.Errorf("unexpected message: %+v", msg)
	}
}

func TestWSHub_ShutdownReleasesHandlers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewWSHub(registry.Default())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// The handler closes the connection instead of blocking on register.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected connection to be closed after hub shutdown")
	}
	if n := hub.clientCount(); n != 0 {
		t.Errorf("expected no clients, got %d", n)
	}
}
