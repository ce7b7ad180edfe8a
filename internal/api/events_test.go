package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Jackela/impetus/internal/contract"
	"github.com/Jackela/impetus/internal/intervention"
)

func dialEvents(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) *ActionEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev ActionEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return &ev
}

func doGenerate(t *testing.T, baseURL, key string) *intervention.Response {
	t.Helper()
	req := generateRequest(t, baseURL, intervention.ModeMuse, "他打开门，犹豫着要不要进去。")
	req.Header.Set(contract.HeaderIdempotencyKey, key)
	req.Header.Set(contract.HeaderContractVersion, contract.Version)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var action intervention.Response
	if err := json.NewDecoder(resp.Body).Decode(&action); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return &action
}

// waitForSubscriber blocks until the hub has registered a connection;
// the upgrade handshake completes on the client side slightly before
// the server's handler finishes registration.
func waitForSubscriber(t *testing.T, h *Hub) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		n := len(h.clients)
		h.mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("subscriber never registered")
}

func TestBroadcastConcurrentWriters(t *testing.T) {
	hub := NewHub(slog.Default())
	srv := httptest.NewServer(http.HandlerFunc(hub.handleSubscribe))
	defer srv.Close()
	defer hub.Close()

	conn := dialEvents(t, "ws"+strings.TrimPrefix(srv.URL, "http"))
	waitForSubscriber(t, hub)

	const writers, perWriter = 8, 25
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				hub.Broadcast(ActionEvent{
					ActionID: fmt.Sprintf("act_%d_%d", i, j),
					Action:   intervention.ActionProvoke,
					Source:   intervention.ModeMuse,
					IssuedAt: time.Now().UTC(),
				})
			}
		}(i)
	}

	// Every broadcast must arrive as an intact frame; interleaved
	// writers on one connection would corrupt the stream and fail the
	// reads below.
	seen := make(map[string]bool, writers*perWriter)
	for i := 0; i < writers*perWriter; i++ {
		ev := readEvent(t, conn)
		if seen[ev.ActionID] {
			t.Fatalf("duplicate event %s", ev.ActionID)
		}
		seen[ev.ActionID] = true
	}
	wg.Wait()
}

func TestCachedRepeatDoesNotRebroadcast(t *testing.T) {
	ts, _ := testServer(t, false)
	conn := dialEvents(t, "ws"+strings.TrimPrefix(ts.URL, "http")+"/api/v1/events")

	first := doGenerate(t, ts.URL, "dup-key")
	repeat := doGenerate(t, ts.URL, "dup-key")
	if repeat.ActionID != first.ActionID {
		t.Fatalf("repeat ActionID = %q, want %q", repeat.ActionID, first.ActionID)
	}
	fresh := doGenerate(t, ts.URL, "fresh-key")

	if ev := readEvent(t, conn); ev.ActionID != first.ActionID {
		t.Errorf("first event = %q, want %q", ev.ActionID, first.ActionID)
	}
	// The cached repeat emits nothing; the next event on the wire is
	// the fresh action.
	if ev := readEvent(t, conn); ev.ActionID != fresh.ActionID {
		t.Errorf("second event = %q, want %q", ev.ActionID, fresh.ActionID)
	}
}
