package hub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialTestClient(t *testing.T, h *Hub, userID int64) (*Client, *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	registered := make(chan *Client, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		registered <- h.Register(userID, conn)
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return <-registered, conn
}

func TestSendReachesUserSockets(t *testing.T) {
	h := New()
	_, conn := dialTestClient(t, h, 42)

	if h.ConnectedUsers() != 1 {
		t.Fatalf("connected users = %d, want 1", h.ConnectedUsers())
	}
	h.Send(42, map[string]string{"kind": "test", "value": "hello"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["value"] != "hello" {
		t.Fatalf("payload = %v", got)
	}
}

func TestCloseDetachesClient(t *testing.T) {
	h := New()
	client, _ := dialTestClient(t, h, 7)

	client.Close()
	client.Close() // second close is a no-op
	if h.ConnectedUsers() != 0 {
		t.Fatalf("connected users = %d after close", h.ConnectedUsers())
	}
	// sends after the socket left must not reach a closed channel
	h.Send(7, map[string]string{"kind": "late"})
}

func TestSendDuringCloseNeverPanics(t *testing.T) {
	h := New()
	for i := 0; i < 30; i++ {
		client, _ := dialTestClient(t, h, 99)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 300; j++ {
				h.Send(99, map[string]int{"seq": j})
			}
		}()
		go func() {
			defer wg.Done()
			client.Close()
		}()
		wg.Wait()
	}
}
