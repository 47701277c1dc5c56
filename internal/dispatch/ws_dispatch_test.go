package dispatch

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
)

// wsConn dials a throwaway server and hands back the server side of the
// upgraded connection.
func wsConn(t *testing.T) *websocket.Conn {
	t.Helper()
	up := websocket.Upgrader{}
	conns := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- c
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return <-conns
}

func TestReconnectDisplacesOldConnection(t *testing.T) {
	reg := NewWSRegistry()
	s1 := reg.Add("p1", wsConn(t))
	s2 := reg.Add("p1", wsConn(t))

	// the first connection's reader goroutine notices the displacement close
	// and removes its own session; the replacement must survive that
	reg.Remove("p1", s1)
	if err := reg.Send("p1", map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("live session must survive stale removal: %v", err)
	}

	reg.Remove("p1", s2)
	if err := reg.Send("p1", map[string]string{"type": "ping"}); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession after removal, got %v", err)
	}
}
