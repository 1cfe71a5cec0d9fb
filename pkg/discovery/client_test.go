package discovery

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// newTestRelay spins up an httptest server implementing just enough of the
// discovery relay surface for Client.Connect: a JSON auth endpoint that
// always succeeds, and a WebSocket endpoint that echoes back whatever
// non-join frame it receives.
func newTestRelay(t *testing.T) *httptest.Server {
	t.Helper()

	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()

	mux.HandleFunc(authPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(authResponse{Status: authStatusSuccess, Data: "test-token"})
	})

	mux.HandleFunc(socketPath, func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f, err := decodeFrame(raw)
			if err != nil {
				continue
			}
			if f.Event == eventJoin {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		}
	})

	return httptest.NewServer(mux)
}

func wsURL(t *testing.T, httpURL string) string {
	t.Helper()
	u, err := url.Parse(httpURL)
	if err != nil {
		t.Fatalf("parsing test server url: %v", err)
	}
	u.Scheme = "ws"
	return u.String()
}

func TestConnectAndEcho(t *testing.T) {
	srv := newTestRelay(t)
	defer srv.Close()

	c, err := New(wsURL(t, srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Connect("alice", nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	if err := c.Send(map[string]string{"hello": "world"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case payload := <-c.Incoming:
		if !strings.Contains(string(payload), "world") {
			t.Fatalf("unexpected echoed payload: %s", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echoed payload")
	}
}

func TestAuthenticateFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(authPath, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(authResponse{Status: authStatusError})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, err := New(wsURL(t, srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Connect("alice", nil); err == nil {
		t.Fatal("expected authentication to fail")
	}
}
