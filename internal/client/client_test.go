package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"appdeck/internal/protocol"

	"github.com/gorilla/websocket"
)

// echoServer answers "echo" with the payload, fails "boom", and pushes a
// "tick" event before answering "push".
func echoServer(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		for {
			var req protocol.Request
			if err := ws.ReadJSON(&req); err != nil {
				return
			}
			resp := protocol.Response{ID: req.ID, Channel: req.Channel}
			switch req.Channel {
			case "echo":
				resp.Success = true
				resp.Data = req.Payload
			case "push":
				ws.WriteJSON(protocol.Push{Channel: "tick", Data: json.RawMessage(`{"n":1}`)})
				resp.Success = true
			case "hang":
				continue
			default:
				resp.Error = "it broke"
			}
			if err := ws.WriteJSON(resp); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T) *Client {
	t.Helper()
	c, err := Dial(context.Background(), echoServer(t), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCall_DecodesResponse(t *testing.T) {
	c := dial(t)

	var out struct {
		AppName string `json:"appName"`
	}
	if err := c.Call(context.Background(), "echo", protocol.AppRef{AppName: "web"}, &out); err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if out.AppName != "web" {
		t.Errorf("AppName = %q, want web", out.AppName)
	}
}

func TestCall_RemoteError(t *testing.T) {
	c := dial(t)

	err := c.Call(context.Background(), "boom", nil, nil)
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("Call() error = %v, want RemoteError", err)
	}
	if remote.Message != "it broke" || remote.Channel != "boom" {
		t.Errorf("RemoteError = %+v", remote)
	}
}

func TestCall_ConcurrentCallsMatchResponses(t *testing.T) {
	c := dial(t)

	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		go func(n int) {
			var out map[string]int
			if err := c.Call(context.Background(), "echo", map[string]int{"n": n}, &out); err != nil {
				errs <- err
				return
			}
			if out["n"] != n {
				errs <- errors.New("response matched the wrong request")
				return
			}
			errs <- nil
		}(i)
	}
	for i := 0; i < 20; i++ {
		if err := <-errs; err != nil {
			t.Error(err)
		}
	}
}

func TestEvents(t *testing.T) {
	c := dial(t)

	if err := c.Call(context.Background(), "push", nil, nil); err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	select {
	case ev := <-c.Events():
		if ev.Channel != "tick" || string(ev.Data) != `{"n":1}` {
			t.Errorf("event = %s %s", ev.Channel, ev.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
}

func TestCall_ContextTimeout(t *testing.T) {
	c := dial(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := c.Call(ctx, "hang", nil, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Call() error = %v, want DeadlineExceeded", err)
	}
}

func TestCall_AfterClose(t *testing.T) {
	c := dial(t)
	c.Close()

	if err := c.Call(context.Background(), "echo", nil, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Call() after Close error = %v, want ErrClosed", err)
	}
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Error("Done not closed after Close")
	}
}
