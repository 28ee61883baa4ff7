package transport

import (
	"bytes"
	"context"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"warehouse-overwatch/pkg/services/connection"
	"warehouse-overwatch/pkg/shared"
)

type wsServer struct {
	auth     chan string
	controls chan control
}

func newWSServer(t *testing.T) (*wsServer, string) {
	t.Helper()
	ws := &wsServer{auth: make(chan string, 1), controls: make(chan control, 8)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws.auth <- r.Header.Get("Authorization")
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()

		for {
			var c control
			if err := wsjson.Read(ctx, conn, &c); err != nil {
				return
			}
			ws.controls <- c
			if c.Type != shared.TopicMap {
				continue
			}
			_ = conn.Write(ctx, websocket.MessageText, []byte(`not json`))
			_ = conn.Write(ctx, websocket.MessageText, []byte(`{"data":{"id":"r1"}}`))
			_ = wsjson.Write(ctx, conn, map[string]any{"type": "robot_telemetry", "data": map[string]any{"id": "r1", "battery": 42}})
		}
	}))
	t.Cleanup(srv.Close)
	return ws, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketSubscribeAndReceive(t *testing.T) {
	ws, url := newWSServer(t)
	var logs bytes.Buffer
	tr := NewWebSocket(WebSocketConfig{URL: url, Token: "secret", Logger: log.New(&logs, "", 0)})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sess, err := tr.Dial(ctx)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sess.Close()

	if got := <-ws.auth; got != "Bearer secret" {
		t.Fatalf("Authorization = %q", got)
	}
	if err := sess.Subscribe(ctx, connection.MapTopic()); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if c := <-ws.controls; c.Type != shared.TopicMap || c.TaskID != "" {
		t.Fatalf("control = %+v", c)
	}

	msg, err := sess.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if msg.Type != "robot_telemetry" || !strings.Contains(string(msg.Data), `"battery":42`) {
		t.Fatalf("message = %s %s", msg.Type, msg.Data)
	}
	if n := strings.Count(logs.String(), "skipped websocket frame"); n != 2 {
		t.Fatalf("skipped frames logged %d times:\n%s", n, logs.String())
	}

	if err := sess.Unsubscribe(ctx, connection.TaskTopic("t1")); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if c := <-ws.controls; c.Type != "unsubscribe_task" || c.TaskID != "t1" {
		t.Fatalf("control = %+v", c)
	}
}

func TestWebSocketCloseEndsReceive(t *testing.T) {
	_, url := newWSServer(t)
	tr := NewWebSocket(WebSocketConfig{URL: url})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := tr.Dial(ctx)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	errc := make(chan error, 1)
	go func() {
		_, err := sess.Receive(ctx)
		errc <- err
	}()
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_ = sess.Close()

	select {
	case err := <-errc:
		if err == nil {
			t.Fatal("Receive returned nil error after Close")
		}
	case <-ctx.Done():
		t.Fatal("Receive did not return after Close")
	}
}

func TestWebSocketDialRequiresURL(t *testing.T) {
	if _, err := NewWebSocket(WebSocketConfig{}).Dial(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}
