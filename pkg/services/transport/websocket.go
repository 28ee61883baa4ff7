// Package transport implements the push channel sessions the connection
// manager dials: a WebSocket transport and a NATS transport.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"warehouse-overwatch/pkg/normalize"
	"warehouse-overwatch/pkg/services/connection"
	"warehouse-overwatch/pkg/shared"
)

const defaultReadLimit = 4 << 20

type WebSocketConfig struct {
	URL       string
	Token     string
	ReadLimit int64
	Logger    shared.Logger
}

type WebSocket struct {
	cfg WebSocketConfig
}

func NewWebSocket(cfg WebSocketConfig) *WebSocket {
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &WebSocket{cfg: cfg}
}

func (w *WebSocket) Dial(ctx context.Context) (connection.Session, error) {
	if w.cfg.URL == "" {
		return nil, errors.New("websocket url is required")
	}
	header := http.Header{}
	if w.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+w.cfg.Token)
	}

	conn, resp, err := websocket.Dial(ctx, w.cfg.URL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s (status %d): %w", w.cfg.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", w.cfg.URL, err)
	}
	conn.SetReadLimit(w.cfg.ReadLimit)
	return &wsSession{conn: conn, logger: w.cfg.Logger}, nil
}

type wsSession struct {
	conn      *websocket.Conn
	logger    shared.Logger
	closeOnce sync.Once
	closeErr  error
}

type control struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id,omitempty"`
}

func (s *wsSession) Subscribe(ctx context.Context, t connection.Topic) error {
	return wsjson.Write(ctx, s.conn, control{Type: t.Name, TaskID: t.TaskID})
}

func (s *wsSession) Unsubscribe(ctx context.Context, t connection.Topic) error {
	return wsjson.Write(ctx, s.conn, control{Type: shared.UnsubscribeName(t.Name), TaskID: t.TaskID})
}

// Receive returns the next decodable event. Frames that are not valid
// envelopes are logged and skipped.
func (s *wsSession) Receive(ctx context.Context) (shared.Message, error) {
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			return shared.Message{}, fmt.Errorf("failed to read push frame: %w", err)
		}
		if typ != websocket.MessageText {
			continue
		}
		msg, err := normalize.Envelope(data)
		if err != nil {
			s.logger.Printf("[Transport] skipped websocket frame: %v", err)
			continue
		}
		return msg, nil
	}
}

func (s *wsSession) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close(websocket.StatusNormalClosure, "")
	})
	return s.closeErr
}
