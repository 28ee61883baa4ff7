package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"warehouse-overwatch/pkg/normalize"
	"warehouse-overwatch/pkg/services/connection"
	"warehouse-overwatch/pkg/shared"
)

var errSessionClosed = errors.New("nats session closed")

type NATSConfig struct {
	URL    string
	Token  string
	Name   string
	Buffer int
	Logger shared.Logger
}

type NATS struct {
	cfg NATSConfig
}

func NewNATS(cfg NATSConfig) *NATS {
	if cfg.Name == "" {
		cfg.Name = "warehouse-overwatch"
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &NATS{cfg: cfg}
}

// Subjects maps a push topic to the NATS subjects that carry its events.
func Subjects(t connection.Topic) []string {
	switch t.Name {
	case shared.TopicMap:
		return []string{shared.SubjectRobotsAll, shared.SubjectShelvesAll, shared.SubjectMapSnapshot}
	case shared.TopicShelves:
		return []string{shared.SubjectShelvesAll}
	case shared.TopicTasks:
		return []string{shared.SubjectTasksAll}
	case shared.TopicTask:
		if t.TaskID == "" {
			return nil
		}
		return []string{shared.TaskAllSubject(t.TaskID)}
	}
	return nil
}

func (n *NATS) Dial(ctx context.Context) (connection.Session, error) {
	if n.cfg.URL == "" {
		return nil, errors.New("nats url is required")
	}
	s := &natsSession{
		msgs:   make(chan *nats.Msg, n.cfg.Buffer),
		lost:   make(chan struct{}),
		subs:   make(map[connection.Topic][]*nats.Subscription),
		logger: n.cfg.Logger,
	}

	opts := []nats.Option{
		nats.Name(n.cfg.Name),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				s.logger.Printf("[Transport] nats disconnected: %v", err)
			}
			s.markLost()
		}),
		nats.ClosedHandler(func(_ *nats.Conn) { s.markLost() }),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			if sub != nil {
				s.logger.Printf("[Transport] nats error on %s: %v", sub.Subject, err)
				return
			}
			s.logger.Printf("[Transport] nats error: %v", err)
		}),
	}
	if n.cfg.Token != "" {
		opts = append(opts, nats.Token(n.cfg.Token))
	}
	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(deadline)))
	}

	nc, err := nats.Connect(n.cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", n.cfg.URL, err)
	}
	s.nc = nc
	return s, nil
}

type natsSession struct {
	nc     *nats.Conn
	msgs   chan *nats.Msg
	logger shared.Logger

	mu   sync.Mutex
	subs map[connection.Topic][]*nats.Subscription

	lost     chan struct{}
	lostOnce sync.Once
}

func (s *natsSession) markLost() {
	s.lostOnce.Do(func() { close(s.lost) })
}

func (s *natsSession) Subscribe(ctx context.Context, t connection.Topic) error {
	subjects := Subjects(t)
	if len(subjects) == 0 {
		return fmt.Errorf("no subjects for topic %s", t.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[t]; ok {
		return nil
	}
	subs := make([]*nats.Subscription, 0, len(subjects))
	for _, subject := range subjects {
		sub, err := s.nc.ChanSubscribe(subject, s.msgs)
		if err != nil {
			for _, prev := range subs {
				_ = prev.Unsubscribe()
			}
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}
	s.subs[t] = subs
	return s.nc.FlushWithContext(ctx)
}

func (s *natsSession) Unsubscribe(_ context.Context, t connection.Topic) error {
	s.mu.Lock()
	subs := s.subs[t]
	delete(s.subs, t)
	s.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, fmt.Errorf("failed to unsubscribe %s: %w", sub.Subject, err))
		}
	}
	return errors.Join(errs...)
}

// Receive returns the next event. A body without an event type gets one
// derived from its subject.
func (s *natsSession) Receive(ctx context.Context) (shared.Message, error) {
	for {
		select {
		case <-ctx.Done():
			return shared.Message{}, ctx.Err()
		case <-s.lost:
			return shared.Message{}, errSessionClosed
		case m := <-s.msgs:
			msg, err := decodeNATS(m)
			if err != nil {
				s.logger.Printf("[Transport] skipped message on %s: %v", m.Subject, err)
				continue
			}
			return msg, nil
		}
	}
}

func decodeNATS(m *nats.Msg) (shared.Message, error) {
	msg, err := normalize.Envelope(m.Data)
	if errors.Is(err, normalize.ErrNoEventType) {
		msg = shared.Message{
			Type:       subjectEventType(m.Subject),
			Data:       m.Data,
			ReceivedAt: time.Now().UTC(),
		}
		err = nil
	}
	if err != nil {
		return shared.Message{}, err
	}
	msg.Subject = m.Subject
	return msg, nil
}

var subjectKinds = map[string]string{
	"robots":  shared.KindRobot,
	"shelves": shared.KindShelf,
	"tasks":   shared.KindTask,
}

// subjectEventType derives an event type from a subject such as
// warehouse.robots.r1.telemetry (robot_telemetry).
func subjectEventType(subject string) string {
	tokens := strings.Split(subject, ".")
	last := tokens[len(tokens)-1]
	switch subject {
	case shared.SubjectMapSnapshot:
		return shared.EventMapSnapshot
	case shared.SubjectTasksSnapshot:
		return shared.EventTasksSnapshot
	}
	if len(tokens) < 3 {
		return last
	}
	kind, ok := subjectKinds[tokens[1]]
	if !ok {
		return last
	}
	switch {
	case kind == shared.KindTask && last == "status":
		return shared.EventTaskStatusChanged
	case kind == shared.KindShelf && last == "location":
		return shared.EventShelfLocationUpdate
	case len(tokens) == 3:
		return kind + "_update"
	}
	return kind + "_" + last
}

func (s *natsSession) Close() error {
	s.nc.Close()
	s.markLost()
	return nil
}
