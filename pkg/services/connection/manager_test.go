package connection

import (
	"bytes"
	"context"
	"errors"
	"log"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"warehouse-overwatch/pkg/services/bus"
	"warehouse-overwatch/pkg/shared"
)

type fakeSession struct {
	mu        sync.Mutex
	subs      []Topic
	unsubs    []Topic
	msgs      chan shared.Message
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeSession() *fakeSession {
	return &fakeSession{msgs: make(chan shared.Message, 16), closed: make(chan struct{})}
}

func (s *fakeSession) Subscribe(_ context.Context, t Topic) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, t)
	return nil
}

func (s *fakeSession) Unsubscribe(_ context.Context, t Topic) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubs = append(s.unsubs, t)
	return nil
}

func (s *fakeSession) Receive(ctx context.Context) (shared.Message, error) {
	select {
	case m := <-s.msgs:
		return m, nil
	case <-s.closed:
		return shared.Message{}, errors.New("session closed")
	case <-ctx.Done():
		return shared.Message{}, ctx.Err()
	}
}

func (s *fakeSession) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSession) subscribed() []Topic {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.subs)
}

type fakeTransport struct {
	mu       sync.Mutex
	failures int // dials failing before the first success; -1 fails forever
	dials    int
	sessions chan *fakeSession
}

func newFakeTransport(failures int) *fakeTransport {
	return &fakeTransport{failures: failures, sessions: make(chan *fakeSession, 16)}
}

func (t *fakeTransport) Dial(context.Context) (Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials++
	if t.failures < 0 || t.dials <= t.failures {
		return nil, errors.New("connection refused")
	}
	s := newFakeSession()
	t.sessions <- s
	return s, nil
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *fakeTransport) next(tb testing.TB) *fakeSession {
	tb.Helper()
	select {
	case s := <-t.sessions:
		return s
	case <-time.After(2 * time.Second):
		tb.Fatal("timed out waiting for a session")
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func fastConfig() Config {
	return Config{InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Multiplier: 2, DialTimeout: time.Second}
}

type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (l *stateLog) record(e bus.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, e.Payload.(StateEvent).State)
}

func (l *stateLog) snapshot() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.states)
}

func quietLogger() shared.Logger { return log.New(&bytes.Buffer{}, "", 0) }

func TestConnectSubscribesThenResyncsAndDelivers(t *testing.T) {
	tr := newFakeTransport(0)
	b := bus.New()
	states := &stateLog{}
	b.Subscribe(shared.BusConnectionState, states.record)

	var order []string
	var orderMu sync.Mutex
	received := make(chan shared.Message, 4)
	m := NewManager(fastConfig(), tr, Options{
		Handler: func(msg shared.Message) { received <- msg },
		OnConnected: func(context.Context) error {
			orderMu.Lock()
			order = append(order, "resync")
			orderMu.Unlock()
			return nil
		},
		Bus:    b,
		Logger: quietLogger(),
	})
	if err := m.Subscribe(context.Background(), MapTopic()); err != nil {
		t.Fatalf("Subscribe before start: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Close()

	sess := tr.next(t)
	waitFor(t, "CONNECTED", func() bool { return m.State() == Connected })
	if got := sess.subscribed(); !slices.Equal(got, []Topic{MapTopic()}) {
		t.Fatalf("subscriptions = %v", got)
	}
	waitFor(t, "resync", func() bool {
		orderMu.Lock()
		defer orderMu.Unlock()
		return len(order) == 1
	})

	if err := m.Subscribe(context.Background(), TaskTopic("t1")); err != nil {
		t.Fatalf("Subscribe while connected: %v", err)
	}
	if got := sess.subscribed(); len(got) != 2 || got[1] != TaskTopic("t1") {
		t.Fatalf("live subscription not sent: %v", got)
	}

	sess.msgs <- shared.Message{Type: shared.EventRobotUpdate}
	select {
	case msg := <-received:
		if msg.Type != shared.EventRobotUpdate {
			t.Fatalf("type = %s", msg.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	if got := states.snapshot(); !slices.Equal(got, []State{Connecting, Connected}) {
		t.Fatalf("states = %v", got)
	}
}

func TestReconnectReissuesSubscriptionsAndResyncs(t *testing.T) {
	tr := newFakeTransport(0)
	var resyncs atomic.Int32
	m := NewManager(fastConfig(), tr, Options{
		OnConnected: func(context.Context) error {
			resyncs.Add(1)
			return nil
		},
		Logger: quietLogger(),
	})
	_ = m.Subscribe(context.Background(), MapTopic())
	_ = m.Subscribe(context.Background(), TaskTopic("t7"))
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	first := tr.next(t)
	waitFor(t, "first resync", func() bool { return resyncs.Load() == 1 })
	_ = m.Unsubscribe(context.Background(), TaskTopic("t7"))
	first.Close()

	second := tr.next(t)
	waitFor(t, "second resync", func() bool { return resyncs.Load() == 2 })
	if got := second.subscribed(); !slices.Equal(got, []Topic{MapTopic()}) {
		t.Fatalf("re-issued subscriptions = %v", got)
	}
	if m.State() != Connected {
		t.Fatalf("state = %s", m.State())
	}
}

func TestBackoffRetriesUntilConnected(t *testing.T) {
	tr := newFakeTransport(3)
	m := NewManager(fastConfig(), tr, Options{Logger: quietLogger()})
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	tr.next(t)
	waitFor(t, "CONNECTED", func() bool { return m.State() == Connected })
	if n := tr.dialCount(); n != 4 {
		t.Fatalf("dials = %d, want 4", n)
	}
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	tr := newFakeTransport(-1)
	cfg := fastConfig()
	cfg.MaxAttempts = 2
	b := bus.New()
	states := &stateLog{}
	b.Subscribe(shared.BusConnectionState, states.record)

	m := NewManager(cfg, tr, Options{Bus: b, Logger: quietLogger()})
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "DISCONNECTED", func() bool {
		s := states.snapshot()
		return len(s) > 0 && s[len(s)-1] == Disconnected
	})
	m.Close()

	if n := tr.dialCount(); n != 3 {
		t.Fatalf("dials = %d, want 3", n)
	}
	if got := states.snapshot(); !slices.Equal(got, []State{Connecting, Reconnecting, Disconnected}) {
		t.Fatalf("states = %v", got)
	}
}

func TestCloseStopsHandler(t *testing.T) {
	tr := newFakeTransport(0)
	var calls atomic.Int32
	m := NewManager(fastConfig(), tr, Options{
		Handler: func(shared.Message) { calls.Add(1) },
		Logger:  quietLogger(),
	})
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	sess := tr.next(t)
	waitFor(t, "CONNECTED", func() bool { return m.State() == Connected })

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	sess.msgs <- shared.Message{Type: shared.EventRobotUpdate}
	time.Sleep(20 * time.Millisecond)

	if calls.Load() != 0 {
		t.Fatalf("handler called %d times after close", calls.Load())
	}
	if m.State() != Disconnected {
		t.Fatalf("state = %s", m.State())
	}
	if err := m.Subscribe(context.Background(), MapTopic()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Subscribe after close err = %v", err)
	}
	if err := m.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Start after close err = %v", err)
	}
}

func TestBackoffSchedule(t *testing.T) {
	cfg := Config{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, Multiplier: 2}
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		if got := cfg.Backoff(i + 1); got != w {
			t.Fatalf("Backoff(%d) = %s, want %s", i+1, got, w)
		}
	}
	if got := cfg.Backoff(10_000); got != time.Second {
		t.Fatalf("Backoff(huge) = %s", got)
	}
}
