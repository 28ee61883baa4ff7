// Package connection owns the push channel lifecycle: dial, subscribe,
// receive, and reconnect with exponential backoff.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"slices"
	"sync"
	"time"

	"warehouse-overwatch/pkg/metrics"
	"warehouse-overwatch/pkg/shared"
)

type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Reconnecting State = "RECONNECTING"
)

var States = []State{Disconnected, Connecting, Connected, Reconnecting}

var (
	ErrAlreadyStarted = errors.New("connection manager already started")
	ErrClosed         = errors.New("connection manager closed")
)

// Topic is one push subscription. TaskID is set only for task topics.
type Topic struct {
	Name   string `json:"type"`
	TaskID string `json:"task_id,omitempty"`
}

func MapTopic() Topic    { return Topic{Name: shared.TopicMap} }
func ShelvesTopic() Topic { return Topic{Name: shared.TopicShelves} }
func TasksTopic() Topic  { return Topic{Name: shared.TopicTasks} }

func TaskTopic(taskID string) Topic {
	return Topic{Name: shared.TopicTask, TaskID: taskID}
}

// Session is one live push connection. Subscribe and Unsubscribe may be
// called concurrently with Receive.
type Session interface {
	Subscribe(ctx context.Context, t Topic) error
	Unsubscribe(ctx context.Context, t Topic) error
	Receive(ctx context.Context) (shared.Message, error)
	Close() error
}

type Transport interface {
	Dial(ctx context.Context) (Session, error)
}

// Publisher receives state transitions. *bus.Bus satisfies it.
type Publisher interface {
	Publish(topic string, payload any)
}

// StateEvent is published on shared.BusConnectionState for every transition.
type StateEvent struct {
	State    State     `json:"state"`
	Previous State     `json:"previous"`
	Attempt  int       `json:"attempt,omitempty"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

type Config struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64

	// MaxAttempts bounds consecutive failed reconnects; 0 retries forever.
	MaxAttempts int
	DialTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2,
		MaxAttempts:    0,
		DialTimeout:    10 * time.Second,
	}
}

// Backoff returns the delay before reconnect attempt n (1-based).
func (c Config) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	mult := c.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(c.InitialBackoff) * math.Pow(mult, float64(n-1))
	if c.MaxBackoff > 0 && (d > float64(c.MaxBackoff) || math.IsInf(d, 0)) {
		return c.MaxBackoff
	}
	return time.Duration(d)
}

type Options struct {
	// Handler receives every inbound message, on the manager's goroutine.
	Handler func(shared.Message)

	// OnConnected runs after subscriptions are re-issued on every connect.
	OnConnected func(ctx context.Context) error

	Bus     Publisher
	Metrics *metrics.Metrics
	Logger  shared.Logger
}

type Manager struct {
	cfg       Config
	transport Transport
	opts      Options
	logger    shared.Logger

	mu      sync.Mutex
	state   State
	topics  map[Topic]struct{}
	session Session
	cancel  context.CancelFunc
	done    chan struct{}
	closed  bool
}

func NewManager(cfg Config, transport Transport, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		cfg:       cfg,
		transport: transport,
		opts:      opts,
		logger:    logger,
		state:     Disconnected,
		topics:    make(map[Topic]struct{}),
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Topics returns the desired subscription set, sorted.
func (m *Manager) Topics() []Topic {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.topicList()
}

func (m *Manager) topicList() []Topic {
	out := make([]Topic, 0, len(m.topics))
	for t := range m.topics {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b Topic) int {
		if a.Name != b.Name {
			if a.Name < b.Name {
				return -1
			}
			return 1
		}
		switch {
		case a.TaskID < b.TaskID:
			return -1
		case a.TaskID > b.TaskID:
			return 1
		}
		return 0
	})
	return out
}

// Subscribe adds t to the desired set and sends it on the live session if
// there is one. The set is re-issued on every reconnect.
func (m *Manager) Subscribe(ctx context.Context, t Topic) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.topics[t] = struct{}{}
	sess := m.session
	m.mu.Unlock()

	if sess == nil {
		return nil
	}
	if err := sess.Subscribe(ctx, t); err != nil {
		return fmt.Errorf("failed to subscribe %s: %w", t.Name, err)
	}
	return nil
}

func (m *Manager) Unsubscribe(ctx context.Context, t Topic) error {
	m.mu.Lock()
	if _, ok := m.topics[t]; !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.topics, t)
	sess := m.session
	m.mu.Unlock()

	if sess == nil {
		return nil
	}
	if err := sess.Unsubscribe(ctx, t); err != nil {
		return fmt.Errorf("failed to unsubscribe %s: %w", t.Name, err)
	}
	return nil
}

// Start launches the connection loop. It returns immediately.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.cancel != nil {
		return ErrAlreadyStarted
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.run(ctx)
	return nil
}

// Close stops the loop, closes the live session and waits. Once Close returns
// the handler is never invoked again. Close must not be called from the handler.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cancel, done, sess := m.cancel, m.done, m.session
	m.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	if sess != nil {
		_ = sess.Close()
	}
	<-done
	return nil
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	defer m.setState(Disconnected, 0, nil)

	failures := 0
	for {
		connected, err := m.serve(ctx, failures)
		if ctx.Err() != nil {
			return
		}
		if connected {
			failures = 0
			m.logger.Printf("[ConnectionManager] push channel dropped: %v", err)
		}
		failures++
		if m.cfg.MaxAttempts > 0 && failures > m.cfg.MaxAttempts {
			m.logger.Printf("[ConnectionManager] giving up after %d failed attempts: %v", failures, err)
			return
		}

		delay := m.cfg.Backoff(failures)
		m.setState(Reconnecting, failures, err)
		m.logger.Printf("[ConnectionManager] reconnecting in %s (attempt %d): %v", delay, failures, err)
		if !sleep(ctx, delay) {
			return
		}
		m.opts.Metrics.ReconnectAttempt()
	}
}

// serve runs one session from dial to drop. connected reports whether the
// session reached CONNECTED.
func (m *Manager) serve(ctx context.Context, failures int) (connected bool, err error) {
	if failures == 0 {
		m.setState(Connecting, 0, nil)
	}

	dialCtx := ctx
	if m.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, m.cfg.DialTimeout)
		defer cancel()
	}
	sess, err := m.transport.Dial(dialCtx)
	if err != nil {
		return false, fmt.Errorf("failed to dial push channel: %w", err)
	}
	defer sess.Close()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false, ErrClosed
	}
	m.session = sess
	topics := m.topicList()
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.session = nil
		m.mu.Unlock()
	}()

	for _, t := range topics {
		if err := sess.Subscribe(ctx, t); err != nil {
			return false, fmt.Errorf("failed to subscribe %s: %w", t.Name, err)
		}
	}
	m.setState(Connected, 0, nil)

	if m.opts.OnConnected != nil {
		if err := m.opts.OnConnected(ctx); err != nil {
			m.logger.Printf("[ConnectionManager] resync after connect failed: %v", err)
		}
	}

	for {
		msg, err := sess.Receive(ctx)
		if err != nil {
			return true, err
		}
		if m.opts.Handler != nil && ctx.Err() == nil {
			m.opts.Handler(msg)
		}
	}
}

func (m *Manager) setState(state State, attempt int, cause error) {
	m.mu.Lock()
	prev := m.state
	m.state = state
	m.mu.Unlock()
	if prev == state {
		return
	}

	ev := StateEvent{State: state, Previous: prev, Attempt: attempt, At: time.Now().UTC()}
	if cause != nil {
		ev.Error = cause.Error()
	}
	m.logger.Printf("[ConnectionManager] %s -> %s", prev, state)

	all := make([]string, len(States))
	for i, s := range States {
		all[i] = string(s)
	}
	m.opts.Metrics.SetConnectionState(string(state), all)
	if m.opts.Bus != nil {
		m.opts.Bus.Publish(shared.BusConnectionState, ev)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
