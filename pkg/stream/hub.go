// Package stream fans the audit log out to live observers. Each subscriber
// owns its read cursor, heartbeat ticker and goroutine; closing one never
// touches another.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/agentscm/pkg/audit"
)

const (
	DefaultMaxSubscribers = 20
	DefaultHeartbeat      = 15 * time.Second
	subscriberBuffer      = 64
)

// ErrTooManySubscribers is returned by Subscribe at capacity.
var ErrTooManySubscribers = errors.New("stream: too many live subscribers")

// Source is the tailable log a Hub reads from.
type Source interface {
	ReadFrom(offset int64) ([][]byte, int64, error)
	Changed() <-chan struct{}
}

// Message is either one serialized audit entry or a heartbeat.
type Message struct {
	Entry     []byte
	Heartbeat bool
}

// Hub replays the log to each new subscriber, then streams appends.
type Hub struct {
	src       Source
	max       int
	heartbeat time.Duration
	logger    *slog.Logger

	mu     sync.Mutex
	active int
}

// Option configures a Hub.
type Option func(*Hub)

func WithMaxSubscribers(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.max = n
		}
	}
}

func WithHeartbeat(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.heartbeat = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.logger = l }
}

// NewHub creates a hub over src.
func NewHub(src Source, opts ...Option) *Hub {
	h := &Hub{
		src:       src,
		max:       DefaultMaxSubscribers,
		heartbeat: DefaultHeartbeat,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "stream")
	return h
}

// Active returns the number of open subscriptions.
func (h *Hub) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

// Subscribe registers a subscriber. The subscription ends when ctx is done
// or Close is called, whichever comes first.
func (h *Hub) Subscribe(ctx context.Context) (*Subscription, error) {
	h.mu.Lock()
	if h.active >= h.max {
		h.mu.Unlock()
		return nil, ErrTooManySubscribers
	}
	h.active++
	h.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		events: make(chan Message, subscriberBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go h.run(ctx, s)
	return s, nil
}

func (h *Hub) release() {
	h.mu.Lock()
	h.active--
	h.mu.Unlock()
}

func (h *Hub) run(ctx context.Context, s *Subscription) {
	defer close(s.done)
	defer close(s.events)
	defer h.release()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	var cursor int64
	for {
		changed := h.src.Changed()
		lines, next, err := h.src.ReadFrom(cursor)
		if err != nil {
			h.logger.WarnContext(ctx, "subscriber read failed", "error", err)
			s.err = err
			return
		}
		cursor = next
		for _, line := range lines {
			if _, ok := audit.Parse(line); !ok {
				continue
			}
			if !s.send(ctx, Message{Entry: line}) {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-changed:
		case <-ticker.C:
			if !s.send(ctx, Message{Heartbeat: true}) {
				return
			}
		}
	}
}

// Subscription is one live observer.
type Subscription struct {
	events chan Message
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (s *Subscription) send(ctx context.Context, m Message) bool {
	select {
	case s.events <- m:
		return true
	case <-ctx.Done():
		return false
	}
}

// Events delivers the replayed history followed by live entries, in log
// order. It is closed when the subscription ends.
func (s *Subscription) Events() <-chan Message { return s.events }

// Done is closed once all per-subscriber resources are released.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close ends the subscription and waits for its goroutine to exit.
func (s *Subscription) Close() {
	s.cancel()
	<-s.done
}

// Err reports why the subscription ended on its own, if it did. Valid after
// Done is closed.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}
