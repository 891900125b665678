package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"pve-pulse/internal/metrics"
	"pve-pulse/internal/model"
)

var ErrShutdown = errors.New("broadcast coordinator shut down")

// DeliveryError ends exactly one subscriber.
type DeliveryError struct {
	SubscriberID string
	Version      uint64
	Err          error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver version %d to subscriber %s: %v", e.Version, e.SubscriberID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Source is the read side of the cluster cache.
type Source interface {
	Version() uint64
	Snapshot() model.Snapshot
}

// Conn delivers one snapshot to a destination. Implementations need not be
// safe for concurrent use; a subscriber calls Send from its own loop only.
type Conn interface {
	Send(ctx context.Context, s model.Snapshot) error
}

type ConnFunc func(ctx context.Context, s model.Snapshot) error

func (f ConnFunc) Send(ctx context.Context, s model.Snapshot) error { return f(ctx, s) }

type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Subscriber is one delivery task. lastSent is owned by its loop; the atomic
// copy exists for inspection.
type Subscriber struct {
	ID        string
	Kind      string
	Connected time.Time

	conn     Conn
	state    atomic.Int32
	lastSent atomic.Uint64
	sent     atomic.Uint64
}

func (s *Subscriber) State() State { return State(s.state.Load()) }

func (s *Subscriber) setState(st State) { s.state.Store(int32(st)) }

// SubscriberInfo is a point-in-time view of a subscriber.
type SubscriberInfo struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	State       string    `json:"state"`
	LastVersion uint64    `json:"last_version"`
	Sent        uint64    `json:"sent"`
	Connected   time.Time `json:"connected"`
}

// Coordinator runs one delivery loop per subscriber. Loops only read the
// cache; a failing subscriber never affects another.
type Coordinator struct {
	source   Source
	interval time.Duration
	logger   *slog.Logger
	metrics  *metrics.Registry

	mu       sync.Mutex
	subs     map[string]*Subscriber
	closing  chan struct{}
	shutdown sync.Once
}

func NewCoordinator(source Source, interval time.Duration, logger *slog.Logger, reg *metrics.Registry) *Coordinator {
	if interval <= 0 {
		interval = time.Second
	}
	return &Coordinator{
		source:   source,
		interval: interval,
		logger:   logger,
		metrics:  reg,
		subs:     make(map[string]*Subscriber),
		closing:  make(chan struct{}),
	}
}

// Serve registers conn and runs its delivery loop until ctx is done, the
// coordinator shuts down or a send fails. The current snapshot is sent
// immediately; afterwards a snapshot is sent on each tick where the cache
// version differs from the last one delivered.
//
// It returns nil when ctx ends, ErrShutdown on coordinator shutdown and a
// *DeliveryError when the subscriber could not be reached.
func (c *Coordinator) Serve(ctx context.Context, kind string, conn Conn) error {
	return c.ServeInterval(ctx, kind, conn, c.interval)
}

// ServeInterval is Serve with a per-subscriber tick.
func (c *Coordinator) ServeInterval(ctx context.Context, kind string, conn Conn, interval time.Duration) error {
	if interval <= 0 {
		interval = c.interval
	}
	sub := &Subscriber{ID: uuid.NewString(), Kind: kind, Connected: time.Now(), conn: conn}
	sub.setState(StateConnecting)
	if err := c.register(sub); err != nil {
		sub.setState(StateClosed)
		return err
	}
	defer c.unregister(sub)

	logger := c.logger.With("subscriber", sub.ID, "kind", kind)
	logger.Info("subscriber connected")
	sub.setState(StateOpen)

	err := c.deliver(ctx, sub, interval)
	sub.setState(StateClosing)

	var de *DeliveryError
	switch {
	case errors.As(err, &de):
		logger.Warn("subscriber delivery failed", "version", de.Version, "error", de.Err)
	case errors.Is(err, ErrShutdown):
		logger.Info("subscriber closed on shutdown")
	default:
		logger.Info("subscriber disconnected")
	}
	return err
}

func (c *Coordinator) deliver(ctx context.Context, sub *Subscriber, interval time.Duration) error {
	if err := c.send(ctx, sub); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.closing:
			return ErrShutdown
		case <-ticker.C:
			if c.source.Version() == sub.lastSent.Load() {
				continue
			}
			if err := c.send(ctx, sub); err != nil {
				return err
			}
		}
	}
}

func (c *Coordinator) send(ctx context.Context, sub *Subscriber) error {
	snap := c.source.Snapshot()
	if err := sub.conn.Send(ctx, snap); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return &DeliveryError{SubscriberID: sub.ID, Version: snap.Version, Err: err}
	}
	sub.lastSent.Store(snap.Version)
	sub.sent.Add(1)
	c.metrics.BroadcastSent(sub.Kind)
	return nil
}

func (c *Coordinator) register(sub *Subscriber) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closing:
		return ErrShutdown
	default:
	}
	c.subs[sub.ID] = sub
	return nil
}

func (c *Coordinator) unregister(sub *Subscriber) {
	c.mu.Lock()
	delete(c.subs, sub.ID)
	c.mu.Unlock()
	sub.setState(StateClosed)
}

// Shutdown makes every running loop return ErrShutdown and rejects new ones.
func (c *Coordinator) Shutdown() {
	c.shutdown.Do(func() { close(c.closing) })
}

// Done is closed once Shutdown has been called.
func (c *Coordinator) Done() <-chan struct{} { return c.closing }

func (c *Coordinator) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// CountKind counts subscribers of one kind.
func (c *Coordinator) CountKind(kind string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.subs {
		if s.Kind == kind {
			n++
		}
	}
	return n
}

// Subscribers lists registered subscribers ordered by connect time.
func (c *Coordinator) Subscribers() []SubscriberInfo {
	c.mu.Lock()
	out := make([]SubscriberInfo, 0, len(c.subs))
	for _, s := range c.subs {
		out = append(out, SubscriberInfo{
			ID:          s.ID,
			Kind:        s.Kind,
			State:       s.State().String(),
			LastVersion: s.lastSent.Load(),
			Sent:        s.sent.Load(),
			Connected:   s.Connected,
		})
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Connected.Equal(out[j].Connected) {
			return out[i].ID < out[j].ID
		}
		return out[i].Connected.Before(out[j].Connected)
	})
	return out
}

// Follow keeps conn subscribed, resubscribing after a failed delivery with a
// doubling backoff capped at 30s. Every resubscription starts with a full
// snapshot. It returns when ctx is done or the coordinator shuts down.
func (c *Coordinator) Follow(ctx context.Context, kind string, conn Conn, interval, backoff time.Duration) {
	if backoff <= 0 {
		backoff = time.Second
	}
	wait := backoff
	for {
		started := time.Now()
		err := c.ServeInterval(ctx, kind, conn, interval)
		if err == nil || errors.Is(err, ErrShutdown) || ctx.Err() != nil {
			return
		}
		// a subscription that stayed up for a while resets the backoff
		if time.Since(started) > 2*interval+wait {
			wait = backoff
		}
		sleepWithContext(ctx, wait)
		wait = min(wait*2, 30*time.Second)
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
