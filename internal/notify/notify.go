// Package notify delivers user notifications for ledger events.
//
// The Dispatcher fans each notification out to a set of sinks (log, Redis,
// signed webhook, websocket hub). Delivery is asynchronous and bounded by a
// per-sink timeout, so callers never block on a slow or failing sink.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/castline/escrowd/internal/idgen"
	"github.com/castline/escrowd/internal/logging"
)

// DefaultTimeout bounds a single sink delivery.
const DefaultTimeout = 5 * time.Second

// Notification is one message addressed to one user.
type Notification struct {
	ID        string            `json:"id"`
	UserID    string            `json:"userId"`
	Kind      string            `json:"kind"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Sink receives notifications. Deliver should respect ctx.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, n *Notification) error
}

// Inbox keeps recent notifications for a user, newest first.
type Inbox interface {
	Recent(ctx context.Context, userID string, limit int) ([]*Notification, error)
}

// Dispatcher sends notifications to every registered sink.
type Dispatcher struct {
	sinks   []Sink
	timeout time.Duration
	now     func() time.Time
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher over sinks.
func NewDispatcher(sinks ...Sink) *Dispatcher {
	return &Dispatcher{
		sinks:   sinks,
		timeout: DefaultTimeout,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithTimeout overrides the per-sink delivery timeout.
func (d *Dispatcher) WithTimeout(timeout time.Duration) *Dispatcher {
	if timeout > 0 {
		d.timeout = timeout
	}
	return d
}

// Notify queues a notification for every sink and returns immediately.
// Errors are logged and counted, never returned.
func (d *Dispatcher) Notify(ctx context.Context, userID, kind, title, body string, data map[string]string) {
	if d == nil || userID == "" {
		return
	}
	n := &Notification{
		ID:        idgen.WithPrefix("ntf_"),
		UserID:    userID,
		Kind:      kind,
		Title:     title,
		Body:      body,
		Data:      copyData(data),
		CreatedAt: d.now(),
	}
	notificationsTotal.WithLabelValues(kind).Inc()

	// Delivery outlives the request that triggered it.
	detached := context.WithoutCancel(ctx)
	for _, s := range d.sinks {
		d.wg.Add(1)
		go d.deliver(detached, s, n)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, s Sink, n *Notification) {
	defer d.wg.Done()

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	err := s.Deliver(ctx, n)
	deliveryDuration.WithLabelValues(s.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		deliveryErrors.WithLabelValues(s.Name()).Inc()
		logging.L(ctx).Warn("notification delivery failed",
			"sink", s.Name(), "kind", n.Kind, "notification_id", n.ID, "error", err)
	}
}

// Wait blocks until in-flight deliveries finish or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func copyData(data map[string]string) map[string]string {
	if len(data) == 0 {
		return nil
	}
	out := make(map[string]string, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
