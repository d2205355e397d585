// Package events fans domain events out to live dashboards and, when
// configured, to an AMQP exchange.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/nexus-cloaker/datacenter/internal/database"
	"github.com/sirupsen/logrus"
)

// Event types
const (
	TypeConfigChanged      = "config_changed"
	TypeWorkerStats        = "worker_stats"
	TypeWorkerLogs         = "worker_logs"
	TypeWorkerConfig       = "worker_config"
	TypeWorkerRequestStats = "worker_request_stats"
	TypeSyncCompleted      = "sync_completed"
)

const queueSize = 256

type Event struct {
	Type     string                 `json:"type"`
	WorkerID string                 `json:"worker_id,omitempty"`
	At       time.Time              `json:"at"`
	Data     map[string]interface{} `json:"data,omitempty"`
}

// Bus delivers events to the websocket hub and the optional publisher.
// Publishing never blocks the caller; events are dropped when the broker
// queue is full.
type Bus struct {
	hub       *Hub
	publisher Publisher
	queue     chan Event

	mu        sync.Mutex
	published map[string]int64
	dropped   int64
	wg        sync.WaitGroup
}

// NewBus creates a bus. publisher may be nil.
func NewBus(hub *Hub, publisher Publisher) *Bus {
	return &Bus{
		hub:       hub,
		publisher: publisher,
		queue:     make(chan Event, queueSize),
		published: make(map[string]int64),
	}
}

func (b *Bus) Hub() *Hub { return b.hub }

// Run drives the hub and the publisher until ctx is done.
func (b *Bus) Run(ctx context.Context) {
	if b.hub != nil {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.hub.Run(ctx)
		}()
	}
	if b.publisher != nil {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.pump(ctx)
		}()
	}
}

func (b *Bus) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-b.queue:
			if err := b.publisher.Publish(e); err != nil {
				logrus.WithError(err).WithField("event", e.Type).Warn("event publish failed")
			}
		}
	}
}

func (b *Bus) Publish(_ context.Context, e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	b.mu.Lock()
	b.published[e.Type]++
	b.mu.Unlock()

	if b.hub != nil {
		b.hub.Notify(e.Type)
	}
	if b.publisher == nil {
		return
	}
	select {
	case b.queue <- e:
	default:
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
		logrus.WithField("event", e.Type).Warn("event queue full, dropping")
	}
}

// Counts returns the number of events published per type and the number
// dropped by the broker queue.
func (b *Bus) Counts() (map[string]int64, int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]int64, len(b.published))
	for k, v := range b.published {
		out[k] = v
	}
	return out, b.dropped
}

// Ping reports the broker state; nil without a broker.
func (b *Bus) Ping() error {
	if b.publisher == nil {
		return nil
	}
	return b.publisher.Ping()
}

// Close waits for the run loops and closes the publisher. Cancel the Run
// context first.
func (b *Bus) Close() error {
	b.wg.Wait()
	if b.publisher != nil {
		return b.publisher.Close()
	}
	return nil
}

func (b *Bus) RulesChanged(ctx context.Context, kind, key string) {
	b.Publish(ctx, Event{Type: TypeConfigChanged, Data: map[string]interface{}{"kind": kind, "key": key}})
}

func (b *Bus) SyncFinished(ctx context.Context, l database.SyncLog) {
	b.Publish(ctx, Event{
		Type:     TypeSyncCompleted,
		WorkerID: l.WorkerID,
		Data: map[string]interface{}{
			"direction":     l.Direction,
			"status":        l.Status,
			"records_count": l.RecordsCount,
			"duration":      l.Duration,
		},
	})
}

func (b *Bus) WorkerReported(ctx context.Context, kind, workerID string, records int) {
	b.Publish(ctx, Event{
		Type:     "worker_" + kind,
		WorkerID: workerID,
		Data:     map[string]interface{}{"records": records},
	})
}
