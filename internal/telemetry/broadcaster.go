package telemetry

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/turtacn/endura/internal/monitor"
	"github.com/turtacn/endura/internal/rig"
	"github.com/turtacn/endura/pkg/consts"
	"github.com/turtacn/endura/pkg/logger"
	"github.com/turtacn/endura/pkg/protocol"
)

// Sink receives RunState snapshots. Delivery is best effort; a failed Send is
// logged and the next snapshot is attempted as usual.
type Sink interface {
	Name() string
	Send(ctx context.Context, state protocol.RunState) error
}

// mailbox holds at most one pending snapshot; a newer one replaces it.
type mailbox struct {
	name string
	ch   chan protocol.RunState
}

func (m *mailbox) offer(s protocol.RunState) {
	for {
		select {
		case m.ch <- s:
			return
		default:
		}
		select {
		case <-m.ch:
			monitor.TelemetryDropped.WithLabelValues(m.name).Inc()
		default:
		}
	}
}

// Broadcaster fans RunState snapshots out to every attached sink without ever
// blocking the publisher.
type Broadcaster struct {
	store    *rig.Store
	interval time.Duration

	mu    sync.Mutex
	boxes map[*mailbox]struct{}

	lastCurrent float64
	log         logger.Logger
}

func NewBroadcaster(store *rig.Store, interval time.Duration) *Broadcaster {
	return &Broadcaster{
		store:    store,
		interval: interval,
		boxes:    make(map[*mailbox]struct{}),
		log:      logger.Log.With("component", "telemetry"),
	}
}

// Publish implements rig.Publisher.
func (b *Broadcaster) Publish(state protocol.RunState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastCurrent = state.Current
	for box := range b.boxes {
		box.offer(state)
	}
}

// Attach starts delivering to sink, beginning with the current snapshot, until
// ctx ends or the returned detach func is called.
func (b *Broadcaster) Attach(ctx context.Context, sink Sink) (detach func()) {
	box := &mailbox{name: sink.Name(), ch: make(chan protocol.RunState, 1)}

	// Registering under the store's read lock orders the initial snapshot
	// before any later transition.
	b.store.Observe(func(s protocol.RunState) {
		b.mu.Lock()
		b.boxes[box] = struct{}{}
		b.mu.Unlock()
		box.offer(s)
	})

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.deliver(ctx, box, sink)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.boxes, box)
			b.mu.Unlock()
			cancel()
			<-done
		})
	}
}

// Sinks returns the number of attached sinks.
func (b *Broadcaster) Sinks() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.boxes)
}

func (b *Broadcaster) deliver(ctx context.Context, box *mailbox, sink Sink) {
	errLog := rate.Sometimes{First: 1, Interval: 10 * time.Second}
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-box.ch:
			if err := sink.Send(ctx, s); err != nil && ctx.Err() == nil {
				errLog.Do(func() {
					b.log.Warn("Telemetry sink send failed", "sink", box.name, "err", err)
				})
			}
		}
	}
}

// Run republishes the authoritative state every interval while a run is
// active, or whenever the live current changed, until ctx ends.
func (b *Broadcaster) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b.store.Observe(func(s protocol.RunState) {
				b.mu.Lock()
				changed := s.Current != b.lastCurrent
				b.mu.Unlock()
				if s.Status == consts.StatusRunning || changed {
					b.Publish(s)
				}
			})
		}
	}
}

// Personal.AI order the ending
