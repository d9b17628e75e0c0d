package events

import (
	"sync"
	"time"

	"github.com/cuemby/loadaware/pkg/log"
	"github.com/cuemby/loadaware/pkg/model"
	"github.com/google/uuid"
)

// Kind discriminates the tagged variants of Event.
type Kind int

const (
	NodeJoined Kind = iota
	EwmaCalculated
	ServiceChanged
)

func (k Kind) String() string {
	switch k {
	case NodeJoined:
		return "node.joined"
	case EwmaCalculated:
		return "ewma.calculated"
	case ServiceChanged:
		return "service.changed"
	default:
		return "unknown"
	}
}

// Metric identifies which ScorePair field an EwmaCalculated event updates.
type Metric int

const (
	MetricLatency Metric = iota
	MetricCPU
)

func (m Metric) String() string {
	if m == MetricCPU {
		return "cpu"
	}
	return "latency"
}

// Event is the single tagged-union message type flowing through the bus.
// Producers populate only the fields relevant to Kind; the reducer switches
// exhaustively on Kind rather than parsing free-form metadata.
type Event struct {
	ID        string
	Kind      Kind
	Timestamp time.Time

	// NodeJoined
	Node model.WorkerNode

	// EwmaCalculated
	NodeName string
	Metric   Metric
	Value    float64

	// ServiceChanged
	Service model.Service
}

func newEvent(kind Kind) Event {
	return Event{ID: uuid.NewString(), Kind: kind, Timestamp: time.Now()}
}

// NewNodeJoined builds a NodeJoined event.
func NewNodeJoined(node model.WorkerNode) Event {
	e := newEvent(NodeJoined)
	e.Node = node
	return e
}

// NewEwmaCalculated builds an EwmaCalculated event for one node and metric.
func NewEwmaCalculated(nodeName string, metric Metric, value float64) Event {
	e := newEvent(EwmaCalculated)
	e.NodeName = nodeName
	e.Metric = metric
	e.Value = value
	return e
}

// NewServiceChanged builds a ServiceChanged event.
func NewServiceChanged(svc model.Service) Event {
	e := newEvent(ServiceChanged)
	e.Service = svc
	return e
}

// Subscriber is a bounded channel receiving a copy of every published event.
type Subscriber chan Event

// Bus is a bounded multi-producer / single-consumer (in practice, the
// reducer) broadcast channel. Overflow drops the oldest buffered message for
// a slow subscriber rather than the newest, since a lost tick is recoverable
// on the next measurement but a stuck bus would starve the reducer of fresh
// state indefinitely.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]bool
	inCh        chan Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBus creates a bus with the given inbound buffer depth.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{
		subscribers: make(map[Subscriber]bool),
		inCh:        make(chan Event, buffer),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broadcast loop in its own goroutine.
func (b *Bus) Start() {
	go b.run()
}

// Stop terminates the broadcast loop and closes every subscriber channel.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe registers a new subscriber with the given buffer depth.
func (b *Bus) Subscribe(buffer int) Subscriber {
	if buffer <= 0 {
		buffer = 64
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := make(Subscriber, buffer)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish enqueues an event for broadcast. It does not block once the bus
// has been stopped.
func (b *Bus) Publish(ev Event) {
	select {
	case b.inCh <- ev:
	case <-b.stopCh:
	}
}

func (b *Bus) run() {
	for {
		select {
		case ev := <-b.inCh:
			b.broadcast(ev)
		case <-b.stopCh:
			b.mu.Lock()
			for sub := range b.subscribers {
				delete(b.subscribers, sub)
				close(sub)
			}
			b.mu.Unlock()
			return
		}
	}
}

func (b *Bus) broadcast(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- ev:
			continue
		default:
		}

		// Subscriber buffer full: drop the oldest queued event to make room.
		select {
		case <-sub:
			log.WithComponent("events").Warn().Str("kind", ev.Kind.String()).Msg("subscriber buffer full, dropped oldest event")
		default:
		}
		select {
		case sub <- ev:
		default:
		}
	}
}

// SubscriberCount reports the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
