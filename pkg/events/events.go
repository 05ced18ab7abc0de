package events

import (
	"sync"
	"time"

	"github.com/droverhq/drover/pkg/types"
)

// Event type names used across the platform. Components publish these
// to the broker; the engine mirrors run-scoped events into each run's
// events.jsonl.
const (
	EventRunCreated      = "run.created"
	EventRunAdmitted     = "run.admitted"
	EventRunRejected     = "run.rejected"
	EventRunStateChanged = "run.state_changed"
	EventRunCompleted    = "run.completed"
	EventRunFailed       = "run.failed"
	EventRunPatched      = "run.patched"
	EventPlanSelected    = "plan.selected"
	EventPlanSwitched    = "plan.switched"
	EventStageStarted    = "stage.started"
	EventStepCompleted   = "step.completed"
	EventStepSkipped     = "step.skipped"
	EventDuplicateRisk   = "step.duplicate_risk"
	EventCheckpoint      = "governance.checkpoint"
	EventTaskEnqueued    = "task.enqueued"
	EventTaskDead        = "task.dead"
	EventWorkerJoined    = "worker.joined"
	EventWorkerDown      = "worker.down"
	EventBudgetWarning   = "budget.warning"
	EventLedgerDegraded  = "budget.ledger_degraded"
	EventSystemError     = "system.error"
)

// Subscriber is a channel that receives events
type Subscriber chan *types.Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *types.Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *types.Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *types.Event) {
	// Set timestamp if not set
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
