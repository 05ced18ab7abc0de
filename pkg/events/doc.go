/*
Package events provides in-process event distribution for Drover
components.

The broker fans platform events out to subscribers over buffered
channels. Components publish fire-and-forget; delivery is best-effort
per subscriber (a full subscriber buffer drops the event for that
subscriber rather than blocking the publisher).

# Event Flow

	Publisher (engine, state, queue, control plane)
	    │
	    ▼  Publish(), buffered, non-blocking once running
	┌─────────┐
	│ Broker  │  single distribution goroutine
	└────┬────┘
	     │ broadcast, best-effort per subscriber
	     ▼
	Subscribers (metrics collector, event log writer, tests)

Durable history is not this package's job: the engine writes run-scoped
events into the run's events.jsonl through pkg/artifact, and the broker
only handles live fan-out.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	broker.Publish(&types.Event{
	    Type:  events.EventRunAdmitted,
	    RunID: runID,
	})
*/
package events
