package eventbus

import (
	"encoding/json"
	"log"
	"time"
)

// Publisher is the single entry point the rest of the codebase emits
// events through: it durably records an event via Store and fans it
// out via Broker, in that order. A nil
// Store or Broker is tolerated so tests and degraded deployments can
// skip either sink.
type Publisher struct {
	Store *Store
	Bus   *Broker
	Now   func() time.Time
}

// NewPublisher builds a Publisher over store and bus. Either may be nil.
func NewPublisher(store *Store, bus *Broker) *Publisher {
	return &Publisher{Store: store, Bus: bus, Now: time.Now}
}

func (p *Publisher) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// CallStarted opens the durable conversation_calls row for a fresh call
// id, so every conversation_events row emitted afterwards has a parent.
func (p *Publisher) CallStarted(callID, modelName string) {
	if p.Store != nil {
		p.Store.RecordCallStarted(callID, modelName)
	}
}

// CallCompleted marks the call row's terminal status. Funneled through
// the same task queue as the call's events, so it lands after them.
func (p *Publisher) CallCompleted(callID, status string) {
	if p.Store != nil {
		p.Store.RecordCallCompleted(callID, status)
	}
}

// Emit records and publishes one event for callID. Marshal failures are
// logged and swallowed — storage and bus errors never cause a
// client-visible failure.
func (p *Publisher) Emit(callID, eventType string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("eventbus: marshal payload for %s: %v", eventType, err)
		body = []byte("{}")
	}

	if p.Store != nil {
		p.Store.RecordEvent(callID, eventType, body)
	}
	if p.Bus != nil {
		p.Bus.Publish(Event{CallID: callID, Type: eventType, Payload: body, Timestamp: p.now()})
	}
}
