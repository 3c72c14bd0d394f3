package pipeline

import (
	"context"

	"github.com/JakeFAU/realtime-quote-pipeline/internal/queue/memory"
	"github.com/JakeFAU/realtime-quote-pipeline/internal/quote"
)

// Endpoint is the payload-agnostic view of a registered queue.
type Endpoint interface {
	Name() string
	Description() string
	Payload() Payload
	Len() int
	PutStop() error
	Close()
}

// Channel is a named queue of Message[T].
type Channel[T any] struct {
	name        string
	description string
	payload     Payload
	queue       *memory.Queue[Message[T]]
}

func newChannel[T any](name string, cfg QueueConfig) *Channel[T] {
	return &Channel[T]{
		name:        name,
		description: cfg.Description,
		payload:     cfg.payload(),
		queue:       memory.NewQueue[Message[T]](),
	}
}

// Name returns the queue name.
func (c *Channel[T]) Name() string { return c.name }

// Description returns the configured description.
func (c *Channel[T]) Description() string { return c.description }

// Payload returns the declared payload kind.
func (c *Channel[T]) Payload() Payload { return c.payload }

// Len reports the number of queued messages, stop tokens included.
func (c *Channel[T]) Len() int { return c.queue.Len() }

// Put enqueues a work item. It never blocks.
func (c *Channel[T]) Put(v T) error { return c.queue.Put(Work(v)) }

// PutStop enqueues one stop token.
func (c *Channel[T]) PutStop() error { return c.queue.Put(Stop[T]()) }

// Close rejects further messages. Consumers drain what is queued and then stop.
func (c *Channel[T]) Close() { c.queue.Close() }

// Get blocks until a message is available.
func (c *Channel[T]) Get(ctx context.Context) (Message[T], error) {
	return c.queue.Get(ctx)
}

// Queues is the set of named queues owned by one executor.
type Queues struct {
	byName map[string]Endpoint
}

// NewQueues returns an empty registry.
func NewQueues() *Queues {
	return &Queues{byName: make(map[string]Endpoint)}
}

// Create allocates a fresh queue under name, replacing any previous one.
func (q *Queues) Create(name string, cfg QueueConfig) (Endpoint, error) {
	var ep Endpoint
	switch cfg.payload() {
	case PayloadIdentifier:
		ep = newChannel[string](name, cfg)
	case PayloadRecord:
		ep = newChannel[quote.Record](name, cfg)
	default:
		return nil, configErrorf("queue %q: unknown payload %q", name, cfg.Payload)
	}
	q.byName[name] = ep
	return ep, nil
}

// Get returns the named queue or nil when none is registered.
func (q *Queues) Get(name string) Endpoint {
	if q == nil {
		return nil
	}
	return q.byName[name]
}

// Close closes every registered queue.
func (q *Queues) Close() {
	for _, ep := range q.byName {
		ep.Close()
	}
}

// Names returns the registered queue names in sorted order.
func (q *Queues) Names() []string {
	return sortedKeys(q.byName)
}

// IdentifierQueue resolves an identifier queue. An empty name means "not bound" and yields nil.
func (q *Queues) IdentifierQueue(name string) (*Channel[string], error) {
	return lookup[string](q, name, PayloadIdentifier)
}

// RecordQueue resolves a record queue. An empty name means "not bound" and yields nil.
func (q *Queues) RecordQueue(name string) (*Channel[quote.Record], error) {
	return lookup[quote.Record](q, name, PayloadRecord)
}

func lookup[T any](q *Queues, name string, want Payload) (*Channel[T], error) {
	if name == "" {
		return nil, nil
	}
	ep := q.Get(name)
	if ep == nil {
		return nil, configErrorf("queue %q is not declared", name)
	}
	ch, ok := ep.(*Channel[T])
	if !ok {
		return nil, configErrorf("queue %q carries %s, want %s", name, ep.Payload(), want)
	}
	return ch, nil
}
