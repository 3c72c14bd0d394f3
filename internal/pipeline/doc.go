// Package pipeline builds and runs a queue-connected topology of workers and scheduler pools.
//
// A Topology names queues, single-instance workers and multi-instance pools. NewExecutor resolves
// every name against a compile-time Registry of component kinds, creates the queues and constructs
// every component without starting anything. Start launches one goroutine per worker and per pool
// instance. Termination is cooperative: stop tokens are put on a pool's input queue (one per
// expected token), each pool instance forwards one stop token to its output queue as it stops, and
// Join waits until every instance has stopped.
//
// Item failures are logged and the item is dropped, so a run can finish cleanly while having
// processed only part of its input. Only configuration problems abort a run.
package pipeline
