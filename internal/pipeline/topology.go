package pipeline

import (
	"maps"
	"slices"
)

// Payload names the item type a queue carries.
type Payload string

// Supported queue payloads.
const (
	PayloadIdentifier Payload = "identifier"
	PayloadRecord     Payload = "record"
)

// Topology declares the queues, workers and scheduler pools of one pipeline run.
type Topology struct {
	Queues     map[string]QueueConfig     `mapstructure:"queues"`
	Workers    map[string]WorkerConfig    `mapstructure:"workers"`
	Schedulers map[string]SchedulerConfig `mapstructure:"schedulers"`
}

// QueueConfig declares one named queue.
type QueueConfig struct {
	Description string  `mapstructure:"description"`
	Payload     Payload `mapstructure:"payload"`
}

// WorkerConfig declares a single-instance worker.
type WorkerConfig struct {
	Kind        string `mapstructure:"kind"`
	Description string `mapstructure:"description"`
	InputQueue  string `mapstructure:"input_queue"`
	OutputQueue string `mapstructure:"output_queue"`
}

// SchedulerConfig declares a pool of identical instances sharing one input queue.
type SchedulerConfig struct {
	Kind        string `mapstructure:"kind"`
	Description string `mapstructure:"description"`
	Instances   int    `mapstructure:"instances"`
	InputQueue  string `mapstructure:"input_queue"`
	OutputQueue string `mapstructure:"output_queue"`
	// StopTokens overrides the number of stop tokens the pool waits for before draining.
	StopTokens int `mapstructure:"stop_tokens"`
}

func (c QueueConfig) payload() Payload {
	if c.Payload == "" {
		return PayloadIdentifier
	}
	return c.Payload
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}

// consumers returns, per queue name, the pools reading from it.
func (t Topology) consumers() map[string][]string {
	out := make(map[string][]string)
	for _, name := range sortedKeys(t.Schedulers) {
		if in := t.Schedulers[name].InputQueue; in != "" {
			out[in] = append(out[in], name)
		}
	}
	return out
}

// expectedStops applies the fan-in policy: a pool fed by other pools waits for one stop token per
// upstream instance, a pool fed by the caller waits for one per own instance.
func (t Topology) expectedStops(name string) int {
	sc := t.Schedulers[name]
	if sc.StopTokens > 0 {
		return sc.StopTokens
	}
	upstream := 0
	for _, other := range sortedKeys(t.Schedulers) {
		oc := t.Schedulers[other]
		if sc.InputQueue != "" && oc.OutputQueue == sc.InputQueue {
			upstream += oc.Instances
		}
	}
	if upstream > 0 {
		return upstream
	}
	return sc.Instances
}

func (t Topology) fedByPool(queue string) bool {
	for _, sc := range t.Schedulers {
		if sc.OutputQueue == queue {
			return true
		}
	}
	return false
}

// ExpectedStops reports how many stop tokens the named scheduler waits for before draining.
func (t Topology) ExpectedStops(name string) int {
	return t.expectedStops(name)
}
