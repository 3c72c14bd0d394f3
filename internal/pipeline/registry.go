package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Worker is a single-instance component run once per pipeline.
type Worker interface {
	Run(ctx context.Context) error
}

// WorkerBinding carries everything a worker factory may wire into its instance.
type WorkerBinding struct {
	Name        string
	Kind        string
	InputQueue  string
	OutputQueue string
	Queues      *Queues
	Logger      *zap.Logger
}

// PoolBinding carries everything a pool factory may wire into its instances.
type PoolBinding struct {
	Name          string
	Kind          string
	Instances     int
	ExpectedStops int
	InputQueue    string
	OutputQueue   string
	Queues        *Queues
	Logger        *zap.Logger
}

// WorkerFactory constructs a worker without starting it.
type WorkerFactory func(b WorkerBinding) (Worker, error)

// PoolFactory constructs a pool and its instances without starting them.
type PoolFactory func(b PoolBinding) (Stage, error)

// WorkerKind describes a registered worker implementation. An empty payload means the worker
// takes no queue on that side.
type WorkerKind struct {
	Input   Payload
	Output  Payload
	Factory WorkerFactory
}

// PoolKind describes a registered pool implementation.
type PoolKind struct {
	Input   Payload
	Output  Payload
	Factory PoolFactory
}

// Registry maps topology kinds to constructors.
type Registry struct {
	workers map[string]WorkerKind
	pools   map[string]PoolKind
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		workers: make(map[string]WorkerKind),
		pools:   make(map[string]PoolKind),
	}
}

// RegisterWorker adds a worker kind. A missing factory or a duplicate kind panics.
func (r *Registry) RegisterWorker(kind string, wk WorkerKind) {
	if wk.Factory == nil {
		panic(fmt.Sprintf("pipeline: worker kind %q has no factory", kind))
	}
	if _, dup := r.workers[kind]; dup {
		panic(fmt.Sprintf("pipeline: worker kind %q registered twice", kind))
	}
	r.workers[kind] = wk
}

// RegisterPool adds a pool kind. A missing factory or a duplicate kind panics.
func (r *Registry) RegisterPool(kind string, pk PoolKind) {
	if pk.Factory == nil {
		panic(fmt.Sprintf("pipeline: pool kind %q has no factory", kind))
	}
	if _, dup := r.pools[kind]; dup {
		panic(fmt.Sprintf("pipeline: pool kind %q registered twice", kind))
	}
	r.pools[kind] = pk
}

// WorkerKinds lists the registered worker kinds.
func (r *Registry) WorkerKinds() []string { return sortedKeys(r.workers) }

// PoolKinds lists the registered pool kinds.
func (r *Registry) PoolKinds() []string { return sortedKeys(r.pools) }

func (r *Registry) worker(kind string) (WorkerKind, bool) {
	wk, ok := r.workers[kind]
	return wk, ok
}

func (r *Registry) pool(kind string) (PoolKind, bool) {
	pk, ok := r.pools[kind]
	return pk, ok
}
