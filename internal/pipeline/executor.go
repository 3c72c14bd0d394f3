package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Executor owns the queues and components built from one Topology.
type Executor struct {
	topology Topology
	queues   *Queues
	logger   *zap.Logger

	workerNames []string
	workers     map[string]Worker
	poolNames   []string
	pools       map[string]Stage

	started     atomic.Bool
	workersWG   sync.WaitGroup
	workersLeft atomic.Int64
	errMu       sync.Mutex
	workerErrs  []error
}

// NewExecutor validates t against reg and constructs every queue, worker and pool instance in
// that order. Nothing is started. An invalid topology returns a *ConfigError before any queue or
// component is created.
func NewExecutor(t Topology, reg *Registry, logger *zap.Logger) (*Executor, error) {
	if err := Validate(t, reg); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{
		topology: t,
		queues:   NewQueues(),
		logger:   logger.Named("executor"),
		workers:  make(map[string]Worker),
		pools:    make(map[string]Stage),
	}
	if err := e.build(reg, logger); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Executor) build(reg *Registry, base *zap.Logger) error {
	e.logger.Debug("initializing queues")
	for _, name := range sortedKeys(e.topology.Queues) {
		qc := e.topology.Queues[name]
		if _, err := e.queues.Create(name, qc); err != nil {
			return err
		}
		e.logger.Info("initialized queue",
			zap.String("queue", name),
			zap.String("payload", string(qc.payload())),
			zap.String("description", qc.Description),
		)
	}

	e.logger.Debug("initializing workers")
	for _, name := range sortedKeys(e.topology.Workers) {
		wc := e.topology.Workers[name]
		wk, _ := reg.worker(wc.Kind)
		w, err := wk.Factory(WorkerBinding{
			Name:        name,
			Kind:        wc.Kind,
			InputQueue:  wc.InputQueue,
			OutputQueue: wc.OutputQueue,
			Queues:      e.queues,
			Logger:      base.Named("worker"),
		})
		if err != nil {
			return fmt.Errorf("construct worker %q: %w", name, err)
		}
		e.workers[name] = w
		e.workerNames = append(e.workerNames, name)
		e.logger.Info("initialized worker",
			zap.String("worker", name),
			zap.String("kind", wc.Kind),
			zap.String("input_queue", wc.InputQueue),
			zap.String("output_queue", wc.OutputQueue),
			zap.String("description", wc.Description),
		)
	}

	e.logger.Debug("initializing schedulers")
	for _, name := range sortedKeys(e.topology.Schedulers) {
		sc := e.topology.Schedulers[name]
		pk, _ := reg.pool(sc.Kind)
		expected := e.topology.expectedStops(name)
		stage, err := pk.Factory(PoolBinding{
			Name:          name,
			Kind:          sc.Kind,
			Instances:     sc.Instances,
			ExpectedStops: expected,
			InputQueue:    sc.InputQueue,
			OutputQueue:   sc.OutputQueue,
			Queues:        e.queues,
			Logger:        base.Named("pool"),
		})
		if err != nil {
			return fmt.Errorf("construct scheduler %q: %w", name, err)
		}
		if got := len(stage.Members()); got != sc.Instances {
			return fmt.Errorf("construct scheduler %q: factory built %d instances, want %d", name, got, sc.Instances)
		}
		e.pools[name] = stage
		e.poolNames = append(e.poolNames, name)
		e.logger.Info("initialized scheduler pool",
			zap.String("scheduler", name),
			zap.String("kind", sc.Kind),
			zap.Int("instances", sc.Instances),
			zap.Int("expected_stops", expected),
			zap.String("input_queue", sc.InputQueue),
			zap.String("output_queue", sc.OutputQueue),
			zap.String("description", sc.Description),
		)
	}
	return nil
}

// Queues returns the executor's queue registry.
func (e *Executor) Queues() *Queues { return e.queues }

// Worker returns the named worker or nil.
func (e *Executor) Worker(name string) Worker { return e.workers[name] }

// Pool returns the named pool or nil.
func (e *Executor) Pool(name string) Stage { return e.pools[name] }

// PoolNames lists the pools in build order.
func (e *Executor) PoolNames() []string { return append([]string(nil), e.poolNames...) }

// Start launches every pool instance and worker. Later calls are ignored.
func (e *Executor) Start(ctx context.Context) {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	for _, name := range e.poolNames {
		e.pools[name].Start(ctx)
	}
	for _, name := range e.workerNames {
		w := e.workers[name]
		e.workersWG.Add(1)
		e.workersLeft.Add(1)
		go func(name string, w Worker) {
			defer e.workersWG.Done()
			defer e.workersLeft.Add(-1)
			if err := w.Run(ctx); err != nil {
				e.logger.Error("worker failed", zap.String("worker", name), zap.Error(err))
				e.errMu.Lock()
				e.workerErrs = append(e.workerErrs, fmt.Errorf("worker %q: %w", name, err))
				e.errMu.Unlock()
				return
			}
			e.logger.Info("worker finished", zap.String("worker", name))
		}(name, w)
	}
	e.logger.Info("pipeline started",
		zap.Int("workers", len(e.workerNames)),
		zap.Int("schedulers", len(e.poolNames)),
	)
}

// WaitWorkers blocks until every single-instance worker has returned and reports their errors.
func (e *Executor) WaitWorkers() error {
	e.workersWG.Wait()
	e.errMu.Lock()
	defer e.errMu.Unlock()
	return errors.Join(e.workerErrs...)
}

// Terminate puts the stop tokens expected by the pool consuming queue and returns how many were
// put. Call it only after every producer of queue has finished.
func (e *Executor) Terminate(queue string) (int, error) {
	ep := e.queues.Get(queue)
	if ep == nil {
		return 0, fmt.Errorf("terminate: queue %q is not declared", queue)
	}
	consumers := e.topology.consumers()[queue]
	if len(consumers) == 0 {
		return 0, fmt.Errorf("terminate: no scheduler consumes queue %q", queue)
	}
	stage := e.pools[consumers[0]]
	n := stage.ExpectedStops()
	for range n {
		if err := ep.PutStop(); err != nil {
			return 0, fmt.Errorf("terminate queue %q: %w", queue, err)
		}
	}
	e.logger.Info("stop tokens enqueued",
		zap.String("queue", queue),
		zap.String("scheduler", stage.Name()),
		zap.Int("tokens", n),
	)
	return n, nil
}

// Join blocks until every instance of every pool has stopped. It never puts stop tokens. If ctx
// ends first the error wraps ErrJoinTimeout and names the first instance still running.
func (e *Executor) Join(ctx context.Context) error {
	e.logger.Debug("joining schedulers")
	instances := 0
	for _, name := range e.poolNames {
		for _, m := range e.pools[name].Members() {
			select {
			case <-m.Done():
				instances++
			case <-ctx.Done():
				return fmt.Errorf("%w: scheduler %q instance %d is %s: %w",
					ErrJoinTimeout, name, m.Index(), m.State(), ctx.Err())
			}
		}
	}
	e.logger.Info("schedulers joined",
		zap.Int("schedulers", len(e.poolNames)),
		zap.Int("instances", instances),
	)
	return nil
}

// Run executes the whole pipeline: start everything, wait for the workers, terminate every queue
// they fed, and join. Queues also fed by a pool are left to that pool's forwarded tokens. A
// joinTimeout of zero waits indefinitely. Every queue is closed when Run returns.
func (e *Executor) Run(ctx context.Context, joinTimeout time.Duration) error {
	start := time.Now()
	e.Start(ctx)
	workerErr := e.WaitWorkers()

	consumers := e.topology.consumers()
	terminated := make(map[string]bool)
	var termErrs []error
	for _, name := range e.workerNames {
		queue := e.topology.Workers[name].OutputQueue
		if queue == "" || terminated[queue] || len(consumers[queue]) == 0 || e.topology.fedByPool(queue) {
			continue
		}
		terminated[queue] = true
		if _, err := e.Terminate(queue); err != nil {
			// Consumers of a closed queue drain it and stop as if they had been terminated.
			e.queues.Get(queue).Close()
			termErrs = append(termErrs, err)
		}
	}

	joinCtx := ctx
	if joinTimeout > 0 {
		var cancel context.CancelFunc
		joinCtx, cancel = context.WithTimeout(ctx, joinTimeout)
		defer cancel()
	}
	joinErr := e.Join(joinCtx)
	// Instances still waiting on a missing token see their queue close and exit.
	e.queues.Close()

	for _, snap := range e.Snapshot().Pools {
		e.logger.Info("scheduler summary",
			zap.String("scheduler", snap.Name),
			zap.Int64("processed", snap.Processed),
			zap.Int64("failed", snap.Failed),
			zap.Int64("forwarded", snap.Forwarded),
		)
	}
	e.logger.Info("pipeline finished", zap.Duration("elapsed", time.Since(start)))
	return errors.Join(workerErr, errors.Join(termErrs...), joinErr)
}

// QueueSnapshot reports the depth of one queue.
type QueueSnapshot struct {
	Name        string  `json:"name"`
	Payload     Payload `json:"payload"`
	Description string  `json:"description,omitempty"`
	Depth       int     `json:"depth"`
}

// Snapshot is a point-in-time view of a running pipeline.
type Snapshot struct {
	Started        bool            `json:"started"`
	WorkersRunning int64           `json:"workers_running"`
	Queues         []QueueSnapshot `json:"queues"`
	Pools          []PoolSnapshot  `json:"schedulers"`
}

// Snapshot reports queue depths and pool progress.
func (e *Executor) Snapshot() Snapshot {
	snap := Snapshot{
		Started:        e.started.Load(),
		WorkersRunning: e.workersLeft.Load(),
	}
	for _, name := range e.queues.Names() {
		ep := e.queues.Get(name)
		snap.Queues = append(snap.Queues, QueueSnapshot{
			Name:        name,
			Payload:     ep.Payload(),
			Description: ep.Description(),
			Depth:       ep.Len(),
		})
	}
	for _, name := range e.poolNames {
		snap.Pools = append(snap.Pools, e.pools[name].Snapshot())
	}
	return snap
}
