package pipeline

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-quote-pipeline/internal/metrics"
	"github.com/JakeFAU/realtime-quote-pipeline/internal/quote"
)

// State is the lifecycle position of one pool instance.
type State int32

// Instance states. Idle instances have been constructed but not started.
const (
	StateIdle State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateDraining:
		return "DRAINING"
	case StateStopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Member is one instance of a pool.
type Member interface {
	Index() int
	State() State
	// Done is closed once the instance has stopped.
	Done() <-chan struct{}
}

// Stage is a constructed scheduler pool as seen by the executor.
type Stage interface {
	Name() string
	Kind() string
	Input() Endpoint
	// Output returns nil for a terminal pool.
	Output() Endpoint
	ExpectedStops() int
	Members() []Member
	Start(ctx context.Context)
	Snapshot() PoolSnapshot
}

// Handler processes one work item. A returned error drops the item.
type Handler[In, Out any] func(ctx context.Context, item In) (Out, error)

// Throttle gates each item before the handler runs.
type Throttle interface {
	Wait(ctx context.Context) error
}

// PoolOptions tunes the per-item politeness of a pool.
type PoolOptions struct {
	// JitterMin and JitterMax bound the random pause after each successful item.
	JitterMin time.Duration
	JitterMax time.Duration
	Throttle  Throttle
	// Tracer records one span per item. Nil uses the global provider.
	Tracer trace.Tracer
}

const tracerName = "github.com/JakeFAU/realtime-quote-pipeline/internal/pipeline"

// PoolSnapshot reports the progress of a pool.
type PoolSnapshot struct {
	Name          string   `json:"name"`
	Kind          string   `json:"kind"`
	Input         string   `json:"input_queue"`
	Output        string   `json:"output_queue,omitempty"`
	Instances     int      `json:"instances"`
	ExpectedStops int      `json:"expected_stops"`
	StopsReceived int64    `json:"stops_received"`
	Processed     int64    `json:"processed"`
	Failed        int64    `json:"failed"`
	Forwarded     int64    `json:"forwarded"`
	States        []string `json:"states"`
}

type member struct {
	index int
	state atomic.Int32
	done  chan struct{}
}

func (m *member) Index() int            { return m.index }
func (m *member) State() State          { return State(m.state.Load()) }
func (m *member) Done() <-chan struct{} { return m.done }
func (m *member) set(s State)           { m.state.Store(int32(s)) }

// Pool runs a fixed number of identical instances over one input queue.
//
// Stop tokens are counted for the whole pool. Once ExpectedStops tokens have been taken, every
// instance finishes its current item, forwards one stop token to the output queue (if bound) and
// stops. FIFO order on the input queue means no work put ahead of the last token is left behind.
//
// A token does not stop the instance that takes it. Fewer than ExpectedStops tokens leave every
// instance RUNNING and forward nothing, even when the pool has more instances than tokens
// received. A pool therefore never stops partially.
type Pool[In, Out any] struct {
	name     string
	kind     string
	input    *Channel[In]
	output   *Channel[Out]
	handler  Handler[In, Out]
	opts     PoolOptions
	expected int64
	logger   *zap.Logger
	members  []*member

	startOnce sync.Once
	drainOnce sync.Once
	drained   chan struct{}
	cancelGet context.CancelFunc

	stops     atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	forwarded atomic.Int64
}

// NewPool constructs b.Instances idle instances reading input and writing output (which may be
// nil). Nothing runs until Start.
func NewPool[In, Out any](
	b PoolBinding,
	input *Channel[In],
	output *Channel[Out],
	handler Handler[In, Out],
	opts PoolOptions,
) (*Pool[In, Out], error) {
	if input == nil {
		return nil, configErrorf("scheduler %q: input queue is required", b.Name)
	}
	if b.Instances < 1 {
		return nil, configErrorf("scheduler %q: instances must be >= 1, got %d", b.Name, b.Instances)
	}
	if handler == nil {
		return nil, fmt.Errorf("scheduler %q: handler is required", b.Name)
	}
	if opts.JitterMax < opts.JitterMin {
		opts.JitterMax = opts.JitterMin
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	expected := b.ExpectedStops
	if expected <= 0 {
		expected = b.Instances
	}
	logger := b.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool[In, Out]{
		name:     b.Name,
		kind:     b.Kind,
		input:    input,
		output:   output,
		handler:  handler,
		opts:     opts,
		expected: int64(expected),
		logger:   logger.With(zap.String("pool", b.Name)),
		drained:  make(chan struct{}),
	}
	for i := range b.Instances {
		p.members = append(p.members, &member{index: i, done: make(chan struct{})})
	}
	return p, nil
}

// Name returns the pool name.
func (p *Pool[In, Out]) Name() string { return p.name }

// Kind returns the registry kind the pool was built from.
func (p *Pool[In, Out]) Kind() string { return p.kind }

// Input returns the input queue.
func (p *Pool[In, Out]) Input() Endpoint { return p.input }

// Output returns the output queue or nil.
func (p *Pool[In, Out]) Output() Endpoint {
	if p.output == nil {
		return nil
	}
	return p.output
}

// ExpectedStops returns the number of stop tokens that drain the pool.
func (p *Pool[In, Out]) ExpectedStops() int { return int(p.expected) }

// Members returns the pool instances.
func (p *Pool[In, Out]) Members() []Member {
	out := make([]Member, len(p.members))
	for i, m := range p.members {
		out[i] = m
	}
	return out
}

// Start launches one goroutine per instance. Later calls are ignored.
func (p *Pool[In, Out]) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		getCtx, cancel := context.WithCancel(ctx)
		p.cancelGet = cancel
		for _, m := range p.members {
			m.set(StateRunning)
			go p.run(ctx, getCtx, m)
		}
	})
}

// Snapshot reports counters and instance states.
func (p *Pool[In, Out]) Snapshot() PoolSnapshot {
	snap := PoolSnapshot{
		Name:          p.name,
		Kind:          p.kind,
		Input:         p.input.Name(),
		Instances:     len(p.members),
		ExpectedStops: int(p.expected),
		StopsReceived: p.stops.Load(),
		Processed:     p.processed.Load(),
		Failed:        p.failed.Load(),
		Forwarded:     p.forwarded.Load(),
	}
	if p.output != nil {
		snap.Output = p.output.Name()
	}
	for _, m := range p.members {
		snap.States = append(snap.States, m.State().String())
	}
	return snap
}

func (p *Pool[In, Out]) run(ctx, getCtx context.Context, m *member) {
	defer close(m.done)
	logger := p.logger.With(zap.Int("instance", m.index))
	metrics.IncActiveInstances(p.name)
	defer metrics.DecActiveInstances(p.name)
	logger.Debug("pool instance started")

	for {
		if p.isDrained() {
			p.finish(m, logger)
			return
		}
		msg, err := p.input.Get(getCtx)
		if err != nil {
			switch {
			case p.isDrained():
				p.finish(m, logger)
			case ctx.Err() != nil:
				m.set(StateStopped)
				logger.Warn("pool instance canceled", zap.Error(ctx.Err()))
			default:
				logger.Info("input queue closed", zap.Error(err))
				p.finish(m, logger)
			}
			return
		}
		metrics.SetQueueDepth(p.input.Name(), p.input.Len())

		item, ok := msg.Value()
		if !ok {
			received := p.stops.Add(1)
			metrics.ObserveStopToken(p.name)
			logger.Debug("stop token received",
				zap.Int64("received", received),
				zap.Int64("expected", p.expected),
			)
			if received >= p.expected {
				p.drain()
			}
			continue
		}
		if p.process(ctx, logger, item) {
			p.pause(ctx)
		}
	}
}

func (p *Pool[In, Out]) process(ctx context.Context, logger *zap.Logger, item In) bool {
	label := itemLabel(item)
	ctx, span := p.opts.Tracer.Start(ctx, "pipeline.process",
		trace.WithAttributes(
			attribute.String("pipeline.scheduler", p.name),
			attribute.String("pipeline.kind", p.kind),
			attribute.String("pipeline.item", label),
		),
	)
	defer span.End()

	if p.opts.Throttle != nil {
		if err := p.opts.Throttle.Wait(ctx); err != nil {
			span.SetStatus(codes.Error, "throttle")
			span.RecordError(err)
			p.failed.Add(1)
			metrics.ObserveItem(p.name, metrics.OutcomeFailed, 0)
			logger.Warn("throttle wait failed; item dropped", zap.String("item", label), zap.Error(err))
			return false
		}
	}

	start := time.Now()
	out, err := p.invoke(ctx, item)
	elapsed := time.Since(start)
	if err != nil {
		span.SetStatus(codes.Error, "handler")
		span.RecordError(err)
		p.failed.Add(1)
		metrics.ObserveItem(p.name, metrics.OutcomeFailed, elapsed)
		logger.Warn("item dropped", zap.String("item", label), zap.Duration("elapsed", elapsed), zap.Error(err))
		return false
	}
	p.processed.Add(1)
	metrics.ObserveItem(p.name, metrics.OutcomeOK, elapsed)
	logger.Debug("item processed", zap.String("item", label), zap.Duration("elapsed", elapsed))

	if p.output != nil {
		if err := p.output.Put(out); err != nil {
			logger.Error("forward failed", zap.String("item", label), zap.String("queue", p.output.Name()), zap.Error(err))
			return true
		}
		p.forwarded.Add(1)
	}
	return true
}

// invoke runs the handler, turning a panic into an item failure.
func (p *Pool[In, Out]) invoke(ctx context.Context, item In) (out Out, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.handler(ctx, item)
}

func (p *Pool[In, Out]) pause(ctx context.Context) {
	d := p.jitter()
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-p.drained:
	case <-timer.C:
	}
}

func (p *Pool[In, Out]) jitter() time.Duration {
	lo, hi := p.opts.JitterMin, p.opts.JitterMax
	if hi <= 0 {
		return 0
	}
	if hi == lo {
		return lo
	}
	return lo + rand.N(hi-lo)
}

func (p *Pool[In, Out]) drain() {
	p.drainOnce.Do(func() {
		p.logger.Info("all stop tokens received; draining", zap.Int64("expected", p.expected))
		close(p.drained)
		if p.cancelGet != nil {
			p.cancelGet()
		}
	})
}

func (p *Pool[In, Out]) isDrained() bool {
	select {
	case <-p.drained:
		return true
	default:
		return false
	}
}

func (p *Pool[In, Out]) finish(m *member, logger *zap.Logger) {
	m.set(StateDraining)
	if p.output != nil {
		if err := p.output.PutStop(); err != nil {
			logger.Error("forward stop token failed", zap.String("queue", p.output.Name()), zap.Error(err))
		}
	}
	m.set(StateStopped)
	logger.Info("pool instance stopped",
		zap.Int64("processed", p.processed.Load()),
		zap.Int64("failed", p.failed.Load()),
	)
}

func itemLabel(item any) string {
	switch v := item.(type) {
	case string:
		return v
	case quote.Record:
		return v.Subject
	default:
		return fmt.Sprint(v)
	}
}
