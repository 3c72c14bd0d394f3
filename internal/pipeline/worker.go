package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-quote-pipeline/internal/metrics"
	"github.com/JakeFAU/realtime-quote-pipeline/internal/quote"
)

// SourceWorker drains a Discoverer into an identifier queue. It never puts stop tokens; the
// caller does that once the worker has returned.
type SourceWorker struct {
	name    string
	source  quote.Discoverer
	output  *Channel[string]
	logger  *zap.Logger
	emitted atomic.Int64
}

// NewSourceWorker wires source to the worker's output queue.
func NewSourceWorker(b WorkerBinding, source quote.Discoverer) (*SourceWorker, error) {
	if source == nil {
		return nil, fmt.Errorf("worker %q: source is required", b.Name)
	}
	output, err := b.Queues.IdentifierQueue(b.OutputQueue)
	if err != nil {
		return nil, err
	}
	if output == nil {
		return nil, configErrorf("worker %q: output queue is required", b.Name)
	}
	logger := b.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SourceWorker{
		name:   b.Name,
		source: source,
		output: output,
		logger: logger.With(zap.String("worker", b.Name)),
	}, nil
}

// Run pushes every discovered identifier onto the output queue.
func (w *SourceWorker) Run(ctx context.Context) error {
	w.logger.Info("source worker started", zap.String("queue", w.output.Name()))
	for id := range w.source.Discover(ctx) {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("source %q canceled: %w", w.name, err)
		}
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if err := w.output.Put(id); err != nil {
			return fmt.Errorf("source %q: put %q: %w", w.name, id, err)
		}
		w.emitted.Add(1)
		metrics.IncSourceItems(w.name)
	}
	w.logger.Info("source exhausted", zap.Int64("emitted", w.emitted.Load()))
	return nil
}

// Emitted reports how many identifiers were enqueued.
func (w *SourceWorker) Emitted() int64 {
	return w.emitted.Load()
}
