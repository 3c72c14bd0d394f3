package pipeline

import (
	"context"

	"github.com/JakeFAU/realtime-quote-pipeline/internal/quote"
)

// SourceKind registers a worker that feeds an identifier queue from source.
func SourceKind(source quote.Discoverer) WorkerKind {
	return WorkerKind{
		Output: PayloadIdentifier,
		Factory: func(b WorkerBinding) (Worker, error) {
			w, err := NewSourceWorker(b, source)
			if err != nil {
				return nil, err
			}
			return w, nil
		},
	}
}

// FetchKind registers a pool that turns identifiers into records with fetcher.
func FetchKind(fetcher quote.Fetcher, opts PoolOptions) PoolKind {
	return PoolKind{
		Input:  PayloadIdentifier,
		Output: PayloadRecord,
		Factory: func(b PoolBinding) (Stage, error) {
			input, err := b.Queues.IdentifierQueue(b.InputQueue)
			if err != nil {
				return nil, err
			}
			output, err := b.Queues.RecordQueue(b.OutputQueue)
			if err != nil {
				return nil, err
			}
			return newStage(b, input, output, fetcher.FetchQuote, opts)
		},
	}
}

// SinkKind registers a pool that hands each record to persister. When an output queue is bound,
// persisted records are forwarded to it.
func SinkKind(persister quote.Persister, opts PoolOptions) PoolKind {
	return PoolKind{
		Input:  PayloadRecord,
		Output: PayloadRecord,
		Factory: func(b PoolBinding) (Stage, error) {
			input, err := b.Queues.RecordQueue(b.InputQueue)
			if err != nil {
				return nil, err
			}
			output, err := b.Queues.RecordQueue(b.OutputQueue)
			if err != nil {
				return nil, err
			}
			persist := func(ctx context.Context, rec quote.Record) (quote.Record, error) {
				if err := persister.Persist(ctx, rec); err != nil {
					return quote.Record{}, err
				}
				return rec, nil
			}
			return newStage(b, input, output, persist, opts)
		},
	}
}

func newStage[In, Out any](
	b PoolBinding,
	input *Channel[In],
	output *Channel[Out],
	handler Handler[In, Out],
	opts PoolOptions,
) (Stage, error) {
	p, err := NewPool(b, input, output, handler, opts)
	if err != nil {
		return nil, err
	}
	return p, nil
}
