package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-quote-pipeline/internal/queue/memory"
	"github.com/JakeFAU/realtime-quote-pipeline/internal/quote"
)

func fetchTopology(instances int) Topology {
	return Topology{
		Queues: map[string]QueueConfig{
			"Q1": {Description: "identifiers", Payload: PayloadIdentifier},
			"Q2": {Description: "records", Payload: PayloadRecord},
		},
		Schedulers: map[string]SchedulerConfig{
			"fetchers": {Kind: "fetch", Instances: instances, InputQueue: "Q1", OutputQueue: "Q2"},
		},
	}
}

func TestNewExecutorBuildsInstancesPerScheduler(t *testing.T) {
	t.Parallel()

	topo := Topology{
		Queues: map[string]QueueConfig{
			"tickers": {Payload: PayloadIdentifier},
			"prices":  {Payload: PayloadRecord},
		},
		Workers: map[string]WorkerConfig{
			"discovery": {Kind: "source", OutputQueue: "tickers"},
		},
		Schedulers: map[string]SchedulerConfig{
			"quotes":   {Kind: "fetch", Instances: 5, InputQueue: "tickers", OutputQueue: "prices"},
			"postgres": {Kind: "sink", Instances: 3, InputQueue: "prices"},
		},
	}
	e, err := NewExecutor(topo, testRegistry(stubSource{}, &stubFetcher{}, &memorySink{}), zap.NewNop())
	require.NoError(t, err)

	require.Len(t, e.Pool("quotes").Members(), 5)
	require.Len(t, e.Pool("postgres").Members(), 3)
	require.NotNil(t, e.Worker("discovery"))
	require.NotNil(t, e.Queues().Get("tickers"))
	require.Nil(t, e.Queues().Get("missing"))
	require.Nil(t, e.Pool("postgres").Output())
	require.Equal(t, []string{"postgres", "quotes"}, e.PoolNames())

	// Fan-in: the sink waits for one token per upstream fetch instance.
	assert.Equal(t, 5, e.Pool("quotes").ExpectedStops())
	assert.Equal(t, 5, e.Pool("postgres").ExpectedStops())

	for _, m := range e.Pool("quotes").Members() {
		assert.Equal(t, StateIdle, m.State(), "construction must not start instances")
	}
}

func TestNewExecutorRejectsUnresolvableNamesAndBuildsNothing(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		topo Topology
		want string
	}{
		{
			name: "unknown input queue",
			topo: Topology{
				Queues:     map[string]QueueConfig{"Q2": {Payload: PayloadRecord}},
				Schedulers: map[string]SchedulerConfig{"f": {Kind: "fetch", Instances: 1, InputQueue: "Q1", OutputQueue: "Q2"}},
			},
			want: `input queue "Q1" is not declared`,
		},
		{
			name: "unknown output queue",
			topo: Topology{
				Queues:  map[string]QueueConfig{"Q1": {}},
				Workers: map[string]WorkerConfig{"w": {Kind: "source", OutputQueue: "nope"}},
			},
			want: `output queue "nope" is not declared`,
		},
		{
			name: "unknown scheduler kind",
			topo: Topology{
				Queues:     map[string]QueueConfig{"Q1": {}},
				Schedulers: map[string]SchedulerConfig{"f": {Kind: "teleport", Instances: 1, InputQueue: "Q1"}},
			},
			want: `unknown kind "teleport"`,
		},
		{
			name: "unknown worker kind",
			topo: Topology{
				Queues:  map[string]QueueConfig{"Q1": {}},
				Workers: map[string]WorkerConfig{"w": {Kind: "wiki.v2", OutputQueue: "Q1"}},
			},
			want: `worker "w": unknown kind "wiki.v2"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var built int
			reg := NewRegistry()
			reg.RegisterWorker("source", WorkerKind{
				Output: PayloadIdentifier,
				Factory: func(WorkerBinding) (Worker, error) {
					built++
					return nil, errBoom
				},
			})
			reg.RegisterPool("fetch", PoolKind{
				Input:  PayloadIdentifier,
				Output: PayloadRecord,
				Factory: func(PoolBinding) (Stage, error) {
					built++
					return nil, errBoom
				},
			})

			e, err := NewExecutor(tt.topo, reg, zap.NewNop())
			require.Nil(t, e)
			require.ErrorIs(t, err, ErrConfiguration)
			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			require.Contains(t, err.Error(), tt.want)
			require.Zero(t, built, "no factory may run for an invalid topology")
		})
	}
}

func TestNewExecutorWrapsFactoryErrors(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	reg.RegisterPool("fetch", PoolKind{
		Input:  PayloadIdentifier,
		Output: PayloadRecord,
		Factory: func(PoolBinding) (Stage, error) {
			return nil, errBoom
		},
	})
	_, err := NewExecutor(fetchTopology(1), reg, zap.NewNop())
	require.ErrorIs(t, err, errBoom)
	require.Contains(t, err.Error(), `construct scheduler "fetchers"`)
}

func TestStopTokensStopEveryInstanceAndPropagate(t *testing.T) {
	t.Parallel()

	const instances = 4
	e, err := NewExecutor(fetchTopology(instances), testRegistry(stubSource{}, &stubFetcher{}, &memorySink{}), zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)

	n, err := e.Terminate("Q1")
	require.NoError(t, err)
	require.Equal(t, instances, n)
	joinWithin(t, e, 2*time.Second)

	requireAllStopped(t, e.Pool("fetchers"))
	out, err := e.Queues().RecordQueue("Q2")
	require.NoError(t, err)
	items, stops := splitMessages(drainQueue(t, out))
	require.Empty(t, items)
	require.Equal(t, instances, stops, "one forwarded stop token per instance")
}

// Discovery yields AAA and BBB, a two-instance pool fetches them into Q2.
func TestScenarioTwoIdentifiersTwoInstances(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{}
	e, err := NewExecutor(fetchTopology(2), testRegistry(stubSource{}, fetcher, &memorySink{}), zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)

	q1, err := e.Queues().IdentifierQueue("Q1")
	require.NoError(t, err)
	for _, id := range (stubSource{ids: []string{"AAA", "BBB"}}).ids {
		require.NoError(t, q1.Put(id))
	}
	require.NoError(t, q1.PutStop())
	require.NoError(t, q1.PutStop())
	joinWithin(t, e, 2*time.Second)

	requireAllStopped(t, e.Pool("fetchers"))
	q2, err := e.Queues().RecordQueue("Q2")
	require.NoError(t, err)
	msgs := drainQueue(t, q2)
	require.Len(t, msgs, 4)
	require.True(t, msgs[len(msgs)-1].IsStop(), "the last message must be a stop token")
	records, stops := splitMessages(msgs)
	require.Equal(t, 2, stops)
	subjects := []string{records[0].Subject, records[1].Subject}
	require.ElementsMatch(t, []string{"AAA", "BBB"}, subjects)
	require.EqualValues(t, 2, fetcher.calls.Load())
}

// A failing identifier is dropped; the other still reaches the output queue.
func TestScenarioFailedFetchIsDropped(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{fail: map[string]bool{"ZZZ": true}}
	e, err := NewExecutor(fetchTopology(1), testRegistry(stubSource{}, fetcher, &memorySink{}), zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)

	q1, _ := e.Queues().IdentifierQueue("Q1")
	require.NoError(t, q1.Put("ZZZ"))
	require.NoError(t, q1.Put("YYY"))
	require.NoError(t, q1.PutStop())
	joinWithin(t, e, 2*time.Second)

	q2, _ := e.Queues().RecordQueue("Q2")
	records, stops := splitMessages(drainQueue(t, q2))
	require.Len(t, records, 1)
	require.Equal(t, "YYY", records[0].Subject)
	require.Equal(t, 1, stops)

	snap := e.Pool("fetchers").Snapshot()
	require.EqualValues(t, 1, snap.Processed)
	require.EqualValues(t, 1, snap.Failed)
	require.EqualValues(t, 1, snap.Forwarded)
}

// No identifiers at all: the pool stops on tokens alone without fetching.
func TestScenarioNoIdentifiers(t *testing.T) {
	t.Parallel()

	const instances = 3
	fetcher := &stubFetcher{}
	topo := fetchTopology(instances)
	topo.Workers = map[string]WorkerConfig{"discovery": {Kind: "source", OutputQueue: "Q1"}}
	e, err := NewExecutor(topo, testRegistry(stubSource{}, fetcher, &memorySink{}), zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.Run(ctx, time.Second))

	requireAllStopped(t, e.Pool("fetchers"))
	require.Zero(t, fetcher.calls.Load())
	q2, _ := e.Queues().RecordQueue("Q2")
	_, stops := splitMessages(drainQueue(t, q2))
	require.Equal(t, instances, stops)
}

func TestRunFansInAcrossUnequalPools(t *testing.T) {
	t.Parallel()

	ids := make([]string, 0, 60)
	for i := range 60 {
		ids = append(ids, string(rune('A'+i%26))+string(rune('A'+i/26)))
	}
	sink := &memorySink{}
	topo := Topology{
		Queues: map[string]QueueConfig{
			"tickers": {Payload: PayloadIdentifier},
			"prices":  {Payload: PayloadRecord},
		},
		Workers: map[string]WorkerConfig{
			"discovery": {Kind: "source", OutputQueue: "tickers"},
		},
		Schedulers: map[string]SchedulerConfig{
			"quotes":   {Kind: "fetch", Instances: 5, InputQueue: "tickers", OutputQueue: "prices"},
			"postgres": {Kind: "sink", Instances: 3, InputQueue: "prices"},
		},
	}
	e, err := NewExecutor(topo, testRegistry(stubSource{ids: ids}, &stubFetcher{}, sink), zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Run(ctx, 3*time.Second))

	require.Len(t, sink.subjects(), len(ids), "every record must be persisted before the sink stops")
	requireAllStopped(t, e.Pool("quotes"))
	requireAllStopped(t, e.Pool("postgres"))

	prices, _ := e.Queues().RecordQueue("prices")
	require.Zero(t, prices.Len(), "the sink consumes exactly the upstream tokens")
	require.EqualValues(t, 5, e.Pool("postgres").Snapshot().StopsReceived)
	require.Equal(t, int64(len(ids)), e.Worker("discovery").(*SourceWorker).Emitted())
}

func TestJoinTimesOutWithTooFewStopTokens(t *testing.T) {
	t.Parallel()

	e, err := NewExecutor(fetchTopology(2), testRegistry(stubSource{}, &stubFetcher{}, &memorySink{}), zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)

	q1, _ := e.Queues().IdentifierQueue("Q1")
	require.NoError(t, q1.PutStop())

	joinCtx, joinCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer joinCancel()
	err = e.Join(joinCtx)
	require.ErrorIs(t, err, ErrJoinTimeout)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The missing token releases the pool.
	require.NoError(t, q1.PutStop())
	joinWithin(t, e, 2*time.Second)
}

func TestSurplusStopTokensAreNotFatal(t *testing.T) {
	t.Parallel()

	e, err := NewExecutor(fetchTopology(1), testRegistry(stubSource{}, &stubFetcher{}, &memorySink{}), zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q1, _ := e.Queues().IdentifierQueue("Q1")
	require.NoError(t, q1.PutStop())
	require.NoError(t, q1.PutStop())
	require.NoError(t, q1.PutStop())
	e.Start(ctx)
	joinWithin(t, e, 2*time.Second)

	requireAllStopped(t, e.Pool("fetchers"))
	require.Equal(t, 2, q1.Len(), "surplus tokens stay queued")
}

func TestTerminateErrors(t *testing.T) {
	t.Parallel()

	e, err := NewExecutor(fetchTopology(1), testRegistry(stubSource{}, &stubFetcher{}, &memorySink{}), zap.NewNop())
	require.NoError(t, err)

	_, err = e.Terminate("missing")
	require.ErrorContains(t, err, `queue "missing" is not declared`)

	_, err = e.Terminate("Q2")
	require.ErrorContains(t, err, `no scheduler consumes queue "Q2"`)
}

func TestRunReportsWorkerErrorsAfterDraining(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	reg.RegisterWorker("broken", WorkerKind{
		Output: PayloadIdentifier,
		Factory: func(WorkerBinding) (Worker, error) {
			return workerFunc(func(context.Context) error { return errBoom }), nil
		},
	})
	reg.RegisterPool("fetch", FetchKind(&stubFetcher{}, PoolOptions{}))

	topo := fetchTopology(2)
	topo.Workers = map[string]WorkerConfig{"w": {Kind: "broken", OutputQueue: "Q1"}}
	e, err := NewExecutor(topo, reg, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = e.Run(ctx, time.Second)
	require.ErrorIs(t, err, errBoom)
	requireAllStopped(t, e.Pool("fetchers"))
}

func TestSnapshotReportsQueuesAndPools(t *testing.T) {
	t.Parallel()

	e, err := NewExecutor(fetchTopology(2), testRegistry(stubSource{}, &stubFetcher{}, &memorySink{}), zap.NewNop())
	require.NoError(t, err)

	q1, _ := e.Queues().IdentifierQueue("Q1")
	require.NoError(t, q1.Put("AAA"))

	snap := e.Snapshot()
	require.False(t, snap.Started)
	require.Len(t, snap.Queues, 2)
	require.Equal(t, "Q1", snap.Queues[0].Name)
	require.Equal(t, 1, snap.Queues[0].Depth)
	require.Len(t, snap.Pools, 1)
	require.Equal(t, []string{"IDLE", "IDLE"}, snap.Pools[0].States)
	require.Equal(t, "Q2", snap.Pools[0].Output)
}

type workerFunc func(ctx context.Context) error

func (f workerFunc) Run(ctx context.Context) error { return f(ctx) }

var _ quote.Discoverer = stubSource{}

func TestConfigErrorMatchesSentinel(t *testing.T) {
	t.Parallel()

	err := error(&ConfigError{Problems: []string{"a", "b"}})
	require.True(t, errors.Is(err, ErrConfiguration))
	require.Equal(t, "pipeline configuration error: a; b", err.Error())
}

func TestRunJoinsWhenTerminateFails(t *testing.T) {
	t.Parallel()

	topo := Topology{
		Queues: map[string]QueueConfig{
			"tickers": {Payload: PayloadIdentifier},
			"prices":  {Payload: PayloadRecord},
		},
		Workers: map[string]WorkerConfig{
			"discovery": {Kind: "source", OutputQueue: "tickers"},
		},
		Schedulers: map[string]SchedulerConfig{
			"quotes":  {Kind: "fetch", Instances: 3, InputQueue: "tickers", OutputQueue: "prices"},
			"writers": {Kind: "sink", Instances: 2, InputQueue: "prices"},
		},
	}
	e, err := NewExecutor(topo, testRegistry(stubSource{}, &stubFetcher{}, &memorySink{}), zap.NewNop())
	require.NoError(t, err)

	// A closed queue rejects the stop tokens Run tries to put.
	e.Queues().Get("tickers").Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = e.Run(ctx, 2*time.Second)
	require.ErrorIs(t, err, memory.ErrClosed)
	require.NotErrorIs(t, err, ErrJoinTimeout)

	requireAllStopped(t, e.Pool("quotes"))
	requireAllStopped(t, e.Pool("writers"))
}

func TestRunClosesQueues(t *testing.T) {
	t.Parallel()

	e, err := NewExecutor(Topology{
		Queues:     map[string]QueueConfig{"tickers": {Payload: PayloadIdentifier}},
		Workers:    map[string]WorkerConfig{"discovery": {Kind: "source", OutputQueue: "tickers"}},
		Schedulers: map[string]SchedulerConfig{"quotes": {Kind: "fetch", Instances: 1, InputQueue: "tickers"}},
	}, testRegistry(stubSource{ids: []string{"AAA"}}, &stubFetcher{}, &memorySink{}), zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, e.Run(context.Background(), time.Second))
	tickers, err := e.Queues().IdentifierQueue("tickers")
	require.NoError(t, err)
	require.ErrorIs(t, tickers.Put("BBB"), memory.ErrClosed)
}
