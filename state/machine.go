// Package state implements the router's hot-reload state machine: the
// atomically-swapped tuple of schema, config, plan cache and subgraph
// clients that every in-flight request reads a single consistent snapshot
// of.
//
// Rebuilds happen in one event-loop goroutine and publish a brand new
// read-only Snapshot through an atomic pointer, so readers never take a
// lock and never observe a half-applied update.
package state

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/n9te9/go-graphql-federation-gateway/federation/cache"
	"github.com/n9te9/go-graphql-federation-gateway/federation/executor"
	"github.com/n9te9/go-graphql-federation-gateway/federation/graph"
	"github.com/n9te9/go-graphql-federation-gateway/federation/planner"
)

// Options tunes the components each Snapshot is built with.
type Options struct {
	// Planner carries the bounded-search knobs handed to every planning
	// run against this machine's snapshots.
	Planner planner.PlannerConfig
	// PlanCache configures each generation's fresh plan cache.
	PlanCache cache.Option
	// DrainTimeout bounds how long Shutdown waits for in-flight requests
	// before force-closing. Zero means wait indefinitely.
	DrainTimeout time.Duration
}

func defaultOptions() Options {
	return Options{
		Planner:      planner.DefaultPlannerConfig(),
		PlanCache:    cache.Option{Capacity: 1024},
		DrainTimeout: 30 * time.Second,
	}
}

// EventKind distinguishes the reasons a new Snapshot gets built.
type EventKind int

const (
	// SchemaUpdate carries a new or changed subgraph SDL, usually from the
	// registry.
	SchemaUpdate EventKind = iota
	// ConfigUpdate carries a revised GatewayOption-equivalent config.
	ConfigUpdate
	// Shutdown requests the event loop drain in-flight work and stop.
	Shutdown
)

// Event is one state-transition request fed into the Machine's event loop.
// Only the fields relevant to Kind are read.
type Event struct {
	Kind EventKind

	// SubGraphs is the full desired subgraph set for a SchemaUpdate. The
	// machine always rebuilds from the complete set rather than patching a
	// single subgraph, so a bad partial update can never leave the
	// superGraph composition half-applied.
	SubGraphs []*graph.SubGraphV2

	// HTTPClient, if non-nil, replaces the shared subgraph HTTP client on a
	// ConfigUpdate (e.g. a new timeout took effect).
	HTTPClient *http.Client

	// Done, if non-nil, is closed after the event has been fully applied
	// (or failed), so a caller like the registry's ServeHTTP handler can
	// report success/failure back to its own caller.
	Done chan error
}

// Snapshot is one immutable, fully-built generation of router state. Readers
// obtain a Snapshot once per request and use it throughout — they never
// observe a schema from generation N alongside a plan cache from generation
// N+1.
type Snapshot struct {
	Generation    int64
	SuperGraph    *graph.SuperGraphV2
	Planner       *planner.PlannerV2
	PlannerConfig planner.PlannerConfig
	Executor      *executor.ExecutorV2
	PlanCache     *cache.PlanCache[string, *planner.PlanV2]
	HTTPClient    *http.Client
}

// Machine owns the current Snapshot and serializes rebuilds through a single
// event-loop goroutine, so concurrent SchemaUpdate/ConfigUpdate events are
// never applied out of order or interleaved.
type Machine struct {
	current atomic.Pointer[Snapshot]
	events  chan Event
	logger  *slog.Logger
	opts    Options

	generation int64
	httpClient *http.Client

	inflight sync.WaitGroup
}

// New constructs a Machine with default Options. It does not start the
// event loop; call Run for that.
func New(subGraphs []*graph.SubGraphV2, httpClient *http.Client, logger *slog.Logger) (*Machine, error) {
	return NewWithOptions(subGraphs, httpClient, logger, defaultOptions())
}

// NewWithOptions constructs a Machine seeded with an initial Snapshot built
// from subGraphs.
func NewWithOptions(subGraphs []*graph.SubGraphV2, httpClient *http.Client, logger *slog.Logger, opts Options) (*Machine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	m := &Machine{
		events:     make(chan Event, 64),
		logger:     logger,
		opts:       opts,
		httpClient: httpClient,
	}

	snap, err := m.build(subGraphs, httpClient, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to build initial snapshot: %w", err)
	}
	m.current.Store(snap)
	m.generation = 0

	return m, nil
}

// Current returns the Snapshot every new request should plan and execute
// against. Safe for any number of concurrent callers; never blocks.
func (m *Machine) Current() *Snapshot {
	return m.current.Load()
}

// Submit enqueues an Event for the running loop. It blocks only long enough
// to place the event on the channel, never for the event to be applied; use
// Event.Done if the caller needs to wait for that.
func (m *Machine) Submit(ctx context.Context, ev Event) error {
	select {
	case m.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the event loop until ctx is cancelled or a Shutdown event is
// received. It is meant to run in its own goroutine for the lifetime of the
// process.
func (m *Machine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-m.events:
			if ev.Kind == Shutdown {
				m.drain(ev)
				return nil
			}
			err := m.apply(ev)
			if ev.Done != nil {
				ev.Done <- err
				close(ev.Done)
			}
		}
	}
}

// apply builds a new Snapshot for ev and swaps it in on success. A failed
// rebuild leaves the current Snapshot serving traffic unchanged — a bad
// schema push must never take the router down.
func (m *Machine) apply(ev Event) error {
	switch ev.Kind {
	case SchemaUpdate:
		next := m.generation + 1
		snap, err := m.build(ev.SubGraphs, m.httpClient, next)
		if err != nil {
			m.logger.Error("schema reload failed, keeping previous generation", "error", err, "attempted_generation", next)
			return err
		}
		m.current.Store(snap)
		m.generation = next
		m.logger.Info("schema reloaded", "generation", next, "subgraphs", len(ev.SubGraphs))
		return nil

	case ConfigUpdate:
		if ev.HTTPClient != nil {
			m.httpClient = ev.HTTPClient
		}
		prev := m.current.Load()
		next := m.generation + 1
		snap := &Snapshot{
			Generation:    next,
			SuperGraph:    prev.SuperGraph,
			Planner:       prev.Planner,
			PlannerConfig: prev.PlannerConfig,
			Executor:      executor.NewExecutorV2(m.httpClient, prev.SuperGraph),
			PlanCache:     prev.PlanCache,
			HTTPClient:    m.httpClient,
		}
		m.current.Store(snap)
		m.generation = next
		m.logger.Info("config reloaded", "generation", next)
		return nil

	default:
		return fmt.Errorf("unhandled event kind %d", ev.Kind)
	}
}

// build composes a fresh, independent Snapshot: new SuperGraph, new Planner,
// new Executor, and a brand new PlanCache (rather than clearing the old
// one), so a stale plan built against the previous schema generation can
// never be served against the new one.
func (m *Machine) build(subGraphs []*graph.SubGraphV2, httpClient *http.Client, generation int64) (*Snapshot, error) {
	superGraph, err := graph.NewSuperGraphV2(subGraphs)
	if err != nil {
		return nil, fmt.Errorf("schema composition failed: %w", err)
	}

	return &Snapshot{
		Generation:    generation,
		SuperGraph:    superGraph,
		Planner:       planner.NewPlannerV2(superGraph),
		PlannerConfig: m.opts.Planner,
		Executor:      executor.NewExecutorV2(httpClient, superGraph),
		PlanCache:     cache.New[string, *planner.PlanV2](m.opts.PlanCache),
		HTTPClient:    httpClient,
	}, nil
}

// TrackRequest registers one in-flight request with the machine so shutdown
// can drain it. The returned func must be called when the request finishes.
func (m *Machine) TrackRequest() func() {
	m.inflight.Add(1)
	return m.inflight.Done
}

// drain waits for in-flight requests, bounded by the configured drain
// timeout, before acknowledging the shutdown event.
func (m *Machine) drain(ev Event) {
	var g errgroup.Group
	g.Go(func() error {
		m.inflight.Wait()
		return nil
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		g.Wait() //nolint:errcheck
	}()

	if m.opts.DrainTimeout > 0 {
		select {
		case <-done:
		case <-time.After(m.opts.DrainTimeout):
			m.logger.Warn("drain deadline elapsed, force-closing with requests in flight", "drain_timeout", m.opts.DrainTimeout)
		}
	} else {
		<-done
	}

	if ev.Done != nil {
		ev.Done <- nil
		close(ev.Done)
	}
}
