package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/n9te9/go-graphql-federation-gateway/federation/graph"
	"github.com/n9te9/go-graphql-federation-gateway/state"
)

// ReloadSetting configures the background poller that keeps the gateway's
// schema in sync with its subgraphs by re-fetching each one's SDL and
// pushing the result through the state machine as a SchemaUpdate. A zero
// Interval disables polling; NewReloader then only serves as an on-demand
// trigger.
type ReloadSetting struct {
	Interval string      `yaml:"interval"`
	Retry    RetryOption `yaml:"retry"`
}

// Reloader periodically re-fetches every configured subgraph's SDL and
// submits a SchemaUpdate event to the gateway's state machine whenever the
// fetch succeeds. A subgraph that is temporarily unreachable just keeps the
// previous generation's SDL for that entry; the machine itself refuses to
// adopt a SchemaUpdate that fails composition, so one bad subgraph can never
// take the router down.
type Reloader struct {
	services []GatewayService
	client   *http.Client
	retry    RetryOption
	interval time.Duration
	logger   *slog.Logger

	last map[string]string // subgraph name -> last-known-good SDL
}

// NewReloader builds a Reloader for the given services. logger may be nil.
func NewReloader(services []GatewayService, client *http.Client, setting ReloadSetting, logger *slog.Logger) (*Reloader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = &http.Client{}
	}

	var interval time.Duration
	if setting.Interval != "" {
		d, err := time.ParseDuration(setting.Interval)
		if err != nil {
			return nil, fmt.Errorf("invalid reload interval %q: %w", setting.Interval, err)
		}
		interval = d
	}

	return &Reloader{
		services: services,
		client:   client,
		retry:    setting.Retry,
		interval: interval,
		logger:   logger,
		last:     make(map[string]string, len(services)),
	}, nil
}

// FetchOnce fetches the current SDL for every configured service and
// returns the full subgraph set for a SchemaUpdate. Services whose fetch
// fails fall back to the last-known-good SDL (or are dropped entirely on
// the very first fetch, since there is nothing to fall back to).
func (r *Reloader) FetchOnce(ctx context.Context) ([]*graph.SubGraphV2, error) {
	subGraphs := make([]*graph.SubGraphV2, 0, len(r.services))
	for _, svc := range r.services {
		sdl, err := fetchSDL(svc.Host, r.client, r.retry)
		if err != nil {
			prev, ok := r.last[svc.Name]
			if !ok {
				r.logger.Warn("dropping subgraph from reload, no prior SDL on record", "subgraph", svc.Name, "error", err)
				continue
			}
			r.logger.Warn("SDL fetch failed, reusing last-known-good schema", "subgraph", svc.Name, "error", err)
			sdl = prev
		} else {
			r.last[svc.Name] = sdl
		}

		sg, err := graph.NewSubGraphV2(svc.Name, []byte(sdl), svc.Host)
		if err != nil {
			return nil, fmt.Errorf("failed to parse SDL for subgraph %q: %w", svc.Name, err)
		}
		subGraphs = append(subGraphs, sg)
	}

	return subGraphs, nil
}

// Run polls every r.interval until ctx is cancelled, submitting a
// SchemaUpdate to gw's state machine after each successful fetch round. A
// zero interval makes Run a no-op; callers that only want on-demand reloads
// should call FetchOnce directly instead.
func (r *Reloader) Run(ctx context.Context, gw *gateway) {
	if r.interval <= 0 {
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			subGraphs, err := r.FetchOnce(ctx)
			if err != nil {
				r.logger.Error("schema reload fetch failed", "error", err)
				continue
			}

			done := make(chan error, 1)
			ev := state.Event{Kind: state.SchemaUpdate, SubGraphs: subGraphs, Done: done}
			if err := gw.state.Submit(ctx, ev); err != nil {
				r.logger.Error("failed to submit schema reload", "error", err)
				continue
			}
			if err := <-done; err != nil {
				r.logger.Warn("schema reload rejected", "error", err)
			}
		}
	}
}
