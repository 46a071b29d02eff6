// Package registry exposes the dynamic subgraph-registration endpoint:
// subgraphs push their SDL here at deploy time, and every accepted
// registration is folded into the running gateway through a SchemaUpdate
// event on the state machine.
package registry

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"github.com/goccy/go-json"
	"github.com/n9te9/go-graphql-federation-gateway/federation/graph"
	"github.com/n9te9/go-graphql-federation-gateway/state"
)

// RegistrationGraph is one subgraph's registration payload.
type RegistrationGraph struct {
	Name string `json:"name"`
	Host string `json:"host"`
	SDL  string `json:"sdl"`
}

// RegistrationRequest is the body of POST /schema/registration.
type RegistrationRequest struct {
	RegistrationGraphs []RegistrationGraph `json:"registration_graphs"`
}

// Registry accepts subgraph registrations and turns each accepted batch
// into a SchemaUpdate on the gateway's state machine. It keeps the full
// registered set so every update rebuilds from a complete, consistent view.
type Registry struct {
	machine *state.Machine
	logger  *slog.Logger

	mu         sync.Mutex
	registered map[string]*graph.SubGraphV2 // keyed by subgraph name
}

// New builds a Registry pushing updates into machine, seeded with the
// gateway's statically configured subgraphs. logger may be nil.
func New(machine *state.Machine, seed []*graph.SubGraphV2, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	registered := make(map[string]*graph.SubGraphV2, len(seed))
	for _, sg := range seed {
		registered[sg.Name] = sg
	}
	return &Registry{
		machine:    machine,
		logger:     logger,
		registered: registered,
	}
}

func (r *Registry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	switch req.URL.Path {
	case "/schema/registration":
		r.register(w, req)
	default:
		http.NotFound(w, req)
	}
}

func (r *Registry) register(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var body RegistrationRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, "failed to decode request body", http.StatusBadRequest)
		return
	}

	// Parse every submitted SDL before touching the registered set, so a
	// batch either applies whole or not at all.
	parsed := make([]*graph.SubGraphV2, 0, len(body.RegistrationGraphs))
	for _, rg := range body.RegistrationGraphs {
		sg, err := graph.NewSubGraphV2(rg.Name, []byte(rg.SDL), rg.Host)
		if err != nil {
			http.Error(w, fmt.Sprintf("failed to parse subgraph %q: %v", rg.Name, err), http.StatusBadRequest)
			return
		}
		parsed = append(parsed, sg)
	}

	subGraphs, prev := r.applyBatch(parsed)

	// The machine recomposes from the full set; a composition failure
	// keeps the previous generation and is reported back to the caller.
	done := make(chan error, 1)
	ev := state.Event{Kind: state.SchemaUpdate, SubGraphs: subGraphs, Done: done}
	if err := r.machine.Submit(req.Context(), ev); err != nil {
		http.Error(w, "registration queue unavailable", http.StatusServiceUnavailable)
		return
	}
	if err := <-done; err != nil {
		r.rollback(parsed, prev)
		http.Error(w, fmt.Sprintf("schema composition rejected the registration: %v", err), http.StatusUnprocessableEntity)
		return
	}

	r.logger.Info("subgraph registration applied", "count", len(parsed))
	w.WriteHeader(http.StatusOK)
}

// applyBatch merges the batch into the registered set, returning the full
// desired subgraph list in stable name order plus each replaced entry's
// previous value (nil for new names) so a rejected batch can be undone.
func (r *Registry) applyBatch(batch []*graph.SubGraphV2) ([]*graph.SubGraphV2, map[string]*graph.SubGraphV2) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := make(map[string]*graph.SubGraphV2, len(batch))
	for _, sg := range batch {
		prev[sg.Name] = r.registered[sg.Name]
		r.registered[sg.Name] = sg
	}

	names := make([]string, 0, len(r.registered))
	for name := range r.registered {
		names = append(names, name)
	}
	sort.Strings(names)

	subGraphs := make([]*graph.SubGraphV2, 0, len(names))
	for _, name := range names {
		subGraphs = append(subGraphs, r.registered[name])
	}
	return subGraphs, prev
}

// rollback restores the registered set to its state before a rejected batch.
func (r *Registry) rollback(batch []*graph.SubGraphV2, prev map[string]*graph.SubGraphV2) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sg := range batch {
		if old := prev[sg.Name]; old != nil {
			r.registered[sg.Name] = old
		} else {
			delete(r.registered, sg.Name)
		}
	}
}
