package registry_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/n9te9/go-graphql-federation-gateway/federation/graph"
	"github.com/n9te9/go-graphql-federation-gateway/registry"
	"github.com/n9te9/go-graphql-federation-gateway/state"
)

const productsSDL = `
	type Product @key(fields: "upc") {
		upc: String!
		name: String!
	}
	type Query { topProducts: [Product] }
`

const reviewsSDL = `
	extend type Product @key(fields: "upc") {
		upc: String! @external
		reviews: [Review]
	}
	type Review { body: String! }
	type Query { recentReviews: [Review] }
`

func runningMachine(t *testing.T) (*state.Machine, []*graph.SubGraphV2) {
	t.Helper()

	products, err := graph.NewSubGraphV2("products", []byte(productsSDL), "http://localhost:4001")
	if err != nil {
		t.Fatalf("NewSubGraphV2: %v", err)
	}
	seed := []*graph.SubGraphV2{products}

	m, err := state.New(seed, nil, nil)
	if err != nil {
		t.Fatalf("state.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go m.Run(ctx) //nolint:errcheck

	return m, seed
}

func postRegistration(t *testing.T, reg *registry.Registry, body registry.RegistrationRequest) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal registration: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/schema/registration", bytes.NewReader(payload))
	w := httptest.NewRecorder()
	reg.ServeHTTP(w, req)
	return w
}

func TestRegistry_RegistrationTriggersSchemaUpdate(t *testing.T) {
	m, seed := runningMachine(t)
	reg := registry.New(m, seed, nil)

	before := m.Current().Generation

	w := postRegistration(t, reg, registry.RegistrationRequest{
		RegistrationGraphs: []registry.RegistrationGraph{
			{Name: "reviews", Host: "http://localhost:4002", SDL: reviewsSDL},
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	snap := m.Current()
	if snap.Generation != before+1 {
		t.Fatalf("expected generation bump to %d, got %d", before+1, snap.Generation)
	}
	if len(snap.SuperGraph.SubGraphs) != 2 {
		t.Fatalf("expected 2 composed subgraphs, got %d", len(snap.SuperGraph.SubGraphs))
	}
	if owners := snap.SuperGraph.GetSubGraphsForField("Query", "recentReviews"); len(owners) == 0 {
		t.Error("reviews root field should be resolvable after registration")
	}
}

func TestRegistry_MalformedSDLRejected(t *testing.T) {
	m, seed := runningMachine(t)
	reg := registry.New(m, seed, nil)

	before := m.Current().Generation

	w := postRegistration(t, reg, registry.RegistrationRequest{
		RegistrationGraphs: []registry.RegistrationGraph{
			{Name: "broken", Host: "http://localhost:4009", SDL: `type {{{`},
		},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a malformed SDL, got %d", w.Code)
	}

	if m.Current().Generation != before {
		t.Error("a rejected registration must not advance the generation")
	}
}

func TestRegistry_GETNotAllowed(t *testing.T) {
	m, seed := runningMachine(t)
	reg := registry.New(m, seed, nil)

	req := httptest.NewRequest(http.MethodGet, "/schema/registration", nil)
	w := httptest.NewRecorder()
	reg.ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", w.Code)
	}
}
