package executor_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/n9te9/go-graphql-federation-gateway/federation/executor"
	"github.com/n9te9/go-graphql-federation-gateway/federation/graph"
	"github.com/n9te9/go-graphql-federation-gateway/federation/planner"
	"github.com/n9te9/graphql-parser/ast"
	"github.com/n9te9/graphql-parser/lexer"
	"github.com/n9te9/graphql-parser/parser"
)

// End-to-end @defer: the primary chunk arrives first with hasNext true, the
// deferred chunk carries its path and data, and the stream ends with
// exactly one hasNext false.
func TestExecuteStream_DeferredChunks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Query string `json:"query"`
		}
		json.NewDecoder(r.Body).Decode(&req)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"topProducts": []any{
					map[string]any{"__typename": "Product", "upc": "1", "name": "Table"},
				},
			},
		})
	}))
	defer server.Close()

	products, err := graph.NewSubGraphV2("products", []byte(`
		type Product @key(fields: "upc") {
			upc: String!
			name: String!
		}
		type Query {
			topProducts: [Product]
		}
	`), server.URL)
	if err != nil {
		t.Fatalf("NewSubGraphV2: %v", err)
	}
	superGraph, err := graph.NewSuperGraphV2([]*graph.SubGraphV2{products})
	if err != nil {
		t.Fatalf("NewSuperGraphV2: %v", err)
	}

	query := `
		query {
			topProducts {
				upc
				... on Product @defer(label: "slow") {
					name
				}
			}
		}
	`
	l := lexer.New(query)
	p := parser.New(l)
	doc := p.ParseDocument()
	if len(p.Errors()) > 0 {
		t.Fatalf("parse error: %v", p.Errors())
	}

	plan, err := planner.NewPlannerV2(superGraph).PlanWithDefer(context.Background(), planner.DefaultPlannerConfig(), doc, nil)
	if err != nil {
		t.Fatalf("PlanWithDefer: %v", err)
	}
	if !plan.HasDefer() {
		t.Fatal("expected a deferred plan")
	}

	exec := executor.NewExecutorV2(http.DefaultClient, superGraph)

	var chunks []executor.Chunk
	err = exec.ExecuteStream(context.Background(), plan, nil, func(c executor.Chunk) error {
		chunks = append(chunks, c)
		return nil
	})
	if err != nil {
		t.Fatalf("ExecuteStream: %v", err)
	}

	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks (primary + deferred), got %d", len(chunks))
	}

	primary := chunks[0]
	if !primary.HasNext {
		t.Error("primary chunk must announce hasNext")
	}
	if primary.Data == nil {
		t.Fatal("primary chunk must carry data")
	}

	deferred := chunks[1]
	if deferred.HasNext {
		t.Error("final chunk must have hasNext false")
	}
	if deferred.Label != "slow" {
		t.Errorf("expected label slow, got %q", deferred.Label)
	}
	if len(deferred.Path) != 1 || deferred.Path[0] != "topProducts" {
		t.Errorf("expected path [topProducts], got %v", deferred.Path)
	}
	if deferred.Data == nil {
		t.Error("deferred chunk must carry the deferred data")
	}

	hasNextFalse := 0
	for _, c := range chunks {
		if !c.HasNext {
			hasNextFalse++
		}
	}
	if hasNextFalse != 1 {
		t.Errorf("stream must terminate with exactly one hasNext false chunk, got %d", hasNextFalse)
	}
}

func TestExecuteStream_EmitErrorAborts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"topProducts":[]}}`))
	}))
	defer server.Close()

	plan := &planner.PlanV2{
		Steps: []*planner.StepV2{
			{
				ID:           0,
				SubGraph:     &graph.SubGraphV2{Name: "products", Host: server.URL},
				StepType:     planner.StepTypeQuery,
				ParentType:   "Query",
				SelectionSet: []ast.Selection{namedField("topProducts")},
				DependsOn:    []int{},
			},
			{
				ID:           1,
				SubGraph:     &graph.SubGraphV2{Name: "products", Host: server.URL},
				StepType:     planner.StepTypeQuery,
				ParentType:   "Query",
				SelectionSet: []ast.Selection{namedField("topProducts")},
				DependsOn:    []int{},
			},
		},
		RootStepIndexes: []int{0},
		Deferred: []*planner.DeferredGroupV2{
			{Label: "x", Path: []string{"topProducts"}, StepIDs: []int{1}},
		},
	}

	exec := executor.NewExecutorV2(http.DefaultClient, nil)
	calls := 0
	err := exec.ExecuteStream(context.Background(), plan, nil, func(c executor.Chunk) error {
		calls++
		return context.Canceled
	})
	if err == nil {
		t.Fatal("emit error must abort the stream")
	}
	if calls != 1 {
		t.Errorf("stream must stop after the failed emit, got %d emits", calls)
	}
}
