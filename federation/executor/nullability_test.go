package executor_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/n9te9/go-graphql-federation-gateway/federation/executor"
	"github.com/n9te9/go-graphql-federation-gateway/federation/graph"
	"github.com/n9te9/go-graphql-federation-gateway/federation/planner"
	"github.com/n9te9/graphql-parser/ast"
	"github.com/n9te9/graphql-parser/lexer"
	"github.com/n9te9/graphql-parser/parser"
)

func nullabilitySuperGraph(t *testing.T) *graph.SuperGraphV2 {
	t.Helper()
	sg, err := graph.NewSubGraphV2("products", []byte(`
		type Product @key(fields: "upc") {
			upc: String!
			name: String!
			description: String
		}
		type Query {
			topProducts: [Product]
			featured: Product!
		}
	`), "http://localhost:4001")
	if err != nil {
		t.Fatalf("NewSubGraphV2: %v", err)
	}
	superGraph, err := graph.NewSuperGraphV2([]*graph.SubGraphV2{sg})
	if err != nil {
		t.Fatalf("NewSuperGraphV2: %v", err)
	}
	return superGraph
}

func selectionsOf(t *testing.T, query string) []ast.Selection {
	t.Helper()
	l := lexer.New(query)
	p := parser.New(l)
	doc := p.ParseDocument()
	if len(p.Errors()) > 0 {
		t.Fatalf("parse error: %v", p.Errors())
	}
	for _, def := range doc.Definitions {
		if op, ok := def.(*ast.OperationDefinition); ok {
			return op.SelectionSet
		}
	}
	t.Fatal("no operation in document")
	return nil
}

func TestApplyNullability_NullableFieldStaysNull(t *testing.T) {
	superGraph := nullabilitySuperGraph(t)
	selections := selectionsOf(t, `query { topProducts { upc description } }`)

	data := map[string]interface{}{
		"topProducts": []interface{}{
			map[string]interface{}{"upc": "1", "description": nil},
		},
	}

	result, rootNulled := executor.ApplyNullability(superGraph, "Query", selections, data)
	if rootNulled {
		t.Fatal("nullable leaf must not bubble")
	}
	products := result["topProducts"].([]interface{})
	product := products[0].(map[string]interface{})
	if product["description"] != nil {
		t.Error("description should stay null")
	}
	if product["upc"] != "1" {
		t.Error("sibling value must be preserved")
	}
}

func TestApplyNullability_NonNullBubblesToNullableParent(t *testing.T) {
	superGraph := nullabilitySuperGraph(t)
	selections := selectionsOf(t, `query { topProducts { upc name } }`)

	// name is String!; a null name nulls the product, and since the list
	// elements are nullable the list keeps a null slot... but Product
	// elements here are nullable ([Product]), so the element becomes null
	// without touching the list or the root.
	data := map[string]interface{}{
		"topProducts": []interface{}{
			map[string]interface{}{"upc": "1", "name": nil},
			map[string]interface{}{"upc": "2", "name": "Chair"},
		},
	}

	result, rootNulled := executor.ApplyNullability(superGraph, "Query", selections, data)
	if rootNulled {
		t.Fatal("nullable list elements absorb the bubble")
	}
	products := result["topProducts"].([]interface{})
	if products[0] != nil {
		t.Errorf("product with null non-null field must become null, got %v", products[0])
	}
	second := products[1].(map[string]interface{})
	if second["name"] != "Chair" {
		t.Error("sibling element must be untouched")
	}
}

func TestApplyNullability_NonNullRootBubblesToRoot(t *testing.T) {
	superGraph := nullabilitySuperGraph(t)
	selections := selectionsOf(t, `query { featured { upc name } }`)

	// featured is Product!; a null non-null field inside nulls the product,
	// which violates featured's own non-null wrapper, so data goes null.
	data := map[string]interface{}{
		"featured": map[string]interface{}{"upc": "1", "name": nil},
	}

	_, rootNulled := executor.ApplyNullability(superGraph, "Query", selections, data)
	if !rootNulled {
		t.Fatal("null in a non-null chain must bubble to the root")
	}
}

// Full pipeline: a subgraph returning null for a non-null field yields data null at
// the response level, not a half-populated object.
func TestExecute_NullabilityEnforcedOnResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"featured":{"upc":"1","name":null}}}`))
	}))
	defer server.Close()

	superGraph := nullabilitySuperGraph(t)
	// Rebind the products host to the test server.
	superGraph.SubGraphs[0].Host = server.URL

	l := lexer.New(`query { featured { upc name } }`)
	p := parser.New(l)
	doc := p.ParseDocument()
	if len(p.Errors()) > 0 {
		t.Fatalf("parse error: %v", p.Errors())
	}

	plan, err := planner.NewPlannerV2(superGraph).Plan(doc, nil)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	exec := executor.NewExecutorV2(http.DefaultClient, superGraph)
	result, err := exec.Execute(context.Background(), plan, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if result["data"] != nil {
		t.Errorf("data must be null after the non-null violation bubbles to the root, got %v", result["data"])
	}
}
