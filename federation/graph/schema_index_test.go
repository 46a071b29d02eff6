package graph_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/n9te9/go-graphql-federation-gateway/federation/graph"
)

func buildTestSuperGraph(t *testing.T) (*graph.SuperGraphV2, *graph.SubGraphV2, *graph.SubGraphV2) {
	t.Helper()

	products := newTestSubGraph(t, "products", `
		type Product @key(fields: "upc") {
			upc: String!
			name: String!
			price: Int!
			weight: Int!
		}
		type Query { topProducts(first: Int): [Product] }
	`, "http://localhost:4001")

	inventory := newTestSubGraph(t, "inventory", `
		extend type Product @key(fields: "upc") {
			upc: String! @external
			price: Int! @external
			weight: Int! @external
			shippingEstimate: Int! @requires(fields: "price weight")
		}
		type Query { warehouses: [String] }
	`, "http://localhost:4002")

	superGraph, err := graph.NewSuperGraphV2([]*graph.SubGraphV2{products, inventory})
	if err != nil {
		t.Fatalf("failed to build supergraph: %v", err)
	}
	return superGraph, products, inventory
}

func TestEntityKeys(t *testing.T) {
	superGraph, products, inventory := buildTestSuperGraph(t)

	for _, sub := range []*graph.SubGraphV2{products, inventory} {
		keys := superGraph.EntityKeys("Product", sub)
		if len(keys) != 1 {
			t.Fatalf("expected one key set for Product in %s, got %d", sub.Name, len(keys))
		}
		if keys[0].FieldSet != "upc" {
			t.Errorf("expected key field set upc in %s, got %q", sub.Name, keys[0].FieldSet)
		}
	}

	if keys := superGraph.EntityKeys("Review", products); keys != nil {
		t.Errorf("expected nil keys for unknown entity, got %v", keys)
	}
}

func TestRequires(t *testing.T) {
	superGraph, products, inventory := buildTestSuperGraph(t)

	got := superGraph.Requires("Product", "shippingEstimate", inventory)
	want := []string{"price", "weight"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Requires mismatch (-want +got):\n%s", diff)
	}

	if r := superGraph.Requires("Product", "name", products); r != nil {
		t.Errorf("field without @requires should return nil, got %v", r)
	}
}

func TestProvides(t *testing.T) {
	reviews := newTestSubGraph(t, "reviews", `
		extend type Product @key(fields: "upc") {
			upc: String! @external
			name: String! @external
		}
		type Review @key(fields: "id") {
			id: ID!
			product: Product @provides(fields: "name")
		}
		type Query { recentReviews: [Review] }
	`, "http://localhost:4002")

	superGraph, err := graph.NewSuperGraphV2([]*graph.SubGraphV2{reviews})
	if err != nil {
		t.Fatalf("failed to build supergraph: %v", err)
	}

	got := superGraph.Provides("Review", "product", reviews)
	want := []string{"name"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Provides mismatch (-want +got):\n%s", diff)
	}
}

func TestImplementationsAndIsMember(t *testing.T) {
	catalog := newTestSubGraph(t, "catalog", `
		interface Item {
			id: ID!
		}
		type Book implements Item @key(fields: "id") {
			id: ID!
			title: String!
		}
		type Album implements Item @key(fields: "id") {
			id: ID!
			artist: String!
		}
		union SearchResult = Book | Album
		type Query { items: [Item] search(q: String!): [SearchResult] }
	`, "http://localhost:4001")

	superGraph, err := graph.NewSuperGraphV2([]*graph.SubGraphV2{catalog})
	if err != nil {
		t.Fatalf("failed to build supergraph: %v", err)
	}

	want := []string{"Album", "Book"}
	if diff := cmp.Diff(want, superGraph.Implementations("Item")); diff != "" {
		t.Errorf("interface implementations mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, superGraph.Implementations("SearchResult")); diff != "" {
		t.Errorf("union members mismatch (-want +got):\n%s", diff)
	}

	if !superGraph.IsMember("Book", "Item") {
		t.Error("Book should be a member of Item")
	}
	if superGraph.IsMember("Item", "SearchResult") {
		t.Error("an interface is not a member of a union")
	}
	if !superGraph.IsAbstractType("Item") || !superGraph.IsAbstractType("SearchResult") {
		t.Error("Item and SearchResult are abstract types")
	}
	if superGraph.IsAbstractType("Book") {
		t.Error("Book is a concrete type")
	}
}

func TestRootSubGraphs(t *testing.T) {
	superGraph, products, inventory := buildTestSuperGraph(t)

	roots := superGraph.RootSubGraphs("query")
	names := make(map[string]bool, len(roots))
	for _, sub := range roots {
		names[sub.Name] = true
	}
	if !names[products.Name] || !names[inventory.Name] {
		t.Errorf("both subgraphs host Query root fields, got %v", names)
	}

	if roots := superGraph.RootSubGraphs("mutation"); len(roots) != 0 {
		t.Errorf("no subgraph hosts a Mutation root, got %d", len(roots))
	}
	if roots := superGraph.RootSubGraphs("bogus"); roots != nil {
		t.Errorf("unknown operation kind should return nil, got %v", roots)
	}
}
