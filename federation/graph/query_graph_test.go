package graph_test

import (
	"testing"

	"github.com/n9te9/go-graphql-federation-gateway/federation/graph"
)

func newTestSubGraph(t *testing.T, name, sdl, host string) *graph.SubGraphV2 {
	t.Helper()
	sg, err := graph.NewSubGraphV2(name, []byte(sdl), host)
	if err != nil {
		t.Fatalf("failed to build subgraph %s: %v", name, err)
	}
	return sg
}

// -----------------------------------------------------------------------
// NodeKey
// -----------------------------------------------------------------------

func TestNodeKey_WithField(t *testing.T) {
	got := graph.NodeKey("SubGraphA", "Product", "name")
	want := "SubGraphA:Product.name"
	if got != want {
		t.Errorf("NodeKey with field: got %q, want %q", got, want)
	}
}

func TestNodeKey_TypeLevel(t *testing.T) {
	got := graph.NodeKey("SubGraphA", "Product", "")
	want := "SubGraphA:Product"
	if got != want {
		t.Errorf("NodeKey type level: got %q, want %q", got, want)
	}
}

// -----------------------------------------------------------------------
// WeightedDirectedGraph: basic operations
// -----------------------------------------------------------------------

func TestAddNode_Idempotent(t *testing.T) {
	sg := newTestSubGraph(t, "sgA", `
		type Product @key(fields: "id") {
			id: ID!
			name: String!
		}
		type Query { product(id: ID!): Product }
	`, "http://localhost:4001")

	g := graph.NewWeightedDirectedGraph()
	n1 := g.AddNode("sgA:Product", sg, "Product", "")
	n2 := g.AddNode("sgA:Product", sg, "Product", "")
	if n1 != n2 {
		t.Error("AddNode should be idempotent and return the same pointer")
	}
}

func TestAddEdge_PreferLowerWeight(t *testing.T) {
	sg := newTestSubGraph(t, "sgA", `
		type Product @key(fields: "id") { id: ID! }
		type Query { product(id: ID!): Product }
	`, "http://localhost:4001")

	g := graph.NewWeightedDirectedGraph()
	g.AddNode("A", sg, "T", "")
	g.AddNode("B", sg, "T", "f")
	g.AddEdge("A", "B", graph.Edge{Weight: 1, Kind: graph.EdgeKey})
	g.AddEdge("A", "B", graph.Edge{Weight: 0, Kind: graph.EdgeField}) // lower weight should win
	if e := g.Nodes["A"].Edges["B"]; e.Weight != 0 || e.Kind != graph.EdgeField {
		t.Errorf("expected min-weight field edge, got %+v", e)
	}
}

func TestAddEdge_SrcNotFound(t *testing.T) {
	g := graph.NewWeightedDirectedGraph()
	g.AddEdge("missing", "alsoMissing", graph.Edge{Weight: 1, Kind: graph.EdgeKey})
	if len(g.Nodes) != 0 {
		t.Error("AddEdge on a missing source must not create nodes")
	}
}

// -----------------------------------------------------------------------
// BuildGraph
// -----------------------------------------------------------------------

func TestBuildGraph_SingleSubGraph(t *testing.T) {
	sg := newTestSubGraph(t, "products", `
		type Product @key(fields: "upc") {
			upc: String!
			name: String!
		}
		type Query { topProducts: [Product] }
	`, "http://localhost:4001")

	g := graph.BuildGraph([]*graph.SubGraphV2{sg})

	typeKey := graph.NodeKey("products", "Product", "")
	if _, ok := g.Nodes[typeKey]; !ok {
		t.Fatalf("expected type-level node %s", typeKey)
	}

	nameKey := graph.NodeKey("products", "Product", "name")
	edge, ok := g.Nodes[typeKey].Edges[nameKey]
	if !ok {
		t.Fatalf("expected edge %s -> %s", typeKey, nameKey)
	}
	if edge.Weight != 0 || edge.Kind != graph.EdgeField {
		t.Errorf("type->field edge should be a weight-0 field edge, got %+v", edge)
	}
}

func TestBuildGraph_CrossSubGraphKeyEdges(t *testing.T) {
	products := newTestSubGraph(t, "products", `
		type Product @key(fields: "upc") {
			upc: String!
			name: String!
		}
		type Query { topProducts: [Product] }
	`, "http://localhost:4001")
	reviews := newTestSubGraph(t, "reviews", `
		extend type Product @key(fields: "upc") {
			upc: String! @external
			reviews: [Review]
		}
		type Review { body: String! }
		type Query { recentReviews: [Review] }
	`, "http://localhost:4002")

	g := graph.BuildGraph([]*graph.SubGraphV2{products, reviews})

	keyA := graph.NodeKey("products", "Product", "")
	keyB := graph.NodeKey("reviews", "Product", "")

	edgeAB, ok := g.Nodes[keyA].Edges[keyB]
	if !ok {
		t.Fatalf("expected cross-subgraph edge %s -> %s", keyA, keyB)
	}
	if edgeAB.Weight != 1 || edgeAB.Kind != graph.EdgeKey {
		t.Errorf("cross edge should be a weight-1 key edge, got %+v", edgeAB)
	}
	if edgeAB.KeyFieldSet != "upc" {
		t.Errorf("key edge should carry the shared key field set, got %q", edgeAB.KeyFieldSet)
	}

	edgeBA, ok := g.Nodes[keyB].Edges[keyA]
	if !ok {
		t.Fatal("key edges must be bidirectional")
	}
	if edgeBA.Weight != 1 || edgeBA.Kind != graph.EdgeKey {
		t.Errorf("reverse cross edge should be a weight-1 key edge, got %+v", edgeBA)
	}
}

func TestBuildGraph_AbstractRefinementEdges(t *testing.T) {
	sg := newTestSubGraph(t, "catalog", `
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
		type Query { items: [Item] }
	`, "http://localhost:4001")

	g := graph.BuildGraph([]*graph.SubGraphV2{sg})

	itemKey := graph.NodeKey("catalog", "Item", "")
	itemNode, ok := g.Nodes[itemKey]
	if !ok {
		t.Fatalf("expected abstract type node %s", itemKey)
	}

	for _, impl := range []string{"Book", "Album"} {
		implKey := graph.NodeKey("catalog", impl, "")
		edge, ok := itemNode.Edges[implKey]
		if !ok {
			t.Fatalf("expected refinement edge %s -> %s", itemKey, implKey)
		}
		if edge.Weight != 0 || edge.Kind != graph.EdgeAbstract {
			t.Errorf("refinement edge should be a weight-0 abstract edge, got %+v", edge)
		}
	}
}

func TestBuildGraph_ProvidesShortCut(t *testing.T) {
	products := newTestSubGraph(t, "products", `
		type Product @key(fields: "upc") {
			upc: String!
			name: String!
		}
		type Query { topProducts: [Product] }
	`, "http://localhost:4001")
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

	g := graph.BuildGraph([]*graph.SubGraphV2{products, reviews})

	srcKey := graph.NodeKey("reviews", "Review", "product")
	srcNode, ok := g.Nodes[srcKey]
	if !ok {
		t.Fatalf("expected field node %s", srcKey)
	}
	if len(srcNode.ShortCut) == 0 {
		t.Fatal("expected @provides shortcut on Review.product")
	}

	// The shortcut must resolve to a real cross-subgraph node for "name".
	for dst := range srcNode.ShortCut {
		node, exists := g.Nodes[dst]
		if !exists {
			t.Errorf("shortcut target %q does not resolve to a real node", dst)
			continue
		}
		if node.FieldName != "name" {
			t.Errorf("shortcut should point at a name field node, got %q", dst)
		}
		if node.SubGraph.Name == "reviews" {
			t.Errorf("shortcut should cross subgraphs, got same-subgraph node %q", dst)
		}
	}
}

// -----------------------------------------------------------------------
// Dijkstra
// -----------------------------------------------------------------------

func TestDijkstra_CrossSubGraphCostOne(t *testing.T) {
	products := newTestSubGraph(t, "products", `
		type Product @key(fields: "upc") {
			upc: String!
			name: String!
		}
		type Query { topProducts: [Product] }
	`, "http://localhost:4001")
	reviews := newTestSubGraph(t, "reviews", `
		extend type Product @key(fields: "upc") {
			upc: String! @external
			reviews: [Review]
		}
		type Review { body: String! }
		type Query { recentReviews: [Review] }
	`, "http://localhost:4002")

	g := graph.BuildGraph([]*graph.SubGraphV2{products, reviews})

	entry := graph.NodeKey("products", "Product", "")
	result := g.Dijkstra([]string{entry})

	if got := result.Dist[entry]; got != 0 {
		t.Errorf("entry point cost should be 0, got %d", got)
	}

	crossType := graph.NodeKey("reviews", "Product", "")
	if got := result.Dist[crossType]; got != 1 {
		t.Errorf("cross-subgraph type node cost should be 1, got %d", got)
	}

	crossField := graph.NodeKey("reviews", "Product", "reviews")
	if got := result.Dist[crossField]; got != 1 {
		t.Errorf("field behind one key hop should cost 1, got %d", got)
	}
}

func TestDijkstra_EntryPointNotInGraph(t *testing.T) {
	g := graph.NewWeightedDirectedGraph()
	result := g.Dijkstra([]string{"nope:Missing"})
	if len(result.Dist) != 0 {
		t.Errorf("expected empty dist for empty graph, got %v", result.Dist)
	}
}

func TestDijkstra_Deterministic(t *testing.T) {
	products := newTestSubGraph(t, "products", `
		type Product @key(fields: "upc") {
			upc: String!
			name: String!
			price: Int!
		}
		type Query { topProducts: [Product] }
	`, "http://localhost:4001")
	reviews := newTestSubGraph(t, "reviews", `
		extend type Product @key(fields: "upc") {
			upc: String! @external
			reviews: [Review]
		}
		type Review @key(fields: "id") {
			id: ID!
			body: String!
		}
		type Query { recentReviews: [Review] }
	`, "http://localhost:4002")
	inventory := newTestSubGraph(t, "inventory", `
		extend type Product @key(fields: "upc") {
			upc: String! @external
			inStock: Boolean!
		}
		type Query { warehouses: [String] }
	`, "http://localhost:4003")

	subGraphs := []*graph.SubGraphV2{products, reviews, inventory}
	entry := graph.NodeKey("products", "Product", "")

	first := graph.BuildGraph(subGraphs).Dijkstra([]string{entry})
	for i := 0; i < 10; i++ {
		next := graph.BuildGraph(subGraphs).Dijkstra([]string{entry})
		if len(next.Dist) != len(first.Dist) {
			t.Fatalf("run %d produced %d dist entries, first run produced %d", i, len(next.Dist), len(first.Dist))
		}
		for node, cost := range first.Dist {
			if next.Dist[node] != cost {
				t.Fatalf("run %d: node %s cost %d, first run %d", i, node, next.Dist[node], cost)
			}
		}
		for node, prev := range first.Prev {
			if next.Prev[node] != prev {
				t.Fatalf("run %d: node %s prev %q, first run %q", i, node, next.Prev[node], prev)
			}
		}
	}
}

// -----------------------------------------------------------------------
// ReconstructPath
// -----------------------------------------------------------------------

func TestReconstructPath_Simple(t *testing.T) {
	sg := newTestSubGraph(t, "sgA", `
		type Product @key(fields: "id") { id: ID! }
		type Query { product(id: ID!): Product }
	`, "http://localhost:4001")

	g := graph.NewWeightedDirectedGraph()
	g.AddNode("A", sg, "T", "")
	g.AddNode("B", sg, "T", "")
	g.AddNode("C", sg, "T", "")
	g.AddEdge("A", "B", graph.Edge{Weight: 1, Kind: graph.EdgeKey})
	g.AddEdge("B", "C", graph.Edge{Weight: 1, Kind: graph.EdgeKey})

	result := g.Dijkstra([]string{"A"})
	path := result.ReconstructPath("C")

	want := []string{"A", "B", "C"}
	if len(path) != len(want) {
		t.Fatalf("expected path %v, got %v", want, path)
	}
	for i := range want {
		if path[i] != want[i] {
			t.Fatalf("expected path %v, got %v", want, path)
		}
	}
}

func TestReconstructPath_Unreachable(t *testing.T) {
	sg := newTestSubGraph(t, "sgA", `
		type Product @key(fields: "id") { id: ID! }
		type Query { product(id: ID!): Product }
	`, "http://localhost:4001")

	g := graph.NewWeightedDirectedGraph()
	g.AddNode("A", sg, "T", "")
	g.AddNode("Z", sg, "T", "")

	result := g.Dijkstra([]string{"A"})
	if path := result.ReconstructPath("Z"); path != nil {
		t.Errorf("expected nil path for unreachable node, got %v", path)
	}
}

// -----------------------------------------------------------------------
// SuperGraphV2 integration
// -----------------------------------------------------------------------

func TestSuperGraphV2_HasGraph(t *testing.T) {
	products := newTestSubGraph(t, "products", `
		type Product @key(fields: "upc") {
			upc: String!
			name: String!
		}
		type Query { topProducts: [Product] }
	`, "http://localhost:4001")

	superGraph, err := graph.NewSuperGraphV2([]*graph.SubGraphV2{products})
	if err != nil {
		t.Fatalf("failed to build supergraph: %v", err)
	}
	if superGraph.Graph == nil {
		t.Fatal("NewSuperGraphV2 must pre-compute the query graph")
	}
	if _, ok := superGraph.Graph.Nodes[graph.NodeKey("products", "Product", "")]; !ok {
		t.Error("query graph should contain the Product type node")
	}
}
