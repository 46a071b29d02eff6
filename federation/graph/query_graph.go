package graph

import (
	"container/heap"
	"fmt"
	"sort"
)

// EdgeKind classifies how the planner may move between two graph nodes.
type EdgeKind int

const (
	// EdgeField is a same-subgraph traversal from a type node to one of its
	// field nodes. Weight 0.
	EdgeField EdgeKind = iota
	// EdgeKey is a cross-subgraph hop between two type nodes sharing an
	// entity @key. Taking it costs an extra _entities fetch, so weight 1.
	EdgeKey
	// EdgeAbstract refines an interface or union type node into one of its
	// concrete implementations within the same subgraph. Weight 0.
	EdgeAbstract
)

// Edge is one directed edge of the query graph.
type Edge struct {
	Weight int
	Kind   EdgeKind
	// KeyFieldSet carries the @key field set an EdgeKey hop resolves
	// through; empty for other kinds.
	KeyFieldSet string
}

// GraphNode represents a node in the query graph: a specific type, or a
// specific field of a type, within one subgraph.
// Key format: "{SubGraphName}:{typeName}.{fieldName}", or
// "{SubGraphName}:{typeName}" for type-level nodes.
type GraphNode struct {
	ID        string          // Node identifier (e.g., "reviews:Review.product")
	SubGraph  *SubGraphV2     // The subgraph this node belongs to
	TypeName  string          // Type name (e.g., "Review")
	FieldName string          // Field name (e.g., "product"), empty for type-level nodes
	Edges     map[string]Edge // Adjacent node IDs and their edges
	ShortCut  map[string]int  // Shortcut edges from @provides (static route cache; value is always 0)
}

// WeightedDirectedGraph is the query graph the planner searches: nodes are
// (subgraph, type[.field]) pairs, edges are field traversals, entity-key
// transitions, and abstract-type refinements.
type WeightedDirectedGraph struct {
	Nodes map[string]*GraphNode
}

// NewWeightedDirectedGraph creates an empty query graph.
func NewWeightedDirectedGraph() *WeightedDirectedGraph {
	return &WeightedDirectedGraph{
		Nodes: make(map[string]*GraphNode),
	}
}

// AddNode adds a node to the graph. If the node already exists, it is returned as-is.
func (g *WeightedDirectedGraph) AddNode(id string, subGraph *SubGraphV2, typeName, fieldName string) *GraphNode {
	if existing, ok := g.Nodes[id]; ok {
		return existing
	}
	node := &GraphNode{
		ID:        id,
		SubGraph:  subGraph,
		TypeName:  typeName,
		FieldName: fieldName,
		Edges:     make(map[string]Edge),
		ShortCut:  make(map[string]int),
	}
	g.Nodes[id] = node
	return node
}

// AddEdge adds a directed edge from srcID to dstID. When an edge already
// exists the minimum weight wins, so 0-cost paths are always preferred.
func (g *WeightedDirectedGraph) AddEdge(srcID, dstID string, edge Edge) {
	src, ok := g.Nodes[srcID]
	if !ok {
		return
	}
	if existing, exists := src.Edges[dstID]; !exists || edge.Weight < existing.Weight {
		src.Edges[dstID] = edge
	}
}

// AddShortCut adds a @provides shortcut edge (weight=0) to the node srcID.
func (g *WeightedDirectedGraph) AddShortCut(srcID, dstID string) {
	src, ok := g.Nodes[srcID]
	if !ok {
		return
	}
	src.ShortCut[dstID] = 0
}

// NodeKey returns the graph node key for a given subgraph, type, and field.
// When fieldName is empty, returns a type-level key.
func NodeKey(subGraphName, typeName, fieldName string) string {
	if fieldName == "" {
		return fmt.Sprintf("%s:%s", subGraphName, typeName)
	}
	return fmt.Sprintf("%s:%s.%s", subGraphName, typeName, fieldName)
}

// -----------------------------------------------------------------------
// Dijkstra priority queue implementation
// -----------------------------------------------------------------------

// dijkstraItem is an element in the priority queue.
type dijkstraItem struct {
	nodeID string
	cost   int
	index  int // maintained by heap.Interface
}

// dijkstraPQ implements heap.Interface for a min-heap of dijkstraItem.
// Equal-cost items order by node ID so repeated runs over the same graph
// pop nodes in the same order.
type dijkstraPQ []*dijkstraItem

func (pq dijkstraPQ) Len() int { return len(pq) }
func (pq dijkstraPQ) Less(i, j int) bool {
	if pq[i].cost != pq[j].cost {
		return pq[i].cost < pq[j].cost
	}
	return pq[i].nodeID < pq[j].nodeID
}
func (pq dijkstraPQ) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}
func (pq *dijkstraPQ) Push(x any) {
	n := len(*pq)
	item := x.(*dijkstraItem)
	item.index = n
	*pq = append(*pq, item)
}
func (pq *dijkstraPQ) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*pq = old[:n-1]
	return item
}

// DijkstraResult contains the shortest path information from a Dijkstra run.
type DijkstraResult struct {
	// Dist maps nodeID -> minimum cost to reach that node from any entry point.
	Dist map[string]int
	// Prev maps nodeID -> predecessor nodeID (for path reconstruction).
	Prev map[string]string
}

// Dijkstra runs Dijkstra's algorithm on the graph starting from the given
// entry points (cost=0). Neighbor expansion visits edges in sorted node-ID
// order, so the Prev map — and everything the planner derives from it — is
// identical across runs on the same graph.
func (g *WeightedDirectedGraph) Dijkstra(entryPoints []string) *DijkstraResult {
	dist := make(map[string]int, len(g.Nodes))
	prev := make(map[string]string, len(g.Nodes))

	const inf = int(^uint(0) >> 1)
	for id := range g.Nodes {
		dist[id] = inf
	}

	pq := &dijkstraPQ{}
	heap.Init(pq)

	for _, ep := range entryPoints {
		if _, ok := g.Nodes[ep]; ok {
			dist[ep] = 0
			heap.Push(pq, &dijkstraItem{nodeID: ep, cost: 0})
		}
	}

	for pq.Len() > 0 {
		item := heap.Pop(pq).(*dijkstraItem)
		u := item.nodeID
		currentCost := item.cost

		if currentCost > dist[u] {
			continue // stale entry
		}

		node := g.Nodes[u]

		for _, vID := range sortedEdgeKeys(node.Edges) {
			newCost := dist[u] + node.Edges[vID].Weight
			if newCost < dist[vID] {
				dist[vID] = newCost
				prev[vID] = u
				heap.Push(pq, &dijkstraItem{nodeID: vID, cost: newCost})
			}
		}

		// Shortcut edges are always weight 0.
		for _, vID := range sortedIntKeys(node.ShortCut) {
			newCost := dist[u]
			existingCost, exists := dist[vID]
			if !exists || newCost < existingCost {
				dist[vID] = newCost
				prev[vID] = u
				heap.Push(pq, &dijkstraItem{nodeID: vID, cost: newCost})
			}
		}
	}

	return &DijkstraResult{Dist: dist, Prev: prev}
}

func sortedEdgeKeys(m map[string]Edge) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedIntKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ReconstructPath returns the path from any entry point to dstID using the prev map.
// Returns an empty slice if dstID is unreachable.
func (r *DijkstraResult) ReconstructPath(dstID string) []string {
	const inf = int(^uint(0) >> 1)
	if cost, ok := r.Dist[dstID]; !ok || cost == inf {
		return nil
	}

	var path []string
	visited := make(map[string]bool)
	for cur := dstID; cur != ""; {
		if visited[cur] {
			break
		}
		visited[cur] = true
		path = append([]string{cur}, path...)
		prev, hasPrev := r.Prev[cur]
		if !hasPrev {
			break
		}
		cur = prev
	}
	return path
}

// BuildGraph constructs the query graph from the subgraphs' schema metadata.
// This is called once during NewSuperGraphV2 to pre-compute the graph for
// the life of the schema generation.
//
// Graph construction rules:
//   - For each subgraph, add a type-level node for every entity type.
//   - For each field in a type, add a field-level node under that subgraph.
//   - Same-subgraph type → field: EdgeField, weight 0.
//   - Cross-subgraph type → type via a shared @key: EdgeKey, weight 1.
//   - Interface/union → implementation in the same subgraph: EdgeAbstract, weight 0.
//   - @provides fields add ShortCut edges (weight 0) from the field node to
//     the provided field nodes.
func BuildGraph(subGraphs []*SubGraphV2) *WeightedDirectedGraph {
	g := NewWeightedDirectedGraph()

	// First pass: create all type-level and field-level nodes.
	for _, sg := range subGraphs {
		for typeName, entity := range sg.GetEntities() {
			typeKey := NodeKey(sg.Name, typeName, "")
			g.AddNode(typeKey, sg, typeName, "")

			for fieldName, field := range entity.Fields {
				fieldKey := NodeKey(sg.Name, typeName, fieldName)
				g.AddNode(fieldKey, sg, typeName, fieldName)

				g.AddEdge(typeKey, fieldKey, Edge{Weight: 0, Kind: EdgeField})

				// @provides: field node → provided field node (shortcut, weight 0).
				// Store placeholder keys; they are resolved in the final pass.
				for _, providedField := range field.Provides {
					placeholderKey := fmt.Sprintf("%s:%s.%s:%s", sg.Name, typeName, fieldName, providedField)
					g.AddShortCut(fieldKey, placeholderKey)
				}
			}
		}
	}

	// Second pass: cross-subgraph key edges. For each entity that appears in
	// multiple subgraphs, connect the type nodes in both directions.
	entitySubGraphs := make(map[string][]*SubGraphV2) // typeName -> subgraphs that define it
	for _, sg := range subGraphs {
		for typeName := range sg.GetEntities() {
			entitySubGraphs[typeName] = append(entitySubGraphs[typeName], sg)
		}
	}

	for typeName, sgs := range entitySubGraphs {
		if len(sgs) < 2 {
			continue
		}
		for i, sgA := range sgs {
			for _, sgB := range sgs[i+1:] {
				keyFieldSet := ""
				if entity, ok := sgA.GetEntity(typeName); ok && len(entity.Keys) > 0 {
					keyFieldSet = entity.Keys[0].FieldSet
				}
				keyA := NodeKey(sgA.Name, typeName, "")
				keyB := NodeKey(sgB.Name, typeName, "")
				g.AddEdge(keyA, keyB, Edge{Weight: 1, Kind: EdgeKey, KeyFieldSet: keyFieldSet})
				g.AddEdge(keyB, keyA, Edge{Weight: 1, Kind: EdgeKey, KeyFieldSet: keyFieldSet})
			}
		}
	}

	// Third pass: abstract refinement edges, per subgraph. Uses each
	// subgraph's own schema so a refinement never implies a subgraph hop.
	for _, sg := range subGraphs {
		for abstractName, impls := range sg.AbstractMembers() {
			abstractKey := NodeKey(sg.Name, abstractName, "")
			g.AddNode(abstractKey, sg, abstractName, "")
			for _, impl := range impls {
				implKey := NodeKey(sg.Name, impl, "")
				g.AddNode(implKey, sg, impl, "")
				g.AddEdge(abstractKey, implKey, Edge{Weight: 0, Kind: EdgeAbstract})
			}
		}
	}

	// Final pass: resolve @provides ShortCut placeholder keys to real field
	// node keys.
	g.resolveProvideShortCuts(subGraphs)

	return g
}

// resolveProvideShortCuts replaces placeholder shortcut keys with real graph
// node keys. A @provides(fields: "name") on field `Review.product: Product`
// in subgraph A means that when fetching via A.Review.product, the field
// B.Product.name can be resolved without an extra cross-subgraph hop.
//
// Candidate nodes are scanned in sorted-ID order so a provided field that
// exists in several subgraphs always resolves to the same node.
func (g *WeightedDirectedGraph) resolveProvideShortCuts(subGraphs []*SubGraphV2) {
	allIDs := make([]string, 0, len(g.Nodes))
	for id := range g.Nodes {
		allIDs = append(allIDs, id)
	}
	sort.Strings(allIDs)

	for _, nodeID := range allIDs {
		node := g.Nodes[nodeID]
		if len(node.ShortCut) == 0 {
			continue
		}

		newShortCuts := make(map[string]int)
		for _, placeholderKey := range sortedIntKeys(node.ShortCut) {
			// Placeholder format is always
			// "{sgName}:{typeName}.{fieldName}:{providedField}", so the last
			// segment is the providedField.
			lastColon := -1
			for i := len(placeholderKey) - 1; i >= 0; i-- {
				if placeholderKey[i] == ':' {
					lastColon = i
					break
				}
			}
			providedFieldName := placeholderKey[lastColon+1:]

			resolved := false
			for _, realKey := range allIDs {
				realNode := g.Nodes[realKey]
				if realNode.FieldName == providedFieldName && realNode.SubGraph.Name != node.SubGraph.Name {
					newShortCuts[realKey] = 0
					resolved = true
					break
				}
			}
			if !resolved {
				// Keep unresolved placeholder (won't match any traversal node).
				newShortCuts[placeholderKey] = 0
			}
		}
		node.ShortCut = newShortCuts
	}
}
