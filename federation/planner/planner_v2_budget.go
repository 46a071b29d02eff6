package planner

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/n9te9/go-graphql-federation-gateway/federation/apperrors"
	"github.com/n9te9/go-graphql-federation-gateway/federation/graph"
	"github.com/n9te9/graphql-parser/ast"
)

// Search bounds and timeout defaults. These are the planner's only tunable
// knobs; everything else is determined by the schema and the operation.
const (
	// DefaultMaxOptionsPerField caps how many resolution options are kept
	// per field. Options arrive in cost-ascending enumeration order, so
	// truncation keeps the cheapest candidates.
	DefaultMaxOptionsPerField = 500

	// DefaultMaxCartesianProduct caps the number of combined assignments
	// across sibling fields. When the full product would exceed it, every
	// field's option list is truncated to the cap's nth root before
	// combining.
	DefaultMaxCartesianProduct = 20000

	// DefaultSoftTimeout is how long the search runs before settling for
	// the best complete plan found so far.
	DefaultSoftTimeout = 4 * time.Second

	// DefaultHardTimeout stops the search unconditionally. If no complete
	// plan exists by then, planning fails with PlanningTimeout.
	DefaultHardTimeout = 30 * time.Second

	// DefaultEarlyExitAfter and DefaultEarlyExitCost implement the early
	// exit: once the search has run for EarlyExitAfter and holds a plan
	// scoring under EarlyExitCost, it returns immediately.
	DefaultEarlyExitAfter = 2 * time.Second
	DefaultEarlyExitCost  = 2000

	// DefaultCheckInterval is the granularity at which the timeout
	// conditions are re-evaluated while candidates are still arriving.
	DefaultCheckInterval = 1 * time.Second
)

// sequenceStagePenalty multiplies the cost of the k-th sequential stage by
// 100×k (so stages cost 1×, 100×, 200×, ...), strongly penalizing plans
// with extra sequential round-trips.
const sequenceStagePenalty = 100

// PlannerConfig carries the bounded-search knobs for one planning run.
// Zero fields fall back to the documented defaults.
type PlannerConfig struct {
	MaxOptionsPerField  int
	MaxCartesianProduct int
	SoftTimeout         time.Duration
	HardTimeout         time.Duration
	EarlyExitAfter      time.Duration
	EarlyExitCost       int
	CheckInterval       time.Duration
}

// DefaultPlannerConfig returns the documented default bounds.
func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		MaxOptionsPerField:  DefaultMaxOptionsPerField,
		MaxCartesianProduct: DefaultMaxCartesianProduct,
		SoftTimeout:         DefaultSoftTimeout,
		HardTimeout:         DefaultHardTimeout,
		EarlyExitAfter:      DefaultEarlyExitAfter,
		EarlyExitCost:       DefaultEarlyExitCost,
		CheckInterval:       DefaultCheckInterval,
	}
}

// withDefaults fills zero fields so a partially-populated config (e.g. from
// YAML) behaves like the documented defaults.
func (c PlannerConfig) withDefaults() PlannerConfig {
	d := DefaultPlannerConfig()
	if c.MaxOptionsPerField <= 0 {
		c.MaxOptionsPerField = d.MaxOptionsPerField
	}
	if c.MaxCartesianProduct <= 0 {
		c.MaxCartesianProduct = d.MaxCartesianProduct
	}
	if c.SoftTimeout <= 0 {
		c.SoftTimeout = d.SoftTimeout
	}
	if c.HardTimeout <= 0 {
		c.HardTimeout = d.HardTimeout
	}
	if c.EarlyExitAfter <= 0 {
		c.EarlyExitAfter = d.EarlyExitAfter
	}
	if c.EarlyExitCost <= 0 {
		c.EarlyExitCost = d.EarlyExitCost
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = d.CheckInterval
	}
	return c
}

// PlanCost scores a plan. Lower is better.
//
// Each step's selection cost is the sum over its selection nodes of
// 1 + depth. A step in sequential stage k (the longest dependency chain
// leading to it) has its selection cost multiplied by 100×k for k ≥ 1, so
// plans that pipeline fewer sequential fetches always win. Steps in the
// same stage (parallel siblings) just add.
func PlanCost(plan *PlanV2) int {
	if plan == nil {
		return math.MaxInt
	}

	stages := stepStages(plan)
	total := 0
	for _, step := range plan.Steps {
		selCost := selectionCost(step.SelectionSet, 0)
		k := stages[step.ID]
		multiplier := 1
		if k >= 1 {
			multiplier = sequenceStagePenalty * k
		}
		total += selCost * multiplier
	}
	return total
}

// stepStages computes each step's sequential stage: 0 for steps with no
// dependencies, else 1 + max(stage of dependencies).
func stepStages(plan *PlanV2) map[int]int {
	stages := make(map[int]int, len(plan.Steps))
	byID := make(map[int]*StepV2, len(plan.Steps))
	for _, step := range plan.Steps {
		byID[step.ID] = step
	}

	var stageOf func(id int, visiting map[int]bool) int
	stageOf = func(id int, visiting map[int]bool) int {
		if s, ok := stages[id]; ok {
			return s
		}
		if visiting[id] {
			// Cycle guard; plans are validated acyclic elsewhere.
			return 0
		}
		visiting[id] = true
		defer delete(visiting, id)

		step, ok := byID[id]
		if !ok || len(step.DependsOn) == 0 {
			stages[id] = 0
			return 0
		}
		maxDep := 0
		for _, dep := range step.DependsOn {
			if s := stageOf(dep, visiting); s > maxDep {
				maxDep = s
			}
		}
		stages[id] = maxDep + 1
		return stages[id]
	}

	for _, step := range plan.Steps {
		stageOf(step.ID, make(map[int]bool))
	}
	return stages
}

func selectionCost(selections []ast.Selection, depth int) int {
	total := 0
	for _, sel := range selections {
		total += 1 + depth
		switch s := sel.(type) {
		case *ast.Field:
			total += selectionCost(s.SelectionSet, depth+1)
		case *ast.InlineFragment:
			total += selectionCost(s.SelectionSet, depth+1)
		}
	}
	return total
}

// cartesianDimensionLimit returns how many options each of n fields may
// keep so the combined product stays within total: ⌊total^(1/n)⌋, but never
// below 1.
func cartesianDimensionLimit(total, n int) int {
	if n <= 0 {
		return total
	}
	limit := int(math.Floor(math.Pow(float64(total), 1/float64(n))))
	// math.Pow can land just off an exact root (8^(1/3) gives 1.999...),
	// so settle on the largest integer whose nth power fits in total.
	for math.Pow(float64(limit+1), float64(n)) <= float64(total) {
		limit++
	}
	for limit > 1 && math.Pow(float64(limit), float64(n)) > float64(total) {
		limit--
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

// rootAssignments enumerates owner-choice vectors for the root fields,
// cost-ascending (all-first-owner first), bounded by both caps. ownerCounts
// holds the number of owning subgraphs per root field.
func rootAssignments(ownerCounts []int, cfg PlannerConfig) [][]int {
	n := len(ownerCounts)
	if n == 0 {
		return [][]int{{}}
	}

	// Per-field option cap, then the cartesian cap's nth-root distribution.
	limits := make([]int, n)
	product := 1
	overflow := false
	for i, count := range ownerCounts {
		if count < 1 {
			count = 1
		}
		if count > cfg.MaxOptionsPerField {
			count = cfg.MaxOptionsPerField
		}
		limits[i] = count
		if product > cfg.MaxCartesianProduct/count {
			overflow = true
		}
		product *= count
	}
	if overflow || product > cfg.MaxCartesianProduct {
		dim := cartesianDimensionLimit(cfg.MaxCartesianProduct, n)
		for i := range limits {
			if limits[i] > dim {
				limits[i] = dim
			}
		}
	}

	// Enumerate vectors ordered by total displacement from the all-first
	// assignment, then lexicographically, so cheaper (fewer-deviation)
	// assignments are generated first.
	var vectors [][]int
	current := make([]int, n)
	var walk func(i int)
	walk = func(i int) {
		if i == n {
			vec := make([]int, n)
			copy(vec, current)
			vectors = append(vectors, vec)
			return
		}
		for choice := 0; choice < limits[i]; choice++ {
			current[i] = choice
			walk(i + 1)
		}
	}
	walk(0)

	sort.SliceStable(vectors, func(a, b int) bool {
		sumA, sumB := 0, 0
		for _, v := range vectors[a] {
			sumA += v
		}
		for _, v := range vectors[b] {
			sumB += v
		}
		if sumA != sumB {
			return sumA < sumB
		}
		for i := range vectors[a] {
			if vectors[a][i] != vectors[b][i] {
				return vectors[a][i] < vectors[b][i]
			}
		}
		return false
	})
	return vectors
}

// rootOwnerCounts returns, per root field in document order, how many
// subgraphs own it.
func (p *PlannerV2) rootOwnerCounts(doc *ast.Document) []int {
	op := p.getOperation(doc)
	if op == nil {
		return nil
	}
	rootTypeName, err := p.getRootTypeName(op)
	if err != nil {
		return nil
	}
	fragmentDefs := p.collectFragmentDefinitions(doc)
	expanded := p.expandFragmentsInSelections(op.SelectionSet, fragmentDefs)

	var counts []int
	for _, sel := range expanded {
		field, ok := sel.(*ast.Field)
		if !ok {
			continue
		}
		name := field.Name.String()
		if name == "__typename" || name == "__schema" || name == "__type" {
			continue
		}
		counts = append(counts, len(p.SuperGraph.GetSubGraphsForField(rootTypeName, name)))
	}
	return counts
}

// PlanWithConfig runs the bounded, cost-ranked plan search.
//
// Candidates are generated cost-ascending: the Dijkstra-optimized plan and
// the baseline plan for the default owner assignment first, then alternate
// root-owner assignments for @shareable fields, bounded by the per-field and
// cartesian caps. The loop re-checks its time budget every CheckInterval:
// past the soft timeout it returns the best complete plan found; at the
// early-exit boundary it returns as soon as the best plan scores under
// EarlyExitCost; at the hard timeout it returns the best plan or fails with
// PlanningTimeout. Ties break on fewer steps, then on the lexicographically
// smaller serialized plan, so the result is byte-stable across runs.
func (p *PlannerV2) PlanWithConfig(ctx context.Context, cfg PlannerConfig, doc *ast.Document, variables map[string]any) (*PlanV2, error) {
	cfg = cfg.withDefaults()
	start := time.Now()

	type candidate struct {
		plan *PlanV2
		err  error
	}

	candidates := make(chan candidate)
	generatorCtx, cancelGenerator := context.WithCancel(ctx)
	// The generator reads the shared document; every return path below must
	// wait for it to finish (the drain loop ends when the goroutine closes
	// the channel), or a caller could mutate the document mid-plan.
	defer func() {
		cancelGenerator()
		for range candidates {
		}
	}()

	go func() {
		defer close(candidates)

		emit := func(plan *PlanV2, err error) bool {
			select {
			case candidates <- candidate{plan: plan, err: err}:
				return true
			case <-generatorCtx.Done():
				return false
			}
		}

		// The optimized strategy first: it is the cheapest-by-construction
		// candidate, so an early exit can fire after a single build.
		plan, err := p.PlanOptimized(doc, variables)
		if !emit(plan, err) {
			return
		}
		if plan, err = p.Plan(doc, variables); !emit(plan, err) {
			return
		}

		// Alternate root assignments for @shareable root fields.
		counts := p.rootOwnerCounts(doc)
		multiOwner := false
		for _, c := range counts {
			if c > 1 {
				multiOwner = true
				break
			}
		}
		if !multiOwner {
			return
		}
		for _, vec := range rootAssignments(counts, cfg) {
			allFirst := true
			for _, choice := range vec {
				if choice != 0 {
					allFirst = false
					break
				}
			}
			if allFirst {
				continue // already covered by the baseline candidates
			}
			vec := vec
			plan, err := p.planWithOwners(doc, variables, func(fieldIndex int, owners []*graph.SubGraphV2) *graph.SubGraphV2 {
				if fieldIndex < len(vec) && vec[fieldIndex] < len(owners) {
					return owners[vec[fieldIndex]]
				}
				return owners[0]
			})
			if !emit(plan, err) {
				return
			}
		}
	}()

	ticker := time.NewTicker(cfg.CheckInterval)
	defer ticker.Stop()

	var best *PlanV2
	bestCost := math.MaxInt
	var lastErr error

	consider := func(c candidate) {
		if c.err != nil {
			lastErr = c.err
			return
		}
		cost := PlanCost(c.plan)
		switch {
		case cost < bestCost:
			best, bestCost = c.plan, cost
		case cost == bestCost && best != nil && betterTie(c.plan, best):
			best = c.plan
		}
	}

	finish := func() (*PlanV2, error) {
		if best != nil {
			return best, nil
		}
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, apperrors.UnplannableOperation("no candidate plan produced")
	}

	for {
		select {
		case c, ok := <-candidates:
			if !ok {
				return finish()
			}
			consider(c)
			if elapsed := time.Since(start); best != nil && elapsed >= cfg.EarlyExitAfter && bestCost < cfg.EarlyExitCost {
				return best, nil
			}

		case <-ticker.C:
			elapsed := time.Since(start)
			if best != nil && elapsed >= cfg.SoftTimeout {
				return best, nil
			}
			if best != nil && elapsed >= cfg.EarlyExitAfter && bestCost < cfg.EarlyExitCost {
				return best, nil
			}
			if elapsed >= cfg.HardTimeout {
				if best != nil {
					return best, nil
				}
				return nil, apperrors.PlanningTimeout(elapsed.String())
			}

		case <-ctx.Done():
			if best != nil {
				return best, nil
			}
			if ctx.Err() == context.DeadlineExceeded {
				return nil, apperrors.RequestTimeout()
			}
			return nil, apperrors.RequestCancelled()
		}
	}
}

// betterTie breaks a cost tie: fewer steps wins, then the lexicographically
// smaller serialized plan, so identical inputs always pick the same plan.
func betterTie(a, b *PlanV2) bool {
	if len(a.Steps) != len(b.Steps) {
		return len(a.Steps) < len(b.Steps)
	}
	return a.String() < b.String()
}
