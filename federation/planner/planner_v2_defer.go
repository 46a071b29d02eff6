package planner

import (
	"context"

	"github.com/n9te9/graphql-parser/ast"
)

// deferredPart is one @defer usage split out of the operation: the label,
// the response path its payload merges at, and a self-contained root
// selection chain that re-selects the spine down to the deferred fields.
type deferredPart struct {
	label      string
	path       []string
	selections []ast.Selection
}

// PlanWithDefer is the full planning entry point: it splits @defer
// selections out of the operation, plans the primary selection through the
// bounded cost search, then plans each deferred part as an independent
// sub-plan whose steps are appended to the primary plan and recorded as a
// DeferredGroupV2. Operations without @defer pass straight through to
// PlanWithConfig.
func (p *PlannerV2) PlanWithDefer(ctx context.Context, cfg PlannerConfig, doc *ast.Document, variables map[string]any) (*PlanV2, error) {
	op := p.getOperation(doc)
	if op == nil {
		return p.PlanWithConfig(ctx, cfg, doc, variables)
	}

	primary, parts := splitDeferred(op.SelectionSet, nil)
	if len(parts) == 0 {
		return p.PlanWithConfig(ctx, cfg, doc, variables)
	}

	// The document's operation is swapped to the primary selections for the
	// duration of each planning pass and restored afterwards. A document is
	// only ever planned by one goroutine (the plan cache's single-flight
	// guarantees one build per operation), so the temporary swap is not
	// observable elsewhere.
	saved := op.SelectionSet

	op.SelectionSet = primary
	plan, err := p.PlanWithConfig(ctx, cfg, doc, variables)
	op.SelectionSet = saved
	if err != nil {
		return nil, err
	}

	nextID := 0
	for _, step := range plan.Steps {
		if step.ID >= nextID {
			nextID = step.ID + 1
		}
	}

	for _, part := range parts {
		op.SelectionSet = part.selections
		subPlan, subErr := p.planWithOwners(doc, variables, nil)
		op.SelectionSet = saved
		if subErr != nil {
			return nil, subErr
		}

		group := &DeferredGroupV2{Label: part.label, Path: part.path}
		offset := nextID
		for _, step := range subPlan.Steps {
			step.ID += offset
			for i := range step.DependsOn {
				step.DependsOn[i] += offset
			}
			plan.Steps = append(plan.Steps, step)
			group.StepIDs = append(group.StepIDs, step.ID)
			if step.ID >= nextID {
				nextID = step.ID + 1
			}
		}
		plan.Deferred = append(plan.Deferred, group)
	}

	return plan, nil
}

// splitDeferred partitions selections into the primary selection set and
// the deferred parts beneath it. path is the response path of the current
// selection level. Each returned part's selections are wrapped, level by
// level, in copies of the spine fields so it can be planned as a root
// operation of its own.
func splitDeferred(selections []ast.Selection, path []string) ([]ast.Selection, []deferredPart) {
	var primary []ast.Selection
	var parts []deferredPart

	for _, sel := range selections {
		switch s := sel.(type) {
		case *ast.InlineFragment:
			if d := deferDirectiveOf(s.Directives); d != nil {
				parts = append(parts, deferredPart{
					label:      deferLabelOf(d),
					path:       append([]string{}, path...),
					selections: s.SelectionSet,
				})
				continue
			}
			inner, innerParts := splitDeferred(s.SelectionSet, path)
			if len(inner) > 0 {
				primary = append(primary, &ast.InlineFragment{
					TypeCondition: s.TypeCondition,
					Directives:    s.Directives,
					SelectionSet:  inner,
				})
			}
			parts = append(parts, innerParts...)

		case *ast.Field:
			if d := deferDirectiveOf(s.Directives); d != nil {
				parts = append(parts, deferredPart{
					label:      deferLabelOf(d),
					path:       append([]string{}, path...),
					selections: []ast.Selection{fieldWithoutDefer(s)},
				})
				continue
			}
			if len(s.SelectionSet) == 0 {
				primary = append(primary, s)
				continue
			}

			key := s.Name.String()
			if s.Alias != nil && s.Alias.String() != "" {
				key = s.Alias.String()
			}
			inner, innerParts := splitDeferred(s.SelectionSet, append(append([]string{}, path...), key))

			if len(inner) > 0 {
				primary = append(primary, &ast.Field{
					Alias:        s.Alias,
					Name:         s.Name,
					Arguments:    s.Arguments,
					Directives:   s.Directives,
					SelectionSet: inner,
				})
			}

			// Wrap deeper parts in a copy of this field so each part stays
			// a plannable chain from the root.
			for i := range innerParts {
				innerParts[i].selections = []ast.Selection{&ast.Field{
					Alias:        s.Alias,
					Name:         s.Name,
					Arguments:    s.Arguments,
					SelectionSet: innerParts[i].selections,
				}}
			}
			parts = append(parts, innerParts...)

		default:
			primary = append(primary, sel)
		}
	}

	return primary, parts
}

func deferDirectiveOf(directives []*ast.Directive) *ast.Directive {
	for _, d := range directives {
		if d.Name == "defer" {
			return d
		}
	}
	return nil
}

func deferLabelOf(d *ast.Directive) string {
	for _, arg := range d.Arguments {
		if arg.Name.String() == "label" {
			return trimQuotes(arg.Value.String())
		}
	}
	return ""
}

func trimQuotes(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

func fieldWithoutDefer(f *ast.Field) *ast.Field {
	var directives []*ast.Directive
	for _, d := range f.Directives {
		if d.Name == "defer" {
			continue
		}
		directives = append(directives, d)
	}
	return &ast.Field{
		Alias:        f.Alias,
		Name:         f.Name,
		Arguments:    f.Arguments,
		Directives:   directives,
		SelectionSet: f.SelectionSet,
	}
}
