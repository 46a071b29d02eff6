package planner

import (
	"fmt"
	"sort"
	"strings"

	"github.com/n9te9/graphql-parser/ast"
)

// String renders the plan as a stable, human-readable tree in the style of
// Apollo's pretty-printed query plans. The output is deterministic for a
// given plan, so it doubles as the tie-break key in the cost search and as
// the text form exposed under extensions.apolloQueryPlan.
func (p *PlanV2) String() string {
	var b strings.Builder
	b.WriteString("QueryPlan {\n")

	stages := stepStages(p)
	maxStage := 0
	for _, s := range stages {
		if s > maxStage {
			maxStage = s
		}
	}

	// Steps per stage, ordered by ID within a stage.
	byStage := make(map[int][]*StepV2)
	for _, step := range p.Steps {
		if p.IsDeferredStep(step.ID) {
			continue
		}
		k := stages[step.ID]
		byStage[k] = append(byStage[k], step)
	}
	for k := range byStage {
		sort.Slice(byStage[k], func(i, j int) bool { return byStage[k][i].ID < byStage[k][j].ID })
	}

	sequence := maxStage > 0
	indent := "  "
	if sequence {
		b.WriteString("  Sequence {\n")
		indent = "    "
	}

	for k := 0; k <= maxStage; k++ {
		steps := byStage[k]
		if len(steps) == 0 {
			continue
		}
		if len(steps) > 1 {
			b.WriteString(indent + "Parallel {\n")
			for _, step := range steps {
				writeStep(&b, step, indent+"  ")
			}
			b.WriteString(indent + "},\n")
		} else {
			writeStep(&b, steps[0], indent)
		}
	}

	if sequence {
		b.WriteString("  },\n")
	}

	for _, group := range p.Deferred {
		fmt.Fprintf(&b, "  Deferred(label: %q, path: %q) {\n", group.Label, strings.Join(group.Path, "."))
		for _, id := range group.StepIDs {
			for _, step := range p.Steps {
				if step.ID == id {
					writeStep(&b, step, "    ")
				}
			}
		}
		b.WriteString("  },\n")
	}

	b.WriteString("}")
	return b.String()
}

func writeStep(b *strings.Builder, step *StepV2, indent string) {
	if step.StepType == StepTypeEntity {
		fmt.Fprintf(b, "%sFlatten(path: %q) {\n", indent, strings.Join(step.InsertionPath, "."))
		fmt.Fprintf(b, "%s  Fetch(service: %q, requires: %q) {\n", indent, step.SubGraph.Name, step.ParentType)
		writeSelections(b, step.SelectionSet, indent+"    ")
		fmt.Fprintf(b, "%s  },\n", indent)
		fmt.Fprintf(b, "%s},\n", indent)
		return
	}

	if step.Condition != nil {
		op := "include"
		if step.Condition.Negate {
			op = "skip"
		}
		fmt.Fprintf(b, "%sCondition(%s if: $%s) {\n", indent, op, step.Condition.VariableName)
		fmt.Fprintf(b, "%s  Fetch(service: %q) {\n", indent, step.SubGraph.Name)
		writeSelections(b, step.SelectionSet, indent+"    ")
		fmt.Fprintf(b, "%s  },\n", indent)
		fmt.Fprintf(b, "%s},\n", indent)
		return
	}

	fmt.Fprintf(b, "%sFetch(service: %q) {\n", indent, step.SubGraph.Name)
	writeSelections(b, step.SelectionSet, indent+"  ")
	fmt.Fprintf(b, "%s},\n", indent)
}

func writeSelections(b *strings.Builder, selections []ast.Selection, indent string) {
	fmt.Fprintf(b, "%s{ %s }\n", indent, SerializeSelections(selections))
}

// SerializeSelections renders a selection set as compact GraphQL text. The
// rendering is stable for a fixed AST, making it safe to embed in cache
// keys and plan fingerprints.
func SerializeSelections(selections []ast.Selection) string {
	parts := make([]string, 0, len(selections))
	for _, sel := range selections {
		switch s := sel.(type) {
		case *ast.Field:
			var sb strings.Builder
			if s.Alias != nil && s.Alias.String() != "" {
				sb.WriteString(s.Alias.String())
				sb.WriteString(": ")
			}
			sb.WriteString(s.Name.String())
			if len(s.Arguments) > 0 {
				args := make([]string, 0, len(s.Arguments))
				for _, arg := range s.Arguments {
					args = append(args, fmt.Sprintf("%s: %s", arg.Name.String(), arg.Value.String()))
				}
				sb.WriteString("(" + strings.Join(args, ", ") + ")")
			}
			if len(s.SelectionSet) > 0 {
				sb.WriteString(" { " + SerializeSelections(s.SelectionSet) + " }")
			}
			parts = append(parts, sb.String())

		case *ast.InlineFragment:
			condition := ""
			if s.TypeCondition != nil {
				condition = "... on " + s.TypeCondition.Name.String()
			} else {
				condition = "..."
			}
			parts = append(parts, condition+" { "+SerializeSelections(s.SelectionSet)+" }")

		case *ast.FragmentSpread:
			parts = append(parts, "..."+s.Name.String())
		}
	}
	return strings.Join(parts, " ")
}
