// Package normalize turns a parsed client document into the single
// operation the planner consumes: fragment spreads inlined, @skip/@include
// evaluated against the request's variables, @defer usages recorded, and
// introspection selections split off so they are answered by the gateway's
// own resolver instead of being routed to a subgraph.
package normalize

import (
	"strings"

	"github.com/n9te9/go-graphql-federation-gateway/federation/apperrors"
	"github.com/n9te9/go-graphql-federation-gateway/federation/graph"
	"github.com/n9te9/graphql-parser/ast"
)

// DeferUsage records one @defer directive found during normalization: its
// optional label and the response path of the selection it wraps.
type DeferUsage struct {
	Label string
	Path  []string
}

// Operation is the normalized form of one client operation.
type Operation struct {
	// Kind is "query", "mutation" or "subscription".
	Kind string
	// Name is the operation's name, empty for anonymous operations.
	Name string
	// SelectionSet is the routable selection tree: fragments inlined,
	// resolved @skip/@include dropped, introspection fields removed.
	SelectionSet []ast.Selection
	// Introspection holds the root __schema/__type fields split off from
	// SelectionSet, in document order.
	Introspection []*ast.Field
	// Defers lists every @defer usage in document order.
	Defers []DeferUsage

	// Definition points at the source operation definition, so downstream
	// consumers that need argument or directive detail can reach it.
	Definition *ast.OperationDefinition
}

// HasDefer reports whether any selection in the operation is deferred.
func (o *Operation) HasDefer() bool {
	return len(o.Defers) > 0
}

// Normalize resolves doc against operationName and variables, producing the
// Operation the planner should see. The superGraph is used to validate field
// existence; passing nil skips validation (used by tests that exercise only
// the rewrite passes).
func Normalize(doc *ast.Document, operationName string, variables map[string]any, superGraph *graph.SuperGraphV2) (*Operation, error) {
	opDef, err := selectOperation(doc, operationName)
	if err != nil {
		return nil, err
	}

	kind, rootTypeName := operationKind(opDef)

	fragments := collectFragments(doc)

	op := &Operation{
		Kind:       kind,
		Name:       operationNameOf(opDef),
		Definition: opDef,
	}

	selections := inlineFragments(opDef.SelectionSet, fragments)
	selections = evaluateSkipAndInclude(selections, variables)
	op.Defers = collectDefers(selections, nil)

	for _, sel := range selections {
		field, ok := sel.(*ast.Field)
		if ok {
			switch field.Name.String() {
			case "__schema", "__type":
				op.Introspection = append(op.Introspection, field)
				continue
			}
		}
		op.SelectionSet = append(op.SelectionSet, sel)
	}

	if superGraph != nil {
		if err := validateSelections(op.SelectionSet, rootTypeName, superGraph); err != nil {
			return nil, err
		}
	}

	return op, nil
}

// selectOperation picks the operation identified by operationName, or the
// only operation when no name is given.
func selectOperation(doc *ast.Document, operationName string) (*ast.OperationDefinition, error) {
	var ops []*ast.OperationDefinition
	for _, def := range doc.Definitions {
		if op, ok := def.(*ast.OperationDefinition); ok {
			ops = append(ops, op)
		}
	}

	if len(ops) == 0 {
		return nil, apperrors.InvalidOperation("document contains no operation")
	}

	if operationName == "" {
		if len(ops) > 1 {
			return nil, apperrors.InvalidOperation("operationName is required when the document contains %d operations", len(ops))
		}
		return ops[0], nil
	}

	for _, op := range ops {
		if operationNameOf(op) == operationName {
			return op, nil
		}
	}
	return nil, apperrors.InvalidOperation("operation %q not found in document", operationName)
}

func operationNameOf(op *ast.OperationDefinition) string {
	if op.Name == nil {
		return ""
	}
	return op.Name.String()
}

func operationKind(op *ast.OperationDefinition) (kind, rootTypeName string) {
	switch op.Operation {
	case ast.Mutation:
		return "mutation", "Mutation"
	case ast.Subscription:
		return "subscription", "Subscription"
	default:
		return "query", "Query"
	}
}

func collectFragments(doc *ast.Document) map[string]*ast.FragmentDefinition {
	fragments := make(map[string]*ast.FragmentDefinition)
	for _, def := range doc.Definitions {
		if frag, ok := def.(*ast.FragmentDefinition); ok {
			fragments[frag.Name.String()] = frag
		}
	}
	return fragments
}

// inlineFragments replaces every fragment spread with an inline fragment
// carrying the same type condition, recursively. Inline fragments themselves
// are left in place — the planner flattens them with full knowledge of the
// parent type, which normalization does not track.
func inlineFragments(selections []ast.Selection, fragments map[string]*ast.FragmentDefinition) []ast.Selection {
	result := make([]ast.Selection, 0, len(selections))
	for _, sel := range selections {
		switch s := sel.(type) {
		case *ast.Field:
			if len(s.SelectionSet) == 0 {
				result = append(result, s)
				continue
			}
			result = append(result, &ast.Field{
				Alias:        s.Alias,
				Name:         s.Name,
				Arguments:    s.Arguments,
				Directives:   s.Directives,
				SelectionSet: inlineFragments(s.SelectionSet, fragments),
			})

		case *ast.InlineFragment:
			result = append(result, &ast.InlineFragment{
				TypeCondition: s.TypeCondition,
				Directives:    s.Directives,
				SelectionSet:  inlineFragments(s.SelectionSet, fragments),
			})

		case *ast.FragmentSpread:
			frag, ok := fragments[s.Name.String()]
			if !ok {
				// Unknown spread: drop it, matching the planner's own
				// tolerance for missing fragments.
				continue
			}
			result = append(result, &ast.InlineFragment{
				TypeCondition: frag.TypeCondition,
				Directives:    s.Directives,
				SelectionSet:  inlineFragments(frag.SelectionSet, fragments),
			})

		default:
			result = append(result, sel)
		}
	}
	return result
}

// evaluateSkipAndInclude drops selections whose @skip/@include directives
// resolve to exclusion against the given variables, and strips resolved
// directives from the kept selections. A directive whose `if` argument
// references a variable that was not supplied stays on the selection as a
// conditional, for the planner to turn into a runtime condition.
func evaluateSkipAndInclude(selections []ast.Selection, vars map[string]any) []ast.Selection {
	result := make([]ast.Selection, 0, len(selections))
	for _, sel := range selections {
		var directives []*ast.Directive
		switch s := sel.(type) {
		case *ast.Field:
			directives = s.Directives
		case *ast.InlineFragment:
			directives = s.Directives
		}

		keep, resolved := resolveConditionals(directives, vars)
		if !keep {
			continue
		}

		switch s := sel.(type) {
		case *ast.Field:
			result = append(result, &ast.Field{
				Alias:        s.Alias,
				Name:         s.Name,
				Arguments:    s.Arguments,
				Directives:   resolved,
				SelectionSet: evaluateSkipAndInclude(s.SelectionSet, vars),
			})
		case *ast.InlineFragment:
			result = append(result, &ast.InlineFragment{
				TypeCondition: s.TypeCondition,
				Directives:    resolved,
				SelectionSet:  evaluateSkipAndInclude(s.SelectionSet, vars),
			})
		default:
			result = append(result, sel)
		}
	}
	return result
}

// resolveConditionals evaluates @skip/@include in directives against vars.
// Returns whether the selection is kept, and the directive list with every
// resolved conditional removed (unresolved conditionals and all other
// directives are preserved).
func resolveConditionals(directives []*ast.Directive, vars map[string]any) (bool, []*ast.Directive) {
	if len(directives) == 0 {
		return true, directives
	}

	kept := make([]*ast.Directive, 0, len(directives))
	for _, d := range directives {
		switch d.Name {
		case "skip":
			val, known := directiveIfValue(d, vars)
			if !known {
				kept = append(kept, d)
				continue
			}
			if val {
				return false, nil
			}
		case "include":
			val, known := directiveIfValue(d, vars)
			if !known {
				kept = append(kept, d)
				continue
			}
			if !val {
				return false, nil
			}
		default:
			kept = append(kept, d)
		}
	}
	return true, kept
}

// directiveIfValue resolves a conditional directive's `if` argument. known
// is false when the argument references a variable the request did not
// supply.
func directiveIfValue(d *ast.Directive, vars map[string]any) (value, known bool) {
	for _, arg := range d.Arguments {
		if arg.Name.String() != "if" {
			continue
		}
		if v, ok := arg.Value.(*ast.Variable); ok {
			raw, present := vars[v.Name]
			if !present {
				return false, false
			}
			b, ok := raw.(bool)
			return b, ok
		}
		return arg.Value.String() == "true", true
	}
	// A conditional directive without an `if` argument is meaningless;
	// treat it as absent.
	return d.Name == "include", true
}

// collectDefers walks selections gathering every @defer usage with the
// response path at which its payload will be delivered.
func collectDefers(selections []ast.Selection, path []string) []DeferUsage {
	var usages []DeferUsage
	for _, sel := range selections {
		switch s := sel.(type) {
		case *ast.Field:
			fieldPath := append(append([]string{}, path...), responseKey(s))
			if d := findDirective(s.Directives, "defer"); d != nil {
				usages = append(usages, DeferUsage{Label: deferLabel(d), Path: path})
			}
			usages = append(usages, collectDefers(s.SelectionSet, fieldPath)...)
		case *ast.InlineFragment:
			if d := findDirective(s.Directives, "defer"); d != nil {
				usages = append(usages, DeferUsage{Label: deferLabel(d), Path: path})
			}
			usages = append(usages, collectDefers(s.SelectionSet, path)...)
		}
	}
	return usages
}

func responseKey(f *ast.Field) string {
	if f.Alias != nil && f.Alias.String() != "" {
		return f.Alias.String()
	}
	return f.Name.String()
}

func findDirective(directives []*ast.Directive, name string) *ast.Directive {
	for _, d := range directives {
		if d.Name == name {
			return d
		}
	}
	return nil
}

func deferLabel(d *ast.Directive) string {
	for _, arg := range d.Arguments {
		if arg.Name.String() == "label" {
			return strings.Trim(arg.Value.String(), "\"")
		}
	}
	return ""
}

// validateSelections checks every selected field against the composed
// schema, reporting the first unknown field as an InvalidOperation.
// Abstract parent types are skipped — membership resolution happens in the
// planner, which knows the per-subgraph possible types.
func validateSelections(selections []ast.Selection, parentTypeName string, superGraph *graph.SuperGraphV2) error {
	if parentTypeName == "" || superGraph.IsAbstractType(parentTypeName) {
		return nil
	}

	parentDef := findObjectType(superGraph, parentTypeName)
	if parentDef == nil {
		// Scalar or otherwise unknown parent; nothing to validate into.
		return nil
	}

	for _, sel := range selections {
		switch s := sel.(type) {
		case *ast.Field:
			fieldName := s.Name.String()
			if strings.HasPrefix(fieldName, "__") {
				continue
			}
			fieldDef := findFieldDefinition(parentDef, fieldName)
			if fieldDef == nil {
				return apperrors.InvalidOperation("Cannot query field %q on type %q", fieldName, parentTypeName)
			}
			if len(s.SelectionSet) > 0 {
				if err := validateSelections(s.SelectionSet, namedTypeOf(fieldDef.Type), superGraph); err != nil {
					return err
				}
			}
		case *ast.InlineFragment:
			condition := parentTypeName
			if s.TypeCondition != nil {
				condition = s.TypeCondition.Name.String()
			}
			if err := validateSelections(s.SelectionSet, condition, superGraph); err != nil {
				return err
			}
		}
	}
	return nil
}

func findObjectType(superGraph *graph.SuperGraphV2, name string) *ast.ObjectTypeDefinition {
	for _, def := range superGraph.Schema.Definitions {
		if objDef, ok := def.(*ast.ObjectTypeDefinition); ok && objDef.Name.String() == name {
			return objDef
		}
	}
	return nil
}

func findFieldDefinition(objDef *ast.ObjectTypeDefinition, fieldName string) *ast.FieldDefinition {
	for _, field := range objDef.Fields {
		if field.Name.String() == fieldName {
			return field
		}
	}
	return nil
}

func namedTypeOf(t ast.Type) string {
	switch typ := t.(type) {
	case *ast.NamedType:
		return typ.Name.String()
	case *ast.ListType:
		return namedTypeOf(typ.Type)
	case *ast.NonNullType:
		return namedTypeOf(typ.Type)
	default:
		return ""
	}
}
