package normalize

import (
	"strings"

	"github.com/n9te9/go-graphql-federation-gateway/federation/graph"
	"github.com/n9te9/graphql-parser/ast"
)

// ResolveIntrospection answers the root __schema/__type fields split off by
// Normalize directly from the composed schema, so introspection never
// reaches a subgraph. The result maps each field's response key to its
// resolved value, ready to merge into the response's data object.
func ResolveIntrospection(superGraph *graph.SuperGraphV2, fields []*ast.Field) map[string]any {
	result := make(map[string]any, len(fields))
	for _, field := range fields {
		switch field.Name.String() {
		case "__schema":
			result[responseKey(field)] = resolveSchema(superGraph, field.SelectionSet)
		case "__type":
			name := stringArgument(field, "name")
			if typeObj := resolveNamedType(superGraph, name, field.SelectionSet); typeObj != nil {
				result[responseKey(field)] = typeObj
			} else {
				result[responseKey(field)] = nil
			}
		}
	}
	return result
}

func stringArgument(field *ast.Field, name string) string {
	for _, arg := range field.Arguments {
		if arg.Name.String() == name {
			return strings.Trim(arg.Value.String(), "\"")
		}
	}
	return ""
}

func resolveSchema(superGraph *graph.SuperGraphV2, selections []ast.Selection) map[string]any {
	result := make(map[string]any)
	for _, sel := range selections {
		field, ok := sel.(*ast.Field)
		if !ok {
			continue
		}
		key := responseKey(field)
		switch field.Name.String() {
		case "queryType":
			result[key] = typeOrNil(resolveNamedType(superGraph, "Query", field.SelectionSet))
		case "mutationType":
			result[key] = typeOrNil(resolveNamedType(superGraph, "Mutation", field.SelectionSet))
		case "subscriptionType":
			result[key] = typeOrNil(resolveNamedType(superGraph, "Subscription", field.SelectionSet))
		case "types":
			var types []any
			for _, def := range superGraph.Schema.Definitions {
				if name := definitionTypeName(def); name != "" {
					types = append(types, resolveNamedType(superGraph, name, field.SelectionSet))
				}
			}
			result[key] = types
		case "directives":
			// Directive metadata is not tracked per-generation; report none.
			result[key] = []any{}
		}
	}
	return result
}

// typeOrNil converts a nil typed map into an untyped nil so encoded
// responses carry JSON null rather than an empty object.
func typeOrNil(m map[string]any) any {
	if m == nil {
		return nil
	}
	return m
}

func definitionTypeName(def ast.Definition) string {
	switch d := def.(type) {
	case *ast.ObjectTypeDefinition:
		return d.Name.String()
	case *ast.InterfaceTypeDefinition:
		return d.Name.String()
	case *ast.UnionTypeDefinition:
		return d.Name.String()
	case *ast.EnumTypeDefinition:
		return d.Name.String()
	case *ast.ScalarTypeDefinition:
		return d.Name.String()
	case *ast.InputObjectTypeDefinition:
		return d.Name.String()
	default:
		return ""
	}
}

// resolveNamedType renders the __Type object for name against the requested
// selection set. Unknown type names resolve to nil, matching the GraphQL
// introspection contract.
func resolveNamedType(superGraph *graph.SuperGraphV2, name string, selections []ast.Selection) map[string]any {
	kind, def := lookupType(superGraph, name)
	if kind == "" {
		return nil
	}

	result := make(map[string]any)
	for _, sel := range selections {
		field, ok := sel.(*ast.Field)
		if !ok {
			continue
		}
		key := responseKey(field)
		switch field.Name.String() {
		case "name":
			result[key] = name
		case "kind":
			result[key] = kind
		case "fields":
			result[key] = resolveTypeFields(def, field.SelectionSet)
		case "possibleTypes":
			var possible []any
			for _, impl := range superGraph.Implementations(name) {
				possible = append(possible, resolveNamedType(superGraph, impl, field.SelectionSet))
			}
			result[key] = possible
		case "description":
			result[key] = nil
		}
	}
	return result
}

func lookupType(superGraph *graph.SuperGraphV2, name string) (kind string, objDef *ast.ObjectTypeDefinition) {
	for _, def := range superGraph.Schema.Definitions {
		switch d := def.(type) {
		case *ast.ObjectTypeDefinition:
			if d.Name.String() == name {
				return "OBJECT", d
			}
		case *ast.InterfaceTypeDefinition:
			if d.Name.String() == name {
				return "INTERFACE", nil
			}
		case *ast.UnionTypeDefinition:
			if d.Name.String() == name {
				return "UNION", nil
			}
		case *ast.EnumTypeDefinition:
			if d.Name.String() == name {
				return "ENUM", nil
			}
		case *ast.ScalarTypeDefinition:
			if d.Name.String() == name {
				return "SCALAR", nil
			}
		case *ast.InputObjectTypeDefinition:
			if d.Name.String() == name {
				return "INPUT_OBJECT", nil
			}
		}
	}
	// Built-in scalars are always present even when no subgraph declares
	// them explicitly.
	switch name {
	case "String", "Int", "Float", "Boolean", "ID":
		return "SCALAR", nil
	}
	return "", nil
}

func resolveTypeFields(objDef *ast.ObjectTypeDefinition, selections []ast.Selection) []any {
	if objDef == nil {
		return nil
	}
	var fields []any
	for _, fieldDef := range objDef.Fields {
		rendered := make(map[string]any)
		for _, sel := range selections {
			field, ok := sel.(*ast.Field)
			if !ok {
				continue
			}
			key := responseKey(field)
			switch field.Name.String() {
			case "name":
				rendered[key] = fieldDef.Name.String()
			case "type":
				rendered[key] = resolveTypeRef(fieldDef.Type, field.SelectionSet)
			case "description", "deprecationReason":
				rendered[key] = nil
			case "isDeprecated":
				rendered[key] = false
			}
		}
		fields = append(fields, rendered)
	}
	return fields
}

// resolveTypeRef renders a __Type reference (NON_NULL/LIST wrappers plus the
// named type) for a field's declared type.
func resolveTypeRef(t ast.Type, selections []ast.Selection) map[string]any {
	kind := "OBJECT"
	var name any
	var ofType map[string]any

	switch typ := t.(type) {
	case *ast.NonNullType:
		kind = "NON_NULL"
		ofType = resolveTypeRef(typ.Type, selections)
	case *ast.ListType:
		kind = "LIST"
		ofType = resolveTypeRef(typ.Type, selections)
	case *ast.NamedType:
		name = typ.Name.String()
		switch typ.Name.String() {
		case "String", "Int", "Float", "Boolean", "ID":
			kind = "SCALAR"
		}
	}

	result := make(map[string]any)
	for _, sel := range selections {
		field, ok := sel.(*ast.Field)
		if !ok {
			continue
		}
		key := responseKey(field)
		switch field.Name.String() {
		case "kind":
			result[key] = kind
		case "name":
			result[key] = name
		case "ofType":
			if ofType != nil {
				result[key] = ofType
			} else {
				result[key] = nil
			}
		}
	}
	return result
}
