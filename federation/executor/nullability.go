package executor

import (
	"github.com/n9te9/go-graphql-federation-gateway/federation/graph"
	"github.com/n9te9/graphql-parser/ast"
)

// ApplyNullability enforces GraphQL nullability over a merged response: a
// null (or missing) value in a non-null position nulls the nearest nullable
// ancestor, bubbling to the root when every ancestor is non-null. The
// returned map is data with nulls bubbled; rootNulled reports that the
// violation reached the root, in which case the response's data member must
// be null.
func ApplyNullability(superGraph *graph.SuperGraphV2, rootType string, selections []ast.Selection, data map[string]interface{}) (map[string]interface{}, bool) {
	if data == nil {
		return nil, false
	}
	nulled := coerceObject(superGraph, rootType, selections, data)
	if nulled {
		return nil, true
	}
	return data, false
}

// coerceObject walks one object's selected fields, nulling out children per
// their declared types. It returns true when a non-null field was null, in
// which case the object itself must be replaced by null in its parent.
func coerceObject(superGraph *graph.SuperGraphV2, typeName string, selections []ast.Selection, obj map[string]interface{}) bool {
	objDef := objectTypeDef(superGraph, typeName)

	for _, sel := range selections {
		switch s := sel.(type) {
		case *ast.Field:
			fieldName := s.Name.String()
			if len(fieldName) > 2 && fieldName[:2] == "__" {
				continue
			}
			// Conditional or deferred fields may be legitimately absent
			// from this payload; they are not enforced here.
			if hasConditionalDirective(s.Directives) {
				continue
			}
			key := fieldName
			if s.Alias != nil && s.Alias.String() != "" {
				key = s.Alias.String()
			}

			var fieldType ast.Type
			if objDef != nil {
				if fieldDef := fieldDefinition(objDef, fieldName); fieldDef != nil {
					fieldType = fieldDef.Type
				}
			}
			if fieldType == nil {
				continue // unknown shape, nothing to enforce
			}

			value, mustNullParent := coerceValue(superGraph, fieldType, s.SelectionSet, obj[key])
			if mustNullParent {
				return true
			}
			if _, present := obj[key]; present {
				obj[key] = value
			}

		case *ast.InlineFragment:
			if hasConditionalDirective(s.Directives) {
				continue
			}
			condition := typeName
			if s.TypeCondition != nil {
				condition = s.TypeCondition.Name.String()
			}
			if coerceObject(superGraph, condition, s.SelectionSet, obj) {
				return true
			}
		}
	}
	return false
}

func hasConditionalDirective(directives []*ast.Directive) bool {
	for _, d := range directives {
		switch d.Name {
		case "skip", "include", "defer":
			return true
		}
	}
	return false
}

// coerceValue applies one declared type to one value. mustNullParent is
// true when the value violates a non-null wrapper, meaning the enclosing
// object has to become null.
func coerceValue(superGraph *graph.SuperGraphV2, t ast.Type, selections []ast.Selection, value interface{}) (interface{}, bool) {
	switch typ := t.(type) {
	case *ast.NonNullType:
		inner, _ := coerceValue(superGraph, typ.Type, selections, value)
		if inner == nil {
			return nil, true
		}
		return inner, false

	case *ast.ListType:
		if value == nil {
			return nil, false
		}
		arr, ok := value.([]interface{})
		if !ok {
			return value, false
		}
		for i, elem := range arr {
			coerced, violates := coerceValue(superGraph, typ.Type, selections, elem)
			if violates {
				// A null element of a non-null element type nulls the
				// whole list.
				return nil, false
			}
			arr[i] = coerced
		}
		return arr, false

	case *ast.NamedType:
		if value == nil {
			return nil, false
		}
		if obj, ok := value.(map[string]interface{}); ok && len(selections) > 0 {
			if coerceObject(superGraph, typ.Name.String(), selections, obj) {
				return nil, false
			}
			return obj, false
		}
		return value, false

	default:
		return value, false
	}
}

func objectTypeDef(superGraph *graph.SuperGraphV2, name string) *ast.ObjectTypeDefinition {
	for _, def := range superGraph.Schema.Definitions {
		if objDef, ok := def.(*ast.ObjectTypeDefinition); ok && objDef.Name.String() == name {
			return objDef
		}
	}
	return nil
}

func fieldDefinition(objDef *ast.ObjectTypeDefinition, fieldName string) *ast.FieldDefinition {
	for _, field := range objDef.Fields {
		if field.Name.String() == fieldName {
			return field
		}
	}
	return nil
}
