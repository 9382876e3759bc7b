// Package schema implements the schema store: validated type
// configurations, stable SchemaTypeId/SectionId assignment, and
// checksummed persistence. It is intentionally unaware of document
// counts -- whether a schema change is actually destructive (a type with
// live documents being deleted, say) is decided by the engine coordinator,
// which owns the Document Store and calls back into Diff to get the set of
// structurally-incompatible type names to reason about.
package schema

import (
	"fmt"
)

// DataType enumerates the kinds a property's values may hold.
type DataType int

const (
	DataTypeString DataType = iota
	DataTypeInt64
	DataTypeDouble
	DataTypeBoolean
	DataTypeBytes
	DataTypeDocument
)

func (d DataType) String() string {
	switch d {
	case DataTypeString:
		return "STRING"
	case DataTypeInt64:
		return "INT64"
	case DataTypeDouble:
		return "DOUBLE"
	case DataTypeBoolean:
		return "BOOLEAN"
	case DataTypeBytes:
		return "BYTES"
	case DataTypeDocument:
		return "DOCUMENT"
	default:
		return "UNKNOWN"
	}
}

// Cardinality enumerates how many values a property may hold.
type Cardinality int

const (
	CardinalityRequired Cardinality = iota
	CardinalityOptional
	CardinalityRepeated
)

// TermMatchType enumerates how a string property is matched at query time.
type TermMatchType int

const (
	TermMatchNone TermMatchType = iota
	TermMatchExact
	TermMatchPrefix
)

// TokenizerType records a string property's tokenizer setting. Diff
// treats a change of it as index-incompatible; indexing splits every
// indexed property with tokenize.Tokenize whatever its setting.
type TokenizerType int

const (
	TokenizerNone TokenizerType = iota
	TokenizerPlain
)

// PropertyConfig describes one property of a TypeConfig.
type PropertyConfig struct {
	Name        string
	DataType    DataType
	Cardinality Cardinality

	// TermMatch and Tokenizer are only meaningful for DataTypeString
	// properties; TermMatchNone means the property is stored but not
	// indexed for search.
	TermMatch TermMatchType
	Tokenizer TokenizerType

	// NestedType names the TypeConfig a DataTypeDocument property's
	// values conform to.
	NestedType string
	// IndexNestedProperties indicates whether indexed string properties
	// of NestedType should be indexed transitively under this property.
	IndexNestedProperties bool
}

// Indexed reports whether this property contributes a section to the term
// index.
func (p PropertyConfig) Indexed() bool {
	return p.DataType == DataTypeString && p.TermMatch != TermMatchNone
}

// TypeConfig is a named, ordered set of property configurations.
type TypeConfig struct {
	Name       string
	Properties []PropertyConfig
}

// Schema is a complete set of type configurations.
type Schema struct {
	Types []TypeConfig
}

// GetType returns the named TypeConfig, or false if no such type exists.
func (s Schema) GetType(name string) (TypeConfig, bool) {
	for _, t := range s.Types {
		if t.Name == name {
			return t, true
		}
	}
	return TypeConfig{}, false
}

// Validate checks structural invariants: type names are unique and
// non-empty, property names are unique within a type, and document-typed
// properties do not form a cycle in the "index nested properties" graph.
func Validate(s Schema) error {
	seen := make(map[string]struct{}, len(s.Types))
	for _, t := range s.Types {
		if t.Name == "" {
			return fmt.Errorf("schema contains a type with an empty name")
		}
		if _, dup := seen[t.Name]; dup {
			return fmt.Errorf("duplicate schema type %q", t.Name)
		}
		seen[t.Name] = struct{}{}

		props := make(map[string]struct{}, len(t.Properties))
		for _, p := range t.Properties {
			if p.Name == "" {
				return fmt.Errorf("type %q contains a property with an empty name", t.Name)
			}
			if _, dup := props[p.Name]; dup {
				return fmt.Errorf("type %q contains duplicate property %q", t.Name, p.Name)
			}
			props[p.Name] = struct{}{}
			if p.DataType == DataTypeDocument && p.NestedType == "" {
				return fmt.Errorf("type %q property %q is DOCUMENT-typed but names no nested type", t.Name, p.Name)
			}
		}
	}
	return detectCycles(s)
}

func detectCycles(s Schema) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(s.Types))
	for _, t := range s.Types {
		color[t.Name] = white
	}

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch color[name] {
		case black:
			return nil
		case gray:
			return fmt.Errorf("cyclic nested-document indexing involving type %q (path: %v)", name, append(path, name))
		}
		color[name] = gray
		t, ok := s.GetType(name)
		if ok {
			for _, p := range t.Properties {
				if p.DataType != DataTypeDocument || !p.IndexNestedProperties {
					continue
				}
				if err := visit(p.NestedType, append(path, name)); err != nil {
					return err
				}
			}
		}
		color[name] = black
		return nil
	}

	for _, t := range s.Types {
		if color[t.Name] == white {
			if err := visit(t.Name, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// Delta describes the structural effects of replacing an old schema with
// a new one. It names candidates only: whether a deleted or
// content-incompatible type actually forces document deletion depends on
// whether the Document Store holds live documents of that type, which the
// schema package does not know.
type Delta struct {
	// DeletedTypeNames were present in the old schema and are absent
	// from the new one.
	DeletedTypeNames []string
	// ContentIncompatibleTypeNames survive in the new schema but in a
	// shape that existing documents of that type cannot satisfy
	// regardless of content: a property was removed or changed DataType.
	ContentIncompatibleTypeNames []string
	// TightenedProperties maps a type name to the property names
	// tightened from optional to required. Unlike
	// ContentIncompatibleTypeNames, whether this is actually incompatible
	// depends on whether any live document of that type already lacks a
	// value for the property -- the schema package has no Document Store
	// to check that against, so the caller resolves each entry here
	// against live document content before treating it as incompatible.
	TightenedProperties map[string][]string
	// IndexIncompatibleTypeNames had an indexed property added,
	// removed, retyped, or its TermMatch/Tokenizer changed.
	IndexIncompatibleTypeNames []string
}

// Diff compares old and new schemas and classifies every type that
// changed shape.
func Diff(old, new Schema) Delta {
	var delta Delta
	oldTypes := make(map[string]TypeConfig, len(old.Types))
	for _, t := range old.Types {
		oldTypes[t.Name] = t
	}
	newTypes := make(map[string]struct{}, len(new.Types))
	for _, t := range new.Types {
		newTypes[t.Name] = struct{}{}
	}

	for name := range oldTypes {
		if _, stillPresent := newTypes[name]; !stillPresent {
			delta.DeletedTypeNames = append(delta.DeletedTypeNames, name)
		}
	}

	for _, nt := range new.Types {
		ot, existed := oldTypes[nt.Name]
		if !existed {
			continue
		}
		unconditional, tightened := contentIncompatibilities(ot, nt)
		if unconditional {
			delta.ContentIncompatibleTypeNames = append(delta.ContentIncompatibleTypeNames, nt.Name)
		}
		if len(tightened) > 0 {
			if delta.TightenedProperties == nil {
				delta.TightenedProperties = make(map[string][]string)
			}
			delta.TightenedProperties[nt.Name] = tightened
		}
		if indexIncompatible(ot, nt) {
			delta.IndexIncompatibleTypeNames = append(delta.IndexIncompatibleTypeNames, nt.Name)
		}
	}
	return delta
}

// contentIncompatibilities classifies every property of old that survives
// (by name) into new. A removed or retyped property is unconditionally
// incompatible: no existing value can satisfy the new shape. A property
// tightened from optional to required is only reported as a tightened
// candidate -- whether it is actually incompatible depends on whether any
// live document of this type already lacks a value for it, which the
// caller checks against the Document Store.
func contentIncompatibilities(old, new TypeConfig) (unconditional bool, tightened []string) {
	oldProps := make(map[string]PropertyConfig, len(old.Properties))
	for _, p := range old.Properties {
		oldProps[p.Name] = p
	}
	newProps := make(map[string]PropertyConfig, len(new.Properties))
	for _, p := range new.Properties {
		newProps[p.Name] = p
	}
	for name, op := range oldProps {
		np, stillPresent := newProps[name]
		if !stillPresent {
			unconditional = true
			continue
		}
		if np.DataType != op.DataType {
			unconditional = true
			continue
		}
		if op.Cardinality != CardinalityRequired && np.Cardinality == CardinalityRequired {
			tightened = append(tightened, name)
		}
	}
	return unconditional, tightened
}

func indexIncompatible(old, new TypeConfig) bool {
	oldSections := make(map[string]PropertyConfig, len(old.Properties))
	for _, p := range old.Properties {
		if p.Indexed() {
			oldSections[p.Name] = p
		}
	}
	newSections := make(map[string]PropertyConfig, len(new.Properties))
	for _, p := range new.Properties {
		if p.Indexed() {
			newSections[p.Name] = p
		}
	}
	if len(oldSections) != len(newSections) {
		return true
	}
	for name, op := range oldSections {
		np, stillIndexed := newSections[name]
		if !stillIndexed {
			return true
		}
		if op.TermMatch != np.TermMatch || op.Tokenizer != np.Tokenizer {
			return true
		}
	}
	return false
}
