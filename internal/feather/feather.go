// Copyright (c) 2026 Featherbone. All rights reserved.

/*
Package feather defines the schema-as-data model of the engine.

A feather is a named, inheritable record shape. Its properties are either
scalars (refined by an optional format) or relations to other feathers.
This package holds only the pure data model: JSON (un)marshalling of the
overloaded property type field, the single-inheritance property merge, and
the helpers the rest of the engine interrogates shapes with. Persistence
and DDL live in the catalog package.
*/
package feather

import (
	"encoding/json"
	"fmt"
	"sort"
)

// ObjectName is the root of every inheritance chain.
const ObjectName = "Object"

// # Data Model

// Feather describes one record shape.
type Feather struct {
	Name             string              `json:"name"`
	Plural           string              `json:"plural,omitempty"`
	Module           string              `json:"module,omitempty"`
	Description      string              `json:"description,omitempty"`
	Inherits         string              `json:"inherits,omitempty"`
	IsChild          bool                `json:"isChild,omitempty"`
	IsSystem         bool                `json:"isSystem,omitempty"`
	IsReadOnly       bool                `json:"isReadOnly,omitempty"`
	IsFetchOnStartup bool                `json:"isFetchOnStartup,omitempty"`
	Properties       map[string]Property `json:"properties"`

	// PropertyOrder is the stable property ordering of a merged feather:
	// inherited properties first, parent-to-child, each level sorted by
	// name. Populated by [Merge]; not part of the wire format.
	PropertyOrder []string `json:"-"`
}

// Property describes one named field of a feather.
type Property struct {
	Description   string       `json:"description,omitempty"`
	Type          PropertyType `json:"type"`
	Format        string       `json:"format,omitempty"`
	Default       any          `json:"default,omitempty"`
	IsRequired    bool         `json:"isRequired,omitempty"`
	IsUnique      bool         `json:"isUnique,omitempty"`
	IsNaturalKey  bool         `json:"isNaturalKey,omitempty"`
	IsReadOnly    bool         `json:"isReadOnly,omitempty"`
	Autonumber    *Autonumber  `json:"autonumber,omitempty"`
	Precision     int          `json:"precision,omitempty"`
	Scale         int          `json:"scale,omitempty"`
	Alias         string       `json:"alias,omitempty"`
	InheritedFrom string       `json:"inheritedFrom,omitempty"`
}

// Autonumber configures generated sequential identifiers.
type Autonumber struct {
	Prefix   string `json:"prefix,omitempty"`
	Suffix   string `json:"suffix,omitempty"`
	Length   int    `json:"length,omitempty"`
	Sequence string `json:"sequence"`
}

// Relation is the descriptor for a property that references another
// feather.
//
//   - ChildOf: this side is the child in a 1:N; the column holds the
//     parent's surrogate key and the parent is auto-augmented with a
//     matching ParentOf property.
//   - ParentOf: this side is the parent of a 1:N; materialized as an
//     ordered array on read, never as a column.
//   - IsChild: a private child composite owned by exactly one parent,
//     written in lockstep with it.
type Relation struct {
	Feather    string   `json:"relation"`
	Properties []string `json:"properties,omitempty"`
	ChildOf    string   `json:"childOf,omitempty"`
	ParentOf   string   `json:"parentOf,omitempty"`
	IsChild    bool     `json:"isChild,omitempty"`
}

// # Overloaded Type Field

// PropertyType is the sum of a scalar keyword and a relation object. The
// wire format overloads "type" with either a string or an object; in Go
// exactly one of the two fields is set.
type PropertyType struct {
	Scalar   string
	Relation *Relation
}

// ScalarType is a convenience constructor for scalar property types.
func ScalarType(keyword string) PropertyType {
	return PropertyType{Scalar: keyword}
}

// RelationType is a convenience constructor for relation property types.
func RelationType(rel Relation) PropertyType {
	r := rel
	return PropertyType{Relation: &r}
}

// UnmarshalJSON accepts either a scalar keyword string or a relation
// object.
func (t *PropertyType) UnmarshalJSON(data []byte) error {
	var scalar string
	if err := json.Unmarshal(data, &scalar); err == nil {
		t.Scalar = scalar
		t.Relation = nil
		return nil
	}

	var rel Relation
	if err := json.Unmarshal(data, &rel); err != nil {
		return fmt.Errorf("feather: property type must be a scalar keyword or relation object: %w", err)
	}
	if rel.Feather == "" {
		return fmt.Errorf("feather: relation type requires a \"relation\" field")
	}
	t.Scalar = ""
	t.Relation = &rel
	return nil
}

// MarshalJSON emits the overloaded wire form.
func (t PropertyType) MarshalJSON() ([]byte, error) {
	if t.Relation != nil {
		return json.Marshal(t.Relation)
	}
	return json.Marshal(t.Scalar)
}

// # Shape Interrogation

// IsRelation reports whether the property references another feather.
func (p Property) IsRelation() bool { return p.Type.Relation != nil }

// IsToMany reports whether the property is the parent side of a 1:N,
// materialized as an ordered array.
func (p Property) IsToMany() bool {
	return p.Type.Relation != nil && p.Type.Relation.ParentOf != ""
}

// IsChildOf reports whether the property is the child-side back reference
// of a 1:N.
func (p Property) IsChildOf() bool {
	return p.Type.Relation != nil && p.Type.Relation.ChildOf != ""
}

// IsToOne reports whether the property is stored as a single foreign
// surrogate key column (plain to-one, isChild composite, or childOf back
// reference).
func (p Property) IsToOne() bool {
	return p.Type.Relation != nil && p.Type.Relation.ParentOf == ""
}

// IsComposite reports whether the property is a private child composite.
func (p Property) IsComposite() bool {
	return p.Type.Relation != nil && p.Type.Relation.IsChild
}

// IsMoney reports whether the scalar expands to the four money columns.
func (p Property) IsMoney() bool {
	return p.Type.Relation == nil && p.Format == "money"
}

// # Inheritance Merge

// Merge resolves the inherited property list for the last feather in
// chain. The chain runs root-first ([Object, ..., parent, self]).
//
// Merge rules: inherited properties appear first in parent-to-child order;
// a child redeclaration overrides the inherited descriptor and clears
// InheritedFrom; properties the child did not redeclare carry
// InheritedFrom naming the ancestor that declared them.
func Merge(chain []*Feather) *Feather {
	if len(chain) == 0 {
		return nil
	}

	self := chain[len(chain)-1]
	merged := *self
	merged.Properties = make(map[string]Property, len(self.Properties))
	merged.PropertyOrder = nil

	seen := make(map[string]bool)

	for _, ancestor := range chain[:len(chain)-1] {
		for _, name := range sortedNames(ancestor.Properties) {
			if own, ok := self.Properties[name]; ok {
				// Child override wins; fields it did not set are not
				// back-filled from the ancestor.
				if !seen[name] {
					merged.PropertyOrder = append(merged.PropertyOrder, name)
					merged.Properties[name] = own
					seen[name] = true
				}
				continue
			}
			prop := ancestor.Properties[name]
			if prop.InheritedFrom == "" {
				prop.InheritedFrom = ancestor.Name
			}
			if seen[name] {
				// Deeper ancestor redeclared an inherited property.
				merged.Properties[name] = prop
				continue
			}
			merged.PropertyOrder = append(merged.PropertyOrder, name)
			merged.Properties[name] = prop
			seen[name] = true
		}
	}

	for _, name := range sortedNames(self.Properties) {
		if seen[name] {
			continue
		}
		merged.PropertyOrder = append(merged.PropertyOrder, name)
		merged.Properties[name] = self.Properties[name]
		seen[name] = true
	}

	return &merged
}

// sortedNames returns map keys in deterministic order.
func sortedNames(props map[string]Property) []string {
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Object returns the built-in root feather carrying the system columns
// every object shares.
func Object() *Feather {
	return &Feather{
		Name:        ObjectName,
		Plural:      "Objects",
		Description: "Root of the inheritance chain",
		IsSystem:    true,
		Properties: map[string]Property{
			"id":        {Type: ScalarType("string"), Description: "Globally unique identifier"},
			"created":   {Type: ScalarType("string"), Format: "dateTime", IsReadOnly: true},
			"createdBy": {Type: ScalarType("string"), IsReadOnly: true},
			"updated":   {Type: ScalarType("string"), Format: "dateTime", IsReadOnly: true},
			"updatedBy": {Type: ScalarType("string"), IsReadOnly: true},
			"isDeleted": {Type: ScalarType("boolean"), IsReadOnly: true},
			"lock":      {Type: ScalarType("object"), Format: "lock", IsReadOnly: true},
			"etag":      {Type: ScalarType("string"), IsReadOnly: true},
		},
	}
}
