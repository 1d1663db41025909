// Package schema describes the vector collection: typed fields, index specs and record validation.
package schema

import (
	"fmt"
	"reflect"
)

// DataType is the storage type of a collection field.
type DataType string

// Supported data types.
const (
	Int64       DataType = "INT64"
	Int32       DataType = "INT32"
	Float       DataType = "FLOAT"
	Double      DataType = "DOUBLE"
	Bool        DataType = "BOOL"
	VarChar     DataType = "VARCHAR"
	JSON        DataType = "JSON"
	FloatVector DataType = "FLOAT_VECTOR"
)

var knownTypes = map[DataType]bool{
	Int64: true, Int32: true, Float: true, Double: true,
	Bool: true, VarChar: true, JSON: true, FloatVector: true,
}

const maxFieldNameLen = 64

// FieldDefinition is one column of the collection.
type FieldDefinition struct {
	Name      string     `json:"name" yaml:"name"`
	DataType  DataType   `json:"data_type" yaml:"data_type"`
	MaxLength int        `json:"max_length,omitempty" yaml:"max_length,omitempty"`
	Dim       int        `json:"dim,omitempty" yaml:"dim,omitempty"`
	IsPrimary bool       `json:"is_primary,omitempty" yaml:"is_primary,omitempty"`
	AutoID    bool       `json:"auto_id,omitempty" yaml:"auto_id,omitempty"`
	Index     *IndexSpec `json:"index,omitempty" yaml:"index,omitempty"`
}

// CollectionSchema is an ordered list of fields plus collection metadata.
type CollectionSchema struct {
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Fields      []FieldDefinition `json:"fields" yaml:"fields"`
}

// Validate checks structural invariants. embeddingDim > 0 additionally pins the vector field dimension.
// All failures are returned as *Error and match ErrInvalid.
func (s CollectionSchema) Validate(embeddingDim int) error {
	if s.Name == "" {
		return invalid("collection name is required")
	}
	if len(s.Fields) == 0 {
		return invalid("schema has no fields")
	}

	seen := make(map[string]bool, len(s.Fields))
	primaries, vectors := 0, 0
	for _, f := range s.Fields {
		if f.Name == "" {
			return invalid("field name is required")
		}
		if len(f.Name) > maxFieldNameLen {
			return invalid("field name %q too long (max %d)", f.Name, maxFieldNameLen)
		}
		if seen[f.Name] {
			return invalid("duplicate field name %q", f.Name)
		}
		seen[f.Name] = true

		if !knownTypes[f.DataType] {
			return invalid("field %q: unknown data type %q", f.Name, f.DataType)
		}
		if f.DataType == VarChar && f.MaxLength <= 0 {
			return invalid("field %q: VARCHAR requires max_length > 0", f.Name)
		}
		if f.IsPrimary {
			primaries++
			if f.DataType != Int64 && f.DataType != VarChar {
				return invalid("field %q: primary key must be INT64 or VARCHAR, got %s", f.Name, f.DataType)
			}
		}
		if f.AutoID && (!f.IsPrimary || f.DataType != Int64) {
			return invalid("field %q: auto_id is only allowed on an INT64 primary key", f.Name)
		}
		if f.DataType == FloatVector {
			vectors++
			if f.Dim <= 0 {
				return invalid("field %q: FLOAT_VECTOR requires dim > 0", f.Name)
			}
			if embeddingDim > 0 && f.Dim != embeddingDim {
				return invalid("field %q: dim %d does not match embedding dimension %d", f.Name, f.Dim, embeddingDim)
			}
		}
		if f.Index != nil {
			if err := f.Index.validateFor(f); err != nil {
				return err
			}
		}
	}

	if primaries != 1 {
		return invalid("schema must have exactly one primary key, got %d", primaries)
	}
	if vectors != 1 {
		return invalid("schema must have exactly one FLOAT_VECTOR field, got %d", vectors)
	}
	return nil
}

// Field looks up a field by name.
func (s CollectionSchema) Field(name string) (FieldDefinition, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDefinition{}, false
}

// Primary returns the primary key field. Only meaningful on a validated schema.
func (s CollectionSchema) Primary() FieldDefinition {
	for _, f := range s.Fields {
		if f.IsPrimary {
			return f
		}
	}
	return FieldDefinition{}
}

// VectorField returns the FLOAT_VECTOR field. Only meaningful on a validated schema.
func (s CollectionSchema) VectorField() FieldDefinition {
	for _, f := range s.Fields {
		if f.DataType == FloatVector {
			return f
		}
	}
	return FieldDefinition{}
}

// Equal reports deep equality, used to make redefinition idempotent.
func (s CollectionSchema) Equal(other CollectionSchema) bool {
	return reflect.DeepEqual(s, other)
}

func invalid(format string, args ...any) error {
	return &Error{Reason: fmt.Sprintf(format, args...)}
}
