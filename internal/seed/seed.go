// Package seed reads metadata table contents from YAML for the in-memory
// backend.
//
// A seed file lists tables by name. Each field or edge may carry markings,
// extra info and any number of descriptions:
//
//	tables:
//	  DatawaveMetadata:
//	    fields:
//	      - dataType: fooType
//	        fieldName: fooField
//	        markings: {columnVisibility: PUBLIC}
//	        descriptions:
//	          - text: the foo field
//	            markings: {columnVisibility: PUBLIC}
//	    edges:
//	      - dataType: fooType
//	        sourceField: fooField
//	        targetField: barField
//	        relationship: REFERENCES
package seed

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/liamcoop/datadictionary/dictionary"
	"github.com/liamcoop/datadictionary/tables"
	"github.com/liamcoop/datadictionary/visibility"
	"gopkg.in/yaml.v3"
)

type File struct {
	Tables map[string]Table `yaml:"tables"`
}

type Table struct {
	Fields []Field `yaml:"fields"`
	Edges  []Edge  `yaml:"edges"`
}

type Field struct {
	DataType     string              `yaml:"dataType"`
	FieldName    string              `yaml:"fieldName"`
	Markings     visibility.Markings `yaml:"markings"`
	ExtraInfo    map[string]string   `yaml:"extraInfo"`
	LastUpdated  time.Time           `yaml:"lastUpdated"`
	Descriptions []Description       `yaml:"descriptions"`
}

type Edge struct {
	DataType     string              `yaml:"dataType"`
	SourceField  string              `yaml:"sourceField"`
	TargetField  string              `yaml:"targetField"`
	Relationship string              `yaml:"relationship"`
	Markings     visibility.Markings `yaml:"markings"`
	ExtraInfo    map[string]string   `yaml:"extraInfo"`
	LastUpdated  time.Time           `yaml:"lastUpdated"`
}

type Description struct {
	Text     string              `yaml:"text"`
	Markings visibility.Markings `yaml:"markings"`
}

// Load reads and converts the seed file at path.
func Load(path string) (map[string][]dictionary.MetadataEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	entries, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("seed file %s: %w", path, err)
	}
	return entries, nil
}

// Parse decodes seed YAML into raw metadata entries per table. Unknown keys,
// invalid names and malformed markings are rejected.
func Parse(data []byte) (map[string][]dictionary.MetadataEntry, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode seed: %w", err)
	}

	out := make(map[string][]dictionary.MetadataEntry, len(f.Tables))
	for name, table := range f.Tables {
		if err := tables.ValidateTableName(name); err != nil {
			return nil, err
		}
		entries, err := table.entries()
		if err != nil {
			return nil, fmt.Errorf("table %s: %w", name, err)
		}
		out[name] = entries
	}
	return out, nil
}

func (t Table) entries() ([]dictionary.MetadataEntry, error) {
	var entries []dictionary.MetadataEntry

	for i, f := range t.Fields {
		if err := validateNames(f.DataType, f.FieldName); err != nil {
			return nil, fmt.Errorf("field %d: %w", i, err)
		}
		if err := validateMarkings(f.Markings); err != nil {
			return nil, fmt.Errorf("field %s.%s: %w", f.DataType, f.FieldName, err)
		}
		entries = append(entries, dictionary.MetadataEntry{
			DataType:    f.DataType,
			FieldName:   f.FieldName,
			Markings:    f.Markings,
			ExtraInfo:   f.ExtraInfo,
			LastUpdated: f.LastUpdated,
		})

		for _, d := range f.Descriptions {
			if d.Text == "" {
				return nil, fmt.Errorf("field %s.%s: %w: empty description", f.DataType, f.FieldName, dictionary.ErrInvalidInput)
			}
			if err := validateMarkings(d.Markings); err != nil {
				return nil, fmt.Errorf("field %s.%s description: %w", f.DataType, f.FieldName, err)
			}
			entries = append(entries, dictionary.MetadataEntry{
				DataType:    f.DataType,
				FieldName:   f.FieldName,
				Description: d.Text,
				Markings:    d.Markings,
				LastUpdated: f.LastUpdated,
			})
		}
	}

	for i, e := range t.Edges {
		if err := validateNames(e.DataType, e.SourceField); err != nil {
			return nil, fmt.Errorf("edge %d: %w", i, err)
		}
		if err := tables.ValidateFieldName(e.TargetField); err != nil {
			return nil, fmt.Errorf("edge %d: %w", i, err)
		}
		if e.Relationship == "" {
			return nil, fmt.Errorf("edge %d: %w: relationship cannot be empty", i, dictionary.ErrInvalidInput)
		}
		if err := validateMarkings(e.Markings); err != nil {
			return nil, fmt.Errorf("edge %s %s: %w", e.DataType, e.Relationship, err)
		}
		entries = append(entries, dictionary.MetadataEntry{
			DataType: e.DataType,
			Edge: &dictionary.EdgeRelationship{
				SourceField:  e.SourceField,
				TargetField:  e.TargetField,
				Relationship: e.Relationship,
			},
			Markings:    e.Markings,
			ExtraInfo:   e.ExtraInfo,
			LastUpdated: e.LastUpdated,
		})
	}

	return entries, nil
}

func validateNames(dataType, field string) error {
	if err := tables.ValidateDataType(dataType); err != nil {
		return err
	}
	return tables.ValidateFieldName(field)
}

func validateMarkings(m visibility.Markings) error {
	for category, expr := range m {
		if err := visibility.Validate(expr); err != nil {
			return fmt.Errorf("%w: %w", dictionary.ErrInvalidInput, &visibility.MalformedMarkingError{
				Category:   category,
				Expression: expr,
				Err:        err,
			})
		}
	}
	return nil
}
