// Package convert turns raw FHIR resource JSON into Parquet batches.
package convert

import (
	"bytes"
	"strings"
	"time"

	"github.com/buger/jsonparser"
	"github.com/parquet-go/parquet-go"

	"github.com/teranos/fhirlake/am"
	"github.com/teranos/fhirlake/errors"
)

// ErrSchemaNotFound is returned for resource types without a registered schema
var ErrSchemaNotFound = errors.New("schema not found")

// Row is the Parquet layout shared by every resource type. Columns holds the
// schema's extracted fields; Resource keeps the full JSON for lossless reads.
type Row struct {
	ID            string            `parquet:"id"`
	ResourceType  string            `parquet:"resource_type"`
	LastUpdatedMS *int64            `parquet:"last_updated_ms,optional"`
	Columns       map[string]string `parquet:"columns"`
	Resource      string            `parquet:"resource"`
}

// Batch is one converted Parquet file
type Batch struct {
	Data    []byte
	Rows    int // rows written
	Skipped int // rows rejected as malformed or of another type
}

// Converter converts a page partition of one resource type
type Converter interface {
	Convert(rows [][]byte, schemaType string) (*Batch, error)
}

// Schema lists the dot-separated JSON paths extracted into Columns
type Schema struct {
	ResourceType string
	Columns      []string
}

// DefaultSchemas covers the resource types extracted out of the box
func DefaultSchemas() []Schema {
	return []Schema{
		{ResourceType: "Patient", Columns: []string{"gender", "birthDate", "active"}},
		{ResourceType: "Observation", Columns: []string{"status", "subject.reference", "effectiveDateTime", "code.coding.[0].code"}},
		{ResourceType: "Encounter", Columns: []string{"status", "subject.reference", "period.start"}},
		{ResourceType: "Condition", Columns: []string{"subject.reference", "code.coding.[0].code", "onsetDateTime"}},
	}
}

// ParquetConverter writes batches with parquet-go using a schema registry
// keyed case-insensitively by resource type
type ParquetConverter struct {
	schemas map[string]Schema
}

var _ Converter = (*ParquetConverter)(nil)

// NewParquetConverter registers schemas; later entries replace earlier ones
func NewParquetConverter(schemas ...Schema) *ParquetConverter {
	c := &ParquetConverter{schemas: make(map[string]Schema, len(schemas))}
	for _, s := range schemas {
		c.schemas[strings.ToLower(s.ResourceType)] = s
	}
	return c
}

// NewParquetConverterFromAM registers the default schemas overlaid with configured ones
func NewParquetConverterFromAM(cfg am.ConvertConfig) *ParquetConverter {
	schemas := DefaultSchemas()
	for rt, cols := range cfg.Schemas {
		schemas = append(schemas, Schema{ResourceType: rt, Columns: cols})
	}
	return NewParquetConverter(schemas...)
}

// Lookup returns the schema of a resource type, ignoring case
func (c *ParquetConverter) Lookup(resourceType string) (Schema, error) {
	s, ok := c.schemas[strings.ToLower(resourceType)]
	if !ok {
		err := errors.Wrapf(ErrSchemaNotFound, "resource type %q", resourceType)
		return Schema{}, errors.Mark(err, errors.ErrConversion)
	}
	return s, nil
}

// Convert writes rows of schemaType into one Parquet file. Rows lacking an id
// or naming another resource type are skipped, not failed.
func (c *ParquetConverter) Convert(rows [][]byte, schemaType string) (*Batch, error) {
	schema, err := c.Lookup(schemaType)
	if err != nil {
		return nil, err
	}

	batch := &Batch{}
	out := make([]Row, 0, len(rows))
	for _, raw := range rows {
		row, ok := extract(raw, schemaType, schema.Columns)
		if !ok {
			batch.Skipped++
			continue
		}
		out = append(out, row)
	}

	var buf bytes.Buffer
	w := parquet.NewGenericWriter[Row](&buf)
	if _, err := w.Write(out); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "failed to write %s parquet rows", schemaType), errors.ErrConversion)
	}
	if err := w.Close(); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "failed to finish %s parquet file", schemaType), errors.ErrConversion)
	}
	batch.Data = buf.Bytes()
	batch.Rows = len(out)
	return batch, nil
}

// extract builds a Row; ok is false for rows that cannot be attributed
func extract(raw []byte, resourceType string, columns []string) (Row, bool) {
	rt, err := jsonparser.GetString(raw, "resourceType")
	if err != nil || !strings.EqualFold(rt, resourceType) {
		return Row{}, false
	}
	id, err := jsonparser.GetString(raw, "id")
	if err != nil || id == "" {
		return Row{}, false
	}

	row := Row{ID: id, ResourceType: rt, Resource: string(raw), Columns: make(map[string]string, len(columns))}
	if ts, ok := LastUpdated(raw); ok {
		ms := ts.UnixMilli()
		row.LastUpdatedMS = &ms
	}
	for _, col := range columns {
		value, dt, _, err := jsonparser.Get(raw, strings.Split(col, ".")...)
		if err != nil || dt == jsonparser.Null {
			continue
		}
		if dt == jsonparser.String {
			if s, err := jsonparser.ParseString(value); err == nil {
				row.Columns[col] = s
				continue
			}
		}
		row.Columns[col] = string(value)
	}
	return row, true
}

// LastUpdated reads meta.lastUpdated of a resource
func LastUpdated(raw []byte) (time.Time, bool) {
	s, err := jsonparser.GetString(raw, "meta", "lastUpdated")
	if err != nil {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return ts.UTC(), true
}
