package rest

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/lib/pq"

	"github.com/restdeck/restdeck/core"
	"github.com/restdeck/restdeck/core/access"
)

// ColumnType enumerates the storable column types of a record.
type ColumnType string

// all supported column types
const (
	ColumnText      ColumnType = "text"
	ColumnTextArray ColumnType = "text[]"
	ColumnJSON      ColumnType = "json"
	ColumnBool      ColumnType = "bool"
	ColumnInt       ColumnType = "int"
	ColumnTimestamp ColumnType = "timestamp"
)

// Column declares one type-specific column of a record. The identifier,
// creation timestamp and metadata columns are implicit.
type Column struct {
	Name     string
	Type     ColumnType
	Nullable bool
	Unique   bool
	Index    bool
	// References makes the column a foreign key, e.g. "users(id)".
	References string
	// OnDelete is the referential action, e.g. "SET NULL". Only
	// meaningful together with References.
	OnDelete string
}

// RelationDescriptor declares one relation field of a record type. Immutable,
// defined once per record type at startup.
//
// For a many-to-many relation the field value is a list of related ids,
// stored as one join row (ParentKey, RelatedKey) each. For a one-to-many
// relation the field value is a list of child row objects, each owned by
// exactly one parent at a time and carrying its own identifier.
type RelationDescriptor struct {
	Name         string
	Table        string
	ParentKey    string
	RelatedKey   string // many-to-many only
	OneToMany    bool
	RelatedType  string   // record type of the related rows, for ownership validation
	ChildColumns []Column // one-to-many only, payload columns of the child rows
}

// SubDocField declares a JSON sub-document column validated and shaped by a
// named schema. Reads merge the stored value over the schema defaults;
// writes merge only explicitly-set sub-fields into the stored value.
type SubDocField struct {
	Name     string
	SchemaID string
}

// Filter is an always-applied equality constraint on a column.
type Filter struct {
	Column string
	Value  interface{}
}

// AccessFilter narrows the visible rows of a record type to those the actor
// may see. A nil filter, or a nil return, leaves all rows visible.
type AccessFilter func(actor *access.Actor) []Filter

// RecordType is the static description of one record type: its table, its
// typed columns, its relation fields and its JSON sub-document fields.
type RecordType struct {
	// Name is the singular record name, used in messages and events.
	Name string
	// Table is the table name within the backend schema.
	Table string
	// Columns are the type-specific columns.
	Columns []Column
	// WithoutMetadata opts out of the implicit metadata column.
	WithoutMetadata bool
	// Relations declares the relation fields, synchronized by the lifecycle.
	Relations []RelationDescriptor
	// SubDocs declares the JSON sub-document fields.
	SubDocs []SubDocField
	// ForeignKeys maps foreign-key columns to the record type they
	// reference, for ownership validation on write.
	ForeignKeys map[string]string
	// Access narrows visible rows per actor. Nil means all rows visible.
	Access AccessFilter
	// NewID generates identifiers; core.UniqueID when nil.
	NewID func() string
	// ProcessAttrs rewrites inbound attributes before validation, e.g.
	// replacing a plain password with its hash.
	ProcessAttrs func(attrs map[string]interface{})
}

func (rt *RecordType) newID() string {
	if rt.NewID != nil {
		return rt.NewID()
	}
	return core.UniqueID()
}

// allColumns returns the full column list in storage order: id, created,
// metadata (unless opted out), then the declared columns.
func (rt *RecordType) allColumns() []Column {
	columns := []Column{
		{Name: "id", Type: ColumnText},
		{Name: "created", Type: ColumnTimestamp},
	}
	if !rt.WithoutMetadata {
		columns = append(columns, Column{Name: "metadata", Type: ColumnJSON})
	}
	return append(columns, rt.Columns...)
}

func (rt *RecordType) column(name string) (Column, bool) {
	for _, c := range rt.allColumns() {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// columnNames returns the names of all columns in storage order. Free-text
// search matches every one of them, cast to text.
func (rt *RecordType) columnNames() []string {
	columns := rt.allColumns()
	names := make([]string, len(columns))
	for i, c := range columns {
		names[i] = c.Name
	}
	return names
}

func (rt *RecordType) accessFilters(actor *access.Actor) []Filter {
	if rt.Access == nil {
		return nil
	}
	return rt.Access(actor)
}

// Registry holds the record types and their relation descriptors, built at
// startup from plain declarative structs.
type Registry struct {
	types map[string]*RecordType
}

// NewRegistry creates an empty record type registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]*RecordType)}
}

// Add registers a record type. Registering the same name twice panics, the
// registry is startup configuration.
func (r *Registry) Add(rt *RecordType) {
	if _, ok := r.types[rt.Name]; ok {
		panic(fmt.Sprintf("record type %s registered twice", rt.Name))
	}
	r.types[rt.Name] = rt
}

// Get returns the record type with the given name.
func (r *Registry) Get(name string) (*RecordType, bool) {
	rt, ok := r.types[name]
	return rt, ok
}

func columnDDL(c Column) string {
	var sqlType string
	switch c.Type {
	case ColumnText:
		sqlType = "varchar"
	case ColumnTextArray:
		sqlType = "text[]"
	case ColumnJSON:
		sqlType = "json"
	case ColumnBool:
		sqlType = "boolean"
	case ColumnInt:
		sqlType = "integer"
	case ColumnTimestamp:
		sqlType = "timestamptz"
	default:
		panic(fmt.Sprintf("unknown column type %s", c.Type))
	}
	ddl := "\"" + c.Name + "\" " + sqlType
	if !c.Nullable {
		ddl += " NOT NULL"
		switch c.Type {
		case ColumnText:
			ddl += " DEFAULT ''"
		case ColumnTextArray:
			ddl += " DEFAULT '{}'"
		case ColumnJSON:
			ddl += " DEFAULT '{}'"
		case ColumnBool:
			ddl += " DEFAULT false"
		case ColumnInt:
			ddl += " DEFAULT 0"
		}
	}
	return ddl
}

// createSQL returns the DDL for the record table, its indices and its
// relation tables. Tables are only ever created, never migrated.
func (rt *RecordType) createSQL(schema string, registry *Registry) string {
	var createColumns []string
	createColumns = append(createColumns, "id varchar NOT NULL PRIMARY KEY")
	createColumns = append(createColumns, "created timestamptz NOT NULL")
	if !rt.WithoutMetadata {
		createColumns = append(createColumns, "metadata json NOT NULL DEFAULT '{}'")
	}

	createIndicesQuery := ""
	for _, c := range rt.Columns {
		ddl := columnDDL(c)
		if c.References != "" {
			ddl += fmt.Sprintf(" REFERENCES %s.%s", schema, c.References)
			if c.OnDelete != "" {
				ddl += " ON DELETE " + c.OnDelete
			}
		}
		if c.Unique {
			ddl += " UNIQUE"
		}
		createColumns = append(createColumns, ddl)
		if c.Index {
			createIndicesQuery += fmt.Sprintf("CREATE index IF NOT EXISTS %s ON %s.\"%s\"(\"%s\");",
				"search_index_"+rt.Table+"_"+c.Name, schema, rt.Table, c.Name)
		}
	}

	createQuery := fmt.Sprintf("CREATE table IF NOT EXISTS %s.\"%s\"", schema, rt.Table)
	createQuery += "(" + strings.Join(createColumns, ", ") + ");" + createIndicesQuery

	for _, rel := range rt.Relations {
		createQuery += rt.relationSQL(schema, rel, registry)
	}
	return createQuery
}

func (rt *RecordType) relationSQL(schema string, rel RelationDescriptor, registry *Registry) string {
	parentRef := fmt.Sprintf("%s varchar NOT NULL REFERENCES %s.\"%s\"(id) ON DELETE CASCADE",
		rel.ParentKey, schema, rt.Table)
	if rel.OneToMany {
		createColumns := []string{
			"id varchar NOT NULL PRIMARY KEY",
			"created timestamptz NOT NULL",
			parentRef,
		}
		for _, c := range rel.ChildColumns {
			createColumns = append(createColumns, columnDDL(c))
		}
		return fmt.Sprintf("CREATE table IF NOT EXISTS %s.\"%s\"(%s);CREATE index IF NOT EXISTS %s ON %s.\"%s\"(%s);",
			schema, rel.Table, strings.Join(createColumns, ", "),
			"parent_index_"+rel.Table, schema, rel.Table, rel.ParentKey)
	}

	relatedRef := rel.RelatedKey + " varchar NOT NULL"
	if related, ok := registry.Get(rel.RelatedType); ok {
		relatedRef += fmt.Sprintf(" REFERENCES %s.\"%s\"(id) ON DELETE CASCADE", schema, related.Table)
	}
	createColumns := []string{parentRef, relatedRef,
		"UNIQUE (" + rel.ParentKey + "," + rel.RelatedKey + ")"}
	return fmt.Sprintf("CREATE table IF NOT EXISTS %s.\"%s\"(%s);",
		schema, rel.Table, strings.Join(createColumns, ", "))
}

// scanHolder returns a scan destination for the column.
func scanHolder(c Column) interface{} {
	switch c.Type {
	case ColumnText:
		if c.Nullable {
			return &sql.NullString{}
		}
		return new(string)
	case ColumnTextArray:
		return &pq.StringArray{}
	case ColumnJSON:
		return &json.RawMessage{}
	case ColumnBool:
		return new(bool)
	case ColumnInt:
		return new(int)
	case ColumnTimestamp:
		return new(time.Time)
	default:
		panic(fmt.Sprintf("unknown column type %s", c.Type))
	}
}

// holderValue converts a scanned holder back into a plain value for the
// response object.
func holderValue(holder interface{}) interface{} {
	switch v := holder.(type) {
	case *sql.NullString:
		if !v.Valid {
			return nil
		}
		return v.String
	case *string:
		return *v
	case *pq.StringArray:
		return []string(*v)
	case *json.RawMessage:
		var value interface{}
		if err := json.Unmarshal(*v, &value); err != nil {
			return nil
		}
		return value
	case *bool:
		return *v
	case *int:
		return *v
	case *time.Time:
		return *v
	default:
		return holder
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanRecord scans one row of the record table (optionally with extra scan
// targets appended) into a plain map.
func (rt *RecordType) scanRecord(row rowScanner, extra ...interface{}) (map[string]interface{}, error) {
	columns := rt.allColumns()
	values := make([]interface{}, len(columns), len(columns)+len(extra))
	for i, c := range columns {
		values[i] = scanHolder(c)
	}
	values = append(values, extra...)
	if err := row.Scan(values...); err != nil {
		return nil, err
	}
	record := make(map[string]interface{}, len(columns))
	for i, c := range columns {
		record[c.Name] = holderValue(values[i])
	}
	return record, nil
}

// toDBValue converts a JSON payload value into the driver value for the
// column.
func toDBValue(c Column, value interface{}) (interface{}, error) {
	if value == nil {
		if c.Type == ColumnText && c.Nullable {
			return sql.NullString{}, nil
		}
		return nil, nil
	}
	switch c.Type {
	case ColumnTextArray:
		strs, err := toStringSlice(value)
		if err != nil {
			return nil, err
		}
		return pq.Array(strs), nil
	case ColumnJSON:
		jsonData, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		return jsonData, nil
	case ColumnTimestamp:
		switch t := value.(type) {
		case time.Time:
			return t, nil
		case string:
			parsed, err := time.Parse(time.RFC3339, t)
			if err != nil {
				return nil, err
			}
			return parsed, nil
		}
		return nil, fmt.Errorf("cannot convert %T to timestamp", value)
	default:
		return value, nil
	}
}

func toStringSlice(value interface{}) ([]string, error) {
	switch v := value.(type) {
	case []string:
		return v, nil
	case []interface{}:
		strs := make([]string, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("element %d is not a string", i)
			}
			strs[i] = s
		}
		return strs, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("cannot convert %T to string list", value)
	}
}
