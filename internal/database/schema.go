package database

import (
	"fmt"
	"sort"
	"strings"
)

type Column struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Nullable   bool   `json:"nullable"`
	PrimaryKey bool   `json:"primary_key,omitempty"`
}

type ForeignKey struct {
	Table     string `json:"table"`
	Column    string `json:"column"`
	RefTable  string `json:"ref_table"`
	RefColumn string `json:"ref_column"`
}

type Table struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// Schema is a read-only snapshot of the tables a database exposes.
type Schema struct {
	ID          string       `json:"id"`
	Tables      []Table      `json:"tables"`
	ForeignKeys []ForeignKey `json:"foreign_keys,omitempty"`
}

func (s Schema) Table(name string) (Table, bool) {
	for _, table := range s.Tables {
		if strings.EqualFold(table.Name, name) {
			return table, true
		}
	}
	return Table{}, false
}

func (s Schema) HasTable(name string) bool {
	_, ok := s.Table(name)
	return ok
}

func (s Schema) HasColumn(table, column string) bool {
	t, ok := s.Table(table)
	if !ok {
		return false
	}
	for _, col := range t.Columns {
		if strings.EqualFold(col.Name, column) {
			return true
		}
	}
	return false
}

func (s Schema) TableNames() []string {
	names := make([]string, 0, len(s.Tables))
	for _, table := range s.Tables {
		names = append(names, table.Name)
	}
	sort.Strings(names)
	return names
}

// PromptText renders the schema the way it is embedded in model prompts:
// one block per table followed by the foreign key relationships.
func (s Schema) PromptText() string {
	var b strings.Builder
	for _, table := range s.Tables {
		columns := make([]string, 0, len(table.Columns))
		for _, col := range table.Columns {
			entry := col.Name
			if col.Type != "" {
				entry += ":" + col.Type
			}
			if col.PrimaryKey {
				entry += "*PK"
			}
			columns = append(columns, entry)
		}
		fmt.Fprintf(&b, "Table: %s\n  Columns: %s\n", table.Name, strings.Join(columns, ", "))
	}
	if len(s.ForeignKeys) > 0 {
		b.WriteString("\nRelationships:\n")
		for _, fk := range s.ForeignKeys {
			fmt.Fprintf(&b, "  %s.%s -> %s.%s\n", fk.Table, fk.Column, fk.RefTable, fk.RefColumn)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// SchemaBuilder assembles a Schema from introspection rows that arrive one
// column at a time, ordered by table.
type SchemaBuilder struct {
	schema Schema
	index  map[string]int
}

func NewSchemaBuilder(id string) *SchemaBuilder {
	return &SchemaBuilder{schema: Schema{ID: id}, index: map[string]int{}}
}

func (b *SchemaBuilder) AddColumn(table string, column Column) {
	i, ok := b.index[table]
	if !ok {
		i = len(b.schema.Tables)
		b.index[table] = i
		b.schema.Tables = append(b.schema.Tables, Table{Name: table})
	}
	b.schema.Tables[i].Columns = append(b.schema.Tables[i].Columns, column)
}

func (b *SchemaBuilder) MarkPrimaryKey(table, column string) {
	i, ok := b.index[table]
	if !ok {
		return
	}
	for j := range b.schema.Tables[i].Columns {
		if b.schema.Tables[i].Columns[j].Name == column {
			b.schema.Tables[i].Columns[j].PrimaryKey = true
		}
	}
}

func (b *SchemaBuilder) AddForeignKey(fk ForeignKey) {
	b.schema.ForeignKeys = append(b.schema.ForeignKeys, fk)
}

func (b *SchemaBuilder) Schema() Schema {
	return b.schema
}
