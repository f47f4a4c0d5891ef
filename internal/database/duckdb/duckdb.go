package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/querypilot/querypilot/internal/database"
)

type Config struct {
	// Path of the database file. Empty opens an in-memory database.
	Path         string
	ReadOnly     bool
	RowLimit     int
	MaxOpenConns int
}

type DB struct {
	db       *sql.DB
	rowLimit int
	schemaID string
}

func Open(ctx context.Context, cfg Config) (*DB, error) {
	dsn := strings.TrimSpace(cfg.Path)
	if cfg.ReadOnly && dsn != "" && dsn != ":memory:" {
		dsn += "?access_mode=read_only"
	}
	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}
	return New(db, cfg), nil
}

// New wraps an already opened DuckDB handle.
func New(db *sql.DB, cfg Config) *DB {
	schemaID := "duckdb:memory"
	if path := strings.TrimSpace(cfg.Path); path != "" {
		schemaID = "duckdb:" + path
	}
	return &DB{db: db, rowLimit: cfg.RowLimit, schemaID: schemaID}
}

func (d *DB) Execute(ctx context.Context, sqlText string) (database.Rows, error) {
	return database.Query(ctx, d.db, sqlText, d.rowLimit)
}

func (d *DB) SchemaID() string {
	return d.schemaID
}

func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) Schema(ctx context.Context) (database.Schema, error) {
	builder := database.NewSchemaBuilder(d.schemaID)

	rows, err := d.db.QueryContext(ctx, `
SELECT table_name, column_name, data_type, is_nullable
FROM information_schema.columns
WHERE table_schema = 'main'
ORDER BY table_name, ordinal_position`)
	if err != nil {
		return database.Schema{}, fmt.Errorf("query columns: %w", err)
	}
	for rows.Next() {
		var table, column, dataType, nullable string
		if err := rows.Scan(&table, &column, &dataType, &nullable); err != nil {
			_ = rows.Close()
			return database.Schema{}, fmt.Errorf("scan column: %w", err)
		}
		builder.AddColumn(table, database.Column{
			Name:     column,
			Type:     dataType,
			Nullable: strings.EqualFold(nullable, "YES"),
		})
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return database.Schema{}, fmt.Errorf("iterate columns: %w", err)
	}
	_ = rows.Close()

	if err := d.loadConstraints(ctx, builder); err != nil {
		return database.Schema{}, err
	}
	return builder.Schema(), nil
}

func (d *DB) loadConstraints(ctx context.Context, builder *database.SchemaBuilder) error {
	rows, err := d.db.QueryContext(ctx, `
SELECT table_name, constraint_type, constraint_column_names, referenced_table, referenced_column_names
FROM duckdb_constraints()
WHERE schema_name = 'main' AND constraint_type IN ('PRIMARY KEY', 'FOREIGN KEY')
ORDER BY table_name, constraint_index`)
	if err != nil {
		return fmt.Errorf("query constraints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			table, constraintType string
			columns, refColumns   any
			refTable              sql.NullString
		)
		if err := rows.Scan(&table, &constraintType, &columns, &refTable, &refColumns); err != nil {
			return fmt.Errorf("scan constraint: %w", err)
		}
		names := stringList(columns)
		switch constraintType {
		case "PRIMARY KEY":
			for _, name := range names {
				builder.MarkPrimaryKey(table, name)
			}
		case "FOREIGN KEY":
			refs := stringList(refColumns)
			for i, name := range names {
				fk := database.ForeignKey{Table: table, Column: name, RefTable: refTable.String}
				if i < len(refs) {
					fk.RefColumn = refs[i]
				}
				builder.AddForeignKey(fk)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate constraints: %w", err)
	}
	return nil
}

func stringList(value any) []string {
	switch typed := value.(type) {
	case []string:
		return typed
	case []any:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			if item != nil {
				out = append(out, fmt.Sprint(item))
			}
		}
		return out
	default:
		return nil
	}
}
