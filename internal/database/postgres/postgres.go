package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/querypilot/querypilot/internal/database"
)

type Config struct {
	DSN             string
	SchemaName      string
	ReadOnly        bool
	RowLimit        int
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

// Open opens a pgx-backed pool and verifies it with a ping.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return db, nil
}

// DB executes generated SQL against Postgres. With ReadOnly set every
// statement runs inside a read-only transaction that is always rolled back.
type DB struct {
	db         *sql.DB
	schemaName string
	readOnly   bool
	rowLimit   int
}

func New(db *sql.DB, cfg Config) *DB {
	schemaName := cfg.SchemaName
	if schemaName == "" {
		schemaName = "public"
	}
	return &DB{db: db, schemaName: schemaName, readOnly: cfg.ReadOnly, rowLimit: cfg.RowLimit}
}

func (d *DB) Execute(ctx context.Context, sqlText string) (database.Rows, error) {
	if !d.readOnly {
		return database.Query(ctx, d.db, sqlText, d.rowLimit)
	}
	tx, err := d.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return database.Rows{}, &database.ExecutionError{SQL: sqlText, Message: fmt.Sprintf("begin read-only transaction: %v", err), Cause: err}
	}
	defer func() { _ = tx.Rollback() }()
	return database.Query(ctx, tx, sqlText, d.rowLimit)
}

func (d *DB) SchemaID() string {
	return "postgres:" + d.schemaName
}

func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *DB) Close() error {
	return d.db.Close()
}

const columnsQuery = `
SELECT c.table_name, c.column_name, c.data_type, c.is_nullable = 'YES'
FROM information_schema.columns c
JOIN information_schema.tables t
  ON t.table_schema = c.table_schema AND t.table_name = c.table_name
WHERE c.table_schema = $1 AND t.table_type = 'BASE TABLE'
ORDER BY c.table_name, c.ordinal_position`

const primaryKeysQuery = `
SELECT kcu.table_name, kcu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON kcu.constraint_name = tc.constraint_name AND kcu.table_schema = tc.table_schema
WHERE tc.table_schema = $1 AND tc.constraint_type = 'PRIMARY KEY'`

const foreignKeysQuery = `
SELECT kcu.table_name, kcu.column_name, ccu.table_name, ccu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON kcu.constraint_name = tc.constraint_name AND kcu.table_schema = tc.table_schema
JOIN information_schema.constraint_column_usage ccu
  ON ccu.constraint_name = tc.constraint_name AND ccu.table_schema = tc.table_schema
WHERE tc.table_schema = $1 AND tc.constraint_type = 'FOREIGN KEY'
ORDER BY kcu.table_name, kcu.column_name`

func (d *DB) Schema(ctx context.Context) (database.Schema, error) {
	builder := database.NewSchemaBuilder(d.SchemaID())

	rows, err := d.db.QueryContext(ctx, columnsQuery, d.schemaName)
	if err != nil {
		return database.Schema{}, fmt.Errorf("query columns: %w", err)
	}
	for rows.Next() {
		var table string
		var column database.Column
		if err := rows.Scan(&table, &column.Name, &column.Type, &column.Nullable); err != nil {
			_ = rows.Close()
			return database.Schema{}, fmt.Errorf("scan column: %w", err)
		}
		builder.AddColumn(table, column)
	}
	if err := closeRows(rows, "columns"); err != nil {
		return database.Schema{}, err
	}

	rows, err = d.db.QueryContext(ctx, primaryKeysQuery, d.schemaName)
	if err != nil {
		return database.Schema{}, fmt.Errorf("query primary keys: %w", err)
	}
	for rows.Next() {
		var table, column string
		if err := rows.Scan(&table, &column); err != nil {
			_ = rows.Close()
			return database.Schema{}, fmt.Errorf("scan primary key: %w", err)
		}
		builder.MarkPrimaryKey(table, column)
	}
	if err := closeRows(rows, "primary keys"); err != nil {
		return database.Schema{}, err
	}

	rows, err = d.db.QueryContext(ctx, foreignKeysQuery, d.schemaName)
	if err != nil {
		return database.Schema{}, fmt.Errorf("query foreign keys: %w", err)
	}
	for rows.Next() {
		var fk database.ForeignKey
		if err := rows.Scan(&fk.Table, &fk.Column, &fk.RefTable, &fk.RefColumn); err != nil {
			_ = rows.Close()
			return database.Schema{}, fmt.Errorf("scan foreign key: %w", err)
		}
		builder.AddForeignKey(fk)
	}
	if err := closeRows(rows, "foreign keys"); err != nil {
		return database.Schema{}, err
	}

	return builder.Schema(), nil
}

func closeRows(rows *sql.Rows, what string) error {
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("iterate %s: %w", what, err)
	}
	return rows.Close()
}
