// Package migrations owns the example store schema: the rag_example table
// searched by retrieval and the query_audit trail. Every applied migration is
// recorded with its name and a checksum of its up script so a running service
// can tell whether the schema it talks to is the one it was built against.
package migrations

import (
	"cmp"
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

//go:embed sql/*.sql
var embedded embed.FS

const historyTable = "querypilot_schema_history"

var fileName = regexp.MustCompile(`^([0-9]+)_([a-z0-9_]+)\.(up|down)\.sql$`)

var (
	ErrPending          = errors.New("example store schema has pending migrations")
	ErrChecksumMismatch = errors.New("applied migration differs from its source")
	ErrUnknownVersion   = errors.New("applied migration is missing from source")
)

type Migration struct {
	Version  int64
	Name     string
	Checksum string

	up   string
	down string
}

func (m Migration) String() string {
	return fmt.Sprintf("%06d_%s", m.Version, m.Name)
}

type Status struct {
	Applied []Migration
	Pending []Migration
}

func (s Status) Current() bool {
	return len(s.Pending) == 0
}

type Runner struct {
	source fs.FS
}

func NewRunner() *Runner {
	return &Runner{source: embedded}
}

// Migrations lists the embedded migrations in version order.
func (r *Runner) Migrations() ([]Migration, error) {
	entries, err := fs.ReadDir(r.source, "sql")
	if err != nil {
		return nil, fmt.Errorf("read migration dir: %w", err)
	}

	byVersion := map[int64]*Migration{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		parts := fileName.FindStringSubmatch(entry.Name())
		if parts == nil {
			continue
		}
		version, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse version of %q: %w", entry.Name(), err)
		}
		script, err := fs.ReadFile(r.source, "sql/"+entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %q: %w", entry.Name(), err)
		}

		m := byVersion[version]
		if m == nil {
			m = &Migration{Version: version, Name: parts[2]}
			byVersion[version] = m
		} else if m.Name != parts[2] {
			return nil, fmt.Errorf("migration %d has two names: %q and %q", version, m.Name, parts[2])
		}
		if parts[3] == "up" {
			m.up = string(script)
		} else {
			m.down = string(script)
		}
	}

	out := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		if strings.TrimSpace(m.up) == "" {
			return nil, fmt.Errorf("migration %s missing up SQL", m)
		}
		if strings.TrimSpace(m.down) == "" {
			return nil, fmt.Errorf("migration %s missing down SQL", m)
		}
		sum := sha256.Sum256([]byte(m.up))
		m.Checksum = hex.EncodeToString(sum[:])
		out = append(out, *m)
	}
	slices.SortFunc(out, func(a, b Migration) int { return cmp.Compare(a.Version, b.Version) })
	return out, nil
}

// Status compares the embedded migrations with the history recorded in db.
// It does not create the history table; a database without one has every
// migration pending.
func (r *Runner) Status(ctx context.Context, db *sql.DB) (Status, error) {
	source, err := r.Migrations()
	if err != nil {
		return Status{}, err
	}
	var exists bool
	if err := db.QueryRowContext(ctx, `SELECT to_regclass($1) IS NOT NULL`, historyTable).Scan(&exists); err != nil {
		return Status{}, fmt.Errorf("look up %s: %w", historyTable, err)
	}
	if !exists {
		return Status{Pending: source}, nil
	}
	recorded, err := appliedChecksums(ctx, db)
	if err != nil {
		return Status{}, err
	}
	return compare(source, recorded)
}

// Up applies up to steps pending migrations (all of them when steps <= 0).
func (r *Runner) Up(ctx context.Context, db *sql.DB, steps int) (int, error) {
	status, err := r.prepare(ctx, db)
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, m := range status.Pending {
		if steps > 0 && applied >= steps {
			break
		}
		err := inTx(ctx, db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.up); err != nil {
				return fmt.Errorf("apply %s: %w", m, err)
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO `+historyTable+` (version, name, checksum) VALUES ($1, $2, $3)`,
				m.Version, m.Name, m.Checksum)
			if err != nil {
				return fmt.Errorf("record %s: %w", m, err)
			}
			return nil
		})
		if err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}

// Down rolls back the newest steps applied migrations (one when steps <= 0).
func (r *Runner) Down(ctx context.Context, db *sql.DB, steps int) (int, error) {
	if steps <= 0 {
		steps = 1
	}
	status, err := r.prepare(ctx, db)
	if err != nil {
		return 0, err
	}
	rolledBack := 0
	for i := len(status.Applied) - 1; i >= 0 && rolledBack < steps; i-- {
		m := status.Applied[i]
		err := inTx(ctx, db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.down); err != nil {
				return fmt.Errorf("roll back %s: %w", m, err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+historyTable+` WHERE version = $1`, m.Version); err != nil {
				return fmt.Errorf("forget %s: %w", m, err)
			}
			return nil
		})
		if err != nil {
			return rolledBack, err
		}
		rolledBack++
	}
	return rolledBack, nil
}

func (r *Runner) prepare(ctx context.Context, db *sql.DB) (Status, error) {
	source, err := r.Migrations()
	if err != nil {
		return Status{}, err
	}
	_, err = db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS `+historyTable+` (
	version BIGINT PRIMARY KEY,
	name TEXT NOT NULL,
	checksum TEXT NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`)
	if err != nil {
		return Status{}, fmt.Errorf("ensure %s: %w", historyTable, err)
	}
	recorded, err := appliedChecksums(ctx, db)
	if err != nil {
		return Status{}, err
	}
	return compare(source, recorded)
}

func compare(source []Migration, recorded map[int64]string) (Status, error) {
	known := make(map[int64]struct{}, len(source))
	var status Status
	for _, m := range source {
		known[m.Version] = struct{}{}
		checksum, ok := recorded[m.Version]
		switch {
		case !ok:
			status.Pending = append(status.Pending, m)
		case checksum != m.Checksum:
			return Status{}, fmt.Errorf("%w: %s", ErrChecksumMismatch, m)
		default:
			status.Applied = append(status.Applied, m)
		}
	}
	for version := range recorded {
		if _, ok := known[version]; !ok {
			return Status{}, fmt.Errorf("%w: version %d", ErrUnknownVersion, version)
		}
	}
	return status, nil
}

func appliedChecksums(ctx context.Context, db *sql.DB) (map[int64]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT version, checksum FROM `+historyTable)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", historyTable, err)
	}
	defer func() { _ = rows.Close() }()

	recorded := map[int64]string{}
	for rows.Next() {
		var version int64
		var checksum string
		if err := rows.Scan(&version, &checksum); err != nil {
			return nil, fmt.Errorf("scan %s: %w", historyTable, err)
		}
		recorded[version] = checksum
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", historyTable, err)
	}
	return recorded, nil
}

func inTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Verifier reports whether a live example store matches the embedded schema.
type Verifier struct {
	runner *Runner
	db     *sql.DB
}

func NewVerifier(db *sql.DB) *Verifier {
	return &Verifier{runner: NewRunner(), db: db}
}

func (v *Verifier) Verify(ctx context.Context) error {
	status, err := v.runner.Status(ctx, v.db)
	if err != nil {
		return err
	}
	if !status.Current() {
		names := make([]string, len(status.Pending))
		for i, m := range status.Pending {
			names[i] = m.String()
		}
		return fmt.Errorf("%w: %s", ErrPending, strings.Join(names, ", "))
	}
	return nil
}
