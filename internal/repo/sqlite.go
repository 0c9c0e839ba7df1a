package repo

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agentic-research/gridtrace/api"
	"github.com/agentic-research/gridtrace/internal/hierarchy"
)

// SQLite persists nodes and results in a single-file database. Writes come
// from exactly one goroutine (the engine's apply path), so the connection
// pool is capped at one writer; WAL mode keeps concurrent CLI readers from
// blocking it.
type SQLite struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS nodes (
	id            TEXT PRIMARY KEY,
	level         INTEGER NOT NULL,
	parent_id     TEXT,
	state         INTEGER NOT NULL,
	discovered_at INTEGER NOT NULL,
	source        TEXT,
	metadata      JSON
);
CREATE INDEX IF NOT EXISTS idx_nodes_level ON nodes(level, discovered_at);
CREATE INDEX IF NOT EXISTS idx_nodes_parent ON nodes(parent_id);

CREATE TABLE IF NOT EXISTS results (
	exposure_id TEXT NOT NULL,
	kind        TEXT NOT NULL,
	produced_at INTEGER NOT NULL,
	source      TEXT,
	payload     JSON,
	PRIMARY KEY (exposure_id, kind)
) WITHOUT ROWID;
`

func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// SaveNode writes one node row. INSERT OR REPLACE inside the implicit
// transaction keeps the node-plus-metadata update atomic.
func (r *SQLite) SaveNode(n *hierarchy.Node) error {
	md, err := json.Marshal(n.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata for %s: %w", n.ID, err)
	}
	_, err = r.db.Exec(
		`INSERT OR REPLACE INTO nodes (id, level, parent_id, state, discovered_at, source, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		n.ID, int(n.Level), n.ParentID, int(n.State), n.DiscoveredAt.UnixNano(), n.Source, string(md),
	)
	return err
}

func (r *SQLite) SaveResult(res *hierarchy.ProcessingResult) error {
	payload, err := json.Marshal(res.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload for %s/%s: %w", res.ExposureID, res.Kind, err)
	}
	_, err = r.db.Exec(
		`INSERT OR REPLACE INTO results (exposure_id, kind, produced_at, source, payload)
		 VALUES (?, ?, ?, ?, ?)`,
		res.ExposureID, res.Kind, res.ProducedAt.UnixNano(), res.Source, string(payload),
	)
	return err
}

func (r *SQLite) LoadInto(s *hierarchy.Store) error {
	rows, err := r.db.Query(
		`SELECT id, level, parent_id, state, discovered_at, source, metadata
		 FROM nodes ORDER BY discovered_at ASC`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			n        hierarchy.Node
			level    int
			state    int
			discNano int64
			md       string
		)
		if err := rows.Scan(&n.ID, &level, &n.ParentID, &state, &discNano, &n.Source, &md); err != nil {
			return err
		}
		n.Level = api.Level(level)
		n.State = hierarchy.State(state)
		n.DiscoveredAt = time.Unix(0, discNano)
		if md != "" && md != "null" {
			if err := json.Unmarshal([]byte(md), &n.Metadata); err != nil {
				return fmt.Errorf("metadata for %s: %w", n.ID, err)
			}
		}
		if err := s.Restore(&n); err != nil {
			return fmt.Errorf("restore %s: %w", n.ID, err)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	resRows, err := r.db.Query(`SELECT exposure_id, kind, produced_at, source, payload FROM results`)
	if err != nil {
		return err
	}
	defer resRows.Close()

	for resRows.Next() {
		var (
			res      hierarchy.ProcessingResult
			prodNano int64
			payload  string
		)
		if err := resRows.Scan(&res.ExposureID, &res.Kind, &prodNano, &res.Source, &payload); err != nil {
			return err
		}
		res.ProducedAt = time.Unix(0, prodNano)
		if payload != "" && payload != "null" {
			if err := json.Unmarshal([]byte(payload), &res.Payload); err != nil {
				return fmt.Errorf("payload for %s/%s: %w", res.ExposureID, res.Kind, err)
			}
		}
		s.UpsertResult(&res)
	}
	return resRows.Err()
}

func (r *SQLite) Reset() error {
	if _, err := r.db.Exec(`DELETE FROM nodes`); err != nil {
		return err
	}
	_, err := r.db.Exec(`DELETE FROM results`)
	return err
}

func (r *SQLite) Close() error { return r.db.Close() }
