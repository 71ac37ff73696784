// Package sqlitestore provides a SQLite implementation of
// incident.Store for single-node deployments that want durability
// without running PostgreSQL.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"

	"github.com/linnemanlabs/beacon/internal/alert"
	"github.com/linnemanlabs/beacon/internal/incident"
)

const schema = `
CREATE TABLE IF NOT EXISTS incidents (
	id          TEXT PRIMARY KEY,
	fingerprint TEXT NOT NULL,
	title       TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	severity    TEXT NOT NULL,
	status      TEXT NOT NULL,
	labels      TEXT NOT NULL DEFAULT '{}',
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	resolved_at INTEGER,
	related_ids TEXT NOT NULL DEFAULT '[]',
	features    TEXT NOT NULL DEFAULT '{}',
	suggestion  TEXT,
	version     INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS incidents_fingerprint_idx ON incidents (fingerprint, created_at DESC);
CREATE INDEX IF NOT EXISTS incidents_status_idx ON incidents (status);

CREATE TABLE IF NOT EXISTS incident_events (
	incident_id TEXT NOT NULL,
	seq         INTEGER NOT NULL,
	ts          INTEGER NOT NULL,
	kind        TEXT NOT NULL,
	payload     TEXT,
	PRIMARY KEY (incident_id, seq)
);
`

// Store persists incidents in a SQLite database file. Timestamps are
// stored as Unix microseconds.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at path and applies the schema.
func New(path string) (*Store, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close shuts down the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

const incidentColumns = `id, fingerprint, title, description, severity, status,
	labels, created_at, updated_at, resolved_at, related_ids, features, suggestion, version`

// Get retrieves an incident by its ID.
func (s *Store) Get(ctx context.Context, id string) (*incident.Incident, bool, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE id = ?`
	in, err := scanIncidentRow(s.db.QueryRowContext(ctx, query, id))
	if err != nil || in == nil {
		return nil, false, err
	}
	if err := s.loadTimeline(ctx, in); err != nil {
		return nil, false, err
	}
	return in, true, nil
}

// LatestByFingerprint retrieves the most recently created incident with
// the given fingerprint.
func (s *Store) LatestByFingerprint(ctx context.Context, fp string) (*incident.Incident, bool, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents
		WHERE fingerprint = ? ORDER BY created_at DESC, id DESC LIMIT 1`
	in, err := scanIncidentRow(s.db.QueryRowContext(ctx, query, fp))
	if err != nil || in == nil {
		return nil, false, err
	}
	if err := s.loadTimeline(ctx, in); err != nil {
		return nil, false, err
	}
	return in, true, nil
}

// Create inserts a new incident with its initial timeline.
func (s *Store) Create(ctx context.Context, in *incident.Incident) error {
	if in.Version != 1 {
		return incident.ErrConflict
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		labels, related, features, suggestion, err := marshalFields(in)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO incidents (`+incidentColumns+`)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			in.ID, in.Fingerprint, in.Title, in.Description, string(in.Severity), string(in.Status),
			labels, in.CreatedAt.UnixMicro(), in.UpdatedAt.UnixMicro(), unixOrNil(in.ResolvedAt),
			related, features, suggestion, in.Version,
		)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint") {
				return incident.ErrConflict
			}
			return fmt.Errorf("insert incident: %w", err)
		}
		return insertEvents(ctx, tx, in)
	})
}

// Update writes a mutated incident under the version CAS contract.
func (s *Store) Update(ctx context.Context, in *incident.Incident) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		labels, related, features, suggestion, err := marshalFields(in)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `UPDATE incidents SET
				title = ?, description = ?, severity = ?, status = ?, labels = ?,
				updated_at = ?, resolved_at = ?, related_ids = ?, features = ?,
				suggestion = ?, version = ?
			WHERE id = ? AND version = ?`,
			in.Title, in.Description, string(in.Severity), string(in.Status), labels,
			in.UpdatedAt.UnixMicro(), unixOrNil(in.ResolvedAt), related, features,
			suggestion, in.Version,
			in.ID, in.Version-1,
		)
		if err != nil {
			return fmt.Errorf("update incident: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			var exists int
			err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM incidents WHERE id = ?`, in.ID).Scan(&exists)
			if err != nil {
				return fmt.Errorf("check incident exists: %w", err)
			}
			if exists == 0 {
				return incident.ErrNotFound
			}
			return incident.ErrConflict
		}
		return insertEvents(ctx, tx, in)
	})
}

// List returns incidents matching the filter, most recently created
// first.
func (s *Store) List(ctx context.Context, f incident.Filter) ([]*incident.Incident, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE 1=1`
	var args []any
	if len(f.Statuses) > 0 {
		placeholders := strings.Repeat("?,", len(f.Statuses))
		query += ` AND status IN (` + placeholders[:len(placeholders)-1] + `)`
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	if !f.ResolvedSince.IsZero() {
		query += ` AND resolved_at >= ?`
		args = append(args, f.ResolvedSince.UnixMicro())
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query incidents: %w", err)
	}
	defer rows.Close()

	var out []*incident.Incident
	for rows.Next() {
		in, err := scanIncidentRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate incidents: %w", err)
	}

	for _, in := range out {
		if err := s.loadTimeline(ctx, in); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// CountActive returns the number of incidents whose status is neither
// resolved nor closed.
func (s *Store) CountActive(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM incidents WHERE status NOT IN ('resolved', 'closed')`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active: %w", err)
	}
	return n, nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is harmless

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func insertEvents(ctx context.Context, tx *sql.Tx, in *incident.Incident) error {
	for seq, ev := range in.Timeline {
		var payload any
		if ev.Payload != nil {
			b, err := json.Marshal(ev.Payload)
			if err != nil {
				return fmt.Errorf("marshal event payload seq %d: %w", seq, err)
			}
			payload = string(b)
		}
		_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO incident_events
			(incident_id, seq, ts, kind, payload) VALUES (?, ?, ?, ?, ?)`,
			in.ID, seq, ev.Timestamp.UnixMicro(), string(ev.Kind), payload,
		)
		if err != nil {
			return fmt.Errorf("insert event seq %d: %w", seq, err)
		}
	}
	return nil
}

func (s *Store) loadTimeline(ctx context.Context, in *incident.Incident) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, kind, payload FROM incident_events WHERE incident_id = ? ORDER BY seq`,
		in.ID,
	)
	if err != nil {
		return fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var timeline []incident.Event
	for rows.Next() {
		var (
			ts      int64
			kind    string
			payload sql.NullString
		)
		if err := rows.Scan(&ts, &kind, &payload); err != nil {
			return fmt.Errorf("scan event: %w", err)
		}
		ev := incident.Event{
			Timestamp: time.UnixMicro(ts).UTC(),
			Kind:      incident.EventKind(kind),
		}
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &ev.Payload); err != nil {
				return fmt.Errorf("unmarshal event payload: %w", err)
			}
		}
		timeline = append(timeline, ev)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate events: %w", err)
	}
	in.Timeline = timeline
	return nil
}

func marshalFields(in *incident.Incident) (labels, related, features string, suggestion any, err error) {
	lb, err := json.Marshal(orEmpty(in.Labels))
	if err != nil {
		return "", "", "", nil, fmt.Errorf("marshal labels: %w", err)
	}
	rel := in.RelatedIDs
	if rel == nil {
		rel = []string{}
	}
	rb, err := json.Marshal(rel)
	if err != nil {
		return "", "", "", nil, fmt.Errorf("marshal related ids: %w", err)
	}
	feat := in.Features
	if feat == nil {
		feat = map[string]float64{}
	}
	fb, err := json.Marshal(feat)
	if err != nil {
		return "", "", "", nil, fmt.Errorf("marshal features: %w", err)
	}
	if in.Suggestion != nil {
		sb, err := json.Marshal(in.Suggestion)
		if err != nil {
			return "", "", "", nil, fmt.Errorf("marshal suggestion: %w", err)
		}
		suggestion = string(sb)
	}
	return string(lb), string(rb), string(fb), suggestion, nil
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func unixOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMicro()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIncidentRow(row rowScanner) (*incident.Incident, error) {
	var (
		in         incident.Incident
		severity   string
		status     string
		labels     string
		createdAt  int64
		updatedAt  int64
		resolvedAt sql.NullInt64
		related    string
		features   string
		suggestion sql.NullString
	)

	err := row.Scan(
		&in.ID, &in.Fingerprint, &in.Title, &in.Description, &severity, &status,
		&labels, &createdAt, &updatedAt, &resolvedAt, &related, &features,
		&suggestion, &in.Version,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}

	in.Severity = alert.Severity(severity)
	in.Status = incident.Status(status)
	in.CreatedAt = time.UnixMicro(createdAt).UTC()
	in.UpdatedAt = time.UnixMicro(updatedAt).UTC()
	if resolvedAt.Valid {
		t := time.UnixMicro(resolvedAt.Int64).UTC()
		in.ResolvedAt = &t
	}

	if err := json.Unmarshal([]byte(labels), &in.Labels); err != nil {
		return nil, fmt.Errorf("unmarshal labels: %w", err)
	}
	if err := json.Unmarshal([]byte(related), &in.RelatedIDs); err != nil {
		return nil, fmt.Errorf("unmarshal related ids: %w", err)
	}
	if err := json.Unmarshal([]byte(features), &in.Features); err != nil {
		return nil, fmt.Errorf("unmarshal features: %w", err)
	}
	if suggestion.Valid && suggestion.String != "" {
		if err := json.Unmarshal([]byte(suggestion.String), &in.Suggestion); err != nil {
			return nil, fmt.Errorf("unmarshal suggestion: %w", err)
		}
	}
	if len(in.RelatedIDs) == 0 {
		in.RelatedIDs = nil
	}
	return &in, nil
}
