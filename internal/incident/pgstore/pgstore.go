// Package pgstore provides a PostgreSQL implementation of incident.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/beacon/internal/alert"
	"github.com/linnemanlabs/beacon/internal/incident"
)

var tracer = otel.Tracer("github.com/linnemanlabs/beacon/internal/incident/pgstore")

//go:embed schema.sql
var schema string

// Store persists incidents in PostgreSQL. The timeline lives in an
// append-only incident_events table keyed by (incident_id, seq);
// Update inserts only event rows it has not seen before.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema and returns a ready Store. The pool stays
// owned by the caller.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

const incidentColumns = `id, fingerprint, title, description, severity, status,
	labels, created_at, updated_at, resolved_at, related_ids, features, suggestion, version`

// Get retrieves an incident by ID.
//
//nolint:dupl // similar structure to LatestByFingerprint is intentional
func (s *Store) Get(ctx context.Context, id string) (*incident.Incident, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Get", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE id = $1`
	in, err := scanIncidentRow(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	if in == nil {
		return nil, false, nil
	}

	if err := s.loadTimeline(ctx, in); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	return in, true, nil
}

// LatestByFingerprint retrieves the most recently created incident with
// the given fingerprint.
//
//nolint:dupl // similar structure to Get is intentional
func (s *Store) LatestByFingerprint(ctx context.Context, fp string) (*incident.Incident, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.LatestByFingerprint", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + incidentColumns + ` FROM incidents
		WHERE fingerprint = $1 ORDER BY created_at DESC, id DESC LIMIT 1`
	in, err := scanIncidentRow(s.pool.QueryRow(ctx, query, fp))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	if in == nil {
		return nil, false, nil
	}

	if err := s.loadTimeline(ctx, in); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	return in, true, nil
}

// Create inserts a new incident with its initial timeline.
func (s *Store) Create(ctx context.Context, in *incident.Incident) error {
	ctx, span := tracer.Start(ctx, "pgstore.Create", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "INSERT"),
	))
	defer span.End()

	if in.Version != 1 {
		return incident.ErrConflict
	}

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		labels, related, features, suggestion, err := marshalFields(in)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `INSERT INTO incidents (`+incidentColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
			in.ID, in.Fingerprint, in.Title, in.Description, string(in.Severity), string(in.Status),
			labels, in.CreatedAt, in.UpdatedAt, in.ResolvedAt, related, features, suggestion, in.Version,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return incident.ErrConflict
			}
			return fmt.Errorf("insert incident: %w", err)
		}
		return s.insertEvents(ctx, tx, in)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// Update writes a mutated incident. The version predicate makes the
// write a compare-and-swap: stale writers get ErrConflict and retry.
func (s *Store) Update(ctx context.Context, in *incident.Incident) error {
	ctx, span := tracer.Start(ctx, "pgstore.Update", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPDATE"),
	))
	defer span.End()

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		labels, related, features, suggestion, err := marshalFields(in)
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `UPDATE incidents SET
				title = $2, description = $3, severity = $4, status = $5, labels = $6,
				updated_at = $7, resolved_at = $8, related_ids = $9, features = $10,
				suggestion = $11, version = $12
			WHERE id = $1 AND version = $13`,
			in.ID, in.Title, in.Description, string(in.Severity), string(in.Status), labels,
			in.UpdatedAt, in.ResolvedAt, related, features, suggestion, in.Version,
			in.Version-1,
		)
		if err != nil {
			return fmt.Errorf("update incident: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Either the row is missing or a concurrent writer bumped
			// the version first.
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM incidents WHERE id = $1)`, in.ID).Scan(&exists); err != nil {
				return fmt.Errorf("check incident exists: %w", err)
			}
			if !exists {
				return incident.ErrNotFound
			}
			return incident.ErrConflict
		}
		return s.insertEvents(ctx, tx, in)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// List returns incidents matching the filter, most recently created
// first.
func (s *Store) List(ctx context.Context, f incident.Filter) ([]*incident.Incident, error) {
	ctx, span := tracer.Start(ctx, "pgstore.List", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE 1=1`
	var args []any
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		query += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}
	if !f.ResolvedSince.IsZero() {
		args = append(args, f.ResolvedSince)
		query += fmt.Sprintf(" AND resolved_at >= $%d", len(args))
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
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
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}
	return out, nil
}

// CountActive returns the number of incidents whose status is neither
// resolved nor closed.
func (s *Store) CountActive(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "pgstore.CountActive", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM incidents WHERE status NOT IN ('resolved', 'closed')`,
	).Scan(&n)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("count active: %w", err)
	}
	return n, nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// insertEvents appends timeline rows the table has not seen yet. The
// (incident_id, seq) primary key plus DO NOTHING keeps the timeline
// append-only under retries.
func (s *Store) insertEvents(ctx context.Context, tx pgx.Tx, in *incident.Incident) error {
	for seq, ev := range in.Timeline {
		var payload []byte
		if ev.Payload != nil {
			var err error
			payload, err = json.Marshal(ev.Payload)
			if err != nil {
				return fmt.Errorf("marshal event payload seq %d: %w", seq, err)
			}
		}
		_, err := tx.Exec(ctx, `INSERT INTO incident_events (incident_id, seq, ts, kind, payload)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (incident_id, seq) DO NOTHING`,
			in.ID, seq, ev.Timestamp, string(ev.Kind), payload,
		)
		if err != nil {
			return fmt.Errorf("insert event seq %d: %w", seq, err)
		}
	}
	return nil
}

// loadTimeline reads the ordered event rows onto an incident.
func (s *Store) loadTimeline(ctx context.Context, in *incident.Incident) error {
	rows, err := s.pool.Query(ctx,
		`SELECT ts, kind, payload FROM incident_events WHERE incident_id = $1 ORDER BY seq`,
		in.ID,
	)
	if err != nil {
		return fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var timeline []incident.Event
	for rows.Next() {
		var (
			ts      time.Time
			kind    string
			payload []byte
		)
		if err := rows.Scan(&ts, &kind, &payload); err != nil {
			return fmt.Errorf("scan event: %w", err)
		}
		ev := incident.Event{Timestamp: ts, Kind: incident.EventKind(kind)}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
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

func marshalFields(in *incident.Incident) (labels, related, features, suggestion []byte, err error) {
	if labels, err = json.Marshal(orEmptyMap(in.Labels)); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal labels: %w", err)
	}
	rel := in.RelatedIDs
	if rel == nil {
		rel = []string{}
	}
	if related, err = json.Marshal(rel); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal related ids: %w", err)
	}
	feat := in.Features
	if feat == nil {
		feat = map[string]float64{}
	}
	if features, err = json.Marshal(feat); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal features: %w", err)
	}
	if in.Suggestion != nil {
		if suggestion, err = json.Marshal(in.Suggestion); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("marshal suggestion: %w", err)
		}
	}
	return labels, related, features, suggestion, nil
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// scanIncidentRow scans a single row into an Incident (without its
// timeline). Returns (nil, nil) when no row is found.
func scanIncidentRow(row pgx.Row) (*incident.Incident, error) {
	var (
		in         incident.Incident
		severity   string
		status     string
		labels     []byte
		resolvedAt *time.Time
		related    []byte
		features   []byte
		suggestion []byte
	)

	err := row.Scan(
		&in.ID, &in.Fingerprint, &in.Title, &in.Description, &severity, &status,
		&labels, &in.CreatedAt, &in.UpdatedAt, &resolvedAt, &related, &features,
		&suggestion, &in.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}

	in.Severity = alert.Severity(severity)
	in.Status = incident.Status(status)
	in.ResolvedAt = resolvedAt

	if err := json.Unmarshal(labels, &in.Labels); err != nil {
		return nil, fmt.Errorf("unmarshal labels: %w", err)
	}
	if err := json.Unmarshal(related, &in.RelatedIDs); err != nil {
		return nil, fmt.Errorf("unmarshal related ids: %w", err)
	}
	if err := json.Unmarshal(features, &in.Features); err != nil {
		return nil, fmt.Errorf("unmarshal features: %w", err)
	}
	if len(suggestion) > 0 {
		if err := json.Unmarshal(suggestion, &in.Suggestion); err != nil {
			return nil, fmt.Errorf("unmarshal suggestion: %w", err)
		}
	}
	if len(in.RelatedIDs) == 0 {
		in.RelatedIDs = nil
	}
	return &in, nil
}

// isUniqueViolation reports whether err is a Postgres unique_violation.
func isUniqueViolation(err error) bool {
	type sqlState interface{ SQLState() string }
	var st sqlState
	return errors.As(err, &st) && st.SQLState() == "23505"
}
