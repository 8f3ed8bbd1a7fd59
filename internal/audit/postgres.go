package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/veridocs/ledger/internal/tracing"
)

// recordColumns is the column list shared by every SELECT in this file.
const recordColumns = `id, scope_id, category, sequence_num, created_at,
	actor_id, actor_email, actor_name, action, resource, resource_id,
	payload, hash, previous_hash, verified`

// PostgresStore is a Store backed by PostgreSQL. The audit_logs table
// carries a unique index on (scope_id, category, sequence_num); a violation
// of that index is how concurrent appends from other processes surface, and
// it is mapped to ErrSequenceConflict.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore creates a store over an open database handle.
func NewPostgresStore(db *sql.DB, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{db: db, logger: logger}
}

// Append inserts a new record. There is no update path: the table is
// append-only and sequence slots are claimed exactly once.
func (s *PostgresStore) Append(ctx context.Context, rec *Record) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "audit_logs", tracing.DBOperationInsert)
	defer func() {
		if errors.Is(err, ErrSequenceConflict) {
			// A lost sequence race is retried by the appender, not a failure.
			endSpan(nil)
			return
		}
		endSpan(err)
	}()

	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	query := `
		INSERT INTO audit_logs (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err = s.db.ExecContext(ctx, query,
		rec.ID, rec.ScopeID, string(rec.Category), int64(rec.SequenceNum),
		rec.CreatedAt.UTC(), rec.ActorID, rec.ActorEmail, rec.ActorName,
		rec.Action, rec.Resource, rec.ResourceID, payload,
		rec.Hash, rec.PreviousHash, rec.Verified,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrSequenceConflict
		}
		s.logger.ErrorContext(ctx, "failed to insert audit record",
			"scope_id", rec.ScopeID,
			"category", rec.Category,
			"sequence", rec.SequenceNum,
			"error", err)
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

// LastRecord returns the highest-sequence record of a chain.
func (s *PostgresStore) LastRecord(ctx context.Context, scopeID string, category Category) (rec *Record, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "audit_logs", tracing.DBOperationQuery)
	defer func() {
		if errors.Is(err, ErrNotFound) {
			// An empty chain is a normal genesis lookup, not a query failure.
			endSpan(nil)
			return
		}
		endSpan(err)
	}()

	query := `
		SELECT ` + recordColumns + `
		FROM audit_logs
		WHERE scope_id = $1 AND category = $2
		ORDER BY sequence_num DESC
		LIMIT 1`

	rec, err = scanRecord(s.db.QueryRowContext(ctx, query, scopeID, string(category)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to query chain head",
			"scope_id", scopeID, "category", category, "error", err)
		return nil, fmt.Errorf("failed to query chain head: %w", err)
	}
	return rec, nil
}

// Range returns chain records with fromSeq <= seq <= toSeq, ascending.
func (s *PostgresStore) Range(ctx context.Context, scopeID string, category Category, fromSeq, toSeq uint64) (recs []*Record, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "audit_logs", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	// BIGINT tops out at int64; the open-bound sentinel clamps down to it.
	if toSeq > math.MaxInt64 {
		toSeq = math.MaxInt64
	}

	query := `
		SELECT ` + recordColumns + `
		FROM audit_logs
		WHERE scope_id = $1 AND category = $2
		  AND sequence_num BETWEEN $3 AND $4
		ORDER BY sequence_num ASC`

	rows, err := s.db.QueryContext(ctx, query, scopeID, string(category), int64(fromSeq), int64(toSeq))
	if err != nil {
		return nil, fmt.Errorf("failed to query chain range: %w", err)
	}
	defer rows.Close()

	return collectRecords(rows)
}

// ExportRange returns chain records created inside [from, to], ascending.
func (s *PostgresStore) ExportRange(ctx context.Context, scopeID string, category Category, from, to time.Time) (recs []*Record, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "audit_logs", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query := `
		SELECT ` + recordColumns + `
		FROM audit_logs
		WHERE scope_id = $1 AND category = $2`
	args := []any{scopeID, string(category)}

	if !from.IsZero() {
		args = append(args, from.UTC())
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if !to.IsZero() {
		args = append(args, to.UTC())
		query += fmt.Sprintf(" AND created_at <= $%d", len(args))
	}
	query += " ORDER BY sequence_num ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query export range: %w", err)
	}
	defer rows.Close()

	return collectRecords(rows)
}

// Count returns the number of records matching the filter.
func (s *PostgresStore) Count(ctx context.Context, f Filter) (count int, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "audit_logs", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	where, args := buildFilterWhere(f)
	query := "SELECT COUNT(*) FROM audit_logs WHERE " + where

	if err = s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count audit records: %w", err)
	}
	return count, nil
}

// Page returns records matching the filter, newest first.
func (s *PostgresStore) Page(ctx context.Context, f Filter, limit, offset int) (recs []*Record, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "audit_logs", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	where, args := buildFilterWhere(f)
	args = append(args, limit, offset)

	query := fmt.Sprintf(`
		SELECT `+recordColumns+`
		FROM audit_logs
		WHERE %s
		ORDER BY created_at DESC, sequence_num DESC
		LIMIT $%d OFFSET $%d`, where, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	return collectRecords(rows)
}

// Scopes returns the distinct scope IDs present in the ledger, sorted.
func (s *PostgresStore) Scopes(ctx context.Context) (scopes []string, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "audit_logs", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT scope_id FROM audit_logs ORDER BY scope_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query scopes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan scope id: %w", err)
		}
		scopes = append(scopes, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate scopes: %w", err)
	}
	return scopes, nil
}

// buildFilterWhere renders a Filter as a WHERE clause with numbered args.
func buildFilterWhere(f Filter) (string, []any) {
	where := []string{"scope_id = $1"}
	args := []any{f.ScopeID}

	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if f.Category != "" {
		add("category = $%d", string(f.Category))
	}
	if f.ActorID != "" {
		add("actor_id = $%d", f.ActorID)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.Resource != "" {
		add("resource = $%d", f.Resource)
	}
	if f.ResourceID != "" {
		add("resource_id = $%d", f.ResourceID)
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From.UTC())
	}
	if !f.To.IsZero() {
		add("created_at <= $%d", f.To.UTC())
	}
	if f.Search != "" {
		args = append(args, "%"+strings.ToLower(f.Search)+"%")
		n := len(args)
		where = append(where, fmt.Sprintf(
			"(LOWER(action) LIKE $%d OR LOWER(resource) LIKE $%d OR LOWER(actor_email) LIKE $%d OR LOWER(actor_name) LIKE $%d OR LOWER(payload->>'message') LIKE $%d)",
			n, n, n, n, n))
	}

	return strings.Join(where, " AND "), args
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec      Record
		category string
		seq      int64
		payload  []byte
	)
	err := row.Scan(
		&rec.ID, &rec.ScopeID, &category, &seq, &rec.CreatedAt,
		&rec.ActorID, &rec.ActorEmail, &rec.ActorName,
		&rec.Action, &rec.Resource, &rec.ResourceID,
		&payload, &rec.Hash, &rec.PreviousHash, &rec.Verified,
	)
	if err != nil {
		return nil, err
	}

	rec.Category = Category(category)
	rec.SequenceNum = uint64(seq)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &rec.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
	}
	return &rec, nil
}

func collectRecords(rows *sql.Rows) ([]*Record, error) {
	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit records: %w", err)
	}
	return out, nil
}
