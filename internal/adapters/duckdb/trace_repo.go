package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/manthysbr/auleagent/internal/core/domain"
)

const defaultTraceLimit = 50

const (
	upsertTraceSQL = `
		INSERT INTO traces (id, name, status, conversation_id, root_span_id,
		                    start_time, end_time, duration_ms, span_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status          = excluded.status,
			conversation_id = excluded.conversation_id,
			end_time        = excluded.end_time,
			duration_ms     = excluded.duration_ms,
			span_count      = excluded.span_count`

	upsertSpanSQL = `
		INSERT INTO spans (id, trace_id, parent_id, name, kind, status,
		                   input, output, error, model, attributes, start_time, end_time, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status      = excluded.status,
			output      = excluded.output,
			error       = excluded.error,
			end_time    = excluded.end_time,
			duration_ms = excluded.duration_ms`

	spanColumns = `id, trace_id, parent_id, name, kind, status,
		input, output, error, model, attributes, start_time, end_time, duration_ms`
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// SaveTrace upserts a finished trace and its spans in one transaction.
// Saving the same trace again updates status, output and timing.
func (r *Repository) SaveTrace(ctx context.Context, trace *domain.Trace) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, upsertTraceSQL,
		string(trace.ID), trace.Name, string(trace.Status), trace.ConversationID, string(trace.RootSpanID),
		trace.StartTime, trace.EndTime, trace.DurationMs, trace.SpanCount,
	); err != nil {
		return fmt.Errorf("upsert trace %s: %w", trace.ID, err)
	}

	stmt, err := tx.PrepareContext(ctx, upsertSpanSQL)
	if err != nil {
		return fmt.Errorf("prepare span upsert: %w", err)
	}
	defer stmt.Close()

	for _, s := range trace.Spans {
		attrs, err := json.Marshal(s.Attributes)
		if err != nil {
			return fmt.Errorf("encode attributes of span %s: %w", s.ID, err)
		}
		if _, err := stmt.ExecContext(ctx,
			string(s.ID), string(s.TraceID), string(s.ParentID), s.Name, string(s.Kind), string(s.Status),
			s.Input, s.Output, s.Error, s.Model, string(attrs), s.StartTime, s.EndTime, s.DurationMs,
		); err != nil {
			return fmt.Errorf("upsert span %s: %w", s.ID, err)
		}
	}
	return tx.Commit()
}

// ListTraces summarizes stored traces, newest first.
func (r *Repository) ListTraces(ctx context.Context, limit int) ([]domain.TraceSummary, error) {
	if limit <= 0 {
		limit = defaultTraceLimit
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, conversation_id, status, start_time, duration_ms, span_count
		FROM traces ORDER BY start_time DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list traces: %w", err)
	}
	defer rows.Close()

	out := []domain.TraceSummary{}
	for rows.Next() {
		var (
			s      domain.TraceSummary
			convID sql.NullString
		)
		if err := rows.Scan(&s.ID, &s.Name, &convID, &s.Status, &s.StartTime, &s.DurationMs, &s.SpanCount); err != nil {
			return nil, fmt.Errorf("scan trace summary: %w", err)
		}
		s.ConversationID = convID.String
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetTrace loads a stored trace with its spans in start order and the
// children lists rebuilt from parent links.
func (r *Repository) GetTrace(ctx context.Context, id domain.TraceID) (*domain.Trace, error) {
	t, err := scanTrace(r.db.QueryRowContext(ctx, `
		SELECT id, name, status, conversation_id, root_span_id,
		       start_time, end_time, duration_ms, span_count
		FROM traces WHERE id = ?`, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrTraceNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get trace %s: %w", id, err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+spanColumns+` FROM spans WHERE trace_id = ? ORDER BY start_time ASC`, string(id))
	if err != nil {
		return nil, fmt.Errorf("load spans of %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		s, err := scanSpan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan span: %w", err)
		}
		t.Spans = append(t.Spans, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	linkChildren(t.Spans)
	return t, nil
}

func scanTrace(row rowScanner) (*domain.Trace, error) {
	var (
		t            domain.Trace
		convID, root sql.NullString
	)
	if err := row.Scan(&t.ID, &t.Name, &t.Status, &convID, &root,
		&t.StartTime, &t.EndTime, &t.DurationMs, &t.SpanCount); err != nil {
		return nil, err
	}
	t.ConversationID = convID.String
	t.RootSpanID = domain.SpanID(root.String)
	return &t, nil
}

func scanSpan(row rowScanner) (domain.Span, error) {
	var (
		s                                         domain.Span
		parent, input, output, errMsg, model, raw sql.NullString
	)
	if err := row.Scan(&s.ID, &s.TraceID, &parent, &s.Name, &s.Kind, &s.Status,
		&input, &output, &errMsg, &model, &raw, &s.StartTime, &s.EndTime, &s.DurationMs); err != nil {
		return s, err
	}
	s.ParentID = domain.SpanID(parent.String)
	s.Input = input.String
	s.Output = output.String
	s.Error = errMsg.String
	s.Model = model.String
	if raw.Valid && raw.String != "" && raw.String != "null" {
		if err := json.Unmarshal([]byte(raw.String), &s.Attributes); err != nil {
			return s, fmt.Errorf("decode attributes of span %s: %w", s.ID, err)
		}
	}
	return s, nil
}

// linkChildren fills each span's Children from the others' ParentID,
// keeping the slice order.
func linkChildren(spans []domain.Span) {
	index := make(map[domain.SpanID]int, len(spans))
	for i, s := range spans {
		index[s.ID] = i
	}
	for _, s := range spans {
		if p, ok := index[s.ParentID]; ok {
			spans[p].Children = append(spans[p].Children, s.ID)
		}
	}
}
