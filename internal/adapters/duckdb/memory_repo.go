package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/manthysbr/auleagent/internal/core/domain"
)

const maxSearchTerms = 8

// StoreFact saves one fact unless the same text is already remembered.
func (r *Repository) StoreFact(ctx context.Context, fact domain.Fact) error {
	return r.Persist(ctx, []domain.Fact{fact})
}

// Persist saves a batch of facts, skipping case-insensitive duplicates.
func (r *Repository) Persist(ctx context.Context, facts []domain.Fact) error {
	if len(facts) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, f := range facts {
		content := strings.TrimSpace(f.Content)
		if content == "" {
			continue
		}
		if f.ID == "" {
			f.ID = uuid.New().String()
		}
		if f.CreatedAt.IsZero() {
			f.CreatedAt = time.Now()
		}
		// Parameters in a bare SELECT list have no type DuckDB can infer, so
		// the duplicate check and the insert are separate statements.
		var dupes int
		if err := tx.QueryRowContext(ctx,
			`SELECT count(*) FROM facts WHERE lower(content) = lower(?)`, content,
		).Scan(&dupes); err != nil {
			return fmt.Errorf("check fact: %w", err)
		}
		if dupes > 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO facts (id, content, conversation_id, source, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			f.ID, content, string(f.ConversationID), f.Source, f.CreatedAt,
		); err != nil {
			return fmt.Errorf("store fact: %w", err)
		}
	}
	return tx.Commit()
}

// SearchFacts ranks facts by how many query keywords they contain, newest
// first among equals. A query without keywords returns the newest facts.
func (r *Repository) SearchFacts(ctx context.Context, query string, limit int) ([]domain.Fact, error) {
	if limit <= 0 {
		limit = 5
	}
	score, args := keywordScore("content", searchTerms(query))
	q := `
		SELECT id, content, conversation_id, source, created_at FROM (
			SELECT *, ` + score + ` AS score FROM facts
		) WHERE score > 0
		ORDER BY score DESC, created_at DESC
		LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("search facts: %w", err)
	}
	defer rows.Close()

	out := []domain.Fact{}
	for rows.Next() {
		var (
			f      domain.Fact
			convID sql.NullString
			source sql.NullString
		)
		if err := rows.Scan(&f.ID, &f.Content, &convID, &source, &f.CreatedAt); err != nil {
			return nil, err
		}
		f.ConversationID = domain.ConversationID(convID.String)
		f.Source = source.String
		out = append(out, f)
	}
	return out, rows.Err()
}

// StoreFailure records a failure lesson.
func (r *Repository) StoreFailure(ctx context.Context, rec domain.FailureRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if rec.Severity == "" {
		rec.Severity = domain.SeverityMedium
	}
	tags, _ := json.Marshal(rec.Tags)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO failures (id, content, context, correction, severity, tags, conversation_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Content, rec.Context, rec.Correction, string(rec.Severity), string(tags), string(rec.ConversationID), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("store failure: %w", err)
	}
	return nil
}

// RelevantFailures ranks lessons by keyword overlap with the query, then by
// severity and recency.
func (r *Repository) RelevantFailures(ctx context.Context, query string, limit int) ([]domain.FailureRecord, error) {
	if limit <= 0 {
		limit = 3
	}
	score, args := keywordScore("content || ' ' || coalesce(context, '') || ' ' || coalesce(tags, '')", searchTerms(query))
	q := `
		SELECT id, content, context, correction, severity, tags, conversation_id, created_at FROM (
			SELECT *, ` + score + ` AS score FROM failures
		) WHERE score > 0
		ORDER BY score DESC,
			CASE severity WHEN 'high' THEN 0 WHEN 'medium' THEN 1 ELSE 2 END,
			created_at DESC
		LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("relevant failures: %w", err)
	}
	defer rows.Close()

	out := []domain.FailureRecord{}
	for rows.Next() {
		var (
			rec                domain.FailureRecord
			detail, correction sql.NullString
			tags, convID       sql.NullString
			severity           string
		)
		if err := rows.Scan(&rec.ID, &rec.Content, &detail, &correction, &severity, &tags, &convID, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Context = detail.String
		rec.Correction = correction.String
		rec.Severity = domain.Severity(severity)
		rec.ConversationID = domain.ConversationID(convID.String)
		if tags.Valid && tags.String != "" && tags.String != "null" {
			_ = json.Unmarshal([]byte(tags.String), &rec.Tags)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// searchTerms lowercases query and keeps its distinct words of three or more
// letters or digits. Splitting on everything else keeps LIKE wildcards out.
func searchTerms(query string) []string {
	words := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(words))
	terms := make([]string, 0, len(words))
	for _, w := range words {
		if len([]rune(w)) < 3 || seen[w] {
			continue
		}
		seen[w] = true
		terms = append(terms, w)
		if len(terms) == maxSearchTerms {
			break
		}
	}
	return terms
}

// keywordScore builds a SQL expression counting how many terms occur in expr.
// No terms scores every row 1 so callers fall back to recency.
func keywordScore(expr string, terms []string) (string, []interface{}) {
	if len(terms) == 0 {
		return "1", nil
	}
	parts := make([]string, len(terms))
	args := make([]interface{}, len(terms))
	for i, t := range terms {
		parts[i] = "(CASE WHEN lower(" + expr + ") LIKE ?::VARCHAR THEN 1 ELSE 0 END)"
		args[i] = "%" + t + "%"
	}
	return "(" + strings.Join(parts, " + ") + ")", args
}
