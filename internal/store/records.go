package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// sqlTimeFormat is RFC 3339 with fixed-width fractional seconds so that
// lexical order of the stored TEXT matches chronological order.
const sqlTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(sqlTimeFormat)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func encodeTags(tags []string) string {
	if len(tags) == 0 {
		return "[]"
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeTags(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		return nil
	}
	return tags
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

// recordFilters builds the shared WHERE fragment for project and tag
// filtering. Tag filters require every given tag to be present.
func recordFilters(projectID string, tags []string) (string, []any) {
	var sb strings.Builder
	var args []any
	if projectID != "" {
		sb.WriteString(" AND project_id = ?")
		args = append(args, projectID)
	}
	for _, tag := range tags {
		sb.WriteString(" AND EXISTS (SELECT 1 FROM json_each(tags) WHERE json_each.value = ?)")
		args = append(args, tag)
	}
	return sb.String(), args
}

// SaveRecord inserts or updates a record. On update the row keeps its usage
// count and creation time; a changed body clears the stored embedding so the
// record becomes eligible for re-ingestion.
func (m *Manager) SaveRecord(ctx context.Context, rec Record) error {
	table, err := tableFor(rec.Type)
	if err != nil {
		return err
	}
	if rec.ID == "" {
		return errors.New("record id is required")
	}

	now := time.Now().UTC()
	created := rec.CreatedAt
	if created.IsZero() {
		created = now
	}
	var emb, embAt any
	if len(rec.Embedding) > 0 {
		emb = EncodeVector(rec.Embedding)
		at := rec.EmbeddedAt
		if at.IsZero() {
			at = now
		}
		embAt = formatTime(at)
	}
	var project any
	if rec.ProjectID != "" {
		project = rec.ProjectID
	}

	query := fmt.Sprintf(`INSERT INTO %s (id, title, body, tags, project_id, embedding, embedded_at, usage_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			body = excluded.body,
			tags = excluded.tags,
			project_id = excluded.project_id,
			embedding = CASE
				WHEN excluded.embedding IS NOT NULL THEN excluded.embedding
				WHEN excluded.body = body THEN embedding
				ELSE NULL
			END,
			embedded_at = CASE
				WHEN excluded.embedding IS NOT NULL THEN excluded.embedded_at
				WHEN excluded.body = body THEN embedded_at
				ELSE NULL
			END,
			updated_at = excluded.updated_at`, table)

	_, err = m.Exec(ctx, query,
		rec.ID, rec.Title, rec.Body, encodeTags(rec.Tags), project,
		emb, embAt, formatTime(created), formatTime(now))
	return err
}

// GetRecord loads a single record including its stored embedding.
func (m *Manager) GetRecord(ctx context.Context, contentType, id string) (Record, error) {
	table, err := tableFor(contentType)
	if err != nil {
		return Record{}, err
	}

	query := fmt.Sprintf(`SELECT id, title, body, tags, project_id, embedding, embedded_at, usage_count, created_at, updated_at
		FROM %s WHERE id = ?`, table)

	var rec Record
	err = m.QueryRow(ctx, query, []any{id}, func(row *sql.Row) error {
		var tags string
		var project, embeddedAt sql.NullString
		var blob []byte
		var createdAt, updatedAt string
		if err := row.Scan(&rec.ID, &rec.Title, &rec.Body, &tags, &project, &blob, &embeddedAt, &rec.UsageCount, &createdAt, &updatedAt); err != nil {
			return err
		}
		rec.Type = contentType
		rec.Tags = decodeTags(tags)
		rec.ProjectID = project.String
		rec.CreatedAt = parseTime(createdAt)
		rec.UpdatedAt = parseTime(updatedAt)
		if embeddedAt.Valid {
			rec.EmbeddedAt = parseTime(embeddedAt.String)
		}
		if len(blob) > 0 {
			vec, err := DecodeVector(blob)
			if err != nil {
				return fmt.Errorf("record %s: %w", rec.ID, err)
			}
			rec.Embedding = vec
		}
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%s %s: %w", contentType, id, ErrNotFound)
	}
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// DeleteRecord removes a record by id.
func (m *Manager) DeleteRecord(ctx context.Context, contentType, id string) error {
	table, err := tableFor(contentType)
	if err != nil {
		return err
	}
	affected, err := m.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, table), id)
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%s %s: %w", contentType, id, ErrNotFound)
	}
	return nil
}

// TouchRecordUsage increments the usage counter. updated_at is left alone,
// recency ordering tracks content edits only.
func (m *Manager) TouchRecordUsage(ctx context.Context, contentType, id string) error {
	table, err := tableFor(contentType)
	if err != nil {
		return err
	}
	affected, err := m.Exec(ctx, fmt.Sprintf(`UPDATE %s SET usage_count = usage_count + 1 WHERE id = ?`, table), id)
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%s %s: %w", contentType, id, ErrNotFound)
	}
	return nil
}

// CountMissingEmbeddings reports how many records have no stored vector.
func (m *Manager) CountMissingEmbeddings(ctx context.Context, contentType, projectID string) (int, error) {
	table, err := tableFor(contentType)
	if err != nil {
		return 0, err
	}
	filters, args := recordFilters(projectID, nil)
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE embedding IS NULL%s`, table, filters)

	var n int
	err = m.QueryRow(ctx, query, args, func(row *sql.Row) error {
		return row.Scan(&n)
	})
	return n, err
}

// MissingEmbeddingIDs returns the ids of records awaiting embeddings in
// stable id order, so batch ingestion walks them deterministically.
func (m *Manager) MissingEmbeddingIDs(ctx context.Context, contentType, projectID string) ([]string, error) {
	table, err := tableFor(contentType)
	if err != nil {
		return nil, err
	}
	filters, args := recordFilters(projectID, nil)
	query := fmt.Sprintf(`SELECT id FROM %s WHERE embedding IS NULL%s ORDER BY id ASC`, table, filters)

	var ids []string
	err = m.Query(ctx, query, args, func(rows *sql.Rows) error {
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	return ids, err
}

// RecordsByIDs loads the given records without their embeddings. Missing ids
// are skipped, the caller reconciles against what it asked for.
func (m *Manager) RecordsByIDs(ctx context.Context, contentType string, ids []string) ([]Record, error) {
	table, err := tableFor(contentType)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := fmt.Sprintf(`SELECT id, title, body, tags, project_id, usage_count, created_at, updated_at
		FROM %s WHERE id IN (%s) ORDER BY id ASC`, table, placeholders)

	var recs []Record
	err = m.Query(ctx, query, args, func(rows *sql.Rows) error {
		for rows.Next() {
			rec, err := scanRecordRow(rows, contentType)
			if err != nil {
				return err
			}
			recs = append(recs, rec)
		}
		return nil
	})
	return recs, err
}

// EmbeddingUpdate pairs a record id with its freshly computed vector.
type EmbeddingUpdate struct {
	ID     string
	Vector []float32
}

// SaveEmbeddings writes a batch of vectors in a single transaction.
func (m *Manager) SaveEmbeddings(ctx context.Context, contentType string, updates []EmbeddingUpdate) error {
	table, err := tableFor(contentType)
	if err != nil {
		return err
	}
	if len(updates) == 0 {
		return nil
	}

	now := formatTime(time.Now().UTC())
	return m.Transaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`UPDATE %s SET embedding = ?, embedded_at = ? WHERE id = ?`, table))
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, u := range updates {
			if _, err := stmt.ExecContext(ctx, EncodeVector(u.Vector), now, u.ID); err != nil {
				return fmt.Errorf("saving embedding for %s: %w", u.ID, err)
			}
		}
		return nil
	})
}

// VectorSearchParams narrows a similarity scan.
type VectorSearchParams struct {
	ContentType string
	Vector      []float32
	Threshold   float64
	Limit       int
	ProjectID   string
	Tags        []string
	ExcludeID   string
}

// SearchByVector returns records ordered by cosine similarity to the given
// vector, highest first, dropping everything below the threshold. Ties fall
// back to recency and then id so the ordering is total.
func (m *Manager) SearchByVector(ctx context.Context, p VectorSearchParams) ([]ScoredRecord, error) {
	if !m.VectorSupported() {
		return nil, &CapabilityError{Err: errors.New("vector search unavailable")}
	}
	table, err := tableFor(p.ContentType)
	if err != nil {
		return nil, err
	}

	filters, filterArgs := recordFilters(p.ProjectID, p.Tags)
	exclude := ""
	if p.ExcludeID != "" {
		exclude = " AND id != ?"
		filterArgs = append(filterArgs, p.ExcludeID)
	}

	query := fmt.Sprintf(`SELECT id, title, body, tags, project_id, usage_count, created_at, updated_at, score FROM (
			SELECT id, title, body, tags, project_id, usage_count, created_at, updated_at,
				1.0 - %s(embedding, ?) AS score
			FROM %s
			WHERE embedding IS NOT NULL%s%s
		)
		WHERE score >= ?
		ORDER BY score DESC, updated_at DESC, id ASC
		LIMIT ?`, vecDistanceFunc, table, filters, exclude)

	args := append([]any{EncodeVector(p.Vector)}, filterArgs...)
	args = append(args, p.Threshold, p.Limit)

	var results []ScoredRecord
	err = m.Query(ctx, query, args, func(rows *sql.Rows) error {
		for rows.Next() {
			var sr ScoredRecord
			var tags string
			var project sql.NullString
			var createdAt, updatedAt string
			if err := rows.Scan(&sr.ID, &sr.Title, &sr.Body, &tags, &project, &sr.UsageCount, &createdAt, &updatedAt, &sr.Score); err != nil {
				return err
			}
			sr.Type = p.ContentType
			sr.Tags = decodeTags(tags)
			sr.ProjectID = project.String
			sr.CreatedAt = parseTime(createdAt)
			sr.UpdatedAt = parseTime(updatedAt)
			results = append(results, sr)
		}
		return nil
	})
	return results, err
}

// KeywordSearchParams narrows a lexical candidate scan.
type KeywordSearchParams struct {
	ContentType string
	Tokens      []string
	ProjectID   string
	Tags        []string
	Limit       int
	TitleOnly   bool
}

// SearchByKeywords returns candidate records containing any of the query
// tokens in title, tags, or body. Relevance scoring happens in the search
// engine, this only narrows the scan.
func (m *Manager) SearchByKeywords(ctx context.Context, p KeywordSearchParams) ([]Record, error) {
	table, err := tableFor(p.ContentType)
	if err != nil {
		return nil, err
	}
	if len(p.Tokens) == 0 {
		return nil, nil
	}

	var clauses []string
	var args []any
	for _, tok := range p.Tokens {
		pattern := "%" + escapeLike(strings.ToLower(tok)) + "%"
		if p.TitleOnly {
			clauses = append(clauses, `lower(title) LIKE ? ESCAPE '\'`)
			args = append(args, pattern)
			continue
		}
		clauses = append(clauses, `(lower(title) LIKE ? ESCAPE '\' OR lower(tags) LIKE ? ESCAPE '\' OR lower(body) LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern, pattern)
	}

	filters, filterArgs := recordFilters(p.ProjectID, p.Tags)
	args = append(args, filterArgs...)
	args = append(args, p.Limit)

	query := fmt.Sprintf(`SELECT id, title, body, tags, project_id, usage_count, created_at, updated_at
		FROM %s
		WHERE (%s)%s
		ORDER BY updated_at DESC, id ASC
		LIMIT ?`, table, strings.Join(clauses, " OR "), filters)

	var recs []Record
	err = m.Query(ctx, query, args, func(rows *sql.Rows) error {
		for rows.Next() {
			rec, err := scanRecordRow(rows, p.ContentType)
			if err != nil {
				return err
			}
			recs = append(recs, rec)
		}
		return nil
	})
	return recs, err
}

// scanRecordRow scans the embedding-free column set shared by the candidate
// queries.
func scanRecordRow(rows *sql.Rows, contentType string) (Record, error) {
	var rec Record
	var tags string
	var project sql.NullString
	var createdAt, updatedAt string
	if err := rows.Scan(&rec.ID, &rec.Title, &rec.Body, &tags, &project, &rec.UsageCount, &createdAt, &updatedAt); err != nil {
		return Record{}, err
	}
	rec.Type = contentType
	rec.Tags = decodeTags(tags)
	rec.ProjectID = project.String
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	return rec, nil
}
