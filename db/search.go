// ABOUTME: Derived full-text projection over entity attributes
// ABOUTME: Rebuilt after every write; failures are logged and never block the write itself
package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/harperreed/crmsync/models"
)

// SearchText concatenates the searchable fields of an entity, lowercased.
func SearchText(e *models.Entity) string {
	parts := make([]string, 0, 8)
	for _, key := range e.Type.SearchFields() {
		if v := e.String(key); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.ToLower(strings.Join(parts, " "))
}

func (s *Store) refreshSearch(ctx context.Context, e *models.Entity) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entity_search (entity_id, workspace_id, user_id, content)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET content = excluded.content
	`, e.ID, e.WorkspaceID, e.UserID, SearchText(e))
	if err != nil {
		logger(ctx).Warn().
			Err(err).
			Str("entity_id", e.ID).
			Str("workspace_id", e.WorkspaceID).
			Msg("search index refresh failed")
	}
}

// Search returns entities whose projected text contains every term of query.
func (s *Store) Search(ctx context.Context, scope models.Scope, query string, limit int) ([]*models.Entity, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return []*models.Entity{}, nil
	}
	if limit <= 0 {
		limit = models.DefaultLimit
	}

	clauses := []string{"s.workspace_id = ?"}
	args := []any{scope.WorkspaceID}
	if scope.UserID != "" {
		clauses = append(clauses, "(s.user_id = ? OR s.user_id = '')")
		args = append(args, scope.UserID)
	}
	for _, term := range terms {
		clauses = append(clauses, "s.content LIKE ? ESCAPE '\\'")
		args = append(args, "%"+escapeLike(term)+"%")
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.workspace_id, e.user_id, e.type, e.attributes, e.relationships, e.metadata, e.created_at, e.updated_at
		FROM entity_search s
		JOIN entities e ON e.id = s.entity_id
		WHERE `+strings.Join(clauses, " AND ")+`
		ORDER BY e.updated_at DESC
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search entities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	results := make([]*models.Entity, 0)
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, e)
	}
	return results, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
