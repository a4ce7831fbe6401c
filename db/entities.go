// ABOUTME: Entity store: scoped CRUD over the polymorphic entities table
// ABOUTME: Enforces workspace/user isolation and partial-merge updates with JSON payloads
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/harperreed/crmsync/models"
)

var (
	ErrNotFound       = errors.New("entity not found")
	ErrScopeViolation = errors.New("entity is outside the requested scope")
	ErrAlreadyExists  = errors.New("entity already exists")
	ErrInvalidEntity  = errors.New("invalid entity")
	ErrInvalidQuery   = errors.New("invalid query")
)

const entityColumns = `id, workspace_id, user_id, type, attributes, relationships, metadata, created_at, updated_at`

// Store provides scoped persistence for entities.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a store over an open database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// SetClock overrides the timestamp source. Used by tests.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Create inserts a new entity. A missing ID is generated; timestamps are set.
func (s *Store) Create(ctx context.Context, e *models.Entity) error {
	if err := validateEntity(e); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = models.NewID()
	}

	now := s.now()
	e.CreatedAt = now
	e.UpdatedAt = now
	dropNilValues(e)

	if err := insertEntity(ctx, s.db, e); err != nil {
		if isPrimaryKeyConflict(err) {
			existing, getErr := getEntity(ctx, s.db, e.ID)
			if getErr != nil {
				return getErr
			}
			if checkScope(e.Scope(), existing) != nil || existing.UserID != e.UserID {
				return ErrScopeViolation
			}
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create entity: %w", err)
	}

	s.refreshSearch(ctx, e)
	return nil
}

// Update merges patch into the entity with id, visible under scope.
func (s *Store) Update(ctx context.Context, scope models.Scope, id string, patch models.Patch) (*models.Entity, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	var updated *models.Entity
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := getEntity(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := checkScope(scope, existing); err != nil {
			return err
		}

		patch.Apply(existing)
		existing.UpdatedAt = s.now()
		if err := writeEntity(ctx, tx, existing); err != nil {
			return err
		}
		updated = existing
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.refreshSearch(ctx, updated)
	return updated, nil
}

// Upsert inserts e, or merges its attributes, relationships and metadata into
// the existing entity with the same id. The existing record must live in
// exactly the same scope. Reports whether a new entity was created.
func (s *Store) Upsert(ctx context.Context, e *models.Entity) (*models.Entity, bool, error) {
	if err := validateEntity(e); err != nil {
		return nil, false, err
	}
	if e.ID == "" {
		return nil, false, fmt.Errorf("%w: upsert requires an id", ErrInvalidEntity)
	}

	var (
		result  *models.Entity
		created bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		existing, err := getEntity(ctx, tx, e.ID)
		if errors.Is(err, ErrNotFound) {
			e.CreatedAt = now
			e.UpdatedAt = now
			dropNilValues(e)
			if err := insertEntity(ctx, tx, e); err != nil {
				return fmt.Errorf("failed to insert entity: %w", err)
			}
			result, created = e, true
			return nil
		}
		if err != nil {
			return err
		}

		if existing.WorkspaceID != e.WorkspaceID || existing.UserID != e.UserID || existing.Type != e.Type {
			return ErrScopeViolation
		}

		models.Patch{
			Attributes:    e.Attributes,
			Relationships: e.Relationships,
			Metadata:      e.Metadata,
		}.Apply(existing)
		existing.UpdatedAt = now
		if err := writeEntity(ctx, tx, existing); err != nil {
			return err
		}
		result = existing
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	s.refreshSearch(ctx, result)
	return result, created, nil
}

// FindByID loads one entity visible under scope.
func (s *Store) FindByID(ctx context.Context, scope models.Scope, id string) (*models.Entity, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	e, err := getEntity(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if err := checkScope(scope, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Find returns entities matching criteria. Results never cross the
// criteria's workspace; with a UserID they include only that user's
// records and workspace-shared ones.
func (s *Store) Find(ctx context.Context, c models.Criteria) ([]*models.Entity, error) {
	if err := c.Scope.Validate(); err != nil {
		return nil, err
	}

	where, args, err := buildWhere(c)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + entityColumns + ` FROM entities WHERE ` + where +
		` ORDER BY ` + orderClause(c.Order) + ` LIMIT ? OFFSET ?`
	args = append(args, c.EffectiveLimit(), c.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entities := make([]*models.Entity, 0)
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entities: %w", err)
	}

	return entities, nil
}

// ListWorkspaces returns every workspace that owns at least one entity.
// Background engines use it to fan out per workspace.
func (s *Store) ListWorkspaces(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT workspace_id FROM entities ORDER BY workspace_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workspaces: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var workspaces []string
	for rows.Next() {
		var ws string
		if err := rows.Scan(&ws); err != nil {
			return nil, fmt.Errorf("failed to scan workspace: %w", err)
		}
		workspaces = append(workspaces, ws)
	}
	return workspaces, rows.Err()
}

// ListScopes returns the distinct (workspace, user) pairs holding entities of
// type t. Only identifiers are returned, never entity data.
func (s *Store) ListScopes(ctx context.Context, t models.EntityType) ([]models.Scope, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT workspace_id, user_id FROM entities
		WHERE type = ?
		ORDER BY workspace_id, user_id
	`, string(t))
	if err != nil {
		return nil, fmt.Errorf("failed to list scopes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var scopes []models.Scope
	for rows.Next() {
		var scope models.Scope
		if err := rows.Scan(&scope.WorkspaceID, &scope.UserID); err != nil {
			return nil, fmt.Errorf("failed to scan scope: %w", err)
		}
		scopes = append(scopes, scope)
	}
	return scopes, rows.Err()
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// checkScope enforces workspace isolation and, for user-scoped principals,
// user isolation.
func checkScope(scope models.Scope, e *models.Entity) error {
	if e.WorkspaceID != scope.WorkspaceID {
		return ErrScopeViolation
	}
	if scope.UserID != "" && e.UserID != "" && e.UserID != scope.UserID {
		return ErrScopeViolation
	}
	return nil
}

func validateEntity(e *models.Entity) error {
	if e == nil {
		return ErrInvalidEntity
	}
	if err := e.Scope().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEntity, err)
	}
	if e.Type == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidEntity)
	}
	return nil
}

// dropNilValues removes keys a patch-style payload marks for deletion, so a
// fresh insert stores the same shape a merge would.
func dropNilValues(e *models.Entity) {
	e.Attributes = models.MergeMaps(nil, e.Attributes)
	e.Metadata = models.MergeMaps(nil, e.Metadata)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertEntity(ctx context.Context, ex execer, e *models.Entity) error {
	attrs, rels, meta, err := encodePayloads(e)
	if err != nil {
		return err
	}

	_, err = ex.ExecContext(ctx, `
		INSERT INTO entities (`+entityColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.WorkspaceID, e.UserID, string(e.Type), attrs, rels, meta, e.CreatedAt, e.UpdatedAt)
	return err
}

func writeEntity(ctx context.Context, ex execer, e *models.Entity) error {
	attrs, rels, meta, err := encodePayloads(e)
	if err != nil {
		return err
	}

	result, err := ex.ExecContext(ctx, `
		UPDATE entities
		SET attributes = ?, relationships = ?, metadata = ?, updated_at = ?
		WHERE id = ? AND workspace_id = ?
	`, attrs, rels, meta, e.UpdatedAt, e.ID, e.WorkspaceID)
	if err != nil {
		return fmt.Errorf("failed to update entity: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func getEntity(ctx context.Context, q queryer, id string) (*models.Entity, error) {
	row := q.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = ?`, id)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(sc scanner) (*models.Entity, error) {
	var (
		e                     models.Entity
		typ                   string
		attrs, rels, metadata []byte
	)

	err := sc.Scan(&e.ID, &e.WorkspaceID, &e.UserID, &typ, &attrs, &rels, &metadata, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan entity: %w", err)
	}
	e.Type = models.EntityType(typ)

	if err := decodeJSON(attrs, &e.Attributes); err != nil {
		return nil, fmt.Errorf("failed to decode attributes of %s: %w", e.ID, err)
	}
	if err := decodeJSON(rels, &e.Relationships); err != nil {
		return nil, fmt.Errorf("failed to decode relationships of %s: %w", e.ID, err)
	}
	if err := decodeJSON(metadata, &e.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata of %s: %w", e.ID, err)
	}
	if e.Attributes == nil {
		e.Attributes = make(map[string]any)
	}
	if e.Metadata == nil {
		e.Metadata = make(map[string]any)
	}

	return &e, nil
}

func decodeJSON[T any](data []byte, dst *T) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, dst)
}

func encodePayloads(e *models.Entity) (attrs, rels, meta []byte, err error) {
	if attrs, err = marshalOrEmpty(e.Attributes); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to encode attributes: %w", err)
	}
	if rels, err = marshalOrEmpty(e.Relationships); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to encode relationships: %w", err)
	}
	if meta, err = marshalOrEmpty(e.Metadata); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return attrs, rels, meta, nil
}

func marshalOrEmpty[M ~map[string]V, V any](m M) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func isPrimaryKeyConflict(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

func orderClause(o models.Ordering) string {
	switch o {
	case models.OrderCreatedAsc:
		return "created_at ASC, id ASC"
	case models.OrderUpdatedDesc:
		return "updated_at DESC, id ASC"
	default:
		return "created_at DESC, id ASC"
	}
}

func buildWhere(c models.Criteria) (string, []any, error) {
	clauses := []string{"workspace_id = ?"}
	args := []any{c.Scope.WorkspaceID}

	if c.Scope.UserID != "" {
		clauses = append(clauses, "(user_id = ? OR user_id = '')")
		args = append(args, c.Scope.UserID)
	}
	if c.Type != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, string(c.Type))
	}

	for _, key := range sortedKeys(c.AttributeEquals) {
		clause, clauseArgs, err := jsonEquals("attributes", key, c.AttributeEquals[key])
		if err != nil {
			return "", nil, err
		}
		clauses = append(clauses, clause)
		args = append(args, clauseArgs...)
	}
	for _, key := range sortedKeys(c.MetadataEquals) {
		clause, clauseArgs, err := jsonEquals("metadata", key, c.MetadataEquals[key])
		if err != nil {
			return "", nil, err
		}
		clauses = append(clauses, clause)
		args = append(args, clauseArgs...)
	}
	for _, key := range c.MetadataMissing {
		path, err := jsonPath(key)
		if err != nil {
			return "", nil, err
		}
		clauses = append(clauses, "json_extract(metadata, ?) IS NULL")
		args = append(args, path)
	}
	if c.RelatedTo != nil {
		path, err := jsonPath(c.RelatedTo.Name)
		if err != nil {
			return "", nil, err
		}
		clauses = append(clauses, "EXISTS (SELECT 1 FROM json_each(entities.relationships, ?) WHERE json_each.value = ?)")
		args = append(args, path, c.RelatedTo.ID)
	}

	return strings.Join(clauses, " AND "), args, nil
}

func jsonEquals(column, key string, value any) (string, []any, error) {
	path, err := jsonPath(key)
	if err != nil {
		return "", nil, err
	}
	switch v := value.(type) {
	case bool:
		n := 0
		if v {
			n = 1
		}
		return "json_extract(" + column + ", ?) = ?", []any{path, n}, nil
	case string, int, int64, float64:
		return "json_extract(" + column + ", ?) = ?", []any{path, v}, nil
	default:
		return "", nil, fmt.Errorf("%w: unsupported value type %T for %s", ErrInvalidQuery, value, key)
	}
}

// jsonPath turns a dotted key into a quoted SQLite JSON path.
func jsonPath(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `"\`) {
		return "", fmt.Errorf("%w: bad key %q", ErrInvalidQuery, key)
	}
	var b strings.Builder
	b.WriteString("$")
	for _, part := range strings.Split(key, ".") {
		if part == "" {
			return "", fmt.Errorf("%w: bad key %q", ErrInvalidQuery, key)
		}
		b.WriteString(`."`)
		b.WriteString(part)
		b.WriteString(`"`)
	}
	return b.String(), nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// logger returns the context logger; a disabled logger when none is attached.
func logger(ctx context.Context) *zerolog.Logger {
	return zerolog.Ctx(ctx)
}
