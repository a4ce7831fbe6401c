// ABOUTME: Tests for the scoped entity store
// ABOUTME: Covers partial merge, upsert idempotency, scope isolation, criteria, and search
package db

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harperreed/crmsync/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(setupTestDB(t))
}

func TestCreateAndFindByID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	contact := &models.Entity{
		WorkspaceID: "ws-1",
		Type:        models.TypeContact,
		Attributes: map[string]any{
			models.AttrFullName: "Jane Doe",
			models.AttrEmail:    "jane@acme.com",
		},
		Metadata: map[string]any{models.MetaAutoCreated: true},
	}
	require.NoError(t, store.Create(ctx, contact))
	assert.NotEmpty(t, contact.ID)
	assert.False(t, contact.CreatedAt.IsZero())

	got, err := store.FindByID(ctx, models.Scope{WorkspaceID: "ws-1"}, contact.ID)
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe", got.String(models.AttrFullName))
	assert.True(t, got.MetaBool(models.MetaAutoCreated))
	assert.Equal(t, models.TypeContact, got.Type)
}

func TestCreateRejectsMissingWorkspace(t *testing.T) {
	store := newTestStore(t)

	err := store.Create(context.Background(), &models.Entity{Type: models.TypeContact})
	assert.ErrorIs(t, err, ErrInvalidEntity)
}

func TestCreateDuplicateID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := &models.Entity{ID: "fixed", WorkspaceID: "ws-1", Type: models.TypeCompany}
	require.NoError(t, store.Create(ctx, first))

	same := &models.Entity{ID: "fixed", WorkspaceID: "ws-1", Type: models.TypeCompany}
	assert.ErrorIs(t, store.Create(ctx, same), ErrAlreadyExists)

	other := &models.Entity{ID: "fixed", WorkspaceID: "ws-2", Type: models.TypeCompany}
	assert.ErrorIs(t, store.Create(ctx, other), ErrScopeViolation)
}

func TestFindByIDScopeViolation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	email := &models.Entity{WorkspaceID: "ws-1", UserID: "alice", Type: models.TypeEmail}
	require.NoError(t, store.Create(ctx, email))

	_, err := store.FindByID(ctx, models.Scope{WorkspaceID: "ws-2"}, email.ID)
	assert.ErrorIs(t, err, ErrScopeViolation)

	_, err = store.FindByID(ctx, models.Scope{WorkspaceID: "ws-1", UserID: "bob"}, email.ID)
	assert.ErrorIs(t, err, ErrScopeViolation)

	_, err = store.FindByID(ctx, models.Scope{WorkspaceID: "ws-1", UserID: "alice"}, email.ID)
	assert.NoError(t, err)

	_, err = store.FindByID(ctx, models.Scope{WorkspaceID: "ws-1"}, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdatePartialMerge(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	scope := models.Scope{WorkspaceID: "ws-1"}

	company := &models.Entity{
		WorkspaceID: "ws-1",
		Type:        models.TypeCompany,
		Attributes: map[string]any{
			models.AttrName:   "Acme",
			models.AttrDomain: "acme.com",
		},
		Metadata: map[string]any{models.MetaSource: models.SourceEnrichment},
	}
	require.NoError(t, store.Create(ctx, company))

	updated, err := store.Update(ctx, scope, company.ID, models.Patch{
		Attributes: map[string]any{models.AttrIndustry: "Technology"},
		Metadata:   map[string]any{models.MetaEnrichedAt: "2026-01-01T00:00:00Z"},
	})
	require.NoError(t, err)

	assert.Equal(t, "Acme", updated.String(models.AttrName))
	assert.Equal(t, "acme.com", updated.String(models.AttrDomain))
	assert.Equal(t, "Technology", updated.String(models.AttrIndustry))
	assert.Equal(t, models.SourceEnrichment, updated.MetaString(models.MetaSource))

	reloaded, err := store.FindByID(ctx, scope, company.ID)
	require.NoError(t, err)
	assert.Equal(t, updated.Attributes, reloaded.Attributes)
	assert.Equal(t, updated.Metadata, reloaded.Metadata)
}

func TestUpdateLinkIsConcurrencySafe(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	scope := models.Scope{WorkspaceID: "ws-1"}

	company := &models.Entity{
		WorkspaceID: "ws-1",
		Type:        models.TypeCompany,
		Attributes:  map[string]any{models.AttrName: "Acme", models.AttrDomain: "acme.com"},
	}
	require.NoError(t, store.Create(ctx, company))

	want := make([]string, 0, 10)
	var wg sync.WaitGroup
	for i := range 10 {
		id := fmt.Sprintf("contact-%d", i)
		want = append(want, id)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Update(ctx, scope, company.ID, models.Patch{
				Link: map[string][]string{models.RelContacts: {id}},
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	reloaded, err := store.FindByID(ctx, scope, company.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, want, reloaded.Related(models.RelContacts))
}

func TestUpdateScopeViolation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	e := &models.Entity{WorkspaceID: "ws-1", Type: models.TypeDeal}
	require.NoError(t, store.Create(ctx, e))

	_, err := store.Update(ctx, models.Scope{WorkspaceID: "ws-2"}, e.ID, models.Patch{
		Attributes: map[string]any{models.AttrTitle: "hijack"},
	})
	assert.ErrorIs(t, err, ErrScopeViolation)

	_, err = store.Update(ctx, models.Scope{WorkspaceID: "ws-1"}, "nope", models.Patch{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	scope := models.Scope{WorkspaceID: "ws-1", UserID: "alice"}
	id := models.EmailID(scope, models.SourceGmail, "msg-1")

	build := func() *models.Entity {
		return &models.Entity{
			ID:          id,
			WorkspaceID: scope.WorkspaceID,
			UserID:      scope.UserID,
			Type:        models.TypeEmail,
			Attributes: map[string]any{
				models.AttrSubject: "Hello",
				models.AttrIsRead:  false,
			},
			Metadata: map[string]any{models.MetaSource: models.SourceGmail},
		}
	}

	first, created, err := store.Upsert(ctx, build())
	require.NoError(t, err)
	assert.True(t, created)

	// Enrichment marks the record between passes.
	_, err = store.Update(ctx, scope, id, models.Patch{Metadata: map[string]any{models.MetaProcessedByCRM: true}})
	require.NoError(t, err)

	second, created, err := store.Upsert(ctx, build())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Hello", second.String(models.AttrSubject))
	assert.True(t, second.Processed(), "upsert must not clear metadata it does not set")

	all, err := store.Find(ctx, models.Criteria{Scope: scope, Type: models.TypeEmail})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestUpsertRejectsForeignScope(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	e := &models.Entity{ID: "shared-id", WorkspaceID: "ws-1", UserID: "alice", Type: models.TypeEmail}
	_, _, err := store.Upsert(ctx, e)
	require.NoError(t, err)

	foreign := &models.Entity{ID: "shared-id", WorkspaceID: "ws-1", UserID: "bob", Type: models.TypeEmail}
	_, _, err = store.Upsert(ctx, foreign)
	assert.ErrorIs(t, err, ErrScopeViolation)
}

func TestFindScopeIsolation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mk := func(ws, user, subject string) {
		require.NoError(t, store.Create(ctx, &models.Entity{
			WorkspaceID: ws,
			UserID:      user,
			Type:        models.TypeEmail,
			Attributes:  map[string]any{models.AttrSubject: subject},
		}))
	}
	mk("ws-1", "alice", "alice mail")
	mk("ws-1", "bob", "bob mail")
	mk("ws-1", "", "shared note")
	mk("ws-2", "alice", "other tenant")

	alice, err := store.Find(ctx, models.Criteria{Scope: models.Scope{WorkspaceID: "ws-1", UserID: "alice"}})
	require.NoError(t, err)
	subjects := make([]string, 0, len(alice))
	for _, e := range alice {
		assert.Equal(t, "ws-1", e.WorkspaceID)
		assert.NotEqual(t, "bob", e.UserID)
		subjects = append(subjects, e.String(models.AttrSubject))
	}
	assert.ElementsMatch(t, []string{"alice mail", "shared note"}, subjects)

	workspace, err := store.Find(ctx, models.Criteria{Scope: models.Scope{WorkspaceID: "ws-1"}})
	require.NoError(t, err)
	assert.Len(t, workspace, 3)

	_, err = store.Find(ctx, models.Criteria{})
	assert.ErrorIs(t, err, models.ErrMissingWorkspace)
}

func TestFindCriteria(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	scope := models.Scope{WorkspaceID: "ws-1"}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	store.SetClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	})

	company := &models.Entity{WorkspaceID: "ws-1", Type: models.TypeCompany, Attributes: map[string]any{models.AttrDomain: "acme.com"}}
	require.NoError(t, store.Create(ctx, company))

	for i, stage := range []string{models.StageProposal, models.StageClosedWon} {
		deal := &models.Entity{
			WorkspaceID:   "ws-1",
			Type:          models.TypeDeal,
			Attributes:    map[string]any{models.AttrStage: stage, models.AttrTitle: []string{"a", "b"}[i]},
			Relationships: map[string][]string{models.RelCompany: {company.ID}},
		}
		require.NoError(t, store.Create(ctx, deal))
	}

	processed := &models.Entity{
		WorkspaceID: "ws-1",
		Type:        models.TypeEmail,
		Attributes:  map[string]any{"from": map[string]any{"email": "jane@acme.com"}, models.AttrIsSent: false},
		Metadata:    map[string]any{models.MetaProcessedByCRM: true},
	}
	fresh := &models.Entity{
		WorkspaceID: "ws-1",
		Type:        models.TypeEmail,
		Attributes:  map[string]any{"from": map[string]any{"email": "joe@acme.com"}, models.AttrIsSent: true},
	}
	require.NoError(t, store.Create(ctx, processed))
	require.NoError(t, store.Create(ctx, fresh))

	t.Run("relationship", func(t *testing.T) {
		deals, err := store.Find(ctx, models.Criteria{
			Scope:     scope,
			Type:      models.TypeDeal,
			RelatedTo: &models.Relation{Name: models.RelCompany, ID: company.ID},
		})
		require.NoError(t, err)
		assert.Len(t, deals, 2)
	})

	t.Run("attribute equals", func(t *testing.T) {
		deals, err := store.Find(ctx, models.Criteria{
			Scope:           scope,
			Type:            models.TypeDeal,
			AttributeEquals: map[string]any{models.AttrStage: models.StageProposal},
		})
		require.NoError(t, err)
		require.Len(t, deals, 1)
		assert.Equal(t, "a", deals[0].String(models.AttrTitle))
	})

	t.Run("nested attribute and bool", func(t *testing.T) {
		emails, err := store.Find(ctx, models.Criteria{
			Scope:           scope,
			AttributeEquals: map[string]any{"from.email": "joe@acme.com", models.AttrIsSent: true},
		})
		require.NoError(t, err)
		require.Len(t, emails, 1)
		assert.Equal(t, fresh.ID, emails[0].ID)
	})

	t.Run("metadata missing", func(t *testing.T) {
		emails, err := store.Find(ctx, models.Criteria{
			Scope:           scope,
			Type:            models.TypeEmail,
			MetadataMissing: []string{models.MetaProcessedByCRM},
		})
		require.NoError(t, err)
		require.Len(t, emails, 1)
		assert.Equal(t, fresh.ID, emails[0].ID)
	})

	t.Run("ordering and limit", func(t *testing.T) {
		asc, err := store.Find(ctx, models.Criteria{Scope: scope, Order: models.OrderCreatedAsc, Limit: 2})
		require.NoError(t, err)
		require.Len(t, asc, 2)
		assert.Equal(t, company.ID, asc[0].ID)

		desc, err := store.Find(ctx, models.Criteria{Scope: scope, Limit: 1})
		require.NoError(t, err)
		require.Len(t, desc, 1)
		assert.Equal(t, fresh.ID, desc[0].ID)
	})

	t.Run("bad key", func(t *testing.T) {
		_, err := store.Find(ctx, models.Criteria{Scope: scope, AttributeEquals: map[string]any{`a"b`: "x"}})
		assert.ErrorIs(t, err, ErrInvalidQuery)
	})
}

func TestListScopesAndWorkspaces(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, s := range []models.Scope{{WorkspaceID: "ws-1", UserID: "alice"}, {WorkspaceID: "ws-2", UserID: "bob"}} {
		require.NoError(t, store.Create(ctx, &models.Entity{
			ID:          models.AccountID(s, models.TypeEmailAccount),
			WorkspaceID: s.WorkspaceID,
			UserID:      s.UserID,
			Type:        models.TypeEmailAccount,
		}))
	}
	require.NoError(t, store.Create(ctx, &models.Entity{WorkspaceID: "ws-3", Type: models.TypeCompany}))

	scopes, err := store.ListScopes(ctx, models.TypeEmailAccount)
	require.NoError(t, err)
	assert.Equal(t, []models.Scope{{WorkspaceID: "ws-1", UserID: "alice"}, {WorkspaceID: "ws-2", UserID: "bob"}}, scopes)

	workspaces, err := store.ListWorkspaces(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ws-1", "ws-2", "ws-3"}, workspaces)
}

func TestSearch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	email := &models.Entity{
		WorkspaceID: "ws-1",
		UserID:      "alice",
		Type:        models.TypeEmail,
		Attributes: map[string]any{
			models.AttrSubject: "Pricing proposal for Q4",
			models.AttrBody:    "Let's talk budget",
		},
	}
	require.NoError(t, store.Create(ctx, email))
	require.NoError(t, store.Create(ctx, &models.Entity{
		WorkspaceID: "ws-1",
		UserID:      "bob",
		Type:        models.TypeEmail,
		Attributes:  map[string]any{models.AttrSubject: "Pricing for bob"},
	}))

	results, err := store.Search(ctx, models.Scope{WorkspaceID: "ws-1", UserID: "alice"}, "PRICING budget", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, email.ID, results[0].ID)

	// Index follows updates.
	_, err = store.Update(ctx, email.Scope(), email.ID, models.Patch{Attributes: map[string]any{models.AttrSubject: "Renewal"}})
	require.NoError(t, err)
	results, err = store.Search(ctx, models.Scope{WorkspaceID: "ws-1", UserID: "alice"}, "renewal", 10)
	require.NoError(t, err)
	assert.Len(t, results, 1)

	results, err = store.Search(ctx, models.Scope{WorkspaceID: "ws-1"}, "   ", 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchText(t *testing.T) {
	e := &models.Entity{
		Type: models.TypeContact,
		Attributes: map[string]any{
			models.AttrFullName: "Jane Doe",
			models.AttrEmail:    "Jane@Acme.com",
		},
	}
	assert.Equal(t, "jane doe jane@acme.com", SearchText(e))
}
