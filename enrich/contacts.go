// ABOUTME: Contact and company auto-creation from email senders, recipients, and event attendees
// ABOUTME: Natural-key lookups come first; creation uses deterministic ids so concurrent sweeps converge
package enrich

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/rs/zerolog"

	"github.com/harperreed/crmsync/db"
	"github.com/harperreed/crmsync/models"
	"github.com/harperreed/crmsync/sync"
)

// AutoCreator creates contacts and companies as soon as a message or event is
// ingested. It only ensures the records exist; interaction counts and scores
// are left to the sweep so they are applied once.
type AutoCreator struct {
	engine *Engine
}

var _ sync.InsertHook = (*AutoCreator)(nil)

// NewAutoCreator returns an insert hook backed by engine.
func NewAutoCreator(engine *Engine) *AutoCreator {
	return &AutoCreator{engine: engine}
}

// OnInsert resolves the entity's counterparts into contacts.
func (a *AutoCreator) OnInsert(ctx context.Context, e *models.Entity) error {
	_, err := a.engine.resolveParticipants(ctx, newMatcher(), e, nil)
	return err
}

type participant struct {
	name  string
	email string
}

// participants returns the people on the other side of an interaction. For
// sent mail that is the recipients; for received mail the sender.
func participants(e *models.Entity) []participant {
	var raw []any
	switch e.Type {
	case models.TypeEmail:
		if e.Bool(models.AttrIsSent) {
			to, _ := e.Attributes[models.AttrTo].([]any)
			cc, _ := e.Attributes[models.AttrCc].([]any)
			raw = append(append(raw, to...), cc...)
		} else {
			raw = []any{e.Attributes[models.AttrFrom]}
		}
	case models.TypeCalendarEvent:
		raw, _ = e.Attributes[models.AttrAttendees].([]any)
		if organizer, ok := e.Attributes[models.AttrOrganizer]; ok {
			raw = append(raw, organizer)
		}
	}

	seen := make(map[string]bool, len(raw))
	out := make([]participant, 0, len(raw))
	for _, item := range raw {
		addr, ok := item.(map[string]any)
		if !ok {
			continue
		}
		email, _ := addr["email"].(string)
		email = models.NormalizeEmail(email)
		if email == "" || extractDomain(email) == "" || seen[email] {
			continue
		}
		seen[email] = true
		name, _ := addr["name"].(string)
		out = append(out, participant{name: name, email: email})
	}
	return out
}

// ownerEmails returns the addresses of the scope's own connected accounts.
func (e *Engine) ownerEmails(ctx context.Context, m *matcher, scope models.Scope) (map[string]bool, error) {
	if owners, ok := m.owners[scope]; ok {
		return owners, nil
	}
	owners := make(map[string]bool)
	if scope.UserID != "" {
		for _, t := range []models.EntityType{models.TypeEmailAccount, models.TypeCalendarAccount} {
			accounts, err := e.store.Find(ctx, models.Criteria{Scope: scope, Type: t, Limit: 10})
			if err != nil {
				return nil, err
			}
			for _, a := range accounts {
				if email := a.String(models.AttrEmail); email != "" {
					owners[models.NormalizeEmail(email)] = true
				}
			}
		}
	}
	m.owners[scope] = owners
	return owners, nil
}

// resolveParticipants finds or creates a contact for every counterpart of
// entity. Contacts that could not be resolved are reported in the joined error.
func (e *Engine) resolveParticipants(ctx context.Context, m *matcher, entity *models.Entity, result *SweepResult) ([]*models.Entity, error) {
	people := participants(entity)
	if len(people) == 0 {
		return nil, nil
	}

	scope := entity.Scope()
	owners, err := e.ownerEmails(ctx, m, scope)
	if err != nil {
		return nil, err
	}

	var (
		contacts []*models.Entity
		errs     []error
	)
	for _, p := range people {
		if owners[p.email] {
			continue
		}
		contact, err := e.ensureContact(ctx, m, scope, p, entity.ID, result)
		if err != nil {
			errs = append(errs, fmt.Errorf("contact %s: %w", p.email, err))
			continue
		}
		contacts = append(contacts, contact)
	}
	return contacts, errors.Join(errs...)
}

func (e *Engine) ensureContact(ctx context.Context, m *matcher, scope models.Scope, p participant, sourceID string, result *SweepResult) (*models.Entity, error) {
	if contact, ok := m.findContact(scope, p.email); ok {
		return contact, nil
	}

	existing, err := e.store.Find(ctx, models.Criteria{
		Scope:           scope,
		Type:            models.TypeContact,
		AttributeEquals: map[string]any{models.AttrEmail: p.email},
		Limit:           1,
	})
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		m.addContact(scope, existing[0])
		return existing[0], nil
	}

	var company *models.Entity
	if domain := extractDomain(p.email); domain != "" && !isCommonEmailDomain(domain) {
		company, err = e.ensureCompany(ctx, m, scope.WorkspaceID, domain, result)
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("domain", domain).Msg("company derivation failed")
		}
	}

	first, last, full := personName(p.name, p.email)
	contact := &models.Entity{
		ID:          models.ContactID(scope, p.email),
		WorkspaceID: scope.WorkspaceID,
		UserID:      scope.UserID,
		Type:        models.TypeContact,
		Attributes: map[string]any{
			models.AttrEmail:            p.email,
			models.AttrFirstName:        first,
			models.AttrLastName:         last,
			models.AttrFullName:         full,
			models.AttrSentimentScore:   neutralSentiment,
			models.AttrInteractionCount: 0,
		},
		Metadata: map[string]any{
			models.MetaSource:      models.SourceEnrichment,
			models.MetaAutoCreated: true,
			models.MetaCreatedFrom: sourceID,
		},
	}
	if company != nil {
		contact.Relationships = map[string][]string{models.RelCompany: {company.ID}}
	}

	created := true
	if err := e.store.Create(ctx, contact); err != nil {
		if !errors.Is(err, db.ErrAlreadyExists) {
			return nil, err
		}
		created = false
		if contact, err = e.store.FindByID(ctx, scope, contact.ID); err != nil {
			return nil, err
		}
	}
	m.addContact(scope, contact)

	if created {
		if result != nil {
			result.ContactsCreated++
		}
		zerolog.Ctx(ctx).Debug().Str("contact_id", contact.ID).Str("email", p.email).Msg("created contact")
		if company != nil {
			if err := e.linkContact(ctx, m, company, contact.ID); err != nil {
				zerolog.Ctx(ctx).Warn().Err(err).Str("company_id", company.ID).Msg("failed to link contact to company")
			}
		}
	}
	return contact, nil
}

func (e *Engine) linkContact(ctx context.Context, m *matcher, company *models.Entity, contactID string) error {
	if slices.Contains(company.Related(models.RelContacts), contactID) {
		return nil
	}
	// Link merges against the stored row, so concurrent links are kept.
	updated, err := e.store.Update(ctx, company.Scope(), company.ID, models.Patch{
		Link: map[string][]string{models.RelContacts: {contactID}},
	})
	if err != nil {
		return err
	}
	m.addCompany(updated)
	return nil
}

func (e *Engine) ensureCompany(ctx context.Context, m *matcher, workspaceID, domain string, result *SweepResult) (*models.Entity, error) {
	if company, ok := m.findCompany(workspaceID, domain); ok {
		return company, nil
	}
	scope := models.Scope{WorkspaceID: workspaceID}

	existing, err := e.store.Find(ctx, models.Criteria{
		Scope:           scope,
		Type:            models.TypeCompany,
		AttributeEquals: map[string]any{models.AttrDomain: domain},
		Limit:           1,
	})
	if err != nil {
		return nil, err
	}

	var company *models.Entity
	if len(existing) > 0 {
		company = existing[0]
	} else {
		company = &models.Entity{
			ID:          models.CompanyID(workspaceID, domain),
			WorkspaceID: workspaceID,
			Type:        models.TypeCompany,
			Attributes: map[string]any{
				models.AttrName:   companyNameFromDomain(domain),
				models.AttrDomain: domain,
			},
			Metadata: map[string]any{
				models.MetaSource:      models.SourceEnrichment,
				models.MetaAutoCreated: true,
			},
		}
		if err := e.store.Create(ctx, company); err != nil {
			if !errors.Is(err, db.ErrAlreadyExists) {
				return nil, err
			}
			if company, err = e.store.FindByID(ctx, scope, company.ID); err != nil {
				return nil, err
			}
		} else {
			if result != nil {
				result.CompaniesCreated++
			}
			zerolog.Ctx(ctx).Debug().Str("company_id", company.ID).Str("domain", domain).Msg("created company")
		}
	}

	if company.MetaString(models.MetaEnrichedAt) == "" {
		if enriched, err := e.enrichCompany(ctx, company); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("company_id", company.ID).Msg("company enrichment failed")
		} else {
			company = enriched
		}
	}

	m.addCompany(company)
	return company, nil
}

// enrichCompany fills industry and size where they are missing.
func (e *Engine) enrichCompany(ctx context.Context, company *models.Entity) (*models.Entity, error) {
	profile, ok := e.companies.Enrich(company.String(models.AttrDomain))
	if !ok {
		return company, nil
	}

	attrs := map[string]any{}
	if company.String(models.AttrIndustry) == "" && profile.Industry != "" {
		attrs[models.AttrIndustry] = profile.Industry
	}
	if _, has := company.Float(models.AttrEmployeeCount); !has && profile.EmployeeCount > 0 {
		attrs[models.AttrEmployeeCount] = profile.EmployeeCount
	}

	return e.store.Update(ctx, company.Scope(), company.ID, models.Patch{
		Attributes: attrs,
		Metadata: map[string]any{
			models.MetaEnrichedAt:       models.FormatTime(e.now()),
			models.MetaEnrichmentSource: profile.Source,
		},
	})
}

// recordInteraction bumps each contact's interaction count and recency, and
// nudges its sentiment by the entity's text.
func (e *Engine) recordInteraction(ctx context.Context, m *matcher, entity *models.Entity, contacts []*models.Entity) error {
	now := e.now()
	when, hasWhen := interactionTime(entity)
	if hasWhen && when.After(now) {
		hasWhen = false
	}

	delta := 0
	if entity.Type == models.TypeEmail {
		delta = e.sentiment.Score(entityText(entity)) * e.sentimentStep
	}

	var errs []error
	for _, contact := range contacts {
		count, _ := contact.Float(models.AttrInteractionCount)
		attrs := map[string]any{
			models.AttrInteractionCount: int(count) + 1,
		}
		if hasWhen {
			if last, ok := contact.Time(models.AttrLastContactedAt); !ok || when.After(last) {
				attrs[models.AttrLastContactedAt] = models.FormatTime(when)
			}
		}
		if delta != 0 {
			current, ok := contact.Float(models.AttrSentimentScore)
			if !ok {
				current = neutralSentiment
			}
			attrs[models.AttrSentimentScore] = clampScore(int(current) + delta)
		}

		updated, err := e.store.Update(ctx, contact.Scope(), contact.ID, models.Patch{Attributes: attrs})
		if err != nil {
			errs = append(errs, fmt.Errorf("contact %s: %w", contact.ID, err))
			continue
		}
		m.addContact(contact.Scope(), updated)
	}
	return errors.Join(errs...)
}

// detectIntent returns the matched keywords unless one of the contacts'
// companies already has an open deal.
func (e *Engine) detectIntent(ctx context.Context, entity *models.Entity, contacts []*models.Entity) ([]string, error) {
	keywords := e.intent.Detect(entityText(entity))
	if len(keywords) == 0 {
		return nil, nil
	}

	scope := models.Scope{WorkspaceID: entity.WorkspaceID}
	checked := make(map[string]bool)
	for _, contact := range contacts {
		for _, companyID := range contact.Related(models.RelCompany) {
			if checked[companyID] {
				continue
			}
			checked[companyID] = true
			open, err := e.hasOpenDeal(ctx, scope, companyID)
			if err != nil {
				return nil, err
			}
			if open {
				return nil, nil
			}
		}
	}
	return keywords, nil
}

func (e *Engine) hasOpenDeal(ctx context.Context, scope models.Scope, companyID string) (bool, error) {
	deals, err := e.store.Find(ctx, models.Criteria{
		Scope:     scope,
		Type:      models.TypeDeal,
		RelatedTo: &models.Relation{Name: models.RelCompany, ID: companyID},
	})
	if err != nil {
		return false, err
	}
	for _, deal := range deals {
		if !models.IsClosedStage(deal.String(models.AttrStage)) {
			return true, nil
		}
	}
	return false, nil
}

func clampScore(score int) int {
	return max(0, min(100, score))
}
