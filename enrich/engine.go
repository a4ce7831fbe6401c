// ABOUTME: Enrichment Engine: sweeps unprocessed emails and events into contacts, companies, and signals
// ABOUTME: Each entity is processed once and marked processedByCRM even when a derivation step fails
package enrich

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/harperreed/crmsync/db"
	"github.com/harperreed/crmsync/models"
)

const (
	defaultBatchSize       = 100
	defaultSentimentStep   = 2
	defaultHealthThreshold = 40
	neutralSentiment       = 50
)

// sweepTypes are the ingested entity types the sweep derives from.
var sweepTypes = []models.EntityType{models.TypeEmail, models.TypeCalendarEvent}

// Engine derives relationship records from ingested entities.
type Engine struct {
	store           *db.Store
	sentiment       SentimentScorer
	intent          IntentDetector
	companies       CompanyEnricher
	batchSize       int
	sentimentStep   int
	healthThreshold int
	now             func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithBatchSize bounds how many entities of each type one workspace sweep processes.
func WithBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithSentimentStep sets how far one sentiment hit moves a contact's score.
func WithSentimentStep(step int) Option {
	return func(e *Engine) {
		if step > 0 {
			e.sentimentStep = step
		}
	}
}

// WithHealthThreshold sets the score below which a company is flagged at risk.
func WithHealthThreshold(threshold int) Option {
	return func(e *Engine) { e.healthThreshold = threshold }
}

// WithSentimentScorer replaces the keyword sentiment scorer.
func WithSentimentScorer(s SentimentScorer) Option {
	return func(e *Engine) { e.sentiment = s }
}

// WithIntentDetector replaces the keyword deal-intent detector.
func WithIntentDetector(d IntentDetector) Option {
	return func(e *Engine) { e.intent = d }
}

// WithCompanyEnricher replaces the domain heuristics.
func WithCompanyEnricher(c CompanyEnricher) Option {
	return func(e *Engine) { e.companies = c }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an enrichment engine over store.
func NewEngine(store *db.Store, opts ...Option) *Engine {
	e := &Engine{
		store:           store,
		sentiment:       DefaultSentiment,
		intent:          DefaultIntent,
		companies:       DomainHeuristics{},
		batchSize:       defaultBatchSize,
		sentimentStep:   defaultSentimentStep,
		healthThreshold: defaultHealthThreshold,
		now:             func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	RunID            string `json:"runId"`
	Workspaces       int    `json:"workspaces"`
	Processed        int    `json:"processed"`
	Failed           int    `json:"failed"`
	ContactsCreated  int    `json:"contactsCreated"`
	CompaniesCreated int    `json:"companiesCreated"`
	IntentsDetected  int    `json:"intentsDetected"`
}

func (r *SweepResult) add(other *SweepResult) {
	r.Workspaces += other.Workspaces
	r.Processed += other.Processed
	r.Failed += other.Failed
	r.ContactsCreated += other.ContactsCreated
	r.CompaniesCreated += other.CompaniesCreated
	r.IntentsDetected += other.IntentsDetected
}

// Sweep processes one batch of unprocessed entities in every workspace. A
// failing workspace is logged and does not stop the others.
func (e *Engine) Sweep(ctx context.Context) (*SweepResult, error) {
	total := &SweepResult{RunID: ulid.Make().String()}
	ctx = zerolog.Ctx(ctx).With().Str("run_id", total.RunID).Logger().WithContext(ctx)

	workspaces, err := e.store.ListWorkspaces(ctx)
	if err != nil {
		return total, err
	}

	for _, ws := range workspaces {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		result, err := e.SweepWorkspace(ctx, ws)
		if result != nil {
			total.add(result)
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return total, err
			}
			zerolog.Ctx(ctx).Error().Err(err).Str("workspace_id", ws).Msg("enrichment sweep failed for workspace")
		}
	}
	return total, nil
}

// SweepWorkspace processes one batch of unprocessed emails and calendar
// events in workspaceID.
func (e *Engine) SweepWorkspace(ctx context.Context, workspaceID string) (*SweepResult, error) {
	result := &SweepResult{RunID: ulid.Make().String(), Workspaces: 1}
	scope := models.Scope{WorkspaceID: workspaceID}
	if err := scope.Validate(); err != nil {
		return result, err
	}
	logger := zerolog.Ctx(ctx).With().Str("workspace_id", workspaceID).Logger()
	ctx = logger.WithContext(ctx)

	m := newMatcher()
	for _, t := range sweepTypes {
		pending, err := e.store.Find(ctx, models.Criteria{
			Scope:           scope,
			Type:            t,
			MetadataMissing: []string{models.MetaProcessedByCRM},
			Order:           models.OrderCreatedAsc,
			Limit:           e.batchSize,
		})
		if err != nil {
			return result, fmt.Errorf("failed to load unprocessed %s entities: %w", t, err)
		}

		for _, entity := range pending {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			if err := e.process(ctx, m, entity, result); err != nil {
				result.Failed++
				logger.Warn().Err(err).
					Str("entity_id", entity.ID).
					Str("user_id", entity.UserID).
					Str("type", string(entity.Type)).
					Msg("failed to mark entity processed")
				continue
			}
			result.Processed++
		}
	}

	logger.Info().
		Int("processed", result.Processed).
		Int("failed", result.Failed).
		Int("contacts_created", result.ContactsCreated).
		Int("companies_created", result.CompaniesCreated).
		Int("intents_detected", result.IntentsDetected).
		Msg("enrichment sweep finished")
	return result, nil
}

// process runs every derivation for entity and then marks it processed. Only
// a failure to write the processed marker is returned.
func (e *Engine) process(ctx context.Context, m *matcher, entity *models.Entity, result *SweepResult) error {
	logger := zerolog.Ctx(ctx).With().Str("entity_id", entity.ID).Str("user_id", entity.UserID).Logger()
	marker := map[string]any{
		models.MetaProcessedByCRM: true,
		models.MetaProcessedAt:    models.FormatTime(e.now()),
	}

	contacts, err := e.resolveParticipants(ctx, m, entity, result)
	if err != nil {
		logger.Warn().Err(err).Msg("contact derivation failed")
	}

	if len(contacts) > 0 && !isStoreFatal(err) {
		if err := e.recordInteraction(ctx, m, entity, contacts); err != nil {
			logger.Warn().Err(err).Msg("interaction update failed")
		}
	}

	if !isStoreFatal(err) {
		keywords, intentErr := e.detectIntent(ctx, entity, contacts)
		if intentErr != nil {
			logger.Warn().Err(intentErr).Msg("deal intent detection failed")
		}
		if len(keywords) > 0 {
			marker[models.MetaDealIntentDetected] = true
			marker[models.MetaDealIntentKeywords] = stringValues(keywords)
			result.IntentsDetected++
		}
	}

	_, err = e.store.Update(ctx, entity.Scope(), entity.ID, models.Patch{Metadata: marker})
	return err
}

// isStoreFatal reports whether err means the entity itself can no longer be
// worked on in this scope.
func isStoreFatal(err error) bool {
	return errors.Is(err, db.ErrNotFound) || errors.Is(err, db.ErrScopeViolation)
}

// entityText is the text scanned for sentiment and intent.
func entityText(entity *models.Entity) string {
	switch entity.Type {
	case models.TypeEmail:
		return entity.String(models.AttrSubject) + "\n" + entity.String(models.AttrBody)
	case models.TypeCalendarEvent:
		return entity.String(models.AttrTitle) + "\n" + entity.String(models.AttrDescription)
	default:
		return ""
	}
}

// interactionTime is when the interaction happened, if known.
func interactionTime(entity *models.Entity) (time.Time, bool) {
	switch entity.Type {
	case models.TypeEmail:
		return entity.Time(models.AttrDate)
	case models.TypeCalendarEvent:
		return entity.Time(models.AttrStart)
	default:
		return time.Time{}, false
	}
}

func stringValues(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

// Run sweeps every workspace and then rescores company health.
func (e *Engine) Run(ctx context.Context) (*SweepResult, *HealthResult, error) {
	sweep, err := e.Sweep(ctx)
	if err != nil {
		return sweep, nil, err
	}
	health, err := e.ScoreAllHealth(ctx)
	return sweep, health, err
}
