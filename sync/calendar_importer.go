// ABOUTME: Calendar Sync Engine: windowed import, export to the provider, and free/busy
// ABOUTME: Imported events linked to an internal entity by externalId update that entity in place
package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/api/calendar/v3"

	"github.com/harperreed/crmsync/db"
	"github.com/harperreed/crmsync/models"
)

// CalendarSync imports and exports events for connected calendar accounts.
type CalendarSync struct {
	store *db.Store
	creds *CredentialManager
	opts  engineOptions
}

// NewCalendarSync creates the engine. creds must serve the calendar provider.
func NewCalendarSync(store *db.Store, creds *CredentialManager, opts ...Option) *CalendarSync {
	return &CalendarSync{
		store: store,
		creds: creds,
		opts:  newEngineOptions(ServiceCalendar, opts),
	}
}

func (s *CalendarSync) connect(ctx context.Context, scope models.Scope) (CalendarProvider, error) {
	client, err := s.creds.GetValidClient(ctx, scope)
	if err != nil {
		return nil, err
	}
	return s.opts.calendarFactory(ctx, client.HTTP)
}

func (s *CalendarSync) passLogger(ctx context.Context, result *Result) context.Context {
	return zerolog.Ctx(ctx).With().
		Str("run_id", result.RunID).
		Str("workspace_id", result.Scope.WorkspaceID).
		Str("user_id", result.Scope.UserID).
		Str("provider", models.SourceGoogleCalendar).
		Logger().WithContext(ctx)
}

// Import pulls events inside the configured window around now.
func (s *CalendarSync) Import(ctx context.Context, scope models.Scope) (*Result, error) {
	started := s.opts.now()
	result, err := s.importPass(ctx, scope)
	recordRun(ctx, s.store, RunServiceCalendarImport, started, s.opts.now(), result, err)
	return result, err
}

func (s *CalendarSync) importPass(ctx context.Context, scope models.Scope) (*Result, error) {
	result := newResult(scope)
	ctx = s.passLogger(ctx, result)
	logger := zerolog.Ctx(ctx)

	provider, err := s.connect(ctx, scope)
	if err != nil {
		return result, err
	}

	now := s.opts.now()
	from := now.AddDate(0, 0, -s.opts.daysBack)
	to := now.AddDate(0, 0, s.opts.daysForward)

	events, err := retryCall(ctx, s.opts.retry, s.opts.limiter, s.opts.callTimeout, func(ctx context.Context) ([]*calendar.Event, error) {
		return provider.ListEvents(ctx, primaryCalendarID, from, to)
	})
	if err != nil {
		return result, abortPass(ctx, s.creds, scope, err)
	}

	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			logger.Warn().Err(err).Int("synced", result.TotalSynced).Msg("calendar import cancelled")
			return result, err
		}

		externalID := ""
		if ev != nil {
			externalID = ev.Id
		}

		created, err := s.importEvent(ctx, scope, ev)
		if err != nil {
			if isFatalForPass(err) {
				return result, abortPass(ctx, s.creds, scope, err)
			}
			result.Failed++
			logger.Warn().Err(err).Str("external_id", externalID).Msg("failed to import event")
			continue
		}
		result.record(created)
	}

	if err := s.creds.RecordSync(ctx, scope, ""); err != nil {
		return result, err
	}

	logger.Info().
		Int("total_synced", result.TotalSynced).
		Int("created", result.Created).
		Int("updated", result.Updated).
		Int("failed", result.Failed).
		Msg("calendar import finished")

	return result, nil
}

func (s *CalendarSync) importEvent(ctx context.Context, scope models.Scope, ev *calendar.Event) (bool, error) {
	attrs, err := eventAttributes(ev, primaryCalendarID)
	if err != nil {
		return false, err
	}
	syncedAt := models.FormatTime(s.opts.now())

	linked, err := s.store.Find(ctx, models.Criteria{
		Scope:           scope,
		Type:            models.TypeCalendarEvent,
		AttributeEquals: map[string]any{models.AttrExternalID: ev.Id},
		MetadataEquals:  map[string]any{models.MetaSource: models.SourceInternal},
		Limit:           1,
	})
	if err != nil {
		return false, err
	}
	if len(linked) > 0 {
		internal := linked[0]
		updated, err := s.store.Update(ctx, scope, internal.ID, models.Patch{
			Attributes: attrs,
			Metadata:   map[string]any{models.MetaSyncedAt: syncedAt},
		})
		if err != nil {
			return false, err
		}
		// The external copy now matches; keep SyncToExternal from echoing it back.
		_, err = s.store.Update(ctx, scope, internal.ID, models.Patch{
			Metadata: map[string]any{models.MetaExportHash: exportFingerprint(updated)},
		})
		return false, err
	}

	event := &models.Entity{
		ID:          models.EventID(scope, models.SourceGoogleCalendar, ev.Id),
		WorkspaceID: scope.WorkspaceID,
		UserID:      scope.UserID,
		Type:        models.TypeCalendarEvent,
		Attributes:  attrs,
		Metadata: map[string]any{
			models.MetaSource:   models.SourceGoogleCalendar,
			models.MetaSyncedAt: syncedAt,
		},
	}

	saved, created, err := s.store.Upsert(ctx, event)
	if err != nil {
		return false, fmt.Errorf("failed to save event %s: %w", ev.Id, err)
	}
	if created {
		runInsertHooks(ctx, s.opts.hooks, saved)
	}
	return created, nil
}

// Export pushes one internal event to the provider, creating it on first
// export and updating it afterwards. The returned entity carries the
// external id.
func (s *CalendarSync) Export(ctx context.Context, scope models.Scope, entityID string) (*models.Entity, error) {
	event, err := s.loadEvent(ctx, scope, entityID)
	if err != nil {
		return nil, err
	}

	provider, err := s.connect(ctx, scope)
	if err != nil {
		return nil, err
	}

	exported, err := s.exportEvent(ctx, scope, provider, event)
	if err != nil {
		return nil, abortPass(ctx, s.creds, scope, err)
	}
	return exported, nil
}

func (s *CalendarSync) exportEvent(ctx context.Context, scope models.Scope, provider CalendarProvider, event *models.Entity) (*models.Entity, error) {
	payload, err := eventFromEntity(event)
	if err != nil {
		return nil, err
	}

	if err := s.opts.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.opts.callTimeout)
	defer cancel()

	externalID := event.String(models.AttrExternalID)
	var remote *calendar.Event
	if externalID != "" {
		remote, err = provider.UpdateEvent(callCtx, primaryCalendarID, externalID, payload)
		if IsNotFound(err) {
			zerolog.Ctx(ctx).Info().Str("entity_id", event.ID).Str("external_id", externalID).Msg("exported event missing upstream, recreating")
			remote, err = provider.InsertEvent(callCtx, primaryCalendarID, payload)
		}
	} else {
		remote, err = provider.InsertEvent(callCtx, primaryCalendarID, payload)
	}
	if err != nil {
		s.opts.limiter.Observe(err)
		return nil, err
	}

	return s.store.Update(ctx, scope, event.ID, models.Patch{
		Attributes: map[string]any{
			models.AttrExternalID: remote.Id,
			models.AttrCalendarID: primaryCalendarID,
			models.AttrHTMLLink:   remote.HtmlLink,
		},
		Metadata: map[string]any{
			models.MetaExportedAt: models.FormatTime(s.opts.now()),
			models.MetaExportHash: exportFingerprint(event),
		},
	})
}

// SyncToExternal exports every internal event of scope's user that was never
// exported or changed since its last export.
func (s *CalendarSync) SyncToExternal(ctx context.Context, scope models.Scope) (*Result, error) {
	started := s.opts.now()
	result, err := s.exportPass(ctx, scope)
	recordRun(ctx, s.store, RunServiceCalendarExport, started, s.opts.now(), result, err)
	return result, err
}

func (s *CalendarSync) exportPass(ctx context.Context, scope models.Scope) (*Result, error) {
	result := newResult(scope)
	ctx = s.passLogger(ctx, result)
	logger := zerolog.Ctx(ctx)

	pending, err := s.pendingExports(ctx, scope)
	if err != nil {
		return result, err
	}
	if len(pending) == 0 {
		return result, nil
	}

	provider, err := s.connect(ctx, scope)
	if err != nil {
		return result, err
	}

	for _, event := range pending {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		firstExport := event.String(models.AttrExternalID) == ""
		if _, err := s.exportEvent(ctx, scope, provider, event); err != nil {
			if isFatalForPass(err) || IsUnauthorized(err) {
				return result, abortPass(ctx, s.creds, scope, err)
			}
			result.Failed++
			logger.Warn().Err(err).Str("entity_id", event.ID).Msg("failed to export event")
			continue
		}
		result.record(firstExport)
	}

	logger.Info().Int("exported", result.TotalSynced).Int("failed", result.Failed).Msg("calendar export finished")
	return result, nil
}

func (s *CalendarSync) pendingExports(ctx context.Context, scope models.Scope) ([]*models.Entity, error) {
	internal, err := s.store.Find(ctx, models.Criteria{
		Scope:          scope,
		Type:           models.TypeCalendarEvent,
		MetadataEquals: map[string]any{models.MetaSource: models.SourceInternal},
		Order:          models.OrderCreatedAsc,
		Limit:          maxEventResults,
	})
	if err != nil {
		return nil, err
	}

	pending := make([]*models.Entity, 0, len(internal))
	for _, e := range internal {
		if e.UserID != scope.UserID {
			continue
		}
		if e.String(models.AttrExternalID) == "" || e.MetaString(models.MetaExportHash) != exportFingerprint(e) {
			pending = append(pending, e)
		}
	}
	return pending, nil
}

// Unexport deletes the external copy of an event and unlinks it.
func (s *CalendarSync) Unexport(ctx context.Context, scope models.Scope, entityID string) error {
	event, err := s.loadEvent(ctx, scope, entityID)
	if err != nil {
		return err
	}
	externalID := event.String(models.AttrExternalID)
	if externalID == "" {
		return ErrNotExported
	}

	provider, err := s.connect(ctx, scope)
	if err != nil {
		return err
	}

	if err := s.opts.limiter.Wait(ctx); err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, s.opts.callTimeout)
	err = provider.DeleteEvent(callCtx, primaryCalendarID, externalID)
	cancel()
	if err != nil && !IsNotFound(err) {
		return abortPass(ctx, s.creds, scope, err)
	}

	_, err = s.store.Update(ctx, scope, event.ID, models.Patch{
		Attributes: map[string]any{
			models.AttrExternalID: nil,
			models.AttrHTMLLink:   nil,
		},
		Metadata: map[string]any{
			models.MetaExportedAt: nil,
			models.MetaExportHash: nil,
		},
	})
	return err
}

// FreeBusy returns busy intervals per participant for [from, to).
func (s *CalendarSync) FreeBusy(ctx context.Context, scope models.Scope, participants []string, from, to time.Time) (map[string][]Interval, error) {
	if len(participants) == 0 {
		return map[string][]Interval{}, nil
	}
	if !to.After(from) {
		return nil, fmt.Errorf("invalid free/busy range: %s to %s", from, to)
	}

	provider, err := s.connect(ctx, scope)
	if err != nil {
		return nil, err
	}

	busy, err := retryCall(ctx, s.opts.retry, s.opts.limiter, s.opts.callTimeout, func(ctx context.Context) (map[string][]Interval, error) {
		return provider.FreeBusy(ctx, participants, from, to)
	})
	if err != nil {
		return nil, abortPass(ctx, s.creds, scope, err)
	}
	return busy, nil
}

// SyncAll imports then exports for every connected calendar account.
func (s *CalendarSync) SyncAll(ctx context.Context) ([]AccountResult, error) {
	scopes, err := s.creds.ConnectedScopes(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]AccountResult, 0, len(scopes))
	for _, scope := range scopes {
		if ctx.Err() != nil {
			break
		}
		r, err := s.Import(ctx, scope)
		if err == nil {
			if _, exportErr := s.SyncToExternal(ctx, scope); exportErr != nil {
				zerolog.Ctx(ctx).Warn().Err(exportErr).Str("workspace_id", scope.WorkspaceID).Str("user_id", scope.UserID).Msg("calendar export failed")
			}
		}
		results = append(results, accountResult(scope, r, err))
	}
	return results, ctx.Err()
}

func (s *CalendarSync) loadEvent(ctx context.Context, scope models.Scope, entityID string) (*models.Entity, error) {
	event, err := s.store.FindByID(ctx, scope, entityID)
	if err != nil {
		return nil, err
	}
	if event.Type != models.TypeCalendarEvent {
		return nil, fmt.Errorf("%w: %s is a %s, not a calendar event", db.ErrInvalidEntity, entityID, event.Type)
	}
	if event.UserID != "" && event.UserID != scope.UserID {
		return nil, db.ErrScopeViolation
	}
	return event, nil
}
