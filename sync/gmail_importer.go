// ABOUTME: Mailbox Sync Engine: pulls recent Gmail messages into email entities
// ABOUTME: Bounded passes, history-cursor incremental sync, per-message failure isolation
package sync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/harperreed/crmsync/db"
	"github.com/harperreed/crmsync/models"
)

// defaultMailQuery scopes a pass to received and sent mail.
const defaultMailQuery = "in:inbox OR in:sent"

// Result reports the outcome of one sync pass.
type Result struct {
	RunID       string       `json:"runId"`
	Scope       models.Scope `json:"scope"`
	TotalSynced int          `json:"totalSynced"`
	Created     int          `json:"created"`
	Updated     int          `json:"updated"`
	Failed      int          `json:"failed"`
	Incremental bool         `json:"incremental,omitempty"`
}

// AccountResult is one account's outcome in a multi-account run.
type AccountResult struct {
	Scope       models.Scope `json:"scope"`
	Success     bool         `json:"success"`
	TotalSynced int          `json:"totalSynced"`
	Error       string       `json:"error,omitempty"`
}

func newResult(scope models.Scope) *Result {
	return &Result{RunID: ulid.Make().String(), Scope: scope}
}

func (r *Result) record(created bool) {
	r.TotalSynced++
	if created {
		r.Created++
	} else {
		r.Updated++
	}
}

// MailboxSync imports messages for connected mail accounts.
type MailboxSync struct {
	store *db.Store
	creds *CredentialManager
	opts  engineOptions
	query string
}

// NewMailboxSync creates the engine. creds must serve the mail provider.
func NewMailboxSync(store *db.Store, creds *CredentialManager, opts ...Option) *MailboxSync {
	return &MailboxSync{
		store: store,
		creds: creds,
		opts:  newEngineOptions(ServiceGmail, opts),
		query: defaultMailQuery,
	}
}

// Sync runs one bounded pass for scope. Per-message failures are counted and
// skipped; credential and scope failures abort the pass. On cancellation the
// partial result is returned with the context error. Every pass is recorded
// in the run log.
func (s *MailboxSync) Sync(ctx context.Context, scope models.Scope) (*Result, error) {
	started := s.opts.now()
	result, err := s.pass(ctx, scope)
	recordRun(ctx, s.store, RunServiceMail, started, s.opts.now(), result, err)
	return result, err
}

func (s *MailboxSync) pass(ctx context.Context, scope models.Scope) (*Result, error) {
	result := newResult(scope)
	logger := zerolog.Ctx(ctx).With().
		Str("run_id", result.RunID).
		Str("workspace_id", scope.WorkspaceID).
		Str("user_id", scope.UserID).
		Str("provider", models.SourceGmail).
		Logger()
	ctx = logger.WithContext(ctx)

	client, err := s.creds.GetValidClient(ctx, scope)
	if err != nil {
		return result, err
	}

	provider, err := s.opts.mailFactory(ctx, client.HTTP)
	if err != nil {
		return result, err
	}

	profile, err := retryCall(ctx, s.opts.retry, s.opts.limiter, s.opts.callTimeout, provider.Profile)
	if err != nil {
		return result, s.passError(ctx, scope, err)
	}

	batch, err := s.listMessageIDs(ctx, provider, client.Account)
	if err != nil {
		return result, s.passError(ctx, scope, err)
	}
	result.Incremental = batch.incremental

	logger.Debug().Int("candidates", len(batch.ids)).Bool("incremental", batch.incremental).Msg("mailbox pass started")

	for _, id := range batch.ids {
		if err := ctx.Err(); err != nil {
			logger.Warn().Err(err).Int("synced", result.TotalSynced).Msg("mailbox pass cancelled")
			return result, err
		}

		created, err := s.syncMessage(ctx, scope, provider, profile.Email, id)
		if err != nil {
			if isFatalForPass(err) || IsUnauthorized(err) {
				return result, s.passError(ctx, scope, err)
			}
			result.Failed++
			logger.Warn().Err(err).Str("external_id", id).Bool("transient", IsTransient(err)).Msg("failed to sync message")
			continue
		}
		result.record(created)
	}

	next := profile.HistoryID
	if batch.resumeFrom > 0 {
		next = batch.resumeFrom
	}
	cursor := ""
	if next > 0 {
		cursor = strconv.FormatUint(next, 10)
	}
	if err := s.creds.RecordSync(ctx, scope, cursor); err != nil {
		return result, err
	}

	logger.Info().
		Int("total_synced", result.TotalSynced).
		Int("created", result.Created).
		Int("updated", result.Updated).
		Int("failed", result.Failed).
		Msg("mailbox pass finished")

	return result, nil
}

// SyncAll runs a pass for every connected mail account. One account's failure
// never stops the others.
func (s *MailboxSync) SyncAll(ctx context.Context) ([]AccountResult, error) {
	scopes, err := s.creds.ConnectedScopes(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]AccountResult, 0, len(scopes))
	for _, scope := range scopes {
		if ctx.Err() != nil {
			break
		}
		r, err := s.Sync(ctx, scope)
		results = append(results, accountResult(scope, r, err))
	}
	return results, ctx.Err()
}

func accountResult(scope models.Scope, r *Result, err error) AccountResult {
	out := AccountResult{Scope: scope, Success: err == nil}
	if r != nil {
		out.TotalSynced = r.TotalSynced
	}
	if err != nil {
		out.Error = err.Error()
	}
	return out
}

// mailBatch is the set of message ids one pass works through.
type mailBatch struct {
	ids         []string
	incremental bool
	// resumeFrom is the history id the next pass continues from when this
	// batch did not drain the history. Zero means the mailbox head.
	resumeFrom uint64
}

// listMessageIDs resumes from the stored history cursor when there is one,
// falling back to the bounded recent-mail query when it has expired.
func (s *MailboxSync) listMessageIDs(ctx context.Context, provider MailProvider, account *models.Entity) (*mailBatch, error) {
	limit := int64(s.opts.batchSize)

	if cursor, err := strconv.ParseUint(account.MetaString(models.MetaHistoryID), 10, 64); err == nil && cursor > 0 {
		page, err := retryCall(ctx, s.opts.retry, s.opts.limiter, s.opts.callTimeout, func(ctx context.Context) (*HistoryPage, error) {
			return provider.ListHistory(ctx, cursor, limit)
		})
		if err == nil {
			batch := &mailBatch{ids: page.IDs, incremental: true}
			slices.Reverse(batch.ids)
			if page.More {
				batch.resumeFrom = page.LastHistoryID
			}
			return batch, nil
		}
		if !errors.Is(err, ErrHistoryExpired) {
			return nil, err
		}
		zerolog.Ctx(ctx).Warn().Uint64("history_id", cursor).Msg("history cursor expired, falling back to recent messages")
	}

	ids, err := retryCall(ctx, s.opts.retry, s.opts.limiter, s.opts.callTimeout, func(ctx context.Context) ([]string, error) {
		return provider.ListMessageIDs(ctx, s.query, limit)
	})
	if err != nil {
		return nil, err
	}
	return &mailBatch{ids: ids}, nil
}

// syncMessage fetches, normalizes, and upserts one message. It reports
// whether a new entity was created.
func (s *MailboxSync) syncMessage(ctx context.Context, scope models.Scope, provider MailProvider, accountEmail, id string) (bool, error) {
	if err := s.opts.limiter.Wait(ctx); err != nil {
		return false, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.opts.callTimeout)
	msg, err := provider.GetMessage(callCtx, id)
	cancel()
	if err != nil {
		s.opts.limiter.Observe(err)
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return false, fmt.Errorf("%w: fetching %s timed out", ErrTransientProvider, id)
		}
		return false, err
	}

	attrs, err := messageAttributes(msg)
	if err != nil {
		return false, err
	}
	if accountEmail != "" {
		if from, _ := attrs[models.AttrFrom].(map[string]any); from["email"] == models.NormalizeEmail(accountEmail) {
			attrs[models.AttrIsSent] = true
		}
	}

	email := &models.Entity{
		ID:          models.EmailID(scope, models.SourceGmail, msg.Id),
		WorkspaceID: scope.WorkspaceID,
		UserID:      scope.UserID,
		Type:        models.TypeEmail,
		Attributes:  attrs,
		Metadata: map[string]any{
			models.MetaSource:   models.SourceGmail,
			models.MetaSyncedAt: models.FormatTime(s.opts.now()),
		},
	}

	saved, created, err := s.store.Upsert(ctx, email)
	if err != nil {
		return false, fmt.Errorf("failed to save message %s: %w", msg.Id, err)
	}

	if created {
		runInsertHooks(ctx, s.opts.hooks, saved)
	}
	return created, nil
}

// passError converts a pass-level failure, disconnecting the account when the
// provider rejects a token that was just validated.
func (s *MailboxSync) passError(ctx context.Context, scope models.Scope, err error) error {
	return abortPass(ctx, s.creds, scope, err)
}

func abortPass(ctx context.Context, creds *CredentialManager, scope models.Scope, err error) error {
	if IsUnauthorized(err) {
		if markErr := creds.MarkDisconnected(ctx, scope, err); markErr != nil {
			zerolog.Ctx(ctx).Error().Err(markErr).Msg("failed to mark account disconnected")
		}
		return fmt.Errorf("%w: %v", ErrAuthExpired, err)
	}
	zerolog.Ctx(ctx).Error().Err(err).Msg("sync pass aborted")
	return err
}
