// ABOUTME: Post-insert hooks and the functional options shared by the sync engines
// ABOUTME: Hooks run after the primary upsert commits; a failing hook never fails the item
package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/harperreed/crmsync/models"
)

// InsertHook reacts to a newly ingested entity.
type InsertHook interface {
	OnInsert(ctx context.Context, e *models.Entity) error
}

// InsertHookFunc adapts a function to InsertHook.
type InsertHookFunc func(ctx context.Context, e *models.Entity) error

// OnInsert calls f.
func (f InsertHookFunc) OnInsert(ctx context.Context, e *models.Entity) error {
	return f(ctx, e)
}

// runInsertHooks invokes every hook, isolating errors and panics.
func runInsertHooks(ctx context.Context, hooks []InsertHook, e *models.Entity) {
	for i, hook := range hooks {
		if err := safeHook(ctx, hook, e); err != nil {
			zerolog.Ctx(ctx).Warn().
				Err(err).
				Int("hook", i).
				Str("entity_id", e.ID).
				Str("workspace_id", e.WorkspaceID).
				Str("user_id", e.UserID).
				Msg("insert hook failed")
		}
	}
}

func safeHook(ctx context.Context, hook InsertHook, e *models.Entity) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook panicked: %v", r)
		}
	}()
	return hook.OnInsert(ctx, e)
}

type engineOptions struct {
	hooks           []InsertHook
	batchSize       int
	callTimeout     time.Duration
	limiter         *RateLimiter
	retry           retrier
	mailFactory     MailProviderFactory
	calendarFactory CalendarProviderFactory
	daysBack        int
	daysForward     int
	now             func() time.Time
}

// Option configures a sync engine.
type Option func(*engineOptions)

func newEngineOptions(service ServiceType, opts []Option) engineOptions {
	o := engineOptions{
		batchSize:       defaultMailBatchSize,
		callTimeout:     defaultCallTimeout,
		limiter:         NewServiceRateLimiter(service),
		retry:           defaultRetrier(),
		mailFactory:     NewGmailProvider,
		calendarFactory: NewGoogleCalendarProvider,
		daysBack:        defaultDaysBack,
		daysForward:     defaultDaysForward,
		now:             func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

const (
	defaultMailBatchSize = 50
	defaultCallTimeout   = 30 * time.Second
	defaultDaysBack      = 30
	defaultDaysForward   = 90
)

// WithInsertHooks registers hooks run after each newly created entity.
func WithInsertHooks(hooks ...InsertHook) Option {
	return func(o *engineOptions) { o.hooks = append(o.hooks, hooks...) }
}

// WithBatchSize caps the number of messages one mailbox pass fetches.
func WithBatchSize(n int) Option {
	return func(o *engineOptions) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithCallTimeout bounds each provider call, including every list attempt.
func WithCallTimeout(d time.Duration) Option {
	return func(o *engineOptions) {
		if d > 0 {
			o.callTimeout = d
		}
	}
}

// WithRateLimiter replaces the per-service default limiter.
func WithRateLimiter(l *RateLimiter) Option {
	return func(o *engineOptions) {
		if l != nil {
			o.limiter = l
		}
	}
}

// WithRetry sets the backoff policy for list calls.
func WithRetry(newBackOff func() backoff.BackOff, maxTries uint) Option {
	return func(o *engineOptions) {
		o.retry = retrier{newBackOff: newBackOff, maxTries: maxTries}
	}
}

// WithMailProviderFactory replaces the Gmail client constructor.
func WithMailProviderFactory(f MailProviderFactory) Option {
	return func(o *engineOptions) { o.mailFactory = f }
}

// WithCalendarProviderFactory replaces the Google Calendar client constructor.
func WithCalendarProviderFactory(f CalendarProviderFactory) Option {
	return func(o *engineOptions) { o.calendarFactory = f }
}

// WithWindow sets the calendar import window in days around now.
func WithWindow(daysBack, daysForward int) Option {
	return func(o *engineOptions) {
		if daysBack >= 0 {
			o.daysBack = daysBack
		}
		if daysForward >= 0 {
			o.daysForward = daysForward
		}
	}
}

// WithClock overrides the engine time source.
func WithClock(now func() time.Time) Option {
	return func(o *engineOptions) { o.now = now }
}
