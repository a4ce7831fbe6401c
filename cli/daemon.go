// ABOUTME: Daemon command: periodic sync of every connected account followed by enrichment
// ABOUTME: Runs one cycle immediately, then on every tick until interrupted
package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/harperreed/crmsync/enrich"
	"github.com/harperreed/crmsync/sync"
)

const minDaemonInterval = 5 * time.Minute

const (
	serviceMail     = "mail"
	serviceCalendar = "calendar"
	serviceEnrich   = "enrich"
)

var validServices = map[string]bool{
	serviceMail:     true,
	serviceCalendar: true,
	serviceEnrich:   true,
}

type DaemonCmd struct {
	Services string `help:"Comma-separated services to run (mail, calendar, enrich, or all)." default:"all"`
	Once     bool   `help:"Run a single cycle and exit."`
}

func (c *DaemonCmd) Run(ctx context.Context, globals *Globals) error {
	interval := globals.Config.Interval
	if !c.Once && interval < minDaemonInterval {
		return fmt.Errorf("interval must be at least %s, got %s", minDaemonInterval, interval)
	}
	services := parseServices(c.Services)
	if len(services) == 0 {
		return fmt.Errorf("no valid services in %q (valid: mail, calendar, enrich, all)", c.Services)
	}

	app, err := openApp(ctx, globals.Config)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	d := &daemon{services: services, enricher: app.Enrich}
	if app.Mailbox != nil {
		d.mailbox = app.Mailbox
	}
	if app.Calendar != nil {
		d.calendar = app.Calendar
	}

	if c.Once {
		d.cycle(ctx)
		return nil
	}

	zerolog.Ctx(ctx).Info().Strs("services", services).Dur("interval", interval).Msg("daemon started")
	runEvery(ctx, interval, d.cycle)
	zerolog.Ctx(ctx).Info().Msg("daemon stopped")
	return nil
}

// parseServices splits a comma-separated list, expanding "all" and dropping
// unknown names.
func parseServices(input string) []string {
	if strings.TrimSpace(input) == "all" {
		return []string{serviceMail, serviceCalendar, serviceEnrich}
	}
	services := []string{}
	for _, s := range strings.Split(input, ",") {
		s = strings.TrimSpace(s)
		if validServices[s] {
			services = append(services, s)
		}
	}
	return services
}

// runEvery calls fn immediately and then on every tick until ctx is done.
func runEvery(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	fn(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

type accountSyncer interface {
	SyncAll(ctx context.Context) ([]sync.AccountResult, error)
}

type enricher interface {
	Run(ctx context.Context) (*enrich.SweepResult, *enrich.HealthResult, error)
}

type daemon struct {
	services []string
	mailbox  accountSyncer
	calendar accountSyncer
	enricher enricher
}

// cycle runs each selected service once. Failures are logged; the next tick
// retries.
func (d *daemon) cycle(ctx context.Context) {
	logger := zerolog.Ctx(ctx)
	start := time.Now()

	for _, service := range d.services {
		if ctx.Err() != nil {
			return
		}
		switch service {
		case serviceMail:
			d.syncAccounts(ctx, service, d.mailbox)
		case serviceCalendar:
			d.syncAccounts(ctx, service, d.calendar)
		case serviceEnrich:
			if d.enricher == nil {
				continue
			}
			sweep, health, err := d.enricher.Run(ctx)
			var event *zerolog.Event
			if err != nil {
				event = logger.Error().Err(err)
			} else {
				event = logger.Info()
			}
			if sweep != nil {
				event = event.Int("processed", sweep.Processed).Int("contacts_created", sweep.ContactsCreated)
			}
			if health != nil {
				event = event.Int("health_alerts", health.Alerts)
			}
			event.Msg("enrichment finished")
		}
	}

	logger.Debug().Dur("elapsed", time.Since(start)).Msg("daemon cycle finished")
}

func (d *daemon) syncAccounts(ctx context.Context, service string, s accountSyncer) {
	logger := zerolog.Ctx(ctx)
	if s == nil {
		logger.Warn().Str("service", service).Msg("service not configured, skipping")
		return
	}

	results, err := s.SyncAll(ctx)
	if err != nil {
		logger.Error().Err(err).Str("service", service).Msg("sync failed")
	}
	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}
	logger.Info().
		Str("service", service).
		Int("accounts", len(results)).
		Int("failed", failed).
		Msg("sync finished")
}
