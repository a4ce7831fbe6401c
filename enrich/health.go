// ABOUTME: Company health scoring from contact recency and open deals
// ABOUTME: Scores are banded, written only on change, and drops below the risk threshold raise an alert
package enrich

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/harperreed/crmsync/models"
)

const (
	openDealBonus  = 10
	healthPageSize = 200
)

// healthBands maps average days since last contact to a score.
var healthBands = []struct {
	under float64
	score int
}{
	{under: 7, score: 80},
	{under: 14, score: 70},
	{under: 30, score: 50},
	{under: 60, score: 30},
}

const staleScore = 10

// HealthResult summarizes a health pass.
type HealthResult struct {
	Scored  int `json:"scored"`
	Updated int `json:"updated"`
	Alerts  int `json:"alerts"`
	Failed  int `json:"failed"`
}

func (r *HealthResult) add(other *HealthResult) {
	r.Scored += other.Scored
	r.Updated += other.Updated
	r.Alerts += other.Alerts
	r.Failed += other.Failed
}

// bandScore maps an average contact age to a score. ok is false when no
// contact has ever been reached, which scores as stale.
func bandScore(avgDays float64, ok bool) int {
	if !ok {
		return staleScore
	}
	for _, band := range healthBands {
		if avgDays < band.under {
			return band.score
		}
	}
	return staleScore
}

// ScoreAllHealth scores companies in every workspace.
func (e *Engine) ScoreAllHealth(ctx context.Context) (*HealthResult, error) {
	total := &HealthResult{}
	workspaces, err := e.store.ListWorkspaces(ctx)
	if err != nil {
		return total, err
	}
	for _, ws := range workspaces {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		result, err := e.ScoreHealth(ctx, ws)
		if result != nil {
			total.add(result)
		}
		if err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Str("workspace_id", ws).Msg("health scoring failed for workspace")
		}
	}
	return total, nil
}

// ScoreHealth recomputes the health score of every company in workspaceID.
func (e *Engine) ScoreHealth(ctx context.Context, workspaceID string) (*HealthResult, error) {
	result := &HealthResult{}
	scope := models.Scope{WorkspaceID: workspaceID}
	if err := scope.Validate(); err != nil {
		return result, err
	}
	logger := zerolog.Ctx(ctx).With().Str("workspace_id", workspaceID).Logger()
	ctx = logger.WithContext(ctx)

	for offset := 0; ; offset += healthPageSize {
		companies, err := e.store.Find(ctx, models.Criteria{
			Scope:  scope,
			Type:   models.TypeCompany,
			Order:  models.OrderCreatedAsc,
			Limit:  healthPageSize,
			Offset: offset,
		})
		if err != nil {
			return result, fmt.Errorf("failed to load companies: %w", err)
		}

		for _, company := range companies {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			if err := e.scoreCompany(ctx, scope, company, result); err != nil {
				result.Failed++
				logger.Warn().Err(err).Str("company_id", company.ID).Msg("failed to score company health")
			}
		}
		if len(companies) < healthPageSize {
			break
		}
	}

	logger.Info().
		Int("scored", result.Scored).
		Int("updated", result.Updated).
		Int("alerts", result.Alerts).
		Msg("health scoring finished")
	return result, nil
}

func (e *Engine) scoreCompany(ctx context.Context, scope models.Scope, company *models.Entity, result *HealthResult) error {
	score, err := e.companyScore(ctx, scope, company)
	if err != nil {
		return err
	}
	result.Scored++

	previous, hadScore := company.Float(models.AttrHealthScore)
	if hadScore && int(previous) == score {
		return nil
	}

	now := models.FormatTime(e.now())
	meta := map[string]any{models.MetaHealthUpdatedAt: now}
	alert := score < e.healthThreshold && (!hadScore || int(previous) >= e.healthThreshold)
	if alert {
		meta[models.MetaHealthAlertAt] = now
	}

	if _, err := e.store.Update(ctx, company.Scope(), company.ID, models.Patch{
		Attributes: map[string]any{models.AttrHealthScore: score},
		Metadata:   meta,
	}); err != nil {
		return err
	}
	result.Updated++

	if alert {
		result.Alerts++
		event := zerolog.Ctx(ctx).Warn().
			Bool("alert", true).
			Str("company_id", company.ID).
			Str("company", company.String(models.AttrName)).
			Int("health_score", score).
			Int("threshold", e.healthThreshold)
		if hadScore {
			event = event.Int("previous_score", int(previous))
		}
		event.Msg("company health dropped below risk threshold")
	}
	return nil
}

// companyScore bands the average age of the company's last contacts and adds
// a bonus for an open deal.
func (e *Engine) companyScore(ctx context.Context, scope models.Scope, company *models.Entity) (int, error) {
	contacts, err := e.store.Find(ctx, models.Criteria{
		Scope:     scope,
		Type:      models.TypeContact,
		RelatedTo: &models.Relation{Name: models.RelCompany, ID: company.ID},
		Limit:     healthPageSize,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to load contacts: %w", err)
	}

	now := e.now()
	var total float64
	reached := 0
	for _, c := range contacts {
		last, ok := c.Time(models.AttrLastContactedAt)
		if !ok {
			continue
		}
		total += max(0, now.Sub(last).Hours()/24)
		reached++
	}

	avg := 0.0
	if reached > 0 {
		avg = total / float64(reached)
	}
	score := bandScore(avg, reached > 0)

	open, err := e.hasOpenDeal(ctx, scope, company.ID)
	if err != nil {
		return 0, err
	}
	if open {
		score = min(100, score+openDealBonus)
	}
	return score, nil
}
