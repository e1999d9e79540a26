package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/ruleflow/pkg/models"
	"github.com/dukex/ruleflow/pkg/persistence"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// RuleRepository handles rule-related database operations. The full rule is
// stored as JSONB; searchable columns are denormalized next to it.
type RuleRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewRuleRepository creates a new rule repository.
func NewRuleRepository(db *sql.DB, logger *slog.Logger) *RuleRepository {
	return &RuleRepository{db: db, logger: logger}
}

func (r *RuleRepository) AllRules(ctx context.Context) ([]*models.Rule, error) {
	return r.query(ctx, `SELECT definition FROM rules ORDER BY created_at`)
}

func (r *RuleRepository) RulesByApp(ctx context.Context, appID string) ([]*models.Rule, error) {
	return r.query(ctx, `SELECT definition FROM rules WHERE app_id = $1 ORDER BY created_at`, appID)
}

func (r *RuleRepository) RuleByID(ctx context.Context, id string) (*models.Rule, error) {
	var definition []byte

	err := r.db.QueryRowContext(ctx, `SELECT definition FROM rules WHERE id = $1`, id).Scan(&definition)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewRuleError("RuleByID", id, persistence.ErrRuleNotFound)
		}

		return nil, persistence.NewRuleError("RuleByID", id, err)
	}

	var rule models.Rule
	if err := json.Unmarshal(definition, &rule); err != nil {
		return nil, persistence.NewRuleError("RuleByID", id, fmt.Errorf("failed to unmarshal rule: %w", err))
	}

	return &rule, nil
}

// SaveRule validates and upserts a rule.
func (r *RuleRepository) SaveRule(ctx context.Context, rule *models.Rule) error {
	if err := validate.Struct(rule); err != nil {
		return persistence.NewRuleError("SaveRule", rule.ID, fmt.Errorf("%w: %w", persistence.ErrInvalidRule, err))
	}

	if rule.Flow != nil {
		if err := rule.Flow.Validate(); err != nil {
			return persistence.NewRuleError("SaveRule", rule.ID, fmt.Errorf("%w: %w", persistence.ErrInvalidRule, err))
		}
	}

	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}

	rule.UpdatedAt = now

	definition, err := json.Marshal(rule)
	if err != nil {
		return persistence.NewRuleError("SaveRule", rule.ID, fmt.Errorf("failed to marshal rule: %w", err))
	}

	var triggerKind sql.NullString
	if rule.Trigger != nil {
		triggerKind = sql.NullString{String: string(rule.Trigger.Kind), Valid: true}
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO rules (id, app_id, name, enabled, trigger_kind, definition, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			app_id = EXCLUDED.app_id,
			name = EXCLUDED.name,
			enabled = EXCLUDED.enabled,
			trigger_kind = EXCLUDED.trigger_kind,
			definition = EXCLUDED.definition,
			updated_at = EXCLUDED.updated_at
	`,
		rule.ID,
		rule.AppID,
		rule.Name,
		rule.Enabled,
		triggerKind,
		definition,
		rule.CreatedAt,
		rule.UpdatedAt,
	)
	if err != nil {
		return persistence.NewRuleError("SaveRule", rule.ID, err)
	}

	return nil
}

func (r *RuleRepository) DeleteRule(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM rules WHERE id = $1`, id); err != nil {
		return persistence.NewRuleError("DeleteRule", id, err)
	}

	return nil
}

func (r *RuleRepository) query(ctx context.Context, query string, args ...any) ([]*models.Rule, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	rules := make([]*models.Rule, 0)

	for rows.Next() {
		var definition []byte
		if err := rows.Scan(&definition); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}

		var rule models.Rule
		if err := json.Unmarshal(definition, &rule); err != nil {
			return nil, fmt.Errorf("failed to unmarshal rule: %w", err)
		}

		rules = append(rules, &rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}

	return rules, nil
}
