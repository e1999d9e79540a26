package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dukex/ruleflow/pkg/models"
	"github.com/dukex/ruleflow/pkg/persistence"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// RuleRepository handles rule-related file operations.
type RuleRepository struct {
	dir string
	mu  sync.RWMutex
}

// NewRuleRepository creates a new rule repository.
func NewRuleRepository(root string) *RuleRepository {
	return &RuleRepository{dir: filepath.Join(root, "rules")}
}

// AllRules returns every stored rule ordered by creation time.
func (rr *RuleRepository) AllRules(ctx context.Context) ([]*models.Rule, error) {
	rr.mu.RLock()
	defer rr.mu.RUnlock()

	ids, err := listIDs(rr.dir)
	if err != nil {
		return nil, err
	}

	rules := make([]*models.Rule, 0, len(ids))

	for _, id := range ids {
		var rule models.Rule
		if err := readJSON(rr.dir, id, &rule); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}

			return nil, fmt.Errorf("failed to load rule %s: %w", id, err)
		}

		rules = append(rules, &rule)
	}

	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].CreatedAt.Before(rules[j].CreatedAt)
	})

	return rules, nil
}

// RulesByApp returns the rules of one app.
func (rr *RuleRepository) RulesByApp(ctx context.Context, appID string) ([]*models.Rule, error) {
	all, err := rr.AllRules(ctx)
	if err != nil {
		return nil, err
	}

	rules := make([]*models.Rule, 0)

	for _, rule := range all {
		if rule.AppID == appID {
			rules = append(rules, rule)
		}
	}

	return rules, nil
}

// RuleByID retrieves a rule by its ID from the file system.
func (rr *RuleRepository) RuleByID(_ context.Context, id string) (*models.Rule, error) {
	if err := validateID(id); err != nil {
		return nil, persistence.NewRuleError("RuleByID", id, err)
	}

	rr.mu.RLock()
	defer rr.mu.RUnlock()

	var rule models.Rule
	if err := readJSON(rr.dir, id, &rule); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, persistence.NewRuleError("RuleByID", id, persistence.ErrRuleNotFound)
		}

		return nil, persistence.NewRuleError("RuleByID", id, err)
	}

	return &rule, nil
}

// SaveRule validates and stores a rule, stamping its timestamps.
func (rr *RuleRepository) SaveRule(_ context.Context, rule *models.Rule) error {
	if err := validateID(rule.ID); err != nil {
		return persistence.NewRuleError("SaveRule", rule.ID, err)
	}

	if err := validate.Struct(rule); err != nil {
		return persistence.NewRuleError("SaveRule", rule.ID, fmt.Errorf("%w: %w", persistence.ErrInvalidRule, err))
	}

	if rule.Flow != nil {
		if err := rule.Flow.Validate(); err != nil {
			return persistence.NewRuleError("SaveRule", rule.ID, fmt.Errorf("%w: %w", persistence.ErrInvalidRule, err))
		}
	}

	rr.mu.Lock()
	defer rr.mu.Unlock()

	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}

	rule.UpdatedAt = now

	return writeJSON(rr.dir, rule.ID, rule)
}

// DeleteRule removes a rule by its ID.
func (rr *RuleRepository) DeleteRule(_ context.Context, id string) error {
	if err := validateID(id); err != nil {
		return persistence.NewRuleError("DeleteRule", id, err)
	}

	rr.mu.Lock()
	defer rr.mu.Unlock()

	err := os.Remove(filepath.Join(rr.dir, id+".json"))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete rule %s: %w", id, err)
	}

	return nil
}
