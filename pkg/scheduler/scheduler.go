// Package scheduler fires CronJob rules on their schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/dukex/ruleflow/pkg/log"
	"github.com/dukex/ruleflow/pkg/models"
	"github.com/dukex/ruleflow/pkg/persistence"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
)

// DefaultSyncInterval is how often Run reloads the rules.
const DefaultSyncInterval = time.Minute

// Dispatch hands a cron event to the engine.
type Dispatch func(ctx context.Context, event *models.DomainEvent) error

type entry struct {
	id       cron.EntryID
	spec     string
	schedule *models.Schedule
	value    any
}

type Scheduler struct {
	cron     *cron.Cron
	dispatch Dispatch
	clock    clockwork.Clock
	logger   *slog.Logger

	mu      sync.Mutex
	entries map[string]entry
}

type Option func(*Scheduler)

func WithClock(clock clockwork.Clock) Option {
	return func(s *Scheduler) { s.clock = clock }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

func New(dispatch Dispatch, opts ...Option) *Scheduler {
	s := &Scheduler{
		dispatch: dispatch,
		clock:    clockwork.NewRealClock(),
		logger:   slog.Default(),
		entries:  make(map[string]entry),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.logger = s.logger.With("module", "scheduler")
	cronLogger := log.CronLogger(s.logger)

	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLogger),
		cron.WithChain(
			cron.SkipIfStillRunning(cronLogger),
			cron.Recover(cronLogger),
		),
	)

	return s
}

// Sync keeps exactly one cron entry per enabled CronJob rule. Entries of
// unchanged rules keep their schedule; invalid rules are reported and skipped.
func (s *Scheduler) Sync(rules []*models.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error

	desired := make(map[string]bool)

	for _, rule := range rules {
		if !rule.Enabled || rule.Trigger == nil || rule.Trigger.Kind != models.TriggerCronJob {
			continue
		}

		schedule, err := models.NewSchedule(rule, s.clock.Now())
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", rule.ID, err))

			continue
		}

		desired[rule.ID] = true

		next := entry{
			spec:     schedule.Spec(),
			schedule: schedule,
			value:    rule.Trigger.Value,
		}

		if current, ok := s.entries[rule.ID]; ok {
			if current.spec == next.spec && current.schedule.AppID == schedule.AppID &&
				reflect.DeepEqual(current.value, next.value) {
				continue
			}

			s.cron.Remove(current.id)
			delete(s.entries, rule.ID)
		}

		id, err := s.cron.AddJob(next.spec, s.job(next))
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", rule.ID, err))

			continue
		}

		next.id = id
		s.entries[rule.ID] = next

		s.logger.Info("scheduled rule", "rule_id", rule.ID, "spec", next.spec)
	}

	for ruleID, current := range s.entries {
		if !desired[ruleID] {
			s.cron.Remove(current.id)
			delete(s.entries, ruleID)

			s.logger.Info("unscheduled rule", "rule_id", ruleID)
		}
	}

	return errors.Join(errs...)
}

func (s *Scheduler) job(e entry) cron.Job {
	return cron.FuncJob(func() {
		ctx := context.Background()

		event := models.NewDomainEvent(models.EventHeaders{
			EventID:   uuid.NewString(),
			Timestamp: s.clock.Now().UTC(),
		}, &models.CronJobEvent{
			App:    models.NamedID{ID: e.schedule.AppID},
			RuleID: e.schedule.RuleID,
			Value:  e.value,
		})

		s.logger.InfoContext(ctx, "cron rule fired", "rule_id", e.schedule.RuleID, "event_id", event.Headers.EventID)

		if err := s.dispatch(ctx, event); err != nil {
			s.logger.ErrorContext(ctx, "failed to dispatch cron event", "rule_id", e.schedule.RuleID, "error", err)
		}
	})
}

// Schedules lists the active entries with their next fire time.
func (s *Scheduler) Schedules() []models.Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()

	schedules := make([]models.Schedule, 0, len(s.entries))

	for _, current := range s.entries {
		schedule := *current.schedule
		if next := s.cron.Entry(current.id).Next; !next.IsZero() {
			schedule.NextDueAt = next.UTC()
		}

		schedules = append(schedules, schedule)
	}

	sort.Slice(schedules, func(i, j int) bool { return schedules[i].RuleID < schedules[j].RuleID })

	return schedules
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the scheduler and returns a context done when running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Run starts the scheduler and resyncs it with the stored rules every
// interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, rules persistence.RuleRepository, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultSyncInterval
	}

	if err := s.reload(ctx, rules); err != nil {
		s.logger.WarnContext(ctx, "initial schedule sync incomplete", "error", err)
	}

	s.Start()

	defer func() { <-s.Stop().Done() }()

	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			if err := s.reload(ctx, rules); err != nil {
				s.logger.WarnContext(ctx, "schedule sync incomplete", "error", err)
			}
		}
	}
}

func (s *Scheduler) reload(ctx context.Context, rules persistence.RuleRepository) error {
	all, err := rules.AllRules(ctx)
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}

	return s.Sync(all)
}
