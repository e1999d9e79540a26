package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/ruleflow/pkg/mocks"
	"github.com/dukex/ruleflow/pkg/models"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, 4, 7, 6, 0, 0, 0, time.UTC) // a Monday

type dispatched struct {
	mu     sync.Mutex
	events []*models.DomainEvent
}

func (d *dispatched) dispatch(_ context.Context, event *models.DomainEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.events = append(d.events, event)

	return nil
}

func cronRule(id, schedule, timezone string) *models.Rule {
	return &models.Rule{
		ID:      id,
		AppID:   "app-1",
		Enabled: true,
		Trigger: &models.Trigger{
			Kind:     models.TriggerCronJob,
			Schedule: schedule,
			Timezone: timezone,
			Value:    map[string]any{"report": "weekly"},
		},
		Action: &models.Action{Kind: "log"},
	}
}

func newScheduler(d *dispatched) *Scheduler {
	return New(d.dispatch, WithClock(clockwork.NewFakeClockAt(now)), WithLogger(slog.Default()))
}

func TestSync(t *testing.T) {
	d := &dispatched{}
	s := newScheduler(d)

	weekly := cronRule("weekly", "0 9 * * 1", "America/New_York")

	disabled := cronRule("disabled", "* * * * *", "")
	disabled.Enabled = false

	content := &models.Rule{ID: "content", AppID: "app-1", Enabled: true, Trigger: &models.Trigger{Kind: models.TriggerContentChanged}}
	broken := cronRule("broken", "every monday", "")

	err := s.Sync([]*models.Rule{weekly, disabled, content, broken})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrInvalidSchedule)

	schedules := s.Schedules()
	require.Len(t, schedules, 1)
	assert.Equal(t, "weekly", schedules[0].RuleID)
	assert.Equal(t, "America/New_York", schedules[0].Timezone)
	// 09:00 in New York on Monday 7 April 2025 is 13:00 UTC.
	assert.Equal(t, time.Date(2025, 4, 7, 13, 0, 0, 0, time.UTC), schedules[0].NextDueAt)
	assert.Equal(t, "CRON_TZ=America/New_York 0 9 * * 1", s.entries["weekly"].spec)
}

func TestSync_Reconciles(t *testing.T) {
	s := newScheduler(&dispatched{})

	rule := cronRule("r1", "0 * * * *", "")
	require.NoError(t, s.Sync([]*models.Rule{rule}))

	first := s.entries["r1"].id

	require.NoError(t, s.Sync([]*models.Rule{cronRule("r1", "0 * * * *", "")}))
	assert.Equal(t, first, s.entries["r1"].id, "unchanged rules keep their entry")

	require.NoError(t, s.Sync([]*models.Rule{cronRule("r1", "30 * * * *", "")}))
	assert.NotEqual(t, first, s.entries["r1"].id)
	assert.Len(t, s.cron.Entries(), 1)

	require.NoError(t, s.Sync(nil))
	assert.Empty(t, s.entries)
	assert.Empty(t, s.cron.Entries())
}

func TestJob_DispatchesCronEvent(t *testing.T) {
	d := &dispatched{}
	s := newScheduler(d)

	require.NoError(t, s.Sync([]*models.Rule{cronRule("weekly", "0 9 * * 1", "")}))

	s.cron.Entry(s.entries["weekly"].id).Job.Run()

	require.Len(t, d.events, 1)

	event := d.events[0]
	assert.Equal(t, models.EventKindCronJob, event.Kind)
	assert.Equal(t, "weekly", event.CronJob.RuleID)
	assert.Equal(t, "app-1", event.App().ID)
	assert.Equal(t, map[string]any{"report": "weekly"}, event.CronJob.Value)
	assert.Equal(t, now, event.Headers.Timestamp)
	assert.NotEmpty(t, event.Headers.EventID)
}

func TestRun_ReloadsRules(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clock := clockwork.NewFakeClockAt(now)
	s := New((&dispatched{}).dispatch, WithClock(clock))

	var loads atomic.Int32

	rules := &mocks.MockRuleRepository{}
	rules.On("AllRules", mock.Anything).
		Return([]*models.Rule{cronRule("r1", "0 * * * *", "")}, nil).
		Run(func(mock.Arguments) { loads.Add(1) })

	done := make(chan error, 1)
	runCtx, stop := context.WithCancel(ctx)

	go func() { done <- s.Run(runCtx, rules, time.Minute) }()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Minute)

	require.Eventually(t, func() bool {
		return loads.Load() >= 2
	}, 5*time.Second, 10*time.Millisecond)

	stop()
	require.NoError(t, <-done)

	assert.Len(t, s.Schedules(), 1)
}
