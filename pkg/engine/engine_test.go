package engine_test

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	log_action "github.com/dukex/ruleflow/pkg/actions/log"
	"github.com/dukex/ruleflow/pkg/channels/gochannel"
	"github.com/dukex/ruleflow/pkg/engine"
	"github.com/dukex/ruleflow/pkg/eventbus"
	"github.com/dukex/ruleflow/pkg/events"
	"github.com/dukex/ruleflow/pkg/flow"
	"github.com/dukex/ruleflow/pkg/formatter"
	"github.com/dukex/ruleflow/pkg/models"
	"github.com/dukex/ruleflow/pkg/persistence"
	"github.com/dukex/ruleflow/pkg/persistence/file"
	"github.com/dukex/ruleflow/pkg/protocol"
	"github.com/dukex/ruleflow/pkg/registry"
	"github.com/dukex/ruleflow/pkg/scripting"
	"github.com/dukex/ruleflow/pkg/triggers"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, 9, 10, 8, 30, 0, 0, time.UTC)

// syncBuffer collects log action output written from executor goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.String()
}

type fixture struct {
	engine    *engine.Engine
	store     *file.Persistence
	output    *syncBuffer
	registry  *registry.Registry
	evaluator *triggers.Evaluator
	clock     clockwork.Clock
}

func setup(t *testing.T, actions ...protocol.ActionHandler) fixture {
	t.Helper()

	output := &syncBuffer{}
	scripts := scripting.NewCUEEvaluator()
	clock := clockwork.NewFakeClockAt(now)

	reg := registry.New(slog.Default())
	reg.RegisterAction(log_action.NewLogAction(formatter.New(nil, nil), slog.New(slog.NewTextHandler(output, nil))))

	for _, action := range actions {
		reg.RegisterAction(action)
	}

	for _, handler := range triggers.Handlers(scripts, slog.Default()) {
		reg.RegisterTrigger(handler)
	}

	f := fixture{
		store:     file.NewPersistence(t.TempDir()),
		output:    output,
		registry:  reg,
		evaluator: triggers.NewEvaluator(reg, triggers.WithClock(clock)),
		clock:     clock,
	}

	f.engine = f.peer(t)

	return f
}

// peer builds another engine over the same store, as a second process would.
func (f fixture) peer(t *testing.T, opts ...engine.Option) *engine.Engine {
	t.Helper()

	executor := flow.NewExecutor(f.registry, f.store.ExecutionRepository(), flow.WithScriptEvaluator(scripting.NewCUEEvaluator()))
	eng := engine.New(f.store, f.evaluator, executor, f.registry, append([]engine.Option{engine.WithClock(f.clock)}, opts...)...)

	t.Cleanup(func() { _ = eng.Shutdown(context.Background()) })

	return eng
}

// gateAction holds every job until released and reports the event it serves.
type gateAction struct {
	started chan string
	release chan struct{}
}

func newGateAction() *gateAction {
	return &gateAction{started: make(chan string, 10), release: make(chan struct{})}
}

func (g *gateAction) Kind() string           { return "gate" }
func (g *gateAction) Name() string           { return "Gate" }
func (g *gateAction) Description() string    { return "waits to be released" }
func (g *gateAction) Schema() map[string]any { return map[string]any{"type": "object"} }

func (g *gateAction) CreateJob(_ context.Context, event *models.DomainEvent, _ models.Action) (models.Job, error) {
	return models.Job{ActionKind: "gate", Description: "gate " + event.Headers.EventID, Data: event.Headers.EventID}, nil
}

func (g *gateAction) ExecuteJob(ctx context.Context, job models.Job) models.ExecutionResult {
	g.started <- job.Data.(string)

	select {
	case <-g.release:
		return models.Complete("released")
	case <-ctx.Done():
		return models.Failed(ctx.Err().Error(), false, "")
	}
}

func gateRule() *models.Rule {
	return &models.Rule{
		ID:      "gate",
		AppID:   "app-1",
		Name:    "gate",
		Enabled: true,
		Trigger: &models.Trigger{Kind: models.TriggerContentChanged},
		Action:  &models.Action{Kind: "gate"},
	}
}

func newBus(t *testing.T) *eventbus.WatermillEventBus {
	t.Helper()

	pub, sub, err := gochannel.CreateChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub, slog.Default())
	t.Cleanup(func() { _ = bus.Close() })

	return bus
}

func publishEvent(t *testing.T, bus eventbus.EventPublisher, event *models.DomainEvent) {
	t.Helper()

	require.NoError(t, bus.Publish(context.Background(), "app-1", events.DomainEventReceived{
		BaseEvent: events.NewBaseEvent(events.DomainEventReceivedEvent, "app-1", "", now),
		Event:     event,
	}))
}

func waitStarted(t *testing.T, gate *gateAction) string {
	t.Helper()

	select {
	case id := <-gate.started:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("no job started")

		return ""
	}
}

func (f fixture) saveRules(t *testing.T, rules ...*models.Rule) {
	t.Helper()

	for _, rule := range rules {
		require.NoError(t, f.store.RuleRepository().SaveRule(context.Background(), rule))
	}
}

func logRule(id string, trigger *models.Trigger, message string) *models.Rule {
	return &models.Rule{
		ID:      id,
		AppID:   "app-1",
		Name:    id,
		Enabled: true,
		Trigger: trigger,
		Action:  &models.Action{Kind: log_action.Kind, Config: map[string]any{"message": message}},
	}
}

func contentEvent() *models.DomainEvent {
	return contentEventWithID("evt-42")
}

func contentEventWithID(id string) *models.DomainEvent {
	return models.NewDomainEvent(models.EventHeaders{
		EventID:   id,
		Timestamp: now.Add(-time.Minute),
	}, &models.ContentEvent{
		App:       models.NamedID{ID: "app-1", Name: "blog"},
		Schema:    models.NamedID{ID: "schema-1", Name: "posts"},
		ContentID: "content-1",
		Type:      models.ContentCreated,
		Data:      map[string]any{"title": map[string]any{"iv": "Hello"}},
	})
}

func TestHandleEvent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	matching := logRule("posts", &models.Trigger{
		Kind:    models.TriggerContentChanged,
		Schemas: []models.SchemaFilter{{SchemaID: "schema-1"}},
	}, "$SCHEMA_NAME $CONTENT_ACTION: $CONTENT_DATA.title.iv")

	disabled := logRule("disabled", &models.Trigger{Kind: models.TriggerContentChanged}, "never")
	disabled.Enabled = false

	assets := logRule("assets", &models.Trigger{Kind: models.TriggerAssetChanged}, "never")

	otherApp := logRule("other-app", &models.Trigger{Kind: models.TriggerContentChanged}, "never")
	otherApp.AppID = "app-2"

	f.saveRules(t, matching, disabled, assets, otherApp)

	outcome, err := f.engine.HandleEvent(ctx, contentEvent())
	require.NoError(t, err)

	require.Len(t, outcome.Executions, 1)

	execution := outcome.Executions[0]
	assert.Equal(t, "posts", execution.RuleID)
	assert.Equal(t, models.StatusCompleted, execution.Status)
	assert.Contains(t, f.output.String(), "posts created: Hello")
	assert.NotContains(t, f.output.String(), "never")

	reasons := map[string]protocol.SkipReason{}
	for _, skip := range outcome.Skips {
		reasons[skip.Rule.ID] = skip.Reason
	}

	assert.Equal(t, map[string]protocol.SkipReason{
		"disabled": protocol.SkipDisabled,
		"assets":   protocol.SkipWrongEvent,
	}, reasons)

	history, err := f.engine.History(ctx, "posts", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, execution.ID, history[0].ID)
	assert.NotNil(t, history[0].ArchivedAt)
}

func TestHandleEvent_InvalidEvent(t *testing.T) {
	f := setup(t)

	_, err := f.engine.HandleEvent(context.Background(), &models.DomainEvent{
		Headers: models.EventHeaders{EventID: "evt-1", Timestamp: now},
		Kind:    models.EventKindContent,
	})
	assert.ErrorIs(t, err, engine.ErrInvalidEvent)

	_, err = f.engine.HandleEvent(context.Background(), nil)
	assert.ErrorIs(t, err, engine.ErrInvalidEvent)
}

func TestTriggerManually(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	manual := logRule("manual", &models.Trigger{Kind: models.TriggerManual}, "manual run for $APP_ID")
	content := logRule("content", &models.Trigger{Kind: models.TriggerContentChanged}, "content")
	f.saveRules(t, manual, content)

	state, err := f.engine.TriggerManually(ctx, "manual", map[string]any{"reason": "test"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, state.Status)
	assert.Equal(t, models.EventKindManual, state.Event.Kind)
	assert.Contains(t, f.output.String(), "manual run for app-1")

	_, err = f.engine.TriggerManually(ctx, "content", nil)
	require.ErrorIs(t, err, engine.ErrRuleSkipped)

	var skipErr *engine.SkipError
	require.ErrorAs(t, err, &skipErr)
	assert.Equal(t, protocol.SkipWrongEvent, skipErr.Reason)

	_, err = f.engine.TriggerManually(ctx, "missing", nil)
	assert.True(t, persistence.IsRuleNotFound(err))
}

func TestSimulate(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	valid := logRule("valid", &models.Trigger{Kind: models.TriggerContentChanged}, "$CONTENT_ACTION $SCHEMA_NAME")
	invalid := logRule("invalid", &models.Trigger{Kind: models.TriggerContentChanged}, "x")
	invalid.Action.Config["level"] = "loud"
	comment := logRule("comment", &models.Trigger{Kind: models.TriggerComment}, "x")

	simulated, err := f.engine.Simulate(ctx, contentEvent(), []*models.Rule{valid, invalid, comment})
	require.NoError(t, err)
	require.Len(t, simulated, 3)

	require.Len(t, simulated[0].Jobs, 1)
	assert.Equal(t, "Log info message", simulated[0].Jobs[0].Description)
	assert.Equal(t, log_action.Entry{Message: "created posts", Level: "info"}, simulated[0].Jobs[0].Data)

	require.Len(t, simulated[1].Jobs, 1)
	assert.NotEmpty(t, simulated[1].Jobs[0].Error)

	assert.Equal(t, protocol.SkipWrongEvent, simulated[2].SkipReason)
	assert.Empty(t, simulated[2].Jobs)

	assert.Empty(t, f.output.String(), "simulation never dispatches")

	history, err := f.engine.History(ctx, "valid", 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestCancel_UnknownExecution(t *testing.T) {
	f := setup(t)

	err := f.engine.Cancel(context.Background(), "does-not-exist")
	assert.True(t, persistence.IsExecutionNotFound(err))
}

func TestSubscribe(t *testing.T) {
	f := setup(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.saveRules(t, logRule("bus", &models.Trigger{Kind: models.TriggerContentChanged}, "from bus"))

	bus := newBus(t)

	require.NoError(t, f.engine.Subscribe(bus))
	require.NoError(t, bus.Subscribe(ctx))

	publishEvent(t, bus, contentEvent())

	require.Eventually(t, func() bool {
		history, err := f.engine.History(ctx, "bus", 0)

		return err == nil && len(history) == 1 && history[0].Status == models.StatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	assert.Contains(t, f.output.String(), "from bus")
}

func TestSubscribe_EventsRunConcurrently(t *testing.T) {
	gate := newGateAction()
	f := setup(t, gate)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.saveRules(t, gateRule())

	bus := newBus(t)

	require.NoError(t, f.engine.Subscribe(bus))
	require.NoError(t, bus.Subscribe(ctx))

	publishEvent(t, bus, contentEventWithID("evt-A"))
	publishEvent(t, bus, contentEventWithID("evt-B"))

	started := []string{waitStarted(t, gate), waitStarted(t, gate)}
	assert.ElementsMatch(t, []string{"evt-A", "evt-B"}, started, "both events run while neither is released")

	close(gate.release)

	require.Eventually(t, func() bool {
		history, err := f.engine.History(ctx, "gate", 0)
		if err != nil || len(history) != 2 {
			return false
		}

		for _, state := range history {
			if state.Status != models.StatusCompleted {
				return false
			}
		}

		return true
	}, 5*time.Second, 20*time.Millisecond)
}

func TestEnqueue_StoresPendingExecutions(t *testing.T) {
	gate := newGateAction()
	f := setup(t, gate)
	ctx := context.Background()

	f.saveRules(t, gateRule())

	outcome, err := f.engine.Enqueue(ctx, contentEvent())
	require.NoError(t, err)
	require.Len(t, outcome.Executions, 1)
	assert.Equal(t, models.StatusPending, outcome.Executions[0].Status)

	stored, err := f.engine.Execution(ctx, outcome.Executions[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "gate", stored.RuleID)

	assert.Equal(t, "evt-42", waitStarted(t, gate))
	close(gate.release)

	require.Eventually(t, func() bool {
		state, err := f.engine.Execution(ctx, outcome.Executions[0].ID)

		return err == nil && state.Status == models.StatusCompleted
	}, 5*time.Second, 20*time.Millisecond)
}

func TestShutdown_CancelsRunningExecutions(t *testing.T) {
	gate := newGateAction()
	f := setup(t, gate)

	f.saveRules(t, gateRule())

	outcome, err := f.engine.Enqueue(context.Background(), contentEvent())
	require.NoError(t, err)
	require.Len(t, outcome.Executions, 1)

	waitStarted(t, gate)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	require.ErrorIs(t, f.engine.Shutdown(ctx), context.DeadlineExceeded)

	state, err := f.engine.Execution(context.Background(), outcome.Executions[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, state.Status)
	assert.Equal(t, engine.ErrShuttingDown.Error(), state.Step("main").Reason)
}

func TestCancel_ReachesExecutionOfAnotherProcess(t *testing.T) {
	gate := newGateAction()
	f := setup(t, gate)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.saveRules(t, gateRule())

	bus := newBus(t)

	require.NoError(t, f.engine.Subscribe(bus))
	require.NoError(t, bus.Subscribe(ctx))

	api := f.peer(t, engine.WithPublisher(bus))

	publishEvent(t, bus, contentEvent())
	waitStarted(t, gate)

	history, err := f.engine.History(ctx, "gate", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)

	require.NoError(t, api.Cancel(ctx, history[0].ID))

	require.Eventually(t, func() bool {
		state, err := f.engine.Execution(ctx, history[0].ID)

		return err == nil && state.Status == models.StatusCancelled
	}, 5*time.Second, 20*time.Millisecond)

	err = api.Cancel(ctx, history[0].ID)
	assert.ErrorIs(t, err, flow.ErrNotRunning, "finished executions cannot be cancelled")
}
