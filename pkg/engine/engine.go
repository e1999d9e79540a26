// Package engine is the entry point for domain events: it evaluates the rules
// of the event's app and runs the flow of every rule that fires.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/ruleflow/pkg/eventbus"
	"github.com/dukex/ruleflow/pkg/events"
	"github.com/dukex/ruleflow/pkg/flow"
	"github.com/dukex/ruleflow/pkg/models"
	"github.com/dukex/ruleflow/pkg/persistence"
	"github.com/dukex/ruleflow/pkg/protocol"
	"github.com/dukex/ruleflow/pkg/triggers"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency bounds the rules executed in parallel for one event.
const DefaultConcurrency = 8

var (
	ErrInvalidEvent = errors.New("invalid domain event")
	ErrRuleSkipped  = errors.New("rule did not fire")
	ErrShuttingDown = errors.New("engine shutting down")
)

// SkipError reports why a manually triggered rule did not fire.
type SkipError struct {
	RuleID string
	Reason protocol.SkipReason
}

func (e *SkipError) Error() string {
	return fmt.Sprintf("rule %s did not fire: %s", e.RuleID, e.Reason)
}

func (e *SkipError) Is(target error) bool {
	return target == ErrRuleSkipped
}

// Outcome is the result of handling one domain event.
type Outcome struct {
	EventID    string
	Skips      []triggers.Skip
	Executions []*models.FlowExecutionState

	rules []*models.Rule
}

type Engine struct {
	rules       persistence.RuleRepository
	executions  persistence.ExecutionRepository
	evaluator   *triggers.Evaluator
	executor    *flow.Executor
	actions     flow.ActionLookup
	validate    *validator.Validate
	clock       clockwork.Clock
	publisher   eventbus.EventPublisher
	concurrency int
	logger      *slog.Logger

	// background runs the executions accepted by Enqueue until Shutdown.
	background *errgroup.Group
	lifetime   context.Context
	stop       context.CancelCauseFunc
}

type Option func(*Engine)

func WithClock(clock clockwork.Clock) Option {
	return func(e *Engine) { e.clock = clock }
}

func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithPublisher lets Cancel reach executions driven by other processes.
func WithPublisher(publisher eventbus.EventPublisher) Option {
	return func(e *Engine) { e.publisher = publisher }
}

func New(
	store persistence.Persistence,
	evaluator *triggers.Evaluator,
	executor *flow.Executor,
	actions flow.ActionLookup,
	opts ...Option,
) *Engine {
	e := &Engine{
		rules:       store.RuleRepository(),
		executions:  store.ExecutionRepository(),
		evaluator:   evaluator,
		executor:    executor,
		actions:     actions,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		clock:       clockwork.NewRealClock(),
		concurrency: DefaultConcurrency,
		logger:      slog.Default(),
	}

	for _, opt := range opts {
		opt(e)
	}

	e.logger = e.logger.With("module", "engine")
	e.lifetime, e.stop = context.WithCancelCause(context.Background())
	e.background = &errgroup.Group{}
	e.background.SetLimit(e.concurrency)

	return e
}

// HandleEvent runs every rule of the event's app that fires for it and
// returns once all executions finished. One failing execution does not stop
// the others; their errors are joined.
func (e *Engine) HandleEvent(ctx context.Context, event *models.DomainEvent) (*Outcome, error) {
	outcome, err := e.prepare(ctx, event)
	if outcome == nil {
		return nil, err
	}

	errs := []error{err}
	states := outcome.Executions
	runErrs := make([]error, len(states))

	var g errgroup.Group

	g.SetLimit(e.concurrency)

	for i, state := range states {
		g.Go(func() error {
			runErrs[i] = e.run(ctx, outcome.rules[i], state)

			return nil
		})
	}

	_ = g.Wait()

	return outcome, errors.Join(append(errs, runErrs...)...)
}

// Enqueue stores a pending execution for every rule that fires for event
// and runs them in the background. It returns once the executions are
// stored; the returned outcome holds their pending snapshots. At most the
// configured concurrency of executions run at once; Enqueue blocks while
// every slot is busy.
func (e *Engine) Enqueue(ctx context.Context, event *models.DomainEvent) (*Outcome, error) {
	outcome, err := e.prepare(ctx, event)
	if outcome == nil {
		return nil, err
	}

	errs := []error{err}
	pending := outcome.Executions
	outcome.Executions = make([]*models.FlowExecutionState, 0, len(pending))

	for i, state := range pending {
		rule := outcome.rules[i]

		if saveErr := e.executions.SaveExecution(ctx, state.Clone()); saveErr != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", rule.ID, saveErr))

			continue
		}

		outcome.Executions = append(outcome.Executions, state.Clone())

		detached := context.WithoutCancel(ctx)

		e.background.Go(func() error {
			runCtx, release := e.bound(detached)
			defer release()

			_ = e.run(runCtx, rule, state)

			return nil
		})
	}

	return outcome, errors.Join(errs...)
}

// bound derives a context cancelled when the engine shuts down.
func (e *Engine) bound(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(e.lifetime, func() { cancel(context.Cause(e.lifetime)) })

	return ctx, func() {
		stop()
		cancel(nil)
	}
}

// Shutdown waits for the background executions. Those still running when
// ctx is done are cancelled; their terminal state is persisted before
// Shutdown returns.
func (e *Engine) Shutdown(ctx context.Context) error {
	done := make(chan struct{})

	go func() {
		_ = e.background.Wait()

		close(done)
	}()

	select {
	case <-done:
		e.stop(ErrShuttingDown)

		return nil
	case <-ctx.Done():
		e.logger.WarnContext(ctx, "cancelling running executions")
		e.stop(ErrShuttingDown)
		<-done

		return ctx.Err()
	}
}

// prepare evaluates the rules of the event's app and builds a pending
// execution for every matched rule. Rules that cannot be prepared are
// reported in the joined error.
func (e *Engine) prepare(ctx context.Context, event *models.DomainEvent) (*Outcome, error) {
	if err := e.ValidateEvent(event); err != nil {
		return nil, err
	}

	logger := e.logger.With("event_id", event.Headers.EventID, "event_kind", event.Kind)

	rules, err := e.rules.RulesByApp(ctx, event.App().ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules of app %s: %w", event.App().ID, err)
	}

	result := e.evaluator.Evaluate(ctx, event, rules)
	matched := result.MatchedRules()

	logger.InfoContext(ctx, "event evaluated", "rules", len(rules), "matched", len(matched))

	outcome := &Outcome{
		EventID:    event.Headers.EventID,
		Skips:      result.Skips,
		Executions: make([]*models.FlowExecutionState, 0, len(matched)),
	}

	var errs []error

	for _, rule := range matched {
		state, err := e.executor.Prepare(rule, event)
		if err != nil {
			logger.ErrorContext(ctx, "rule execution failed", "rule_id", rule.ID, "error", err)

			errs = append(errs, err)

			continue
		}

		outcome.Executions = append(outcome.Executions, state)
		outcome.rules = append(outcome.rules, rule)
	}

	return outcome, errors.Join(errs...)
}

func (e *Engine) run(ctx context.Context, rule *models.Rule, state *models.FlowExecutionState) error {
	if err := e.executor.Run(ctx, rule, state); err != nil {
		e.logger.ErrorContext(ctx, "rule execution failed", "rule_id", rule.ID, "execution_id", state.ID, "error", err)

		return fmt.Errorf("rule %s: %w", rule.ID, err)
	}

	return nil
}

// TriggerManually fires a Manual rule with the given value.
func (e *Engine) TriggerManually(ctx context.Context, ruleID string, value any) (*models.FlowExecutionState, error) {
	rule, err := e.rules.RuleByID(ctx, ruleID)
	if err != nil {
		return nil, err
	}

	event := models.NewDomainEvent(models.EventHeaders{
		EventID:   uuid.NewString(),
		Timestamp: e.clock.Now().UTC(),
	}, &models.ManualEvent{
		App:    models.NamedID{ID: rule.AppID},
		RuleID: rule.ID,
		Value:  value,
	})

	if reason := e.evaluator.EvaluateRule(ctx, event, rule); reason != protocol.SkipNone {
		return nil, &SkipError{RuleID: rule.ID, Reason: reason}
	}

	e.logger.InfoContext(ctx, "rule triggered manually", "rule_id", rule.ID)

	return e.executor.Execute(ctx, rule, event)
}

// Cancel stops a running execution. Executions driven by another process
// are reached through the bus when a publisher is configured.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	err := e.executor.Cancel(executionID)
	if !errors.Is(err, flow.ErrNotRunning) {
		return err
	}

	state, lookupErr := e.executions.ExecutionByID(ctx, executionID)
	if lookupErr != nil {
		return lookupErr
	}

	if e.publisher == nil || state.Status.IsTerminal() {
		return err
	}

	request := events.ExecutionCancelRequested{
		BaseEvent:   events.NewBaseEvent(events.ExecutionCancelRequestedEvent, state.AppID, state.RuleID, e.clock.Now()),
		ExecutionID: executionID,
	}

	if err := e.publisher.Publish(ctx, executionID, request); err != nil {
		return fmt.Errorf("failed to request cancellation of %s: %w", executionID, err)
	}

	e.logger.InfoContext(ctx, "execution cancel requested on the bus", "execution_id", executionID)

	return nil
}

func (e *Engine) Execution(ctx context.Context, executionID string) (*models.FlowExecutionState, error) {
	return e.executions.ExecutionByID(ctx, executionID)
}

func (e *Engine) History(ctx context.Context, ruleID string, limit int) ([]*models.FlowExecutionState, error) {
	if limit <= 0 {
		limit = persistence.DefaultHistoryLimit
	}

	return e.executions.ExecutionsByRule(ctx, ruleID, limit)
}

// Rules returns the rules of an app.
func (e *Engine) Rules(ctx context.Context, appID string) ([]*models.Rule, error) {
	return e.rules.RulesByApp(ctx, appID)
}

// Subscribe consumes domain events and cancel requests published on the
// bus. A domain event is acknowledged once its executions are stored.
func (e *Engine) Subscribe(bus eventbus.EventSubscriber) error {
	err := bus.Handle(events.DomainEventReceivedEvent, func(ctx context.Context, msg any) error {
		received, ok := msg.(*events.DomainEventReceived)
		if !ok {
			return fmt.Errorf("unexpected message %T", msg)
		}

		outcome, err := e.Enqueue(ctx, received.Event)

		switch {
		case errors.Is(err, ErrInvalidEvent):
			e.logger.WarnContext(ctx, "dropping invalid domain event", "error", err)

			return nil
		case outcome != nil:
			// Stored executions must not run twice.
			return nil
		default:
			return err
		}
	})
	if err != nil {
		return err
	}

	return bus.Handle(events.ExecutionCancelRequestedEvent, func(ctx context.Context, msg any) error {
		request, ok := msg.(*events.ExecutionCancelRequested)
		if !ok {
			return fmt.Errorf("unexpected message %T", msg)
		}

		if err := e.executor.Cancel(request.ExecutionID); err != nil {
			e.logger.DebugContext(ctx, "cancel request ignored", "execution_id", request.ExecutionID, "error", err)

			return nil
		}

		e.logger.InfoContext(ctx, "execution cancelled", "execution_id", request.ExecutionID)

		return nil
	})
}

// ValidateEvent checks that event is a well formed envelope with a payload.
func (e *Engine) ValidateEvent(event *models.DomainEvent) error {
	if event == nil {
		return fmt.Errorf("%w: missing event", ErrInvalidEvent)
	}

	if err := e.validate.Struct(event); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}

	if event.Payload() == nil {
		return fmt.Errorf("%w: no %s payload", ErrInvalidEvent, event.Kind)
	}

	if event.App().ID == "" {
		return fmt.Errorf("%w: missing app id", ErrInvalidEvent)
	}

	return nil
}
