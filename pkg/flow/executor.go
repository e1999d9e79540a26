// Package flow runs the steps of a matched rule as a retrying, persisted state machine.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dukex/ruleflow/pkg/eventbus"
	"github.com/dukex/ruleflow/pkg/events"
	"github.com/dukex/ruleflow/pkg/models"
	"github.com/dukex/ruleflow/pkg/otelhelper"
	"github.com/dukex/ruleflow/pkg/persistence"
	"github.com/dukex/ruleflow/pkg/protocol"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrNoSteps        = errors.New("rule has no steps to execute")
	ErrNotRunning     = errors.New("execution is not running")
	ErrAlreadyRunning = errors.New("execution is already running")
	ErrCancelled      = errors.New("execution cancelled")
)

// ActionLookup resolves and validates actions by kind.
type ActionLookup interface {
	Action(kind string) (protocol.ActionHandler, error)
	ValidateAction(action models.Action) error
}

type Executor struct {
	actions        ActionLookup
	store          persistence.ExecutionRepository
	clock          clockwork.Clock
	tracer         trace.Tracer
	publisher      eventbus.EventPublisher
	scripts        protocol.ScriptEvaluator
	retry          RetryPolicy
	attemptTimeout time.Duration
	logger         *slog.Logger

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
}

type Option func(*Executor)

func WithClock(clock clockwork.Clock) Option {
	return func(e *Executor) { e.clock = clock }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(e *Executor) { e.tracer = tracer }
}

func WithPublisher(publisher eventbus.EventPublisher) Option {
	return func(e *Executor) { e.publisher = publisher }
}

// WithScriptEvaluator enables step conditions.
func WithScriptEvaluator(scripts protocol.ScriptEvaluator) Option {
	return func(e *Executor) { e.scripts = scripts }
}

// WithRetryPolicy replaces the non-zero fields of the default policy.
// RandomizationFactor is always taken from policy: zero disables jitter.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(e *Executor) {
		if policy.MaxAttempts > 0 {
			e.retry.MaxAttempts = policy.MaxAttempts
		}

		if policy.MaxElapsed > 0 {
			e.retry.MaxElapsed = policy.MaxElapsed
		}

		if policy.InitialInterval > 0 {
			e.retry.InitialInterval = policy.InitialInterval
		}

		if policy.MaxInterval > 0 {
			e.retry.MaxInterval = policy.MaxInterval
		}

		if policy.Multiplier >= 1 {
			e.retry.Multiplier = policy.Multiplier
		}

		e.retry.RandomizationFactor = policy.RandomizationFactor
	}
}

func WithAttemptTimeout(timeout time.Duration) Option {
	return func(e *Executor) {
		if timeout > 0 {
			e.attemptTimeout = timeout
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// NewExecutor builds an executor. A nil store keeps executions in memory only.
func NewExecutor(actions ActionLookup, store persistence.ExecutionRepository, opts ...Option) *Executor {
	e := &Executor{
		actions:        actions,
		store:          store,
		clock:          clockwork.NewRealClock(),
		tracer:         otelhelper.NoopTracer(),
		retry:          DefaultRetryPolicy(),
		attemptTimeout: DefaultAttemptTimeout,
		logger:         slog.Default(),
		running:        make(map[string]context.CancelCauseFunc),
	}

	for _, opt := range opts {
		opt(e)
	}

	e.logger = e.logger.With("module", "flow_executor")

	return e
}

// run is the mutable state of one execution. mu guards every StepState;
// saveMu keeps snapshots reaching the store in the order they were taken.
type run struct {
	rule   *models.Rule
	state  *models.FlowExecutionState
	defs   map[string]models.StepDefinition
	logger *slog.Logger

	mu     sync.Mutex
	saveMu sync.Mutex
}

// Prepare builds the pending execution of rule for event.
func (e *Executor) Prepare(rule *models.Rule, event *models.DomainEvent) (*models.FlowExecutionState, error) {
	if rule.Flow != nil {
		if err := rule.Flow.Validate(); err != nil {
			return nil, fmt.Errorf("rule %s: %w", rule.ID, err)
		}
	}

	steps := rule.Steps()
	if len(steps) == 0 {
		return nil, fmt.Errorf("rule %s: %w", rule.ID, ErrNoSteps)
	}

	state := &models.FlowExecutionState{
		ID:        uuid.NewString(),
		RuleID:    rule.ID,
		AppID:     rule.AppID,
		EventID:   event.Headers.EventID,
		Event:     event,
		Status:    models.StatusPending,
		Steps:     make([]*models.StepState, 0, len(steps)),
		CreatedAt: e.clock.Now().UTC(),
	}

	for _, step := range steps {
		state.Steps = append(state.Steps, &models.StepState{
			StepID:    step.ID,
			Name:      step.Name,
			DependsOn: append([]string(nil), step.DependsOn...),
			Optional:  step.Optional,
			Status:    models.StatusPending,
			Attempts:  []models.Attempt{},
		})
	}

	return state, nil
}

// Execute prepares and runs the execution of rule for event.
func (e *Executor) Execute(ctx context.Context, rule *models.Rule, event *models.DomainEvent) (*models.FlowExecutionState, error) {
	state, err := e.Prepare(rule, event)
	if err != nil {
		return nil, err
	}

	return state, e.Run(ctx, rule, state)
}

// Cancel stops a running execution. Attempts already recorded are kept.
func (e *Executor) Cancel(executionID string) error {
	e.mu.Lock()
	cancel, ok := e.running[executionID]
	e.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, executionID)
	}

	cancel(ErrCancelled)

	return nil
}

// IsRunning reports whether the execution is driven by this executor.
func (e *Executor) IsRunning(executionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, ok := e.running[executionID]

	return ok
}

// Run drives state from Pending to a terminal status. Step failures are
// recorded in state; the returned error only reports persistence problems
// and invalid starting states.
func (e *Executor) Run(ctx context.Context, rule *models.Rule, state *models.FlowExecutionState) error {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	if err := e.register(state.ID, cancel); err != nil {
		return err
	}
	defer e.unregister(state.ID)

	runCtx, span := otelhelper.StartSpan(runCtx, e.tracer, "flow.run",
		attribute.String(otelhelper.ExecutionIDKey, state.ID),
		attribute.String(otelhelper.RuleIDKey, rule.ID),
		attribute.String(otelhelper.RuleNameKey, rule.Name),
		attribute.String(otelhelper.AppIDKey, rule.AppID),
		attribute.String(otelhelper.EventIDKey, state.EventID),
	)
	defer span.End()

	r := &run{
		rule:   rule,
		state:  state,
		defs:   make(map[string]models.StepDefinition),
		logger: e.logger.With("execution_id", state.ID, "rule_id", rule.ID),
	}

	for _, def := range rule.Steps() {
		r.defs[def.ID] = def
	}

	r.mu.Lock()
	err := state.TransitionTo(models.StatusRunning, e.clock.Now().UTC())
	r.mu.Unlock()

	if err != nil {
		otelhelper.SetError(span, err)

		return fmt.Errorf("execution %s: %w", state.ID, err)
	}

	r.logger.InfoContext(runCtx, "flow execution started", "steps", len(state.Steps))

	errs := []error{e.save(runCtx, r)}

	e.publish(runCtx, r, events.FlowExecutionStarted{
		BaseEvent:   e.baseEvent(events.FlowExecutionStartedEvent, r),
		ExecutionID: state.ID,
		EventID:     state.EventID,
		Steps:       len(state.Steps),
	})

	var (
		wg     sync.WaitGroup
		errsMu sync.Mutex
		launch func()
	)

	// launch starts every step that became ready. Each finished step
	// launches again, so a step never waits for unrelated branches.
	launch = func() {
		if runCtx.Err() != nil {
			return
		}

		for _, step := range r.ready() {
			wg.Add(1)

			go func() {
				defer wg.Done()

				err := e.runStep(runCtx, r, step)

				errsMu.Lock()
				errs = append(errs, err)
				errsMu.Unlock()

				launch()
			}()
		}
	}

	launch()
	wg.Wait()

	errs = append(errs, e.finish(runCtx, r, span))

	return errors.Join(errs...)
}

func (e *Executor) register(id string, cancel context.CancelCauseFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.running[id]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}

	e.running[id] = cancel

	return nil
}

func (e *Executor) unregister(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.running, id)
}

// ready skips steps whose dependencies can no longer complete and
// schedules every pending step whose dependencies all completed.
func (r *run) ready() []*models.StepState {
	r.mu.Lock()
	defer r.mu.Unlock()

	for changed := true; changed; {
		changed = false

		for _, step := range r.state.Steps {
			if step.Status != models.StatusPending {
				continue
			}

			for _, id := range step.DependsOn {
				dep := r.state.Step(id)
				if dep.Status.IsTerminal() && dep.Status != models.StatusCompleted {
					step.Finish(models.StatusSkipped, fmt.Sprintf("dependency %s did not complete", id))

					changed = true

					break
				}
			}
		}
	}

	var ready []*models.StepState

	for _, step := range r.state.Steps {
		if step.Status != models.StatusPending {
			continue
		}

		ready := true

		for _, id := range step.DependsOn {
			if r.state.Step(id).Status != models.StatusCompleted {
				ready = false

				break
			}
		}

		if ready {
			step.Status = models.StatusScheduled
			ready = append(ready, step)
		}
	}

	return ready
}

// runStep runs the attempts of one step until it reaches a terminal status
// or the run is cancelled.
func (e *Executor) runStep(ctx context.Context, r *run, step *models.StepState) error {
	def := r.defs[step.StepID]
	logger := r.logger.With("step_id", step.StepID, "action_kind", def.Action.Kind)

	if def.Condition != "" {
		ok, err := e.condition(ctx, def.Condition, r.state.Event)
		if err != nil || !ok {
			reason := "condition does not match"
			if err != nil {
				logger.WarnContext(ctx, "step condition failed", "error", err)

				reason = fmt.Sprintf("condition failed: %v", err)
			}

			r.mu.Lock()
			step.Finish(models.StatusSkipped, reason)
			r.mu.Unlock()

			logger.InfoContext(ctx, "step skipped", "reason", reason)

			return e.save(ctx, r)
		}
	}

	started := e.clock.Now()
	b := e.retry.newBackOff(e.clock)

	for {
		number := len(step.Attempts) + 1
		attempt := e.attempt(ctx, r, def, number)

		status, reason, delay := e.decide(ctx, b, started, number, &attempt)
		now := e.clock.Now().UTC()

		r.mu.Lock()
		step.AppendAttempt(attempt)

		if status == models.StatusRetry {
			next := now.Add(delay)
			step.Status = models.StatusRetry
			step.Reason = attempt.Result.Reason
			step.NextAttemptAt = &next
		} else {
			step.Finish(status, reason)
		}
		r.mu.Unlock()

		logger.InfoContext(ctx, "step attempt finished",
			"attempt", number,
			"result", attempt.Result.Status,
			"reason", attempt.Result.Reason,
			"step_status", status,
			"retry_delay", delay,
		)

		err := e.save(ctx, r)

		e.publish(ctx, r, events.FlowExecutionAttempted{
			BaseEvent:   e.baseEvent(events.FlowExecutionAttemptedEvent, r),
			ExecutionID: r.state.ID,
			StepID:      step.StepID,
			Attempt:     number,
			Status:      attempt.Result.Status,
			Reason:      attempt.Result.Reason,
			RetryDelay:  delay,
		})

		if status != models.StatusRetry {
			return err
		}

		select {
		case <-ctx.Done():
			return err
		case <-e.clock.After(delay):
		}

		r.mu.Lock()
		step.Status = models.StatusScheduled
		step.NextAttemptAt = nil
		r.mu.Unlock()
	}
}

// decide maps an attempt outcome to the next step status. Retryable
// outcomes past the retry bounds become permanent failures.
func (e *Executor) decide(
	ctx context.Context,
	b *backoff.ExponentialBackOff,
	started time.Time,
	number int,
	attempt *models.Attempt,
) (models.ExecutionStatus, string, time.Duration) {
	result := attempt.Result

	switch {
	case result.Status == models.ResultComplete:
		return models.StatusCompleted, "", 0
	case ctx.Err() != nil:
		return models.StatusCancelled, cancelReason(ctx), 0
	case result.Status == models.ResultSkipped:
		return models.StatusSkipped, result.Reason, 0
	case !result.Retryable():
		return models.StatusFailed, result.Reason, 0
	}

	var giveUp string

	delay := b.NextBackOff()

	switch {
	case number >= e.retry.MaxAttempts:
		giveUp = fmt.Sprintf("gave up after %d attempts: %s", number, result.Reason)
	case delay == backoff.Stop:
		giveUp = fmt.Sprintf("retry window of %s exceeded: %s", e.retry.MaxElapsed, result.Reason)
	default:
		delay = max(delay, result.RetryAfter)

		if e.retry.MaxElapsed > 0 && e.clock.Since(started)+delay > e.retry.MaxElapsed {
			giveUp = fmt.Sprintf("retry window of %s exceeded: %s", e.retry.MaxElapsed, result.Reason)
		}
	}

	if giveUp != "" {
		attempt.Result = models.Failed(giveUp, false, result.Dump)

		return models.StatusFailed, giveUp, 0
	}

	attempt.RetryDelay = delay

	return models.StatusRetry, "", delay
}

// attempt records exactly one try: a fresh job is created and dispatched once.
func (e *Executor) attempt(ctx context.Context, r *run, def models.StepDefinition, number int) models.Attempt {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "flow.attempt",
		attribute.String(otelhelper.ExecutionIDKey, r.state.ID),
		attribute.String(otelhelper.StepIDKey, def.ID),
		attribute.String(otelhelper.ActionKindKey, def.Action.Kind),
		attribute.Int(otelhelper.AttemptKey, number),
	)
	defer span.End()

	attempt := models.Attempt{StartedAt: e.clock.Now().UTC()}

	logLine := func(message, dump string) {
		attempt.Log = append(attempt.Log, models.LogLine{
			Timestamp: e.clock.Now().UTC(),
			Message:   message,
			Dump:      dump,
		})
	}

	timeout := def.Timeout
	if timeout <= 0 {
		timeout = e.attemptTimeout
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	handler, job, err := e.createJob(attemptCtx, r.state.Event, def)

	switch {
	case err != nil && timedOut(ctx, attemptCtx):
		attempt.Result = models.Failed(fmt.Sprintf("attempt timed out after %s", timeout), true, "")
		logLine("Failed to create job: "+err.Error(), "")
	case err != nil:
		attempt.Result = models.Failed(fmt.Sprintf("invalid action: %v", err), false, "")
		logLine("Failed to create job: "+err.Error(), "")
	default:
		job.ID = uuid.NewString()
		job.CreatedAt = attempt.StartedAt
		attempt.JobID = job.ID

		logLine("Job created: "+job.Description, "")

		attempt.Result = e.executeJob(ctx, attemptCtx, handler, job, timeout)
		logLine(describe(attempt.Result), attempt.Result.Dump)
	}

	attempt.CompletedAt = e.clock.Now().UTC()

	span.SetAttributes(attribute.String(otelhelper.ResultKey, string(attempt.Result.Status)))

	if attempt.Result.Status == models.ResultFailed {
		otelhelper.SetError(span, errors.New(attempt.Result.Reason))
	}

	return attempt
}

//nolint:ireturn
func (e *Executor) createJob(
	ctx context.Context,
	event *models.DomainEvent,
	def models.StepDefinition,
) (protocol.ActionHandler, models.Job, error) {
	handler, err := e.actions.Action(def.Action.Kind)
	if err != nil {
		return nil, models.Job{}, err
	}

	if err := e.actions.ValidateAction(def.Action); err != nil {
		return nil, models.Job{}, err
	}

	job, err := handler.CreateJob(ctx, event, def.Action)
	if err != nil {
		return nil, models.Job{}, err
	}

	return handler, job, nil
}

// executeJob dispatches job within attemptCtx, the deadline of the whole
// attempt derived from ctx.
func (e *Executor) executeJob(
	ctx, attemptCtx context.Context,
	handler protocol.ActionHandler,
	job models.Job,
	timeout time.Duration,
) models.ExecutionResult {
	result := handler.ExecuteJob(attemptCtx, job)

	switch {
	case result.Status == "":
		return models.Failed("handler returned no result", false, result.Dump)
	case result.Status != models.ResultComplete && timedOut(ctx, attemptCtx):
		return models.Failed(fmt.Sprintf("attempt timed out after %s", timeout), true, result.Dump)
	default:
		return result
	}
}

// timedOut reports whether attemptCtx hit its own deadline while the run
// itself is still live.
func timedOut(ctx, attemptCtx context.Context) bool {
	return ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded)
}

func (e *Executor) condition(ctx context.Context, expression string, event *models.DomainEvent) (bool, error) {
	if e.scripts == nil {
		return false, errors.New("no script evaluator configured")
	}

	return e.scripts.Evaluate(ctx, expression, map[string]any{"event": event})
}

// finish settles the execution status once no step can make progress.
func (e *Executor) finish(ctx context.Context, r *run, span trace.Span) error {
	cancelled := ctx.Err() != nil
	reason := cancelReason(ctx)

	r.mu.Lock()

	var failed, interrupted []string

	for _, step := range r.state.Steps {
		if !step.Status.IsTerminal() {
			if cancelled {
				step.Finish(models.StatusCancelled, reason)
			} else {
				step.Finish(models.StatusSkipped, "not reachable")
			}
		}

		switch {
		case step.Status == models.StatusCancelled:
			interrupted = append(interrupted, step.StepID)
		case step.Status == models.StatusFailed && !step.Optional:
			failed = append(failed, step.StepID)
		}
	}

	status := models.StatusCompleted

	switch {
	case cancelled && len(interrupted) > 0:
		status = models.StatusCancelled
	case len(failed) > 0:
		status = models.StatusFailed
	}

	transitionErr := r.state.TransitionTo(status, e.clock.Now().UTC())

	var duration int64
	if r.state.StartedAt != nil && r.state.CompletedAt != nil {
		duration = r.state.CompletedAt.Sub(*r.state.StartedAt).Milliseconds()
	}
	r.mu.Unlock()

	span.SetAttributes(attribute.String(otelhelper.ResultKey, string(status)))
	r.logger.InfoContext(ctx, "flow execution finished", "status", status, "duration_ms", duration)

	saveErr := e.save(ctx, r)

	switch status {
	case models.StatusCompleted:
		e.publish(ctx, r, events.FlowExecutionCompleted{
			BaseEvent:   e.baseEvent(events.FlowExecutionCompletedEvent, r),
			ExecutionID: r.state.ID,
			DurationMs:  duration,
		})
	case models.StatusFailed:
		otelhelper.SetError(span, fmt.Errorf("steps failed: %s", strings.Join(failed, ", ")))

		e.publish(ctx, r, events.FlowExecutionFailed{
			BaseEvent:   e.baseEvent(events.FlowExecutionFailedEvent, r),
			ExecutionID: r.state.ID,
			DurationMs:  duration,
			FailedSteps: failed,
			Reason:      r.state.Step(failed[0]).Reason,
		})
	case models.StatusCancelled:
		e.publish(ctx, r, events.FlowExecutionCancelled{
			BaseEvent:   e.baseEvent(events.FlowExecutionCancelledEvent, r),
			ExecutionID: r.state.ID,
			DurationMs:  duration,
			Reason:      reason,
		})
	}

	return errors.Join(transitionErr, saveErr)
}

// save persists a snapshot. It also runs after cancellation so the
// terminal state always reaches the store.
func (e *Executor) save(ctx context.Context, r *run) error {
	if e.store == nil {
		return nil
	}

	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	r.mu.Lock()
	snapshot := r.state.Clone()
	r.mu.Unlock()

	if err := e.store.SaveExecution(context.WithoutCancel(ctx), snapshot); err != nil {
		r.logger.ErrorContext(ctx, "failed to save execution", "error", err)

		return persistence.NewExecutionError("save", snapshot.ID, err)
	}

	return nil
}

func (e *Executor) publish(ctx context.Context, r *run, event eventbus.Event) {
	if e.publisher == nil {
		return
	}

	if err := e.publisher.Publish(context.WithoutCancel(ctx), r.state.ID, event); err != nil {
		r.logger.WarnContext(ctx, "failed to publish lifecycle event", "type", event.GetType(), "error", err)
	}
}

func (e *Executor) baseEvent(eventType events.EventType, r *run) events.BaseEvent {
	return events.NewBaseEvent(eventType, r.state.AppID, r.state.RuleID, e.clock.Now())
}

func cancelReason(ctx context.Context) string {
	cause := context.Cause(ctx)
	if cause == nil || errors.Is(cause, ErrCancelled) {
		return "cancelled"
	}

	return cause.Error()
}

func describe(result models.ExecutionResult) string {
	switch result.Status {
	case models.ResultComplete:
		return "Completed"
	case models.ResultRetry:
		return fmt.Sprintf("Retry after %s: %s", result.RetryAfter, result.Reason)
	case models.ResultFailed:
		if result.Transient {
			return "Failed (transient): " + result.Reason
		}

		return "Failed: " + result.Reason
	default:
		return fmt.Sprintf("%s: %s", result.Status, result.Reason)
	}
}
