package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	log_action "github.com/dukex/ruleflow/pkg/actions/log"
	"github.com/dukex/ruleflow/pkg/engine"
	"github.com/dukex/ruleflow/pkg/eventbus"
	"github.com/dukex/ruleflow/pkg/events"
	"github.com/dukex/ruleflow/pkg/flow"
	"github.com/dukex/ruleflow/pkg/formatter"
	"github.com/dukex/ruleflow/pkg/mocks"
	"github.com/dukex/ruleflow/pkg/models"
	"github.com/dukex/ruleflow/pkg/persistence"
	"github.com/dukex/ruleflow/pkg/persistence/file"
	"github.com/dukex/ruleflow/pkg/registry"
	"github.com/dukex/ruleflow/pkg/scheduler"
	"github.com/dukex/ruleflow/pkg/scripting"
	"github.com/dukex/ruleflow/pkg/triggers"
	"github.com/dukex/ruleflow/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	app   *fiber.App
	store persistence.Persistence
}

func setupTestApp(t *testing.T, publisher eventbus.EventPublisher, schedules web.ScheduleLister) testServer {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	scripts := scripting.NewCUEEvaluator()

	reg := registry.New(logger)
	reg.RegisterAction(log_action.NewLogAction(formatter.New(nil, nil), logger))

	for _, handler := range triggers.Handlers(scripts, logger) {
		reg.RegisterTrigger(handler)
	}

	store := file.NewPersistence(t.TempDir())
	executor := flow.NewExecutor(reg, store.ExecutionRepository(), flow.WithScriptEvaluator(scripts), flow.WithLogger(logger))
	eng := engine.New(store, triggers.NewEvaluator(reg, triggers.WithLogger(logger)), executor, reg, engine.WithLogger(logger))
	t.Cleanup(func() { _ = eng.Shutdown(context.Background()) })

	handlers := web.NewAPIHandlers(eng, store, reg, publisher, schedules, validator.New(validator.WithRequiredStructEnabled()), logger)

	return testServer{app: web.NewApp(handlers), store: store}
}

func (s testServer) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)

		reader = bytes.NewReader(payload)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.app.Test(req)
	require.NoError(t, err)

	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp, data
}

type problem struct {
	Type   string `json:"type"`
	Status int    `json:"status"`
	Detail string `json:"detail"`
}

func decodeProblem(t *testing.T, body []byte) problem {
	t.Helper()

	var p problem
	require.NoError(t, json.Unmarshal(body, &p))

	return p
}

func ruleRequest(trigger models.TriggerKind, message string) web.SaveRuleRequest {
	return web.SaveRuleRequest{
		AppID:   "app-1",
		Name:    "notify",
		Enabled: true,
		Trigger: &models.Trigger{Kind: trigger},
		Action:  &models.Action{Kind: log_action.Kind, Config: map[string]any{"message": message}},
	}
}

func contentEvent() *models.DomainEvent {
	return models.NewDomainEvent(models.EventHeaders{
		EventID:   "evt-1",
		Timestamp: time.Now().UTC(),
	}, &models.ContentEvent{
		App:       models.NamedID{ID: "app-1", Name: "blog"},
		Schema:    models.NamedID{ID: "schema-1", Name: "posts"},
		ContentID: "content-1",
		Type:      models.ContentCreated,
	})
}

func TestAPIHandlers_SaveRule(t *testing.T) {
	t.Parallel()

	invalidLevel := ruleRequest(models.TriggerManual, "x")
	invalidLevel.Action.Config["level"] = "loud"

	unknownKind := ruleRequest(models.TriggerManual, "x")
	unknownKind.Action.Kind = "carrier-pigeon"

	noTrigger := ruleRequest(models.TriggerManual, "x")
	noTrigger.Trigger = nil

	badCron := ruleRequest(models.TriggerCronJob, "x")
	badCron.Trigger.Schedule = "whenever"

	cyclic := ruleRequest(models.TriggerManual, "x")
	cyclic.Action = nil
	cyclic.Flow = &models.FlowDefinition{Steps: []models.StepDefinition{
		{ID: "a", Action: models.Action{Kind: log_action.Kind, Config: map[string]any{"message": "a"}}, DependsOn: []string{"b"}},
		{ID: "b", Action: models.Action{Kind: log_action.Kind, Config: map[string]any{"message": "b"}}, DependsOn: []string{"a"}},
	}}

	tests := []struct {
		name           string
		body           any
		expectedStatus int
	}{
		{name: "valid rule", body: ruleRequest(models.TriggerManual, "hello"), expectedStatus: http.StatusOK},
		{name: "invalid action config", body: invalidLevel, expectedStatus: http.StatusBadRequest},
		{name: "unknown action kind", body: unknownKind, expectedStatus: http.StatusBadRequest},
		{name: "missing trigger", body: noTrigger, expectedStatus: http.StatusBadRequest},
		{name: "invalid cron schedule", body: badCron, expectedStatus: http.StatusBadRequest},
		{name: "cyclic flow", body: cyclic, expectedStatus: http.StatusBadRequest},
		{name: "not json", body: "plain", expectedStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := setupTestApp(t, nil, nil)

			resp, body := s.do(t, http.MethodPut, "/rules/rule-1", tt.body)
			require.Equal(t, tt.expectedStatus, resp.StatusCode, string(body))

			if tt.expectedStatus != http.StatusOK {
				assert.Equal(t, "validation_error", decodeProblem(t, body).Type)

				return
			}

			resp, body = s.do(t, http.MethodGet, "/rules/rule-1", nil)
			require.Equal(t, http.StatusOK, resp.StatusCode)

			var rule models.Rule
			require.NoError(t, json.Unmarshal(body, &rule))
			assert.Equal(t, "rule-1", rule.ID)
			assert.Equal(t, "notify", rule.Name)
			assert.False(t, rule.CreatedAt.IsZero())
		})
	}
}

func TestAPIHandlers_Rules(t *testing.T) {
	t.Parallel()

	s := setupTestApp(t, nil, nil)

	resp, body := s.do(t, http.MethodGet, "/rules/missing", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "rule_not_found", decodeProblem(t, body).Type)

	resp, _ = s.do(t, http.MethodPut, "/rules/rule-1", ruleRequest(models.TriggerManual, "hello"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = s.do(t, http.MethodGet, "/apps/app-1/rules", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list struct {
		Rules []models.Rule `json:"rules"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.Rules, 1)

	resp, _ = s.do(t, http.MethodDelete, "/rules/rule-1", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = s.do(t, http.MethodGet, "/rules/rule-1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPIHandlers_TriggerRule(t *testing.T) {
	t.Parallel()

	s := setupTestApp(t, nil, nil)

	resp, _ := s.do(t, http.MethodPut, "/rules/manual", ruleRequest(models.TriggerManual, "manual"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = s.do(t, http.MethodPut, "/rules/content", ruleRequest(models.TriggerContentChanged, "content"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := s.do(t, http.MethodPost, "/rules/manual/trigger", web.TriggerRuleRequest{Value: "now"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var state models.FlowExecutionState
	require.NoError(t, json.Unmarshal(body, &state))
	assert.Equal(t, models.StatusCompleted, state.Status)
	assert.Equal(t, "manual", state.RuleID)

	resp, body = s.do(t, http.MethodPost, "/rules/content/trigger", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "rule_skipped", decodeProblem(t, body).Type)

	resp, _ = s.do(t, http.MethodPost, "/rules/missing/trigger", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = s.do(t, http.MethodGet, "/rules/manual/executions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var history struct {
		Executions []models.FlowExecutionState `json:"executions"`
	}
	require.NoError(t, json.Unmarshal(body, &history))
	require.Len(t, history.Executions, 1)
	assert.Equal(t, state.ID, history.Executions[0].ID)

	resp, _ = s.do(t, http.MethodGet, "/rules/manual/executions?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = s.do(t, http.MethodGet, "/rules/missing/executions", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = s.do(t, http.MethodGet, "/executions/"+state.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var fetched models.FlowExecutionState
	require.NoError(t, json.Unmarshal(body, &fetched))
	assert.Equal(t, state.ID, fetched.ID)

	resp, body = s.do(t, http.MethodPost, "/executions/"+state.ID+"/cancel", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "execution_not_running", decodeProblem(t, body).Type)
}

func TestAPIHandlers_Executions_NotFound(t *testing.T) {
	t.Parallel()

	s := setupTestApp(t, nil, nil)

	resp, body := s.do(t, http.MethodGet, "/executions/missing", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "execution_not_found", decodeProblem(t, body).Type)

	resp, _ = s.do(t, http.MethodPost, "/executions/missing/cancel", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPIHandlers_Simulate(t *testing.T) {
	t.Parallel()

	s := setupTestApp(t, nil, nil)

	inline := &models.Rule{
		ID:      "inline",
		AppID:   "app-1",
		Enabled: true,
		Trigger: &models.Trigger{Kind: models.TriggerContentChanged},
		Action:  &models.Action{Kind: log_action.Kind, Config: map[string]any{"message": "$SCHEMA_NAME $CONTENT_ACTION"}},
	}

	resp, body := s.do(t, http.MethodPost, "/simulate", web.SimulateRequest{Event: contentEvent(), Rules: []*models.Rule{inline}})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var simulated web.SimulateResponse
	require.NoError(t, json.Unmarshal(body, &simulated))
	assert.Equal(t, "evt-1", simulated.EventID)
	require.Len(t, simulated.Rules, 1)
	require.Len(t, simulated.Rules[0].Jobs, 1)
	assert.Equal(t, "Log info message", simulated.Rules[0].Jobs[0].Description)

	resp, _ = s.do(t, http.MethodPut, "/rules/stored", ruleRequest(models.TriggerAssetChanged, "asset"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = s.do(t, http.MethodPost, "/simulate", web.SimulateRequest{Event: contentEvent()})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &simulated))
	require.Len(t, simulated.Rules, 1)
	assert.Equal(t, "stored", simulated.Rules[0].RuleID)
	assert.Equal(t, "WrongEvent", string(simulated.Rules[0].SkipReason))

	resp, _ = s.do(t, http.MethodPost, "/simulate", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	broken := contentEvent()
	broken.Content = nil

	resp, _ = s.do(t, http.MethodPost, "/simulate", web.SimulateRequest{Event: broken})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPIHandlers_IngestEvent_Inline(t *testing.T) {
	t.Parallel()

	s := setupTestApp(t, nil, nil)

	resp, _ := s.do(t, http.MethodPut, "/rules/content", ruleRequest(models.TriggerContentChanged, "content"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = s.do(t, http.MethodPut, "/rules/asset", ruleRequest(models.TriggerAssetChanged, "asset"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := s.do(t, http.MethodPost, "/events", contentEvent())
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	var handled web.EventResponse
	require.NoError(t, json.Unmarshal(body, &handled))
	require.Len(t, handled.Executions, 1)
	assert.Equal(t, "content", handled.Executions[0].RuleID)
	assert.Equal(t, models.StatusPending, handled.Executions[0].Status)
	assert.Equal(t, []web.SkipResponse{{RuleID: "asset", Reason: "WrongEvent"}}, handled.Skips)

	executionID := handled.Executions[0].ID

	require.Eventually(t, func() bool {
		state, err := s.store.ExecutionRepository().ExecutionByID(context.Background(), executionID)

		return err == nil && state.Status == models.StatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	resp, _ = s.do(t, http.MethodPost, "/events", models.DomainEvent{Kind: models.EventKindContent})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPIHandlers_IngestEvent_Queued(t *testing.T) {
	t.Parallel()

	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, "app-1", mock.MatchedBy(func(e events.DomainEventReceived) bool {
		return e.Event.Headers.EventID == "evt-1" && e.GetType() == events.DomainEventReceivedEvent
	})).Return(nil).Once()

	s := setupTestApp(t, bus, nil)

	resp, body := s.do(t, http.MethodPost, "/events", contentEvent())
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	var accepted web.AcceptedResponse
	require.NoError(t, json.Unmarshal(body, &accepted))
	assert.Equal(t, web.AcceptedResponse{EventID: "evt-1", Status: "queued"}, accepted)

	bus.AssertExpectations(t)
}

func TestAPIHandlers_GetSchedules(t *testing.T) {
	t.Parallel()

	sched := scheduler.New(func(_ context.Context, _ *models.DomainEvent) error { return nil })
	require.NoError(t, sched.Sync([]*models.Rule{{
		ID:      "weekly",
		AppID:   "app-1",
		Enabled: true,
		Trigger: &models.Trigger{Kind: models.TriggerCronJob, Schedule: "0 9 * * 1"},
		Action:  &models.Action{Kind: log_action.Kind},
	}}))

	s := setupTestApp(t, nil, sched)

	resp, body := s.do(t, http.MethodGet, "/schedules", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list struct {
		Schedules []models.Schedule `json:"schedules"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.Schedules, 1)
	assert.Equal(t, "weekly", list.Schedules[0].RuleID)
	assert.Equal(t, "0 9 * * 1", list.Schedules[0].CronExpression)

	resp, body = setupTestApp(t, nil, nil).do(t, http.MethodGet, "/schedules", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"schedules":[]}`, string(body))
}

func TestAPIHandlers_HealthCheck(t *testing.T) {
	t.Parallel()

	resp, body := setupTestApp(t, nil, nil).do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"healthy"`)
}
