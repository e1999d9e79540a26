//go:build integration

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
	"github.com/dukex/ruleflow/pkg/flow"
	"github.com/dukex/ruleflow/pkg/formatter"
	"github.com/dukex/ruleflow/pkg/models"
	"github.com/dukex/ruleflow/pkg/persistence/postgresql"
	"github.com/dukex/ruleflow/pkg/registry"
	"github.com/dukex/ruleflow/pkg/triggers"
	"github.com/dukex/ruleflow/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

func setupPostgresApp(t *testing.T) *fiber.App {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("ruleflow_web"),
		postgres.WithUsername("ruleflow"),
		postgres.WithPassword("ruleflow"),
		postgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)

	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	databaseURL, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close(context.Background()) })

	reg := registry.New(logger)
	reg.RegisterAction(log_action.NewLogAction(formatter.New(nil, nil), logger))

	for _, handler := range triggers.Handlers(nil, logger) {
		reg.RegisterTrigger(handler)
	}

	executor := flow.NewExecutor(reg, store.ExecutionRepository(), flow.WithLogger(logger))
	eng := engine.New(store, triggers.NewEvaluator(reg), executor, reg, engine.WithLogger(logger))

	return web.NewApp(web.NewAPIHandlers(eng, store, reg, nil, nil, validator.New(validator.WithRequiredStructEnabled()), logger))
}

func TestIntegration_RuleLifecycle(t *testing.T) {
	app := setupPostgresApp(t)

	send := func(method, path string, body any) (*http.Response, []byte) {
		var reader io.Reader

		if body != nil {
			payload, err := json.Marshal(body)
			require.NoError(t, err)

			reader = bytes.NewReader(payload)
		}

		req := httptest.NewRequest(method, path, reader)
		req.Header.Set("Content-Type", "application/json")

		resp, err := app.Test(req)
		require.NoError(t, err)

		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		require.NoError(t, err)

		return resp, data
	}

	resp, body := send(http.MethodPut, "/rules/manual", ruleRequest(models.TriggerManual, "from postgres"))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = send(http.MethodPost, "/rules/manual/trigger", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var state models.FlowExecutionState
	require.NoError(t, json.Unmarshal(body, &state))
	assert.Equal(t, models.StatusCompleted, state.Status)

	resp, body = send(http.MethodGet, "/rules/manual/executions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var history struct {
		Executions []models.FlowExecutionState `json:"executions"`
	}
	require.NoError(t, json.Unmarshal(body, &history))
	require.Len(t, history.Executions, 1)
	assert.Equal(t, state.ID, history.Executions[0].ID)
	assert.NotNil(t, history.Executions[0].ArchivedAt)
}
