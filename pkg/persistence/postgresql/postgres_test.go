package postgresql_test

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/dukex/ruleflow/pkg/models"
	"github.com/dukex/ruleflow/pkg/persistence"
	"github.com/dukex/ruleflow/pkg/persistence/postgresql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

var postgresContainer *postgres.PostgresContainer

func dropDb(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	for _, table := range []string{"flow_executions", "rules", "schema_migrations"} {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}

	err = db.Close()
	require.NoError(t, err)
}

func setupTestDB(t *testing.T) (*postgresql.Persistence, context.Context) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("ruleflow_test"),
			postgres.WithUsername("ruleflow"),
			postgres.WithPassword("ruleflow"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropDb(ctx, t, databaseURL)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropDb(ctx, t, databaseURL)

		err = p.Close(ctx)
		require.NoError(t, err)

		cancel()
	})

	return p, ctx
}

func TestNewPersistence_Migrations(t *testing.T) {
	p, ctx := setupTestDB(t)

	require.NoError(t, p.HealthCheck(ctx))

	rules, err := p.RuleRepository().AllRules(ctx)
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestRuleRepository(t *testing.T) {
	p, ctx := setupTestDB(t)
	repo := p.RuleRepository()

	rule := &models.Rule{
		ID:      "rule-1",
		AppID:   "app-1",
		Name:    "Ping webhook",
		Enabled: true,
		Trigger: &models.Trigger{
			Kind:    models.TriggerContentChanged,
			Schemas: []models.SchemaFilter{{SchemaID: "schema-1", Condition: `event.content.type == "Created"`}},
		},
		Action: &models.Action{Kind: "webhook", Config: map[string]any{"url": "https://example.com/$APP_ID"}},
	}

	require.NoError(t, repo.SaveRule(ctx, rule))

	rule.Name = "Ping webhook v2"
	require.NoError(t, repo.SaveRule(ctx, rule))

	loaded, err := repo.RuleByID(ctx, "rule-1")
	require.NoError(t, err)
	assert.Equal(t, "Ping webhook v2", loaded.Name)
	assert.Equal(t, "schema-1", loaded.Trigger.Schemas[0].SchemaID)

	byApp, err := repo.RulesByApp(ctx, "app-1")
	require.NoError(t, err)
	assert.Len(t, byApp, 1)

	byApp, err = repo.RulesByApp(ctx, "app-2")
	require.NoError(t, err)
	assert.Empty(t, byApp)

	require.NoError(t, repo.DeleteRule(ctx, "rule-1"))

	_, err = repo.RuleByID(ctx, "rule-1")
	assert.True(t, persistence.IsRuleNotFound(err))

	err = repo.SaveRule(ctx, &models.Rule{ID: "bad"})
	assert.ErrorIs(t, err, persistence.ErrInvalidRule)
}

func TestExecutionRepository(t *testing.T) {
	p, ctx := setupTestDB(t)
	repo := p.ExecutionRepository()

	base := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)

	state := &models.FlowExecutionState{
		ID:        "exec-1",
		RuleID:    "rule-1",
		AppID:     "app-1",
		EventID:   "evt-1",
		Status:    models.StatusPending,
		CreatedAt: base,
		Steps:     []*models.StepState{{StepID: "main", Status: models.StatusPending}},
	}
	require.NoError(t, repo.SaveExecution(ctx, state))

	require.NoError(t, state.TransitionTo(models.StatusRunning, base))
	state.Steps[0].AppendAttempt(models.Attempt{StartedAt: base, CompletedAt: base, Result: models.Complete("200")})
	state.Steps[0].Finish(models.StatusCompleted, "")
	require.NoError(t, state.TransitionTo(models.StatusCompleted, base.Add(time.Second)))
	require.NoError(t, repo.SaveExecution(ctx, state))

	// A stale non-terminal snapshot must not overwrite the archived record.
	stale := state.Clone()
	stale.Status = models.StatusRunning
	stale.ArchivedAt = nil
	require.NoError(t, repo.SaveExecution(ctx, stale))

	loaded, err := repo.ExecutionByID(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, loaded.Status)
	require.NotNil(t, loaded.ArchivedAt)
	require.Len(t, loaded.Steps[0].Attempts, 1)
	assert.Equal(t, "200", loaded.Steps[0].Attempts[0].Result.Dump)

	require.NoError(t, repo.SaveExecution(ctx, &models.FlowExecutionState{
		ID: "exec-2", RuleID: "rule-1", AppID: "app-1", Status: models.StatusPending, CreatedAt: base.Add(time.Hour),
	}))

	history, err := repo.ExecutionsByRule(ctx, "rule-1", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "exec-2", history[0].ID)

	_, err = repo.ExecutionByID(ctx, "missing")
	assert.True(t, persistence.IsExecutionNotFound(err))
}
