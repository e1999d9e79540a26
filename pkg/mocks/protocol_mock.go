package mocks

import (
	"context"

	"github.com/dukex/ruleflow/pkg/models"
	"github.com/stretchr/testify/mock"
)

// MockUserResolver is a mock implementation of protocol.UserResolver interface.
type MockUserResolver struct {
	mock.Mock
}

func (m *MockUserResolver) FindByIDOrEmail(ctx context.Context, identifier string) (*models.User, error) {
	args := m.Called(ctx, identifier)

	user, _ := args.Get(0).(*models.User)

	return user, args.Error(1)
}

// MockScriptEvaluator is a mock implementation of protocol.ScriptEvaluator interface.
type MockScriptEvaluator struct {
	mock.Mock
}

func (m *MockScriptEvaluator) Evaluate(ctx context.Context, expression string, vars map[string]any) (bool, error) {
	args := m.Called(ctx, expression, vars)

	return args.Bool(0), args.Error(1)
}

// MockURLGenerator is a mock implementation of protocol.URLGenerator interface.
type MockURLGenerator struct {
	mock.Mock
}

func (m *MockURLGenerator) ContentURL(app, schema models.NamedID, contentID string) string {
	args := m.Called(app, schema, contentID)

	return args.String(0)
}

// MockActionHandler is a mock implementation of protocol.ActionHandler interface.
type MockActionHandler struct {
	mock.Mock

	KindValue string
}

func (m *MockActionHandler) Kind() string {
	if m.KindValue == "" {
		return "mock"
	}

	return m.KindValue
}

func (m *MockActionHandler) Name() string { return "Mock" }

func (m *MockActionHandler) Description() string { return "Mock action handler" }

func (m *MockActionHandler) Schema() map[string]any {
	return map[string]any{"type": "object"}
}

func (m *MockActionHandler) CreateJob(ctx context.Context, event *models.DomainEvent, action models.Action) (models.Job, error) {
	args := m.Called(ctx, event, action)

	job, _ := args.Get(0).(models.Job)

	return job, args.Error(1)
}

func (m *MockActionHandler) ExecuteJob(ctx context.Context, job models.Job) models.ExecutionResult {
	args := m.Called(ctx, job)

	result, _ := args.Get(0).(models.ExecutionResult)

	return result
}
