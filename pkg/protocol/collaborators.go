package protocol

import (
	"context"
	"errors"

	"github.com/dukex/ruleflow/pkg/models"
)

// ErrUserNotFound is returned by a UserResolver when no user matches.
var ErrUserNotFound = errors.New("user not found")

// UserResolver looks up users by id or email.
type UserResolver interface {
	FindByIDOrEmail(ctx context.Context, identifier string) (*models.User, error)
}

// ScriptEvaluator evaluates boolean expressions against named variables.
type ScriptEvaluator interface {
	Evaluate(ctx context.Context, expression string, vars map[string]any) (bool, error)
}

// URLGenerator builds deep links into the content UI.
type URLGenerator interface {
	ContentURL(app, schema models.NamedID, contentID string) string
}

