// Package actions holds helpers shared by the sink action handlers.
package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dukex/ruleflow/pkg/models"
	"github.com/dukex/ruleflow/pkg/protocol"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// String reads a string config field. Numbers are accepted and formatted.
func String(config map[string]any, key string) string {
	switch v := config[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return ""
	}
}

// Int reads an integer config field, returning def when absent or malformed.
func Int(config map[string]any, key string, def int) int {
	switch v := config[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}

	return def
}

// Bool reads a boolean config field.
func Bool(config map[string]any, key string) bool {
	switch v := config[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)

		return b
	default:
		return false
	}
}

// StringMap reads an object of string values, e.g. headers.
func StringMap(config map[string]any, key string) map[string]string {
	result := map[string]string{}

	switch v := config[key].(type) {
	case map[string]any:
		for k, item := range v {
			if s, ok := item.(string); ok {
				result[k] = s
			}
		}
	case map[string]string:
		for k, item := range v {
			result[k] = item
		}
	}

	return result
}

// Validate runs struct validation and converts failures into a protocol.ValidationError.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrors validator.ValidationErrors
	if errors.As(err, &fieldErrors) && len(fieldErrors) > 0 {
		first := fieldErrors[0]

		return protocol.NewValidationError(strings.ToLower(first.Field()), "failed on '%s' validation", first.Tag())
	}

	return protocol.NewValidationError("", "%s", err.Error())
}

// Lines splits newline delimited values, dropping blank lines.
func Lines(value string) []string {
	var lines []string

	for _, line := range strings.Split(value, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}

	return lines
}

// Payload renders the configured payload template, falling back to the event as JSON.
func Payload(ctx context.Context, renderer protocol.Renderer, template string, event *models.DomainEvent) (string, error) {
	if strings.TrimSpace(template) != "" {
		return renderer.Render(ctx, template, event), nil
	}

	encoded, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("failed to encode event: %w", err)
	}

	return string(encoded), nil
}

// JobData extracts the typed job data produced by the same handler.
func JobData[T any](job models.Job) (T, bool) {
	switch data := job.Data.(type) {
	case T:
		return data, true
	case *T:
		if data != nil {
			return *data, true
		}
	}

	var zero T

	return zero, false
}

// IsTransient reports whether err is worth retrying: timeouts, refused or
// reset connections, and cancelled attempts that hit their deadline.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE)
}

// ErrorResult maps a transport error to a failed result.
func ErrorResult(err error, dump string) models.ExecutionResult {
	if errors.Is(err, context.Canceled) {
		return models.Failed("cancelled: "+err.Error(), false, dump)
	}

	return models.Failed(err.Error(), IsTransient(err), dump)
}

// ParseRetryAfter reads a Retry-After value in seconds or as an HTTP date.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}

	if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second, true
	}

	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d, true
		}

		return 0, true
	}

	return 0, false
}
