// Package formatter renders user authored templates against domain events.
package formatter

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dukex/ruleflow/pkg/models"
	"github.com/dukex/ruleflow/pkg/protocol"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"
)

// Undefined replaces every placeholder that cannot be resolved.
const Undefined = "UNDEFINED"

const (
	// DefaultUserTTL is how long resolved users, including misses, stay cached.
	DefaultUserTTL = 10 * time.Minute
	// DefaultUserCapacity bounds the cached users; the least recently used go first.
	DefaultUserCapacity = 10000

	dateLayout     = "2006-01-02"
	datetimeLayout = "2006-01-02-03-04-05"
)

var placeholderPattern = regexp.MustCompile(
	`\$(APP_ID|APP_NAME|SCHEMA_ID|SCHEMA_NAME|TIMESTAMP_DATETIME|TIMESTAMP_DATE|CONTENT_ACTION|CONTENT_URL|USER_NAME|USER_EMAIL|CONTENT_DATA(?:\.[0-9A-Za-z\-_]*){2,})`,
)

type Formatter struct {
	users    protocol.UserResolver
	urls     protocol.URLGenerator
	ttl      time.Duration
	capacity uint64
	logger   *slog.Logger

	cache   *ttlcache.Cache[string, *models.User]
	lookups singleflight.Group
}

type Option func(*Formatter)

func WithUserCapacity(capacity uint64) Option {
	return func(f *Formatter) {
		if capacity > 0 {
			f.capacity = capacity
		}
	}
}

func WithUserTTL(ttl time.Duration) Option {
	return func(f *Formatter) {
		if ttl > 0 {
			f.ttl = ttl
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(f *Formatter) { f.logger = logger }
}

// New creates a formatter. Both collaborators are optional; without them the
// user and URL placeholders render as Undefined.
func New(users protocol.UserResolver, urls protocol.URLGenerator, opts ...Option) *Formatter {
	f := &Formatter{
		users:    users,
		urls:     urls,
		ttl:      DefaultUserTTL,
		capacity: DefaultUserCapacity,
		logger:   slog.Default(),
	}

	for _, opt := range opts {
		opt(f)
	}

	f.logger = f.logger.With("module", "formatter")
	f.cache = ttlcache.New(
		ttlcache.WithTTL[string, *models.User](f.ttl),
		ttlcache.WithCapacity[string, *models.User](f.capacity),
		ttlcache.WithDisableTouchOnHit[string, *models.User](),
	)

	return f
}

// Render replaces every placeholder in template. It never fails.
func (f *Formatter) Render(ctx context.Context, template string, event *models.DomainEvent) string {
	if template == "" || !strings.Contains(template, "$") {
		return template
	}

	var (
		user         *models.User
		userResolved bool
	)

	resolveUser := func() *models.User {
		if !userResolved {
			userResolved = true

			if event != nil {
				user = f.ResolveUser(ctx, event.Headers.Actor)
			}
		}

		return user
	}

	return placeholderPattern.ReplaceAllStringFunc(template, func(token string) string {
		if event == nil {
			return Undefined
		}

		name := token[1:]

		switch name {
		case "APP_ID":
			return orUndefined(event.App().ID)
		case "APP_NAME":
			return orUndefined(event.App().Name)
		case "SCHEMA_ID":
			schema, _ := event.SchemaRef()

			return orUndefined(schema.ID)
		case "SCHEMA_NAME":
			schema, _ := event.SchemaRef()

			return orUndefined(schema.Name)
		case "TIMESTAMP_DATE":
			return formatTimestamp(event.Headers.Timestamp, dateLayout)
		case "TIMESTAMP_DATETIME":
			return formatTimestamp(event.Headers.Timestamp, datetimeLayout)
		case "CONTENT_ACTION":
			return contentAction(event)
		case "CONTENT_URL":
			return f.contentURL(event)
		case "USER_NAME":
			if u := resolveUser(); u != nil {
				return orUndefined(u.DisplayName)
			}

			return Undefined
		case "USER_EMAIL":
			if u := resolveUser(); u != nil {
				return orUndefined(u.Email)
			}

			return Undefined
		default:
			return contentData(event, strings.TrimPrefix(name, "CONTENT_DATA"))
		}
	})
}

// RenderValue renders every string leaf of a JSON-like value.
func (f *Formatter) RenderValue(ctx context.Context, value any, event *models.DomainEvent) any {
	switch typed := value.(type) {
	case string:
		return f.Render(ctx, typed, event)
	case map[string]any:
		rendered := make(map[string]any, len(typed))
		for key, item := range typed {
			rendered[key] = f.RenderValue(ctx, item, event)
		}

		return rendered
	case []any:
		rendered := make([]any, len(typed))
		for i, item := range typed {
			rendered[i] = f.RenderValue(ctx, item, event)
		}

		return rendered
	default:
		return value
	}
}

// ResolveUser maps an actor to a user. Clients resolve to themselves; subjects
// are looked up once per TTL window, misses included.
func (f *Formatter) ResolveUser(ctx context.Context, actor models.RefToken) *models.User {
	if actor.IsEmpty() {
		return nil
	}

	if actor.IsClient() {
		return &models.User{
			ID:          actor.Identifier,
			DisplayName: actor.Identifier,
			Email:       actor.String(),
		}
	}

	if f.users == nil {
		return nil
	}

	id := actor.Identifier

	if item := f.cache.Get(id); item != nil {
		return item.Value()
	}

	// The shared lookup outlives the caller that started it, so a cancelled
	// attempt never caches a miss for the others.
	lookupCtx := context.WithoutCancel(ctx)

	results := f.lookups.DoChan(id, func() (any, error) {
		if item := f.cache.Get(id); item != nil {
			return item.Value(), nil
		}

		user, err := f.users.FindByIDOrEmail(lookupCtx, id)
		if err != nil {
			f.logger.DebugContext(lookupCtx, "user lookup failed", "identifier", id, "error", err)

			user = nil
		}

		f.cache.DeleteExpired()
		f.cache.Set(id, user, ttlcache.DefaultTTL)

		return user, nil
	})

	select {
	case result := <-results:
		user, _ := result.Val.(*models.User)

		return user
	case <-ctx.Done():
		return nil
	}
}

// CachedUsers returns the number of cached lookups, misses included.
func (f *Formatter) CachedUsers() int {
	return f.cache.Len()
}

func (f *Formatter) contentURL(event *models.DomainEvent) string {
	if f.urls == nil || event.Kind != models.EventKindContent || event.Content == nil {
		return Undefined
	}

	return orUndefined(f.urls.ContentURL(event.Content.App, event.Content.Schema, event.Content.ContentID))
}

func contentAction(event *models.DomainEvent) string {
	if event.Kind != models.EventKindContent || event.Content == nil {
		return Undefined
	}

	switch event.Content.Type {
	case models.ContentCreated:
		return "created"
	case models.ContentUpdated:
		return "updated"
	case models.ContentStatusChanged:
		return "set to " + strings.ToLower(event.Content.Status)
	case models.ContentDeleted:
		return "deleted"
	default:
		return Undefined
	}
}

// contentData walks path (".field.partition...") through the content data.
func contentData(event *models.DomainEvent, path string) string {
	if event.Kind != models.EventKindContent || event.Content == nil || event.Content.Data == nil {
		return Undefined
	}

	var current any = event.Content.Data

	for _, segment := range strings.Split(strings.TrimPrefix(path, "."), ".") {
		switch node := current.(type) {
		case map[string]any:
			value, ok := node[segment]
			if !ok {
				return Undefined
			}

			current = value
		case []any:
			index, err := strconv.Atoi(segment)
			if err != nil || index < 0 || index >= len(node) {
				return Undefined
			}

			current = node[index]
		default:
			return Undefined
		}

		if current == nil {
			return Undefined
		}
	}

	return formatValue(current)
}

func formatValue(value any) string {
	switch typed := value.(type) {
	case string:
		return typed
	case bool:
		return strconv.FormatBool(typed)
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case json.Number:
		return typed.String()
	case int:
		return strconv.Itoa(typed)
	case int64:
		return strconv.FormatInt(typed, 10)
	}

	encoded, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return Undefined
	}

	return string(encoded)
}

func formatTimestamp(ts time.Time, layout string) string {
	if ts.IsZero() {
		return Undefined
	}

	return ts.UTC().Format(layout)
}

func orUndefined(value string) string {
	if value == "" {
		return Undefined
	}

	return value
}
