// Package registry holds the kind to handler tables resolved at startup.
package registry

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"plugin"
	"sort"
	"strings"
	"sync"

	"github.com/dukex/ruleflow/pkg/models"
	"github.com/dukex/ruleflow/pkg/protocol"
	"github.com/xeipuuv/gojsonschema"
)

var (
	ErrActionNotRegistered  = errors.New("action kind not registered")
	ErrTriggerNotRegistered = errors.New("trigger kind not registered")
)

type Registry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	actions  map[string]protocol.ActionHandler
	triggers map[models.TriggerKind]protocol.TriggerHandler
}

func New(log *slog.Logger) *Registry {
	return &Registry{
		logger:   log.With("module", "registry"),
		actions:  make(map[string]protocol.ActionHandler),
		triggers: make(map[models.TriggerKind]protocol.TriggerHandler),
	}
}

func (r *Registry) RegisterAction(handler protocol.ActionHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.actions[handler.Kind()] = handler
	r.logger.Debug("registered action handler", "kind", handler.Kind())
}

func (r *Registry) RegisterTrigger(handler protocol.TriggerHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.triggers[handler.Kind()] = handler
}

//nolint:ireturn
func (r *Registry) Action(kind string) (protocol.ActionHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handler, ok := r.actions[kind]
	if !ok {
		return nil, fmt.Errorf("%w: '%s'", ErrActionNotRegistered, kind)
	}

	return handler, nil
}

//nolint:ireturn
func (r *Registry) Trigger(kind models.TriggerKind) (protocol.TriggerHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handler, ok := r.triggers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: '%s'", ErrTriggerNotRegistered, kind)
	}

	return handler, nil
}

// Actions returns the registered action handlers sorted by kind.
func (r *Registry) Actions() []protocol.ActionHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handlers := make([]protocol.ActionHandler, 0, len(r.actions))
	for _, handler := range r.actions {
		handlers = append(handlers, handler)
	}

	sort.Slice(handlers, func(i, j int) bool { return handlers[i].Kind() < handlers[j].Kind() })

	return handlers
}

// Triggers returns the registered trigger handlers.
func (r *Registry) Triggers() []protocol.TriggerHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handlers := make([]protocol.TriggerHandler, 0, len(r.triggers))
	for _, handler := range r.triggers {
		handlers = append(handlers, handler)
	}

	sort.Slice(handlers, func(i, j int) bool { return handlers[i].Kind() < handlers[j].Kind() })

	return handlers
}

// ValidateAction checks the action config against the JSON schema of its handler.
func (r *Registry) ValidateAction(action models.Action) error {
	handler, err := r.Action(action.Kind)
	if err != nil {
		return err
	}

	config := action.Config
	if config == nil {
		config = map[string]any{}
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(handler.Schema()),
		gojsonschema.NewGoLoader(config),
	)
	if err != nil {
		return err
	}

	if !result.Valid() {
		messages := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			messages = append(messages, desc.String())
		}

		return &protocol.ValidationError{
			Field:   action.Kind,
			Message: "schema validation failed: " + strings.Join(messages, "; "),
		}
	}

	return nil
}

// LoadActionPlugins registers every "Action" symbol exported by .so files under pluginsPath/actions.
func (r *Registry) LoadActionPlugins(pluginsPath string) error {
	handlers, err := loadPlugin[protocol.ActionHandler](r.logger, pluginsPath, "Action")
	if err != nil {
		return err
	}

	for _, handler := range handlers {
		r.RegisterAction(handler)
	}

	return nil
}

func loadPlugin[T any](logger *slog.Logger, pluginsPath string, symbolName string) ([]T, error) {
	rootPath := pluginsPath + "/" + strings.ToLower(symbolName) + "s"

	pluginPathList, err := fs.Glob(os.DirFS(rootPath), "*.so")
	if err != nil {
		return nil, err
	}

	l := logger.With(slog.String("path", pluginsPath), slog.String("type", symbolName))
	l.Info("Loading plugins")

	pluginList := make([]T, 0, len(pluginPathList))

	for _, p := range pluginPathList {
		plg, err := plugin.Open(rootPath + "/" + p)
		if err != nil {
			return nil, fmt.Errorf("open plugin %s: %w", p, err)
		}

		v, err := plg.Lookup(symbolName)
		if err != nil {
			return nil, fmt.Errorf("lookup %s in plugin %s: %w", symbolName, p, err)
		}

		castV, ok := v.(T)
		if !ok {
			// Exported variables are looked up as pointers.
			ptr, isPtr := v.(*T)
			if !isPtr {
				return nil, fmt.Errorf("plugin %s: symbol %s has unexpected type %T", p, symbolName, v)
			}

			castV = *ptr
		}

		pluginList = append(pluginList, castV)

		l.Info("Loaded plugin", slog.String("plugin", p))
	}

	return pluginList, nil
}
