// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"errors"
	"log/slog"

	"github.com/dukex/ruleflow/pkg/actions/kafka"
	logaction "github.com/dukex/ruleflow/pkg/actions/log"
	"github.com/dukex/ruleflow/pkg/actions/nats"
	"github.com/dukex/ruleflow/pkg/actions/redis"
	"github.com/dukex/ruleflow/pkg/actions/telegram"
	"github.com/dukex/ruleflow/pkg/actions/webhook"
	"github.com/dukex/ruleflow/pkg/protocol"
	"github.com/dukex/ruleflow/pkg/registry"
	"github.com/dukex/ruleflow/pkg/triggers"
)

func registerNativeActions(reg *registry.Registry, renderer protocol.Renderer, logger *slog.Logger) func() error {
	kafkaHandler := kafka.New(renderer, nil, logger)
	natsHandler := nats.New(renderer, nil, logger)
	redisHandler := redis.New(renderer, logger)

	reg.RegisterAction(webhook.New(renderer, webhook.WithLogger(logger)))
	reg.RegisterAction(kafkaHandler)
	reg.RegisterAction(natsHandler)
	reg.RegisterAction(redisHandler)
	reg.RegisterAction(telegram.New(renderer, logger))
	reg.RegisterAction(logaction.NewLogAction(renderer, logger))

	return func() error {
		natsHandler.Close()

		return errors.Join(kafkaHandler.Close(), redisHandler.Close())
	}
}

func registerNativeTriggers(reg *registry.Registry, scripts protocol.ScriptEvaluator, logger *slog.Logger) {
	for _, handler := range triggers.Handlers(scripts, logger) {
		reg.RegisterTrigger(handler)
	}
}

// NewRegistry registers the native handlers, then the action plugins found
// under pluginsPath, which may replace a native handler of the same kind.
// The returned function releases the pooled clients of the native actions.
func NewRegistry(
	logger *slog.Logger,
	pluginsPath string,
	renderer protocol.Renderer,
	scripts protocol.ScriptEvaluator,
) (*registry.Registry, func() error, error) {
	reg := registry.New(logger)

	closeActions := registerNativeActions(reg, renderer, logger)
	registerNativeTriggers(reg, scripts, logger)

	if pluginsPath != "" {
		if err := reg.LoadActionPlugins(pluginsPath); err != nil {
			return nil, nil, errors.Join(err, closeActions())
		}
	}

	return reg, closeActions, nil
}
