package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/rendis/tradegate/internal/approval"
	"github.com/rendis/tradegate/internal/engine"
	"github.com/rendis/tradegate/internal/reasoning"
	"github.com/rendis/tradegate/internal/scheduler"
	"github.com/rendis/tradegate/internal/store"
	"github.com/rendis/tradegate/internal/streaming"
	"github.com/rendis/tradegate/internal/telemetry"
	"github.com/rendis/tradegate/internal/tools"
	"github.com/rendis/tradegate/internal/validation"
	"github.com/rendis/tradegate/pkg/mcp"
)

const serviceName = "tradegate"

// runtime is the wired engine shared by every host command.
type runtime struct {
	cfg       Config
	logger    *slog.Logger
	store     store.Store
	fanout    *streaming.FanOut
	broker    *approval.Broker
	executor  engine.Executor
	scheduler *scheduler.Scheduler
	schedPool *engine.WorkerPool
	validator *validation.RequestValidator

	closers []func(context.Context) error
}

// newRuntime opens storage, connects the tool backend and recovers
// suspended sessions. Background loops start in run.
func newRuntime(ctx context.Context, cfg Config, logger *slog.Logger) (_ *runtime, err error) {
	rt := &runtime{cfg: cfg, logger: logger, validator: validation.NewRequestValidator()}
	defer func() {
		if err != nil {
			rt.close(context.Background())
		}
	}()

	shutdownTracer, err := telemetry.InitTracer(serviceName, cfg.Telemetry, os.Stderr, logger)
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}
	rt.onClose(shutdownTracer)

	rt.store, err = store.Open(cfg.Storage.Driver, cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	rt.onClose(func(context.Context) error { return rt.store.Close() })
	if err := rt.store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	rt.fanout = streaming.NewFanOut(cfg.FanOut.Config, logger)
	rt.onClose(func(context.Context) error { rt.fanout.Close(); return nil })

	tokens, err := approval.NewTokenIssuer(cfg.Approval.TokenSecret, cfg.Approval.TokenTTL)
	if err != nil {
		return nil, err
	}
	rt.broker = approval.NewBroker(cfg.approvalConfig(), approval.Deps{
		Hub:    rt.fanout,
		Store:  rt.store,
		Tokens: tokens,
		Logger: logger,
	})

	invoker, err := rt.connectTools(ctx, tokens)
	if err != nil {
		return nil, err
	}

	schemas, err := validation.NewSchemaValidator()
	if err != nil {
		return nil, fmt.Errorf("compile schemas: %w", err)
	}
	decider, err := reasoning.NewDecider(cfg.Decision)
	if err != nil {
		return nil, fmt.Errorf("compile decision rules: %w", err)
	}

	rt.executor, err = engine.NewExecutor(cfg.engineConfig(), engine.Deps{
		Store:     rt.store,
		Invoker:   tools.NewResilient(invoker, cfg.resilienceConfig(), logger),
		Broker:    rt.broker,
		Hub:       rt.fanout,
		Decider:   decider,
		Validator: schemas,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	rt.onClose(func(context.Context) error { rt.executor.Shutdown(); return nil })

	recovered, err := rt.executor.Recover(ctx)
	if err != nil {
		return nil, fmt.Errorf("recover sessions: %w", err)
	}
	if recovered > 0 {
		logger.Info("recovered suspended sessions", slog.Int("count", recovered))
	}

	if len(cfg.Watchlist) > 0 {
		rt.schedPool = engine.NewWorkerPool(cfg.Engine.PoolSize, logger)
		rt.onClose(func(context.Context) error { rt.schedPool.Shutdown(); return nil })
		rt.scheduler, err = scheduler.NewScheduler(cfg.Watchlist, scheduler.Deps{
			Starter:  rt.executor,
			Runner:   rt.schedPool,
			Sessions: rt.store,
			Logger:   logger,
		})
		if err != nil {
			return nil, fmt.Errorf("watchlist: %w", err)
		}
	}
	return rt, nil
}

// connectTools returns the invoker for cfg.Tools.Mode.
func (rt *runtime) connectTools(ctx context.Context, tokens *approval.TokenIssuer) (tools.Invoker, error) {
	switch rt.cfg.Tools.Mode {
	case "mcp":
		inv, err := tools.DialStdio(ctx, rt.cfg.mcpConfig(), rt.logger)
		if err != nil {
			return nil, err
		}
		rt.onClose(func(context.Context) error { return inv.Close() })
		return inv, nil
	case "inprocess":
		reg, err := rt.builtinTools(tokens)
		if err != nil {
			return nil, err
		}
		inv, err := tools.ConnectInProcess(ctx, mcp.NewToolServer(reg, rt.logger).MCPServer(), rt.cfg.Tools.ToolMap, rt.logger)
		if err != nil {
			return nil, err
		}
		rt.onClose(func(context.Context) error { return inv.Close() })
		return inv, nil
	default:
		return rt.builtinTools(tokens)
	}
}

func (rt *runtime) builtinTools(tokens *approval.TokenIssuer) (*tools.Registry, error) {
	reg, err := tools.NewBuiltinRegistry(tools.BuiltinOptions{
		Verifier: tokens,
		Quantity: rt.cfg.Tools.Quantity,
	})
	if err != nil {
		return nil, err
	}
	for stage, name := range rt.cfg.Tools.ToolMap {
		reg.Bind(stage, name)
	}
	return reg, nil
}

// run starts the broker sweeper, the relay and the scheduler, then blocks
// in host until ctx is done or host returns.
func (rt *runtime) run(ctx context.Context, host func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		if err := rt.broker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			rt.logger.Error("approval broker stopped", slog.String("error", err.Error()))
		}
	}()

	if rt.cfg.FanOut.Relay {
		if err := rt.startRelay(ctx); err != nil {
			return err
		}
	}

	if rt.scheduler != nil {
		if n, err := rt.scheduler.RecoverMissed(ctx); err != nil {
			rt.logger.Warn("watchlist recovery failed", slog.String("error", err.Error()))
		} else if n > 0 {
			rt.logger.Info("started missed watchlist runs", slog.Int("count", n))
		}
		if err := rt.scheduler.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer func() { _ = rt.scheduler.Stop() }()
	}

	return host(ctx)
}

// startRelay republishes hub events on an in-process Watermill channel and
// logs what arrives on the other side.
func (rt *runtime) startRelay(ctx context.Context) error {
	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, watermill.NewSlogLogger(rt.logger))
	rt.onClose(func(context.Context) error { return pubSub.Close() })

	messages, err := pubSub.Subscribe(ctx, rt.cfg.FanOut.RelayTopic)
	if err != nil {
		return fmt.Errorf("subscribe relay topic: %w", err)
	}
	go drainRelay(messages, rt.logger)

	relay := streaming.NewRelay(rt.fanout, pubSub, rt.cfg.FanOut.RelayTopic, rt.logger)
	go func() {
		if err := relay.Run(ctx); err != nil {
			rt.logger.Warn("event relay stopped", slog.String("error", err.Error()))
		}
	}()
	return nil
}

func drainRelay(messages <-chan *message.Message, logger *slog.Logger) {
	for msg := range messages {
		logger.Debug("relayed event",
			slog.String("message_uuid", msg.UUID),
			slog.String("event_type", msg.Metadata.Get("event_type")),
			slog.String("session_id", msg.Metadata.Get("session_id")))
		msg.Ack()
	}
}

func (rt *runtime) onClose(fn func(context.Context) error) {
	rt.closers = append(rt.closers, fn)
}

// close releases resources in reverse order of acquisition.
func (rt *runtime) close(ctx context.Context) {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			rt.logger.Warn("shutdown step failed", slog.String("error", err.Error()))
		}
	}
	rt.closers = nil
}
