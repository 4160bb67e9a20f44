package vm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Redis keys the dashboard reads.
const (
	keyListOfRules      = "list_of_rules"
	keyFutureAwaiting   = "future_task_awaiting"
	keyRunningTasks     = "running_tasks"
	keyFutureTasksCount = "future_tasks_count"
)

// Observer mirrors engine state into redis for dashboards: the rule list,
// the future-parked list, and the two task counters.
type Observer struct {
	client *redis.Client
	logger *slog.Logger
}

// ObserverOption configures an Observer.
type ObserverOption func(*Observer)

// WithObserverLogger sets the logger.
func WithObserverLogger(logger *slog.Logger) ObserverOption {
	return func(o *Observer) {
		o.logger = logger
	}
}

// NewObserver connects to redis at addr.
func NewObserver(addr, password string, db int, opts ...ObserverOption) *Observer {
	o := &Observer{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Ping verifies the connection.
func (o *Observer) Ping(ctx context.Context) error {
	if err := o.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("pinging redis: %w", err)
	}
	return nil
}

// Close releases the connection.
func (o *Observer) Close() error {
	return o.client.Close()
}

// Publish overwrites the four dashboard keys in one pipeline.
func (o *Observer) Publish(ctx context.Context, state vmState) error {
	rules, err := json.Marshal(state.Rules)
	if err != nil {
		return fmt.Errorf("encoding rule list: %w", err)
	}
	awaiting, err := json.Marshal(state.Awaiting)
	if err != nil {
		return fmt.Errorf("encoding awaiting list: %w", err)
	}

	pipe := o.client.Pipeline()
	pipe.Set(ctx, keyListOfRules, rules, 0)
	pipe.Set(ctx, keyFutureAwaiting, awaiting, 0)
	pipe.Set(ctx, keyRunningTasks, state.Running, 0)
	pipe.Set(ctx, keyFutureTasksCount, state.Future, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("writing engine state: %w", err)
	}
	return nil
}
