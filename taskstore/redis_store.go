package taskstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/taskmesh/orchestrator/core"
	"github.com/taskmesh/orchestrator/model"
)

// ttl is the retention window for persisted task and plan state.
const ttl = 7 * 24 * time.Hour

// RedisPersisterConfig configures a RedisPersister.
type RedisPersisterConfig struct {
	KeyPrefix string // defaults to "taskmesh"
	TTL       time.Duration
	Logger    core.Logger
}

// RedisPersister is the optional external persistence layer:
// <prefix>:task:<id> and <prefix>:plan:<id> string keys with a 7-day TTL,
// plus a <prefix>:tasks:timeline sorted set scored by creation epoch seconds
// for recency listing across processes. Every key carries the prefix
// ("taskmesh" by default); unprefixed keys are never read or written.
type RedisPersister struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger core.Logger
}

// NewRedisPersister constructs a RedisPersister against an already-dialed
// client (the client is shared, never closed by this type).
func NewRedisPersister(client *redis.Client, cfg RedisPersisterConfig) *RedisPersister {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "taskmesh"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = ttl
	}
	logger := cfg.Logger
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if aware, ok := logger.(core.ComponentAwareLogger); ok {
		logger = aware.WithComponent("engine/taskstore")
	}
	return &RedisPersister{client: client, prefix: cfg.KeyPrefix, ttl: cfg.TTL, logger: logger}
}

func (r *RedisPersister) taskKey(taskID string) string {
	return fmt.Sprintf("%s:task:%s", r.prefix, taskID)
}

func (r *RedisPersister) planKey(taskID string) string {
	return fmt.Sprintf("%s:plan:%s", r.prefix, taskID)
}

func (r *RedisPersister) timelineKey() string {
	return fmt.Sprintf("%s:tasks:timeline", r.prefix)
}

// SaveTask writes task's current JSON representation with TTL refresh.
func (r *RedisPersister) SaveTask(ctx context.Context, task *model.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := r.client.Set(ctx, r.taskKey(task.ID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set task: %w", err)
	}
	return nil
}

// SavePlan writes plan's current JSON representation with TTL refresh.
func (r *RedisPersister) SavePlan(ctx context.Context, plan *model.Plan) error {
	data, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	if err := r.client.Set(ctx, r.planKey(plan.TaskID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set plan: %w", err)
	}
	return nil
}

// RecordRecent adds taskID to the tasks:timeline sorted set, scored by
// creation epoch seconds, so recency listing survives process restarts.
func (r *RedisPersister) RecordRecent(ctx context.Context, taskID string, createdUnix int64) error {
	if err := r.client.ZAdd(ctx, r.timelineKey(), &redis.Z{
		Score:  float64(createdUnix),
		Member: taskID,
	}).Err(); err != nil {
		return fmt.Errorf("redis zadd timeline: %w", err)
	}
	return r.client.Expire(ctx, r.timelineKey(), r.ttl).Err()
}

// GetTask reads a persisted task by ID, for cold-start rehydration.
func (r *RedisPersister) GetTask(ctx context.Context, taskID string) (*model.Task, error) {
	data, err := r.client.Get(ctx, r.taskKey(taskID)).Bytes()
	if err == redis.Nil {
		return nil, core.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get task: %w", err)
	}
	var task model.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	return &task, nil
}

// GetPlan reads a persisted plan by task ID, for cold-start rehydration.
func (r *RedisPersister) GetPlan(ctx context.Context, taskID string) (*model.Plan, error) {
	data, err := r.client.Get(ctx, r.planKey(taskID)).Bytes()
	if err == redis.Nil {
		return nil, core.ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get plan: %w", err)
	}
	var plan model.Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("unmarshal plan: %w", err)
	}
	return &plan, nil
}

// ListRecent returns up to limit task IDs from the tasks:timeline sorted
// set in most-recently-created order, for cold-start rehydration of the
// in-memory recency index.
func (r *RedisPersister) ListRecent(ctx context.Context, limit int64) ([]string, error) {
	ids, err := r.client.ZRevRange(ctx, r.timelineKey(), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrevrange timeline: %w", err)
	}
	return ids, nil
}
