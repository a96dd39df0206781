package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"taskpilot/pkg/logx"
)

const defaultRedisPrefix = "taskpilot"

// redisStore keeps each record as a JSON string and indexes ids in sorted
// sets scored by execution time (unix millis): one global, one per task.
type redisStore struct {
	client *goredis.Client
	prefix string
	log    logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr is required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	s, err := newRedisStore(client, cfg.Prefix, log)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

func newRedisStore(client *goredis.Client, prefix string, log logx.Logger) (*redisStore, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &redisStore{client: client, prefix: prefix, log: log}, nil
}

func (s *redisStore) recordKey(id string) string { return s.prefix + ":exec:" + id }
func (s *redisStore) allKey() string             { return s.prefix + ":executions" }
func (s *redisStore) taskKey(name string) string { return s.prefix + ":task:" + name }

func (s *redisStore) AppendExecution(ctx context.Context, rec ExecutionRecord) error {
	if err := rec.validate(); err != nil {
		return err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.ExecutedAt.IsZero() {
		rec.ExecutedAt = time.Now()
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	score := float64(rec.ExecutedAt.UnixMilli())

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.recordKey(rec.ID), raw, 0)
	pipe.ZAdd(ctx, s.allKey(), goredis.Z{Score: score, Member: rec.ID})
	pipe.ZAdd(ctx, s.taskKey(rec.TaskName), goredis.Z{Score: score, Member: rec.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis append execution: %w", err)
	}
	return nil
}

func (s *redisStore) ListExecutions(ctx context.Context, q Query) ([]ExecutionRecord, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	index := s.allKey()
	if q.TaskName != "" {
		index = s.taskKey(q.TaskName)
	}
	ids, err := s.client.ZRevRange(ctx, index, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list executions: %w", err)
	}
	recs, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	newestFirst(recs)
	return recs, nil
}

func (s *redisStore) load(ctx context.Context, ids []string) ([]ExecutionRecord, error) {
	if len(ids) == 0 {
		return []ExecutionRecord{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.recordKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget executions: %w", err)
	}
	out := make([]ExecutionRecord, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var rec ExecutionRecord
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			s.log.Debug("skipping undecodable record", logx.Err(err))
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *redisStore) DeleteExecutionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	upper := "(" + strconv.FormatInt(cutoff.UnixMilli(), 10)
	ids, err := s.client.ZRangeByScore(ctx, s.allKey(), &goredis.ZRangeBy{Min: "-inf", Max: upper}).Result()
	if err != nil {
		return 0, fmt.Errorf("redis find expired executions: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	recs, err := s.load(ctx, ids)
	if err != nil {
		return 0, err
	}

	pipe := s.client.TxPipeline()
	for _, rec := range recs {
		pipe.ZRem(ctx, s.taskKey(rec.TaskName), rec.ID)
	}
	members := make([]any, len(ids))
	keys := make([]string, len(ids))
	for i, id := range ids {
		members[i] = id
		keys[i] = s.recordKey(id)
	}
	pipe.ZRem(ctx, s.allKey(), members...)
	del := pipe.Del(ctx, keys...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis delete executions: %w", err)
	}
	return del.Val(), nil
}

func (s *redisStore) ExecutionStats(ctx context.Context, taskName string) (ExecutionStats, error) {
	index := s.allKey()
	if taskName != "" {
		index = s.taskKey(taskName)
	}
	ids, err := s.client.ZRange(ctx, index, 0, -1).Result()
	if err != nil {
		return ExecutionStats{}, fmt.Errorf("redis execution stats: %w", err)
	}
	recs, err := s.load(ctx, ids)
	if err != nil {
		return ExecutionStats{}, err
	}
	return statsOf(taskName, recs), nil
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
