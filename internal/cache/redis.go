package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"proctorguard/internal/config"
	"proctorguard/internal/model"
)

const (
	ReportKeyPrefix   = "proctorguard:report:"
	UserReportsPrefix = "proctorguard:user:"
	DefaultTTL        = 24 * time.Hour
	// per-user history length
	userHistory = 100
)

var ErrMiss = errors.New("cache miss")

// RedisCache keeps recent reports in Redis so other instances can serve them.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(ctx context.Context, cfg config.CacheConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     20,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisCache{client: client, ttl: ttl}, nil
}

func ReportKey(sessionID string) string {
	return ReportKeyPrefix + sessionID
}

func UserReportsKey(userID string) string {
	return UserReportsPrefix + userID + ":reports"
}

func (r *RedisCache) HandleReport(ctx context.Context, report *model.AnalysisReport) error {
	if report == nil || report.SessionID == "" {
		return nil
	}
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	pipe := r.client.Pipeline()
	pipe.Set(ctx, ReportKey(report.SessionID), data, r.ttl)
	if report.UserID != "" {
		key := UserReportsKey(report.UserID)
		pipe.LPush(ctx, key, data)
		pipe.LTrim(ctx, key, 0, userHistory-1)
		pipe.Expire(ctx, key, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to cache report: %w", err)
	}
	return nil
}

func (r *RedisCache) GetReport(ctx context.Context, sessionID string) (*model.AnalysisReport, error) {
	data, err := r.client.Get(ctx, ReportKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get report: %w", err)
	}
	var report model.AnalysisReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("failed to unmarshal report: %w", err)
	}
	return &report, nil
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}
