package redis

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"imagine-engine-server/modules/common/config"
	"imagine-engine-server/modules/common/model"
)

const (
	// QueueKey - 비동기 작업 큐
	QueueKey = "jobs:queue"

	// EventPattern - 모든 사용자 이벤트 채널 (PSUBSCRIBE)
	EventPattern = "user:*:events"

	jobTTL    = 24 * time.Hour
	cancelTTL = time.Hour
)

// ErrJobNotFound - Redis에 작업 상태 없음
var ErrJobNotFound = errors.New("job not found")

// Connect - Redis 연결 생성
func Connect(cfg *config.Config) (*redis.Client, error) {
	log.Printf("🔌 Connecting to Redis: %s", cfg.GetRedisAddr())

	var tlsConfig *tls.Config
	if cfg.RedisUseTLS {
		tlsConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.GetRedisAddr(),
		Username:     cfg.RedisUsername,
		Password:     cfg.RedisPassword,
		TLSConfig:    tlsConfig,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	log.Println("✅ Redis connected successfully")
	return rdb, nil
}

// Store - 작업 큐, 상태, 취소 플래그, 이벤트, 요청 제한
type Store struct {
	rdb *redis.Client
}

func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func jobKey(jobID string) string {
	return "job:" + jobID
}

func cancelKey(jobID string) string {
	return "job:" + jobID + ":cancelled"
}

// EventChannel - 사용자별 진행 이벤트 채널
func EventChannel(userID string) string {
	return "user:" + userID + ":events"
}

// UserFromChannel - "user:{id}:events"에서 사용자 ID 추출 (형식이 다르면 "")
func UserFromChannel(channel string) string {
	if !strings.HasPrefix(channel, "user:") || !strings.HasSuffix(channel, ":events") {
		return ""
	}
	return strings.TrimSuffix(strings.TrimPrefix(channel, "user:"), ":events")
}

// Enqueue - 작업 ID를 큐에 추가하고 대기열 길이 반환
func (s *Store) Enqueue(ctx context.Context, jobID string) (int64, error) {
	if err := s.rdb.LPush(ctx, QueueKey, jobID).Err(); err != nil {
		return 0, fmt.Errorf("failed to enqueue job: %w", err)
	}
	return s.rdb.LLen(ctx, QueueKey).Result()
}

// Dequeue - BRPOP으로 작업 ID 대기 (timeout 0이면 무한 대기)
func (s *Store) Dequeue(ctx context.Context, timeout time.Duration) (string, error) {
	result, err := s.rdb.BRPop(ctx, timeout, QueueKey).Result()
	if err != nil {
		return "", err
	}
	// result[0]은 큐 이름, result[1]이 job_id
	return result[1], nil
}

// SaveJob - 작업 상태 저장
func (s *Store) SaveJob(ctx context.Context, job *model.Job) error {
	job.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	return s.rdb.Set(ctx, jobKey(job.ID), data, jobTTL).Err()
}

// LoadJob - 작업 상태 조회
func (s *Store) LoadJob(ctx context.Context, jobID string) (*model.Job, error) {
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}

	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to parse job: %w", err)
	}
	return &job, nil
}

// SetJobCancelled - 취소 플래그 설정
func (s *Store) SetJobCancelled(ctx context.Context, jobID string) error {
	return s.rdb.Set(ctx, cancelKey(jobID), "1", cancelTTL).Err()
}

// IsJobCancelled - 취소 플래그 확인 (Redis 에러는 취소 아님으로 처리)
func (s *Store) IsJobCancelled(ctx context.Context, jobID string) bool {
	n, err := s.rdb.Exists(ctx, cancelKey(jobID)).Result()
	if err != nil {
		log.Printf("⚠️  [Redis] Failed to check cancel flag for %s: %v", jobID, err)
		return false
	}
	return n > 0
}

// PublishEvent - 사용자 채널로 이벤트 발행
func (s *Store) PublishEvent(ctx context.Context, userID string, event model.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return s.rdb.Publish(ctx, EventChannel(userID), data).Err()
}

// Subscribe - 사용자 채널 구독
func (s *Store) Subscribe(ctx context.Context, userID string) *redis.PubSub {
	return s.rdb.Subscribe(ctx, EventChannel(userID))
}

// SubscribeAll - 모든 사용자 채널 패턴 구독
func (s *Store) SubscribeAll(ctx context.Context) *redis.PubSub {
	return s.rdb.PSubscribe(ctx, EventPattern)
}

// Allow - 분 단위 고정 윈도우 요청 제한
func (s *Store) Allow(ctx context.Context, key string, limit int) (bool, error) {
	if limit <= 0 {
		return true, nil
	}

	window := time.Now().UTC().Format("200601021504")
	counterKey := fmt.Sprintf("ratelimit:%s:%s", key, window)

	pipe := s.rdb.TxPipeline()
	incr := pipe.Incr(ctx, counterKey)
	pipe.Expire(ctx, counterKey, 2*time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to update rate limit: %w", err)
	}

	return incr.Val() <= int64(limit), nil
}
