package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "strategy:user:"

// RedisStore 以 Redis hash 保存帳號，多個伺服器實例可共用
//
// Key: strategy:user:{username}
// 欄位: user_id, password_hash, created_at
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore 創建 Redis 帳號儲存
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Get 查詢帳號
func (s *RedisStore) Get(ctx context.Context, username string) (Credential, error) {
	fields, err := s.client.HGetAll(ctx, redisKeyPrefix+username).Result()
	if err != nil {
		return Credential{}, fmt.Errorf("redis hgetall: %w", err)
	}
	if len(fields) == 0 {
		return Credential{}, ErrUserNotFound
	}

	cred := Credential{
		UserID:       fields["user_id"],
		Username:     username,
		PasswordHash: fields["password_hash"],
	}
	if ts := fields["created_at"]; ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			cred.CreatedAt = t
		}
	}
	return cred, nil
}

// Create 新增帳號
//
// 以 HSETNX 搶佔 password_hash 欄位，搶到的請求才寫入其餘欄位。
func (s *RedisStore) Create(ctx context.Context, cred Credential) error {
	key := redisKeyPrefix + cred.Username

	ok, err := s.client.HSetNX(ctx, key, "password_hash", cred.PasswordHash).Result()
	if err != nil {
		return fmt.Errorf("redis hsetnx: %w", err)
	}
	if !ok {
		return ErrUserExists
	}

	err = s.client.HSet(ctx, key,
		"user_id", cred.UserID,
		"created_at", cred.CreatedAt.Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		// 回滾，讓同名帳號之後可以重新註冊
		if delErr := s.client.Del(ctx, key).Err(); delErr != nil {
			err = errors.Join(err, delErr)
		}
		return fmt.Errorf("redis hset: %w", err)
	}
	return nil
}
