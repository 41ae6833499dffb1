package redis

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shamexln/hl7parse/owl-common/config"
)

// Client Redis客户端类型别名
type Client = redis.Client

// 连接超时
const (
	dialTimeout  = 5 * time.Second
	writeTimeout = 3 * time.Second
	pingTimeout  = 3 * time.Second
)

// NewRedisClient 创建Redis客户端（不会立即连接）
func NewRedisClient(cfg *config.RedisConfig) *Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  dialTimeout,
		WriteTimeout: writeTimeout,
		MaxRetries:   1,
	})
}

// Ping 探测连接；ctx 无截止时间时使用 pingTimeout
func Ping(ctx context.Context, client *Client) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, pingTimeout)
		defer cancel()
	}
	return client.Ping(ctx).Err()
}

// Close 关闭连接；client 为 nil 时忽略
func Close(client *Client) error {
	if client == nil {
		return nil
	}
	return client.Close()
}
