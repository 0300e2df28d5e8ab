package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// StreamClient Redis Streams 发布端
type StreamClient struct {
	client redis.Cmdable
	maxLen int64
}

// NewStreamClient 创建客户端；maxLen>0 时近似裁剪
func NewStreamClient(client redis.Cmdable, maxLen int64) *StreamClient {
	return &StreamClient{client: client, maxLen: maxLen}
}

// Publish 发布消息到 Stream，消息体放在 data 字段，额外字段原样写入
func (c *StreamClient) Publish(ctx context.Context, stream string, msg interface{}, fields map[string]string) (string, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}

	values := map[string]interface{}{"data": string(data)}
	for k, v := range fields {
		values[k] = v
	}
	args := &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}
	if c.maxLen > 0 {
		args.MaxLen = c.maxLen
		args.Approx = true
	}

	id, err := c.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}
	return id, nil
}

// Len 返回 Stream 长度
func (c *StreamClient) Len(ctx context.Context, stream string) (int64, error) {
	return c.client.XLen(ctx, stream).Result()
}
