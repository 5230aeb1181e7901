// Package storage keeps decoded glucose readings in Redis: a pub/sub
// channel for live consumers and a capped list per receiver as backlog.
package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/adc68/blood-shepherd/internal/config"
	"github.com/adc68/blood-shepherd/internal/models"
)

// RecordsKey is the list holding the newest readings of one receiver.
func RecordsKey(serial string) string {
	return fmt.Sprintf("glucose:%s:records", serial)
}

type MessageQueue struct {
	client  *redis.Client
	channel string
	maxLen  int64
	log     *logrus.Entry
}

// NewMessageQueue connects and pings the server.
func NewMessageQueue(ctx context.Context, cfg config.RedisConfig, log *logrus.Logger) (*MessageQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	mq := &MessageQueue{client: client, channel: cfg.Channel, maxLen: cfg.MaxLen, log: log.WithField("component", "redis")}
	mq.log.WithField("addr", cfg.Addr).Info("redis connected")
	return mq, nil
}

func (mq *MessageQueue) Name() string { return "redis" }

// Publish sends the whole batch as one message on the channel and pushes
// each reading onto the receiver's list, trimmed to maxLen, in one
// transaction.
func (mq *MessageQueue) Publish(ctx context.Context, batch models.GlucoseBatch) error {
	if len(batch.Records) == 0 {
		return nil
	}
	msg, items, err := encodeBatch(batch)
	if err != nil {
		return err
	}

	key := RecordsKey(batch.SerialNumber)
	_, err = mq.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Publish(ctx, mq.channel, msg)
		pipe.LPush(ctx, key, items...)
		pipe.LTrim(ctx, key, 0, mq.maxLen-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis publish batch: %w", err)
	}
	mq.log.WithFields(logrus.Fields{"channel": mq.channel, "key": key, "records": len(items)}).Info("batch stored")
	return nil
}

// encodeBatch returns the channel message and the list items, oldest
// first so LPUSH leaves the newest reading at the head.
func encodeBatch(batch models.GlucoseBatch) ([]byte, []any, error) {
	readings := batch.Readings()
	msg, err := models.NewEnvelope(batch.SerialNumber, batch.Model, models.MsgTypeGlucose, readings).ToJSON()
	if err != nil {
		return nil, nil, fmt.Errorf("encode batch: %w", err)
	}
	items := make([]any, len(readings))
	for i, r := range readings {
		b, err := json.Marshal(r)
		if err != nil {
			return nil, nil, fmt.Errorf("encode reading %d: %w", r.RecordNumber, err)
		}
		items[i] = b
	}
	return msg, items, nil
}

// Recent returns up to n readings, newest first.
func (mq *MessageQueue) Recent(ctx context.Context, serial string, n int64) ([]models.GlucoseReading, error) {
	raw, err := mq.client.LRange(ctx, RecordsKey(serial), 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange: %w", err)
	}
	out := make([]models.GlucoseReading, 0, len(raw))
	for _, s := range raw {
		var r models.GlucoseReading
		if err := json.Unmarshal([]byte(s), &r); err != nil {
			return nil, fmt.Errorf("decode stored reading: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}

func (mq *MessageQueue) Close() error {
	return mq.client.Close()
}
