package storage

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/adc68/blood-shepherd/internal/config"
	"github.com/adc68/blood-shepherd/internal/models"
	"github.com/adc68/blood-shepherd/internal/protocol"
)

func TestRecordsKey(t *testing.T) {
	require.Equal(t, "glucose:sm30140752:records", RecordsKey("sm30140752"))
}

func TestEncodeBatch(t *testing.T) {
	at := protocol.DeviceEpoch.Add(time.Hour)
	batch := models.GlucoseBatch{
		SerialNumber: "sm30140752",
		Model:        "G4Receiver",
		Records: []models.GlucoseRecord{
			{InternalSeconds: at, LocalSeconds: at.In(protocol.DeviceLocal), GlucoseValueWithFlags: 120, RecordNumber: 41},
			{InternalSeconds: at.Add(5 * time.Minute), LocalSeconds: at.In(protocol.DeviceLocal), GlucoseValueWithFlags: 0x8000 | 118, RecordNumber: 42},
		},
	}

	msg, items, err := encodeBatch(batch)
	require.NoError(t, err)
	require.Len(t, items, 2)

	var env struct {
		DeviceID string                  `json:"device_id"`
		Data     []models.GlucoseReading `json:"data"`
	}
	require.NoError(t, json.Unmarshal(msg, &env))
	require.Equal(t, "sm30140752", env.DeviceID)
	require.Len(t, env.Data, 2)

	var last models.GlucoseReading
	require.NoError(t, json.Unmarshal(items[1].([]byte), &last))
	require.Equal(t, uint32(42), last.RecordNumber)
	require.Equal(t, uint16(118), last.Value)
	require.Equal(t, uint16(0x8000), last.Flags)
}

func TestNewMessageQueueUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := NewMessageQueue(ctx, config.RedisConfig{Addr: "127.0.0.1:1", Channel: "glucose", MaxLen: 10}, nil)
	require.Error(t, err)
}

func TestMessageQueuePublishTrimsBacklog(t *testing.T) {
	srv := miniredis.RunT(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub := redis.NewClient(&redis.Options{Addr: srv.Addr(), Protocol: 2})
	defer sub.Close()
	ps := sub.Subscribe(ctx, "glucose")
	defer ps.Close()
	_, err := ps.Receive(ctx)
	require.NoError(t, err)

	mq, err := NewMessageQueue(ctx, config.RedisConfig{Addr: srv.Addr(), Channel: "glucose", MaxLen: 2}, nil)
	require.NoError(t, err)
	defer mq.Close()

	at := protocol.DeviceEpoch.Add(time.Hour)
	batch := models.GlucoseBatch{SerialNumber: "sm30140752", Model: "G4Receiver"}
	for i := uint32(1); i <= 3; i++ {
		when := at.Add(time.Duration(i) * 5 * time.Minute)
		batch.Records = append(batch.Records, models.GlucoseRecord{
			InternalSeconds:       when,
			LocalSeconds:          when.In(protocol.DeviceLocal),
			GlucoseValueWithFlags: uint16(100 + i),
			RecordNumber:          i,
		})
	}
	require.NoError(t, mq.Publish(ctx, batch))

	select {
	case msg := <-ps.Channel():
		var env struct {
			DeviceID string                  `json:"device_id"`
			Data     []models.GlucoseReading `json:"data"`
		}
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &env))
		require.Equal(t, "sm30140752", env.DeviceID)
		require.Len(t, env.Data, 3, "the channel carries the whole batch")
	case <-ctx.Done():
		t.Fatal("no message on the glucose channel")
	}

	n, err := sub.LLen(ctx, RecordsKey("sm30140752")).Result()
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	recent, err := mq.Recent(ctx, "sm30140752", 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.Equal(t, uint32(3), recent[0].RecordNumber)
	require.Equal(t, uint32(2), recent[1].RecordNumber)
	require.Equal(t, uint16(103), recent[0].Value)

	require.NoError(t, mq.Publish(ctx, models.GlucoseBatch{SerialNumber: "sm30140752"}))
	n, err = sub.LLen(ctx, RecordsKey("sm30140752")).Result()
	require.NoError(t, err)
	require.Equal(t, int64(2), n, "an empty batch leaves the backlog alone")
}
