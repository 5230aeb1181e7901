package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/adc68/blood-shepherd/internal/config"
	"github.com/adc68/blood-shepherd/internal/models"
	"github.com/adc68/blood-shepherd/internal/protocol"
)

type doneToken struct {
	err error
}

func (t *doneToken) Wait() bool                     { return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Error() error                   { return t.err }
func (t *doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeClient struct {
	MQTT.Client
	open       bool
	failAfter  int
	messages   []published
	disconnect bool
}

func (f *fakeClient) IsConnectionOpen() bool { return f.open }

func (f *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) MQTT.Token {
	f.messages = append(f.messages, published{topic, qos, retained, payload.([]byte)})
	if f.failAfter > 0 && len(f.messages) > f.failAfter {
		return &doneToken{err: errors.New("broker refused")}
	}
	return &doneToken{}
}

func (f *fakeClient) Disconnect(uint) { f.disconnect = true }

func testConfig() config.MQTTConfig {
	retain := true
	return config.MQTTConfig{TopicPrefix: "cgm", QoS: 1, WillQoS: 1, WillRetain: &retain, ReconnectInt: 1}
}

func batch() models.GlucoseBatch {
	at := protocol.DeviceEpoch.Add(150 * 24 * time.Hour)
	return models.GlucoseBatch{
		SerialNumber: "sm30140752",
		Model:        "G4Receiver",
		Records: []models.GlucoseRecord{
			{InternalSeconds: at, LocalSeconds: at.In(protocol.DeviceLocal), GlucoseValueWithFlags: 0x805B, TrendArrowAndNoise: 0x14, RecordNumber: 7},
			{InternalSeconds: at.Add(5 * time.Minute), LocalSeconds: at.Add(5 * time.Minute).In(protocol.DeviceLocal), GlucoseValueWithFlags: 95, TrendArrowAndNoise: 0x24, RecordNumber: 8},
		},
	}
}

func connected(f *fakeClient) *Client {
	l := logrus.New()
	l.SetOutput(io.Discard)
	c := newClient(f, testConfig(), "sm30140752", "G4Receiver", l)
	c.isConnected = true
	return c
}

func TestTopics(t *testing.T) {
	require.Equal(t, "cgm/sm30140752/glucose", GlucoseTopic("cgm", "sm30140752"))
	require.Equal(t, "cgm/sm30140752/state", StateTopic("cgm", "sm30140752"))
}

func TestPublishBatch(t *testing.T) {
	f := &fakeClient{open: true}
	c := connected(f)

	require.NoError(t, c.Publish(context.Background(), batch()))
	require.Len(t, f.messages, 2)
	require.Equal(t, "cgm/sm30140752/glucose", f.messages[0].topic)
	require.Equal(t, byte(1), f.messages[0].qos)
	require.False(t, f.messages[0].retained)

	var env struct {
		DeviceID string                `json:"device_id"`
		MsgType  string                `json:"msg_type"`
		Data     models.GlucoseReading `json:"data"`
	}
	require.NoError(t, json.Unmarshal(f.messages[0].payload, &env))
	require.Equal(t, "sm30140752", env.DeviceID)
	require.Equal(t, models.MsgTypeGlucose, env.MsgType)
	require.Equal(t, uint16(91), env.Data.Value)
	require.Equal(t, uint16(0x8000), env.Data.Flags)
	require.Equal(t, uint8(4), env.Data.Trend)
	require.Equal(t, uint8(1), env.Data.Noise)
	require.Equal(t, "2009-05-31T00:00:00", env.Data.DisplayTime)
}

func TestPublishFailures(t *testing.T) {
	c := connected(&fakeClient{open: false})
	require.Error(t, c.Publish(context.Background(), batch()))

	c = connected(&fakeClient{open: true, failAfter: 1})
	err := c.Publish(context.Background(), batch())
	require.ErrorContains(t, err, "broker refused")
}

func TestCloseReportsOffline(t *testing.T) {
	f := &fakeClient{open: true}
	c := connected(f)

	require.NoError(t, c.Close())
	require.True(t, f.disconnect)
	require.False(t, c.IsConnected())
	require.Len(t, f.messages, 1)
	require.Equal(t, "cgm/sm30140752/state", f.messages[0].topic)
	require.True(t, f.messages[0].retained)
	require.Contains(t, string(f.messages[0].payload), `"data":"offline"`)
}
