// Package mqtt publishes decoded glucose readings to an MQTT broker.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/adc68/blood-shepherd/internal/config"
	"github.com/adc68/blood-shepherd/internal/models"
)

const publishTimeout = 10 * time.Second

// GlucoseTopic is where readings of one receiver are published.
func GlucoseTopic(prefix, serial string) string {
	return fmt.Sprintf("%s/%s/%s", prefix, serial, models.MsgTypeGlucose)
}

// StateTopic carries the online/offline state and the will.
func StateTopic(prefix, serial string) string {
	return fmt.Sprintf("%s/%s/%s", prefix, serial, models.MsgTypeState)
}

// Client is a glucose sink backed by paho.
type Client struct {
	client      MQTT.Client
	cfg         config.MQTTConfig
	deviceID    string
	model       string
	ctx         context.Context
	cancel      context.CancelFunc
	mu          sync.Mutex
	isConnected bool
	topicData   string
	topicState  string
	log         *logrus.Entry
}

// NewClient connects to the broker for the receiver identified by deviceID
// and starts the reconnect loop.
func NewClient(cfg config.MQTTConfig, deviceID, model string, log *logrus.Logger) (*Client, error) {
	topicState := StateTopic(cfg.TopicPrefix, deviceID)
	will, err := stateMessage(deviceID, model, models.DeviceStateOffline)
	if err != nil {
		return nil, err
	}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(fmt.Sprintf("%s-%s", cfg.ClientID, deviceID))
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetCleanSession(true)
	opts.SetKeepAlive(time.Duration(cfg.KeepAlive) * time.Second)
	opts.SetAutoReconnect(false)
	opts.SetWill(topicState, string(will), byte(cfg.WillQoS), *cfg.WillRetain)

	m := newClient(nil, cfg, deviceID, model, log)
	opts.SetOnConnectHandler(func(c MQTT.Client) {
		m.log.WithField("broker", cfg.Broker).Info("connected")
		if err := m.reportState(c, models.DeviceStateOnline); err != nil {
			m.log.WithError(err).Warn("report online state failed")
		}
	})
	opts.SetConnectionLostHandler(func(_ MQTT.Client, err error) {
		m.log.WithError(err).Error("connection lost")
		m.mu.Lock()
		m.isConnected = false
		m.mu.Unlock()
	})
	m.client = MQTT.NewClient(opts)

	if err := m.connectWithRetry(); err != nil {
		m.cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	go m.reconnectLoop()
	return m, nil
}

func newClient(client MQTT.Client, cfg config.MQTTConfig, deviceID, model string, log *logrus.Logger) *Client {
	if log == nil {
		log = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		client:     client,
		cfg:        cfg,
		deviceID:   deviceID,
		model:      model,
		ctx:        ctx,
		cancel:     cancel,
		topicData:  GlucoseTopic(cfg.TopicPrefix, deviceID),
		topicState: StateTopic(cfg.TopicPrefix, deviceID),
		log:        log.WithFields(logrus.Fields{"component": "mqtt", "device_id": deviceID}),
	}
}

func (m *Client) connectWithRetry() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	const retryCnt = 3
	retryInt := time.Duration(m.cfg.ReconnectInt) * time.Second
	var err error
	for i := 1; i <= retryCnt; i++ {
		token := m.client.Connect()
		token.Wait()
		if err = token.Error(); err == nil {
			m.isConnected = true
			return nil
		}
		m.log.WithError(err).Warnf("connect attempt %d/%d failed", i, retryCnt)
		if i < retryCnt {
			time.Sleep(retryInt)
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", retryCnt, err)
}

// reconnectLoop doubles the wait after each failed reconnect, up to ten
// times the base interval, and resets it on success.
func (m *Client) reconnectLoop() {
	baseInt := time.Duration(m.cfg.ReconnectInt) * time.Second
	maxInt := baseInt * 10
	curInt := baseInt

	for {
		select {
		case <-m.ctx.Done():
			m.log.Debug("reconnect loop stopped")
			return
		case <-time.After(curInt):
		}
		if m.IsConnected() {
			curInt = baseInt
			continue
		}
		m.log.WithField("interval", curInt).Warn("reconnecting")
		if err := m.connectWithRetry(); err != nil {
			curInt = min(curInt*2, maxInt)
			continue
		}
		curInt = baseInt
	}
}

func stateMessage(deviceID, model, state string) ([]byte, error) {
	return models.NewEnvelope(deviceID, model, models.MsgTypeState, state).ToJSON()
}

func (m *Client) reportState(c MQTT.Client, state string) error {
	payload, err := stateMessage(m.deviceID, m.model, state)
	if err != nil {
		return err
	}
	token := c.Publish(m.topicState, byte(m.cfg.WillQoS), *m.cfg.WillRetain, payload)
	if !token.WaitTimeout(publishTimeout) {
		return errors.New("state publish timed out")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish state: %w", err)
	}
	m.log.WithField("state", state).Info("state reported")
	return nil
}

func (m *Client) Name() string { return "mqtt" }

// Publish sends one glucose envelope per record and waits for every
// acknowledgement, so a nil error means the broker accepted the batch.
func (m *Client) Publish(ctx context.Context, batch models.GlucoseBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client == nil || !m.isConnected || !m.client.IsConnectionOpen() {
		return errors.New("mqtt client not connected")
	}

	tokens := make([]MQTT.Token, 0, len(batch.Records))
	for _, reading := range batch.Readings() {
		payload, err := models.NewEnvelope(m.deviceID, batch.Model, models.MsgTypeGlucose, reading).ToJSON()
		if err != nil {
			return fmt.Errorf("encode reading %d: %w", reading.RecordNumber, err)
		}
		tokens = append(tokens, m.client.Publish(m.topicData, byte(m.cfg.QoS), false, payload))
	}

	deadline := time.Now().Add(publishTimeout)
	for _, tk := range tokens {
		select {
		case <-tk.Done():
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Until(deadline)):
			return fmt.Errorf("publish to %s timed out", m.topicData)
		}
		if err := tk.Error(); err != nil {
			return fmt.Errorf("publish to %s: %w", m.topicData, err)
		}
	}
	m.log.WithFields(logrus.Fields{"topic": m.topicData, "records": len(tokens)}).Info("batch published")
	return nil
}

// Close reports offline, disconnects and stops the reconnect loop.
func (m *Client) Close() error {
	m.cancel()
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client != nil && m.isConnected {
		if err := m.reportState(m.client, models.DeviceStateOffline); err != nil {
			m.log.WithError(err).Warn("report offline state failed")
		}
		m.client.Disconnect(250)
		m.isConnected = false
		m.log.Info("disconnected")
	}
	return nil
}

func (m *Client) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isConnected
}
