package logpipeline

import (
	"encoding/json"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/zemfyre/edge-agent/infrastructure/logging"
	"github.com/zemfyre/edge-agent/infrastructure/ratelimit"
	"github.com/zemfyre/edge-agent/internal/model"
)

// MQTTConfig parameterizes the MQTT backend, per spec.md §4.5 item 2.
type MQTTConfig struct {
	QoS           byte
	BatchInterval time.Duration
	BatchSize     int

	// PublishPerSecond caps how many MQTT publishes this backend issues per
	// second, so a chatty container's log volume cannot starve the shadow
	// engine's own publishes on the same client connection.
	PublishPerSecond float64
	PublishBurst     int
}

func DefaultMQTTConfig() MQTTConfig {
	return MQTTConfig{
		QoS:              1,
		BatchInterval:    time.Second,
		BatchSize:        50,
		PublishPerSecond: 5,
		PublishBurst:     10,
	}
}

// mqttPublisher is the one method the backend needs from mqtt.Client.
type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTBackend batches log messages and publishes them to hierarchical
// topics. If the broker connection is down, batches are dropped silently
// — the Local backend is the durability layer, per spec.md §4.5 item 2.
type MQTTBackend struct {
	client  mqttPublisher
	cfg     MQTTConfig
	logger  *logging.Logger
	limiter *ratelimit.RateLimiter

	mu    sync.Mutex
	queue []model.LogMessage
}

func NewMQTTBackend(client mqttPublisher, cfg MQTTConfig, logger *logging.Logger) *MQTTBackend {
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = DefaultMQTTConfig().BatchInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultMQTTConfig().BatchSize
	}
	if cfg.PublishPerSecond <= 0 {
		cfg.PublishPerSecond = DefaultMQTTConfig().PublishPerSecond
	}
	if cfg.PublishBurst <= 0 {
		cfg.PublishBurst = DefaultMQTTConfig().PublishBurst
	}
	limiter := ratelimit.New(ratelimit.RateLimitConfig{
		RequestsPerSecond: cfg.PublishPerSecond,
		Burst:             cfg.PublishBurst,
	})
	return &MQTTBackend{client: client, cfg: cfg, logger: logger, limiter: limiter}
}

// Emit enqueues msg, flushing immediately if the batch reaches BatchSize.
func (b *MQTTBackend) Emit(msg model.LogMessage) {
	b.mu.Lock()
	b.queue = append(b.queue, msg)
	full := len(b.queue) >= b.cfg.BatchSize
	b.mu.Unlock()

	if full {
		b.flush()
	}
}

// Run flushes the queue every BatchInterval until done is closed, and
// flushes once more when it is.
func (b *MQTTBackend) Run(done <-chan struct{}) {
	ticker := time.NewTicker(b.cfg.BatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			b.flush()
			return
		case <-ticker.C:
			b.flush()
		}
	}
}

func (b *MQTTBackend) flush() {
	b.mu.Lock()
	if len(b.queue) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.queue
	b.queue = nil
	b.mu.Unlock()

	groups := map[string][]model.LogMessage{}
	order := []string{}
	for _, m := range batch {
		key := groupKey(m)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], m)
	}

	for _, key := range order {
		msgs := groups[key]
		topic := logTopic(msgs[0])
		if len(msgs) == 1 {
			b.publish(topic, msgs[0])
		} else {
			b.publish(topic+"/batch", msgs)
		}
	}
}

func (b *MQTTBackend) publish(topic string, payload interface{}) {
	if b.limiter.LimitExceeded() {
		b.logger.Debug("mqtt log publish rate limited, dropping batch")
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		b.logger.WithError(err).Warn("encode log batch")
		return
	}
	if b.client == nil {
		return
	}
	token := b.client.Publish(topic, b.cfg.QoS, false, body)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		b.logger.WithError(token.Error()).Debug("mqtt log publish dropped")
	}
}

func groupKey(m model.LogMessage) string {
	return strconv.Itoa(decodeAppID(m.ServiceID)) + "/" + m.ServiceName + "/" + string(m.Level)
}

func logTopic(m model.LogMessage) string {
	return "container-manager/logs/" + strconv.Itoa(decodeAppID(m.ServiceID)) + "/" + m.ServiceName + "/" + string(m.Level)
}

// decodeAppID reverses model.EncodeServiceID's appID*1000+offset packing.
func decodeAppID(serviceID int) int {
	return serviceID / 1000
}
