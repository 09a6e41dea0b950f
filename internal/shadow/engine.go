package shadow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/zemfyre/edge-agent/infrastructure/logging"
	"github.com/zemfyre/edge-agent/internal/agentctx"
	"github.com/zemfyre/edge-agent/internal/model"
)

// connectTimeout bounds how long Connect waits for the broker handshake.
const connectTimeout = 10 * time.Second

// mqttClient is the subset of mqtt.Client the engine depends on, so tests
// can substitute a fake without a real broker.
type mqttClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
}

// DeltaHandler processes one top-level section of a shadow delta (sensor
// publishing config, log level, feature flags, ...). The "mqtt" section is
// reserved for broker migration and handled internally.
type DeltaHandler func(ctx context.Context, raw []byte) error

// Engine maintains one named shadow document against the cloud, per
// spec.md §4.4. It owns at most one in-flight update at a time; updates
// issued while one is pending coalesce into a single follow-up, last
// value wins per field.
type Engine struct {
	mu sync.Mutex

	agent      *agentctx.AgentContext
	shadowName string
	logger     *logging.Logger
	topics     topicSet

	newClient func(opts *mqtt.ClientOptions) mqttClient
	client    mqttClient

	state model.ShadowConnState

	pendingToken string
	queuedPatch  map[string]interface{}

	handlers map[string]DeltaHandler
}

// New constructs an Engine for the given shadow name (model.DefaultShadowName
// unless the device is configured otherwise). newClient is normally
// mqttNewClient; tests inject a fake.
func New(agent *agentctx.AgentContext, shadowName string, logger *logging.Logger) *Engine {
	if shadowName == "" {
		shadowName = model.DefaultShadowName
	}
	return &Engine{
		agent:      agent,
		shadowName: shadowName,
		logger:     logger,
		topics:     newTopicSet(agent.DeviceUUID(), shadowName),
		newClient:  mqttNewClient,
		state:      model.ShadowDisconnected,
		handlers:   map[string]DeltaHandler{},
	}
}

// mqttNewClient adapts mqtt.NewClient to the mqttClient interface.
func mqttNewClient(opts *mqtt.ClientOptions) mqttClient {
	return mqtt.NewClient(opts)
}

// RegisterHandler installs the handler invoked for delta section name.
// Must be called before Connect.
func (e *Engine) RegisterHandler(section string, h DeltaHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[section] = h
}

// State returns the engine's current connection/update state.
func (e *Engine) State() model.ShadowConnState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s model.ShadowConnState) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Connect establishes the MQTT session and subscribes to the shadow's
// accepted/rejected/delta topics, then requests the current shadow.
func (e *Engine) Connect(ctx context.Context) error {
	broker, username, password := e.agent.MQTTCredentials()

	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetUsername(username).
		SetPassword(password).
		SetClientID("edge-agent-" + e.agent.DeviceUUID()).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout)

	e.setState(model.ShadowConnecting)

	client := e.newClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		e.setState(model.ShadowError)
		return fmt.Errorf("shadow connect: timed out")
	}
	if err := token.Error(); err != nil {
		e.setState(model.ShadowError)
		return fmt.Errorf("shadow connect: %w", err)
	}

	e.mu.Lock()
	e.client = client
	e.mu.Unlock()

	if err := e.subscribe(client); err != nil {
		e.setState(model.ShadowError)
		return err
	}

	e.setState(model.ShadowConnected)
	client.Publish(e.topics.get, 1, false, []byte("{}"))
	return nil
}

func (e *Engine) subscribe(client mqttClient) error {
	subs := []struct {
		topic   string
		handler mqtt.MessageHandler
	}{
		{e.topics.updateAccepted, func(_ mqtt.Client, m mqtt.Message) { e.onAccepted(m.Payload()) }},
		{e.topics.updateRejected, func(_ mqtt.Client, m mqtt.Message) { e.onRejected(m.Payload()) }},
		{e.topics.updateDelta, func(_ mqtt.Client, m mqtt.Message) { e.onDelta(context.Background(), m.Payload()) }},
		{e.topics.getAccepted, func(_ mqtt.Client, m mqtt.Message) { e.onAccepted(m.Payload()) }},
	}
	for _, s := range subs {
		token := client.Subscribe(s.topic, 1, s.handler)
		if !token.WaitTimeout(connectTimeout) {
			return fmt.Errorf("subscribe %s: timed out", s.topic)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("subscribe %s: %w", s.topic, err)
		}
	}
	return nil
}

// Disconnect closes the MQTT session cleanly.
func (e *Engine) Disconnect() {
	e.mu.Lock()
	client := e.client
	e.mu.Unlock()
	if client != nil {
		client.Disconnect(250)
	}
	e.setState(model.ShadowDisconnected)
}

// UpdateReported publishes a reported-state patch. If an update is already
// in flight, patch is merged into the queued follow-up (last value wins
// per field) and sent once the in-flight update resolves.
func (e *Engine) UpdateReported(patch map[string]interface{}) error {
	e.mu.Lock()
	if e.pendingToken != "" {
		if e.queuedPatch == nil {
			e.queuedPatch = map[string]interface{}{}
		}
		for k, v := range patch {
			e.queuedPatch[k] = v
		}
		e.mu.Unlock()
		return nil
	}
	token := uuid.New().String()
	e.pendingToken = token
	client := e.client
	e.mu.Unlock()

	return e.publish(client, token, patch)
}

func (e *Engine) publish(client mqttClient, token string, patch map[string]interface{}) error {
	if client == nil {
		return fmt.Errorf("shadow update: not connected")
	}
	e.setState(model.ShadowUpdating)

	body, err := json.Marshal(updateRequest{State: updateState{Reported: patch}, ClientToken: token})
	if err != nil {
		return fmt.Errorf("encode shadow update: %w", err)
	}

	pubToken := client.Publish(e.topics.update, 1, false, body)
	if !pubToken.WaitTimeout(connectTimeout) {
		return fmt.Errorf("shadow update publish: timed out")
	}
	return pubToken.Error()
}

// onAccepted resolves the pending update and fires any coalesced follow-up.
func (e *Engine) onAccepted(payload []byte) {
	var msg acceptedPayload
	if err := json.Unmarshal(payload, &msg); err != nil {
		e.logger.WithError(err).Warn("decode shadow accepted")
		return
	}
	e.resolvePending(msg.ClientToken)
}

// onRejected resolves the pending update (logging the rejection) and fires
// any coalesced follow-up.
func (e *Engine) onRejected(payload []byte) {
	var msg rejectedPayload
	if err := json.Unmarshal(payload, &msg); err != nil {
		e.logger.WithError(err).Warn("decode shadow rejected")
		return
	}
	e.logger.WithFields(map[string]interface{}{"code": msg.Code, "message": msg.Message}).Warn("shadow update rejected")
	e.resolvePending(msg.ClientToken)
}

func (e *Engine) resolvePending(token string) {
	e.mu.Lock()
	if token != "" && token != e.pendingToken {
		e.mu.Unlock()
		return // stale response for a superseded update
	}
	queued := e.queuedPatch
	e.pendingToken = ""
	e.queuedPatch = nil
	client := e.client
	e.mu.Unlock()

	e.setState(model.ShadowConnected)
	if len(queued) > 0 {
		e.mu.Lock()
		next := uuid.New().String()
		e.pendingToken = next
		e.mu.Unlock()
		e.publish(client, next, queued)
	}
}

// onDelta dispatches each section of a delta to its registered handler.
// The "mqtt" section is always routed to broker migration regardless of
// registration, per spec.md §4.4.
func (e *Engine) onDelta(ctx context.Context, payload []byte) {
	var msg deltaPayload
	if err := json.Unmarshal(payload, &msg); err != nil {
		e.logger.WithError(err).Warn("decode shadow delta")
		return
	}

	e.setState(model.ShadowDeltaHandling)
	for section, raw := range msg.State {
		if section == "mqtt" {
			e.migrateBroker(ctx, raw)
			continue
		}
		e.mu.Lock()
		h, ok := e.handlers[section]
		e.mu.Unlock()
		if !ok {
			e.logger.WithFields(map[string]interface{}{"section": section}).Warn("unrecognized shadow delta section")
			continue
		}
		if err := h(ctx, raw); err != nil {
			e.logger.WithError(err).WithFields(map[string]interface{}{"section": section}).Warn("shadow delta handler failed")
		}
	}
	e.setState(model.ShadowConnected)
}

// migrateBroker implements spec.md §4.4's broker-migration protocol: report
// migrating, disconnect, reconnect with new credentials, report the
// outcome.
func (e *Engine) migrateBroker(ctx context.Context, raw json.RawMessage) {
	var cfg brokerMigration
	if err := json.Unmarshal(raw, &cfg); err != nil {
		e.logger.WithError(err).Warn("decode broker migration delta")
		return
	}

	prevBroker, _, _ := e.agent.MQTTCredentials()
	e.setState(model.ShadowMigrating)
	e.UpdateReported(map[string]interface{}{
		"mqtt": map[string]interface{}{"status": "migrating", "previousBroker": prevBroker},
	})

	e.Disconnect()
	e.agent.SetMQTTBroker(cfg.Broker, cfg.Username, cfg.Password)

	if err := e.Connect(ctx); err != nil {
		e.setState(model.ShadowError)
		e.UpdateReported(map[string]interface{}{
			"mqtt": map[string]interface{}{"status": "error", "error": err.Error()},
		})
		return
	}

	e.UpdateReported(map[string]interface{}{
		"mqtt": map[string]interface{}{
			"brokerId":    cfg.BrokerID,
			"status":      "connected",
			"migratedAt":  time.Now().UTC().Format(time.RFC3339),
		},
	})
}
