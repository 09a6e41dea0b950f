package shadow

import (
	"context"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/zemfyre/edge-agent/infrastructure/logging"
	"github.com/zemfyre/edge-agent/internal/agentctx"
	"github.com/zemfyre/edge-agent/internal/model"
)

type publishedMsg struct {
	topic   string
	payload []byte
}

type fakeMQTTClient struct {
	publishes       []publishedMsg
	subscribed      []string
	disconnectCalls int
	connectErr      error
}

func (f *fakeMQTTClient) Connect() mqtt.Token { return fakeToken{err: f.connectErr} }
func (f *fakeMQTTClient) Disconnect(quiesce uint) {
	f.disconnectCalls++
}
func (f *fakeMQTTClient) IsConnected() bool { return true }
func (f *fakeMQTTClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	var b []byte
	switch p := payload.(type) {
	case []byte:
		b = p
	case string:
		b = []byte(p)
	}
	f.publishes = append(f.publishes, publishedMsg{topic: topic, payload: b})
	return fakeToken{}
}
func (f *fakeMQTTClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	f.subscribed = append(f.subscribed, topic)
	return fakeToken{}
}

type fakeToken struct{ err error }

func (t fakeToken) Wait() bool                       { return true }
func (t fakeToken) WaitTimeout(time.Duration) bool    { return true }
func (t fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t fakeToken) Error() error { return t.err }

func testEngine(fc *fakeMQTTClient) *Engine {
	agent := agentctx.New(nil, logging.NewFromEnv("shadow-test"))
	agent.SetCredentials(agentctx.Credentials{DeviceUUID: "d1"})
	agent.SetMQTTBroker("mqtts://broker:8883", "u1", "p1")
	e := New(agent, "", logging.NewFromEnv("shadow-test"))
	e.newClient = func(opts *mqtt.ClientOptions) mqttClient { return fc }
	e.client = fc
	return e
}

func TestUpdateReportedPublishesAndTracksToken(t *testing.T) {
	fc := &fakeMQTTClient{}
	e := testEngine(fc)

	if err := e.UpdateReported(map[string]interface{}{"foo": "bar"}); err != nil {
		t.Fatalf("UpdateReported() error = %v", err)
	}
	if len(fc.publishes) != 1 {
		t.Fatalf("publishes = %d, want 1", len(fc.publishes))
	}
	if fc.publishes[0].topic != e.topics.update {
		t.Errorf("topic = %q, want %q", fc.publishes[0].topic, e.topics.update)
	}
	if e.pendingToken == "" {
		t.Error("pendingToken not set after publish")
	}
}

func TestUpdateReportedCoalescesWhilePending(t *testing.T) {
	fc := &fakeMQTTClient{}
	e := testEngine(fc)
	e.pendingToken = "in-flight"

	if err := e.UpdateReported(map[string]interface{}{"a": 1}); err != nil {
		t.Fatalf("UpdateReported() error = %v", err)
	}
	if len(fc.publishes) != 0 {
		t.Fatalf("publishes = %d, want 0 while an update is pending", len(fc.publishes))
	}

	e.UpdateReported(map[string]interface{}{"b": 2})
	if len(e.queuedPatch) != 2 {
		t.Errorf("queuedPatch = %+v, want 2 coalesced fields", e.queuedPatch)
	}
}

func TestOnAcceptedResolvesPendingAndFiresQueued(t *testing.T) {
	fc := &fakeMQTTClient{}
	e := testEngine(fc)
	e.pendingToken = "tok1"
	e.queuedPatch = map[string]interface{}{"x": 1}

	e.onAccepted([]byte(`{"clientToken":"tok1","version":2}`))

	if len(fc.publishes) != 1 {
		t.Fatalf("publishes after accept = %d, want 1 (queued update fired)", len(fc.publishes))
	}
	if len(e.queuedPatch) != 0 {
		t.Errorf("queuedPatch = %+v, want cleared", e.queuedPatch)
	}
	if e.pendingToken == "tok1" || e.pendingToken == "" {
		t.Errorf("pendingToken = %q, want a fresh token for the queued update", e.pendingToken)
	}
}

func TestOnAcceptedIgnoresStaleToken(t *testing.T) {
	fc := &fakeMQTTClient{}
	e := testEngine(fc)
	e.pendingToken = "tok-current"

	e.onAccepted([]byte(`{"clientToken":"tok-stale","version":1}`))

	if e.pendingToken != "tok-current" {
		t.Errorf("pendingToken = %q, want unchanged tok-current", e.pendingToken)
	}
}

func TestOnDeltaDispatchesRegisteredHandler(t *testing.T) {
	fc := &fakeMQTTClient{}
	e := testEngine(fc)

	called := false
	e.RegisterHandler("sensors", func(ctx context.Context, raw []byte) error {
		called = true
		if string(raw) != `{"enabled":true}` {
			t.Errorf("raw section = %s", raw)
		}
		return nil
	})

	e.onDelta(context.Background(), []byte(`{"version":1,"state":{"sensors":{"enabled":true}}}`))

	if !called {
		t.Error("registered handler was not invoked")
	}
}

func TestOnDeltaMqttSectionTriggersMigration(t *testing.T) {
	fc := &fakeMQTTClient{}
	e := testEngine(fc)

	e.onDelta(context.Background(), []byte(`{"version":1,"state":{"mqtt":{"brokerId":"b2","brokerUrl":"mqtts://new:8883","username":"u2","password":"p2"}}}`))

	if fc.disconnectCalls != 1 {
		t.Errorf("disconnectCalls = %d, want 1", fc.disconnectCalls)
	}
	broker, username, _ := e.agent.MQTTCredentials()
	if broker != "mqtts://new:8883" || username != "u2" {
		t.Errorf("credentials after migration = %q/%q", broker, username)
	}
	if e.State() != model.ShadowUpdating && e.State() != model.ShadowConnected {
		t.Errorf("state after migration = %v", e.State())
	}
}

func TestTopicSetShape(t *testing.T) {
	ts := newTopicSet("d1", "device-state")
	if ts.update != "$iot/device/d1/shadow/name/device-state/update" {
		t.Errorf("update topic = %q", ts.update)
	}
	if ts.updateDelta != ts.update+"/delta" {
		t.Errorf("delta topic = %q, want update+/delta", ts.updateDelta)
	}
}
