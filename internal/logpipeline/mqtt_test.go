package logpipeline

import (
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/zemfyre/edge-agent/internal/model"
)

type capturedPublish struct {
	topic   string
	payload []byte
}

type fakePublisher struct {
	published []capturedPublish
}

func (f *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	var b []byte
	switch p := payload.(type) {
	case []byte:
		b = p
	case string:
		b = []byte(p)
	}
	f.published = append(f.published, capturedPublish{topic: topic, payload: b})
	return fakeMQTTToken{}
}

type fakeMQTTToken struct{}

func (fakeMQTTToken) Wait() bool                    { return true }
func (fakeMQTTToken) WaitTimeout(time.Duration) bool { return true }
func (fakeMQTTToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (fakeMQTTToken) Error() error { return nil }

func TestMQTTBackendSingleMessagePublishesToBaseTopic(t *testing.T) {
	pub := &fakePublisher{}
	b := NewMQTTBackend(pub, DefaultMQTTConfig(), testLogger())

	b.Emit(model.LogMessage{ServiceID: 1001, ServiceName: "nginx", Level: model.LogInfo, Message: "hi"})
	b.flush()

	if len(pub.published) != 1 {
		t.Fatalf("published = %d, want 1", len(pub.published))
	}
	want := "container-manager/logs/1/nginx/info"
	if pub.published[0].topic != want {
		t.Errorf("topic = %q, want %q", pub.published[0].topic, want)
	}
}

func TestMQTTBackendGroupsBatchToBatchTopic(t *testing.T) {
	pub := &fakePublisher{}
	b := NewMQTTBackend(pub, DefaultMQTTConfig(), testLogger())

	for i := 0; i < 3; i++ {
		b.Emit(model.LogMessage{ServiceID: 1001, ServiceName: "nginx", Level: model.LogInfo, Message: "hi"})
	}
	b.flush()

	if len(pub.published) != 1 {
		t.Fatalf("published = %d, want 1 (grouped)", len(pub.published))
	}
	if pub.published[0].topic != "container-manager/logs/1/nginx/info/batch" {
		t.Errorf("topic = %q, want .../batch", pub.published[0].topic)
	}
}

func TestMQTTBackendFlushesImmediatelyAtBatchSize(t *testing.T) {
	pub := &fakePublisher{}
	cfg := DefaultMQTTConfig()
	cfg.BatchSize = 2
	b := NewMQTTBackend(pub, cfg, testLogger())

	b.Emit(model.LogMessage{ServiceID: 1001, ServiceName: "nginx", Level: model.LogInfo})
	if len(pub.published) != 0 {
		t.Fatalf("published after 1 msg = %d, want 0", len(pub.published))
	}
	b.Emit(model.LogMessage{ServiceID: 1001, ServiceName: "nginx", Level: model.LogInfo})
	if len(pub.published) != 1 {
		t.Errorf("published after BatchSize msgs = %d, want 1", len(pub.published))
	}
}

func TestMQTTBackendSeparatesDistinctGroups(t *testing.T) {
	pub := &fakePublisher{}
	b := NewMQTTBackend(pub, DefaultMQTTConfig(), testLogger())

	b.Emit(model.LogMessage{ServiceID: 1001, ServiceName: "nginx", Level: model.LogInfo})
	b.Emit(model.LogMessage{ServiceID: 1001, ServiceName: "nginx", Level: model.LogError})
	b.flush()

	if len(pub.published) != 2 {
		t.Fatalf("published = %d, want 2 distinct topics", len(pub.published))
	}
}
