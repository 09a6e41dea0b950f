package logpipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/zemfyre/edge-agent/internal/dockeradapter"
	"github.com/zemfyre/edge-agent/internal/model"
)

type fakeStreamSource struct {
	frames chan dockeradapter.Frame
	errs   chan error
}

func newFakeStreamSource() *fakeStreamSource {
	return &fakeStreamSource{frames: make(chan dockeradapter.Frame, 8), errs: make(chan error, 1)}
}

func (f *fakeStreamSource) AttachLogStream(ctx context.Context, containerID string) (<-chan dockeradapter.Frame, <-chan error, error) {
	return f.frames, f.errs, nil
}

type recordingBackend struct {
	mu       sync.Mutex
	messages []model.LogMessage
}

func (r *recordingBackend) Emit(m model.LogMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, m)
}

func (r *recordingBackend) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func TestMonitorCapturesAndClassifiesFrames(t *testing.T) {
	source := newFakeStreamSource()
	backend := &recordingBackend{}
	m := NewMonitor(source, testLogger(), backend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Watch(ctx, "c1", 1001, 1, "nginx")

	source.frames <- dockeradapter.Frame{Stream: dockeradapter.StreamStdout, Payload: []byte("listening on :80\n")}
	source.frames <- dockeradapter.Frame{Stream: dockeradapter.StreamStderr, Payload: []byte("[ERROR] crash\n")}
	source.frames <- dockeradapter.Frame{Stream: dockeradapter.StreamStdout, Payload: []byte("   \n")} // dropped

	deadline := time.Now().Add(2 * time.Second)
	for backend.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if backend.count() != 2 {
		t.Fatalf("backend received %d messages, want 2 (empty payload dropped)", backend.count())
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if backend.messages[0].Level != model.LogInfo || backend.messages[0].ServiceID != 1001001 {
		t.Errorf("first message = %+v", backend.messages[0])
	}
	if backend.messages[1].Level != model.LogError || backend.messages[1].Message != "crash" {
		t.Errorf("second message = %+v", backend.messages[1])
	}
}

func TestMonitorWatchIsIdempotent(t *testing.T) {
	source := newFakeStreamSource()
	backend := &recordingBackend{}
	m := NewMonitor(source, testLogger(), backend)

	ctx := context.Background()
	m.Watch(ctx, "c1", 1, 1, "svc")
	m.Watch(ctx, "c1", 1, 1, "svc")

	m.mu.Lock()
	watchers := len(m.watching)
	m.mu.Unlock()
	if watchers != 1 {
		t.Errorf("watching = %d, want 1 (second Watch was a no-op)", watchers)
	}
}

func TestMonitorUnwatchStopsCapture(t *testing.T) {
	source := newFakeStreamSource()
	backend := &recordingBackend{}
	m := NewMonitor(source, testLogger(), backend)

	ctx := context.Background()
	m.Watch(ctx, "c1", 1, 1, "svc")
	m.Unwatch("c1")

	deadline := time.Now().Add(time.Second)
	for {
		m.mu.Lock()
		_, watching := m.watching["c1"]
		m.mu.Unlock()
		if !watching {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("container still marked watched after Unwatch")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
