package logpipeline

import (
	"context"
	"sync"
	"time"

	"github.com/zemfyre/edge-agent/infrastructure/logging"
	"github.com/zemfyre/edge-agent/infrastructure/redaction"
	"github.com/zemfyre/edge-agent/internal/dockeradapter"
	"github.com/zemfyre/edge-agent/internal/model"
)

// Backend receives every classified log message. Emit is called on the
// container's capture goroutine. The MQTT and Cloud backends enqueue and
// return until their batch is full; at that point Emit flushes in place,
// so the capture loop waits for that publish or upload to finish.
type Backend interface {
	Emit(model.LogMessage)
}

// StreamSource attaches to a running container's combined stdout/stderr.
// Satisfied by *dockeradapter.Adapter.
type StreamSource interface {
	AttachLogStream(ctx context.Context, containerID string) (<-chan dockeradapter.Frame, <-chan error, error)
}

// Monitor attaches one capture goroutine per running container and fans
// out classified messages to every registered backend. A failure
// attaching or reading one container's stream never affects another's.
type Monitor struct {
	source   StreamSource
	backends []Backend
	logger   *logging.Logger

	mu       sync.Mutex
	watching map[string]context.CancelFunc // containerID -> stop
}

func NewMonitor(source StreamSource, logger *logging.Logger, backends ...Backend) *Monitor {
	return &Monitor{
		source:   source,
		backends: backends,
		logger:   logger,
		watching: map[string]context.CancelFunc{},
	}
}

// Watch starts capturing logs for containerID if not already watched.
// Idempotent: a second call for the same container is a no-op.
func (m *Monitor) Watch(ctx context.Context, containerID string, appID, serviceID int, serviceName string) {
	m.mu.Lock()
	if _, ok := m.watching[containerID]; ok {
		m.mu.Unlock()
		return
	}
	watchCtx, cancel := context.WithCancel(ctx)
	m.watching[containerID] = cancel
	m.mu.Unlock()

	go m.capture(watchCtx, containerID, appID, serviceID, serviceName)
}

// Unwatch stops capturing logs for containerID, e.g. once it is removed.
func (m *Monitor) Unwatch(containerID string) {
	m.mu.Lock()
	cancel, ok := m.watching[containerID]
	delete(m.watching, containerID)
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

func (m *Monitor) capture(ctx context.Context, containerID string, appID, serviceID int, serviceName string) {
	defer func() {
		m.mu.Lock()
		delete(m.watching, containerID)
		m.mu.Unlock()
	}()

	frames, errCh, err := m.source.AttachLogStream(ctx, containerID)
	if err != nil {
		m.logger.WithError(err).WithFields(map[string]interface{}{"container_id": containerID}).Warn("attach log stream")
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				select {
				case err := <-errCh:
					if err != nil {
						m.logger.WithError(err).WithFields(map[string]interface{}{"container_id": containerID}).Debug("log stream ended")
					}
				default:
				}
				return
			}
			m.handleFrame(frame, containerID, appID, serviceID, serviceName)
		}
	}
}

func (m *Monitor) handleFrame(frame dockeradapter.Frame, containerID string, appID, serviceID int, serviceName string) {
	isStdErr := frame.Stream == dockeradapter.StreamStderr
	message, level, ok := classify(frame.Payload, isStdErr)
	if !ok {
		return
	}

	msg := model.LogMessage{
		Message:     redaction.RedactAll(message),
		Timestamp:   time.Now().UnixMilli(),
		Level:       level,
		Source:      model.SourceContainer,
		ServiceID:   model.EncodeServiceID(appID, serviceID),
		ServiceName: serviceName,
		ContainerID: containerID,
		IsStdErr:    isStdErr,
	}

	for _, b := range m.backends {
		b.Emit(msg)
	}
}
