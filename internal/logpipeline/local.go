package logpipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zemfyre/edge-agent/infrastructure/logging"
	"github.com/zemfyre/edge-agent/internal/model"
)

// LocalConfig parameterizes the Local backend, per spec.md §4.5 item 1.
type LocalConfig struct {
	MaxLogs     int           // ring buffer capacity, FIFO eviction
	PersistDir  string        // "" disables NDJSON persistence
	MaxFileSize int64         // rotate when the current file exceeds this
	MaxAge      time.Duration // entries older than this are evicted
}

func DefaultLocalConfig() LocalConfig {
	return LocalConfig{
		MaxLogs:     10000,
		MaxFileSize: 10 * 1024 * 1024,
		MaxAge:      24 * time.Hour,
	}
}

// LocalFilter selects a subset of the in-memory buffer for a query.
type LocalFilter struct {
	ServiceID int // 0 = any
	Level     model.LogLevel
	Since     int64 // epoch ms, 0 = no lower bound
	Until     int64 // epoch ms, 0 = no upper bound
	IsStdErr  *bool
	Limit     int // 0 = unlimited
}

// LocalBackend keeps a bounded in-memory ring buffer and, when PersistDir
// is set, mirrors every message to rotating NDJSON files.
type LocalBackend struct {
	mu     sync.Mutex
	cfg    LocalConfig
	ring   []model.LogMessage
	logger *logging.Logger

	file     *os.File
	fileSize int64
}

func NewLocalBackend(cfg LocalConfig, logger *logging.Logger) (*LocalBackend, error) {
	if cfg.MaxLogs <= 0 {
		cfg.MaxLogs = DefaultLocalConfig().MaxLogs
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultLocalConfig().MaxFileSize
	}
	b := &LocalBackend{cfg: cfg, logger: logger, ring: make([]model.LogMessage, 0, cfg.MaxLogs)}
	if cfg.PersistDir != "" {
		if err := os.MkdirAll(cfg.PersistDir, 0o755); err != nil {
			return nil, fmt.Errorf("create log persist dir: %w", err)
		}
	}
	return b, nil
}

// Emit appends msg to the ring buffer (evicting the oldest entry if at
// capacity) and, if persistence is enabled, appends it to the current
// NDJSON file, rotating first if that would exceed MaxFileSize.
func (b *LocalBackend) Emit(msg model.LogMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.ring) >= b.cfg.MaxLogs {
		b.ring = b.ring[1:]
	}
	b.ring = append(b.ring, msg)

	if b.cfg.PersistDir == "" {
		return
	}
	if err := b.persist(msg); err != nil {
		b.logger.WithError(err).Warn("persist log message")
	}
}

func (b *LocalBackend) persist(msg model.LogMessage) error {
	line, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	if b.file == nil || b.fileSize+int64(len(line)) > b.cfg.MaxFileSize {
		if err := b.rotate(); err != nil {
			return err
		}
	}

	n, err := b.file.Write(line)
	b.fileSize += int64(n)
	return err
}

func (b *LocalBackend) rotate() error {
	if b.file != nil {
		b.file.Close()
	}
	name := filepath.Join(b.cfg.PersistDir, fmt.Sprintf("%d.ndjson", time.Now().UnixNano()))
	f, err := os.Create(name)
	if err != nil {
		return fmt.Errorf("rotate log file: %w", err)
	}
	b.file = f
	b.fileSize = 0
	return nil
}

// Close flushes and closes the active persistence file, if any.
func (b *LocalBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.file == nil {
		return nil
	}
	err := b.file.Close()
	b.file = nil
	return err
}

// Query returns buffered entries matching filter, most recent last
// (capture order), trimmed to filter.Limit if set.
func (b *LocalBackend) Query(filter LocalFilter) []model.LogMessage {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]model.LogMessage, 0, len(b.ring))
	for _, m := range b.ring {
		if filter.ServiceID != 0 && m.ServiceID != filter.ServiceID {
			continue
		}
		if filter.Level != "" && m.Level != filter.Level {
			continue
		}
		if filter.Since != 0 && m.Timestamp < filter.Since {
			continue
		}
		if filter.Until != 0 && m.Timestamp > filter.Until {
			continue
		}
		if filter.IsStdErr != nil && m.IsStdErr != *filter.IsStdErr {
			continue
		}
		out = append(out, m)
	}

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out
}

// EvictOlderThan drops entries from the in-memory buffer whose timestamp
// is older than now-MaxAge. Intended to run on a periodic ticker.
func (b *LocalBackend) EvictOlderThan(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := now.Add(-b.cfg.MaxAge).UnixMilli()
	i := 0
	for i < len(b.ring) && b.ring[i].Timestamp < cutoff {
		i++
	}
	if i > 0 {
		b.ring = b.ring[i:]
	}
}
