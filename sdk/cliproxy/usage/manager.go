// Package usage collects per-attempt usage records from the dispatch engine
// and fans them out to registered plugins off the request path.
package usage

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Record captures one execution attempt's accounting data.
type Record struct {
	Provider    string
	Model       string
	AuthID      string
	AuthIndex   string
	RequestedAt time.Time
	Failed      bool
	Detail      Detail
}

// Detail holds the token usage breakdown when the provider reported one.
type Detail struct {
	InputTokens     int64
	OutputTokens    int64
	ReasoningTokens int64
	CachedTokens    int64
	TotalTokens     int64
}

// Plugin consumes usage records emitted by the proxy runtime.
type Plugin interface {
	HandleUsage(ctx context.Context, record Record)
}

// Manager buffers records on a channel and delivers them to plugins from a
// single background goroutine. Publishing never blocks the dispatch path:
// when the buffer is full the record is dropped and counted.
type Manager struct {
	once     sync.Once
	stopOnce sync.Once
	cancel   context.CancelFunc

	queue   chan Record
	dropped int64
	dropMu  sync.Mutex

	pluginsMu sync.RWMutex
	plugins   []Plugin
}

// NewManager constructs a manager with the given queue depth.
func NewManager(buffer int) *Manager {
	if buffer <= 0 {
		buffer = 512
	}
	return &Manager{queue: make(chan Record, buffer)}
}

// Start launches the background dispatcher. Calling Start repeatedly is safe.
func (m *Manager) Start(ctx context.Context) {
	if m == nil {
		return
	}
	m.once.Do(func() {
		if ctx == nil {
			ctx = context.Background()
		}
		var workerCtx context.Context
		workerCtx, m.cancel = context.WithCancel(ctx)
		go m.run(workerCtx)
	})
}

// Stop terminates the dispatcher; queued records not yet delivered are dropped.
func (m *Manager) Stop() {
	if m == nil {
		return
	}
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
	})
}

// Register appends a plugin to the delivery list.
func (m *Manager) Register(plugin Plugin) {
	if m == nil || plugin == nil {
		return
	}
	m.pluginsMu.Lock()
	m.plugins = append(m.plugins, plugin)
	m.pluginsMu.Unlock()
}

// Publish enqueues a record, starting the dispatcher if needed.
func (m *Manager) Publish(_ context.Context, record Record) {
	if m == nil {
		return
	}
	m.Start(context.Background())
	select {
	case m.queue <- record:
	default:
		m.dropMu.Lock()
		m.dropped++
		if m.dropped%100 == 1 {
			log.Warnf("usage: queue full, %d record(s) dropped so far", m.dropped)
		}
		m.dropMu.Unlock()
	}
}

func (m *Manager) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case record := <-m.queue:
			m.deliver(ctx, record)
		}
	}
}

func (m *Manager) deliver(ctx context.Context, record Record) {
	m.pluginsMu.RLock()
	plugins := make([]Plugin, len(m.plugins))
	copy(plugins, m.plugins)
	m.pluginsMu.RUnlock()
	for _, plugin := range plugins {
		if plugin == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("usage: plugin panic recovered: %v", r)
				}
			}()
			plugin.HandleUsage(ctx, record)
		}()
	}
}

var defaultManager = NewManager(512)

// DefaultManager returns the process-wide usage manager.
func DefaultManager() *Manager { return defaultManager }

// RegisterPlugin registers a plugin on the default manager.
func RegisterPlugin(plugin Plugin) { DefaultManager().Register(plugin) }

// PublishRecord publishes a record using the default manager.
func PublishRecord(ctx context.Context, record Record) { DefaultManager().Publish(ctx, record) }

// StartDefault starts the default manager's dispatcher.
func StartDefault(ctx context.Context) { DefaultManager().Start(ctx) }

// StopDefault stops the default manager's dispatcher.
func StopDefault() { DefaultManager().Stop() }
