package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"devicelink/internal/queue"
)

const (
	// DefaultWorkerCount is the default number of worker goroutines
	DefaultWorkerCount = 2

	// DefaultBatchSize is the number of messages to read per batch
	DefaultBatchSize = 10

	// DefaultBlockTimeout is how long to block waiting for new messages
	DefaultBlockTimeout = 5 * time.Second

	readErrorBackoff = time.Second
)

// MessageHandler processes one stream message. Errors are logged; the message is acked regardless.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg queue.Message) error
}

// Manager orchestrates worker goroutines that consume the device event stream.
type Manager struct {
	consumer    queue.Consumer
	handler     MessageHandler
	stream      string
	group       string
	workerCount int
	batchSize   int64
	blockTime   time.Duration

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// ManagerConfig holds configuration for the worker manager.
type ManagerConfig struct {
	Stream       string
	Group        string
	WorkerCount  int           // Number of worker goroutines
	BatchSize    int64         // Messages per read
	BlockTimeout time.Duration // Block time for XREADGROUP
}

// DefaultManagerConfig returns the audit consumer defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Stream:       queue.StreamDevices,
		Group:        queue.ConsumerGroupAudit,
		WorkerCount:  DefaultWorkerCount,
		BatchSize:    DefaultBatchSize,
		BlockTimeout: DefaultBlockTimeout,
	}
}

// NewManager creates a new worker manager.
func NewManager(consumer queue.Consumer, handler MessageHandler, cfg ManagerConfig) *Manager {
	if cfg.Stream == "" {
		cfg.Stream = queue.StreamDevices
	}
	if cfg.Group == "" {
		cfg.Group = queue.ConsumerGroupAudit
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = DefaultWorkerCount
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = DefaultBlockTimeout
	}

	return &Manager{
		consumer:    consumer,
		handler:     handler,
		stream:      cfg.Stream,
		group:       cfg.Group,
		workerCount: cfg.WorkerCount,
		batchSize:   cfg.BatchSize,
		blockTime:   cfg.BlockTimeout,
	}
}

// Start begins the worker goroutines.
// Call Stop() to gracefully shut down.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	if err := m.consumer.EnsureGroup(m.ctx, m.stream, m.group); err != nil {
		m.cancel()
		return err
	}

	slog.Info("starting workers", "component", "manager", "workers", m.workerCount, "stream", m.stream, "group", m.group)

	for i := 0; i < m.workerCount; i++ {
		workerID := i + 1
		m.wg.Add(1)
		go m.runWorker(workerID, consumerNameForWorker(workerID))
	}
	return nil
}

// Stop gracefully shuts down all workers.
// Blocks until all workers have finished.
func (m *Manager) Stop() {
	if m.cancel == nil {
		return
	}
	slog.Info("stopping workers", "component", "manager")
	m.cancel()
	m.wg.Wait()
	slog.Info("all workers stopped", "component", "manager")
}

// runWorker is the main loop for a single worker goroutine.
func (m *Manager) runWorker(workerID int, consumerName string) {
	defer m.wg.Done()
	log := slog.With("component", "worker", "worker_id", workerID, "consumer", consumerName)
	log.Debug("worker started")

	// Messages delivered before a crash but never acked come first.
	m.processPending(log, consumerName)

	for {
		select {
		case <-m.ctx.Done():
			log.Debug("worker shutting down")
			return
		default:
			m.processMessages(log, consumerName)
		}
	}
}

// processPending handles messages that were delivered but not acknowledged.
func (m *Manager) processPending(log *slog.Logger, consumerName string) {
	for {
		messages, err := m.consumer.ReadPending(m.ctx, m.stream, m.group, consumerName, m.batchSize)
		if err != nil {
			if m.ctx.Err() == nil {
				log.Warn("reading pending messages failed", "error", err)
			}
			return
		}
		if len(messages) == 0 {
			return
		}

		log.Info("recovering pending messages", "count", len(messages))
		m.handleMessages(log, messages)
	}
}

// processMessages reads and handles a batch of messages.
func (m *Manager) processMessages(log *slog.Logger, consumerName string) {
	messages, err := m.consumer.Read(m.ctx, m.stream, m.group, consumerName, m.batchSize, m.blockTime)
	if err != nil {
		if m.ctx.Err() != nil {
			return
		}
		log.Warn("reading stream failed", "error", err)
		select {
		case <-m.ctx.Done():
		case <-time.After(readErrorBackoff):
		}
		return
	}

	if len(messages) == 0 {
		return // block timeout
	}
	m.handleMessages(log, messages)
}

// handleMessages processes a batch of messages and acknowledges them.
func (m *Manager) handleMessages(log *slog.Logger, messages []queue.Message) {
	for _, msg := range messages {
		if err := m.handler.HandleMessage(m.ctx, msg); err != nil {
			// Still acked: a poison message must not loop forever.
			log.Error("handler failed", "msg_id", msg.ID, "type", msg.Event.Type, "error", err)
		}

		// Ack on a fresh context so shutdown does not leave handled messages pending.
		ackCtx, cancel := context.WithTimeout(context.WithoutCancel(m.ctx), 2*time.Second)
		if err := m.consumer.Ack(ackCtx, m.stream, m.group, msg.ID); err != nil {
			log.Warn("ack failed", "msg_id", msg.ID, "error", err)
		}
		cancel()
	}
}

func consumerNameForWorker(workerID int) string {
	return fmt.Sprintf("worker-%d", workerID)
}
