package worker_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"devicelink/internal/model"
	"devicelink/internal/queue"
	"devicelink/internal/testutil"
	"devicelink/internal/worker"
)

// =============================================================================
// Mock Implementations
// =============================================================================

// mockEventRepository mimics the unique stream_id constraint of the audit table.
type mockEventRepository struct {
	mu     sync.Mutex
	rows   map[string]model.DeviceEvent
	failFn func(e *model.DeviceEvent) error
}

func newMockEventRepository() *mockEventRepository {
	return &mockEventRepository{rows: make(map[string]model.DeviceEvent)}
}

func (m *mockEventRepository) Create(_ context.Context, e *model.DeviceEvent) error {
	if m.failFn != nil {
		if err := m.failFn(e); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[e.StreamID]; !ok {
		m.rows[e.StreamID] = *e
	}
	return nil
}

func (m *mockEventRepository) ListByDevice(_ context.Context, deviceID string, _ int) ([]model.DeviceEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.DeviceEvent
	for _, e := range m.rows {
		if e.DeviceID == deviceID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockEventRepository) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

// fakeConsumer serves pending messages once, then whatever is pushed to incoming.
type fakeConsumer struct {
	mu       sync.Mutex
	pending  []queue.Message
	incoming chan queue.Message
	acked    []string
}

func newFakeConsumer(pending ...queue.Message) *fakeConsumer {
	return &fakeConsumer{pending: pending, incoming: make(chan queue.Message, 16)}
}

func (c *fakeConsumer) EnsureGroup(context.Context, string, string) error { return nil }

func (c *fakeConsumer) Read(ctx context.Context, _, _, _ string, _ int64, block time.Duration) ([]queue.Message, error) {
	select {
	case msg := <-c.incoming:
		return []queue.Message{msg}, nil
	case <-time.After(block):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConsumer) ReadPending(context.Context, string, string, string, int64) ([]queue.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.pending
	c.pending = nil
	return out, nil
}

func (c *fakeConsumer) Ack(_ context.Context, _, _ string, ids ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acked = append(c.acked, ids...)
	return nil
}

func (c *fakeConsumer) Pending(context.Context, string, string) (int64, error) { return 0, nil }

func (c *fakeConsumer) ackedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.acked)
}

// =============================================================================
// Test Helpers
// =============================================================================

func message(id, eventType, deviceID string, userID int64) queue.Message {
	return queue.Message{ID: id, Event: queue.NewDeviceEvent(eventType, deviceID, userID)}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testManagerConfig() worker.ManagerConfig {
	cfg := worker.DefaultManagerConfig()
	cfg.WorkerCount = 1
	cfg.BlockTimeout = 20 * time.Millisecond
	return cfg
}

// =============================================================================
// Manager
// =============================================================================

func TestManager_RecoversPendingThenReadsNew(t *testing.T) {
	repo := newMockEventRepository()
	consumer := newFakeConsumer(message("1-0", queue.EventDeviceRegistered, "dev_a", 0))

	mgr := worker.NewManager(consumer, worker.NewAuditHandler(repo), testManagerConfig())
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer mgr.Stop()

	consumer.incoming <- message("2-0", queue.EventDeviceLinked, "dev_a", 7)
	consumer.incoming <- message("3-0", queue.EventDeviceExchanged, "dev_a", 7)

	waitFor(t, "three acks", func() bool { return consumer.ackedCount() == 3 })
	if got := repo.count(); got != 3 {
		t.Errorf("stored events = %d, want 3", got)
	}
}

func TestManager_AcksEvenWhenHandlerFails(t *testing.T) {
	repo := newMockEventRepository()
	repo.failFn = func(*model.DeviceEvent) error { return errors.New("db down") }
	consumer := newFakeConsumer()

	mgr := worker.NewManager(consumer, worker.NewAuditHandler(repo), testManagerConfig())
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer mgr.Stop()

	consumer.incoming <- message("1-0", queue.EventTokenRevoked, "dev_a", 1)
	waitFor(t, "ack", func() bool { return consumer.ackedCount() == 1 })
}

func TestManager_StopReturnsPromptly(t *testing.T) {
	consumer := newFakeConsumer()
	cfg := testManagerConfig()
	cfg.BlockTimeout = time.Minute

	mgr := worker.NewManager(consumer, worker.NewAuditHandler(newMockEventRepository()), cfg)
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan struct{})
	go func() {
		mgr.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on an idle read")
	}
}

// =============================================================================
// AuditHandler
// =============================================================================

func TestAuditHandler(t *testing.T) {
	ctx := context.Background()

	t.Run("stores event keyed by stream id", func(t *testing.T) {
		repo := newMockEventRepository()
		h := worker.NewAuditHandler(repo)
		msg := message("10-0", queue.EventDeviceLinked, "dev_a", 42)

		if err := h.HandleMessage(ctx, msg); err != nil {
			t.Fatalf("HandleMessage: %v", err)
		}
		// redelivery
		if err := h.HandleMessage(ctx, msg); err != nil {
			t.Fatalf("HandleMessage redelivery: %v", err)
		}

		rows, _ := repo.ListByDevice(ctx, "dev_a", 10)
		if len(rows) != 1 {
			t.Fatalf("rows = %d, want 1", len(rows))
		}
		row := rows[0]
		if row.Type != queue.EventDeviceLinked || row.StreamID != "10-0" {
			t.Errorf("row = %+v", row)
		}
		if row.UserID == nil || *row.UserID != 42 {
			t.Errorf("user id = %v, want 42", row.UserID)
		}
		if !row.OccurredAt.Equal(msg.Event.OccurredAt()) {
			t.Errorf("occurred_at = %v, want %v", row.OccurredAt, msg.Event.OccurredAt())
		}
	})

	t.Run("registration has no user", func(t *testing.T) {
		repo := newMockEventRepository()
		h := worker.NewAuditHandler(repo)
		if err := h.HandleMessage(ctx, message("11-0", queue.EventDeviceRegistered, "dev_b", 0)); err != nil {
			t.Fatal(err)
		}
		rows, _ := repo.ListByDevice(ctx, "dev_b", 10)
		if len(rows) != 1 || rows[0].UserID != nil {
			t.Errorf("rows = %+v, want one row without user", rows)
		}
	})

	t.Run("malformed message is skipped", func(t *testing.T) {
		repo := newMockEventRepository()
		h := worker.NewAuditHandler(repo)
		if err := h.HandleMessage(ctx, queue.Message{ID: "12-0"}); err != nil {
			t.Errorf("malformed message should not error: %v", err)
		}
		if repo.count() != 0 {
			t.Error("malformed message was stored")
		}
	})

	t.Run("repository failure surfaces", func(t *testing.T) {
		repo := newMockEventRepository()
		repo.failFn = func(*model.DeviceEvent) error { return errors.New("db down") }
		h := worker.NewAuditHandler(repo)
		if err := h.HandleMessage(ctx, message("13-0", queue.EventTokenRefreshed, "dev_c", 1)); err == nil {
			t.Error("expected error")
		}
	})
}

// =============================================================================
// Sweeper
// =============================================================================

func TestSweeper_RunOnce(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewTokenStore()

	if _, err := store.CreateRegistration(ctx, "111111", "dev_a", 10*time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, err := store.CreateRegistration(ctx, "222222", "dev_b", 10*time.Minute); err != nil {
		t.Fatal(err)
	}
	store.Advance(11 * time.Minute)

	sweeper := worker.NewSweeper(store, nil, worker.SweeperConfig{
		RegistrationGrace: time.Hour,
		TokenRetention:    24 * time.Hour,
	})

	res, err := sweeper.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.RegistrationsExpired != 2 || res.RegistrationsDeleted != 0 {
		t.Errorf("first sweep = %+v", res)
	}

	store.Advance(2 * time.Hour)
	res, err = sweeper.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.RegistrationsDeleted != 2 {
		t.Errorf("second sweep = %+v, want 2 deleted", res)
	}
	if _, ok := store.Registration("111111"); ok {
		t.Error("registration past grace should be gone")
	}
}

func TestSweeper_StartStop(t *testing.T) {
	store := testutil.NewTokenStore()
	store.FailNext(1, errors.New("db down"))

	sweeper := worker.NewSweeper(store, nil, worker.SweeperConfig{Interval: 10 * time.Millisecond})
	sweeper.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	sweeper.Stop()
	// a second Stop is harmless
	sweeper.Stop()
}

// =============================================================================
// Integration: Redis stream end to end
// =============================================================================

func setupTestRedis(t *testing.T) *redis.Client {
	redisURL := os.Getenv("TEST_REDIS_URL")
	if redisURL == "" {
		redisURL = "redis://localhost:6379"
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		t.Fatalf("Failed to parse Redis URL: %v", err)
	}

	// Use DB 1 for testing to avoid conflicts with dev data
	opts.DB = 1
	client := redis.NewClient(opts)

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available, skipping test: %v", err)
	}
	client.FlushDB(ctx)
	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})
	return client
}

func TestStreamToAuditTable(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()

	pub := queue.NewPublisher(client)
	repo := newMockEventRepository()
	mgr := worker.NewManager(queue.NewConsumer(client), worker.NewAuditHandler(repo), testManagerConfig())
	if err := mgr.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer mgr.Stop()

	for _, typ := range []string{queue.EventDeviceRegistered, queue.EventDeviceLinked, queue.EventDeviceExchanged} {
		if _, err := pub.Publish(ctx, queue.StreamDevices, queue.NewDeviceEvent(typ, "dev_int", 9)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	waitFor(t, "audit rows", func() bool { return repo.count() == 3 })

	waitFor(t, "pending drained", func() bool {
		n, err := queue.NewConsumer(client).Pending(ctx, queue.StreamDevices, queue.ConsumerGroupAudit)
		return err == nil && n == 0
	})
}
