package deviceclient

import (
	"context"
	"sync"
	"time"
)

// ExpiryWatcher checks the stored credential on a ticker and republishes the client's
// state changes on a channel. A slow reader loses the oldest changes, never the newest.
type ExpiryWatcher struct {
	client   *Client
	interval time.Duration
	changes  chan StateChange

	mu          sync.Mutex
	wg          sync.WaitGroup
	cancel      context.CancelFunc
	unsubscribe func()
}

func NewExpiryWatcher(client *Client, interval time.Duration) *ExpiryWatcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &ExpiryWatcher{
		client:   client,
		interval: interval,
		changes:  make(chan StateChange, 8),
	}
}

// Changes is never closed.
func (w *ExpiryWatcher) Changes() <-chan StateChange {
	return w.changes
}

// Start checks immediately and then on every tick until Stop or ctx ends.
// Starting a running watcher does nothing.
func (w *ExpiryWatcher) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.unsubscribe = w.client.Subscribe(w.deliver)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			w.client.checkExpiry(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop is safe to call more than once.
func (w *ExpiryWatcher) Stop() {
	w.mu.Lock()
	cancel, unsubscribe := w.cancel, w.unsubscribe
	w.cancel, w.unsubscribe = nil, nil
	w.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	w.wg.Wait()
	unsubscribe()
}

func (w *ExpiryWatcher) deliver(sc StateChange) {
	for {
		select {
		case w.changes <- sc:
			return
		default:
		}
		select {
		case <-w.changes:
		default:
		}
	}
}
