package testutil

import (
	"context"
	"fmt"
	"sync"

	"devicelink/internal/queue"
)

// Publisher records published device events.
type Publisher struct {
	mu     sync.Mutex
	events []queue.DeviceEvent
	Err    error
}

func (p *Publisher) Publish(_ context.Context, _ string, event queue.DeviceEvent) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return "", p.Err
	}
	p.events = append(p.events, event)
	return fmt.Sprintf("%d-0", len(p.events)), nil
}

// Types returns the published event types in order.
func (p *Publisher) Types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]string, 0, len(p.events))
	for _, e := range p.events {
		types = append(types, e.Type)
	}
	return types
}
