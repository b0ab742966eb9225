package loop

import (
	"context"
	"sync"
)

// Observer receives run lifecycle notifications.
// Calls for one run are serialized, including in parallel mode.
type Observer interface {
	RunStarted(ctx context.Context, info RunInfo)
	TODFinished(ctx context.Context, runID string, result TODResult)
	RunFinished(ctx context.Context, report *Report)
}

// NoOpObserver ignores every notification. Embed it to implement a subset.
type NoOpObserver struct{}

func (NoOpObserver) RunStarted(ctx context.Context, info RunInfo)                    {}
func (NoOpObserver) TODFinished(ctx context.Context, runID string, result TODResult) {}
func (NoOpObserver) RunFinished(ctx context.Context, report *Report)                 {}

var _ Observer = NoOpObserver{}

// observers fans notifications out to every registered observer under a lock.
type observers struct {
	mu   sync.Mutex
	list []Observer
}

func (o *observers) add(obs Observer) {
	if obs != nil {
		o.list = append(o.list, obs)
	}
}

func (o *observers) runStarted(ctx context.Context, info RunInfo) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, obs := range o.list {
		obs.RunStarted(ctx, info)
	}
}

func (o *observers) todFinished(ctx context.Context, runID string, result TODResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, obs := range o.list {
		obs.TODFinished(ctx, runID, result)
	}
}

func (o *observers) runFinished(ctx context.Context, report *Report) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, obs := range o.list {
		obs.RunFinished(ctx, report)
	}
}
