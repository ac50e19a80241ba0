package changefeed

import (
	"context"
	"sync"

	"ms-occupancy/internal/metrics"
	"ms-occupancy/internal/models"
)

const subscriberBuffer = 10

// Emitter broadcasts occupancy changes to live subscribers of a business
type Emitter struct {
	mu      sync.RWMutex
	clients map[string][]chan models.OccupancyChange // businessID -> subscriber channels
}

func NewEmitter() *Emitter {
	return &Emitter{
		clients: make(map[string][]chan models.OccupancyChange),
	}
}

// Subscribe registers a client for businessID. The channel is closed once ctx is done.
func (e *Emitter) Subscribe(ctx context.Context, businessID string) <-chan models.OccupancyChange {
	ch := make(chan models.OccupancyChange, subscriberBuffer)

	e.mu.Lock()
	e.clients[businessID] = append(e.clients[businessID], ch)
	e.mu.Unlock()

	go func() {
		<-ctx.Done()
		e.remove(businessID, ch)
	}()

	return ch
}

// Notify sends without blocking; a subscriber with a full buffer misses the change.
func (e *Emitter) Notify(ctx context.Context, change models.OccupancyChange) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, ch := range e.clients[change.BusinessID] {
		select {
		case ch <- change:
		default:
			metrics.ChangeFeedDropped.WithLabelValues("subscriber").Inc()
		}
	}
}

func (e *Emitter) remove(businessID string, ch chan models.OccupancyChange) {
	e.mu.Lock()
	defer e.mu.Unlock()

	clients := e.clients[businessID]
	for i, c := range clients {
		if c == ch {
			e.clients[businessID] = append(clients[:i], clients[i+1:]...)
			close(ch)
			break
		}
	}
	if len(e.clients[businessID]) == 0 {
		delete(e.clients, businessID)
	}
}

// ClientCount returns the number of live subscribers for a business
func (e *Emitter) ClientCount(businessID string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.clients[businessID])
}
