package changefeed

import (
	"context"

	"ms-occupancy/internal/models"
)

// Notifier matches occupancy.Notifier.
type Notifier interface {
	Notify(ctx context.Context, change models.OccupancyChange)
}

// Fanout delivers each change to every non-nil notifier in order.
type Fanout []Notifier

func NewFanout(notifiers ...Notifier) Fanout {
	out := make(Fanout, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			out = append(out, n)
		}
	}
	return out
}

func (f Fanout) Notify(ctx context.Context, change models.OccupancyChange) {
	for _, n := range f {
		n.Notify(ctx, change)
	}
}
