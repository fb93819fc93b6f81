package services

import (
	"context"
	"reflect"
	"time"

	"github.com/coursesync/server/internal/events"
	"github.com/coursesync/server/internal/observability"
)

// observeStore streams the value returned by load. It emits a snapshot
// first and then re-reads the store whenever eventType is published or
// the poll interval elapses, emitting only values that changed. load
// reports false when there is nothing to emit. The channel is closed
// when ctx ends.
func observeStore[T any](
	ctx context.Context,
	bus *events.EventBus,
	eventType events.EventType,
	poll time.Duration,
	logger *observability.Logger,
	load func(context.Context) (T, bool, error),
) <-chan T {
	out := make(chan T, 1)

	var sub <-chan events.Event
	if bus != nil {
		sub = bus.Subscribe(eventType)
	}

	go func() {
		defer close(out)
		if bus != nil {
			defer bus.Unsubscribe(eventType, sub)
		}

		var tick <-chan time.Time
		if poll > 0 {
			ticker := time.NewTicker(poll)
			defer ticker.Stop()
			tick = ticker.C
		}

		var last T
		emitted := false
		emit := func() bool {
			value, ok, err := load(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logger.WithError(err).Warn("Failed to read observed store")
				}
				return ctx.Err() == nil
			}
			if !ok || (emitted && reflect.DeepEqual(last, value)) {
				return true
			}
			select {
			case out <- value:
				last, emitted = value, true
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !emit() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-sub:
				if !ok {
					sub = nil
					continue
				}
			case <-tick:
			}
			if !emit() {
				return
			}
		}
	}()

	return out
}
