package eventlog

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/rendis/ensemble/internal/streaming"
)

// Recorder drains a hub subscription into a Log.
type Recorder struct {
	log    *Log
	logger *slog.Logger

	cancel func()
	done   chan struct{}

	mu   sync.Mutex
	errs []error
}

// Record subscribes to hub with filter and appends every delivered event to
// l until Stop is called. Append failures are logged and returned by Stop.
func Record(ctx context.Context, l *Log, hub streaming.Hub, filter streaming.Filter, logger *slog.Logger) (*Recorder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	events, cancel, err := hub.Subscribe(ctx, filter)
	if err != nil {
		return nil, err
	}
	r := &Recorder{log: l, logger: logger, cancel: cancel, done: make(chan struct{})}

	// Appends outlive ctx so buffered events still land after a shutdown signal.
	appendCtx := context.WithoutCancel(ctx)
	go func() {
		defer close(r.done)
		for ev := range events {
			if _, err := l.Append(appendCtx, ev); err != nil {
				r.logger.Warn("event not recorded",
					slog.String("execution_id", ev.ExecutionID),
					slog.String("type", ev.Type),
					slog.String("error", err.Error()))
				r.mu.Lock()
				r.errs = append(r.errs, err)
				r.mu.Unlock()
			}
		}
	}()
	return r, nil
}

// Stop ends the subscription, waits for buffered events to be written and
// returns the append errors seen.
func (r *Recorder) Stop() error {
	r.cancel()
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return errors.Join(r.errs...)
}
