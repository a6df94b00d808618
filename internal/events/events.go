// Package events publishes cart.updated notifications for external cache
// invalidation. Events are emitted after commit and never block or fail the
// mutation that produced them.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/cartengine/internal/domain"
)

// TypeCartUpdated is the event type name used as subject suffix and header.
const TypeCartUpdated = "cart.updated"

// Encode renders an event as JSON.
func Encode(event domain.CartUpdated) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", TypeCartUpdated, err)
	}
	return data, nil
}

// LogEmitter writes events to the log. Used when no broker is configured.
type LogEmitter struct {
	logger *slog.Logger
}

// NewLogEmitter creates a log-only emitter.
func NewLogEmitter(logger *slog.Logger) *LogEmitter {
	return &LogEmitter{logger: logger}
}

func (e *LogEmitter) EmitCartUpdated(ctx context.Context, event domain.CartUpdated) error {
	e.logger.Info("cart updated",
		"cart_id", event.CartID,
		"version", event.Version,
		"total", event.Total,
	)
	return nil
}

// Async decouples emission from the request: EmitCartUpdated returns
// immediately and the wrapped emitter runs with a bounded timeout.
type Async struct {
	next    domain.EventEmitter
	timeout time.Duration
	logger  *slog.Logger
	onError func()
	wg      sync.WaitGroup
}

// NewAsync wraps next. onError, if set, is called for every failed emit.
func NewAsync(next domain.EventEmitter, timeout time.Duration, logger *slog.Logger, onError func()) *Async {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Async{next: next, timeout: timeout, logger: logger, onError: onError}
}

func (a *Async) EmitCartUpdated(ctx context.Context, event domain.CartUpdated) error {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
		defer cancel()
		if err := a.next.EmitCartUpdated(ctx, event); err != nil {
			a.logger.Warn("failed to emit cart event",
				"cart_id", event.CartID,
				"version", event.Version,
				"error", err,
			)
			if a.onError != nil {
				a.onError()
			}
		}
	}()
	return nil
}

// Wait blocks until in-flight emits finish.
func (a *Async) Wait() {
	a.wg.Wait()
}
