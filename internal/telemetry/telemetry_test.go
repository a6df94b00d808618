package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/dukerupert/cartengine/internal/domain"
)

func TestEngineMetrics_Observers(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewEngineMetrics(reg, "test")

	m.LockAcquired(10 * time.Millisecond)
	m.LockTimedOut(time.Second)
	m.LockTimedOut(time.Second)
	m.IdempotencyOutcome("replay")
	m.IdempotencyOutcome("replay")
	m.IdempotencyOutcome("fresh")
	m.PriceChanged()
	m.EventFailed("cart.updated")
	m.ObserveMutation("add_item", "ok", 5*time.Millisecond)
	m.Swept("carts", 0)
	m.Swept("carts", 3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.LockTimeouts))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.IdempotencyOutcomes.WithLabelValues("replay")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IdempotencyOutcomes.WithLabelValues("fresh")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PriceChanges))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventFailures.WithLabelValues("cart.updated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Mutations.WithLabelValues("add_item", "ok")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.CartsSwept.WithLabelValues("carts")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.LockWait))
}

func TestEngineMetrics_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewEngineMetrics(prometheus.NewRegistry(), "")
		NewEngineMetrics(prometheus.NewRegistry(), "")
	})
}

func TestReportable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"plain error", errors.New("boom"), true},
		{"internal", domain.Internal(errors.New("x"), "op", "failed"), true},
		{"not found", domain.ErrCartNotFound, false},
		{"precondition", domain.ErrPreconditionFailed, false},
		{"lock timeout", domain.ErrLockTimeout, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Reportable(tt.err))
		})
	}
}

func TestCaptureHelpers_DisabledAreNoops(t *testing.T) {
	sentryEnabled = false
	assert.False(t, IsEnabled())
	assert.NotPanics(t, func() {
		CaptureError(errors.New("boom"))
		CaptureErrorFromContext(context.Background(), errors.New("boom"), nil)
		AddBreadcrumb(context.Background(), "cart", "msg", nil)
		ctx, done := StartSpan(context.Background(), "op", "desc")
		done()
		assert.NotNil(t, ctx)
	})
}
