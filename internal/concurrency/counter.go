// Package concurrency wraps the store's atomic active-call increment/
// decrement/reset operations (§4.4, C6) with Prometheus gauge updates,
// grounded on the teacher's middleware/metrics.go gauge-registration style.
package concurrency

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/relaygate/gateway/internal/models"
)

// Store is the subset of store.Store this package needs.
type Store interface {
	IncrementActiveCalls(ctx context.Context, providerID, groupID int64) error
	DecrementActiveCalls(ctx context.Context, providerID, groupID int64) error
	ResetAllActiveCalls(ctx context.Context) error
	ConcurrencyStatus(ctx context.Context) ([]models.Membership, error)
}

var ActiveCalls = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Name: "gateway_active_calls",
	Help: "Current in-flight calls per (provider, group) membership.",
}, []string{"provider_id", "group_id"})

func init() {
	prometheus.MustRegister(ActiveCalls)
}

// Counter is the concurrency-accounting facade C7 calls into on each attempt.
type Counter struct {
	store Store
}

func NewCounter(store Store) *Counter {
	return &Counter{store: store}
}

func (c *Counter) Increment(ctx context.Context, providerID, groupID int64) error {
	if err := c.store.IncrementActiveCalls(ctx, providerID, groupID); err != nil {
		return err
	}
	ActiveCalls.WithLabelValues(label(providerID), label(groupID)).Inc()
	return nil
}

func (c *Counter) Decrement(ctx context.Context, providerID, groupID int64) error {
	if err := c.store.DecrementActiveCalls(ctx, providerID, groupID); err != nil {
		return err
	}
	ActiveCalls.WithLabelValues(label(providerID), label(groupID)).Dec()
	return nil
}

// ResetAll zeroes every membership's active_calls and the gauges that track
// them — run once at process start (P8), since active_calls must never
// survive a restart as a stale, unrecoverable count.
func (c *Counter) ResetAll(ctx context.Context) error {
	if err := c.store.ResetAllActiveCalls(ctx); err != nil {
		return err
	}
	ActiveCalls.Reset()
	return nil
}

func label(id int64) string {
	return fmt.Sprintf("%d", id)
}
