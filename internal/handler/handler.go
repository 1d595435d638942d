// Package handler defines the contract downstream service handlers
// implement; the scheduler and poller never call a concrete service
// directly.
package handler

import (
	"context"

	"github.com/fairqueue/scheduler/internal/domain"
)

// Handler performs the side effect for one claimed row. It must be
// safe to invoke once per claim and must observe ctx cancellation,
// returning promptly so the poller can settle the row to Canceled
// rather than Completed or Failed. It must not mutate row.
type Handler interface {
	Execute(ctx context.Context, row domain.QueueRow) error
}
