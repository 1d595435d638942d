// Package iam is a stand-in for the real IAM service client; the real
// client is explicitly out of scope, this exercises the Handler
// contract with realistic jittered latency and logging.
package iam

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/fairqueue/scheduler/internal/domain"
)

// Handler simulates calling the IAM service for a claimed row.
type Handler struct {
	log     *zap.Logger
	latency time.Duration
}

// New returns a Handler whose simulated call takes up to baseLatency,
// jittered, per invocation.
func New(log *zap.Logger, baseLatency time.Duration) *Handler {
	return &Handler{log: log, latency: baseLatency}
}

func (h *Handler) Execute(ctx context.Context, row domain.QueueRow) error {
	h.log.Debug("iam: dispatching",
		zap.String("row_id", row.ID),
		zap.String("tenant_id", row.TenantID),
		zap.String("operation", string(row.Operation)),
	)

	wait := time.Duration(rand.Int63n(int64(h.latency) + 1))
	select {
	case <-time.After(wait):
	case <-ctx.Done():
		return ctx.Err()
	}

	h.log.Info("iam: done",
		zap.String("row_id", row.ID),
		zap.String("tenant_id", row.TenantID),
	)
	return nil
}
