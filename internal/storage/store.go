// Package storage defines the queue store contract shared by the
// Postgres-backed implementation in postgres/ and the in-memory test
// double in memstore/.
package storage

import (
	"context"

	"github.com/fairqueue/scheduler/internal/domain"
)

// InsertParams is the set of fields upstream ingestion supplies; Insert
// always writes status=Pending, retry_count=0, inserted_at=now.
type InsertParams struct {
	ExecutionInstanceID string
	EventInstanceID     string
	TenantID            string
	ProductSKU          string
	ServiceName         string
	Operation           domain.Operation
}

// Store is the task store contract of §4.1: an in-progress count, a
// tenant set read, a ranked read, a compare-and-set claim, a general
// status/retry write, and the ingestion-side insert.
type Store interface {
	// CountInProgress returns the number of InProgress rows for service.
	CountInProgress(ctx context.Context, service string) (int, error)

	// ListInProgressTenants returns the distinct tenant ids with an
	// InProgress row in service.
	ListInProgressTenants(ctx context.Context, service string) (map[string]struct{}, error)

	// RankPending returns, for service, the top perSKULimit pending rows
	// within each product_sku, ranked by (operation, inserted_at)
	// ascending. Rows from different SKUs are interleaved in no
	// required order.
	RankPending(ctx context.Context, service string, perSKULimit int) ([]domain.QueueRow, error)

	// ClaimPending performs the compare-and-set Pending -> InProgress
	// transition for id. ok is false, with a nil error, if the row was
	// no longer Pending.
	ClaimPending(ctx context.Context, id string) (row domain.QueueRow, ok bool, err error)

	// Save commits a status/retry_count mutation on an already-claimed
	// row. Implementations must reject transitions absent from
	// domain.Transitions.
	Save(ctx context.Context, row domain.QueueRow) error

	// Insert persists a new Pending row. Ingestion-side primitive; not
	// used by the scheduler or poller.
	Insert(ctx context.Context, p InsertParams) (id string, err error)
}
