// Package scheduler implements the pure selection algorithm: given a
// service and a live view of the store, it returns the next batch of
// rows the poller should claim, honoring the concurrency cap, tenant
// lock, per-SKU fairness cap, and Create/Update/Delete priority all at
// once.
package scheduler

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	"github.com/fairqueue/scheduler/internal/domain"
	"github.com/fairqueue/scheduler/internal/registry"
	"github.com/fairqueue/scheduler/internal/storage"
)

// Scheduler selects the next batch of rows to claim for a service.
type Scheduler struct {
	store storage.Store
}

// New returns a Scheduler reading through store.
func New(store storage.Store) *Scheduler {
	return &Scheduler{store: store}
}

// Schedule returns the rows the poller should claim and dispatch this
// tick for service, under policy. It performs only the store reads
// described in §4.1; callers are responsible for claiming and
// dispatching what it returns.
func (s *Scheduler) Schedule(ctx context.Context, service string, policy registry.Policy) ([]domain.QueueRow, error) {
	inProgress, err := s.store.CountInProgress(ctx, service)
	if err != nil {
		return nil, errors.Wrapf(err, "schedule %s: count in_progress", service)
	}
	if inProgress >= policy.MaxConcurrency {
		return nil, nil
	}

	busyTenants, err := s.store.ListInProgressTenants(ctx, service)
	if err != nil {
		return nil, errors.Wrapf(err, "schedule %s: list in_progress tenants", service)
	}

	candidates, err := s.store.RankPending(ctx, service, policy.PerSKULimit)
	if err != nil {
		return nil, errors.Wrapf(err, "schedule %s: rank pending", service)
	}

	// Tenant lock: drop every candidate whose tenant already has an
	// in-progress row for this service. A SKU whose rank-1 candidate is
	// tenant-locked yields its turn this tick rather than promoting a
	// rank-2 row, so all of that SKU's candidates are dropped too.
	top := make(map[string]domain.QueueRow)
	for _, row := range candidates {
		if cur, seen := top[row.ProductSKU]; !seen || lessByRank(row, cur) {
			top[row.ProductSKU] = row
		}
	}
	free := make([]domain.QueueRow, 0, len(candidates))
	for _, row := range candidates {
		if _, skuLocked := busyTenants[top[row.ProductSKU].TenantID]; skuLocked {
			continue
		}
		if _, locked := busyTenants[row.TenantID]; !locked {
			free = append(free, row)
		}
	}

	// Group by product_sku, each group sorted ascending by
	// (operation, inserted_at) — the store's returned order across SKUs
	// is not assumed to be rank-ascending. SKU traversal order is
	// lexicographic for determinism.
	bySKU := make(map[string][]domain.QueueRow)
	for _, row := range free {
		bySKU[row.ProductSKU] = append(bySKU[row.ProductSKU], row)
	}
	for sku := range bySKU {
		sort.Slice(bySKU[sku], func(i, j int) bool {
			return lessByRank(bySKU[sku][i], bySKU[sku][j])
		})
	}
	order := make([]string, 0, len(bySKU))
	for sku := range bySKU {
		order = append(order, sku)
	}
	sort.Strings(order)

	// Take one row per SKU, but a tenant already placed by an
	// earlier-processed SKU this tick cannot be placed again: two rows
	// for the same tenant in one Schedule call would both be claimed
	// concurrently by the poller, violating I2 even though neither row
	// was tenant-locked by a pre-existing in-progress row. If a SKU's
	// rank-1 candidate conflicts this way, fall back to its next
	// candidate rather than handing the SKU a slot at all costs; if
	// every candidate in the group conflicts, the SKU yields its turn.
	placedTenants := make(map[string]struct{}, len(order))
	selected := make([]domain.QueueRow, 0, len(order))
	for _, sku := range order {
		for _, row := range bySKU[sku] {
			if _, alreadyPlaced := placedTenants[row.TenantID]; alreadyPlaced {
				continue
			}
			selected = append(selected, row)
			placedTenants[row.TenantID] = struct{}{}
			break
		}
	}

	remaining := policy.MaxConcurrency - inProgress
	if remaining < 0 {
		remaining = 0
	}
	if len(selected) > remaining {
		selected = selected[:remaining]
	}
	return selected, nil
}

// lessByRank reports whether a ranks ahead of b by (operation, inserted_at).
func lessByRank(a, b domain.QueueRow) bool {
	if a.Operation.Priority() != b.Operation.Priority() {
		return a.Operation.Priority() < b.Operation.Priority()
	}
	return a.InsertedAt.Before(b.InsertedAt)
}
