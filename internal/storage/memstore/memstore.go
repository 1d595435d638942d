// Package memstore is an in-memory storage.Store used by scheduler and
// poller tests, computing ranks in-process per the bounded-pull
// fallback: the per-SKU cap keeps the working set small even without a
// SQL window function.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/fairqueue/scheduler/internal/domain"
	"github.com/fairqueue/scheduler/internal/storage"
)

// Store is a mutex-guarded slice of domain.QueueRow implementing
// storage.Store.
type Store struct {
	mu   sync.Mutex
	rows []domain.QueueRow
}

var _ storage.Store = (*Store)(nil)

// New returns an empty in-memory store.
func New() *Store { return &Store{} }

// Seed appends rows directly, bypassing Insert's Pending/retry defaults;
// useful for tests that want to construct arbitrary starting states.
func (s *Store) Seed(rows ...domain.QueueRow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, rows...)
}

// Snapshot returns a copy of every row currently held, for assertions.
func (s *Store) Snapshot() []domain.QueueRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.QueueRow, len(s.rows))
	copy(out, s.rows)
	return out
}

func (s *Store) CountInProgress(_ context.Context, service string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.rows {
		if r.ServiceName == service && r.Status == domain.InProgress {
			n++
		}
	}
	return n, nil
}

func (s *Store) ListInProgressTenants(_ context.Context, service string) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]struct{})
	for _, r := range s.rows {
		if r.ServiceName == service && r.Status == domain.InProgress {
			out[r.TenantID] = struct{}{}
		}
	}
	return out, nil
}

// RankPending partitions pending rows of service by product_sku, orders
// each partition by (operation, inserted_at), and returns rows with
// rank <= perSKULimit.
func (s *Store) RankPending(_ context.Context, service string, perSKULimit int) ([]domain.QueueRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bySKU := make(map[string][]domain.QueueRow)
	for _, r := range s.rows {
		if r.ServiceName == service && r.Status == domain.Pending {
			bySKU[r.ProductSKU] = append(bySKU[r.ProductSKU], r)
		}
	}

	var out []domain.QueueRow
	for _, group := range bySKU {
		sort.SliceStable(group, func(i, j int) bool {
			if group[i].Operation.Priority() != group[j].Operation.Priority() {
				return group[i].Operation.Priority() < group[j].Operation.Priority()
			}
			return group[i].InsertedAt.Before(group[j].InsertedAt)
		})
		if len(group) > perSKULimit {
			group = group[:perSKULimit]
		}
		out = append(out, group...)
	}
	return out, nil
}

func (s *Store) ClaimPending(_ context.Context, id string) (domain.QueueRow, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.rows {
		if r.ID == id {
			if r.Status != domain.Pending {
				return domain.QueueRow{}, false, nil
			}
			s.rows[i].Status = domain.InProgress
			return s.rows[i], true, nil
		}
	}
	return domain.QueueRow{}, false, nil
}

func (s *Store) Save(_ context.Context, row domain.QueueRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.rows {
		if r.ID == row.ID {
			if r.Status != row.Status && !domain.CanTransition(r.Status, row.Status) {
				return errors.Errorf("illegal transition %s -> %s for row %s", r.Status, row.Status, row.ID)
			}
			s.rows[i].Status = row.Status
			s.rows[i].RetryCount = row.RetryCount
			return nil
		}
	}
	return errors.Errorf("row %s not found", row.ID)
}

func (s *Store) Insert(_ context.Context, p storage.InsertParams) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	s.rows = append(s.rows, domain.QueueRow{
		ID:                  id,
		ExecutionInstanceID: p.ExecutionInstanceID,
		EventInstanceID:     p.EventInstanceID,
		TenantID:            p.TenantID,
		ProductSKU:          p.ProductSKU,
		ServiceName:         p.ServiceName,
		Operation:           p.Operation,
		Status:              domain.Pending,
		InsertedAt:          time.Now().UTC(),
		RetryCount:          0,
	})
	return id, nil
}
