// Package postgres implements storage.Store against a pgxpool.Pool,
// keeping the ranked read as a single window-function query so the
// per-SKU ranks it returns are mutually consistent.
package postgres

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/fairqueue/scheduler/internal/domain"
	"github.com/fairqueue/scheduler/internal/storage"
)

// Store is the Postgres-backed task store.
type Store struct{ db *pgxpool.Pool }

// New wraps an already-configured pgxpool.Pool.
func New(db *pgxpool.Pool) *Store { return &Store{db} }

var _ storage.Store = (*Store)(nil)

func (s *Store) CountInProgress(ctx context.Context, service string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`select count(*) from queue_rows where service_name = $1 and status = $2`,
		service, domain.InProgress,
	).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "count in_progress")
	}
	return n, nil
}

func (s *Store) ListInProgressTenants(ctx context.Context, service string) (map[string]struct{}, error) {
	rows, err := s.db.Query(ctx,
		`select distinct tenant_id from queue_rows where service_name = $1 and status = $2`,
		service, domain.InProgress,
	)
	if err != nil {
		return nil, errors.Wrap(err, "list in_progress tenants")
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var tenant string
		if err := rows.Scan(&tenant); err != nil {
			return nil, errors.Wrap(err, "scan tenant")
		}
		out[tenant] = struct{}{}
	}
	return out, rows.Err()
}

// RankPending ranks pending rows of service within each product_sku by
// (operation, inserted_at) using a single ROW_NUMBER() OVER (PARTITION
// BY ...) query, so the per-SKU ranks are consistent with each other.
func (s *Store) RankPending(ctx context.Context, service string, perSKULimit int) ([]domain.QueueRow, error) {
	rows, err := s.db.Query(ctx, `
		select id, execution_instance_id, event_instance_id, tenant_id,
		       product_sku, service_name, operation, status, inserted_at, retry_count
		  from (
		    select *,
		           row_number() over (
		             partition by product_sku
		             order by
		               case operation
		                 when 'create' then 0
		                 when 'update' then 1
		                 when 'delete' then 2
		                 else 99
		               end asc,
		               inserted_at asc
		           ) as rnk
		      from queue_rows
		     where service_name = $1 and status = $2
		  ) ranked
		 where rnk <= $3`,
		service, domain.Pending, perSKULimit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "rank pending")
	}
	defer rows.Close()

	var out []domain.QueueRow
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan ranked row")
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// ClaimPending is the claim step's compare-and-set: it only succeeds if
// the row is still Pending, which is the serialization point enforcing
// I2 and I3 against concurrent pollers.
func (s *Store) ClaimPending(ctx context.Context, id string) (domain.QueueRow, bool, error) {
	row := s.db.QueryRow(ctx, `
		update queue_rows
		   set status = $1
		 where id = $2 and status = $3
		 returning id, execution_instance_id, event_instance_id, tenant_id,
		           product_sku, service_name, operation, status, inserted_at, retry_count`,
		domain.InProgress, id, domain.Pending,
	)
	out, err := scanRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.QueueRow{}, false, nil
	}
	if err != nil {
		return domain.QueueRow{}, false, errors.Wrap(err, "claim pending")
	}
	return out, true, nil
}

// Save validates the requested transition against domain.Transitions
// before writing; it is the only path by which a row's status or
// retry_count changes after the claim.
func (s *Store) Save(ctx context.Context, row domain.QueueRow) error {
	var current domain.Status
	err := s.db.QueryRow(ctx, `select status from queue_rows where id = $1`, row.ID).Scan(&current)
	if err != nil {
		return errors.Wrap(err, "load current status")
	}
	if current != row.Status && !domain.CanTransition(current, row.Status) {
		return errors.Errorf("illegal transition %s -> %s for row %s", current, row.Status, row.ID)
	}

	_, err = s.db.Exec(ctx,
		`update queue_rows set status = $1, retry_count = $2 where id = $3`,
		row.Status, row.RetryCount, row.ID,
	)
	return errors.Wrap(err, "save row")
}

// Insert is the ingestion-side primitive; the scheduler and poller
// never call it. It always writes status=Pending, retry_count=0.
func (s *Store) Insert(ctx context.Context, p storage.InsertParams) (string, error) {
	id := uuid.NewString()
	_, err := s.db.Exec(ctx, `
		insert into queue_rows(
			id, execution_instance_id, event_instance_id, tenant_id,
			product_sku, service_name, operation, status, inserted_at, retry_count
		) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,0)`,
		id, p.ExecutionInstanceID, p.EventInstanceID, p.TenantID,
		p.ProductSKU, p.ServiceName, p.Operation, domain.Pending, time.Now().UTC(),
	)
	if err != nil {
		return "", errors.Wrap(err, "insert row")
	}
	return id, nil
}

// TryAdvisoryLock attempts to take a session-level Postgres advisory
// lock scoped to key, for the multi-replica guard §9 requires if more
// than one scheduler process runs against this store. ok is false if
// another session already holds it.
func (s *Store) TryAdvisoryLock(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := s.db.QueryRow(ctx, `select pg_try_advisory_lock($1)`, advisoryLockID(key)).Scan(&ok)
	if err != nil {
		return false, errors.Wrap(err, "try advisory lock")
	}
	return ok, nil
}

// AdvisoryUnlock releases a lock previously taken by TryAdvisoryLock.
func (s *Store) AdvisoryUnlock(ctx context.Context, key string) error {
	_, err := s.db.Exec(ctx, `select pg_advisory_unlock($1)`, advisoryLockID(key))
	return errors.Wrap(err, "advisory unlock")
}

func advisoryLockID(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRow(rs rowScanner) (domain.QueueRow, error) {
	var row domain.QueueRow
	err := rs.Scan(
		&row.ID, &row.ExecutionInstanceID, &row.EventInstanceID, &row.TenantID,
		&row.ProductSKU, &row.ServiceName, &row.Operation, &row.Status,
		&row.InsertedAt, &row.RetryCount,
	)
	return row, err
}
