package main

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/fairqueue/scheduler/internal/config"
	"github.com/fairqueue/scheduler/internal/domain"
	"github.com/fairqueue/scheduler/internal/registry"
	"github.com/fairqueue/scheduler/internal/storage"
	"github.com/fairqueue/scheduler/internal/storage/postgres"
)

// This process is the ingestion-side boundary the core scheduler
// treats as an external collaborator: it only validates and persists
// Pending rows, and exposes read-only visibility into the live queue
// for operators. It never claims, dispatches, or settles a row.
func main() {
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer db.Close()

	store := postgres.New(db)

	reg, err := buildRegistry(cfg)
	if err != nil {
		log.Fatal("build registry", zap.Error(err))
	}

	a := &api{store: store, log: log, reg: reg}

	rtr := chi.NewRouter()
	rtr.Get("/healthz", a.healthz)
	rtr.Post("/v1/tasks", a.enqueueTask)
	rtr.Get("/v1/queue/{service}", a.peekQueue)
	rtr.Get("/v1/services", a.listServices)

	log.Info("api listening", zap.String("addr", cfg.APIAddr))
	if err := http.ListenAndServe(cfg.APIAddr, rtr); err != nil {
		log.Fatal("serve", zap.Error(err))
	}
}

// buildRegistry builds the same shape of registry.Registry the
// scheduler process wires, sourced from config.Services, but with a
// handler that is never invoked: cmd/api only reads policy metadata
// and in-progress gauges through it, it never dispatches work.
func buildRegistry(cfg config.Config) (*registry.Registry, error) {
	var policies []registry.Policy
	for _, sp := range cfg.Services {
		policies = append(policies, registry.Policy{
			ServiceName:    sp.ServiceName,
			PerSKULimit:    sp.PerSKULimit,
			MaxConcurrency: sp.MaxConcurrency,
			Handler:        unwiredHandler{},
		})
	}
	return registry.New(policies...)
}

// unwiredHandler satisfies registry.Policy's Handler requirement for
// the api process, which never dispatches a claimed row.
type unwiredHandler struct{}

func (unwiredHandler) Execute(ctx context.Context, row domain.QueueRow) error {
	return errors.New("unwiredHandler: cmd/api never dispatches work")
}

type api struct {
	store *postgres.Store
	log   *zap.Logger
	reg   *registry.Registry
}

func (a *api) healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type enqueueRequest struct {
	ExecutionInstanceID string `json:"execution_instance_id"`
	EventInstanceID     string `json:"event_instance_id"`
	TenantID            string `json:"tenant_id"`
	ProductSKU          string `json:"product_sku"`
	ServiceName         string `json:"service_name"`
	Operation           string `json:"operation"`
}

type enqueueResponse struct {
	ID string `json:"id"`
}

// enqueueTask is the one ingestion primitive this repo implements: it
// validates and delegates straight to storage.Store.Insert, which
// always writes status=Pending. The rest of the ingestion path (auth,
// idempotency, upstream workflow bookkeeping) is out of scope.
func (a *api) enqueueTask(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	op := domain.Operation(req.Operation)
	if op != domain.Create && op != domain.Update && op != domain.Delete {
		http.Error(w, "operation must be create, update, or delete", http.StatusBadRequest)
		return
	}
	if req.TenantID == "" || req.ProductSKU == "" || req.ServiceName == "" {
		http.Error(w, "tenant_id, product_sku, and service_name are required", http.StatusBadRequest)
		return
	}
	if req.ExecutionInstanceID == "" {
		req.ExecutionInstanceID = uuid.NewString()
	}
	if req.EventInstanceID == "" {
		req.EventInstanceID = uuid.NewString()
	}

	id, err := a.store.Insert(r.Context(), storage.InsertParams{
		ExecutionInstanceID: req.ExecutionInstanceID,
		EventInstanceID:     req.EventInstanceID,
		TenantID:            req.TenantID,
		ProductSKU:          req.ProductSKU,
		ServiceName:         req.ServiceName,
		Operation:           op,
	})
	if err != nil {
		a.log.Error("insert task failed", zap.Error(err))
		http.Error(w, "insert failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(enqueueResponse{ID: id})
}

// peekQueue exposes the ranked pending candidates for a service, the
// same read the scheduler uses, for debugging fairness live.
func (a *api) peekQueue(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	rows, err := a.store.RankPending(r.Context(), service, 5)
	if err != nil {
		a.log.Error("rank pending failed", zap.String("service", service), zap.Error(err))
		http.Error(w, "read failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rows)
}

type serviceStatus struct {
	ServiceName    string `json:"service_name"`
	PerSKULimit    int    `json:"per_sku_limit"`
	MaxConcurrency int    `json:"max_concurrency"`
	InProgress     int    `json:"in_progress"`
}

// listServices lists every configured service policy alongside its
// live in-progress gauge, per SPEC_FULL.md's admin HTTP surface.
func (a *api) listServices(w http.ResponseWriter, r *http.Request) {
	out := make([]serviceStatus, 0, len(a.reg.Services()))
	for _, name := range a.reg.Services() {
		policy, ok := a.reg.Lookup(name)
		if !ok {
			continue
		}
		inProgress, err := a.store.CountInProgress(r.Context(), name)
		if err != nil {
			a.log.Error("count in_progress failed", zap.String("service", name), zap.Error(err))
			http.Error(w, "read failed", http.StatusInternalServerError)
			return
		}
		out = append(out, serviceStatus{
			ServiceName:    policy.ServiceName,
			PerSKULimit:    policy.PerSKULimit,
			MaxConcurrency: policy.MaxConcurrency,
			InProgress:     inProgress,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}
