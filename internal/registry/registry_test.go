package registry

import (
	"context"
	"testing"

	"github.com/fairqueue/scheduler/internal/domain"
)

type noopHandler struct{}

func (noopHandler) Execute(context.Context, domain.QueueRow) error { return nil }

func TestNew_RejectsInvalidPolicies(t *testing.T) {
	cases := []struct {
		name   string
		policy Policy
	}{
		{"empty service name", Policy{PerSKULimit: 1, MaxConcurrency: 1, Handler: noopHandler{}}},
		{"per_sku_limit zero", Policy{ServiceName: "iam", PerSKULimit: 0, MaxConcurrency: 1, Handler: noopHandler{}}},
		{"max_concurrency zero", Policy{ServiceName: "iam", PerSKULimit: 1, MaxConcurrency: 0, Handler: noopHandler{}}},
		{"nil handler", Policy{ServiceName: "iam", PerSKULimit: 1, MaxConcurrency: 1}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := New(c.policy); err == nil {
				t.Fatal("want error, got nil")
			}
		})
	}
}

func TestNew_PreservesConfigurationOrder(t *testing.T) {
	reg, err := New(
		Policy{ServiceName: "iot", PerSKULimit: 1, MaxConcurrency: 1, Handler: noopHandler{}},
		Policy{ServiceName: "iam", PerSKULimit: 1, MaxConcurrency: 1, Handler: noopHandler{}},
	)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	got := reg.Services()
	want := []string{"iot", "iam"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("want %v, got %v", want, got)
	}
}

func TestNew_RejectsDuplicateServiceName(t *testing.T) {
	_, err := New(
		Policy{ServiceName: "iam", PerSKULimit: 1, MaxConcurrency: 1, Handler: noopHandler{}},
		Policy{ServiceName: "iam", PerSKULimit: 2, MaxConcurrency: 2, Handler: noopHandler{}},
	)
	if err == nil {
		t.Fatal("want error on duplicate service_name, got nil")
	}
}

func TestLookup(t *testing.T) {
	reg, err := New(Policy{ServiceName: "iam", PerSKULimit: 2, MaxConcurrency: 3, Handler: noopHandler{}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, ok := reg.Lookup("iot"); ok {
		t.Fatal("want iot not found")
	}
	p, ok := reg.Lookup("iam")
	if !ok || p.MaxConcurrency != 3 {
		t.Fatalf("want iam policy with max_concurrency=3, got %+v ok=%v", p, ok)
	}
}
