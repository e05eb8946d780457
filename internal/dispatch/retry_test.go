package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/smmpanel-system/internal/clock"
	"github.com/mmeshcher/smmpanel-system/internal/model"
	"github.com/mmeshcher/smmpanel-system/internal/provider"
	"github.com/mmeshcher/smmpanel-system/internal/repository"
)

func lockedOrder() *model.Order {
	return &model.Order{
		ID:        42,
		UserID:    1,
		ServiceID: 7,
		Link:      "https://instagram.com/p/abc",
		Quantity:  500,
		CostCents: 75,
		Status:    model.OrderStatusSubmissionFailed,
		Components: []model.OrderComponent{
			{
				Provider:           "smmgen",
				ProviderServiceRef: "1001",
				Status:             model.ComponentAmbiguous,
				Error:              "provider request timed out",
			},
		},
	}
}

func TestRetryOrder_LinksExistingInsteadOfResubmitting(t *testing.T) {
	repo := &stubRepo{service: testService(), lockOrder: lockedOrder()}
	now := time.Date(2025, 3, 10, 12, 0, 30, 0, time.UTC)
	adapter := &fakeAdapter{
		name:            "smmgen",
		supportsListing: true,
		recent: []provider.RecentOrder{
			{
				ProviderOrderID: "88421",
				ServiceRef:      "1001",
				Link:            "https://instagram.com/p/abc",
				Quantity:        500,
				PlacedAt:        now.Add(-10 * time.Minute),
			},
		},
	}
	d := newTestDispatcher(repo, adapter)

	order, err := d.RetryOrder(context.Background(), 42, nil, "test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if adapter.submitCalls != 0 {
		t.Errorf("retry must not resubmit when a copy exists, got %d submits", adapter.submitCalls)
	}
	if order.Status != model.OrderStatusProcessing {
		t.Errorf("status = %s, want processing", order.Status)
	}
	comp := order.Components[0]
	if comp.ProviderOrderID != "88421" || comp.Status != model.ComponentSubmitted {
		t.Errorf("component not linked to existing order: %+v", comp)
	}
	linked := false
	for _, e := range order.ReconLog {
		if e.Kind == model.ReconLogLinkedExisting {
			linked = true
		}
	}
	if !linked {
		t.Error("linked_existing log entry missing")
	}
}

func TestRetryOrder_ResubmitsWhenNoMatch(t *testing.T) {
	repo := &stubRepo{service: testService(), lockOrder: lockedOrder()}
	adapter := &fakeAdapter{
		name:            "smmgen",
		supportsListing: true,
		recent:          nil,
		submitResult:    provider.SubmitResult{ProviderOrderID: "99001"},
	}
	d := newTestDispatcher(repo, adapter)

	order, err := d.RetryOrder(context.Background(), 42, nil, "test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if adapter.submitCalls != 1 {
		t.Fatalf("got %d submits, want 1", adapter.submitCalls)
	}
	if order.Components[0].ProviderOrderID != "99001" {
		t.Errorf("provider order id = %q, want 99001", order.Components[0].ProviderOrderID)
	}
}

func TestRetryOrder_ListingFailureFallsBackToSubmit(t *testing.T) {
	repo := &stubRepo{service: testService(), lockOrder: lockedOrder()}
	adapter := &fakeAdapter{
		name:            "smmgen",
		supportsListing: true,
		listErr:         errors.New("listing broken"),
		submitResult:    provider.SubmitResult{ProviderOrderID: "99002"},
	}
	d := newTestDispatcher(repo, adapter)

	order, err := d.RetryOrder(context.Background(), 42, nil, "test")
	if err != nil {
		t.Fatalf("listing failure must not block retry: %v", err)
	}
	if adapter.submitCalls != 1 {
		t.Fatalf("got %d submits, want 1", adapter.submitCalls)
	}
	if order.Status != model.OrderStatusProcessing {
		t.Errorf("status = %s, want processing", order.Status)
	}
}

func TestRetryOrder_NeverRefunds(t *testing.T) {
	repo := &stubRepo{service: testService(), lockOrder: lockedOrder()}
	adapter := &fakeAdapter{
		name:      "smmgen",
		submitErr: &provider.RejectedError{Provider: "smmgen", Reason: "no funds"},
	}
	d := newTestDispatcher(repo, adapter)

	_, err := d.RetryOrder(context.Background(), 42, nil, "test")
	if !errors.Is(err, ErrSubmissionFailed) {
		t.Fatalf("error = %v, want ErrSubmissionFailed", err)
	}
	if len(repo.refunds) != 0 {
		t.Errorf("retry must never refund, got %d refunds", len(repo.refunds))
	}
}

func TestRetryOrder_LockErrorsPassThrough(t *testing.T) {
	for _, want := range []error{repository.ErrRetryLocked, repository.ErrNotRetryable, repository.ErrOrderNotFound} {
		repo := &stubRepo{service: testService(), lockErr: want}
		d := newTestDispatcher(repo, &fakeAdapter{name: "smmgen"})
		if _, err := d.RetryOrder(context.Background(), 42, nil, "test"); !errors.Is(err, want) {
			t.Errorf("error = %v, want %v", err, want)
		}
	}
}

func TestRetryOrder_RebuildsComponentsForPendingOrder(t *testing.T) {
	pending := lockedOrder()
	pending.Status = model.OrderStatusPending
	pending.Components = nil
	repo := &stubRepo{service: testService(), lockOrder: pending}
	adapter := &fakeAdapter{name: "smmgen", submitResult: provider.SubmitResult{ProviderOrderID: "77"}}
	d := newTestDispatcher(repo, adapter)

	order, err := d.RetryOrder(context.Background(), 42, nil, "test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(order.Components) != 1 || order.Components[0].ProviderOrderID != "77" {
		t.Errorf("components not rebuilt from bindings: %+v", order.Components)
	}
}

func TestDuplicateFinder_Matching(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 30, 0, time.UTC)
	finder := NewDuplicateFinder(nil, zap.NewNop(), clock.NewFixed(now))

	fresh := provider.RecentOrder{
		ProviderOrderID: "1",
		ServiceRef:      "1001",
		Link:            "HTTPS://Instagram.com/p/abc",
		Quantity:        500,
		PlacedAt:        now.Add(-time.Hour),
	}
	stale := fresh
	stale.ProviderOrderID = "2"
	stale.PlacedAt = now.Add(-48 * time.Hour)
	noTime := fresh
	noTime.ProviderOrderID = "3"
	noTime.PlacedAt = time.Time{}
	otherService := fresh
	otherService.ProviderOrderID = "4"
	otherService.ServiceRef = "2002"

	adapter := &fakeAdapter{
		name:            "smmgen",
		supportsListing: true,
		recent:          []provider.RecentOrder{stale, noTime, otherService, fresh},
	}

	match := finder.FindMatch(context.Background(), adapter, "1001", "https://instagram.com/p/abc", 500)
	if match == nil || match.ProviderOrderID != "1" {
		t.Fatalf("match = %+v, want order 1", match)
	}

	if m := finder.FindMatch(context.Background(), adapter, "1001", "https://instagram.com/p/xyz", 500); m != nil {
		t.Errorf("different link must not match, got %+v", m)
	}
	if m := finder.FindMatch(context.Background(), adapter, "1001", "https://instagram.com/p/abc", 600); m != nil {
		t.Errorf("different quantity must not match, got %+v", m)
	}

	noListing := &fakeAdapter{name: "viralhq", supportsListing: false, recent: []provider.RecentOrder{fresh}}
	if m := finder.FindMatch(context.Background(), noListing, "1001", "https://instagram.com/p/abc", 500); m != nil {
		t.Errorf("provider without listing must not match, got %+v", m)
	}
}
