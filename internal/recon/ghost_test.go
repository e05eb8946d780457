package recon

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/smmpanel-system/internal/clock"
	"github.com/mmeshcher/smmpanel-system/internal/events"
	"github.com/mmeshcher/smmpanel-system/internal/provider"
)

func newTestDetector(repo *stubRepo, adapters ...provider.Adapter) *GhostDetector {
	logger := zap.NewNop()
	return NewGhostDetector(repo, provider.NewRegistry(adapters...), events.NewSink(repo, logger), logger, clock.NewFixed(testNow))
}

func TestGhostScan_TwoTierMatching(t *testing.T) {
	repo := &stubRepo{
		localByPID:  map[string]int64{"smmgen:100": 1},
		localByLink: map[string]int64{"https://instagram.com/p/known": 2},
	}
	adapter := &stubAdapter{
		name:    "smmgen",
		listing: true,
		recent: []provider.RecentOrder{
			// Привязан по идентификатору провайдера.
			{ProviderOrderID: "100", Link: "https://instagram.com/p/a", Quantity: 500},
			// Привязан по ссылке и количеству: у локального заказа
			// идентификатор потерялся.
			{ProviderOrderID: "200", Link: "https://instagram.com/p/known", Quantity: 300, PlacedAt: testNow.Add(-time.Hour)},
			// Ни одной локальной записи: призрак.
			{ProviderOrderID: "300", Link: "https://instagram.com/p/ghost", Quantity: 1000, ChargeCents: 150, RawStatus: "In progress", PlacedAt: testNow.Add(-2 * time.Hour)},
		},
	}

	created, err := newTestDetector(repo, adapter).Scan(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if created != 1 {
		t.Fatalf("created = %d, want 1", created)
	}
	ghost := repo.ghosts[0]
	if ghost.ProviderOrderID != "300" || ghost.Provider != "smmgen" {
		t.Errorf("wrong order flagged as ghost: %+v", ghost)
	}
	if ghost.ChargeCents != 150 || ghost.ProviderStatus != "In progress" {
		t.Errorf("ghost must carry provider charge and status: %+v", ghost)
	}

	critical := false
	for _, e := range repo.events {
		if e.Type == "ghost_orders_found" && e.Severity == events.SeverityCritical {
			critical = true
		}
	}
	if !critical {
		t.Error("critical event for found ghosts not recorded")
	}
}

func TestGhostScan_SkipsProvidersWithoutListing(t *testing.T) {
	repo := &stubRepo{}
	adapter := &stubAdapter{
		name:    "viralhq",
		listing: false,
		recent:  []provider.RecentOrder{{ProviderOrderID: "1", Link: "https://x.com/a", Quantity: 10}},
	}

	created, err := newTestDetector(repo, adapter).Scan(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created != 0 || len(repo.ghosts) != 0 {
		t.Errorf("provider without listing must be skipped, got %d ghosts", len(repo.ghosts))
	}
}

func TestGhostScan_ListingFailureIsIsolated(t *testing.T) {
	repo := &stubRepo{}
	broken := &stubAdapter{name: "smmgen", listing: true, listErr: errors.New("http 503")}
	healthy := &stubAdapter{
		name:    "boostlab",
		listing: true,
		recent:  []provider.RecentOrder{{ProviderOrderID: "77", Link: "https://x.com/a", Quantity: 10}},
	}

	created, err := newTestDetector(repo, broken, healthy).Scan(context.Background())
	if err != nil {
		t.Fatalf("one broken provider must not fail the scan: %v", err)
	}
	if created != 1 {
		t.Errorf("created = %d, want 1 from the healthy provider", created)
	}
}

func TestGhostScan_NoEventWhenClean(t *testing.T) {
	repo := &stubRepo{localByPID: map[string]int64{"smmgen:100": 1}}
	adapter := &stubAdapter{
		name:    "smmgen",
		listing: true,
		recent:  []provider.RecentOrder{{ProviderOrderID: "100", Link: "https://x.com/a", Quantity: 10}},
	}

	if _, err := newTestDetector(repo, adapter).Scan(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(repo.events) != 0 {
		t.Errorf("clean scan must not emit events, got %d", len(repo.events))
	}
}
