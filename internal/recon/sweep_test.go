package recon

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/smmpanel-system/internal/clock"
	"github.com/mmeshcher/smmpanel-system/internal/dispatch"
	"github.com/mmeshcher/smmpanel-system/internal/events"
	"github.com/mmeshcher/smmpanel-system/internal/model"
	"github.com/mmeshcher/smmpanel-system/internal/provider"
	"github.com/mmeshcher/smmpanel-system/internal/repository"
)

type statusCorrection struct {
	orderID int64
	status  model.OrderStatus
}

type submissionRecord struct {
	orderID    int64
	status     model.OrderStatus
	components []model.OrderComponent
}

type stubRepo struct {
	orders      []model.Order
	stale       []model.Order
	corrections []statusCorrection
	correctOK   bool
	touched     []int64
	logged      []int64
	refunds     []int64
	refundErr   error
	submissions []submissionRecord
	localByPID  map[string]int64
	localByLink map[string]int64
	ghosts      []model.GhostOrder
	recent      []model.Order
	events      []model.Event
}

func (s *stubRepo) GetOrdersForReconciliation(context.Context, int) ([]model.Order, error) {
	return s.orders, nil
}

func (s *stubRepo) CorrectOrderStatus(_ context.Context, orderID int64, status model.OrderStatus, _ model.ReconLogEntry) (bool, error) {
	s.corrections = append(s.corrections, statusCorrection{orderID: orderID, status: status})
	return s.correctOK, nil
}

func (s *stubRepo) TouchOrderChecked(_ context.Context, orderID int64) error {
	s.touched = append(s.touched, orderID)
	return nil
}

func (s *stubRepo) AppendReconLog(_ context.Context, orderID int64, _ ...model.ReconLogEntry) error {
	s.logged = append(s.logged, orderID)
	return nil
}

func (s *stubRepo) GetStaleFailedOrders(context.Context, time.Time, int) ([]model.Order, error) {
	return s.stale, nil
}

func (s *stubRepo) RefundOrder(_ context.Context, orderID, _, _ int64) error {
	if s.refundErr != nil {
		return s.refundErr
	}
	s.refunds = append(s.refunds, orderID)
	return nil
}

func (s *stubRepo) UpdateOrderSubmission(_ context.Context, orderID int64, status model.OrderStatus, components []model.OrderComponent, _ string, _ []model.ReconLogEntry) error {
	s.submissions = append(s.submissions, submissionRecord{orderID: orderID, status: status, components: components})
	return nil
}

func (s *stubRepo) FindOrderIDByProviderOrderID(_ context.Context, providerName, providerOrderID string) (int64, error) {
	if id, ok := s.localByPID[providerName+":"+providerOrderID]; ok {
		return id, nil
	}
	return 0, repository.ErrOrderNotFound
}

func (s *stubRepo) FindOrderIDByLinkQuantity(_ context.Context, link string, _ int, _ time.Time) (int64, error) {
	if id, ok := s.localByLink[link]; ok {
		return id, nil
	}
	return 0, repository.ErrOrderNotFound
}

func (s *stubRepo) CreateGhostOrder(_ context.Context, g model.GhostOrder) (bool, error) {
	s.ghosts = append(s.ghosts, g)
	return true, nil
}

func (s *stubRepo) GetOrdersCreatedSince(context.Context, time.Time) ([]model.Order, error) {
	return s.recent, nil
}

// InsertEvent позволяет использовать stubRepo и как хранилище событий.
func (s *stubRepo) InsertEvent(_ context.Context, e model.Event) error {
	s.events = append(s.events, e)
	return nil
}

type stubAdapter struct {
	name      string
	statuses  map[string]string
	statusErr error
	batchErr  error
	recent    []provider.RecentOrder
	listErr   error
	listing   bool
}

func (a *stubAdapter) Name() string { return a.name }

func (a *stubAdapter) Submit(context.Context, provider.SubmitRequest) (provider.SubmitResult, error) {
	return provider.SubmitResult{}, errors.New("not used")
}

func (a *stubAdapter) QueryStatus(_ context.Context, id string) (string, error) {
	if a.statusErr != nil {
		return "", a.statusErr
	}
	raw, ok := a.statuses[id]
	if !ok {
		return "", provider.ErrNotFound
	}
	return raw, nil
}

func (a *stubAdapter) QueryStatusBatch(ctx context.Context, ids []string) (map[string]string, error) {
	if a.batchErr != nil {
		return nil, a.batchErr
	}
	res := make(map[string]string, len(ids))
	for _, id := range ids {
		raw, err := a.QueryStatus(ctx, id)
		if err != nil {
			continue
		}
		res[id] = raw
	}
	return res, nil
}

func (a *stubAdapter) ListRecentOrders(context.Context, int) ([]provider.RecentOrder, error) {
	return a.recent, a.listErr
}

func (a *stubAdapter) SupportsOrderListing() bool { return a.listing }

var testNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestSweeper(repo *stubRepo, escalateAfter time.Duration, adapters ...provider.Adapter) *Sweeper {
	logger := zap.NewNop()
	sink := events.NewSink(repo, logger)
	return NewSweeper(
		repo,
		provider.NewRegistry(adapters...),
		provider.NewStatusNormalizer(nil),
		dispatch.NewDuplicateFinder(sink, logger, clock.NewFixed(testNow)),
		sink,
		logger,
		clock.NewFixed(testNow),
		escalateAfter,
	)
}

func processingOrder(id int64, providerOrderID string) model.Order {
	return model.Order{
		ID:        id,
		UserID:    1,
		Status:    model.OrderStatusProcessing,
		CreatedAt: testNow.Add(-30 * time.Minute),
		Components: []model.OrderComponent{
			{Provider: "smmgen", ProviderServiceRef: "1001", ProviderOrderID: providerOrderID, Status: model.ComponentSubmitted},
		},
	}
}

func TestSweep_CorrectsMismatchedStatus(t *testing.T) {
	repo := &stubRepo{orders: []model.Order{processingOrder(1, "88421")}, correctOK: true}
	adapter := &stubAdapter{name: "smmgen", statuses: map[string]string{"88421": "Completed"}}

	findings, err := newTestSweeper(repo, 0, adapter).Sweep(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if findings[0].Classification != model.ClassificationStatusMismatch {
		t.Errorf("classification = %s, want STATUS_MISMATCH", findings[0].Classification)
	}
	if len(repo.corrections) != 1 {
		t.Fatalf("got %d corrections, want 1", len(repo.corrections))
	}
	if repo.corrections[0].status != model.OrderStatusCompleted {
		t.Errorf("corrected to %s, want completed", repo.corrections[0].status)
	}
}

func TestSweep_MatchingStatusOnlyTouches(t *testing.T) {
	repo := &stubRepo{orders: []model.Order{processingOrder(1, "88421")}}
	adapter := &stubAdapter{name: "smmgen", statuses: map[string]string{"88421": "In progress"}}

	findings, err := newTestSweeper(repo, 0, adapter).Sweep(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if findings[0].Classification != model.ClassificationOK {
		t.Errorf("classification = %s, want OK", findings[0].Classification)
	}
	if len(repo.corrections) != 0 {
		t.Errorf("matching status must not be corrected, got %d corrections", len(repo.corrections))
	}
	if len(repo.touched) != 1 {
		t.Errorf("order must be marked checked, touched %d", len(repo.touched))
	}
}

func TestSweep_MissingProviderOrderIsCritical(t *testing.T) {
	repo := &stubRepo{orders: []model.Order{processingOrder(1, "404404")}}
	adapter := &stubAdapter{name: "smmgen", statuses: map[string]string{}}

	findings, err := newTestSweeper(repo, 0, adapter).Sweep(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if findings[0].Classification != model.ClassificationMissingProviderOrder {
		t.Errorf("classification = %s, want MISSING_PROVIDER_ORDER", findings[0].Classification)
	}
	critical := false
	for _, e := range repo.events {
		if e.Type == "missing_provider_order" && e.Severity == events.SeverityCritical {
			critical = true
		}
	}
	if !critical {
		t.Error("critical event for missing provider order not recorded")
	}
}

func TestSweep_CheckFailureIsIsolated(t *testing.T) {
	repo := &stubRepo{
		orders: []model.Order{processingOrder(1, "11"), processingOrder(2, "22")},
	}
	repo.orders[1].Components[0].Provider = "peakerr"
	good := &stubAdapter{name: "smmgen", statuses: map[string]string{"11": "In progress"}}
	broken := &stubAdapter{name: "peakerr", statusErr: errors.New("connection reset")}

	findings, err := newTestSweeper(repo, 0, good, broken).Sweep(context.Background())
	if err != nil {
		t.Fatalf("one broken provider must not fail the sweep: %v", err)
	}

	if findings[0].Classification != model.ClassificationOK {
		t.Errorf("healthy order classification = %s, want OK", findings[0].Classification)
	}
	if findings[1].Classification != model.ClassificationCheckFailed {
		t.Errorf("broken order classification = %s, want CHECK_FAILED", findings[1].Classification)
	}
}

func TestSweep_StuckAndMissingID(t *testing.T) {
	stuck := model.Order{
		ID:        1,
		Status:    model.OrderStatusPending,
		CreatedAt: testNow.Add(-20 * time.Minute),
	}
	freshPending := model.Order{
		ID:        2,
		Status:    model.OrderStatusPending,
		CreatedAt: testNow.Add(-5 * time.Minute),
	}
	missingID := model.Order{
		ID:        3,
		Status:    model.OrderStatusProcessing,
		CreatedAt: testNow.Add(-20 * time.Minute),
		Components: []model.OrderComponent{
			{Provider: "smmgen", Status: model.ComponentAmbiguous},
		},
	}
	repo := &stubRepo{orders: []model.Order{stuck, freshPending, missingID}}

	findings, err := newTestSweeper(repo, 0).Sweep(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []model.Classification{
		model.ClassificationStuckOrder,
		model.ClassificationOK,
		model.ClassificationMissingProviderID,
	}
	for i, w := range want {
		if findings[i].Classification != w {
			t.Errorf("order %d classification = %s, want %s", i+1, findings[i].Classification, w)
		}
	}
}

func TestSweep_UnknownStatusLeavesOrderAlone(t *testing.T) {
	repo := &stubRepo{orders: []model.Order{processingOrder(1, "88421")}, correctOK: true}
	adapter := &stubAdapter{name: "smmgen", statuses: map[string]string{"88421": "phase-9"}}

	findings, err := newTestSweeper(repo, 0, adapter).Sweep(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if findings[0].Classification != model.ClassificationCheckFailed {
		t.Errorf("classification = %s, want CHECK_FAILED", findings[0].Classification)
	}
	if len(repo.corrections) != 0 {
		t.Error("unrecognized status must never change the order")
	}
}

func TestSweep_StuckWhenProviderStillPending(t *testing.T) {
	repo := &stubRepo{orders: []model.Order{processingOrder(1, "88421")}, correctOK: true}
	adapter := &stubAdapter{name: "smmgen", statuses: map[string]string{"88421": "Pending"}}

	findings, err := newTestSweeper(repo, 0, adapter).Sweep(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if findings[0].Classification != model.ClassificationStuckOrder {
		t.Errorf("classification = %s, want STUCK_ORDER", findings[0].Classification)
	}
	if len(repo.corrections) != 0 {
		t.Errorf("stuck order must not be corrected, got %d corrections", len(repo.corrections))
	}
	warned := false
	for _, e := range repo.events {
		if e.Type == "stuck_order" && e.Severity == events.SeverityWarning {
			warned = true
		}
	}
	if !warned {
		t.Error("stuck order event not recorded")
	}
}

func TestSweep_FreshProviderPendingIsNotStuck(t *testing.T) {
	order := processingOrder(1, "88421")
	order.CreatedAt = testNow.Add(-5 * time.Minute)
	repo := &stubRepo{orders: []model.Order{order}}
	adapter := &stubAdapter{name: "smmgen", statuses: map[string]string{"88421": "Pending"}}

	findings, err := newTestSweeper(repo, 0, adapter).Sweep(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if findings[0].Classification != model.ClassificationOK {
		t.Errorf("classification = %s, want OK", findings[0].Classification)
	}
}

func TestSweep_MonotonicGuardSkipsDemotion(t *testing.T) {
	completed := processingOrder(1, "88421")
	completed.Status = model.OrderStatusCompleted
	partial := processingOrder(2, "77100")
	partial.Status = model.OrderStatusPartial
	repo := &stubRepo{orders: []model.Order{completed, partial}, correctOK: true}
	adapter := &stubAdapter{name: "smmgen", statuses: map[string]string{
		"88421": "Canceled",
		"77100": "In progress",
	}}

	findings, err := newTestSweeper(repo, 0, adapter).Sweep(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i, f := range findings {
		if f.Classification != model.ClassificationStatusMismatch {
			t.Errorf("order %d classification = %s, want STATUS_MISMATCH", i+1, f.Classification)
		}
	}
	if len(repo.corrections) != 0 {
		t.Errorf("demoting corrections must be skipped, got %v", repo.corrections)
	}
	if len(repo.touched) != 2 {
		t.Errorf("skipped orders must still be marked checked, touched %d", len(repo.touched))
	}
}

func TestEscalateStale_RefundsAndLogs(t *testing.T) {
	repo := &stubRepo{
		stale: []model.Order{
			{ID: 5, UserID: 2, CostCents: 300, Status: model.OrderStatusSubmissionFailed},
		},
	}

	n, err := newTestSweeper(repo, 24*time.Hour).EscalateStale(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Fatalf("escalated = %d, want 1", n)
	}
	if len(repo.refunds) != 1 || repo.refunds[0] != 5 {
		t.Errorf("refunds = %v, want [5]", repo.refunds)
	}
	if len(repo.logged) != 1 {
		t.Error("escalation must append a recon log entry")
	}
}

func TestEscalateStale_DisabledByZero(t *testing.T) {
	repo := &stubRepo{
		stale: []model.Order{{ID: 5, UserID: 2, CostCents: 300}},
	}

	n, err := newTestSweeper(repo, 0).EscalateStale(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 || len(repo.refunds) != 0 {
		t.Errorf("zero interval must disable escalation, escalated %d", n)
	}
}

func TestEscalateStale_AlreadyRefundedSkipped(t *testing.T) {
	repo := &stubRepo{
		stale:     []model.Order{{ID: 5, UserID: 2, CostCents: 300}},
		refundErr: repository.ErrAlreadyRefunded,
	}

	n, err := newTestSweeper(repo, time.Hour).EscalateStale(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 {
		t.Errorf("escalated = %d, want 0", n)
	}
}

func staleFailedOrder() model.Order {
	return model.Order{
		ID:        5,
		UserID:    2,
		CostCents: 300,
		Status:    model.OrderStatusSubmissionFailed,
		Link:      "https://instagram.com/p/abc",
		Quantity:  500,
		CreatedAt: testNow.Add(-48 * time.Hour),
		Components: []model.OrderComponent{
			{Provider: "smmgen", ProviderServiceRef: "1001", Status: model.ComponentAmbiguous},
		},
	}
}

func TestEscalateStale_LinksStraySubmissionInsteadOfRefund(t *testing.T) {
	repo := &stubRepo{stale: []model.Order{staleFailedOrder()}}
	adapter := &stubAdapter{
		name:    "smmgen",
		listing: true,
		recent: []provider.RecentOrder{
			{ProviderOrderID: "90001", ServiceRef: "1001", Link: "https://instagram.com/p/abc", Quantity: 500, PlacedAt: testNow.Add(-time.Hour)},
		},
	}

	n, err := newTestSweeper(repo, 24*time.Hour, adapter).EscalateStale(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 {
		t.Errorf("escalated = %d, want 0 when a placed submission is found", n)
	}
	if len(repo.refunds) != 0 {
		t.Fatalf("order with a placed submission must not be refunded, refunds %v", repo.refunds)
	}
	if len(repo.submissions) != 1 {
		t.Fatalf("got %d submission updates, want 1", len(repo.submissions))
	}
	upd := repo.submissions[0]
	if upd.status != model.OrderStatusProcessing {
		t.Errorf("order status = %s, want processing", upd.status)
	}
	if upd.components[0].ProviderOrderID != "90001" {
		t.Errorf("component linked to %q, want 90001", upd.components[0].ProviderOrderID)
	}
	kept := false
	for _, e := range repo.events {
		if e.Type == "escalation_linked_existing" {
			kept = true
		}
	}
	if !kept {
		t.Error("linking event not recorded")
	}
}

func TestEscalateStale_NoProviderMatchStillRefunds(t *testing.T) {
	repo := &stubRepo{stale: []model.Order{staleFailedOrder()}}
	adapter := &stubAdapter{
		name:    "smmgen",
		listing: true,
		recent: []provider.RecentOrder{
			{ProviderOrderID: "90002", ServiceRef: "1001", Link: "https://instagram.com/p/other", Quantity: 500, PlacedAt: testNow.Add(-time.Hour)},
		},
	}

	n, err := newTestSweeper(repo, 24*time.Hour, adapter).EscalateStale(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Fatalf("escalated = %d, want 1", n)
	}
	if len(repo.refunds) != 1 || repo.refunds[0] != 5 {
		t.Errorf("refunds = %v, want [5]", repo.refunds)
	}
	if len(repo.submissions) != 0 {
		t.Errorf("no match must not touch components, got %d updates", len(repo.submissions))
	}
}
