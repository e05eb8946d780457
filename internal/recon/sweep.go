// Package recon содержит фоновую сверку заказов с провайдерами: проверку
// статусов, поиск заказов-призраков и детектор аномалий.
package recon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/smmpanel-system/internal/clock"
	"github.com/mmeshcher/smmpanel-system/internal/events"
	"github.com/mmeshcher/smmpanel-system/internal/model"
	"github.com/mmeshcher/smmpanel-system/internal/provider"
	"github.com/mmeshcher/smmpanel-system/internal/repository"
)

const (
	// sweepBatchSize ограничивает число заказов за один проход сверки.
	sweepBatchSize = 50
	// sweepConcurrency ограничивает параллельные запросы к провайдерам.
	sweepConcurrency = 10
	// stuckAfter — возраст, после которого pending-заказ считается зависшим.
	stuckAfter = 15 * time.Minute
	// escalationBatchSize ограничивает число эскалаций за один проход.
	escalationBatchSize = 20
)

// Repository описывает операции хранилища, нужные сверке.
type Repository interface {
	GetOrdersForReconciliation(ctx context.Context, limit int) ([]model.Order, error)
	CorrectOrderStatus(ctx context.Context, orderID int64, status model.OrderStatus, entry model.ReconLogEntry) (bool, error)
	TouchOrderChecked(ctx context.Context, orderID int64) error
	AppendReconLog(ctx context.Context, orderID int64, entries ...model.ReconLogEntry) error
	GetStaleFailedOrders(ctx context.Context, olderThan time.Time, limit int) ([]model.Order, error)
	RefundOrder(ctx context.Context, orderID, userID, amountCents int64) error
	UpdateOrderSubmission(ctx context.Context, orderID int64, status model.OrderStatus, components []model.OrderComponent, lastError string, entries []model.ReconLogEntry) error
	FindOrderIDByProviderOrderID(ctx context.Context, providerName, providerOrderID string) (int64, error)
	FindOrderIDByLinkQuantity(ctx context.Context, link string, quantity int, since time.Time) (int64, error)
	CreateGhostOrder(ctx context.Context, g model.GhostOrder) (bool, error)
	GetOrdersCreatedSince(ctx context.Context, since time.Time) ([]model.Order, error)
}

// DuplicateFinder ищет у провайдера уже размещённую отправку. Сверка
// использует его перед эскалационным возвратом средств: найденная
// отправка привязывается к заказу вместо возврата.
type DuplicateFinder interface {
	FindMatch(ctx context.Context, adapter provider.Adapter, serviceRef, link string, quantity int) *provider.RecentOrder
}

// Sweeper сверяет локальные статусы заказов с провайдерами. Ошибка по
// одному заказу не прерывает проход: заказ получает классификацию
// CHECK_FAILED и будет проверен в следующем цикле.
type Sweeper struct {
	repo       Repository
	providers  *provider.Registry
	normalizer provider.Normalizer
	finder     DuplicateFinder
	sink       *events.Sink
	logger     *zap.Logger
	clock      clock.Clock

	// escalateAfter — срок удержания резерва после неоднозначного сбоя
	// отправки. Ноль отключает эскалацию.
	escalateAfter time.Duration
}

// NewSweeper создаёт сверку заказов.
func NewSweeper(repo Repository, providers *provider.Registry, normalizer provider.Normalizer, finder DuplicateFinder, sink *events.Sink, logger *zap.Logger, clk clock.Clock, escalateAfter time.Duration) *Sweeper {
	return &Sweeper{
		repo:          repo,
		providers:     providers,
		normalizer:    normalizer,
		finder:        finder,
		sink:          sink,
		logger:        logger,
		clock:         clk,
		escalateAfter: escalateAfter,
	}
}

// Sweep выполняет один проход сверки и возвращает классификацию каждого
// проверенного заказа.
func (s *Sweeper) Sweep(ctx context.Context) ([]model.Finding, error) {
	orders, err := s.repo.GetOrdersForReconciliation(ctx, sweepBatchSize)
	if err != nil {
		return nil, fmt.Errorf("load orders for reconciliation: %w", err)
	}
	if len(orders) == 0 {
		return nil, nil
	}

	findings := make([]model.Finding, len(orders))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for i := range orders {
		i := i
		g.Go(func() error {
			findings[i] = s.checkOrder(gctx, &orders[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return findings, err
	}

	s.logSummary(findings)
	return findings, nil
}

// checkOrder сверяет один заказ и возвращает классификацию. Любая ошибка
// провайдера или хранилища изолируется в CHECK_FAILED.
func (s *Sweeper) checkOrder(ctx context.Context, order *model.Order) model.Finding {
	now := s.clock.Now()
	finding := model.Finding{
		OrderID:     order.ID,
		LocalStatus: order.Status,
		AgeMinutes:  int(now.Sub(order.CreatedAt) / time.Minute),
	}

	linked := linkedComponents(order)
	if len(linked) == 0 {
		switch {
		case order.Status == model.OrderStatusPending && now.Sub(order.CreatedAt) > stuckAfter:
			finding.Classification = model.ClassificationStuckOrder
			s.sink.LogEntity(ctx, "stuck_order", events.SeverityWarning, "recon",
				fmt.Sprintf("order pending for %d minutes without provider submission", finding.AgeMinutes),
				nil, "order", fmt.Sprint(order.ID))
		case order.Status == model.OrderStatusProcessing || order.Status == model.OrderStatusPartial:
			finding.Classification = model.ClassificationMissingProviderID
			s.sink.LogEntity(ctx, "missing_provider_id", events.SeverityWarning, "recon",
				"order is in flight but no component has a provider order id",
				nil, "order", fmt.Sprint(order.ID))
		default:
			finding.Classification = model.ClassificationOK
		}
		s.touch(ctx, order.ID)
		return finding
	}

	statuses, err := s.queryComponentStatuses(ctx, linked)
	if err != nil {
		if errors.Is(err, provider.ErrNotFound) {
			finding.Classification = model.ClassificationMissingProviderOrder
			s.sink.LogEntity(ctx, "missing_provider_order", events.SeverityCritical, "recon",
				"provider does not know an order we consider submitted",
				map[string]any{"local_status": string(order.Status)},
				"order", fmt.Sprint(order.ID))
			s.appendLog(ctx, order.ID, model.ReconLogEntry{
				Kind:      model.ReconLogStatusCorrected,
				Timestamp: now,
				Detail:    "provider reports order not found",
			})
			return finding
		}
		finding.Classification = model.ClassificationCheckFailed
		s.logger.Warn("order check failed", zap.Int64("order_id", order.ID), zap.Error(err))
		return finding
	}

	derived, pendingComps, ok := s.deriveStatus(order, statuses)
	if !ok {
		// Нераспознанный статус провайдера: заказ не трогаем.
		finding.Classification = model.ClassificationCheckFailed
		return finding
	}
	finding.ProviderStatus = derived

	// Провайдер принял заказ, но так и не начал его выполнять.
	if pendingComps > 0 && now.Sub(order.CreatedAt) > stuckAfter {
		finding.Classification = model.ClassificationStuckOrder
		s.sink.LogEntity(ctx, "stuck_order", events.SeverityWarning, "recon",
			fmt.Sprintf("provider still reports pending after %d minutes", finding.AgeMinutes),
			map[string]any{"local_status": string(order.Status)},
			"order", fmt.Sprint(order.ID))
		s.touch(ctx, order.ID)
		return finding
	}

	if derived == order.Status {
		finding.Classification = model.ClassificationOK
		s.touch(ctx, order.ID)
		return finding
	}

	finding.Classification = model.ClassificationStatusMismatch
	if order.Status.IsTerminal() || derived.Rank() < order.Status.Rank() {
		// Конечный или более продвинутый статус сверка не понижает,
		// для этого есть ManualSetOrderStatus.
		s.logger.Info("status correction skipped by monotonic guard",
			zap.Int64("order_id", order.ID),
			zap.String("local", string(order.Status)),
			zap.String("derived", string(derived)))
		s.touch(ctx, order.ID)
		return finding
	}
	corrected, err := s.repo.CorrectOrderStatus(ctx, order.ID, derived, model.ReconLogEntry{
		Kind:      model.ReconLogStatusCorrected,
		Timestamp: now,
		Detail:    fmt.Sprintf("status corrected %s -> %s by provider data", order.Status, derived),
	})
	if err != nil {
		finding.Classification = model.ClassificationCheckFailed
		s.logger.Warn("status correction failed", zap.Int64("order_id", order.ID), zap.Error(err))
		return finding
	}
	if !corrected {
		// Статус сменился между чтением и обновлением, оставляем как есть.
		s.logger.Info("status correction lost to a concurrent update",
			zap.Int64("order_id", order.ID),
			zap.String("local", string(order.Status)),
			zap.String("derived", string(derived)))
		s.touch(ctx, order.ID)
		return finding
	}

	s.sink.LogEntity(ctx, "status_corrected", events.SeverityWarning, "recon",
		fmt.Sprintf("order status corrected from %s to %s", order.Status, derived),
		nil, "order", fmt.Sprint(order.ID))
	return finding
}

// queryComponentStatuses запрашивает статусы компонентов, группируя их по
// провайдеру. При нескольких компонентах одного провайдера используется
// пакетный запрос, если провайдер его поддерживает.
func (s *Sweeper) queryComponentStatuses(ctx context.Context, comps []model.OrderComponent) (map[string]string, error) {
	byProvider := make(map[string][]string)
	for _, c := range comps {
		byProvider[c.Provider] = append(byProvider[c.Provider], c.ProviderOrderID)
	}

	statuses := make(map[string]string, len(comps))
	for name, ids := range byProvider {
		adapter, ok := s.providers.Get(name)
		if !ok {
			return nil, fmt.Errorf("provider %s is not configured", name)
		}

		if len(ids) > 1 {
			batch, err := adapter.QueryStatusBatch(ctx, ids)
			if err == nil {
				for id, raw := range batch {
					statuses[componentKey(name, id)] = raw
				}
				continue
			}
			if !errors.Is(err, provider.ErrBatchUnsupported) {
				return nil, err
			}
		}

		for _, id := range ids {
			raw, err := adapter.QueryStatus(ctx, id)
			if err != nil {
				return nil, err
			}
			statuses[componentKey(name, id)] = raw
		}
	}
	return statuses, nil
}

// deriveStatus агрегирует канонические статусы компонентов в статус
// заказа. Отдельно возвращается число компонентов, которые провайдер
// всё ещё держит в pending. Последний результат false означает
// нераспознанный статус.
func (s *Sweeper) deriveStatus(order *model.Order, statuses map[string]string) (model.OrderStatus, int, bool) {
	var completed, canceled, inFlight, partial, pending int
	for _, c := range linkedComponents(order) {
		raw, ok := statuses[componentKey(c.Provider, c.ProviderOrderID)]
		if !ok {
			inFlight++
			continue
		}
		switch s.normalizer.Normalize(c.Provider, raw) {
		case model.OrderStatusCompleted:
			completed++
		case model.OrderStatusCanceled, model.OrderStatusRefunded:
			canceled++
		case model.OrderStatusPartial:
			partial++
		case model.OrderStatusPending:
			pending++
			inFlight++
		case model.OrderStatusProcessing:
			inFlight++
		default:
			return "", 0, false
		}
	}

	switch {
	case inFlight > 0:
		return model.OrderStatusProcessing, pending, true
	case partial > 0, completed > 0 && canceled > 0:
		return model.OrderStatusPartial, pending, true
	case canceled > 0 && completed == 0:
		return model.OrderStatusCanceled, pending, true
	default:
		return model.OrderStatusCompleted, pending, true
	}
}

// EscalateStale возвращает резерв заказов, чья отправка давно упала с
// неоднозначным исходом, и помечает их для оператора. Срок задаётся
// конфигурацией; нулевой срок отключает эскалацию. Перед возвратом
// средств у провайдеров ищется уже размещённая отправка: её находка
// означает, что заказ всё же был принят, и вместо возврата компонент
// привязывается к найденному заказу провайдера.
func (s *Sweeper) EscalateStale(ctx context.Context) (int, error) {
	if s.escalateAfter <= 0 {
		return 0, nil
	}

	cutoff := s.clock.Now().Add(-s.escalateAfter)
	orders, err := s.repo.GetStaleFailedOrders(ctx, cutoff, escalationBatchSize)
	if err != nil {
		return 0, fmt.Errorf("load stale failed orders: %w", err)
	}

	escalated := 0
	for i := range orders {
		order := &orders[i]
		if s.linkStraySubmission(ctx, order) {
			continue
		}
		if err := s.repo.RefundOrder(ctx, order.ID, order.UserID, order.CostCents); err != nil {
			if errors.Is(err, repository.ErrAlreadyRefunded) {
				continue
			}
			s.logger.Error("escalation refund failed", zap.Int64("order_id", order.ID), zap.Error(err))
			continue
		}
		escalated++
		s.appendLog(ctx, order.ID, model.ReconLogEntry{
			Kind:      model.ReconLogEscalated,
			Timestamp: s.clock.Now(),
			Detail:    fmt.Sprintf("reservation refunded after %s without successful submission", s.escalateAfter),
		})
		s.sink.LogEntity(ctx, "order_escalated", events.SeverityWarning, "recon",
			"stale failed order refunded, review provider side for a stray copy",
			map[string]any{"cost_cents": order.CostCents},
			"order", fmt.Sprint(order.ID))
	}
	return escalated, nil
}

// linkStraySubmission ищет в недавних заказах провайдеров отправку,
// совпадающую с непривязанными компонентами заказа. При находке заказ
// возвращается в processing с привязанным компонентом, средства
// остаются удержанными. Возвращает true, если возврат делать нельзя.
func (s *Sweeper) linkStraySubmission(ctx context.Context, order *model.Order) bool {
	if s.finder == nil {
		return false
	}

	comps := make([]model.OrderComponent, len(order.Components))
	copy(comps, order.Components)

	var entries []model.ReconLogEntry
	linked := 0
	for i := range comps {
		c := &comps[i]
		if c.ProviderOrderID != "" {
			continue
		}
		adapter, ok := s.providers.Get(c.Provider)
		if !ok {
			continue
		}
		match := s.finder.FindMatch(ctx, adapter, c.ProviderServiceRef, order.Link, order.Quantity)
		if match == nil {
			continue
		}
		now := s.clock.Now()
		c.ProviderOrderID = match.ProviderOrderID
		c.Status = model.ComponentSubmitted
		c.SubmittedAt = &now
		c.Error = ""
		entries = append(entries, model.ReconLogEntry{
			Kind:      model.ReconLogLinkedExisting,
			Timestamp: now,
			Detail:    fmt.Sprintf("provider order %s found at %s before escalation refund", match.ProviderOrderID, c.Provider),
		})
		linked++
	}
	if linked == 0 {
		return false
	}

	if err := s.repo.UpdateOrderSubmission(ctx, order.ID, model.OrderStatusProcessing, comps, "", entries); err != nil {
		// Отправка у провайдера есть, значит возврат недопустим;
		// привязку повторит следующий проход.
		s.logger.Error("linking stray submission failed", zap.Int64("order_id", order.ID), zap.Error(err))
		return true
	}
	s.sink.LogEntity(ctx, "escalation_linked_existing", events.SeverityWarning, "recon",
		"stale failed order matched a placed provider submission, funds kept",
		map[string]any{"linked_components": linked},
		"order", fmt.Sprint(order.ID))
	return true
}

// Run запускает периодическую сверку до отмены контекста.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("reconciliation sweep failed", zap.Error(err))
			}
			if _, err := s.EscalateStale(ctx); err != nil {
				s.logger.Error("escalation pass failed", zap.Error(err))
			}
		}
	}
}

func (s *Sweeper) touch(ctx context.Context, orderID int64) {
	if err := s.repo.TouchOrderChecked(ctx, orderID); err != nil {
		s.logger.Warn("touch order failed", zap.Int64("order_id", orderID), zap.Error(err))
	}
}

func (s *Sweeper) appendLog(ctx context.Context, orderID int64, entries ...model.ReconLogEntry) {
	if err := s.repo.AppendReconLog(ctx, orderID, entries...); err != nil {
		s.logger.Warn("recon log append failed", zap.Int64("order_id", orderID), zap.Error(err))
	}
}

func (s *Sweeper) logSummary(findings []model.Finding) {
	counts := make(map[model.Classification]int)
	for _, f := range findings {
		counts[f.Classification]++
	}
	s.logger.Info("reconciliation sweep finished",
		zap.Int("checked", len(findings)),
		zap.Int("ok", counts[model.ClassificationOK]),
		zap.Int("mismatch", counts[model.ClassificationStatusMismatch]),
		zap.Int("missing", counts[model.ClassificationMissingProviderOrder]),
		zap.Int("stuck", counts[model.ClassificationStuckOrder]),
		zap.Int("failed", counts[model.ClassificationCheckFailed]),
	)
}

// linkedComponents возвращает компоненты с идентификатором провайдера.
func linkedComponents(order *model.Order) []model.OrderComponent {
	var res []model.OrderComponent
	for _, c := range order.Components {
		if c.ProviderOrderID != "" {
			res = append(res, c)
		}
	}
	return res
}

func componentKey(providerName, providerOrderID string) string {
	return providerName + ":" + providerOrderID
}
