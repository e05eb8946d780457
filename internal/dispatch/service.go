// Package dispatch содержит размещение заказов у провайдеров: резерв
// средств, защиту от повторной отправки, разбор исходов и повторы.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/smmpanel-system/internal/clock"
	"github.com/mmeshcher/smmpanel-system/internal/events"
	"github.com/mmeshcher/smmpanel-system/internal/model"
	"github.com/mmeshcher/smmpanel-system/internal/provider"
	"github.com/mmeshcher/smmpanel-system/internal/repository"
	"github.com/mmeshcher/smmpanel-system/internal/validation"
)

const (
	// maxOrdersPerWindow ограничивает число заказов пользователя за rateWindow.
	maxOrdersPerWindow = 10
	rateWindow         = time.Minute

	// retryLockTTL — срок блокировки повтора. Протухшая блокировка
	// считается снятой, поэтому упавший процесс не держит заказ вечно.
	retryLockTTL = 5 * time.Minute
)

// Repository описывает операции хранилища, нужные диспетчеру.
type Repository interface {
	GetService(ctx context.Context, id int64) (*model.CatalogService, error)
	ReserveAndCreateOrder(ctx context.Context, userID, serviceID int64, link string, quantity int, costCents int64, fingerprint string) (int64, int64, error)
	RefundOrder(ctx context.Context, orderID, userID, amountCents int64) error
	UpdateOrderSubmission(ctx context.Context, orderID int64, status model.OrderStatus, components []model.OrderComponent, lastError string, entries []model.ReconLogEntry) error
	FindOrderIDByFingerprint(ctx context.Context, fingerprint string, since time.Time) (int64, error)
	CountOrdersByUserSince(ctx context.Context, userID int64, since time.Time) (int, error)
	AcquireRetryLock(ctx context.Context, orderID int64, ownerUserID *int64, lockedBy string, until time.Time) (*model.Order, error)
	ReleaseRetryLock(ctx context.Context, orderID int64) error
	GetOrder(ctx context.Context, orderID int64) (*model.Order, error)
}

// Dispatcher размещает заказы у провайдеров и управляет повторами.
type Dispatcher struct {
	repo      Repository
	providers *provider.Registry
	finder    *DuplicateFinder
	sink      *events.Sink
	logger    *zap.Logger
	clock     clock.Clock
}

// New создаёт диспетчер заказов.
func New(repo Repository, providers *provider.Registry, finder *DuplicateFinder, sink *events.Sink, logger *zap.Logger, clk clock.Clock) *Dispatcher {
	return &Dispatcher{
		repo:      repo,
		providers: providers,
		finder:    finder,
		sink:      sink,
		logger:    logger,
		clock:     clk,
	}
}

// CreateOrder проверяет заявку, резервирует средства и отправляет заказ
// провайдерам услуги. Средства возвращаются только при однозначном
// отказе всех провайдеров: неоднозначные исходы оставляет за сверкой.
func (d *Dispatcher) CreateOrder(ctx context.Context, userID, serviceID int64, link string, quantity int, comment string) (*model.Order, error) {
	if !validation.IsValidLink(link) {
		return nil, fmt.Errorf("%w: link must be a valid http(s) url", ErrValidation)
	}

	svc, err := d.repo.GetService(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	if !svc.Enabled {
		return nil, fmt.Errorf("%w: service is disabled", ErrValidation)
	}
	if quantity < svc.MinQuantity || quantity > svc.MaxQuantity {
		return nil, fmt.Errorf("%w: quantity must be between %d and %d", ErrValidation, svc.MinQuantity, svc.MaxQuantity)
	}
	if len(svc.Bindings) == 0 {
		return nil, ErrNoProvider
	}
	cost := svc.CostCents(quantity)
	if cost <= 0 {
		return nil, fmt.Errorf("%w: computed cost is not positive", ErrValidation)
	}

	now := d.clock.Now()

	// Недоступный счётчик не блокирует заказ.
	if count, err := d.repo.CountOrdersByUserSince(ctx, userID, now.Add(-rateWindow)); err != nil {
		d.logger.Warn("rate limit check failed, allowing order", zap.Int64("user_id", userID), zap.Error(err))
	} else if count >= maxOrdersPerWindow {
		return nil, ErrRateLimited
	}

	// Отпечаток привязан к минуте, поэтому проверяем текущую и предыдущую.
	fp := Fingerprint(userID, serviceID, link, quantity, now)
	previous := Fingerprint(userID, serviceID, link, quantity, now.Add(-time.Minute))
	for _, candidate := range []string{fp, previous} {
		existingID, err := d.repo.FindOrderIDByFingerprint(ctx, candidate, now.Add(-fingerprintWindow))
		if err == nil {
			return nil, &DuplicateRequestError{OrderID: existingID}
		}
		if !errors.Is(err, repository.ErrOrderNotFound) {
			d.logger.Warn("fingerprint lookup failed, allowing order", zap.Error(err))
		}
	}

	orderID, _, err := d.repo.ReserveAndCreateOrder(ctx, userID, serviceID, link, quantity, cost, fp)
	if err != nil {
		return nil, err
	}

	components := make([]model.OrderComponent, 0, len(svc.Bindings))
	for _, b := range svc.Bindings {
		components = append(components, model.OrderComponent{
			Provider:           b.Provider,
			ProviderServiceRef: b.ProviderServiceRef,
			Status:             model.ComponentPending,
		})
	}

	entries, submitted, ambiguous := d.submitComponents(ctx, components, link, quantity, comment, model.ReconLogSubmit)
	status, refund := submissionVerdict(submitted, ambiguous)

	if err := d.repo.UpdateOrderSubmission(ctx, orderID, status, components, firstComponentError(components), entries); err != nil {
		return nil, err
	}

	if refund {
		if err := d.repo.RefundOrder(ctx, orderID, userID, cost); err != nil && !errors.Is(err, repository.ErrAlreadyRefunded) {
			d.logger.Error("refund after failed submission failed",
				zap.Int64("order_id", orderID), zap.Error(err))
			d.sink.LogEntity(ctx, "refund_failed", events.SeverityCritical, "dispatch",
				"could not refund reservation after failed submission",
				map[string]any{"user_id": userID, "cost_cents": cost},
				"order", fmt.Sprint(orderID))
		} else {
			d.sink.LogEntity(ctx, "order_refunded", events.SeverityInfo, "dispatch",
				"all providers rejected the order, reservation refunded",
				map[string]any{"cost_cents": cost},
				"order", fmt.Sprint(orderID))
		}
	} else if submitted == 0 {
		d.sink.LogEntity(ctx, "ambiguous_submission", events.SeverityWarning, "dispatch",
			"submission outcome is ambiguous, funds held pending reconciliation",
			nil, "order", fmt.Sprint(orderID))
	}

	order, err := d.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if submitted == 0 {
		return order, ErrSubmissionFailed
	}
	return order, nil
}

// submitComponents отправляет компоненты без идентификатора провайдера и
// возвращает записи журнала вместе со счётчиками принятых и неоднозначных
// отправок. Компоненты изменяются на месте.
func (d *Dispatcher) submitComponents(ctx context.Context, components []model.OrderComponent, link string, quantity int, comment string, kind model.ReconLogKind) ([]model.ReconLogEntry, int, int) {
	var entries []model.ReconLogEntry
	var submitted, ambiguous int

	for i := range components {
		comp := &components[i]
		if comp.Status == model.ComponentSubmitted && comp.ProviderOrderID != "" {
			submitted++
			continue
		}

		adapter, ok := d.providers.Get(comp.Provider)
		if !ok {
			comp.Status = model.ComponentFailed
			comp.Error = "provider not configured"
			entries = append(entries, model.ReconLogEntry{
				Kind:      model.ReconLogComponentFailed,
				Timestamp: d.clock.Now(),
				Detail:    comp.Provider + " is not configured",
			})
			continue
		}

		result, err := adapter.Submit(ctx, provider.SubmitRequest{
			ServiceRef: comp.ProviderServiceRef,
			Link:       link,
			Quantity:   quantity,
			Comment:    comment,
		})
		now := d.clock.Now()

		switch {
		case err == nil:
			comp.Status = model.ComponentSubmitted
			comp.ProviderOrderID = result.ProviderOrderID
			comp.SubmittedAt = &now
			comp.Error = ""
			submitted++
			entries = append(entries, model.ReconLogEntry{
				Kind:      kind,
				Timestamp: now,
				Detail:    fmt.Sprintf("%s accepted order %s", comp.Provider, result.ProviderOrderID),
			})
		case errors.Is(err, provider.ErrRejected):
			comp.Status = model.ComponentFailed
			comp.Error = err.Error()
			entries = append(entries, model.ReconLogEntry{
				Kind:      model.ReconLogSubmitFailed,
				Timestamp: now,
				Detail:    err.Error(),
			})
		default:
			// Таймаут, обрыв сети или нераспознанный ответ: заказ мог быть
			// принят, компонент остаётся на повтор и сверку.
			comp.Status = model.ComponentAmbiguous
			comp.Error = err.Error()
			ambiguous++
			entries = append(entries, model.ReconLogEntry{
				Kind:      model.ReconLogSubmitFailed,
				Timestamp: now,
				Detail:    fmt.Sprintf("%s outcome ambiguous: %v", comp.Provider, err),
			})
		}
	}

	return entries, submitted, ambiguous
}

// submissionVerdict выводит статус заказа из счётчиков отправки. Возврат
// средств допустим только при полном и однозначном отказе.
func submissionVerdict(submitted, ambiguous int) (model.OrderStatus, bool) {
	if submitted > 0 {
		return model.OrderStatusProcessing, false
	}
	if ambiguous > 0 {
		return model.OrderStatusSubmissionFailed, false
	}
	return model.OrderStatusSubmissionFailed, true
}

// firstComponentError возвращает текст первой ошибки компонента.
func firstComponentError(components []model.OrderComponent) string {
	for _, c := range components {
		if c.Error != "" {
			return c.Error
		}
	}
	return ""
}
