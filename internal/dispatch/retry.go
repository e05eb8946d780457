package dispatch

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/smmpanel-system/internal/events"
	"github.com/mmeshcher/smmpanel-system/internal/model"
)

// RetryOrder повторяет отправку заказа. ownerUserID nil означает
// административный вызов без проверки владельца. Перед повторной отправкой
// каждый компонент ищется в недавних заказах провайдера: найденная копия
// привязывается вместо новой отправки.
//
// Повтор никогда не возвращает средства сам: к повтору допускаются только
// заказы с неоднозначной историей, и решение о возврате остаётся за
// оператором либо эскалацией сверки.
func (d *Dispatcher) RetryOrder(ctx context.Context, orderID int64, ownerUserID *int64, lockedBy string) (*model.Order, error) {
	order, err := d.repo.AcquireRetryLock(ctx, orderID, ownerUserID, lockedBy, d.clock.Now().Add(retryLockTTL))
	if err != nil {
		return nil, err
	}

	svc, err := d.repo.GetService(ctx, order.ServiceID)
	if err != nil {
		d.releaseLock(ctx, orderID)
		return nil, err
	}

	components := make([]model.OrderComponent, len(order.Components))
	copy(components, order.Components)
	// Заказ, упавший до первой отправки, компонентов ещё не имеет.
	if len(components) == 0 {
		for _, b := range svc.Bindings {
			components = append(components, model.OrderComponent{
				Provider:           b.Provider,
				ProviderServiceRef: b.ProviderServiceRef,
				Status:             model.ComponentPending,
			})
		}
	}
	if len(components) == 0 {
		d.releaseLock(ctx, orderID)
		return nil, ErrNoProvider
	}

	var entries []model.ReconLogEntry
	for i := range components {
		comp := &components[i]
		if comp.Status == model.ComponentSubmitted && comp.ProviderOrderID != "" {
			continue
		}
		adapter, ok := d.providers.Get(comp.Provider)
		if !ok {
			continue
		}
		match := d.finder.FindMatch(ctx, adapter, comp.ProviderServiceRef, order.Link, order.Quantity)
		if match == nil {
			continue
		}
		now := d.clock.Now()
		comp.Status = model.ComponentSubmitted
		comp.ProviderOrderID = match.ProviderOrderID
		comp.SubmittedAt = &now
		comp.Error = ""
		entries = append(entries, model.ReconLogEntry{
			Kind:      model.ReconLogLinkedExisting,
			Timestamp: now,
			Detail:    fmt.Sprintf("linked existing %s order %s instead of resubmitting", comp.Provider, match.ProviderOrderID),
		})
		d.sink.LogEntity(ctx, "retry_linked_existing", events.SeverityInfo, "dispatch",
			"found already placed provider order during retry",
			map[string]any{"provider": comp.Provider, "provider_order_id": match.ProviderOrderID},
			"order", fmt.Sprint(orderID))
	}

	// submitComponents учитывает и уже привязанные компоненты.
	submitEntries, submitted, _ := d.submitComponents(ctx, components, order.Link, order.Quantity, "", model.ReconLogRetry)
	entries = append(entries, submitEntries...)

	status := model.OrderStatusSubmissionFailed
	if submitted > 0 {
		status = model.OrderStatusProcessing
	}

	if err := d.repo.UpdateOrderSubmission(ctx, orderID, status, components, firstComponentError(components), entries); err != nil {
		return nil, err
	}

	updated, err := d.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if submitted == 0 {
		return updated, ErrSubmissionFailed
	}
	return updated, nil
}

func (d *Dispatcher) releaseLock(ctx context.Context, orderID int64) {
	if err := d.repo.ReleaseRetryLock(ctx, orderID); err != nil {
		d.logger.Warn("retry lock release failed", zap.Int64("order_id", orderID), zap.Error(err))
	}
}
