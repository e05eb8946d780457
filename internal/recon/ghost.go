package recon

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
)

const (
	// ghostListingDepth — сколько недавних заказов запрашивать у провайдера.
	ghostListingDepth = 200
	// ghostLinkWindow ограничивает возраст локальных заказов для
	// эвристической привязки по ссылке и количеству.
	ghostLinkWindow = 24 * time.Hour
)

// GhostDetector ищет заказы, существующие у провайдера, но отсутствующие
// локально. Такие заказы означают утечку средств: провайдер списал
// баланс панели за заказ, который никто не оплачивал.
type GhostDetector struct {
	repo      Repository
	providers *provider.Registry
	sink      *events.Sink
	logger    *zap.Logger
	clock     clock.Clock
}

// NewGhostDetector создаёт детектор заказов-призраков.
func NewGhostDetector(repo Repository, providers *provider.Registry, sink *events.Sink, logger *zap.Logger, clk clock.Clock) *GhostDetector {
	return &GhostDetector{repo: repo, providers: providers, sink: sink, logger: logger, clock: clk}
}

// Scan выполняет один проход по всем провайдерам со списком заказов и
// возвращает число новых призраков. Провайдеры без операции списка
// пропускаются: пустой ответ выглядел бы как сплошные призраки.
func (d *GhostDetector) Scan(ctx context.Context) (int, error) {
	created := 0
	for _, adapter := range d.providers.All() {
		if !adapter.SupportsOrderListing() {
			continue
		}
		n, err := d.scanProvider(ctx, adapter)
		if err != nil {
			// Недоступный провайдер не прерывает проход по остальным.
			d.logger.Warn("ghost scan failed for provider",
				zap.String("provider", adapter.Name()), zap.Error(err))
			continue
		}
		created += n
	}

	if created > 0 {
		d.sink.Log(ctx, "ghost_orders_found", events.SeverityCritical, "recon",
			fmt.Sprintf("found %d provider orders with no local record", created),
			map[string]any{"count": created})
	}
	return created, nil
}

func (d *GhostDetector) scanProvider(ctx context.Context, adapter provider.Adapter) (int, error) {
	recent, err := adapter.ListRecentOrders(ctx, ghostListingDepth)
	if err != nil {
		return 0, err
	}

	created := 0
	since := d.clock.Now().Add(-ghostLinkWindow)
	for i := range recent {
		remote := &recent[i]
		if remote.ProviderOrderID == "" {
			continue
		}

		// Первый ярус: точная привязка по идентификатору провайдера.
		_, err := d.repo.FindOrderIDByProviderOrderID(ctx, adapter.Name(), remote.ProviderOrderID)
		if err == nil {
			continue
		}
		if !errors.Is(err, repository.ErrOrderNotFound) {
			return created, err
		}

		// Второй ярус: эвристика по ссылке и количеству. Локальный заказ
		// без сохранённого идентификатора — не призрак, а кандидат на
		// привязку при повторе.
		if remote.Link != "" && remote.Quantity > 0 {
			_, err = d.repo.FindOrderIDByLinkQuantity(ctx, remote.Link, remote.Quantity, since)
			if err == nil {
				continue
			}
			if !errors.Is(err, repository.ErrOrderNotFound) {
				return created, err
			}
		}

		ghost := model.GhostOrder{
			Provider:        adapter.Name(),
			ProviderOrderID: remote.ProviderOrderID,
			Link:            remote.Link,
			Quantity:        remote.Quantity,
			ChargeCents:     remote.ChargeCents,
			ProviderStatus:  remote.RawStatus,
		}
		if !remote.PlacedAt.IsZero() {
			placed := remote.PlacedAt
			ghost.ProviderCreatedAt = &placed
		}

		inserted, err := d.repo.CreateGhostOrder(ctx, ghost)
		if err != nil {
			return created, err
		}
		if inserted {
			created++
			d.logger.Warn("ghost order detected",
				zap.String("provider", adapter.Name()),
				zap.String("provider_order_id", remote.ProviderOrderID),
				zap.Int64("charge_cents", remote.ChargeCents))
		}
	}
	return created, nil
}

// Run запускает периодический поиск призраков до отмены контекста.
func (d *GhostDetector) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := d.Scan(ctx); err != nil {
				d.logger.Error("ghost scan failed", zap.Error(err))
			}
		}
	}
}
