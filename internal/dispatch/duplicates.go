package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/smmpanel-system/internal/clock"
	"github.com/mmeshcher/smmpanel-system/internal/events"
	"github.com/mmeshcher/smmpanel-system/internal/provider"
	"github.com/mmeshcher/smmpanel-system/internal/validation"
)

// DuplicateWindow ограничивает возраст заказов провайдера, которые
// рассматриваются при поиске уже размещённой отправки.
const DuplicateWindow = 1440 * time.Minute

// listingDepth задаёт, сколько последних заказов запрашивать у провайдера.
const listingDepth = 200

// DuplicateFinder ищет в недавних заказах провайдера уже размещённую
// отправку перед повторной попыткой. Ошибки провайдера не блокируют
// повтор: поиск завершается без совпадения, а факт фиксируется событием.
type DuplicateFinder struct {
	sink   *events.Sink
	logger *zap.Logger
	clock  clock.Clock
}

// NewDuplicateFinder создаёт поисковик дубликатов.
func NewDuplicateFinder(sink *events.Sink, logger *zap.Logger, clk clock.Clock) *DuplicateFinder {
	return &DuplicateFinder{sink: sink, logger: logger, clock: clk}
}

// FindMatch возвращает недавний заказ провайдера, совпадающий по услуге,
// нормализованной ссылке и количеству, либо nil, если совпадения нет.
func (f *DuplicateFinder) FindMatch(ctx context.Context, adapter provider.Adapter, serviceRef, link string, quantity int) *provider.RecentOrder {
	if !adapter.SupportsOrderListing() {
		return nil
	}
	recent, err := adapter.ListRecentOrders(ctx, listingDepth)
	if err != nil {
		f.logger.Warn("duplicate search failed, proceeding without match",
			zap.String("provider", adapter.Name()), zap.Error(err))
		f.sink.Log(ctx, "duplicate_search_failed", events.SeverityWarning, "dispatch",
			"could not list recent orders from "+adapter.Name()+", resubmission may duplicate",
			map[string]any{"provider": adapter.Name()})
		return nil
	}

	wantLink := validation.NormalizeLink(link)
	cutoff := f.clock.Now().Add(-DuplicateWindow)
	for i := range recent {
		cand := &recent[i]
		if cand.ServiceRef != serviceRef || cand.Quantity != quantity {
			continue
		}
		if validation.NormalizeLink(cand.Link) != wantLink {
			continue
		}
		// Без метки времени нельзя подтвердить давность размещения.
		if cand.PlacedAt.IsZero() || cand.PlacedAt.Before(cutoff) {
			continue
		}
		return cand
	}
	return nil
}
