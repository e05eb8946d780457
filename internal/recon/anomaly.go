package recon

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/smmpanel-system/internal/clock"
	"github.com/mmeshcher/smmpanel-system/internal/events"
	"github.com/mmeshcher/smmpanel-system/internal/validation"
)

const (
	// anomalyWindow — окно наблюдения детектора аномалий.
	anomalyWindow = 10 * time.Minute
	// spamClusterThreshold — столько заказов на одну ссылку и услугу
	// образуют спам-кластер.
	spamClusterThreshold = 4
	// volumeSpikeThreshold — столько заказов одного пользователя за окно
	// считаются всплеском.
	volumeSpikeThreshold = 20
)

// AnomalyDetector ищет подозрительные шаблоны в недавних заказах:
// скопления заказов на одну ссылку и всплески активности пользователя.
// Детектор только сигнализирует оператору, заказы он не трогает.
type AnomalyDetector struct {
	repo   Repository
	sink   *events.Sink
	logger *zap.Logger
	clock  clock.Clock
}

// NewAnomalyDetector создаёт детектор аномалий.
func NewAnomalyDetector(repo Repository, sink *events.Sink, logger *zap.Logger, clk clock.Clock) *AnomalyDetector {
	return &AnomalyDetector{repo: repo, sink: sink, logger: logger, clock: clk}
}

// Scan выполняет один проход детектора и возвращает число найденных
// аномалий.
func (d *AnomalyDetector) Scan(ctx context.Context) (int, error) {
	since := d.clock.Now().Add(-anomalyWindow)
	orders, err := d.repo.GetOrdersCreatedSince(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("load recent orders: %w", err)
	}

	type linkKey struct {
		link      string
		serviceID int64
	}
	byLink := make(map[linkKey][]int64)
	byUser := make(map[int64]int)
	for i := range orders {
		o := &orders[i]
		key := linkKey{link: validation.NormalizeLink(o.Link), serviceID: o.ServiceID}
		byLink[key] = append(byLink[key], o.UserID)
		byUser[o.UserID]++
	}

	found := 0
	for key, users := range byLink {
		if len(users) < spamClusterThreshold {
			continue
		}
		found++
		distinct := make(map[int64]struct{}, len(users))
		for _, u := range users {
			distinct[u] = struct{}{}
		}
		d.sink.Log(ctx, "spam_cluster", events.SeverityWarning, "recon",
			fmt.Sprintf("%d orders for the same link within %s", len(users), anomalyWindow),
			map[string]any{
				"link":       key.link,
				"service_id": key.serviceID,
				"orders":     len(users),
				"users":      len(distinct),
			})
		d.logger.Warn("spam cluster detected",
			zap.String("link", key.link),
			zap.Int64("service_id", key.serviceID),
			zap.Int("orders", len(users)))
	}

	for userID, count := range byUser {
		if count <= volumeSpikeThreshold {
			continue
		}
		found++
		d.sink.LogEntity(ctx, "volume_spike", events.SeverityWarning, "recon",
			fmt.Sprintf("user placed %d orders within %s", count, anomalyWindow),
			map[string]any{"orders": count},
			"user", fmt.Sprint(userID))
		d.logger.Warn("order volume spike",
			zap.Int64("user_id", userID),
			zap.Int("orders", count))
	}

	return found, nil
}

// Run запускает периодический поиск аномалий до отмены контекста.
func (d *AnomalyDetector) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := d.Scan(ctx); err != nil {
				d.logger.Error("anomaly scan failed", zap.Error(err))
			}
		}
	}
}
