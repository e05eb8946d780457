package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// BoostLab — адаптер провайдера boostlab. Транспорт JSON; список заказов
// и пакетные статусы приходят массивами, а не объектами.
type BoostLab struct {
	client *apiClient
}

// NewBoostLab создаёт адаптер провайдера boostlab.
func NewBoostLab(baseURL, apiKey string) *BoostLab {
	return &BoostLab{client: newAPIClient("boostlab", baseURL, apiKey)}
}

// Name возвращает имя провайдера.
func (p *BoostLab) Name() string { return "boostlab" }

// SupportsOrderListing сообщает о поддержке списка заказов.
func (p *BoostLab) SupportsOrderListing() bool { return true }

// Submit размещает заказ у провайдера.
func (p *BoostLab) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	params := map[string]any{
		"action":   "add",
		"service":  req.ServiceRef,
		"link":     req.Link,
		"quantity": req.Quantity,
	}
	if req.Comment != "" {
		params["comment"] = req.Comment
	}

	raw, code, err := p.client.postJSON(ctx, SubmitTimeout, params)
	if err != nil {
		return SubmitResult{}, err
	}

	return submitResultFromResponse(p.Name(), raw, code)
}

// QueryStatus возвращает сырой статус заказа.
func (p *BoostLab) QueryStatus(ctx context.Context, providerOrderID string) (string, error) {
	statuses, err := p.QueryStatusBatch(ctx, []string{providerOrderID})
	if err != nil {
		return "", err
	}

	status, ok := statuses[providerOrderID]
	if !ok {
		return "", fmt.Errorf("%s: %w", p.Name(), ErrNotFound)
	}
	return status, nil
}

// QueryStatusBatch возвращает статусы нескольких заказов. Провайдер
// отвечает массивом объектов с полями id и status.
func (p *BoostLab) QueryStatusBatch(ctx context.Context, providerOrderIDs []string) (map[string]string, error) {
	if len(providerOrderIDs) == 0 {
		return map[string]string{}, nil
	}

	raw, code, err := p.client.query(ctx, func(ctx context.Context) ([]byte, int, error) {
		return p.client.postJSON(ctx, StatusTimeout, map[string]any{
			"action": "status",
			"ids":    providerOrderIDs,
		})
	})
	if err != nil {
		return nil, err
	}
	if code != http.StatusOK {
		return nil, fmt.Errorf("%s: unexpected status %d: %s", p.Name(), code, truncate(string(raw), 200))
	}

	var entries []map[string]any
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("%s: decode statuses: %w", p.Name(), err)
	}

	res := make(map[string]string, len(entries))
	for _, entry := range entries {
		id := idString(entry["id"])
		if id == "" {
			continue
		}
		if status := stringField(entry, "status"); status != "" {
			res[id] = status
		}
	}

	return res, nil
}

// ListRecentOrders возвращает недавние заказы провайдера.
func (p *BoostLab) ListRecentOrders(ctx context.Context, limit int) ([]RecentOrder, error) {
	raw, code, err := p.client.query(ctx, func(ctx context.Context) ([]byte, int, error) {
		return p.client.postJSON(ctx, ListTimeout, map[string]any{
			"action": "orders",
			"limit":  limit,
		})
	})
	if err != nil {
		return nil, err
	}
	if code != http.StatusOK {
		return nil, fmt.Errorf("%s: unexpected status %d: %s", p.Name(), code, truncate(string(raw), 200))
	}

	return recentOrdersFromArray(p.Name(), raw, limit, "id", "placed_at")
}
