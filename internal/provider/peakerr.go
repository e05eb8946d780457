package provider

import (
	"context"
	"fmt"
	"net/http"
)

// Peakerr — адаптер провайдера peakerr. Транспорт JSON, идентификатор
// заказа в поле order_id, список заказов приходит обёрнутым в объект.
// Пакетного запроса статусов нет.
type Peakerr struct {
	client *apiClient
}

// NewPeakerr создаёт адаптер провайдера peakerr.
func NewPeakerr(baseURL, apiKey string) *Peakerr {
	return &Peakerr{client: newAPIClient("peakerr", baseURL, apiKey)}
}

// Name возвращает имя провайдера.
func (p *Peakerr) Name() string { return "peakerr" }

// SupportsOrderListing сообщает о поддержке списка заказов.
func (p *Peakerr) SupportsOrderListing() bool { return true }

// Submit размещает заказ у провайдера.
func (p *Peakerr) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	params := map[string]any{
		"action":   "add",
		"service":  req.ServiceRef,
		"link":     req.Link,
		"quantity": req.Quantity,
	}
	if req.Comment != "" {
		params["comments"] = req.Comment
	}

	raw, code, err := p.client.postJSON(ctx, SubmitTimeout, params)
	if err != nil {
		return SubmitResult{}, err
	}

	return submitResultFromResponse(p.Name(), raw, code)
}

// QueryStatus возвращает сырой статус заказа.
func (p *Peakerr) QueryStatus(ctx context.Context, providerOrderID string) (string, error) {
	raw, code, err := p.client.query(ctx, func(ctx context.Context) ([]byte, int, error) {
		return p.client.postJSON(ctx, StatusTimeout, map[string]any{
			"action": "status",
			"order":  providerOrderID,
		})
	})
	if err != nil {
		return "", err
	}

	return statusFromObjectResponse(p.Name(), raw, code)
}

// QueryStatusBatch не поддерживается провайдером.
func (p *Peakerr) QueryStatusBatch(ctx context.Context, providerOrderIDs []string) (map[string]string, error) {
	return nil, fmt.Errorf("%s: %w", p.Name(), ErrBatchUnsupported)
}

// ListRecentOrders возвращает недавние заказы провайдера.
func (p *Peakerr) ListRecentOrders(ctx context.Context, limit int) ([]RecentOrder, error) {
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

	payload, err := decodeObject(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.Name(), err)
	}
	if msg := payloadError(payload); msg != "" {
		return nil, fmt.Errorf("%s: orders list error: %s", p.Name(), msg)
	}

	return recentOrdersFromEntries(entriesFromAny(payload["orders"]), limit, "order_id", "created_at"), nil
}
