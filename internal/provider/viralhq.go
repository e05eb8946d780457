package provider

import (
	"context"
	"fmt"
)

// ViralHQ — адаптер провайдера viralhq. Транспорт JSON, полезная нагрузка
// ответов вложена в объект data, идентификатор заказа в data.id.
// Ни списка заказов, ни пакетного запроса статусов нет.
type ViralHQ struct {
	client *apiClient
}

// NewViralHQ создаёт адаптер провайдера viralhq.
func NewViralHQ(baseURL, apiKey string) *ViralHQ {
	return &ViralHQ{client: newAPIClient("viralhq", baseURL, apiKey)}
}

// Name возвращает имя провайдера.
func (p *ViralHQ) Name() string { return "viralhq" }

// SupportsOrderListing сообщает о поддержке списка заказов.
func (p *ViralHQ) SupportsOrderListing() bool { return false }

// Submit размещает заказ у провайдера.
func (p *ViralHQ) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
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
func (p *ViralHQ) QueryStatus(ctx context.Context, providerOrderID string) (string, error) {
	raw, code, err := p.client.query(ctx, func(ctx context.Context) ([]byte, int, error) {
		return p.client.postJSON(ctx, StatusTimeout, map[string]any{
			"action": "status",
			"id":     providerOrderID,
		})
	})
	if err != nil {
		return "", err
	}

	return statusFromObjectResponse(p.Name(), raw, code)
}

// QueryStatusBatch не поддерживается провайдером.
func (p *ViralHQ) QueryStatusBatch(ctx context.Context, providerOrderIDs []string) (map[string]string, error) {
	return nil, fmt.Errorf("%s: %w", p.Name(), ErrBatchUnsupported)
}

// ListRecentOrders не поддерживается провайдером: возвращается пустой
// срез без ошибки, вызывающий проверяет SupportsOrderListing.
func (p *ViralHQ) ListRecentOrders(ctx context.Context, limit int) ([]RecentOrder, error) {
	return []RecentOrder{}, nil
}
