package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// SMMKings — адаптер провайдера smmkings. Транспорт form-urlencoded,
// идентификатор заказа в поле id, есть пакетный запрос статусов,
// списка заказов нет.
type SMMKings struct {
	client *apiClient
}

// NewSMMKings создаёт адаптер провайдера smmkings.
func NewSMMKings(baseURL, apiKey string) *SMMKings {
	return &SMMKings{client: newAPIClient("smmkings", baseURL, apiKey)}
}

// Name возвращает имя провайдера.
func (p *SMMKings) Name() string { return "smmkings" }

// SupportsOrderListing сообщает о поддержке списка заказов.
func (p *SMMKings) SupportsOrderListing() bool { return false }

// Submit размещает заказ у провайдера.
func (p *SMMKings) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	params := url.Values{}
	params.Set("action", "add")
	params.Set("service", req.ServiceRef)
	params.Set("link", req.Link)
	params.Set("quantity", strconv.Itoa(req.Quantity))
	if req.Comment != "" {
		params.Set("comment", req.Comment)
	}

	raw, code, err := p.client.postForm(ctx, SubmitTimeout, params)
	if err != nil {
		return SubmitResult{}, err
	}

	return submitResultFromResponse(p.Name(), raw, code)
}

// QueryStatus возвращает сырой статус заказа.
func (p *SMMKings) QueryStatus(ctx context.Context, providerOrderID string) (string, error) {
	params := url.Values{}
	params.Set("action", "status")
	params.Set("id", providerOrderID)

	raw, code, err := p.client.query(ctx, func(ctx context.Context) ([]byte, int, error) {
		return p.client.postForm(ctx, StatusTimeout, cloneValues(params))
	})
	if err != nil {
		return "", err
	}

	return statusFromObjectResponse(p.Name(), raw, code)
}

// QueryStatusBatch возвращает статусы нескольких заказов за один вызов.
func (p *SMMKings) QueryStatusBatch(ctx context.Context, providerOrderIDs []string) (map[string]string, error) {
	if len(providerOrderIDs) == 0 {
		return map[string]string{}, nil
	}

	params := url.Values{}
	params.Set("action", "status")
	params.Set("ids", strings.Join(providerOrderIDs, ","))

	raw, code, err := p.client.query(ctx, func(ctx context.Context) ([]byte, int, error) {
		return p.client.postForm(ctx, StatusTimeout, cloneValues(params))
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

	res := make(map[string]string, len(providerOrderIDs))
	for _, id := range providerOrderIDs {
		entry, ok := payload[id].(map[string]any)
		if !ok {
			continue
		}
		if status := stringField(entry, "status"); status != "" {
			res[id] = status
		}
	}

	return res, nil
}

// ListRecentOrders не поддерживается провайдером: возвращается пустой
// срез без ошибки, вызывающий проверяет SupportsOrderListing.
func (p *SMMKings) ListRecentOrders(ctx context.Context, limit int) ([]RecentOrder, error) {
	return []RecentOrder{}, nil
}
