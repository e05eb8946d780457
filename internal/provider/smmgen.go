package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// SMMGen — адаптер провайдера smmgen. Транспорт form-urlencoded,
// идентификатор заказа в поле order, поддерживает список заказов и
// пакетный запрос статусов.
type SMMGen struct {
	client *apiClient
}

// NewSMMGen создаёт адаптер провайдера smmgen.
func NewSMMGen(baseURL, apiKey string) *SMMGen {
	return &SMMGen{client: newAPIClient("smmgen", baseURL, apiKey)}
}

// Name возвращает имя провайдера.
func (p *SMMGen) Name() string { return "smmgen" }

// SupportsOrderListing сообщает о поддержке списка заказов.
func (p *SMMGen) SupportsOrderListing() bool { return true }

// Submit размещает заказ у провайдера.
func (p *SMMGen) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	params := url.Values{}
	params.Set("action", "add")
	params.Set("service", req.ServiceRef)
	params.Set("link", req.Link)
	params.Set("quantity", strconv.Itoa(req.Quantity))
	if req.Comment != "" {
		params.Set("comments", req.Comment)
	}

	raw, code, err := p.client.postForm(ctx, SubmitTimeout, params)
	if err != nil {
		return SubmitResult{}, err
	}

	return submitResultFromResponse(p.Name(), raw, code)
}

// QueryStatus возвращает сырой статус заказа.
func (p *SMMGen) QueryStatus(ctx context.Context, providerOrderID string) (string, error) {
	params := url.Values{}
	params.Set("action", "status")
	params.Set("order", providerOrderID)

	raw, code, err := p.client.query(ctx, func(ctx context.Context) ([]byte, int, error) {
		return p.client.postForm(ctx, StatusTimeout, cloneValues(params))
	})
	if err != nil {
		return "", err
	}

	return statusFromObjectResponse(p.Name(), raw, code)
}

// QueryStatusBatch возвращает статусы нескольких заказов за один вызов.
// Провайдер отвечает объектом, ключами которого служат идентификаторы.
func (p *SMMGen) QueryStatusBatch(ctx context.Context, providerOrderIDs []string) (map[string]string, error) {
	if len(providerOrderIDs) == 0 {
		return map[string]string{}, nil
	}

	params := url.Values{}
	params.Set("action", "status")
	params.Set("orders", strings.Join(providerOrderIDs, ","))

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

// ListRecentOrders возвращает недавние заказы провайдера.
func (p *SMMGen) ListRecentOrders(ctx context.Context, limit int) ([]RecentOrder, error) {
	params := url.Values{}
	params.Set("action", "orders")
	params.Set("limit", strconv.Itoa(limit))

	raw, code, err := p.client.query(ctx, func(ctx context.Context) ([]byte, int, error) {
		return p.client.postForm(ctx, ListTimeout, cloneValues(params))
	})
	if err != nil {
		return nil, err
	}
	if code != http.StatusOK {
		return nil, fmt.Errorf("%s: unexpected status %d: %s", p.Name(), code, truncate(string(raw), 200))
	}

	return recentOrdersFromArray(p.Name(), raw, limit, "order", "created")
}

func cloneValues(src url.Values) url.Values {
	dst := url.Values{}
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	return dst
}
