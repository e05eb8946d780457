package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

// apiClient инкапсулирует HTTP-взаимодействие с API одного провайдера.
type apiClient struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func newAPIClient(name, baseURL, apiKey string) *apiClient {
	base := strings.TrimRight(baseURL, "/")
	if base != "" && !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}

	return &apiClient{
		name:    name,
		baseURL: base,
		apiKey:  apiKey,
		// Таймаут на уровне запроса задаётся контекстом; клиентский —
		// страховка от зависших соединений.
		httpClient: &http.Client{Timeout: 45 * time.Second},
	}
}

// postForm отправляет параметры как application/x-www-form-urlencoded.
func (c *apiClient) postForm(ctx context.Context, timeout time.Duration, params url.Values) ([]byte, int, error) {
	params.Set("key", c.apiKey)
	body := strings.NewReader(params.Encode())

	return c.do(ctx, timeout, body, "application/x-www-form-urlencoded")
}

// postJSON отправляет параметры как JSON-объект.
func (c *apiClient) postJSON(ctx context.Context, timeout time.Duration, params map[string]any) ([]byte, int, error) {
	params["key"] = c.apiKey

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal request: %w", err)
	}

	return c.do(ctx, timeout, strings.NewReader(string(raw)), "application/json")
}

func (c *apiClient) do(ctx context.Context, timeout time.Duration, body io.Reader, contentType string) ([]byte, int, error) {
	if c.baseURL == "" {
		return nil, 0, fmt.Errorf("%s: provider not configured", c.name)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, body)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, 0, fmt.Errorf("%s: %w", c.name, ErrTimeout)
		}
		return nil, 0, fmt.Errorf("%s: do request: %w", c.name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%s: read response: %w", c.name, err)
	}

	return raw, resp.StatusCode, nil
}

// query выполняет идемпотентный запрос (статус, список) с повторами при
// сетевых сбоях. Отправка заказов повторами не защищается: исход отправки
// может быть неоднозначным, решение о повторе принимает вызывающий.
func (c *apiClient) query(ctx context.Context, call func(ctx context.Context) ([]byte, int, error)) ([]byte, int, error) {
	var raw []byte
	var code int

	backoff := retry.WithMaxRetries(2, retry.NewFibonacci(200*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var callErr error
		raw, code, callErr = call(ctx)
		if callErr == nil {
			return nil
		}
		if errors.Is(callErr, ErrTimeout) || errors.Is(callErr, context.Canceled) {
			return callErr
		}
		return retry.RetryableError(callErr)
	})

	return raw, code, err
}
