package provider

import (
	"encoding/json"
	"fmt"
	"strings"
)

// orderIDFields — упорядоченный список полей-кандидатов, в которых
// провайдеры возвращают идентификатор созданного заказа. Первый найденный
// непустой кандидат считается авторитетным.
var orderIDFields = []string{"order", "order_id", "id"}

// extractOrderID извлекает идентификатор заказа из ответа провайдера.
// Поля проверяются в фиксированном порядке, сначала на верхнем уровне,
// затем внутри объекта data. Пустая строка означает, что идентификатор
// не распознан.
func extractOrderID(payload map[string]any) string {
	for _, field := range orderIDFields {
		if s := idString(payload[field]); s != "" {
			return s
		}
	}

	if data, ok := payload["data"].(map[string]any); ok {
		for _, field := range orderIDFields {
			if s := idString(data[field]); s != "" {
				return s
			}
		}
	}

	return ""
}

// idString приводит значение поля-кандидата к строковому идентификатору.
// Нулевые и пустые значения не считаются идентификаторами.
func idString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		s := strings.TrimSpace(val)
		if s == "" || s == "0" {
			return ""
		}
		return s
	case float64:
		if val <= 0 || val != float64(int64(val)) {
			return ""
		}
		return fmt.Sprintf("%d", int64(val))
	case json.Number:
		if n, err := val.Int64(); err == nil && n > 0 {
			return val.String()
		}
		return ""
	}
	return ""
}

// payloadError возвращает текст ошибки, если провайдер вложил её в
// успешный HTTP-ответ. Часть провайдеров отвечает 200 с полем error.
func payloadError(payload map[string]any) string {
	for _, field := range []string{"error", "errors", "message"} {
		v, ok := payload[field]
		if !ok {
			continue
		}
		switch val := v.(type) {
		case string:
			if s := strings.TrimSpace(val); s != "" && field != "message" {
				return s
			}
			// message считается ошибкой только вместе с success=false.
			if s := strings.TrimSpace(val); s != "" && isFailure(payload) {
				return s
			}
		case []any:
			if len(val) > 0 {
				if s, ok := val[0].(string); ok && strings.TrimSpace(s) != "" {
					return strings.TrimSpace(s)
				}
			}
		}
	}
	return ""
}

func isFailure(payload map[string]any) bool {
	switch v := payload["success"].(type) {
	case bool:
		return !v
	case string:
		return strings.EqualFold(v, "false")
	}
	if s, ok := payload["status"].(string); ok {
		return strings.EqualFold(s, "error") || strings.EqualFold(s, "fail")
	}
	return false
}

// decodeObject разбирает JSON-ответ в объект. Ответы-массивы и скаляры
// возвращают ошибку с сырым телом для диагностики.
func decodeObject(raw []byte) (map[string]any, error) {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode response %q: %w", truncate(string(raw), 200), err)
	}
	return payload, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
