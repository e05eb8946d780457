package provider

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// parseChargeCents приводит сумму из ответа провайдера к центам.
// Провайдеры возвращают сумму то числом, то строкой в валютных единицах.
func parseChargeCents(v any) int64 {
	switch val := v.(type) {
	case float64:
		return int64(math.Round(val * 100))
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0
		}
		return int64(math.Round(f * 100))
	}
	return 0
}

// parseQuantity приводит количество из ответа провайдера к int.
func parseQuantity(v any) int {
	switch val := v.(type) {
	case float64:
		return int(val)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}

// parseOrderTime разбирает время размещения заказа у провайдера.
// Поддерживаются таймстемп unix, RFC3339 и формат "2006-01-02 15:04:05".
func parseOrderTime(v any) time.Time {
	switch val := v.(type) {
	case float64:
		if val <= 0 {
			return time.Time{}
		}
		return time.Unix(int64(val), 0).UTC()
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return time.Time{}
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t.UTC()
		}
		if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// isNotFoundMessage распознаёт текст ошибки «заказ не найден» в ответе.
func isNotFoundMessage(s string) bool {
	msg := strings.ToLower(s)
	return strings.Contains(msg, "not found") ||
		strings.Contains(msg, "incorrect order") ||
		strings.Contains(msg, "invalid order")
}

// stringField возвращает строковое представление поля ответа.
func stringField(payload map[string]any, field string) string {
	switch val := payload[field].(type) {
	case string:
		return strings.TrimSpace(val)
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	}
	return ""
}
