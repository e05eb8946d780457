package provider

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// submitResultFromResponse разбирает ответ провайдера на отправку заказа.
// Не-2xx и вложенная ошибка в 2xx считаются отказом, 2xx без
// распознаваемого идентификатора — неоднозначным исходом.
func submitResultFromResponse(name string, raw []byte, code int) (SubmitResult, error) {
	body := string(raw)

	if code < 200 || code >= 300 {
		reason := fmt.Sprintf("http %d", code)
		if payload, err := decodeObject(raw); err == nil {
			if msg := payloadError(payload); msg != "" {
				reason = msg
			}
		}
		return SubmitResult{}, &RejectedError{Provider: name, Reason: reason, Raw: body}
	}

	payload, err := decodeObject(raw)
	if err != nil {
		// 2xx с нечитаемым телом: заказ мог быть принят.
		return SubmitResult{}, &AmbiguousError{Provider: name, Raw: body}
	}

	if msg := payloadError(payload); msg != "" {
		return SubmitResult{}, &RejectedError{Provider: name, Reason: msg, Raw: body}
	}

	id := extractOrderID(payload)
	if id == "" {
		return SubmitResult{}, &AmbiguousError{Provider: name, Raw: body}
	}

	return SubmitResult{ProviderOrderID: id, Raw: body}, nil
}

// statusFromObjectResponse разбирает одиночный ответ на запрос статуса.
func statusFromObjectResponse(name string, raw []byte, code int) (string, error) {
	if code == http.StatusNotFound {
		return "", fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	if code != http.StatusOK {
		return "", fmt.Errorf("%s: unexpected status %d: %s", name, code, truncate(string(raw), 200))
	}

	payload, err := decodeObject(raw)
	if err != nil {
		return "", fmt.Errorf("%s: %w", name, err)
	}

	if msg := payloadError(payload); msg != "" {
		if isNotFoundMessage(msg) {
			return "", fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		return "", fmt.Errorf("%s: status error: %s", name, msg)
	}

	if status := stringField(payload, "status"); status != "" {
		return status, nil
	}
	if data, ok := payload["data"].(map[string]any); ok {
		if status := stringField(data, "status"); status != "" {
			return status, nil
		}
	}

	return "", fmt.Errorf("%s: response has no status field: %s", name, truncate(string(raw), 200))
}

// recentOrdersFromArray разбирает список заказов из ответа-массива.
func recentOrdersFromArray(name string, raw []byte, limit int, idField, timeField string) ([]RecentOrder, error) {
	var entries []map[string]any
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("%s: decode orders list: %w", name, err)
	}
	return recentOrdersFromEntries(entries, limit, idField, timeField), nil
}

// recentOrdersFromEntries переводит записи списка заказов в канонический
// вид. Записи без идентификатора пропускаются.
func recentOrdersFromEntries(entries []map[string]any, limit int, idField, timeField string) []RecentOrder {
	res := make([]RecentOrder, 0, len(entries))
	for _, entry := range entries {
		if limit > 0 && len(res) >= limit {
			break
		}

		id := idString(entry[idField])
		if id == "" {
			id = extractOrderID(entry)
		}
		if id == "" {
			continue
		}

		res = append(res, RecentOrder{
			ProviderOrderID: id,
			ServiceRef:      stringField(entry, "service"),
			Link:            stringField(entry, "link"),
			Quantity:        parseQuantity(entry["quantity"]),
			RawStatus:       stringField(entry, "status"),
			ChargeCents:     parseChargeCents(entry["charge"]),
			PlacedAt:        parseOrderTime(entry[timeField]),
		})
	}
	return res
}

// entriesFromAny приводит значение поля ответа к списку объектов.
func entriesFromAny(v any) []map[string]any {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	entries := make([]map[string]any, 0, len(arr))
	for _, item := range arr {
		if entry, ok := item.(map[string]any); ok {
			entries = append(entries, entry)
		}
	}
	return entries
}
