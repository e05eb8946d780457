// Package validation содержит проверки входных данных заказов.
package validation

import (
	"net/url"
	"strings"
)

// IsValidLink проверяет, что ссылка заказа — абсолютный http(s)-URL с хостом.
func IsValidLink(link string) bool {
	link = strings.TrimSpace(link)
	if link == "" || len(link) > 2048 {
		return false
	}

	u, err := url.Parse(link)
	if err != nil {
		return false
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	if u.Host == "" || !strings.Contains(u.Host, ".") {
		return false
	}

	return true
}

// NormalizeLink приводит ссылку к виду для сравнения: обрезает пробелы
// и приводит к нижнему регистру. Используется при поиске дубликатов.
func NormalizeLink(link string) string {
	return strings.ToLower(strings.TrimSpace(link))
}
