package dispatch

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/mmeshcher/smmpanel-system/internal/validation"
)

// fingerprintWindow задаёт ширину окна, в котором повторный идентичный
// запрос считается дубликатом, а не новым заказом.
const fingerprintWindow = 2 * time.Minute

// Fingerprint вычисляет отпечаток запроса заказа. Метка времени
// округляется до минуты, поэтому идентичные запросы в пределах одной
// минуты дают одинаковый отпечаток.
func Fingerprint(userID, serviceID int64, link string, quantity int, at time.Time) string {
	minute := at.UTC().Unix() / 60
	payload := fmt.Sprintf("%d|%d|%s|%d|%d", userID, serviceID, validation.NormalizeLink(link), quantity, minute)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}
