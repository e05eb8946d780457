package provider

import (
	"strings"

	"go.uber.org/zap"

	"github.com/mmeshcher/smmpanel-system/internal/model"
)

type statusToken struct {
	token  string
	status model.OrderStatus
}

// statusVocabulary хранит известные словари статусов провайдеров.
// Сопоставление нечувствительно к регистру: сначала точное совпадение,
// затем вхождение подстроки в порядке перечисления токенов.
var statusVocabulary = map[string][]statusToken{
	"smmgen": {
		{"pending", model.OrderStatusPending},
		{"in progress", model.OrderStatusProcessing},
		{"processing", model.OrderStatusProcessing},
		{"completed", model.OrderStatusCompleted},
		{"partial", model.OrderStatusPartial},
		{"canceled", model.OrderStatusCanceled},
		{"refunded", model.OrderStatusRefunded},
	},
	"peakerr": {
		{"awaiting", model.OrderStatusPending},
		{"pending", model.OrderStatusPending},
		{"inprogress", model.OrderStatusProcessing},
		{"completed", model.OrderStatusCompleted},
		{"partial", model.OrderStatusPartial},
		{"cancelled", model.OrderStatusCanceled},
		{"refunded", model.OrderStatusRefunded},
	},
	"smmkings": {
		{"pending", model.OrderStatusPending},
		{"in progress", model.OrderStatusProcessing},
		{"processing", model.OrderStatusProcessing},
		{"completed", model.OrderStatusCompleted},
		{"partial", model.OrderStatusPartial},
		{"cancelled", model.OrderStatusCanceled},
		{"canceled", model.OrderStatusCanceled},
		{"refunded", model.OrderStatusRefunded},
	},
	"viralhq": {
		{"queued", model.OrderStatusPending},
		{"running", model.OrderStatusProcessing},
		{"done", model.OrderStatusCompleted},
		{"partial", model.OrderStatusPartial},
		{"cancelled", model.OrderStatusCanceled},
		{"refund", model.OrderStatusRefunded},
	},
	"boostlab": {
		{"new", model.OrderStatusPending},
		{"active", model.OrderStatusProcessing},
		{"finished", model.OrderStatusCompleted},
		{"partial", model.OrderStatusPartial},
		{"rejected", model.OrderStatusCanceled},
		{"refunded", model.OrderStatusRefunded},
	},
}

// StatusNormalizer переводит сырые статусы провайдеров в каноничные.
type StatusNormalizer struct {
	logger *zap.Logger
}

// NewStatusNormalizer создаёт нормализатор статусов.
func NewStatusNormalizer(logger *zap.Logger) *StatusNormalizer {
	return &StatusNormalizer{logger: logger}
}

// Normalize переводит сырой статус провайдера в каноничный. Нераспознанные
// значения дают OrderStatusUnknown и фиксируются в журнале: молчаливое
// приведение к pending скрывало бы сбои на стороне провайдера.
func (n *StatusNormalizer) Normalize(providerName, rawStatus string) model.OrderStatus {
	raw := strings.ToLower(strings.TrimSpace(rawStatus))

	vocab, ok := statusVocabulary[providerName]
	if raw == "" || !ok {
		n.logUnknown(providerName, rawStatus)
		return model.OrderStatusUnknown
	}

	for _, entry := range vocab {
		if raw == entry.token {
			return entry.status
		}
	}

	for _, entry := range vocab {
		if strings.Contains(raw, entry.token) {
			return entry.status
		}
	}

	n.logUnknown(providerName, rawStatus)
	return model.OrderStatusUnknown
}

func (n *StatusNormalizer) logUnknown(providerName, rawStatus string) {
	if n.logger == nil {
		return
	}
	n.logger.Warn("unrecognized provider status",
		zap.String("provider", providerName),
		zap.String("raw_status", rawStatus),
	)
}
