// Package provider содержит адаптеры внешних SMM-провайдеров.
//
// Каждый провайдер имеет собственный формат запросов (JSON либо
// form-urlencoded) и собственную форму ответов; адаптер переводит их в
// канонический вид. Идентификатор созданного заказа извлекается по
// упорядоченному списку полей-кандидатов, а не прямым обращением к полю.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmeshcher/smmpanel-system/internal/model"
)

// Таймауты внешних вызовов. Отправка дольше, потому что провайдеры
// создают заказ синхронно.
const (
	SubmitTimeout = 30 * time.Second
	StatusTimeout = 15 * time.Second
	ListTimeout   = 20 * time.Second
)

// ErrTimeout возвращается при истечении таймаута внешнего вызова.
// Исход неоднозначен: провайдер мог принять заказ до обрыва.
var ErrTimeout = errors.New("provider request timed out")

// ErrNotFound возвращается, когда провайдер не знает указанный заказ.
var ErrNotFound = errors.New("order not found at provider")

// ErrRejected соответствует явному отказу провайдера. Проверяется через
// errors.Is; конкретная ошибка RejectedError сохраняет сырой ответ.
var ErrRejected = errors.New("provider rejected submission")

// ErrAmbiguous означает успешный HTTP-ответ без распознаваемого
// идентификатора заказа: заказ мог быть размещён.
var ErrAmbiguous = errors.New("provider response has no recognizable order id")

// ErrBatchUnsupported возвращается адаптерами без пакетного запроса статусов.
var ErrBatchUnsupported = errors.New("batch status not supported by provider")

// RejectedError сохраняет сырой ответ провайдера при отказе, чтобы
// оператор мог диагностировать причину без повторного вызова.
type RejectedError struct {
	Provider string
	Reason   string
	Raw      string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected submission: %s", e.Provider, e.Reason)
}

// Is поддерживает errors.Is(err, ErrRejected).
func (e *RejectedError) Is(target error) bool { return target == ErrRejected }

// AmbiguousError сохраняет сырой ответ при неоднозначном исходе отправки.
type AmbiguousError struct {
	Provider string
	Raw      string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("%s returned no recognizable order id", e.Provider)
}

// Is поддерживает errors.Is(err, ErrAmbiguous).
func (e *AmbiguousError) Is(target error) bool { return target == ErrAmbiguous }

// SubmitRequest описывает каноничную заявку на размещение заказа.
type SubmitRequest struct {
	ServiceRef string
	Link       string
	Quantity   int
	Comment    string
}

// SubmitResult содержит идентификатор заказа у провайдера и сырой ответ.
type SubmitResult struct {
	ProviderOrderID string
	Raw             string
}

// RecentOrder описывает запись из списка недавних заказов провайдера.
type RecentOrder struct {
	ProviderOrderID string
	ServiceRef      string
	Link            string
	Quantity        int
	RawStatus       string
	ChargeCents     int64
	PlacedAt        time.Time
}

// Adapter описывает контракт клиента одного провайдера.
type Adapter interface {
	// Name возвращает каноничное имя провайдера.
	Name() string

	// Submit размещает заказ. При отказе возвращает RejectedError с сырым
	// ответом, при таймауте — ErrTimeout, при нераспознанном ответе —
	// AmbiguousError (заказ мог быть принят).
	Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error)

	// QueryStatus возвращает сырой статус заказа у провайдера.
	QueryStatus(ctx context.Context, providerOrderID string) (string, error)

	// QueryStatusBatch возвращает сырые статусы нескольких заказов или
	// ErrBatchUnsupported.
	QueryStatusBatch(ctx context.Context, providerOrderIDs []string) (map[string]string, error)

	// ListRecentOrders возвращает недавние заказы провайдера, не более
	// limit. Провайдеры без такой операции возвращают пустой срез без
	// ошибки; вызывающий различает это через SupportsOrderListing.
	ListRecentOrders(ctx context.Context, limit int) ([]RecentOrder, error)

	// SupportsOrderListing сообщает, умеет ли провайдер отдавать список
	// заказов. Детектор заказов-призраков пропускает провайдеров без
	// списка, иначе пустой список выглядел бы как «все заказы — призраки».
	SupportsOrderListing() bool
}

// Registry хранит настроенные адаптеры по именам провайдеров.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry создаёт реестр из переданных адаптеров.
func NewRegistry(adapters ...Adapter) *Registry {
	m := make(map[string]Adapter, len(adapters))
	for _, a := range adapters {
		m[a.Name()] = a
	}
	return &Registry{adapters: m}
}

// Get возвращает адаптер провайдера по имени.
func (r *Registry) Get(name string) (Adapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}

// All возвращает все настроенные адаптеры. Порядок не определён.
func (r *Registry) All() []Adapter {
	res := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		res = append(res, a)
	}
	return res
}

// Normalizer переводит сырой статус провайдера в каноничный.
type Normalizer interface {
	Normalize(provider, rawStatus string) model.OrderStatus
}
