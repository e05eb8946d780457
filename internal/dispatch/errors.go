package dispatch

import (
	"errors"
	"fmt"
)

// ErrValidation возвращается при некорректных входных данных заказа.
var (
	ErrValidation = errors.New("invalid order input")
	// ErrRateLimited возвращается при превышении частоты заказов пользователем.
	ErrRateLimited = errors.New("too many orders")
	// ErrNoProvider возвращается, если у услуги не настроен ни один провайдер.
	ErrNoProvider = errors.New("no provider configured for service")
	// ErrSubmissionFailed возвращается, когда ни один компонент заказа не размещён.
	ErrSubmissionFailed = errors.New("order submission failed")
	// ErrDuplicateRequest проверяется через errors.Is; конкретная ошибка
	// DuplicateRequestError несёт идентификатор существующего заказа.
	ErrDuplicateRequest = errors.New("duplicate order request")
)

// DuplicateRequestError возвращается защитой от повторной отправки и
// содержит идентификатор уже созданного заказа.
type DuplicateRequestError struct {
	OrderID int64
}

func (e *DuplicateRequestError) Error() string {
	return fmt.Sprintf("duplicate order request, existing order %d", e.OrderID)
}

// Is поддерживает errors.Is(err, ErrDuplicateRequest).
func (e *DuplicateRequestError) Is(target error) bool { return target == ErrDuplicateRequest }
