// Package model содержит доменные сущности SMM-панели.
package model

import "time"

// User представляет зарегистрированного пользователя панели.
type User struct {
	ID           int64
	Email        string
	Name         string
	PasswordHash []byte
	Role         Role
	BalanceCents int64
	CreatedAt    time.Time
}

// Role описывает роль пользователя.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// IsAdmin сообщает, обладает ли пользователь административными правами.
func (r Role) IsAdmin() bool { return r == RoleAdmin }

// OrderStatus описывает каноничный статус заказа.
type OrderStatus string

const (
	OrderStatusPending          OrderStatus = "pending"
	OrderStatusProcessing       OrderStatus = "processing"
	OrderStatusCompleted        OrderStatus = "completed"
	OrderStatusPartial          OrderStatus = "partial"
	OrderStatusCanceled         OrderStatus = "canceled"
	OrderStatusRefunded         OrderStatus = "refunded"
	OrderStatusSubmissionFailed OrderStatus = "submission_failed"

	// OrderStatusUnknown возвращается нормализатором для нераспознанных
	// статусов провайдера и никогда не сохраняется в заказе.
	OrderStatusUnknown OrderStatus = "unknown"
)

// IsTerminal сообщает, является ли статус конечным.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusCompleted, OrderStatusCanceled, OrderStatusRefunded:
		return true
	}
	return false
}

// Rank возвращает порядок статуса в жизненном цикле заказа. Чем больше
// значение, тем дальше заказ продвинулся; сверка никогда не понижает Rank.
func (s OrderStatus) Rank() int {
	switch s {
	case OrderStatusPending:
		return 1
	case OrderStatusProcessing:
		return 2
	case OrderStatusPartial:
		return 3
	case OrderStatusCompleted, OrderStatusCanceled, OrderStatusRefunded:
		return 4
	}
	return 0
}

// Order представляет заказ пользователя на SMM-услугу.
type Order struct {
	ID            int64
	UserID        int64
	ServiceID     int64
	Link          string
	Quantity      int
	CostCents     int64
	Status        OrderStatus
	Fingerprint   string
	Components    []OrderComponent
	ReconLog      []ReconLogEntry
	LastError     string
	Refunded      bool
	LockedUntil   *time.Time
	LockedBy      string
	SubmittedAt   *time.Time
	LastCheckedAt *time.Time
	CreatedAt     time.Time
	CompletedAt   *time.Time
}

// ComponentStatus описывает результат отправки компонента провайдеру.
type ComponentStatus string

const (
	ComponentPending   ComponentStatus = "pending"
	ComponentSubmitted ComponentStatus = "submitted"
	ComponentFailed    ComponentStatus = "failed"
	// ComponentAmbiguous означает, что провайдер, возможно, принял заказ,
	// но идентификатор в ответе распознать не удалось.
	ComponentAmbiguous ComponentStatus = "ambiguous"
)

// OrderComponent представляет одну отправку провайдеру в составе заказа.
// Комбо-заказ содержит несколько компонентов, обычный заказ — ровно один.
type OrderComponent struct {
	Provider           string          `json:"provider"`
	ProviderServiceRef string          `json:"provider_service_ref"`
	ProviderOrderID    string          `json:"provider_order_id,omitempty"`
	Status             ComponentStatus `json:"status"`
	SubmittedAt        *time.Time      `json:"submitted_at,omitempty"`
	Error              string          `json:"error,omitempty"`
}

// ReconLogKind описывает тип записи в журнале сверки заказа.
type ReconLogKind string

const (
	ReconLogSubmit          ReconLogKind = "submit"
	ReconLogSubmitFailed    ReconLogKind = "submit_failed"
	ReconLogRetry           ReconLogKind = "retry"
	ReconLogLinkedExisting  ReconLogKind = "linked_existing"
	ReconLogStatusCorrected ReconLogKind = "status_corrected"
	ReconLogComponentFailed ReconLogKind = "component_failed"
	ReconLogManualOverride  ReconLogKind = "manual_override"
	ReconLogEscalated       ReconLogKind = "escalated"
)

// ReconLogEntry представляет запись журнала сверки. Журнал только
// пополняется, прошлые записи не изменяются.
type ReconLogEntry struct {
	Kind      ReconLogKind `json:"kind"`
	Timestamp time.Time    `json:"ts"`
	Detail    string       `json:"detail,omitempty"`
}

// ProviderBinding связывает услугу каталога с услугой провайдера.
type ProviderBinding struct {
	Provider           string `json:"provider"`
	ProviderServiceRef string `json:"provider_service_ref"`
}

// CatalogService описывает услугу каталога панели.
type CatalogService struct {
	ID          int64
	Platform    string
	ServiceType string
	Name        string
	// RateCents — цена за 1000 единиц в центах.
	RateCents   int64
	MinQuantity int
	MaxQuantity int
	Enabled     bool
	// Bindings — упорядоченный список провайдерских услуг, исполняющих
	// заказ. Пустой список означает, что провайдер не настроен.
	Bindings    []ProviderBinding
	Description string
	CreatedAt   time.Time
}

// CostCents возвращает стоимость указанного количества в центах.
func (s CatalogService) CostCents(quantity int) int64 {
	return int64(quantity) * s.RateCents / 1000
}

// GhostOrder представляет заказ, существующий у провайдера, но не имеющий
// локальной записи. Создаётся только детектором, закрывается оператором.
type GhostOrder struct {
	ID                int64
	Provider          string
	ProviderOrderID   string
	Link              string
	Quantity          int
	ChargeCents       int64
	ProviderStatus    string
	ProviderCreatedAt *time.Time
	Resolved          bool
	CreatedAt         time.Time
}

// DepositStatus описывает состояние заявки на пополнение баланса.
type DepositStatus string

const (
	DepositPending  DepositStatus = "pending"
	DepositApproved DepositStatus = "approved"
	DepositRejected DepositStatus = "rejected"
)

// Deposit представляет заявку на ручное пополнение баланса.
type Deposit struct {
	ID          int64
	UserID      int64
	AmountCents int64
	Status      DepositStatus
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// Balance содержит баланс пользователя в валютных единицах.
type Balance struct {
	Current float64 `json:"current"`
}

// Classification описывает категорию результата сверки одного заказа.
type Classification string

const (
	ClassificationOK                   Classification = "OK"
	ClassificationStatusMismatch       Classification = "STATUS_MISMATCH"
	ClassificationMissingProviderOrder Classification = "MISSING_PROVIDER_ORDER"
	ClassificationStuckOrder           Classification = "STUCK_ORDER"
	ClassificationMissingProviderID    Classification = "MISSING_PROVIDER_ID"
	ClassificationCheckFailed          Classification = "CHECK_FAILED"
)

// Finding представляет результат сверки одного заказа.
type Finding struct {
	OrderID        int64
	Classification Classification
	LocalStatus    OrderStatus
	ProviderStatus OrderStatus
	AgeMinutes     int
}

// Event представляет запись системного журнала событий.
type Event struct {
	ID          int64
	Type        string
	Severity    string
	Source      string
	Description string
	Metadata    map[string]any
	EntityType  string
	EntityID    string
	CreatedAt   time.Time
}
