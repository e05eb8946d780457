// Package service реализует бизнес-логику SMM-панели вне размещения
// заказов: пользователей, каталог услуг, баланс и административные
// операции. Размещением и повторами занимается пакет dispatch.
package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"strings"

	"github.com/mmeshcher/smmpanel-system/internal/model"
	"github.com/mmeshcher/smmpanel-system/internal/repository"
)

// ErrInvalidCredentials возвращается при неверной паре email/пароль.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, email, name string, passwordHash []byte, role model.Role) (int64, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	ListUsers(ctx context.Context, limit int) ([]model.User, error)
	GetBalance(ctx context.Context, userID int64) (int64, error)
	CreateService(ctx context.Context, s model.CatalogService) (int64, error)
	GetService(ctx context.Context, id int64) (*model.CatalogService, error)
	ListServices(ctx context.Context, platform string) ([]model.CatalogService, error)
	CreateDeposit(ctx context.Context, userID, amountCents int64) (int64, error)
	ListDeposits(ctx context.Context, limit int) ([]model.Deposit, error)
	ProcessDeposit(ctx context.Context, depositID int64, approve bool) error
	GetOrder(ctx context.Context, orderID int64) (*model.Order, error)
	GetOrdersByUser(ctx context.Context, userID int64, limit int) ([]model.Order, error)
	ListOrders(ctx context.Context, limit int) ([]model.Order, error)
	ManualSetOrderStatus(ctx context.Context, orderID int64, status model.OrderStatus, detail string) error
	ListGhostOrders(ctx context.Context, includeResolved bool, limit int) ([]model.GhostOrder, error)
	ResolveGhostOrder(ctx context.Context, ghostID int64) error
	ListEvents(ctx context.Context, limit int) ([]model.Event, error)
	Stats(ctx context.Context) (map[string]int64, error)
}

// Service содержит бизнес-логику панели.
type Service struct {
	repo Repository
}

// NewService создаёт новый сервис с указанным репозиторием.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового пользователя с ролью user.
func (s *Service) RegisterUser(ctx context.Context, email, name, password string) (int64, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	hashed := hashPassword(email, password)
	return s.repo.CreateUser(ctx, email, name, hashed, model.RoleUser)
}

// AuthenticateUser проверяет email и пароль и возвращает пользователя.
func (s *Service) AuthenticateUser(ctx context.Context, email, password string) (*model.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	u, err := s.repo.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	hashed := hashPassword(email, password)
	if !hmac.Equal(hashed, u.PasswordHash) {
		return nil, ErrInvalidCredentials
	}
	return u, nil
}

func hashPassword(email, password string) []byte {
	sum := sha256.Sum256([]byte(email + ":" + password))
	return sum[:]
}

// GetUser возвращает профиль пользователя.
func (s *Service) GetUser(ctx context.Context, userID int64) (*model.User, error) {
	return s.repo.GetUserByID(ctx, userID)
}

// ListUsers возвращает последних зарегистрированных пользователей.
func (s *Service) ListUsers(ctx context.Context, limit int) ([]model.User, error) {
	return s.repo.ListUsers(ctx, limit)
}

// GetBalance возвращает баланс пользователя в виде структуры model.Balance.
func (s *Service) GetBalance(ctx context.Context, userID int64) (*model.Balance, error) {
	current, err := s.repo.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &model.Balance{Current: float64(current) / 100}, nil
}

// RequestDeposit создаёт заявку на пополнение баланса. Зачисление
// происходит только после одобрения оператором.
func (s *Service) RequestDeposit(ctx context.Context, userID int64, amount float64) (int64, error) {
	amountCents := int64(amount * 100)
	if amountCents <= 0 {
		return 0, errors.New("deposit amount must be positive")
	}
	return s.repo.CreateDeposit(ctx, userID, amountCents)
}

// ListDeposits возвращает последние заявки на пополнение.
func (s *Service) ListDeposits(ctx context.Context, limit int) ([]model.Deposit, error) {
	return s.repo.ListDeposits(ctx, limit)
}

// ProcessDeposit одобряет или отклоняет заявку на пополнение.
func (s *Service) ProcessDeposit(ctx context.Context, depositID int64, approve bool) error {
	return s.repo.ProcessDeposit(ctx, depositID, approve)
}

// ListServices возвращает услуги каталога, при необходимости по платформе.
func (s *Service) ListServices(ctx context.Context, platform string) ([]model.CatalogService, error) {
	return s.repo.ListServices(ctx, platform)
}

// CreateService добавляет услугу в каталог.
func (s *Service) CreateService(ctx context.Context, svc model.CatalogService) (int64, error) {
	if svc.Name == "" || svc.Platform == "" {
		return 0, errors.New("service name and platform are required")
	}
	if svc.RateCents <= 0 {
		return 0, errors.New("service rate must be positive")
	}
	if svc.MinQuantity <= 0 || svc.MaxQuantity < svc.MinQuantity {
		return 0, errors.New("invalid quantity bounds")
	}
	return s.repo.CreateService(ctx, svc)
}

// GetUserOrder возвращает заказ пользователя. Чужие заказы неотличимы от
// несуществующих.
func (s *Service) GetUserOrder(ctx context.Context, userID, orderID int64) (*model.Order, error) {
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, repository.ErrOrderNotFound
	}
	return order, nil
}

// GetOrdersByUser возвращает последние заказы пользователя.
func (s *Service) GetOrdersByUser(ctx context.Context, userID int64, limit int) ([]model.Order, error) {
	return s.repo.GetOrdersByUser(ctx, userID, limit)
}

// ListOrders возвращает последние заказы всех пользователей.
func (s *Service) ListOrders(ctx context.Context, limit int) ([]model.Order, error) {
	return s.repo.ListOrders(ctx, limit)
}

// OverrideOrderStatus принудительно выставляет статус заказа. В отличие
// от сверки, монотонная защита здесь не действует: это ручное решение
// оператора, и оно фиксируется в журнале заказа.
func (s *Service) OverrideOrderStatus(ctx context.Context, orderID int64, status model.OrderStatus, reason string) error {
	switch status {
	case model.OrderStatusPending, model.OrderStatusProcessing, model.OrderStatusCompleted,
		model.OrderStatusPartial, model.OrderStatusCanceled, model.OrderStatusRefunded,
		model.OrderStatusSubmissionFailed:
	default:
		return errors.New("unknown order status")
	}
	return s.repo.ManualSetOrderStatus(ctx, orderID, status, reason)
}

// ListGhostOrders возвращает найденные заказы-призраки.
func (s *Service) ListGhostOrders(ctx context.Context, includeResolved bool, limit int) ([]model.GhostOrder, error) {
	return s.repo.ListGhostOrders(ctx, includeResolved, limit)
}

// ResolveGhostOrder помечает заказ-призрак разобранным.
func (s *Service) ResolveGhostOrder(ctx context.Context, ghostID int64) error {
	return s.repo.ResolveGhostOrder(ctx, ghostID)
}

// ListEvents возвращает последние системные события.
func (s *Service) ListEvents(ctx context.Context, limit int) ([]model.Event, error) {
	return s.repo.ListEvents(ctx, limit)
}

// Stats возвращает сводные счётчики панели.
func (s *Service) Stats(ctx context.Context) (map[string]int64, error) {
	return s.repo.Stats(ctx)
}
