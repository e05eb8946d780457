// Package handler содержит HTTP-обработчики API SMM-панели.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/smmpanel-system/internal/dispatch"
	"github.com/mmeshcher/smmpanel-system/internal/middleware"
	"github.com/mmeshcher/smmpanel-system/internal/model"
	"github.com/mmeshcher/smmpanel-system/internal/repository"
	"github.com/mmeshcher/smmpanel-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, email, name, password string) (int64, error)
	AuthenticateUser(ctx context.Context, email, password string) (*model.User, error)
	GetUser(ctx context.Context, userID int64) (*model.User, error)
	ListUsers(ctx context.Context, limit int) ([]model.User, error)
	GetBalance(ctx context.Context, userID int64) (*model.Balance, error)
	RequestDeposit(ctx context.Context, userID int64, amount float64) (int64, error)
	ListDeposits(ctx context.Context, limit int) ([]model.Deposit, error)
	ProcessDeposit(ctx context.Context, depositID int64, approve bool) error
	ListServices(ctx context.Context, platform string) ([]model.CatalogService, error)
	CreateService(ctx context.Context, svc model.CatalogService) (int64, error)
	GetUserOrder(ctx context.Context, userID, orderID int64) (*model.Order, error)
	GetOrdersByUser(ctx context.Context, userID int64, limit int) ([]model.Order, error)
	ListOrders(ctx context.Context, limit int) ([]model.Order, error)
	OverrideOrderStatus(ctx context.Context, orderID int64, status model.OrderStatus, reason string) error
	ListGhostOrders(ctx context.Context, includeResolved bool, limit int) ([]model.GhostOrder, error)
	ResolveGhostOrder(ctx context.Context, ghostID int64) error
	ListEvents(ctx context.Context, limit int) ([]model.Event, error)
	Stats(ctx context.Context) (map[string]int64, error)
}

// Orders определяет контракт размещения и повтора заказов.
type Orders interface {
	CreateOrder(ctx context.Context, userID, serviceID int64, link string, quantity int, comment string) (*model.Order, error)
	RetryOrder(ctx context.Context, orderID int64, ownerUserID *int64, lockedBy string) (*model.Order, error)
}

// Reconciler запускает проход сверки по требованию оператора.
type Reconciler interface {
	Sweep(ctx context.Context) ([]model.Finding, error)
}

// defaultListLimit ограничивает размер списочных ответов API.
const defaultListLimit = 100

// Handler реализует HTTP-обработчики API панели.
type Handler struct {
	service        Service
	orders         Orders
	reconciler     Reconciler
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, orders Orders, reconciler Reconciler, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		orders:         orders,
		reconciler:     reconciler,
		logger:         logger,
		authMiddleware: auth,
	}
}

type registerRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Email == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Email, req.Name, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("register user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{Token: h.authMiddleware.IssueToken(userID, model.RoleUser)})
}

// Login выполняет аутентификацию пользователя и выдаёт токен.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Email == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	user, err := h.service.AuthenticateUser(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{Token: h.authMiddleware.IssueToken(user.ID, user.Role)})
}

type userResponse struct {
	ID      int64   `json:"id"`
	Email   string  `json:"email"`
	Name    string  `json:"name,omitempty"`
	Role    string  `json:"role"`
	Balance float64 `json:"balance"`
}

// Me возвращает профиль текущего пользователя.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	user, err := h.service.GetUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("get user error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, userResponse{
		ID:      user.ID,
		Email:   user.Email,
		Name:    user.Name,
		Role:    string(user.Role),
		Balance: float64(user.BalanceCents) / 100,
	})
}

type serviceResponse struct {
	ID          int64   `json:"id"`
	Platform    string  `json:"platform"`
	ServiceType string  `json:"service_type"`
	Name        string  `json:"name"`
	Rate        float64 `json:"rate_per_1000"`
	MinQuantity int     `json:"min_quantity"`
	MaxQuantity int     `json:"max_quantity"`
	Description string  `json:"description,omitempty"`
}

// ListServices возвращает каталог услуг, опционально по платформе.
func (h *Handler) ListServices(w http.ResponseWriter, r *http.Request) {
	services, err := h.service.ListServices(r.Context(), r.URL.Query().Get("platform"))
	if err != nil {
		h.logger.Error("list services error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]serviceResponse, 0, len(services))
	for _, s := range services {
		if !s.Enabled {
			continue
		}
		resp = append(resp, serviceResponse{
			ID:          s.ID,
			Platform:    s.Platform,
			ServiceType: s.ServiceType,
			Name:        s.Name,
			Rate:        float64(s.RateCents) / 100,
			MinQuantity: s.MinQuantity,
			MaxQuantity: s.MaxQuantity,
			Description: s.Description,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type createOrderRequest struct {
	ServiceID int64  `json:"service_id"`
	Link      string `json:"link"`
	Quantity  int    `json:"quantity"`
	Comment   string `json:"comment,omitempty"`
}

type componentResponse struct {
	Provider        string `json:"provider"`
	ProviderOrderID string `json:"provider_order_id,omitempty"`
	Status          string `json:"status"`
	Error           string `json:"error,omitempty"`
}

type orderResponse struct {
	ID         int64               `json:"id"`
	ServiceID  int64               `json:"service_id"`
	Link       string              `json:"link"`
	Quantity   int                 `json:"quantity"`
	Cost       float64             `json:"cost"`
	Status     string              `json:"status"`
	Refunded   bool                `json:"refunded,omitempty"`
	LastError  string              `json:"last_error,omitempty"`
	Components []componentResponse `json:"components,omitempty"`
	CreatedAt  string              `json:"created_at"`
}

func orderToResponse(o *model.Order) orderResponse {
	resp := orderResponse{
		ID:        o.ID,
		ServiceID: o.ServiceID,
		Link:      o.Link,
		Quantity:  o.Quantity,
		Cost:      float64(o.CostCents) / 100,
		Status:    string(o.Status),
		Refunded:  o.Refunded,
		LastError: o.LastError,
		CreatedAt: o.CreatedAt.Format(time.RFC3339),
	}
	for _, c := range o.Components {
		resp.Components = append(resp.Components, componentResponse{
			Provider:        c.Provider,
			ProviderOrderID: c.ProviderOrderID,
			Status:          string(c.Status),
			Error:           c.Error,
		})
	}
	return resp
}

// CreateOrder размещает новый заказ текущего пользователя.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.orders.CreateOrder(r.Context(), userID, req.ServiceID, req.Link, req.Quantity, req.Comment)
	if err != nil {
		h.writeOrderError(w, r, err, order)
		return
	}

	writeJSON(w, http.StatusCreated, orderToResponse(order))
}

// GetOrders возвращает список заказов текущего пользователя.
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orders, err := h.service.GetOrdersByUser(r.Context(), userID, defaultListLimit)
	if err != nil {
		h.logger.Error("get orders error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for i := range orders {
		resp = append(resp, orderToResponse(&orders[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetOrder возвращает один заказ текущего пользователя.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orderID, err := parseIDParam(r, "orderID")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.service.GetUserOrder(r.Context(), userID, orderID)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get order error", zap.Error(err), zap.Int64("orderID", orderID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, orderToResponse(order))
}

// RetryOrder повторяет отправку заказа текущего пользователя.
func (h *Handler) RetryOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orderID, err := parseIDParam(r, "orderID")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.orders.RetryOrder(r.Context(), orderID, &userID, "user:"+strconv.FormatInt(userID, 10))
	if err != nil {
		h.writeOrderError(w, r, err, order)
		return
	}

	writeJSON(w, http.StatusOK, orderToResponse(order))
}

// GetBalance возвращает баланс текущего пользователя.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	balance, err := h.service.GetBalance(r.Context(), userID)
	if err != nil {
		h.logger.Error("get balance error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, balance)
}

type depositRequest struct {
	Amount float64 `json:"amount"`
}

// RequestDeposit создаёт заявку на пополнение баланса.
func (h *Handler) RequestDeposit(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if req.Amount <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	depositID, err := h.service.RequestDeposit(r.Context(), userID, req.Amount)
	if err != nil {
		h.logger.Error("request deposit error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]int64{"deposit_id": depositID})
}

// writeOrderError переводит ошибки размещения и повтора заказа в HTTP-коды.
// Порядок проверок важен: ошибка может нести частично обновлённый заказ.
func (h *Handler) writeOrderError(w http.ResponseWriter, r *http.Request, err error, order *model.Order) {
	var dup *dispatch.DuplicateRequestError
	switch {
	case errors.As(err, &dup):
		writeJSON(w, http.StatusConflict, map[string]int64{"existing_order_id": dup.OrderID})
	case errors.Is(err, dispatch.ErrValidation), errors.Is(err, dispatch.ErrNoProvider):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, dispatch.ErrRateLimited):
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
	case errors.Is(err, repository.ErrInsufficientBalance):
		http.Error(w, http.StatusText(http.StatusPaymentRequired), http.StatusPaymentRequired)
	case errors.Is(err, repository.ErrServiceNotFound), errors.Is(err, repository.ErrOrderNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, repository.ErrRetryLocked):
		http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
	case errors.Is(err, repository.ErrNotRetryable):
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
	case errors.Is(err, dispatch.ErrSubmissionFailed):
		// Заказ создан, но ни один провайдер его не принял.
		if order != nil {
			writeJSON(w, http.StatusBadGateway, orderToResponse(order))
			return
		}
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
	default:
		h.logger.Error("order operation error", zap.Error(err), zap.String("path", r.URL.Path))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func parseIDParam(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
