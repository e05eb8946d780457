package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/smmpanel-system/internal/model"
	"github.com/mmeshcher/smmpanel-system/internal/repository"
)

type adminUserResponse struct {
	ID        int64   `json:"id"`
	Email     string  `json:"email"`
	Name      string  `json:"name,omitempty"`
	Role      string  `json:"role"`
	Balance   float64 `json:"balance"`
	CreatedAt string  `json:"created_at"`
}

// AdminListUsers возвращает последних зарегистрированных пользователей.
func (h *Handler) AdminListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.service.ListUsers(r.Context(), defaultListLimit)
	if err != nil {
		h.logger.Error("list users error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]adminUserResponse, 0, len(users))
	for _, u := range users {
		resp = append(resp, adminUserResponse{
			ID:        u.ID,
			Email:     u.Email,
			Name:      u.Name,
			Role:      string(u.Role),
			Balance:   float64(u.BalanceCents) / 100,
			CreatedAt: u.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// AdminListOrders возвращает последние заказы всех пользователей.
func (h *Handler) AdminListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.service.ListOrders(r.Context(), defaultListLimit)
	if err != nil {
		h.logger.Error("admin list orders error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for i := range orders {
		resp = append(resp, orderToResponse(&orders[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

// AdminRetryOrder повторяет отправку любого заказа без проверки владельца.
func (h *Handler) AdminRetryOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := parseIDParam(r, "orderID")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.orders.RetryOrder(r.Context(), orderID, nil, "admin")
	if err != nil {
		h.writeOrderError(w, r, err, order)
		return
	}

	writeJSON(w, http.StatusOK, orderToResponse(order))
}

type overrideStatusRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// AdminOverrideStatus принудительно выставляет статус заказа.
func (h *Handler) AdminOverrideStatus(w http.ResponseWriter, r *http.Request) {
	orderID, err := parseIDParam(r, "orderID")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req overrideStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Status == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	err = h.service.OverrideOrderStatus(r.Context(), orderID, model.OrderStatus(req.Status), req.Reason)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		if err.Error() == "unknown order status" {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error("override status error", zap.Error(err), zap.Int64("orderID", orderID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// AdminReconcile запускает проход сверки по требованию и возвращает сводку.
func (h *Handler) AdminReconcile(w http.ResponseWriter, r *http.Request) {
	findings, err := h.reconciler.Sweep(r.Context())
	if err != nil {
		h.logger.Error("manual reconciliation error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	counts := make(map[string]int)
	for _, f := range findings {
		counts[string(f.Classification)]++
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"checked":  len(findings),
		"findings": counts,
	})
}

type ghostResponse struct {
	ID              int64   `json:"id"`
	Provider        string  `json:"provider"`
	ProviderOrderID string  `json:"provider_order_id"`
	Link            string  `json:"link,omitempty"`
	Quantity        int     `json:"quantity,omitempty"`
	Charge          float64 `json:"charge"`
	ProviderStatus  string  `json:"provider_status,omitempty"`
	Resolved        bool    `json:"resolved"`
	CreatedAt       string  `json:"created_at"`
}

// AdminListGhosts возвращает найденные заказы-призраки.
func (h *Handler) AdminListGhosts(w http.ResponseWriter, r *http.Request) {
	includeResolved := r.URL.Query().Get("resolved") == "true"
	ghosts, err := h.service.ListGhostOrders(r.Context(), includeResolved, defaultListLimit)
	if err != nil {
		h.logger.Error("list ghost orders error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]ghostResponse, 0, len(ghosts))
	for _, g := range ghosts {
		resp = append(resp, ghostResponse{
			ID:              g.ID,
			Provider:        g.Provider,
			ProviderOrderID: g.ProviderOrderID,
			Link:            g.Link,
			Quantity:        g.Quantity,
			Charge:          float64(g.ChargeCents) / 100,
			ProviderStatus:  g.ProviderStatus,
			Resolved:        g.Resolved,
			CreatedAt:       g.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// AdminResolveGhost помечает заказ-призрак разобранным.
func (h *Handler) AdminResolveGhost(w http.ResponseWriter, r *http.Request) {
	ghostID, err := parseIDParam(r, "ghostID")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.ResolveGhostOrder(r.Context(), ghostID); err != nil {
		if errors.Is(err, repository.ErrGhostNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("resolve ghost error", zap.Error(err), zap.Int64("ghostID", ghostID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type depositResponse struct {
	ID          int64   `json:"id"`
	UserID      int64   `json:"user_id"`
	Amount      float64 `json:"amount"`
	Status      string  `json:"status"`
	CreatedAt   string  `json:"created_at"`
	ProcessedAt string  `json:"processed_at,omitempty"`
}

// AdminListDeposits возвращает последние заявки на пополнение.
func (h *Handler) AdminListDeposits(w http.ResponseWriter, r *http.Request) {
	deposits, err := h.service.ListDeposits(r.Context(), defaultListLimit)
	if err != nil {
		h.logger.Error("list deposits error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]depositResponse, 0, len(deposits))
	for _, d := range deposits {
		item := depositResponse{
			ID:        d.ID,
			UserID:    d.UserID,
			Amount:    float64(d.AmountCents) / 100,
			Status:    string(d.Status),
			CreatedAt: d.CreatedAt.Format(time.RFC3339),
		}
		if d.ProcessedAt != nil {
			item.ProcessedAt = d.ProcessedAt.Format(time.RFC3339)
		}
		resp = append(resp, item)
	}
	writeJSON(w, http.StatusOK, resp)
}

type processDepositRequest struct {
	Approve bool `json:"approve"`
}

// AdminProcessDeposit одобряет или отклоняет заявку на пополнение.
func (h *Handler) AdminProcessDeposit(w http.ResponseWriter, r *http.Request) {
	depositID, err := parseIDParam(r, "depositID")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req processDepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.ProcessDeposit(r.Context(), depositID, req.Approve); err != nil {
		switch {
		case errors.Is(err, repository.ErrDepositNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, repository.ErrDepositProcessed):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		default:
			h.logger.Error("process deposit error", zap.Error(err), zap.Int64("depositID", depositID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}

type eventResponse struct {
	ID          int64          `json:"id"`
	Type        string         `json:"type"`
	Severity    string         `json:"severity"`
	Source      string         `json:"source"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	EntityType  string         `json:"entity_type,omitempty"`
	EntityID    string         `json:"entity_id,omitempty"`
	CreatedAt   string         `json:"created_at"`
}

// AdminListEvents возвращает последние системные события.
func (h *Handler) AdminListEvents(w http.ResponseWriter, r *http.Request) {
	evts, err := h.service.ListEvents(r.Context(), defaultListLimit)
	if err != nil {
		h.logger.Error("list events error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]eventResponse, 0, len(evts))
	for _, e := range evts {
		resp = append(resp, eventResponse{
			ID:          e.ID,
			Type:        e.Type,
			Severity:    e.Severity,
			Source:      e.Source,
			Description: e.Description,
			Metadata:    e.Metadata,
			EntityType:  e.EntityType,
			EntityID:    e.EntityID,
			CreatedAt:   e.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// AdminStats возвращает сводные счётчики панели.
func (h *Handler) AdminStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		h.logger.Error("stats error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type createServiceRequest struct {
	Platform    string                  `json:"platform"`
	ServiceType string                  `json:"service_type"`
	Name        string                  `json:"name"`
	Rate        float64                 `json:"rate_per_1000"`
	MinQuantity int                     `json:"min_quantity"`
	MaxQuantity int                     `json:"max_quantity"`
	Description string                  `json:"description"`
	Bindings    []model.ProviderBinding `json:"bindings"`
}

// AdminCreateService добавляет услугу в каталог.
func (h *Handler) AdminCreateService(w http.ResponseWriter, r *http.Request) {
	var req createServiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	id, err := h.service.CreateService(r.Context(), model.CatalogService{
		Platform:    req.Platform,
		ServiceType: req.ServiceType,
		Name:        req.Name,
		RateCents:   int64(req.Rate * 100),
		MinQuantity: req.MinQuantity,
		MaxQuantity: req.MaxQuantity,
		Enabled:     true,
		Bindings:    req.Bindings,
		Description: req.Description,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]int64{"service_id": id})
}
