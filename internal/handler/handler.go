// Package handler содержит HTTP-обработчики API сервиса оплаты.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/mpcheckout/internal/model"
	"github.com/mmeshcher/mpcheckout/internal/service"
	"github.com/mmeshcher/mpcheckout/internal/validation"
)

const maxNotificationBytes = 1 << 20

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CreateCheckout(ctx context.Context, req service.CheckoutRequest) (*service.CheckoutResult, error)
	HandleNotification(ctx context.Context, n service.Notification) error
	GetStatus(ctx context.Context, id string) (*model.Purchase, error)
}

// Handler реализует HTTP-обработчики API сервиса оплаты.
type Handler struct {
	service Service
	logger  *zap.Logger
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger) *Handler {
	return &Handler{
		service: s,
		logger:  logger,
	}
}

type checkoutResponse struct {
	PurchaseID  string `json:"purchase_id"`
	RedirectURL string `json:"redirect_url"`
}

type errorResponse struct {
	Error      string            `json:"error"`
	Fields     map[string]string `json:"fields,omitempty"`
	PurchaseID string            `json:"purchase_id,omitempty"`
}

// CreateCheckout создаёт покупку и возвращает адрес страницы оплаты.
func (h *Handler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	var req service.CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	res, err := h.service.CreateCheckout(r.Context(), req)
	if err != nil {
		var verr *validation.Error
		switch {
		case errors.As(err, &verr):
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "validation failed", Fields: verr.Fields})
		case errors.Is(err, service.ErrNotFound):
			writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		case errors.Is(err, service.ErrPurchaseClosed):
			writeJSON(w, http.StatusConflict, errorResponse{Error: service.ErrPurchaseClosed.Error()})
		case errors.Is(err, service.ErrAmountExceedsLimit):
			writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
		case errors.Is(err, service.ErrUpstreamUnavailable):
			resp := errorResponse{Error: service.ErrUpstreamUnavailable.Error()}
			if res != nil {
				resp.PurchaseID = res.PurchaseID
			}
			writeJSON(w, http.StatusBadGateway, resp)
		case errors.Is(err, service.ErrUnsafeRedirectScheme):
			h.logger.Error("checkout misconfigured", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: service.ErrUnsafeRedirectScheme.Error()})
		default:
			h.logger.Error("create checkout error", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: http.StatusText(http.StatusInternalServerError)})
		}
		return
	}

	writeJSON(w, http.StatusCreated, checkoutResponse{
		PurchaseID:  res.PurchaseID,
		RedirectURL: res.RedirectURL,
	})
}

// Notification принимает уведомление MercadoPago.
func (h *Handler) Notification(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxNotificationBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	err = h.service.HandleNotification(r.Context(), service.Notification{
		Body:   body,
		Header: r.Header,
		Query:  r.URL.Query(),
	})
	switch {
	case err == nil:
	case errors.Is(err, service.ErrAuthentication):
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: http.StatusText(http.StatusUnauthorized)})
		return
	case errors.Is(err, service.ErrAmountMismatch):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: service.ErrAmountMismatch.Error()})
		return
	default:
		h.logger.Error("notification error", zap.Error(err))
	}

	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// WebhookHealth отвечает на проверку доступности адреса уведомлений.
func (h *Handler) WebhookHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// GetStatus возвращает текущий статус покупки.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	p, err := h.service.GetStatus(r.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: service.ErrNotFound.Error()})
			return
		}
		h.logger.Error("get status error", zap.Error(err), zap.String("purchase_id", id))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: http.StatusText(http.StatusInternalServerError)})
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		ID:     p.ID,
		Status: string(p.Status),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
