package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/mpcheckout/internal/mercadopago"
	"github.com/mmeshcher/mpcheckout/internal/model"
	"github.com/mmeshcher/mpcheckout/internal/repository"
	"github.com/mmeshcher/mpcheckout/internal/validation"
)

const (
	successPath      = "/payment-success"
	failurePath      = "/payment-failure"
	pendingPath      = "/payment-pending"
	notificationPath = "/api/webhooks/mercadopago"

	autoReturnApproved = "approved"
)

// CheckoutRequest описывает корзину для оплаты. Если задан PurchaseID,
// продолжается оплата уже созданной покупки, а Items и BuyerEmail игнорируются.
type CheckoutRequest struct {
	Items      []model.Item `json:"items" validate:"required,min=1,max=100,dive"`
	BuyerEmail string       `json:"buyer_email" validate:"omitempty,email"`
	PurchaseID string       `json:"purchase_id,omitempty" validate:"-"`
}

// CheckoutResult содержит адрес страницы оплаты и идентификатор покупки.
type CheckoutResult struct {
	PurchaseID  string
	RedirectURL string
}

// CreateCheckout создаёт покупку в статусе pending и сессию Checkout Pro для неё.
//
// При ошибке MercadoPago возвращается ErrUpstreamUnavailable вместе с
// результатом, в котором заполнен PurchaseID: покупка остаётся в pending, и
// клиент может повторить запрос с этим идентификатором.
func (s *Service) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	if req.PurchaseID != "" {
		return s.resumeCheckout(ctx, req.PurchaseID)
	}

	if err := s.validator.Struct(req); err != nil {
		return nil, err
	}

	total := model.Total(req.Items)
	if total.GreaterThan(validation.MaxAmount) {
		return nil, &validation.Error{Fields: map[string]string{
			"items": "total must be at most " + validation.MaxAmount.StringFixed(2),
		}}
	}
	if limit, ok := s.opts.AmountCeilings[s.opts.Currency]; ok && total.GreaterThan(limit) {
		return nil, fmt.Errorf("%w: %s %s is above %s", ErrAmountExceedsLimit, total.StringFixed(2), s.opts.Currency, limit.String())
	}

	if s.baseURLErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsafeRedirectScheme, s.baseURLErr)
	}

	email := req.BuyerEmail
	if email == "" {
		email = model.UnknownBuyerEmail
	}

	id, err := s.store.CreatePurchase(ctx, model.NewPurchase{
		BuyerEmail:  email,
		Currency:    s.opts.Currency,
		TotalAmount: total,
		Items:       req.Items,
	})
	if err != nil {
		return nil, fmt.Errorf("create purchase: %w", err)
	}

	return s.issuePreference(ctx, &model.Purchase{
		ID:          id,
		BuyerEmail:  email,
		Currency:    s.opts.Currency,
		TotalAmount: total,
		Items:       req.Items,
	})
}

func (s *Service) resumeCheckout(ctx context.Context, id string) (*CheckoutResult, error) {
	p, err := s.store.GetPurchase(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrPurchaseNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get purchase: %w", err)
	}

	if p.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: status %s", ErrPurchaseClosed, p.Status)
	}

	if p.CheckoutURL != "" {
		return &CheckoutResult{PurchaseID: p.ID, RedirectURL: p.CheckoutURL}, nil
	}

	if s.baseURLErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsafeRedirectScheme, s.baseURLErr)
	}

	return s.issuePreference(ctx, p)
}

// issuePreference запрашивает сессию с ключом идемпотентности, равным
// идентификатору покупки, поэтому повтор для той же покупки не создаёт вторую сессию.
func (s *Service) issuePreference(ctx context.Context, p *model.Purchase) (*CheckoutResult, error) {
	res := &CheckoutResult{PurchaseID: p.ID}

	pref, err := s.gateway.CreatePreference(ctx, s.preferenceRequest(p), p.ID)
	if err != nil {
		s.logger.Error("create preference failed",
			zap.String("purchase_id", p.ID),
			zap.Error(err),
		)
		return res, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}

	redirect := pref.InitPoint
	if s.opts.Sandbox && pref.SandboxInitPoint != "" {
		redirect = pref.SandboxInitPoint
	}
	if redirect == "" {
		return res, fmt.Errorf("%w: preference %s has no checkout url", ErrUpstreamUnavailable, pref.ID)
	}

	err = s.store.UpdatePurchase(ctx, p.ID, model.PurchaseUpdate{
		PreferenceID: &pref.ID,
		CheckoutURL:  &redirect,
	})
	if err != nil {
		// Сессия уже создана, а уведомления сопоставляются по external_reference.
		s.logger.Warn("failed to store preference",
			zap.String("purchase_id", p.ID),
			zap.String("preference_id", pref.ID),
			zap.Error(err),
		)
	}

	s.logger.Info("checkout issued",
		zap.String("purchase_id", p.ID),
		zap.String("preference_id", pref.ID),
		zap.String("amount", p.TotalAmount.StringFixed(2)),
		zap.String("currency", p.Currency),
	)

	res.RedirectURL = redirect
	return res, nil
}

func (s *Service) preferenceRequest(p *model.Purchase) mercadopago.PreferenceRequest {
	items := make([]mercadopago.PreferenceItem, 0, len(p.Items))
	for _, it := range p.Items {
		items = append(items, mercadopago.PreferenceItem{
			ID:         it.ID,
			Title:      it.Title,
			Quantity:   it.Quantity,
			UnitPrice:  json.Number(it.UnitPrice.String()),
			CurrencyID: p.Currency,
		})
	}

	req := mercadopago.PreferenceRequest{
		Items:             items,
		ExternalReference: p.ID,
	}

	if p.HasBuyerEmail() {
		req.Payer = &mercadopago.Payer{Email: p.BuyerEmail}
	}

	if s.baseURL != nil {
		base := s.baseURL.String()
		req.BackURLs = &mercadopago.BackURLs{
			Success: base + successPath,
			Failure: base + failurePath,
			Pending: base + pendingPath,
		}
		req.NotificationURL = base + notificationPath
		if validation.IsSecure(s.baseURL) {
			req.AutoReturn = autoReturnApproved
		}
	}

	return req
}
