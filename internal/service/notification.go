package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/mmeshcher/mpcheckout/internal/mercadopago"
	"github.com/mmeshcher/mpcheckout/internal/model"
	"github.com/mmeshcher/mpcheckout/internal/repository"
	"github.com/mmeshcher/mpcheckout/internal/signature"
)

const eventTypePayment = "payment"

var paymentActions = map[string]struct{}{
	"payment.created": {},
	"payment.updated": {},
}

// Notification содержит уведомление MercadoPago в исходном виде.
type Notification struct {
	Body   []byte
	Header http.Header
	Query  url.Values
}

type notificationBody struct {
	Type   string `json:"type"`
	Action string `json:"action"`
	Data   struct {
		ID flexibleID `json:"id"`
	} `json:"data"`
}

// flexibleID принимает идентификатор и строкой, и числом.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexibleID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("data.id: %w", err)
	}
	*f = flexibleID(n.String())
	return nil
}

// HandleNotification проверяет подпись уведомления и сверяет платёж с покупкой.
//
// Ошибку возвращают только отказ в проверке подписи (ErrAuthentication) и
// расхождение суммы (ErrAmountMismatch). Остальные сбои записываются в журнал,
// а уведомление считается принятым, чтобы MercadoPago не повторял его бесконечно.
func (s *Service) HandleNotification(ctx context.Context, n Notification) error {
	var body notificationBody
	bodyErr := json.Unmarshal(n.Body, &body)

	dataID := n.Query.Get("data.id")
	if dataID == "" {
		dataID = string(body.Data.ID)
	}

	verified, err := s.verifier.Verify(
		n.Header.Get(signature.HeaderSignature),
		n.Header.Get(signature.HeaderRequestID),
		dataID,
	)
	if err != nil {
		s.logger.Warn("notification rejected",
			zap.String("data_id", dataID),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %w", ErrAuthentication, err)
	}
	if !verified {
		s.logger.Warn("webhook secret is not configured, notification accepted unverified",
			zap.String("data_id", dataID),
		)
	}

	if bodyErr != nil {
		s.logger.Warn("malformed notification body", zap.Error(bodyErr))
		return nil
	}

	eventType := body.Type
	if eventType == "" {
		eventType = n.Query.Get("type")
	}
	if !isPaymentEvent(eventType, body.Action) {
		s.logger.Debug("notification ignored",
			zap.String("type", eventType),
			zap.String("action", body.Action),
		)
		return nil
	}

	if dataID == "" {
		s.logger.Warn("payment notification without data.id")
		return nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
	payment, err := s.gateway.GetPayment(fetchCtx, dataID)
	cancel()
	if err != nil {
		s.logger.Error("fetch payment failed",
			zap.String("payment_id", dataID),
			zap.Error(err),
		)
		return nil
	}

	return s.applyPayment(ctx, payment)
}

func isPaymentEvent(eventType, action string) bool {
	if eventType == eventTypePayment {
		return true
	}
	_, ok := paymentActions[action]
	return ok
}

// applyPayment переводит покупку из pending по данным платежа.
// Возвращает только ErrAmountMismatch, остальные сбои пишет в журнал.
func (s *Service) applyPayment(ctx context.Context, payment *mercadopago.Payment) error {
	paymentID := payment.ID.String()
	log := s.logger.With(
		zap.String("payment_id", paymentID),
		zap.String("purchase_id", payment.ExternalReference),
	)

	if payment.ExternalReference == "" {
		log.Info("payment has no external reference")
		return nil
	}

	purchase, err := s.store.GetPurchase(ctx, payment.ExternalReference)
	if err != nil {
		if errors.Is(err, repository.ErrPurchaseNotFound) {
			log.Info("payment refers to unknown purchase")
			return nil
		}
		log.Error("load purchase failed", zap.Error(err))
		return nil
	}

	if !amountMatches(purchase, payment) {
		log.Warn("payment amount mismatch",
			zap.String("expected", purchase.TotalAmount.String()+" "+purchase.Currency),
			zap.String("got", payment.TransactionAmount.String()+" "+payment.CurrencyID),
		)
		return fmt.Errorf("%w: purchase %s expects %s %s, payment %s carries %s %s",
			ErrAmountMismatch, purchase.ID,
			purchase.TotalAmount.String(), purchase.Currency,
			paymentID, payment.TransactionAmount.String(), payment.CurrencyID,
		)
	}

	status, ok := mapPaymentStatus(payment.Status)
	if !ok {
		log.Debug("payment not final yet", zap.String("status", payment.Status))
		return nil
	}

	tr := model.StatusTransition{
		Status:    status,
		PaymentID: paymentID,
	}
	if !purchase.HasBuyerEmail() {
		tr.BuyerEmail = payment.Payer.Email
	}

	swapped, err := s.store.CompareAndSwapStatus(ctx, purchase.ID, model.PurchaseStatusPending, tr)
	if err != nil {
		log.Error("status transition failed", zap.Error(err))
		return nil
	}
	if !swapped {
		log.Debug("purchase already reconciled", zap.String("status", string(purchase.Status)))
		return nil
	}

	log.Info("purchase reconciled", zap.String("status", string(status)))
	return nil
}

// amountMatches сравнивает суммы как десятичные числа, без перевода в float.
// Платёж в другой валюте считается расхождением суммы.
func amountMatches(p *model.Purchase, payment *mercadopago.Payment) bool {
	if payment.CurrencyID != "" && !strings.EqualFold(payment.CurrencyID, p.Currency) {
		return false
	}
	return p.TotalAmount.Equal(payment.TransactionAmount)
}

// mapPaymentStatus возвращает false для промежуточных статусов платежа.
func mapPaymentStatus(status string) (model.PurchaseStatus, bool) {
	switch status {
	case "approved":
		return model.PurchaseStatusApproved, true
	case "rejected", "cancelled", "refunded", "charged_back":
		return model.PurchaseStatusRejected, true
	default:
		return model.PurchaseStatusPending, false
	}
}
