// Package service реализует выдачу сессий Checkout Pro и сверку уведомлений об оплате.
package service

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/mpcheckout/internal/mercadopago"
	"github.com/mmeshcher/mpcheckout/internal/model"
	"github.com/mmeshcher/mpcheckout/internal/repository"
	"github.com/mmeshcher/mpcheckout/internal/validation"
)

const defaultFetchTimeout = 800 * time.Millisecond

// Store описывает хранилище покупок, используемое сервисом.
type Store interface {
	Close() error
	CreatePurchase(ctx context.Context, p model.NewPurchase) (string, error)
	UpdatePurchase(ctx context.Context, id string, upd model.PurchaseUpdate) error
	CompareAndSwapStatus(ctx context.Context, id string, expected model.PurchaseStatus, tr model.StatusTransition) (bool, error)
	GetPurchase(ctx context.Context, id string) (*model.Purchase, error)
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]model.Purchase, error)
}

// PaymentGateway описывает обращения к MercadoPago.
type PaymentGateway interface {
	CreatePreference(ctx context.Context, req mercadopago.PreferenceRequest, idempotencyKey string) (*mercadopago.Preference, error)
	GetPayment(ctx context.Context, id string) (*mercadopago.Payment, error)
	FindPaymentByReference(ctx context.Context, reference string) (*mercadopago.Payment, error)
}

// SignatureVerifier проверяет подпись уведомления.
type SignatureVerifier interface {
	Verify(header, requestID, dataID string) (bool, error)
}

// Options содержит настройки сервиса.
type Options struct {
	Currency       string
	AmountCeilings map[string]decimal.Decimal
	BaseURL        string
	Sandbox        bool
	FetchTimeout   time.Duration
	SweepInterval  time.Duration
	SweepAge       time.Duration
}

// Service содержит бизнес-логику оплаты.
type Service struct {
	store     Store
	gateway   PaymentGateway
	verifier  SignatureVerifier
	logger    *zap.Logger
	validator *validation.Validator
	opts      Options

	baseURL    *url.URL
	baseURLErr error

	now func() time.Time
}

// NewService создаёт сервис. Некорректный базовый адрес не мешает запуску:
// выдача сессий будет отклоняться с ErrUnsafeRedirectScheme.
func NewService(store Store, gateway PaymentGateway, verifier SignatureVerifier, logger *zap.Logger, opts Options) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}

	baseURL, err := validation.BaseURL(opts.BaseURL)

	return &Service{
		store:      store,
		gateway:    gateway,
		verifier:   verifier,
		logger:     logger,
		validator:  validation.New(),
		opts:       opts,
		baseURL:    baseURL,
		baseURLErr: err,
		now:        time.Now,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

// GetStatus возвращает покупку для проверки статуса.
func (s *Service) GetStatus(ctx context.Context, id string) (*model.Purchase, error) {
	p, err := s.store.GetPurchase(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrPurchaseNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return p, nil
}
