package service

import "errors"

var (
	// ErrAmountExceedsLimit возвращается, если сумма корзины выше потолка для валюты.
	ErrAmountExceedsLimit = errors.New("amount exceeds limit")
	// ErrUnsafeRedirectScheme возвращается, если базовый адрес сервиса не http/https.
	ErrUnsafeRedirectScheme = errors.New("unsafe redirect scheme")
	// ErrUpstreamUnavailable возвращается, если MercadoPago не создал сессию оплаты.
	ErrUpstreamUnavailable = errors.New("payment provider unavailable")
	// ErrAuthentication возвращается, если подпись уведомления не прошла проверку.
	ErrAuthentication = errors.New("notification authentication failed")
	// ErrAmountMismatch возвращается, если сумма платежа не совпала с суммой покупки.
	ErrAmountMismatch = errors.New("payment amount does not match purchase")
	// ErrNotFound возвращается, если покупка не найдена.
	ErrNotFound = errors.New("purchase not found")
	// ErrPurchaseClosed возвращается при попытке продолжить оплату завершённой покупки.
	ErrPurchaseClosed = errors.New("purchase is already closed")
)
