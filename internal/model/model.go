// Package model содержит доменные сущности сервиса оплаты через Checkout Pro.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PurchaseStatus описывает статус покупки.
type PurchaseStatus string

const (
	PurchaseStatusPending  PurchaseStatus = "pending"
	PurchaseStatusApproved PurchaseStatus = "approved"
	PurchaseStatusRejected PurchaseStatus = "rejected"
)

// IsTerminal сообщает, что статус окончательный и покупка больше не меняется.
func (s PurchaseStatus) IsTerminal() bool {
	return s == PurchaseStatusApproved || s == PurchaseStatusRejected
}

// UnknownBuyerEmail записывается вместо адреса покупателя, пока он неизвестен.
// Заменяется адресом плательщика из первого уведомления с окончательным статусом.
const UnknownBuyerEmail = "unknown@checkout.invalid"

// Item описывает позицию корзины.
type Item struct {
	ID        string          `json:"id" validate:"required,max=256"`
	Title     string          `json:"title" validate:"required,max=256"`
	Quantity  int             `json:"quantity" validate:"gt=0,lte=100"`
	UnitPrice decimal.Decimal `json:"unit_price" validate:"price"`
}

// Subtotal возвращает стоимость позиции.
func (i Item) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Total считает сумму корзины без перевода в float.
func Total(items []Item) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.Subtotal())
	}
	return total
}

// Purchase описывает одну попытку оплаты и её сверенный статус.
type Purchase struct {
	ID           string
	BuyerEmail   string
	Status       PurchaseStatus
	Currency     string
	TotalAmount  decimal.Decimal
	PaymentID    string
	PreferenceID string
	CheckoutURL  string
	Items        []Item
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasBuyerEmail сообщает, известен ли адрес покупателя.
func (p *Purchase) HasBuyerEmail() bool {
	return p.BuyerEmail != "" && p.BuyerEmail != UnknownBuyerEmail
}

// NewPurchase содержит данные для создания покупки в статусе pending.
type NewPurchase struct {
	BuyerEmail  string
	Currency    string
	TotalAmount decimal.Decimal
	Items       []Item
}

// PurchaseUpdate содержит поля, которые можно менять без условия.
// Статус сюда не входит: выйти из pending можно только через StatusTransition.
type PurchaseUpdate struct {
	PreferenceID *string
	CheckoutURL  *string
}

// StatusTransition описывает изменение, применяемое условным обновлением.
type StatusTransition struct {
	Status     PurchaseStatus
	PaymentID  string
	BuyerEmail string
}
