package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "github.com/boltdb/bolt"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/mpcheckout/internal/model"
)

const purchasesBucket = "purchases"

// BoltRepository хранит покупки во встроенной базе BoltDB.
//
// Все записи выполняются внутри db.Update, а BoltDB допускает только одну
// пишущую транзакцию одновременно, поэтому проверка статуса и запись в
// CompareAndSwapStatus не разделяются другими записями.
type BoltRepository struct {
	db  *bolt.DB
	now func() time.Time
}

type purchaseRecord struct {
	ID           string          `json:"id"`
	BuyerEmail   string          `json:"buyer_email"`
	Status       string          `json:"status"`
	Currency     string          `json:"currency"`
	TotalAmount  decimal.Decimal `json:"total_amount"`
	PaymentID    string          `json:"mp_payment_id,omitempty"`
	PreferenceID string          `json:"mp_preference_id,omitempty"`
	CheckoutURL  string          `json:"checkout_url,omitempty"`
	Items        []model.Item    `json:"items"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// NewBoltRepository открывает (или создаёт) файл базы и бакет покупок.
func NewBoltRepository(path string) (*BoltRepository, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(purchasesBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}

	return &BoltRepository{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close освобождает файл базы.
func (r *BoltRepository) Close() error {
	return r.db.Close()
}

// CreatePurchase создаёт покупку в статусе pending и возвращает её идентификатор.
func (r *BoltRepository) CreatePurchase(ctx context.Context, p model.NewPurchase) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	now := r.now()
	rec := purchaseRecord{
		ID:          uuid.NewString(),
		BuyerEmail:  p.BuyerEmail,
		Status:      string(model.PurchaseStatusPending),
		Currency:    p.Currency,
		TotalAmount: p.TotalAmount,
		Items:       p.Items,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := r.db.Update(func(tx *bolt.Tx) error {
		return put(tx.Bucket([]byte(purchasesBucket)), &rec)
	})
	if err != nil {
		return "", fmt.Errorf("insert purchase: %w", err)
	}

	return rec.ID, nil
}

// UpdatePurchase безусловно заполняет данные предпочтения.
func (r *BoltRepository) UpdatePurchase(ctx context.Context, id string, upd model.PurchaseUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(purchasesBucket))

		rec, err := get(b, id)
		if err != nil {
			return err
		}

		if upd.PreferenceID != nil {
			rec.PreferenceID = *upd.PreferenceID
		}
		if upd.CheckoutURL != nil {
			rec.CheckoutURL = *upd.CheckoutURL
		}
		rec.UpdatedAt = r.now()

		return put(b, rec)
	})
}

// CompareAndSwapStatus применяет переход, только если текущий статус равен expected.
func (r *BoltRepository) CompareAndSwapStatus(ctx context.Context, id string, expected model.PurchaseStatus, tr model.StatusTransition) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	swapped := false
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(purchasesBucket))

		rec, err := get(b, id)
		if err != nil {
			if err == ErrPurchaseNotFound {
				return nil
			}
			return err
		}

		if rec.Status != string(expected) {
			return nil
		}

		rec.Status = string(tr.Status)
		if tr.PaymentID != "" {
			rec.PaymentID = tr.PaymentID
		}
		if tr.BuyerEmail != "" {
			rec.BuyerEmail = tr.BuyerEmail
		}
		rec.UpdatedAt = r.now()

		swapped = true
		return put(b, rec)
	})
	if err != nil {
		return false, fmt.Errorf("compare and swap status: %w", err)
	}

	return swapped, nil
}

// GetPurchase возвращает покупку по идентификатору.
func (r *BoltRepository) GetPurchase(ctx context.Context, id string) (*model.Purchase, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var p *model.Purchase
	err := r.db.View(func(tx *bolt.Tx) error {
		rec, err := get(tx.Bucket([]byte(purchasesBucket)), id)
		if err != nil {
			return err
		}
		p = rec.toModel()
		return nil
	})
	if err != nil {
		return nil, err
	}

	return p, nil
}

// ListStalePending возвращает покупки в статусе pending, не менявшиеся с момента before.
func (r *BoltRepository) ListStalePending(ctx context.Context, before time.Time, limit int) ([]model.Purchase, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var res []model.Purchase
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(purchasesBucket)).ForEach(func(_, v []byte) error {
			var rec purchaseRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.Status == string(model.PurchaseStatusPending) && rec.UpdatedAt.Before(before) {
				res = append(res, *rec.toModel())
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("scan purchases: %w", err)
	}

	sort.Slice(res, func(i, j int) bool { return res[i].UpdatedAt.Before(res[j].UpdatedAt) })
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}

	return res, nil
}

func get(b *bolt.Bucket, id string) (*purchaseRecord, error) {
	v := b.Get([]byte(id))
	if v == nil {
		return nil, ErrPurchaseNotFound
	}

	var rec purchaseRecord
	if err := json.NewDecoder(bytes.NewReader(v)).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode purchase: %w", err)
	}
	return &rec, nil
}

func put(b *bolt.Bucket, rec *purchaseRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.Put([]byte(rec.ID), data)
}

func (rec *purchaseRecord) toModel() *model.Purchase {
	return &model.Purchase{
		ID:           rec.ID,
		BuyerEmail:   rec.BuyerEmail,
		Status:       model.PurchaseStatus(rec.Status),
		Currency:     rec.Currency,
		TotalAmount:  rec.TotalAmount,
		PaymentID:    rec.PaymentID,
		PreferenceID: rec.PreferenceID,
		CheckoutURL:  rec.CheckoutURL,
		Items:        rec.Items,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}
}
