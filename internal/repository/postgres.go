// Package repository содержит реализации хранилища покупок.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/mpcheckout/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrPurchaseNotFound возвращается, если покупка не найдена.
var ErrPurchaseNotFound = errors.New("purchase not found")

// PostgresRepository предоставляет доступ к покупкам в PostgreSQL.
type PostgresRepository struct {
	pool    *pgxpool.Pool
	backoff func() retry.Backoff
}

// NewPostgresRepository создаёт новый репозиторий и применяет миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{
		pool:    pool,
		backoff: defaultBackoff,
	}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func defaultBackoff() retry.Backoff {
	b := retry.NewExponential(100 * time.Millisecond)
	b = retry.WithJitterPercent(20, b)
	return retry.WithMaxRetries(3, b)
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет операцию при конфликте сериализации, дедлоке и обрыве соединения.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, r.backoff(), func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if isRetryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}

	if pgconn.SafeToRetry(err) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreatePurchase создаёт покупку в статусе pending вместе с позициями и возвращает её идентификатор.
func (r *PostgresRepository) CreatePurchase(ctx context.Context, p model.NewPurchase) (string, error) {
	id := uuid.NewString()

	err := r.withRetry(ctx, func(ctx context.Context) error {
		return r.insertPurchase(ctx, id, p)
	})
	if err != nil {
		return "", err
	}

	return id, nil
}

// insertPurchase повторяемо вставляет покупку: если строка с id уже есть,
// значит предыдущая попытка зафиксировала транзакцию вместе с позициями.
func (r *PostgresRepository) insertPurchase(ctx context.Context, id string, p model.NewPurchase) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO purchases (id, buyer_email, status, currency, total_amount)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO NOTHING`,
		id, p.BuyerEmail, string(model.PurchaseStatusPending), p.Currency, p.TotalAmount.String(),
	)
	if err != nil {
		return fmt.Errorf("insert purchase: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, it := range p.Items {
		batch.Queue(
			`INSERT INTO purchase_items (purchase_id, item_id, title, quantity, unit_price)
			 VALUES ($1, $2, $3, $4, $5)`,
			id, it.ID, it.Title, it.Quantity, it.UnitPrice.String(),
		)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert purchase items: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// UpdatePurchase безусловно заполняет данные предпочтения. Статус не меняет.
func (r *PostgresRepository) UpdatePurchase(ctx context.Context, id string, upd model.PurchaseUpdate) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrPurchaseNotFound
	}

	return r.withRetry(ctx, func(ctx context.Context) error {
		tag, err := r.pool.Exec(ctx,
			`UPDATE purchases
			 SET mp_preference_id = COALESCE($2, mp_preference_id),
			     checkout_url = COALESCE($3, checkout_url),
			     updated_at = now()
			 WHERE id = $1`,
			id, upd.PreferenceID, upd.CheckoutURL,
		)
		if err != nil {
			return fmt.Errorf("update purchase: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrPurchaseNotFound
		}
		return nil
	})
}

// CompareAndSwapStatus атомарно применяет переход, только если текущий статус равен expected.
// Возвращает false без побочных эффектов, если статус уже другой.
func (r *PostgresRepository) CompareAndSwapStatus(ctx context.Context, id string, expected model.PurchaseStatus, tr model.StatusTransition) (bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return false, nil
	}

	var swapped bool
	err := r.withRetry(ctx, func(ctx context.Context) error {
		tag, err := r.pool.Exec(ctx,
			`UPDATE purchases
			 SET status = $3,
			     mp_payment_id = COALESCE(NULLIF($4, ''), mp_payment_id),
			     buyer_email = COALESCE(NULLIF($5, ''), buyer_email),
			     updated_at = now()
			 WHERE id = $1 AND status = $2`,
			id, string(expected), string(tr.Status), tr.PaymentID, tr.BuyerEmail,
		)
		if err != nil {
			return fmt.Errorf("compare and swap status: %w", err)
		}
		swapped = tag.RowsAffected() == 1
		return nil
	})
	if err != nil {
		return false, err
	}

	return swapped, nil
}

const purchaseColumns = `id::text, buyer_email, status, currency, total_amount::text,
	mp_payment_id, mp_preference_id, checkout_url, created_at, updated_at`

func scanPurchase(row pgx.Row) (*model.Purchase, error) {
	var (
		p                                    model.Purchase
		status, total                        string
		paymentID, preferenceID, checkoutURL *string
	)

	err := row.Scan(&p.ID, &p.BuyerEmail, &status, &p.Currency, &total,
		&paymentID, &preferenceID, &checkoutURL, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}

	amount, err := decimal.NewFromString(total)
	if err != nil {
		return nil, fmt.Errorf("parse total amount: %w", err)
	}

	p.Status = model.PurchaseStatus(status)
	p.TotalAmount = amount
	p.PaymentID = deref(paymentID)
	p.PreferenceID = deref(preferenceID)
	p.CheckoutURL = deref(checkoutURL)

	return &p, nil
}

// GetPurchase возвращает покупку вместе с позициями.
func (r *PostgresRepository) GetPurchase(ctx context.Context, id string) (*model.Purchase, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrPurchaseNotFound
	}

	p, err := scanPurchase(r.pool.QueryRow(ctx,
		`SELECT `+purchaseColumns+` FROM purchases WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPurchaseNotFound
		}
		return nil, fmt.Errorf("get purchase: %w", err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT item_id, title, quantity, unit_price::text
		 FROM purchase_items
		 WHERE purchase_id = $1
		 ORDER BY id`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("select purchase items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			it    model.Item
			price string
		)
		if err := rows.Scan(&it.ID, &it.Title, &it.Quantity, &price); err != nil {
			return nil, fmt.Errorf("scan purchase item: %w", err)
		}
		if it.UnitPrice, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("parse unit price: %w", err)
		}
		p.Items = append(p.Items, it)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return p, nil
}

// ListStalePending возвращает покупки в статусе pending, не менявшиеся с момента before.
func (r *PostgresRepository) ListStalePending(ctx context.Context, before time.Time, limit int) ([]model.Purchase, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+purchaseColumns+`
		 FROM purchases
		 WHERE status = $1 AND updated_at < $2
		 ORDER BY updated_at
		 LIMIT $3`,
		string(model.PurchaseStatusPending), before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select stale purchases: %w", err)
	}
	defer rows.Close()

	var res []model.Purchase
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan purchase: %w", err)
		}
		res = append(res, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
