package pg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"grid_bot/internal/models"
	"grid_bot/pkg/db"

	"github.com/jackc/pgx/v5"
)

// Orders implement durable order store
type Orders struct {
	db db.TxManager
}

func NewOrders(tm db.TxManager) *Orders {
	return &Orders{db: tm}
}

// Insert пишет ордер сразу после ack биржи, до размещения следующей ноги.
func (o *Orders) Insert(ctx context.Context, ord *models.Order) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("Orders.Insert: %w", err)
		}
	}()

	return o.db.RunMaster(ctx, func(ctxTx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctxTx, `
			INSERT INTO orders (external_id, client_id, bot_id, symbol, side, price, qty, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (external_id) DO NOTHING`,
			ord.ExternalID, ord.ClientID, ord.BotID, ord.Symbol, ord.Side, ord.Price, ord.Qty, string(ord.Status),
		)
		return err
	})
}

// UpdateStatus возвращает число затронутых строк: 0 означает, что ордер
// ещё не виден (гонка с локальной записью) — вызывающий ретраит.
// Терминальный статус назад не откатывается: повторно доставленное событие
// не перепишет, например, CLOSED_BY_SL_TP обратно в FILLED. Единственный
// разрешённый терминальный переход — FILLED -> CLOSED_BY_SL_TP.
func (o *Orders) UpdateStatus(ctx context.Context, externalID string, status models.OrderStatus) (affected int64, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("Orders.UpdateStatus: %w", err)
		}
	}()

	tag, err := o.db.Conn().Exec(ctx, `
		UPDATE orders SET status = $2, updated_at = now()
		WHERE external_id = $1
		  AND (status NOT IN ('FILLED', 'CANCELED', 'REJECTED', 'CLOSED_BY_SL_TP')
		       OR (status = 'FILLED' AND $2 = 'CLOSED_BY_SL_TP'))`,
		externalID, string(status),
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// GetByExternalID отдаёт (nil, nil), если записи нет.
func (o *Orders) GetByExternalID(ctx context.Context, externalID string) (ord *models.Order, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("Orders.GetByExternalID: %w", err)
		}
	}()

	row := o.db.Conn().QueryRow(ctx, `
		SELECT id, external_id, client_id, bot_id, symbol, side, price, qty, status, created_at, updated_at
		FROM orders WHERE external_id = $1`,
		externalID,
	)
	return scanOrder(row)
}

// OpenBySymbol отдаёт ордера в нетерминальных статусах, свежие первыми.
func (o *Orders) OpenBySymbol(ctx context.Context, botID int64, symbol string) (res []*models.Order, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("Orders.OpenBySymbol: %w", err)
		}
	}()

	rows, err := o.db.Conn().Query(ctx, `
		SELECT id, external_id, client_id, bot_id, symbol, side, price, qty, status, created_at, updated_at
		FROM orders
		WHERE bot_id = $1 AND symbol = $2 AND status IN ('NEW', 'PARTIALLY_FILLED')
		ORDER BY created_at DESC`,
		botID, symbol,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		ord, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ord)
	}
	return res, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var (
		ord       models.Order
		status    string
		createdAt time.Time
		updatedAt time.Time
	)
	err := row.Scan(
		&ord.ID, &ord.ExternalID, &ord.ClientID, &ord.BotID, &ord.Symbol,
		&ord.Side, &ord.Price, &ord.Qty, &status, &createdAt, &updatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ord.Status = models.OrderStatus(status)
	ord.CreatedAt = createdAt
	ord.UpdatedAt = updatedAt
	return &ord, nil
}
