package pg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"grid_bot/internal/models"
	"grid_bot/pkg/db"
	"grid_bot/pkg/logger"

	"github.com/bytedance/sonic"
	"github.com/jackc/pgx/v5"
)

// Locks — персистентный координатор position-локов. Вся атомарность держится
// на частичном уникальном индексе trading_locks_active_uniq: два конкурентных
// Create не могут оба увидеть "лока нет" и оба вставить строку.
type Locks struct {
	db db.TxManager
}

func NewLocks(tm db.TxManager) *Locks {
	return &Locks{db: tm}
}

// HasActive при ошибке стора отвечает "занято": блокировать мутации грида
// дешевле, чем задвоить ордера. Ошибка логируется, синхронно не ретраится.
func (l *Locks) HasActive(ctx context.Context, botID int64, symbol string) (bool, error) {
	var one int
	err := l.db.Conn().QueryRow(ctx, `
		SELECT 1 FROM trading_locks
		WHERE bot_id = $1 AND symbol = $2 AND lock_type = $3 AND status = 'ACTIVE'`,
		botID, symbol, models.LockTypePositionOpen,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		logger.Error("Locks.HasActive: store unreachable, fail closed: %v", err)
		return true, fmt.Errorf("Locks.HasActive: %w", err)
	}
	return true, nil
}

// Create возвращает false, если ACTIVE лок уже существует (проиграна гонка).
func (l *Locks) Create(ctx context.Context, lock *models.TradingLock) (created bool, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("Locks.Create: %w", err)
		}
	}()

	meta, err := sonic.Marshal(lock.Metadata)
	if err != nil {
		return false, err
	}

	err = l.db.RunMaster(ctx, func(ctxTx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(ctxTx, `
			INSERT INTO trading_locks (bot_id, symbol, lock_type, status, reason, position_id, metadata)
			VALUES ($1, $2, $3, 'ACTIVE', $4, $5, $6)
			ON CONFLICT (bot_id, symbol, lock_type) WHERE status = 'ACTIVE' DO NOTHING`,
			lock.BotID, lock.Symbol, models.LockTypePositionOpen, lock.Reason, lock.PositionID, meta,
		)
		if err != nil {
			return err
		}
		created = tag.RowsAffected() == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

// UpdateMetadata перезаписывает metadata активного лока (например, дописывает
// closureOrderId). Возвращает число затронутых строк.
func (l *Locks) UpdateMetadata(ctx context.Context, botID int64, symbol string, meta models.LockMetadata) (affected int64, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("Locks.UpdateMetadata: %w", err)
		}
	}()

	data, err := sonic.Marshal(meta)
	if err != nil {
		return 0, err
	}

	tag, err := l.db.Conn().Exec(ctx, `
		UPDATE trading_locks SET metadata = $4
		WHERE bot_id = $1 AND symbol = $2 AND lock_type = $3 AND status = 'ACTIVE'`,
		botID, symbol, models.LockTypePositionOpen, data,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Release переводит ACTIVE -> RELEASED. false = активного лока не было.
func (l *Locks) Release(ctx context.Context, botID int64, symbol string) (released bool, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("Locks.Release: %w", err)
		}
	}()

	tag, err := l.db.Conn().Exec(ctx, `
		UPDATE trading_locks SET status = 'RELEASED', unlock_at = now()
		WHERE bot_id = $1 AND symbol = $2 AND lock_type = $3 AND status = 'ACTIVE'`,
		botID, symbol, models.LockTypePositionOpen,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Get отдаёт активный лок либо (nil, nil), когда его нет.
func (l *Locks) Get(ctx context.Context, botID int64, symbol string) (lock *models.TradingLock, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("Locks.Get: %w", err)
		}
	}()

	var (
		res      models.TradingLock
		status   string
		meta     []byte
		unlockAt *time.Time
	)
	err = l.db.Conn().QueryRow(ctx, `
		SELECT id, bot_id, symbol, lock_type, status, reason, position_id, metadata, created_at, unlock_at
		FROM trading_locks
		WHERE bot_id = $1 AND symbol = $2 AND lock_type = $3 AND status = 'ACTIVE'`,
		botID, symbol, models.LockTypePositionOpen,
	).Scan(
		&res.ID, &res.BotID, &res.Symbol, &res.LockType, &status,
		&res.Reason, &res.PositionID, &meta, &res.CreatedAt, &unlockAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	res.Status = models.LockStatus(status)
	res.UnlockAt = unlockAt
	if len(meta) > 0 {
		if err := sonic.Unmarshal(meta, &res.Metadata); err != nil {
			return nil, err
		}
	}
	return &res, nil
}

// ForceRelease — административный рубильник: снимает лок без подтверждения
// закрывающего ордера. В штатной работе не используется.
func (l *Locks) ForceRelease(ctx context.Context, botID int64, symbol, reason string) (bool, error) {
	tag, err := l.db.Conn().Exec(ctx, `
		UPDATE trading_locks SET status = 'RELEASED', unlock_at = now(), reason = $4
		WHERE bot_id = $1 AND symbol = $2 AND lock_type = $3 AND status = 'ACTIVE'`,
		botID, symbol, models.LockTypePositionOpen, reason,
	)
	if err != nil {
		return false, fmt.Errorf("Locks.ForceRelease: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
