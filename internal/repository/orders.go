package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/mmeshcher/smmpanel-system/internal/model"
)

// ErrRetryLocked возвращается, когда повтор заказа уже выполняется.
var (
	ErrRetryLocked = errors.New("order retry already in progress")
	// ErrNotRetryable возвращается, если заказ не подлежит повтору.
	ErrNotRetryable = errors.New("order not eligible for retry")
)

// retryableCondition — условие пригодности заказа к повтору: отправка не
// удалась, либо заказ завис до получения идентификатора провайдера.
// Возвращённые заказы повтору не подлежат: резерва средств больше нет.
const retryableCondition = `
	NOT refunded
	AND (
		status = 'submission_failed'
		OR status = 'pending'
		OR (status = 'processing' AND NOT EXISTS (
			SELECT 1 FROM jsonb_array_elements(components) AS c
			WHERE COALESCE(c->>'provider_order_id', '') <> ''
		))
	)`

const orderColumns = `id, user_id, service_id, link, quantity, cost, status, fingerprint,
	components, recon_log, last_error, refunded, locked_until, locked_by,
	submitted_at, last_checked_at, created_at, completed_at`

// ReserveAndCreateOrder атомарно списывает средства и создаёт заказ в
// статусе pending. Строка пользователя блокируется, чтобы параллельные
// заказы не увели баланс в минус.
func (r *PostgresRepository) ReserveAndCreateOrder(ctx context.Context, userID, serviceID int64, link string, quantity int, costCents int64, fingerprint string) (int64, int64, error) {
	var orderID, newBalance int64

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var balance int64
		err = tx.QueryRow(ctx, `SELECT balance FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&balance)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrUserNotFound
			}
			return fmt.Errorf("lock user for update: %w", err)
		}

		if balance < costCents {
			return ErrInsufficientBalance
		}

		if _, err := tx.Exec(ctx, `UPDATE users SET balance = balance - $2 WHERE id = $1`, userID, costCents); err != nil {
			return fmt.Errorf("deduct balance: %w", err)
		}
		newBalance = balance - costCents

		err = tx.QueryRow(ctx,
			`INSERT INTO orders (user_id, service_id, link, quantity, cost, status, fingerprint)
			 VALUES ($1, $2, $3, $4, $5, 'pending', $6)
			 RETURNING id`,
			userID, serviceID, link, quantity, costCents, fingerprint,
		).Scan(&orderID)
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	return orderID, newBalance, nil
}

// RefundOrder возвращает резерв заказа на баланс пользователя. Повторный
// возврат невозможен: флаг refunded снимается единственным атомарным
// обновлением.
func (r *PostgresRepository) RefundOrder(ctx context.Context, orderID, userID, amountCents int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var rowUserID, rowCost int64
	err = tx.QueryRow(ctx,
		`UPDATE orders SET refunded = TRUE
		 WHERE id = $1 AND NOT refunded
		 RETURNING user_id, cost`,
		orderID,
	).Scan(&rowUserID, &rowCost)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if checkErr := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, orderID).Scan(&exists); checkErr == nil && !exists {
				return ErrOrderNotFound
			}
			return ErrAlreadyRefunded
		}
		return fmt.Errorf("mark refunded: %w", err)
	}

	if rowUserID != userID || rowCost != amountCents {
		return fmt.Errorf("refund mismatch: order %d belongs to user %d with cost %d", orderID, rowUserID, rowCost)
	}

	if _, err := tx.Exec(ctx, `UPDATE users SET balance = balance + $2 WHERE id = $1`, userID, amountCents); err != nil {
		return fmt.Errorf("credit balance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// AcquireRetryLock захватывает право на повтор заказа одним условным
// обновлением. Протухшая блокировка считается снятой. ownerUserID nil
// означает административный вызов без проверки владельца.
func (r *PostgresRepository) AcquireRetryLock(ctx context.Context, orderID int64, ownerUserID *int64, lockedBy string, until time.Time) (*model.Order, error) {
	query := `UPDATE orders SET locked_until = $2, locked_by = $3
		 WHERE id = $1
		   AND (locked_until IS NULL OR locked_until < now())
		   AND ($4::bigint IS NULL OR user_id = $4)
		   AND (` + retryableCondition + `)
		 RETURNING ` + orderColumns

	row := r.pool.QueryRow(ctx, query, orderID, until, lockedBy, ownerUserID)
	order, err := scanOrder(row)
	if err == nil {
		return order, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("acquire retry lock: %w", err)
	}

	// Захват не удался: выясняем причину без изменения состояния.
	var lockedUntil *time.Time
	var ownerID int64
	err = r.pool.QueryRow(ctx, `SELECT user_id, locked_until FROM orders WHERE id = $1`, orderID).Scan(&ownerID, &lockedUntil)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("inspect order: %w", err)
	}

	return nil, classifyLockFailure(ownerUserID, ownerID, lockedUntil, time.Now())
}

// classifyLockFailure объясняет, почему условное обновление блокировки
// не затронуло строку заказа.
func classifyLockFailure(requester *int64, ownerID int64, lockedUntil *time.Time, now time.Time) error {
	if requester != nil && ownerID != *requester {
		// Не раскрываем чужие заказы.
		return ErrOrderNotFound
	}
	if lockedUntil != nil && lockedUntil.After(now) {
		return ErrRetryLocked
	}
	return ErrNotRetryable
}

// ReleaseRetryLock снимает блокировку повтора, не меняя остальных полей.
func (r *PostgresRepository) ReleaseRetryLock(ctx context.Context, orderID int64) error {
	_, err := r.pool.Exec(ctx, `UPDATE orders SET locked_until = NULL, locked_by = '' WHERE id = $1`, orderID)
	if err != nil {
		return fmt.Errorf("release retry lock: %w", err)
	}
	return nil
}

// UpdateOrderSubmission фиксирует результат отправки заказа провайдерам:
// статус, компоненты, текст последней ошибки и записи журнала сверки.
// Блокировка повтора снимается этим же обновлением.
func (r *PostgresRepository) UpdateOrderSubmission(ctx context.Context, orderID int64, status model.OrderStatus, components []model.OrderComponent, lastError string, entries []model.ReconLogEntry) error {
	componentsJSON, err := json.Marshal(components)
	if err != nil {
		return fmt.Errorf("marshal components: %w", err)
	}
	entriesJSON, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal log entries: %w", err)
	}

	_, err = r.pool.Exec(ctx,
		`UPDATE orders
		 SET status = $2,
		     components = $3,
		     recon_log = recon_log || $4::jsonb,
		     last_error = $5,
		     submitted_at = COALESCE(submitted_at, now()),
		     locked_until = NULL,
		     locked_by = ''
		 WHERE id = $1`,
		orderID, string(status), componentsJSON, entriesJSON, lastError,
	)
	if err != nil {
		return fmt.Errorf("update order submission: %w", err)
	}
	return nil
}

// CorrectOrderStatus переводит заказ в новый статус по данным провайдера.
// Переход монотонный: конечные статусы не понижаются, для этого есть
// ManualSetOrderStatus. Возвращает false, если охранное условие не прошло.
func (r *PostgresRepository) CorrectOrderStatus(ctx context.Context, orderID int64, status model.OrderStatus, entry model.ReconLogEntry) (bool, error) {
	entryJSON, err := json.Marshal([]model.ReconLogEntry{entry})
	if err != nil {
		return false, fmt.Errorf("marshal log entry: %w", err)
	}

	tag, err := r.pool.Exec(ctx,
		`UPDATE orders
		 SET status = $2,
		     recon_log = recon_log || $3::jsonb,
		     last_checked_at = now(),
		     completed_at = CASE WHEN $2 = 'completed' THEN now() ELSE completed_at END
		 WHERE id = $1
		   AND status IN ('pending', 'processing', 'partial', 'submission_failed')`,
		orderID, string(status), entryJSON,
	)
	if err != nil {
		return false, fmt.Errorf("correct order status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ManualSetOrderStatus устанавливает статус заказа административно,
// включая понижение конечного статуса. Единственный путь отката.
func (r *PostgresRepository) ManualSetOrderStatus(ctx context.Context, orderID int64, status model.OrderStatus, detail string) error {
	entryJSON, err := json.Marshal([]model.ReconLogEntry{{
		Kind:      model.ReconLogManualOverride,
		Timestamp: time.Now().UTC(),
		Detail:    detail,
	}})
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}

	tag, err := r.pool.Exec(ctx,
		`UPDATE orders
		 SET status = $2,
		     recon_log = recon_log || $3::jsonb,
		     completed_at = CASE WHEN $2 = 'completed' THEN now() ELSE completed_at END
		 WHERE id = $1`,
		orderID, string(status), entryJSON,
	)
	if err != nil {
		return fmt.Errorf("set order status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// AppendReconLog дописывает записи в журнал сверки заказа.
func (r *PostgresRepository) AppendReconLog(ctx context.Context, orderID int64, entries ...model.ReconLogEntry) error {
	entriesJSON, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal log entries: %w", err)
	}

	_, err = r.pool.Exec(ctx,
		`UPDATE orders SET recon_log = recon_log || $2::jsonb WHERE id = $1`,
		orderID, entriesJSON,
	)
	if err != nil {
		return fmt.Errorf("append recon log: %w", err)
	}
	return nil
}

// TouchOrderChecked отмечает время последней сверки заказа.
func (r *PostgresRepository) TouchOrderChecked(ctx context.Context, orderID int64) error {
	_, err := r.pool.Exec(ctx, `UPDATE orders SET last_checked_at = now() WHERE id = $1`, orderID)
	if err != nil {
		return fmt.Errorf("touch order: %w", err)
	}
	return nil
}

// GetOrder возвращает заказ по идентификатору.
func (r *PostgresRepository) GetOrder(ctx context.Context, orderID int64) (*model.Order, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return order, nil
}

// GetOrdersByUser возвращает заказы пользователя, сначала новые.
func (r *PostgresRepository) GetOrdersByUser(ctx context.Context, userID int64, limit int) ([]model.Order, error) {
	return r.selectOrders(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit)
}

// ListOrders возвращает последние заказы всех пользователей.
func (r *PostgresRepository) ListOrders(ctx context.Context, limit int) ([]model.Order, error) {
	return r.selectOrders(ctx,
		`SELECT `+orderColumns+` FROM orders ORDER BY created_at DESC LIMIT $1`,
		limit)
}

// FindOrderIDByFingerprint возвращает заказ с таким же отпечатком
// идемпотентности, созданный не раньше since.
func (r *PostgresRepository) FindOrderIDByFingerprint(ctx context.Context, fingerprint string, since time.Time) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`SELECT id FROM orders WHERE fingerprint = $1 AND created_at >= $2 ORDER BY created_at DESC LIMIT 1`,
		fingerprint, since,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrOrderNotFound
		}
		return 0, fmt.Errorf("find order by fingerprint: %w", err)
	}
	return id, nil
}

// CountOrdersByUserSince возвращает число заказов пользователя с момента since.
func (r *PostgresRepository) CountOrdersByUserSince(ctx context.Context, userID int64, since time.Time) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM orders WHERE user_id = $1 AND created_at >= $2`,
		userID, since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count orders: %w", err)
	}
	return count, nil
}

// FindOrderIDByProviderOrderID ищет локальный заказ, компонент которого
// привязан к указанному заказу провайдера.
func (r *PostgresRepository) FindOrderIDByProviderOrderID(ctx context.Context, providerName, providerOrderID string) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`SELECT id FROM orders
		 WHERE components @> jsonb_build_array(jsonb_build_object('provider', $1::text, 'provider_order_id', $2::text))
		 LIMIT 1`,
		providerName, providerOrderID,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrOrderNotFound
		}
		return 0, fmt.Errorf("find order by provider order id: %w", err)
	}
	return id, nil
}

// FindOrderIDByLinkQuantity ищет локальный заказ по ссылке и количеству,
// созданный не раньше since. Эвристика привязки осиротевших заказов
// провайдера к локальным записям без сохранённого идентификатора.
func (r *PostgresRepository) FindOrderIDByLinkQuantity(ctx context.Context, link string, quantity int, since time.Time) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`SELECT id FROM orders
		 WHERE lower(link) = lower($1) AND quantity = $2 AND created_at >= $3
		 ORDER BY created_at DESC
		 LIMIT 1`,
		link, quantity, since,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrOrderNotFound
		}
		return 0, fmt.Errorf("find order by link: %w", err)
	}
	return id, nil
}

// GetOrdersForReconciliation возвращает пакет заказов для сверки:
// незавершённые и недавно завершённые, давно не проверявшиеся — первыми.
func (r *PostgresRepository) GetOrdersForReconciliation(ctx context.Context, limit int) ([]model.Order, error) {
	return r.selectOrders(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE status IN ('pending', 'processing', 'partial')
		    OR (status = 'completed' AND completed_at > now() - interval '1 hour')
		 ORDER BY last_checked_at ASC NULLS FIRST
		 LIMIT $1`,
		limit)
}

// GetStaleFailedOrders возвращает неуспешные заказы с удержанными
// средствами старше olderThan — кандидатов на эскалацию возврата.
func (r *PostgresRepository) GetStaleFailedOrders(ctx context.Context, olderThan time.Time, limit int) ([]model.Order, error) {
	return r.selectOrders(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE status = 'submission_failed' AND NOT refunded AND created_at < $1
		 ORDER BY created_at
		 LIMIT $2`,
		olderThan, limit)
}

// GetOrdersCreatedSince возвращает заказы, созданные с момента since.
func (r *PostgresRepository) GetOrdersCreatedSince(ctx context.Context, since time.Time) ([]model.Order, error) {
	return r.selectOrders(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE created_at >= $1 ORDER BY created_at`,
		since)
}

func (r *PostgresRepository) selectOrders(ctx context.Context, query string, args ...any) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var res []model.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		res = append(res, *order)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

func scanOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	var status string
	var components, reconLog []byte

	err := row.Scan(&o.ID, &o.UserID, &o.ServiceID, &o.Link, &o.Quantity, &o.CostCents,
		&status, &o.Fingerprint, &components, &reconLog, &o.LastError, &o.Refunded,
		&o.LockedUntil, &o.LockedBy, &o.SubmittedAt, &o.LastCheckedAt, &o.CreatedAt, &o.CompletedAt)
	if err != nil {
		return nil, err
	}

	o.Status = model.OrderStatus(status)
	if err := json.Unmarshal(components, &o.Components); err != nil {
		return nil, fmt.Errorf("unmarshal components: %w", err)
	}
	if err := json.Unmarshal(reconLog, &o.ReconLog); err != nil {
		return nil, fmt.Errorf("unmarshal recon log: %w", err)
	}

	return &o, nil
}
