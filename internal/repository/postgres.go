// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/mmeshcher/smmpanel-system/internal/model"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим email.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrServiceNotFound возвращается, если услуга каталога не найдена.
	ErrServiceNotFound = errors.New("service not found")
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("order not found")
	// ErrInsufficientBalance возвращается при попытке списания суммы, превышающей баланс.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrAlreadyRefunded возвращается при повторной попытке вернуть средства по заказу.
	ErrAlreadyRefunded = errors.New("order already refunded")
	// ErrDepositNotFound возвращается, если заявка на пополнение не найдена.
	ErrDepositNotFound = errors.New("deposit not found")
	// ErrDepositProcessed возвращается при повторной обработке заявки на пополнение.
	ErrDepositProcessed = errors.New("deposit already processed")
	// ErrGhostNotFound возвращается, если запись о заказе-призраке не найдена.
	ErrGhostNotFound = errors.New("ghost order not found")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
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

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
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

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		// Если ошибка контекста — выходим сразу
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Ретраи полезны для Serialization Failure и Deadlocks.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		// Если это не pg-ошибка, но сетевая
		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя.
func (r *PostgresRepository) CreateUser(ctx context.Context, email, name string, passwordHash []byte, role model.Role) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (email, name, password_hash, role) VALUES ($1, $2, $3, $4) RETURNING id`,
		email, name, passwordHash, string(role),
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, email)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByEmail возвращает пользователя по email.
func (r *PostgresRepository) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	return r.getUser(ctx, `SELECT id, email, name, password_hash, role, balance, created_at FROM users WHERE email = $1`, email)
}

// GetUserByID возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	return r.getUser(ctx, `SELECT id, email, name, password_hash, role, balance, created_at FROM users WHERE id = $1`, id)
}

func (r *PostgresRepository) getUser(ctx context.Context, query string, arg any) (*model.User, error) {
	var u model.User
	var role string
	err := r.pool.QueryRow(ctx, query, arg).
		Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &role, &u.BalanceCents, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.Role = model.Role(role)
	return &u, nil
}

// ListUsers возвращает пользователей панели, сначала новых.
func (r *PostgresRepository) ListUsers(ctx context.Context, limit int) ([]model.User, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, email, name, password_hash, role, balance, created_at
		 FROM users
		 ORDER BY created_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select users: %w", err)
	}
	defer rows.Close()

	var res []model.User
	for rows.Next() {
		var u model.User
		var role string
		if err := rows.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &role, &u.BalanceCents, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		u.Role = model.Role(role)
		res = append(res, u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetBalance возвращает баланс пользователя в центах.
func (r *PostgresRepository) GetBalance(ctx context.Context, userID int64) (int64, error) {
	var balance int64
	err := r.pool.QueryRow(ctx, `SELECT balance FROM users WHERE id = $1`, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrUserNotFound
		}
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

// CreateService создаёт услугу каталога.
func (r *PostgresRepository) CreateService(ctx context.Context, s model.CatalogService) (int64, error) {
	bindings, err := json.Marshal(s.Bindings)
	if err != nil {
		return 0, fmt.Errorf("marshal bindings: %w", err)
	}

	var id int64
	err = r.pool.QueryRow(ctx,
		`INSERT INTO services (platform, service_type, name, rate, min_quantity, max_quantity, enabled, bindings, description)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id`,
		s.Platform, s.ServiceType, s.Name, s.RateCents, s.MinQuantity, s.MaxQuantity, s.Enabled, bindings, s.Description,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create service: %w", err)
	}
	return id, nil
}

// GetService возвращает услугу каталога по идентификатору.
func (r *PostgresRepository) GetService(ctx context.Context, id int64) (*model.CatalogService, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, platform, service_type, name, rate, min_quantity, max_quantity, enabled, bindings, description, created_at
		 FROM services
		 WHERE id = $1`,
		id,
	)

	s, err := scanService(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrServiceNotFound
		}
		return nil, fmt.Errorf("get service: %w", err)
	}
	return s, nil
}

// ListServices возвращает услуги каталога, при необходимости по платформе.
func (r *PostgresRepository) ListServices(ctx context.Context, platform string) ([]model.CatalogService, error) {
	query := `SELECT id, platform, service_type, name, rate, min_quantity, max_quantity, enabled, bindings, description, created_at
		 FROM services WHERE enabled ORDER BY platform, service_type, id`
	args := []any{}
	if platform != "" {
		query = `SELECT id, platform, service_type, name, rate, min_quantity, max_quantity, enabled, bindings, description, created_at
		 FROM services WHERE enabled AND platform = $1 ORDER BY service_type, id`
		args = append(args, platform)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select services: %w", err)
	}
	defer rows.Close()

	var res []model.CatalogService
	for rows.Next() {
		s, err := scanService(rows)
		if err != nil {
			return nil, fmt.Errorf("scan service: %w", err)
		}
		res = append(res, *s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

func scanService(row pgx.Row) (*model.CatalogService, error) {
	var s model.CatalogService
	var bindings []byte
	err := row.Scan(&s.ID, &s.Platform, &s.ServiceType, &s.Name, &s.RateCents,
		&s.MinQuantity, &s.MaxQuantity, &s.Enabled, &bindings, &s.Description, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(bindings, &s.Bindings); err != nil {
		return nil, fmt.Errorf("unmarshal bindings: %w", err)
	}
	return &s, nil
}

// CreateDeposit создаёт заявку на ручное пополнение баланса.
func (r *PostgresRepository) CreateDeposit(ctx context.Context, userID, amountCents int64) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO deposits (user_id, amount) VALUES ($1, $2) RETURNING id`,
		userID, amountCents,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create deposit: %w", err)
	}
	return id, nil
}

// ListDeposits возвращает заявки на пополнение, сначала новые.
func (r *PostgresRepository) ListDeposits(ctx context.Context, limit int) ([]model.Deposit, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, amount, status, created_at, processed_at
		 FROM deposits
		 ORDER BY created_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select deposits: %w", err)
	}
	defer rows.Close()

	var res []model.Deposit
	for rows.Next() {
		var d model.Deposit
		var status string
		if err := rows.Scan(&d.ID, &d.UserID, &d.AmountCents, &status, &d.CreatedAt, &d.ProcessedAt); err != nil {
			return nil, fmt.Errorf("scan deposit: %w", err)
		}
		d.Status = model.DepositStatus(status)
		res = append(res, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ProcessDeposit подтверждает или отклоняет заявку. Подтверждение
// зачисляет сумму на баланс в той же транзакции.
func (r *PostgresRepository) ProcessDeposit(ctx context.Context, depositID int64, approve bool) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	newStatus := model.DepositRejected
	if approve {
		newStatus = model.DepositApproved
	}

	var userID, amount int64
	err = tx.QueryRow(ctx,
		`UPDATE deposits SET status = $2, processed_at = now()
		 WHERE id = $1 AND status = 'pending'
		 RETURNING user_id, amount`,
		depositID, string(newStatus),
	).Scan(&userID, &amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Либо заявки нет, либо она уже обработана.
			var exists bool
			if checkErr := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM deposits WHERE id = $1)`, depositID).Scan(&exists); checkErr == nil && exists {
				return ErrDepositProcessed
			}
			return ErrDepositNotFound
		}
		return fmt.Errorf("process deposit: %w", err)
	}

	if approve {
		if _, err := tx.Exec(ctx, `UPDATE users SET balance = balance + $2 WHERE id = $1`, userID, amount); err != nil {
			return fmt.Errorf("credit balance: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}
