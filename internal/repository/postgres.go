// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/ovoronin/foodmarket-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим логином.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrCheckoutInProgress возвращается, если у пользователя уже есть незавершённая попытка оформления.
	ErrCheckoutInProgress = errors.New("checkout already in progress")
	// ErrAttemptNotFound возвращается, если попытка оформления не найдена.
	ErrAttemptNotFound = errors.New("checkout attempt not found")
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

		// Ошибки контекста не ретраим
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

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
func (r *PostgresRepository) CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (login, password_hash) VALUES ($1, $2) RETURNING id`,
		login, passwordHash,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, login)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByLogin возвращает пользователя по логину.
func (r *PostgresRepository) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, created_at FROM users WHERE login = $1`,
		login,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// GetCartLines возвращает позиции корзины пользователя в порядке добавления.
func (r *PostgresRepository) GetCartLines(ctx context.Context, userID int64) ([]model.CartLine, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT product_id, name, unit_price::text, quantity
		 FROM cart_lines
		 WHERE user_id = $1
		 ORDER BY id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select cart lines: %w", err)
	}
	defer rows.Close()

	var lines []model.CartLine
	for rows.Next() {
		var (
			l     model.CartLine
			price string
		)
		if err := rows.Scan(&l.ProductID, &l.Name, &price, &l.Quantity); err != nil {
			return nil, fmt.Errorf("scan cart line: %w", err)
		}

		l.UnitPrice, err = decimal.NewFromString(price)
		if err != nil {
			return nil, fmt.Errorf("parse unit price: %w", err)
		}

		lines = append(lines, l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return lines, nil
}

// ReplaceCartLines атомарно заменяет содержимое корзины пользователя.
// Порядок позиций сохраняется за счёт последовательных вставок.
func (r *PostgresRepository) ReplaceCartLines(ctx context.Context, userID int64, lines []model.CartLine) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if _, err := tx.Exec(ctx, `DELETE FROM cart_lines WHERE user_id = $1`, userID); err != nil {
			return fmt.Errorf("delete cart lines: %w", err)
		}

		for _, l := range lines {
			_, err := tx.Exec(ctx,
				`INSERT INTO cart_lines (user_id, product_id, name, unit_price, quantity)
				 VALUES ($1, $2, $3, $4, $5)`,
				userID, l.ProductID, l.Name, l.UnitPrice.String(), l.Quantity,
			)
			if err != nil {
				return fmt.Errorf("insert cart line: %w", err)
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// ClearCart удаляет все позиции корзины пользователя. Повторный вызов безвреден.
func (r *PostgresRepository) ClearCart(ctx context.Context, userID int64) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM cart_lines WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}
	return nil
}

// CreateCheckoutAttempt регистрирует новую попытку оформления заказа.
// Частичный уникальный индекс гарантирует не более одной активной попытки
// на пользователя: нарушение транслируется в ErrCheckoutInProgress.
func (r *PostgresRepository) CreateCheckoutAttempt(ctx context.Context, userID int64, reference string, state model.CheckoutState) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO checkout_attempts (reference, user_id, state) VALUES ($1, $2, $3)`,
		reference, userID, string(state),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return ErrCheckoutInProgress
		}
		return fmt.Errorf("insert checkout attempt: %w", err)
	}
	return nil
}

// UpdateCheckoutState переводит попытку оформления в новое состояние.
func (r *PostgresRepository) UpdateCheckoutState(ctx context.Context, reference string, state model.CheckoutState, reason string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE checkout_attempts SET state = $2, reason = $3, updated_at = now() WHERE reference = $1`,
		reference, string(state), reason,
	)
	if err != nil {
		return fmt.Errorf("update checkout state: %w", err)
	}
	return nil
}

// SetCheckoutOrder привязывает созданный заказ к попытке оформления.
func (r *PostgresRepository) SetCheckoutOrder(ctx context.Context, reference, orderID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE checkout_attempts SET order_id = $2, updated_at = now() WHERE reference = $1`,
		reference, orderID,
	)
	if err != nil {
		return fmt.Errorf("set checkout order: %w", err)
	}
	return nil
}

// SetCheckoutPaymentURL сохраняет адрес платёжной страницы для попытки оформления.
func (r *PostgresRepository) SetCheckoutPaymentURL(ctx context.Context, reference, url string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE checkout_attempts SET payment_url = $2, updated_at = now() WHERE reference = $1`,
		reference, url,
	)
	if err != nil {
		return fmt.Errorf("set checkout payment url: %w", err)
	}
	return nil
}

// GetCheckoutAttempt возвращает попытку оформления по её референсу.
func (r *PostgresRepository) GetCheckoutAttempt(ctx context.Context, reference string) (*model.CheckoutAttempt, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT reference, user_id, state, order_id, payment_url, reason, created_at, updated_at
		 FROM checkout_attempts
		 WHERE reference = $1`,
		reference,
	)

	var a model.CheckoutAttempt
	var state string
	err := row.Scan(&a.Reference, &a.UserID, &state, &a.OrderID, &a.PaymentURL, &a.Reason, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("get checkout attempt: %w", err)
	}
	a.State = model.CheckoutState(state)

	return &a, nil
}
