package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kemet/ev-payments/internal/models"
	_ "github.com/lib/pq"
)

// Postgres holds the user ledger. kw_balance is only ever changed through
// the atomic increment or the clamped adjustment below.
type Postgres struct {
	db *sql.DB
}

// creates a new Postgres instance
func NewPostgres(connStr string) (*Postgres, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return &Postgres{db: db}, nil
}

// closes the database connection
func (p *Postgres) Close() error {
	return p.db.Close()
}

// initialize the database schema
func (p *Postgres) InitSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		id VARCHAR(36) PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		email VARCHAR(255) NOT NULL UNIQUE,
		phone_number VARCHAR(20) NOT NULL DEFAULT '',
		role VARCHAR(32) NOT NULL DEFAULT 'client',
		kw_balance BIGINT NOT NULL DEFAULT 0 CHECK (kw_balance >= 0),
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);`

	_, err := p.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to create users table: %w", err)
	}
	return nil
}

// creates a new user
func (p *Postgres) CreateUser(ctx context.Context, name, email, phoneNumber, role string, initialBalance int64) (*models.User, error) {
	id := uuid.New().String()
	now := time.Now()

	query := `
	INSERT INTO users (id, name, email, phone_number, role, kw_balance, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	RETURNING id, name, email, phone_number, role, kw_balance, created_at, updated_at`

	var user models.User
	err := p.db.QueryRowContext(
		ctx, query, id, name, email, phoneNumber, role, initialBalance, now, now,
	).Scan(&user.ID, &user.Name, &user.Email, &user.PhoneNumber, &user.Role,
		&user.KwBalance, &user.CreatedAt, &user.UpdatedAt)

	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	return &user, nil
}

// retrieves a user by ID
func (p *Postgres) GetUser(ctx context.Context, id string) (*models.User, error) {
	query := `
	SELECT id, name, email, phone_number, role, kw_balance, created_at, updated_at
	FROM users
	WHERE id = $1`

	var user models.User
	err := p.db.QueryRowContext(ctx, query, id).Scan(
		&user.ID, &user.Name, &user.Email, &user.PhoneNumber, &user.Role,
		&user.KwBalance, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, models.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return &user, nil
}

// CreditBalance adds kW to a user's balance as a single atomic increment.
// The settlement path never does a read-modify-write, so concurrent
// settlements for the same user cannot lose updates.
func (p *Postgres) CreditBalance(ctx context.Context, id string, kwAmount int64) (int64, error) {
	query := `
	UPDATE users
	SET kw_balance = kw_balance + $1, updated_at = $2
	WHERE id = $3
	RETURNING kw_balance`

	var newBalance int64
	err := p.db.QueryRowContext(ctx, query, kwAmount, time.Now(), id).Scan(&newBalance)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, models.ErrUserNotFound
		}
		return 0, fmt.Errorf("failed to credit balance: %w", err)
	}

	return newBalance, nil
}

// AdjustBalance applies a signed delta to a user's balance, clamped at zero.
// A negative adjustment larger than the balance leaves exactly 0.
func (p *Postgres) AdjustBalance(ctx context.Context, id string, delta int64) (balanceBefore, balanceAfter int64, err error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	// Get current balance with row lock
	var currentBalance int64
	err = tx.QueryRowContext(
		ctx,
		"SELECT kw_balance FROM users WHERE id = $1 FOR UPDATE",
		id,
	).Scan(&currentBalance)

	if err != nil {
		if err == sql.ErrNoRows {
			return 0, 0, models.ErrUserNotFound
		}
		return 0, 0, fmt.Errorf("failed to get current balance: %w", err)
	}

	newBalance := currentBalance + delta
	if newBalance < 0 {
		newBalance = 0
	}

	_, err = tx.ExecContext(
		ctx,
		"UPDATE users SET kw_balance = $1, updated_at = $2 WHERE id = $3",
		newBalance, time.Now(), id,
	)

	if err != nil {
		return 0, 0, fmt.Errorf("failed to update balance: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return currentBalance, newBalance, nil
}
