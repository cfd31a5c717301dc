// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/dkurganov/partsmarket/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserNotFound возвращается, если пользователь не найден.
var (
	ErrUserNotFound = errors.New("user not found")
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderNumberTaken возвращается при коллизии номера заказа.
	ErrOrderNumberTaken = errors.New("order number already taken")
	// ErrProductUnavailable возвращается, если какой-то из товаров корзины
	// не существует или снят с продажи. Заказ отклоняется целиком.
	ErrProductUnavailable = errors.New("product not found or inactive")
	// ErrMissionNotFound возвращается, если миссия не найдена.
	ErrMissionNotFound = errors.New("mission not found")
	// ErrOTPChallengeNotFound возвращается, если активный код для номера не найден.
	ErrOTPChallengeNotFound = errors.New("otp challenge not found")
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

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// GetOrCreateUserByPhone возвращает пользователя по номеру телефона,
// создавая его при первом входе.
func (r *PostgresRepository) GetOrCreateUserByPhone(ctx context.Context, phone string) (*model.User, error) {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO users (phone) VALUES ($1) ON CONFLICT (phone) DO NOTHING`,
		phone,
	)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}

	return r.getUser(ctx, `WHERE phone = $1`, phone)
}

// GetUserByID возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	return r.getUser(ctx, `WHERE id = $1`, id)
}

func (r *PostgresRepository) getUser(ctx context.Context, where string, arg any) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, phone, name, government_id, address, role, referrer_id,
		        max_referral_percentage, global_discount_percentage, created_at
		 FROM users `+where,
		arg,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Phone, &u.Name, &u.GovernmentID, &u.Address, &u.Role,
		&u.ReferrerID, &u.MaxReferralPercentage, &u.GlobalDiscountPercentage, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// SetUserReferrer привязывает реферера к пользователю, если он ещё не привязан.
func (r *PostgresRepository) SetUserReferrer(ctx context.Context, userID, referrerID int64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE users SET referrer_id = $2 WHERE id = $1 AND referrer_id IS NULL AND id <> $2`,
		userID, referrerID,
	)
	if err != nil {
		return fmt.Errorf("set referrer: %w", err)
	}
	return nil
}

// CreateOTPChallenge сохраняет выданный код входа.
func (r *PostgresRepository) CreateOTPChallenge(ctx context.Context, ch model.OTPChallenge) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO otp_challenges (id, phone, code_hash, expires_at) VALUES ($1, $2, $3, $4)`,
		ch.ID, ch.Phone, ch.CodeHash, ch.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert otp challenge: %w", err)
	}
	return nil
}

// GetActiveOTPChallenge возвращает последний неистёкший и неиспользованный код
// для номера телефона.
func (r *PostgresRepository) GetActiveOTPChallenge(ctx context.Context, phone string) (*model.OTPChallenge, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, phone, code_hash, expires_at, attempts, used, created_at
		 FROM otp_challenges
		 WHERE phone = $1 AND used = FALSE AND expires_at > now()
		 ORDER BY created_at DESC
		 LIMIT 1`,
		phone,
	)

	var ch model.OTPChallenge
	err := row.Scan(&ch.ID, &ch.Phone, &ch.CodeHash, &ch.ExpiresAt, &ch.Attempts, &ch.Used, &ch.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOTPChallengeNotFound
		}
		return nil, fmt.Errorf("get otp challenge: %w", err)
	}

	return &ch, nil
}

// IncrementOTPAttempts увеличивает счётчик попыток ввода кода и возвращает новое значение.
func (r *PostgresRepository) IncrementOTPAttempts(ctx context.Context, id uuid.UUID) (int, error) {
	var attempts int
	err := r.pool.QueryRow(ctx,
		`UPDATE otp_challenges SET attempts = attempts + 1 WHERE id = $1 RETURNING attempts`,
		id,
	).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("increment otp attempts: %w", err)
	}
	return attempts, nil
}

// MarkOTPUsed помечает код использованным.
func (r *PostgresRepository) MarkOTPUsed(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE otp_challenges SET used = TRUE WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("mark otp used: %w", err)
	}
	return nil
}

// CountRecentOTPChallenges возвращает число кодов, выданных на номер с указанного момента.
// Счётчик ведётся в хранилище: в многоэкземплярном развёртывании память процесса ненадёжна.
func (r *PostgresRepository) CountRecentOTPChallenges(ctx context.Context, phone string, since time.Time) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM otp_challenges WHERE phone = $1 AND created_at >= $2`,
		phone, since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count otp challenges: %w", err)
	}
	return count, nil
}

// GetActiveProducts возвращает активные товары каталога.
func (r *PostgresRepository) GetActiveProducts(ctx context.Context) ([]model.Product, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, sku, price, discount_percent, affiliate_percent, downpayment_percent, active
		 FROM products
		 WHERE active = TRUE
		 ORDER BY name`,
	)
	if err != nil {
		return nil, fmt.Errorf("select products: %w", err)
	}
	defer rows.Close()

	return scanProducts(rows)
}

// GetActiveProductsByIDs возвращает активные товары по идентификаторам.
// Если хотя бы один товар не найден или неактивен, возвращается
// ErrProductUnavailable: заказ отклоняется целиком.
func (r *PostgresRepository) GetActiveProductsByIDs(ctx context.Context, ids []int64) ([]model.Product, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, sku, price, discount_percent, affiliate_percent, downpayment_percent, active
		 FROM products
		 WHERE id = ANY($1) AND active = TRUE`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("select products: %w", err)
	}
	defer rows.Close()

	products, err := scanProducts(rows)
	if err != nil {
		return nil, err
	}

	found := make(map[int64]bool, len(products))
	for _, p := range products {
		found[p.ID] = true
	}
	for _, id := range ids {
		if !found[id] {
			return nil, fmt.Errorf("%w: id %d", ErrProductUnavailable, id)
		}
	}

	return products, nil
}

func scanProducts(rows pgx.Rows) ([]model.Product, error) {
	var products []model.Product
	for rows.Next() {
		var p model.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.SKU, &p.Price, &p.DiscountPercent,
			&p.AffiliatePercent, &p.DownpaymentPercent, &p.Active); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return products, nil
}

// GetUserStatistics возвращает накопительные счётчики пользователя.
// Для пользователя без статистики возвращаются нулевые счётчики.
func (r *PostgresRepository) GetUserStatistics(ctx context.Context, userID int64) (*model.UserStatistics, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT user_id, total_orders, total_spent, total_referrals,
		        total_referral_orders, total_referral_earnings, available_balance
		 FROM user_statistics
		 WHERE user_id = $1`,
		userID,
	)

	var s model.UserStatistics
	err := row.Scan(&s.UserID, &s.TotalOrders, &s.TotalSpent, &s.TotalReferrals,
		&s.TotalReferralOrders, &s.TotalReferralEarnings, &s.AvailableBalance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &model.UserStatistics{UserID: userID}, nil
		}
		return nil, fmt.Errorf("get user statistics: %w", err)
	}

	return &s, nil
}

// GetUserMissions возвращает прогресс пользователя по всем миссиям.
func (r *PostgresRepository) GetUserMissions(ctx context.Context, userID int64) ([]model.UserMission, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT user_id, mission_id, progress, achieved, achieved_at
		 FROM user_missions
		 WHERE user_id = $1`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select user missions: %w", err)
	}
	defer rows.Close()

	var res []model.UserMission
	for rows.Next() {
		var um model.UserMission
		if err := rows.Scan(&um.UserID, &um.MissionID, &um.Progress, &um.Achieved, &um.AchievedAt); err != nil {
			return nil, fmt.Errorf("scan user mission: %w", err)
		}
		res = append(res, um)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
