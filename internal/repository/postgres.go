// Package repository содержит реализацию хранилища счетов в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/wesplit/settlement/internal/ledger"
	"github.com/wesplit/settlement/internal/model"
	"github.com/wesplit/settlement/internal/money"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrSplitNotFound возвращается, если счёт с указанным идентификатором не существует.
var (
	ErrSplitNotFound = errors.New("split not found")
	// ErrSplitIDTaken возвращается при коллизии идентификатора нового счёта.
	ErrSplitIDTaken = errors.New("split id already taken")
	// ErrStateConflict возвращается, если переход состояния не прошёл проверку
	// текущего состояния в БД.
	ErrStateConflict = errors.New("split state conflict")
)

// PostgresRepository предоставляет доступ к хранилищу счетов в PostgreSQL.
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

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Ретраим только сериализационные конфликты, дедлоки и сетевые сбои.
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

// CreateSplit сохраняет новый счёт вместе с участниками.
func (r *PostgresRepository) CreateSplit(ctx context.Context, s *model.Split) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO splits (id, description, requester, token_address, token_decimals, fiat_currency, total_fiat, verified, state, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, $9, $10)`,
		s.ID, s.Description, s.Requester, s.TokenAddress, int16(s.TokenDecimals),
		s.FiatCurrency, s.TotalFiat.Amount().String(), s.Verified, string(s.State), s.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: %s", ErrSplitIDTaken, s.ID)
		}
		return fmt.Errorf("insert split: %w", err)
	}

	for i, c := range s.Contributors {
		_, err = tx.Exec(ctx,
			`INSERT INTO contributors (split_id, username, position, owed, paid, withdrawn)
			 VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric)`,
			s.ID, c.Username, i,
			c.Owed.Amount().String(), c.Paid.Amount().String(), c.Withdrawn.Amount().String(),
		)
		if err != nil {
			return fmt.Errorf("insert contributor: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// GetSplit возвращает счёт по идентификатору вместе с участниками.
func (r *PostgresRepository) GetSplit(ctx context.Context, id string) (*model.Split, error) {
	return r.getSplit(ctx, r.pool, id, false)
}

func (r *PostgresRepository) getSplit(ctx context.Context, q querier, id string, forUpdate bool) (*model.Split, error) {
	query := `SELECT id, description, requester, token_address, token_decimals, fiat_currency,
	                 total_fiat::text, verified, state, created_at
	          FROM splits WHERE id = $1`
	if forUpdate {
		query += " FOR UPDATE"
	}

	var (
		s         model.Split
		decimals  int16
		totalFiat string
		state     string
	)
	err := q.QueryRow(ctx, query, id).Scan(
		&s.ID, &s.Description, &s.Requester, &s.TokenAddress, &decimals,
		&s.FiatCurrency, &totalFiat, &s.Verified, &state, &s.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrSplitNotFound, id)
		}
		return nil, fmt.Errorf("get split: %w", err)
	}

	s.TokenDecimals = uint8(decimals)
	s.State = model.SplitState(state)
	if s.TotalFiat, err = parseAmount(totalFiat, s.FiatUnit()); err != nil {
		return nil, fmt.Errorf("split %s: %w", id, err)
	}

	if s.Contributors, err = r.getContributors(ctx, q, &s); err != nil {
		return nil, err
	}

	return &s, nil
}

func (r *PostgresRepository) getContributors(ctx context.Context, q querier, s *model.Split) ([]model.Contributor, error) {
	rows, err := q.Query(ctx,
		`SELECT username, owed::text, paid::text, withdrawn::text
		 FROM contributors WHERE split_id = $1 ORDER BY position`,
		s.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("select contributors: %w", err)
	}
	defer rows.Close()

	var res []model.Contributor
	for rows.Next() {
		var (
			c                     model.Contributor
			owed, paid, withdrawn string
		)
		if err := rows.Scan(&c.Username, &owed, &paid, &withdrawn); err != nil {
			return nil, fmt.Errorf("scan contributor: %w", err)
		}

		if c.Owed, err = parseAmount(owed, s.FiatUnit()); err != nil {
			return nil, fmt.Errorf("contributor %s: %w", c.Username, err)
		}
		if c.Paid, err = parseAmount(paid, s.TokenUnit()); err != nil {
			return nil, fmt.Errorf("contributor %s: %w", c.Username, err)
		}
		if c.Withdrawn, err = parseAmount(withdrawn, s.TokenUnit()); err != nil {
			return nil, fmt.Errorf("contributor %s: %w", c.Username, err)
		}

		res = append(res, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ListSplitsFor возвращает счета, где identity — инициатор или участник,
// от новых к старым.
func (r *PostgresRepository) ListSplitsFor(ctx context.Context, identity string) ([]model.Split, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id FROM splits s
		 WHERE s.requester = $1
		    OR EXISTS (SELECT 1 FROM contributors c WHERE c.split_id = s.id AND c.username = $1)
		 ORDER BY s.created_at DESC`,
		identity,
	)
	if err != nil {
		return nil, fmt.Errorf("select splits: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan split id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	res := make([]model.Split, 0, len(ids))
	for _, id := range ids {
		s, err := r.GetSplit(ctx, id)
		if err != nil {
			return nil, err
		}
		res = append(res, *s)
	}

	return res, nil
}

// AddContribution увеличивает оплаченную сумму участника и возвращает
// обновлённый счёт. Строка счёта блокируется на время транзакции, чтобы
// параллельные взносы в один счёт сериализовались.
func (r *PostgresRepository) AddContribution(ctx context.Context, splitID, username string, amount *big.Int) (*model.Split, error) {
	var updated *model.Split

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		s, err := r.getSplit(ctx, tx, splitID, true)
		if err != nil {
			return err
		}

		if err := ledger.ValidateContribution(s, username, amount); err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			`UPDATE contributors SET paid = paid + $3::numeric WHERE split_id = $1 AND username = $2`,
			splitID, username, amount.String(),
		)
		if err != nil {
			return fmt.Errorf("update contributor: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		c := s.Contributor(username)
		added, err := money.New(amount, s.TokenUnit())
		if err != nil {
			return err
		}
		if c.Paid, err = money.Add(c.Paid, added); err != nil {
			return err
		}

		updated = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

// SetState переводит счёт из состояния from в to и записывает событие перехода.
// Возвращает ErrStateConflict, если счёт уже не в состоянии from.
func (r *PostgresRepository) SetState(ctx context.Context, id string, from, to model.SplitState, at time.Time) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		cmdTag, err := tx.Exec(ctx,
			`UPDATE splits SET state = $3 WHERE id = $1 AND state = $2`,
			id, string(from), string(to),
		)
		if err != nil {
			return fmt.Errorf("update state: %w", err)
		}
		if cmdTag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s is not %s", ErrStateConflict, id, from)
		}

		if err := insertTransition(ctx, tx, id, from, to, at); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
}

// MarkWithdrawn переводит счёт FUNDED -> WITHDRAWN и фиксирует вывод
// всех оплаченных сумм участников.
func (r *PostgresRepository) MarkWithdrawn(ctx context.Context, id string, at time.Time) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		cmdTag, err := tx.Exec(ctx,
			`UPDATE splits SET state = $2 WHERE id = $1 AND state = $3`,
			id, string(model.SplitStateWithdrawn), string(model.SplitStateFunded),
		)
		if err != nil {
			return fmt.Errorf("update state: %w", err)
		}
		if cmdTag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s is not %s", ErrStateConflict, id, model.SplitStateFunded)
		}

		_, err = tx.Exec(ctx,
			`UPDATE contributors SET withdrawn = paid WHERE split_id = $1`,
			id,
		)
		if err != nil {
			return fmt.Errorf("update contributors: %w", err)
		}

		if err := insertTransition(ctx, tx, id, model.SplitStateFunded, model.SplitStateWithdrawn, at); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
}

func insertTransition(ctx context.Context, tx pgx.Tx, id string, from, to model.SplitState, at time.Time) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO transitions (split_id, from_state, to_state, occurred_at) VALUES ($1, $2, $3, $4)`,
		id, string(from), string(to), at,
	)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

// UnverifiedSplit описывает счёт, ожидающий подтверждения ценового покрытия.
type UnverifiedSplit struct {
	ID           string
	TokenAddress string
	FiatCurrency string
}

// ListUnverified возвращает счета без подтверждённого ценового покрытия.
func (r *PostgresRepository) ListUnverified(ctx context.Context, limit int) ([]UnverifiedSplit, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, token_address, fiat_currency
		 FROM splits
		 WHERE NOT verified
		 ORDER BY created_at
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select unverified splits: %w", err)
	}
	defer rows.Close()

	var res []UnverifiedSplit
	for rows.Next() {
		var u UnverifiedSplit
		if err := rows.Scan(&u.ID, &u.TokenAddress, &u.FiatCurrency); err != nil {
			return nil, fmt.Errorf("scan split: %w", err)
		}
		res = append(res, u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// MarkVerified отмечает счёт как имеющий подтверждённое ценовое покрытие.
func (r *PostgresRepository) MarkVerified(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE splits SET verified = TRUE WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("mark verified: %w", err)
	}
	return nil
}

func parseAmount(s string, unit money.Unit) (money.Money, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return money.Money{}, fmt.Errorf("parse amount %q", s)
	}
	return money.New(v, unit)
}
