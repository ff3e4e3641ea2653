package points

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"time"

	sq "github.com/Masterminds/squirrel"
	model "github.com/glkeru/loyalty/ledger/internal/models"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

//go:embed schema.sql
var schema string

// Пул соединений с базой баллов
func NewPool(ctx context.Context) (*pgxpool.Pool, error) {
	// config
	purl := os.Getenv("POINTS_DB")
	if purl == "" {
		return nil, fmt.Errorf("env POINTS_DB is not set")
	}
	port := os.Getenv("POINTS_DB_PORT")
	if port == "" {
		return nil, fmt.Errorf("env POINTS_DB_PORT is not set")
	}
	user := os.Getenv("POINTS_DB_USER")
	if user == "" {
		return nil, fmt.Errorf("env POINTS_DB_USER is not set")
	}
	password := os.Getenv("POINTS_DB_PASSWORD")
	if password == "" {
		return nil, fmt.Errorf("env POINTS_DB_PASSWORD is not set")
	}
	database := os.Getenv("POINTS_DB_BASE")
	if database == "" {
		return nil, fmt.Errorf("env POINTS_DB_BASE is not set")
	}
	dsn := "postgres://" + user + ":" + password + "@" + purl + ":" + port + "/" + database

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// Создание таблиц, повторный запуск ничего не меняет
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schema)
	return err
}

// общее для пула и транзакции
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type store struct {
	q      querier
	logger *zap.Logger
}

func (s store) sqlError(err error, sql string, args []any) error {
	s.logger.Error("SQL error",
		zap.Error(err),
		zap.String("query", sql),
		zap.Any("args", args),
	)
	return mapError(err)
}

func (s store) exec(ctx context.Context, b sq.Sqlizer) (pgconn.CommandTag, error) {
	sql, args, err := b.ToSql()
	if err != nil {
		return pgconn.CommandTag{}, s.sqlError(err, sql, args)
	}
	tag, err := s.q.Exec(ctx, sql, args...)
	if err != nil {
		return tag, s.sqlError(err, sql, args)
	}
	return tag, nil
}

func (s store) query(ctx context.Context, b sq.Sqlizer) (pgx.Rows, error) {
	sql, args, err := b.ToSql()
	if err != nil {
		return nil, s.sqlError(err, sql, args)
	}
	rows, err := s.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, s.sqlError(err, sql, args)
	}
	return rows, nil
}

// ErrNoRows не логируется, это обычный промах
func (s store) queryRow(ctx context.Context, b sq.Sqlizer, dest ...any) error {
	sql, args, err := b.ToSql()
	if err != nil {
		return s.sqlError(err, sql, args)
	}
	err = s.q.QueryRow(ctx, sql, args...).Scan(dest...)
	if errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	if err != nil {
		return s.sqlError(err, sql, args)
	}
	return nil
}

// коды ошибок postgres
const (
	codeLockNotAvailable = "55P03"
	codeUniqueViolation  = "23505"
)

func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == codeLockNotAvailable:
			return fmt.Errorf("%s: %w", pgErr.Message, model.ErrLockTimeout)
		case pgErr.Code == codeUniqueViolation && pgErr.TableName == "point_reversals":
			return fmt.Errorf("%s: %w", pgErr.Message, model.ErrAlreadyReversed)
		}
	}
	return err
}

// начало транзакции с ограничением ожидания блокировок
func begin(ctx context.Context, pool *pgxpool.Pool, lockTimeout time.Duration) (pgx.Tx, error) {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	if lockTimeout > 0 {
		// SET не принимает параметры
		_, err = tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = %d", lockTimeout.Milliseconds()))
		if err != nil {
			tx.Rollback(ctx)
			return nil, err
		}
	}
	return tx, nil
}

// пустая строка пишется как NULL
func nullText(s string) pgtype.Text {
	if s == "" {
		return pgtype.Text{Status: pgtype.Null}
	}
	return pgtype.Text{String: s, Status: pgtype.Present}
}

func nullID(id int64) pgtype.Int8 {
	if id == 0 {
		return pgtype.Int8{Status: pgtype.Null}
	}
	return pgtype.Int8{Int: id, Status: pgtype.Present}
}
