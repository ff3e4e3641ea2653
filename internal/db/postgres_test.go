package points

import (
	"errors"
	"fmt"
	"testing"

	sq "github.com/Masterminds/squirrel"
	model "github.com/glkeru/loyalty/ledger/internal/models"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestMapError(t *testing.T) {
	lock := fmt.Errorf("select: %w", &pgconn.PgError{Code: codeLockNotAvailable, Message: "canceling statement due to lock timeout"})
	require.ErrorIs(t, mapError(lock), model.ErrLockTimeout)
	require.True(t, model.IsRetryable(mapError(lock)))

	dup := &pgconn.PgError{Code: codeUniqueViolation, TableName: "point_reversals"}
	require.ErrorIs(t, mapError(dup), model.ErrAlreadyReversed)

	other := &pgconn.PgError{Code: codeUniqueViolation, TableName: "point_lots"}
	require.Same(t, other, mapError(other))

	plain := errors.New("connection reset")
	require.Equal(t, plain, mapError(plain))
}

func TestNullValues(t *testing.T) {
	require.Equal(t, pgtype.Null, nullText("").Status)
	require.Equal(t, pgtype.Text{String: "order:1:earn", Status: pgtype.Present}, nullText("order:1:earn"))
	require.Equal(t, pgtype.Null, nullID(0).Status)
	require.Equal(t, int64(5), nullID(5).Int)
}

func TestFIFOQuery(t *testing.T) {
	sql, args, err := sq.Select(lotColumns...).
		From("point_lots").
		Where(sq.Eq{"account": "a", "status": string(model.LotActive)}).
		Where(sq.Gt{"remaining": 0}).
		OrderBy(fifoOrder).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	require.NoError(t, err)
	require.Equal(t, "SELECT id, account, original, remaining, created_at, expires_at, type, status, correlation, idempotency_key "+
		"FROM point_lots WHERE account = $1 AND status = $2 AND remaining > $3 "+
		"ORDER BY expires_at ASC NULLS LAST, created_at, id", sql)
	require.Equal(t, []any{"a", "active", 0}, args)
}
