package points

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	interf "github.com/glkeru/loyalty/ledger/internal/interfaces"
	model "github.com/glkeru/loyalty/ledger/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type PointsDB struct {
	store
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

var _ interf.PointsStorage = (*PointsDB)(nil)

func NewPointsDB(logger *zap.Logger, pool *pgxpool.Pool, lockTimeout time.Duration) *PointsDB {
	return &PointsDB{store{pool, logger}, pool, lockTimeout}
}

var (
	lotColumns         = []string{"id", "account", "original", "remaining", "created_at", "expires_at", "type", "status", "correlation", "idempotency_key"}
	consumptionColumns = []string{"id", "account", "amount", "type", "draws", "created_at", "correlation", "idempotency_key"}
	reversalColumns    = []string{"id", "consumption_id", "account", "amount", "restored", "refund_lot_id", "created_at"}
)

const fifoOrder = "expires_at ASC NULLS LAST, created_at, id"

// Транзакция под блокировкой строки счета. Ожидание блокировки ограничено lock_timeout.
func (p *PointsDB) WithAccountLock(ctx context.Context, account uuid.UUID, fn func(tx interf.LedgerTx) error) (err error) {
	tx, err := begin(ctx, p.pool, p.lockTimeout)
	if err != nil {
		return mapError(err)
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	ltx := &ledgerTx{store: store{tx, p.logger}}
	ltx.account.UUID = account
	row := tx.QueryRow(ctx, "SELECT userid, balance FROM accounts WHERE uuid = $1 FOR UPDATE", account)
	err = row.Scan(&ltx.account.User, &ltx.account.Balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("account %s %w", account, model.ErrNotFound)
		}
		p.logger.Error("Block account error",
			zap.Error(err),
			zap.String("account", account.String()))
		return mapError(err)
	}

	if err = fn(ltx); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		p.logger.Error("Commit error",
			zap.Error(err),
			zap.String("account", account.String()))
		return mapError(err)
	}
	return nil
}

// Получить UUID счета, счет создается при первом обращении
func (p *PointsDB) GetUserUUID(ctx context.Context, user string) (account uuid.UUID, err error) {
	_, err = p.exec(ctx, sq.Insert("accounts").
		Columns("uuid", "userid", "balance").
		Values(uuid.New(), user, 0).
		Suffix("ON CONFLICT (userid) DO NOTHING").
		PlaceholderFormat(sq.Dollar))
	if err != nil {
		return uuid.Nil, err
	}

	var pguuid pgtype.UUID
	err = p.queryRow(ctx, sq.Select("uuid").
		From("accounts").
		Where(sq.Eq{"userid": user}).
		PlaceholderFormat(sq.Dollar), &pguuid)
	if err != nil {
		return uuid.Nil, err
	}
	return uuid.FromBytes(pguuid.Bytes[:])
}

// Кэшированный баланс счета
func (p *PointsDB) GetBalance(ctx context.Context, account uuid.UUID) (points int64, err error) {
	err = p.queryRow(ctx, sq.Select("balance").
		From("accounts").
		Where(sq.Eq{"uuid": account}).
		PlaceholderFormat(sq.Dollar), &points)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("account %w", model.ErrNotFound)
	}
	return points, err
}

func (p *PointsDB) GetLot(ctx context.Context, id int64) (model.PointLot, error) {
	lots, err := p.selectLots(ctx, sq.Select(lotColumns...).
		From("point_lots").
		Where(sq.Eq{"id": id}))
	if err != nil {
		return model.PointLot{}, err
	}
	if len(lots) == 0 {
		return model.PointLot{}, fmt.Errorf("lot %d %w", id, model.ErrNotFound)
	}
	return lots[0], nil
}

func (p *PointsDB) GetConsumption(ctx context.Context, id int64) (model.PointConsumption, error) {
	cons, err := p.selectConsumptions(ctx, sq.Select(consumptionColumns...).
		From("point_consumptions").
		Where(sq.Eq{"id": id}))
	if err != nil {
		return model.PointConsumption{}, err
	}
	if len(cons) == 0 {
		return model.PointConsumption{}, fmt.Errorf("consumption %d %w", id, model.ErrNotFound)
	}
	return cons[0], nil
}

// Активные партии с наступившим сроком, страницами по id
func (p *PointsDB) ExpiredLots(ctx context.Context, asOf time.Time, afterID int64, limit int) ([]model.PointLot, error) {
	b := sq.Select(lotColumns...).
		From("point_lots").
		Where(sq.Eq{"status": string(model.LotActive)}).
		Where(sq.Gt{"remaining": 0}).
		Where(sq.LtOrEq{"expires_at": asOf}).
		Where(sq.Gt{"id": afterID}).
		OrderBy("id")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	return p.selectLots(ctx, b)
}

// Активные партии, сгорающие в (from, to]
func (p *PointsDB) ExpiringLots(ctx context.Context, from time.Time, to time.Time) ([]model.PointLot, error) {
	return p.selectLots(ctx, sq.Select(lotColumns...).
		From("point_lots").
		Where(sq.Eq{"status": string(model.LotActive)}).
		Where(sq.Gt{"remaining": 0}).
		Where(sq.Gt{"expires_at": from}).
		Where(sq.LtOrEq{"expires_at": to}).
		OrderBy("account", fifoOrder))
}

func (p *PointsDB) GetAccounts(ctx context.Context) (accounts []model.PointAccount, err error) {
	rows, err := p.query(ctx, sq.Select("uuid", "userid", "balance").
		From("accounts").
		OrderBy("userid").
		PlaceholderFormat(sq.Dollar))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var acc model.PointAccount
		var pguuid pgtype.UUID
		if err = rows.Scan(&pguuid, &acc.User, &acc.Balance); err != nil {
			return nil, err
		}
		acc.UUID, _ = uuid.FromBytes(pguuid.Bytes[:])
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}

// История по счету за период
func (p *PointsDB) GetHistory(ctx context.Context, account uuid.UUID, from time.Time, to time.Time) (h model.History, err error) {
	h.Lots, err = p.selectLots(ctx, sq.Select(lotColumns...).
		From("point_lots").
		Where(sq.Eq{"account": account}).
		Where(sq.GtOrEq{"created_at": from}).
		Where(sq.LtOrEq{"created_at": to}).
		OrderBy("id"))
	if err != nil {
		return h, err
	}
	h.Consumptions, err = p.selectConsumptions(ctx, sq.Select(consumptionColumns...).
		From("point_consumptions").
		Where(sq.Eq{"account": account}).
		Where(sq.GtOrEq{"created_at": from}).
		Where(sq.LtOrEq{"created_at": to}).
		OrderBy("id"))
	if err != nil {
		return h, err
	}
	h.Reversals, err = p.selectReversals(ctx, sq.Select(reversalColumns...).
		From("point_reversals").
		Where(sq.Eq{"account": account}).
		Where(sq.GtOrEq{"created_at": from}).
		Where(sq.LtOrEq{"created_at": to}).
		OrderBy("id"))
	return h, err
}

// Операции внутри транзакции счета
type ledgerTx struct {
	store
	account model.PointAccount
}

func (t *ledgerTx) Account() model.PointAccount {
	return t.account
}

func (t *ledgerTx) ActiveLots(ctx context.Context) ([]model.PointLot, error) {
	return t.selectLots(ctx, sq.Select(lotColumns...).
		From("point_lots").
		Where(sq.Eq{"account": t.account.UUID, "status": string(model.LotActive)}).
		Where(sq.Gt{"remaining": 0}).
		OrderBy(fifoOrder))
}

func (t *ledgerTx) Lot(ctx context.Context, id int64) (model.PointLot, error) {
	lots, err := t.selectLots(ctx, sq.Select(lotColumns...).
		From("point_lots").
		Where(sq.Eq{"id": id, "account": t.account.UUID}))
	if err != nil {
		return model.PointLot{}, err
	}
	if len(lots) == 0 {
		return model.PointLot{}, fmt.Errorf("lot %d %w", id, model.ErrNotFound)
	}
	return lots[0], nil
}

func (t *ledgerTx) LotByKey(ctx context.Context, key string) (model.PointLot, bool, error) {
	lots, err := t.selectLots(ctx, sq.Select(lotColumns...).
		From("point_lots").
		Where(sq.Eq{"idempotency_key": key}))
	if err != nil || len(lots) == 0 {
		return model.PointLot{}, false, err
	}
	return lots[0], true, nil
}

func (t *ledgerTx) Consumption(ctx context.Context, id int64) (model.PointConsumption, error) {
	cons, err := t.selectConsumptions(ctx, sq.Select(consumptionColumns...).
		From("point_consumptions").
		Where(sq.Eq{"id": id, "account": t.account.UUID}))
	if err != nil {
		return model.PointConsumption{}, err
	}
	if len(cons) == 0 {
		return model.PointConsumption{}, fmt.Errorf("consumption %d %w", id, model.ErrNotFound)
	}
	return cons[0], nil
}

func (t *ledgerTx) ConsumptionByKey(ctx context.Context, key string) (model.PointConsumption, bool, error) {
	cons, err := t.selectConsumptions(ctx, sq.Select(consumptionColumns...).
		From("point_consumptions").
		Where(sq.Eq{"idempotency_key": key}))
	if err != nil || len(cons) == 0 {
		return model.PointConsumption{}, false, err
	}
	return cons[0], true, nil
}

func (t *ledgerTx) Reversed(ctx context.Context, consumptionID int64) (reversed bool, err error) {
	err = t.queryRow(ctx, sq.Select().
		Column(sq.Expr("EXISTS (SELECT 1 FROM point_reversals WHERE consumption_id = ?)", consumptionID)).
		PlaceholderFormat(sq.Dollar), &reversed)
	if err != nil {
		return false, err
	}
	return reversed, nil
}

func (t *ledgerTx) SumRemaining(ctx context.Context) (sum int64, err error) {
	err = t.queryRow(ctx, sq.Select("COALESCE(SUM(remaining), 0)").
		From("point_lots").
		Where(sq.Eq{"account": t.account.UUID, "status": string(model.LotActive)}).
		PlaceholderFormat(sq.Dollar), &sum)
	return sum, err
}

func (t *ledgerTx) InsertLot(ctx context.Context, lot *model.PointLot) error {
	corr, err := model.EncodeCorrelation(lot.Correlation)
	if err != nil {
		return err
	}
	lot.Account = t.account.UUID
	return t.queryRow(ctx, sq.Insert("point_lots").
		Columns(lotColumns[1:]...).
		Values(lot.Account, lot.Original, lot.Remaining, lot.CreatedAt, lot.ExpiresAt,
			string(lot.Type), string(lot.Status), corr, nullText(lot.Key)).
		Suffix("RETURNING id").
		PlaceholderFormat(sq.Dollar), &lot.ID)
}

func (t *ledgerTx) UpdateLot(ctx context.Context, lot model.PointLot) error {
	tag, err := t.exec(ctx, sq.Update("point_lots").
		Set("remaining", lot.Remaining).
		Set("status", string(lot.Status)).
		Where(sq.Eq{"id": lot.ID, "account": t.account.UUID}).
		PlaceholderFormat(sq.Dollar))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("lot %d %w", lot.ID, model.ErrNotFound)
	}
	return nil
}

func (t *ledgerTx) InsertConsumption(ctx context.Context, c *model.PointConsumption) error {
	corr, err := model.EncodeCorrelation(c.Correlation)
	if err != nil {
		return err
	}
	draws, err := json.Marshal(c.Draws)
	if err != nil {
		return err
	}
	c.Account = t.account.UUID
	return t.queryRow(ctx, sq.Insert("point_consumptions").
		Columns(consumptionColumns[1:]...).
		Values(c.Account, c.Amount, string(c.Type), draws, c.CreatedAt, corr, nullText(c.Key)).
		Suffix("RETURNING id").
		PlaceholderFormat(sq.Dollar), &c.ID)
}

// Уникальность consumption_id защищает от повторного сторно
func (t *ledgerTx) InsertReversal(ctx context.Context, r *model.PointReversal) error {
	restored, err := json.Marshal(r.Restored)
	if err != nil {
		return err
	}
	r.Account = t.account.UUID
	return t.queryRow(ctx, sq.Insert("point_reversals").
		Columns(reversalColumns[1:]...).
		Values(r.ConsumptionID, r.Account, r.Amount, restored, nullID(r.RefundLotID), r.CreatedAt).
		Suffix("RETURNING id").
		PlaceholderFormat(sq.Dollar), &r.ID)
}

func (t *ledgerTx) SetBalance(ctx context.Context, balance int64) error {
	_, err := t.exec(ctx, sq.Update("accounts").
		Set("balance", balance).
		Where(sq.Eq{"uuid": t.account.UUID}).
		PlaceholderFormat(sq.Dollar))
	if err != nil {
		return err
	}
	t.account.Balance = balance
	return nil
}

func (s store) selectLots(ctx context.Context, b sq.SelectBuilder) (lots []model.PointLot, err error) {
	rows, err := s.query(ctx, b.PlaceholderFormat(sq.Dollar))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			lot     model.PointLot
			pguuid  pgtype.UUID
			expires pgtype.Timestamptz
			lotType string
			status  string
			corr    []byte
			key     pgtype.Text
		)
		err = rows.Scan(&lot.ID, &pguuid, &lot.Original, &lot.Remaining, &lot.CreatedAt, &expires, &lotType, &status, &corr, &key)
		if err != nil {
			return nil, err
		}
		lot.Account, _ = uuid.FromBytes(pguuid.Bytes[:])
		if expires.Status == pgtype.Present {
			at := expires.Time
			lot.ExpiresAt = &at
		}
		lot.Type = model.LotType(lotType)
		lot.Status = model.LotStatus(status)
		lot.Key = key.String
		if lot.Correlation, err = model.DecodeCorrelation(corr); err != nil {
			return nil, fmt.Errorf("lot %d: %w", lot.ID, err)
		}
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

func (s store) selectConsumptions(ctx context.Context, b sq.SelectBuilder) (cons []model.PointConsumption, err error) {
	rows, err := s.query(ctx, b.PlaceholderFormat(sq.Dollar))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			c       model.PointConsumption
			pguuid  pgtype.UUID
			conType string
			draws   []byte
			corr    []byte
			key     pgtype.Text
		)
		err = rows.Scan(&c.ID, &pguuid, &c.Amount, &conType, &draws, &c.CreatedAt, &corr, &key)
		if err != nil {
			return nil, err
		}
		c.Account, _ = uuid.FromBytes(pguuid.Bytes[:])
		c.Type = model.ConsumptionType(conType)
		c.Key = key.String
		if err = json.Unmarshal(draws, &c.Draws); err != nil {
			return nil, fmt.Errorf("consumption %d draws: %w", c.ID, err)
		}
		if c.Correlation, err = model.DecodeCorrelation(corr); err != nil {
			return nil, fmt.Errorf("consumption %d: %w", c.ID, err)
		}
		cons = append(cons, c)
	}
	return cons, rows.Err()
}

func (s store) selectReversals(ctx context.Context, b sq.SelectBuilder) (revs []model.PointReversal, err error) {
	rows, err := s.query(ctx, b.PlaceholderFormat(sq.Dollar))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r        model.PointReversal
			pguuid   pgtype.UUID
			restored []byte
			refund   pgtype.Int8
		)
		err = rows.Scan(&r.ID, &r.ConsumptionID, &pguuid, &r.Amount, &restored, &refund, &r.CreatedAt)
		if err != nil {
			return nil, err
		}
		r.Account, _ = uuid.FromBytes(pguuid.Bytes[:])
		r.RefundLotID = refund.Int
		if err = json.Unmarshal(restored, &r.Restored); err != nil {
			return nil, fmt.Errorf("reversal %d: %w", r.ID, err)
		}
		revs = append(revs, r)
	}
	return revs, rows.Err()
}
