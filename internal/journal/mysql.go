package journal

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	xerrors "AgentPay-Chain/internal/errors"
)

// MySQLJournal 使用 MySQL 持久化付款日志。
type MySQLJournal struct {
	db *sql.DB
}

// MySQLConfig 描述连接与连接池参数。
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// withDefaults 为未设置的连接池参数填入默认值。
func (c MySQLConfig) withDefaults() MySQLConfig {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 20
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 10
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 10 * time.Minute
	}
	return c
}

// NewMySQLJournal 创建一个新的 MySQLJournal。
func NewMySQLJournal(cfg MySQLConfig) (*MySQLJournal, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}
	cfg = cfg.withDefaults()

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStoreUnavailable, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStoreUnavailable, err, "无法连接到 MySQL")
	}

	journal := &MySQLJournal{db: db}
	if err := journal.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return journal, nil
}

func (j *MySQLJournal) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS payment_journal (
        id VARCHAR(64) PRIMARY KEY,
        quote_id VARCHAR(128) NOT NULL UNIQUE,
        pay_to VARCHAR(64) NOT NULL,
        amount_lamports BIGINT UNSIGNED NOT NULL,
        duration_minutes INT NOT NULL DEFAULT 0,
        payment_signature VARCHAR(128) DEFAULT '',
        status VARCHAR(16) NOT NULL,
        quote_expires_at BIGINT NOT NULL DEFAULT 0,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_journal_status (status)
)`

	if _, err := j.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStoreUnavailable, err, "初始化 payment_journal 表失败")
	}
	return nil
}

// RecordQuote 登记一条新报价。同一报价重复登记视为冲突。
func (j *MySQLJournal) RecordQuote(ctx context.Context, entry Entry) error {
	if strings.TrimSpace(entry.QuoteID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "quote_id 不能为空")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Status == "" {
		entry.Status = StatusQuoted
	}
	now := time.Now().Unix()

	const stmt = `INSERT INTO payment_journal
        (id, quote_id, pay_to, amount_lamports, duration_minutes, payment_signature, status, quote_expires_at, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := j.db.ExecContext(ctx, stmt,
		entry.ID,
		entry.QuoteID,
		entry.PayTo,
		entry.AmountLamports,
		entry.DurationMinutes,
		entry.PaymentSignature,
		entry.Status,
		entry.QuoteExpiresAt.Unix(),
		now,
		now,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.New(xerrors.CodeAlreadyExists, "报价已登记",
				xerrors.WithMetadata("quote_id", entry.QuoteID))
		}
		return xerrors.Wrap(xerrors.CodeStoreUnavailable, err, "登记报价失败")
	}
	return nil
}

// RecordPayment 记录付款签名并推进状态。
func (j *MySQLJournal) RecordPayment(ctx context.Context, quoteID, paymentSignature string) error {
	const stmt = `UPDATE payment_journal SET payment_signature = ?, status = ?, updated_at = ? WHERE quote_id = ?`

	res, err := j.db.ExecContext(ctx, stmt, paymentSignature, StatusPaid, time.Now().Unix(), quoteID)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStoreUnavailable, err, "记录付款签名失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "未找到对应的报价记录",
			xerrors.WithMetadata("quote_id", quoteID))
	}
	return nil
}

// MarkClaimed 标记领取完成。
func (j *MySQLJournal) MarkClaimed(ctx context.Context, quoteID string) error {
	const stmt = `UPDATE payment_journal SET status = ?, updated_at = ? WHERE quote_id = ?`

	res, err := j.db.ExecContext(ctx, stmt, StatusClaimed, time.Now().Unix(), quoteID)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStoreUnavailable, err, "标记领取完成失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "未找到对应的报价记录",
			xerrors.WithMetadata("quote_id", quoteID))
	}
	return nil
}

// PendingClaims 返回已付款未领取的记录。
func (j *MySQLJournal) PendingClaims(ctx context.Context) ([]Entry, error) {
	const stmt = `SELECT id, quote_id, pay_to, amount_lamports, duration_minutes, payment_signature, status, quote_expires_at, created_at, updated_at
        FROM payment_journal WHERE status = ? ORDER BY updated_at ASC`

	rows, err := j.db.QueryContext(ctx, stmt, StatusPaid)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStoreUnavailable, err, "查询待领取记录失败")
	}
	defer rows.Close()

	var pending []Entry
	for rows.Next() {
		var entry Entry
		var expiresAt, createdAt, updatedAt int64
		if err := rows.Scan(
			&entry.ID,
			&entry.QuoteID,
			&entry.PayTo,
			&entry.AmountLamports,
			&entry.DurationMinutes,
			&entry.PaymentSignature,
			&entry.Status,
			&expiresAt,
			&createdAt,
			&updatedAt,
		); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStoreUnavailable, err, "解析付款日志失败")
		}
		entry.QuoteExpiresAt = time.Unix(expiresAt, 0).UTC()
		entry.CreatedAt = time.Unix(createdAt, 0).UTC()
		entry.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		pending = append(pending, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStoreUnavailable, err, "遍历付款日志失败")
	}
	return pending, nil
}

// Close 关闭底层数据库连接。
func (j *MySQLJournal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

var (
	_ Journal = (*MySQLJournal)(nil)
	_ Journal = (*MemoryJournal)(nil)
)
