package order

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/moebius/tradewatch/internal/domain"
)

// SQLiteStore 单写连接 + 只读连接池。
// 撮合事务持有写连接期间（含交易所请求），查询走只读池，不排队
type SQLiteStore struct {
	db  *sql.DB
	rdb *sql.DB
	now func() time.Time
}

const readPoolSize = 4

// OpenSQLite 打开（必要时创建）数据库并执行迁移
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite：单连接更稳定
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, rdb: db, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}

	// 内存库无法跨连接共享，只用写连接
	if path != ":memory:" {
		rdb, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(5000)", path))
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("open sqlite reader: %w", err)
		}
		rdb.SetMaxOpenConns(readPoolSize)
		rdb.SetMaxIdleConns(readPoolSize)
		s.rdb = rdb
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s.rdb != s.db {
		_ = s.rdb.Close()
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`
CREATE TABLE IF NOT EXISTS orders (
  id TEXT PRIMARY KEY,
  exchange TEXT NOT NULL,
  symbol TEXT NOT NULL,
  position TEXT NOT NULL,
  price REAL NOT NULL,
  volume REAL NOT NULL,
  status TEXT NOT NULL,
  api_key_id TEXT NOT NULL,
  exchange_order_id TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_orders_match ON orders(exchange, symbol, status, position, price);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

const orderColumns = `id, exchange, symbol, position, price, volume, status, api_key_id, exchange_order_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(r rowScanner) (domain.Order, error) {
	var (
		o                  domain.Order
		created, updated   string
		exchange, position string
		status             string
	)
	if err := r.Scan(&o.ID, &exchange, &o.Symbol, &position, &o.Price, &o.Volume, &status, &o.ApiKeyID, &o.ExchangeOrderID, &created, &updated); err != nil {
		return domain.Order{}, err
	}
	o.Exchange = domain.Exchange(exchange)
	o.Position = domain.OrderPosition(position)
	o.Status = domain.OrderStatus(status)
	o.CreatedAt = parseTime(created)
	o.UpdatedAt = parseTime(updated)
	return o, nil
}

func (s *SQLiteStore) Create(ctx context.Context, o domain.Order) error {
	now := s.now()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO orders(`+orderColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		o.ID, string(o.Exchange), o.Symbol, string(o.Position), o.Price, o.Volume, string(o.Status),
		o.ApiKeyID, o.ExchangeOrderID, formatTime(o.CreatedAt), formatTime(now))
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (domain.Order, error) {
	o, err := scanOrder(s.rdb.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, ErrOrderNotFound
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

func (s *SQLiteStore) CountReady(ctx context.Context, exchange domain.Exchange, symbol string) (int64, error) {
	var n int64
	err := s.rdb.QueryRowContext(ctx, `SELECT COUNT(1) FROM orders WHERE exchange = ? AND symbol = ? AND status = ?`,
		string(exchange), symbol, string(domain.OrderStatusReady)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count ready: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) MarkDone(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE orders SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(domain.OrderStatusDone), formatTime(s.now()), id, string(domain.OrderStatusInProgress))
	if err != nil {
		return fmt.Errorf("mark done: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return ErrInvalidTransition
}

func (s *SQLiteStore) InTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(&sqliteTx{tx: tx, now: s.now}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type sqliteTx struct {
	tx  *sql.Tx
	now func() time.Time
}

func (t *sqliteTx) FindAndMarkInProgress(ctx context.Context, exchange domain.Exchange, symbol string, position domain.OrderPosition, tradePrice float64) ([]domain.Order, error) {
	var cond string
	switch position {
	case domain.OrderPositionSale:
		cond = "price <= ?"
	case domain.OrderPositionPurchase:
		cond = "price >= ?"
	default:
		return nil, fmt.Errorf("unknown position %q", position)
	}

	rows, err := t.tx.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders
WHERE exchange = ? AND symbol = ? AND status = ? AND position = ? AND `+cond+`
ORDER BY created_at, id`,
		string(exchange), symbol, string(domain.OrderStatusReady), string(position), tradePrice)
	if err != nil {
		return nil, fmt.Errorf("select ready: %w", err)
	}
	var candidates []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan order: %w", err)
		}
		candidates = append(candidates, o)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate orders: %w", err)
	}
	_ = rows.Close()

	now := t.now()
	matched := candidates[:0]
	for _, o := range candidates {
		res, err := t.tx.ExecContext(ctx, `UPDATE orders SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(domain.OrderStatusInProgress), formatTime(now), o.ID, string(domain.OrderStatusReady))
		if err != nil {
			return nil, fmt.Errorf("mark in progress: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			continue
		}
		o.Status = domain.OrderStatusInProgress
		o.UpdatedAt = now
		matched = append(matched, o)
	}
	return matched, nil
}

func (t *sqliteTx) SetExchangeOrderID(ctx context.Context, id, exchangeOrderID string) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE orders SET exchange_order_id = ?, updated_at = ? WHERE id = ?`,
		exchangeOrderID, formatTime(t.now()), id)
	if err != nil {
		return fmt.Errorf("set exchange order id: %w", err)
	}
	return nil
}
