package journal

import (
	"binance-range-bot-go/internal/models"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // Import the sqlite3 driver
)

// Journal is an append-only audit trail of every order the bot places and
// every trade it finalizes. The badger snapshot is the source of truth for
// recovery; the journal exists so that history survives snapshot resets and
// can be inspected with plain SQL.
type Journal struct {
	db *sql.DB
}

// Open initializes the journal database and creates tables if needed.
func Open(dataSourceName string) (*Journal, error) {
	if dir := filepath.Dir(dataSourceName); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to journal database: %w", err)
	}
	if err = createTables(db); err != nil {
		return nil, fmt.Errorf("failed to create journal tables: %w", err)
	}
	return &Journal{db: db}, nil
}

func createTables(db *sql.DB) error {
	createOrdersTableSQL := `
	CREATE TABLE IF NOT EXISTS orders (
		order_id TEXT NOT NULL,
		trade_id TEXT,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		price REAL NOT NULL,
		amount REAL NOT NULL,
		filled REAL NOT NULL,
		state TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		recorded_at INTEGER NOT NULL
	);`
	if _, err := db.Exec(createOrdersTableSQL); err != nil {
		return err
	}

	createTradesTableSQL := `
	CREATE TABLE IF NOT EXISTS trades (
		id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		buy_order_id TEXT NOT NULL,
		sell_order_id TEXT,
		buy_price REAL NOT NULL,
		sell_price REAL,
		amount REAL NOT NULL,
		profit REAL,
		profit_rate REAL,
		status TEXT NOT NULL,
		failure_reason TEXT,
		start_time INTEGER NOT NULL,
		end_time INTEGER,
		recorded_at INTEGER NOT NULL
	);`
	if _, err := db.Exec(createTradesTableSQL); err != nil {
		return err
	}
	return nil
}

// RecordOrder appends one row per order placement or terminal transition.
func (j *Journal) RecordOrder(snap *models.OrderSnapshot, side models.OrderSide, tradeID string) error {
	query := `
	INSERT INTO orders (order_id, trade_id, symbol, side, price, amount, filled, state, created_at, recorded_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := j.db.Exec(query,
		snap.OrderID, tradeID, snap.Symbol, string(side),
		snap.Price, snap.Amount, snap.Filled, string(snap.State),
		snap.CreatedAt, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to journal order %s: %w", snap.OrderID, err)
	}
	return nil
}

// RecordTrade upserts a trade record. Called when a trade is created and
// again when it reaches a terminal status.
func (j *Journal) RecordTrade(record *models.TradeRecord) error {
	query := `
	INSERT INTO trades (id, symbol, buy_order_id, sell_order_id, buy_price, sell_price, amount,
		profit, profit_rate, status, failure_reason, start_time, end_time, recorded_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		sell_order_id = excluded.sell_order_id,
		sell_price = excluded.sell_price,
		profit = excluded.profit,
		profit_rate = excluded.profit_rate,
		status = excluded.status,
		failure_reason = excluded.failure_reason,
		end_time = excluded.end_time,
		recorded_at = excluded.recorded_at;`

	_, err := j.db.Exec(query,
		record.ID, record.Symbol, record.BuyOrderID, record.SellOrderID,
		record.BuyPrice, record.SellPrice, record.Amount,
		record.Profit, record.ProfitRate, string(record.Status), record.FailureReason,
		record.StartTime, record.EndTime, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to journal trade %s: %w", record.ID, err)
	}
	return nil
}

// RecentTrades returns the most recently recorded trades, newest first.
func (j *Journal) RecentTrades(limit int) ([]*models.TradeRecord, error) {
	query := `
	SELECT id, symbol, buy_order_id, COALESCE(sell_order_id, ''), buy_price, COALESCE(sell_price, 0),
		amount, COALESCE(profit, 0), COALESCE(profit_rate, 0), status, COALESCE(failure_reason, ''),
		start_time, COALESCE(end_time, 0)
	FROM trades ORDER BY recorded_at DESC LIMIT ?`

	rows, err := j.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var records []*models.TradeRecord
	for rows.Next() {
		var r models.TradeRecord
		var status string
		if err := rows.Scan(
			&r.ID, &r.Symbol, &r.BuyOrderID, &r.SellOrderID, &r.BuyPrice, &r.SellPrice,
			&r.Amount, &r.Profit, &r.ProfitRate, &status, &r.FailureReason,
			&r.StartTime, &r.EndTime,
		); err != nil {
			return nil, fmt.Errorf("failed to scan trade row: %w", err)
		}
		r.Status = models.TradeStatus(status)
		records = append(records, &r)
	}
	return records, rows.Err()
}

// Close closes the journal database.
func (j *Journal) Close() error {
	return j.db.Close()
}
