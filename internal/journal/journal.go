// Package journal keeps the permanent trade record: every order placed and
// every realized deal, in sqlite, with an Excel export for review.
package journal

import (
	"context"
	cryptoRand "crypto/rand"
	"database/sql"
	"encoding/binary"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/oklog/ulid/v2"

	"github.com/ptdat-quant/confluence-bot/internal/broker"
	"github.com/ptdat-quant/confluence-bot/internal/events"
)

var (
	idMu   sync.Mutex
	idMono io.Reader
)

func init() {
	// Monotonic entropy keeps IDs generated within one millisecond
	// lexicographically increasing, which sqlite indexes nicely.
	var seed int64
	_ = binary.Read(cryptoRand.Reader, binary.LittleEndian, &seed)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	idMono = ulid.Monotonic(rand.New(rand.NewSource(seed)), 0)
}

func newID() string {
	idMu.Lock()
	defer idMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now().UTC()), idMono)
	if err != nil {
		panic(err)
	}
	return id.String()
}

// Entry is one journal row: an open order, completed by its close when the
// broker reports the matching deal.
type Entry struct {
	ID         string
	Ticket     string
	Symbol     string
	Direction  broker.Direction
	Volume     float64
	Entry      float64
	StopLoss   float64
	TakeProfit float64
	Score      float64
	OpenedAt   time.Time
	ExitPrice  float64
	Profit     float64
	ClosedAt   time.Time // zero while the trade is open
}

// Closed reports whether the trade has a realized result.
func (e Entry) Closed() bool { return !e.ClosedAt.IsZero() }

// Journal is the sqlite trade record.
type Journal struct {
	db *sql.DB
}

// Open creates or opens the journal database at path.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("journal pragma %s: %w", p, err)
		}
	}

	schema := `CREATE TABLE IF NOT EXISTS trades (
		id TEXT PRIMARY KEY,
		ticket TEXT NOT NULL,
		symbol TEXT NOT NULL,
		direction TEXT NOT NULL,
		volume REAL NOT NULL,
		entry REAL NOT NULL,
		stop_loss REAL NOT NULL,
		take_profit REAL NOT NULL,
		score REAL NOT NULL,
		opened_at TIMESTAMP NOT NULL,
		exit_price REAL NOT NULL DEFAULT 0,
		profit REAL NOT NULL DEFAULT 0,
		closed_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_trades_ticket ON trades(ticket);
	CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol);`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("journal schema: %w", err)
	}

	return &Journal{db: db}, nil
}

// RecordOpen journals a freshly placed order.
func (j *Journal) RecordOpen(ctx context.Context, trade events.TradeExecuted) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO trades
		(id, ticket, symbol, direction, volume, entry, stop_loss, take_profit, score, opened_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		newID(), trade.Ticket, trade.Symbol, string(trade.Direction), trade.Volume,
		trade.Entry, trade.StopLoss, trade.TakeProfit, trade.Score, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("journal open %s: %w", trade.Ticket, err)
	}
	return nil
}

// RecordClose completes the open row for the deal's ticket. A deal with no
// matching open row (partial closes produce child tickets on some venues) is
// journaled standalone so nothing realized is ever lost.
func (j *Journal) RecordClose(ctx context.Context, deal broker.Deal) error {
	res, err := j.db.ExecContext(ctx, `
		UPDATE trades SET exit_price = ?, profit = ?, closed_at = ?
		WHERE ticket = ? AND closed_at IS NULL`,
		deal.ExitPrice, deal.Profit, deal.ClosedAt.UTC(), deal.Ticket,
	)
	if err != nil {
		return fmt.Errorf("journal close %s: %w", deal.Ticket, err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}

	_, err = j.db.ExecContext(ctx, `
		INSERT INTO trades
		(id, ticket, symbol, direction, volume, entry, stop_loss, take_profit, score, opened_at, exit_price, profit, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		newID(), deal.Ticket, deal.Symbol, string(deal.Direction), deal.Volume,
		deal.EntryPrice, 0.0, 0.0, deal.OpenedAt.UTC(), deal.ExitPrice, deal.Profit, deal.ClosedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("journal orphan close %s: %w", deal.Ticket, err)
	}
	return nil
}

// Trades returns journal rows, newest first by id (ids are time-ordered).
// A non-positive limit returns everything.
func (j *Journal) Trades(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1 // sqlite treats a negative LIMIT as unbounded
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, ticket, symbol, direction, volume, entry, stop_loss, take_profit,
		       score, opened_at, exit_price, profit, closed_at
		FROM trades ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var direction string
		var closedAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.Ticket, &e.Symbol, &direction, &e.Volume, &e.Entry,
			&e.StopLoss, &e.TakeProfit, &e.Score, &e.OpenedAt, &e.ExitPrice, &e.Profit, &closedAt); err != nil {
			return nil, fmt.Errorf("journal scan: %w", err)
		}
		e.Direction = broker.Direction(direction)
		if closedAt.Valid {
			e.ClosedAt = closedAt.Time
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Summary aggregates the realized side of the journal.
type Summary struct {
	Trades      int
	Wins        int
	Losses      int
	GrossProfit float64
	GrossLoss   float64
	NetProfit   float64
}

// WinRate returns wins over closed trades, zero when nothing closed.
func (s Summary) WinRate() float64 {
	if s.Trades == 0 {
		return 0
	}
	return float64(s.Wins) / float64(s.Trades)
}

// Summarize computes realized statistics over all closed trades.
func (j *Journal) Summarize(ctx context.Context) (Summary, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT profit FROM trades WHERE closed_at IS NOT NULL`)
	if err != nil {
		return Summary{}, fmt.Errorf("journal summary: %w", err)
	}
	defer rows.Close()

	var s Summary
	for rows.Next() {
		var profit float64
		if err := rows.Scan(&profit); err != nil {
			return Summary{}, err
		}
		s.Trades++
		s.NetProfit += profit
		if profit >= 0 {
			s.Wins++
			s.GrossProfit += profit
		} else {
			s.Losses++
			s.GrossLoss += profit
		}
	}
	return s, rows.Err()
}

// Close releases the database handle.
func (j *Journal) Close() error {
	return j.db.Close()
}
