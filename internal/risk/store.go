package risk

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// Store persists risk state so counters and kill switches survive a restart.
// Daily counters are keyed by scope and UTC calendar day; the global counter
// uses the reserved scope below.
type Store struct {
	db *sql.DB
}

// globalScope keys the account-wide daily counter.
const globalScope = "_global"

// NewStore opens (creating if needed) the sqlite database at path.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open risk store: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("risk store pragma %s: %w", p, err)
		}
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS daily_counters (
			scope TEXT NOT NULL,
			day TEXT NOT NULL,
			trades INTEGER NOT NULL,
			PRIMARY KEY (scope, day)
		);`,
		`CREATE TABLE IF NOT EXISTS symbol_state (
			symbol TEXT PRIMARY KEY,
			consecutive_losses INTEGER NOT NULL,
			kill_switch INTEGER NOT NULL,
			kill_switch_at INTEGER NOT NULL,
			recovery_trades INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS outcomes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			profit REAL NOT NULL,
			closed_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_symbol ON outcomes(symbol, id);`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("risk store schema: %w", err)
		}
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveDailyCount upserts the trade count for a scope and day.
func (s *Store) SaveDailyCount(scope, day string, trades int) error {
	_, err := s.db.Exec(
		`INSERT INTO daily_counters (scope, day, trades) VALUES (?, ?, ?)
		 ON CONFLICT(scope, day) DO UPDATE SET trades=excluded.trades`,
		scope, day, trades,
	)
	return err
}

// LoadDailyCount returns the stored trade count for a scope and day, 0 when
// absent.
func (s *Store) LoadDailyCount(scope, day string) (int, error) {
	var trades int
	err := s.db.QueryRow(
		`SELECT trades FROM daily_counters WHERE scope = ? AND day = ?`, scope, day,
	).Scan(&trades)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return trades, err
}

// SaveSymbolState upserts the durable slice of a symbol's risk state.
func (s *Store) SaveSymbolState(symbol string, st *symbolStats) error {
	kill := 0
	if st.killSwitch {
		kill = 1
	}
	_, err := s.db.Exec(
		`INSERT INTO symbol_state (symbol, consecutive_losses, kill_switch, kill_switch_at, recovery_trades, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(symbol) DO UPDATE SET
			consecutive_losses=excluded.consecutive_losses,
			kill_switch=excluded.kill_switch,
			kill_switch_at=excluded.kill_switch_at,
			recovery_trades=excluded.recovery_trades,
			updated_at=excluded.updated_at`,
		symbol, st.consecutiveLosses, kill, st.killSwitchAt.Unix(), st.recoveryTrades, time.Now().Unix(),
	)
	return err
}

// AppendOutcome stores a realized trade result.
func (s *Store) AppendOutcome(symbol string, o TradeOutcome) error {
	_, err := s.db.Exec(
		`INSERT INTO outcomes (symbol, profit, closed_at) VALUES (?, ?, ?)`,
		symbol, o.Profit, o.ClosedAt.Unix(),
	)
	return err
}

// loadSymbols restores every persisted symbol state with its most recent
// outcomes, oldest first.
func (s *Store) loadSymbols(windowCap int) (map[string]*symbolStats, error) {
	rows, err := s.db.Query(`SELECT symbol, consecutive_losses, kill_switch, kill_switch_at, recovery_trades FROM symbol_state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]*symbolStats)
	for rows.Next() {
		var symbol string
		var losses, kill, recovery int
		var killAt int64
		if err := rows.Scan(&symbol, &losses, &kill, &killAt, &recovery); err != nil {
			return nil, err
		}
		out[symbol] = &symbolStats{
			consecutiveLosses: losses,
			killSwitch:        kill != 0,
			killSwitchAt:      time.Unix(killAt, 0).UTC(),
			recoveryTrades:    recovery,
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for symbol, st := range out {
		window, err := s.loadOutcomes(symbol, windowCap)
		if err != nil {
			return nil, err
		}
		st.window = window
	}
	return out, nil
}

func (s *Store) loadOutcomes(symbol string, limit int) ([]TradeOutcome, error) {
	rows, err := s.db.Query(
		`SELECT profit, closed_at FROM (
			SELECT id, profit, closed_at FROM outcomes WHERE symbol = ? ORDER BY id DESC LIMIT ?
		 ) ORDER BY id ASC`,
		symbol, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TradeOutcome
	for rows.Next() {
		var profit float64
		var closedAt int64
		if err := rows.Scan(&profit, &closedAt); err != nil {
			return nil, err
		}
		out = append(out, TradeOutcome{Profit: profit, ClosedAt: time.Unix(closedAt, 0).UTC()})
	}
	return out, rows.Err()
}
