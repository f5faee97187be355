package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Fixed-width UTC timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000Z07:00"

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, zero CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database and runs migrations.
// The database file is kept at 0600 permissions and its parent directory at 0700.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := prepareFile(path); err != nil {
			return nil, err
		}
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite handles one writer at a time
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

func prepareFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating database directory: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			return fmt.Errorf("creating database file: %w", err)
		}
		_ = f.Close()
		return nil
	}

	// Broker passwords live here.
	if err := os.Chmod(path, 0600); err != nil {
		return fmt.Errorf("restricting database permissions: %w", err)
	}
	return nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	var current int
	row := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		slog.Info("applying migration", "version", i+1)
		if _, err := s.db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("recording migration %d: %w", i+1, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Strategies ---

// SaveStrategy inserts s when s.ID is zero (setting s.ID) and updates it otherwise.
func (s *SQLiteStore) SaveStrategy(st *StrategyRecord) error {
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now()
	}

	if st.ID == 0 {
		res, err := s.db.Exec(`INSERT INTO strategies (user_id, exch, stock_name, price_type,
			initial_buy_price, buy_on_market, target_price_diff, entry_diff_price, lot_size,
			max_open_position, duration, stop_loss, market_closing_time, debug_on, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			st.UserID, st.Exch, st.StockName, st.PriceType,
			st.InitialBuyPrice, boolToInt(st.BuyOnMarket), st.TargetPriceDiff, st.EntryDiffPrice, st.LotSize,
			st.MaxOpenPosition, st.Duration, st.StopLoss, st.MarketClosingTime, boolToInt(st.DebugOn),
			formatTime(st.CreatedAt))
		if err != nil {
			return fmt.Errorf("inserting strategy: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("reading strategy id: %w", err)
		}
		st.ID = id
		return nil
	}

	res, err := s.db.Exec(`UPDATE strategies SET
		user_id = ?, exch = ?, stock_name = ?, price_type = ?,
		initial_buy_price = ?, buy_on_market = ?, target_price_diff = ?, entry_diff_price = ?,
		lot_size = ?, max_open_position = ?, duration = ?, stop_loss = ?,
		market_closing_time = ?, debug_on = ?
		WHERE id = ?`,
		st.UserID, st.Exch, st.StockName, st.PriceType,
		st.InitialBuyPrice, boolToInt(st.BuyOnMarket), st.TargetPriceDiff, st.EntryDiffPrice,
		st.LotSize, st.MaxOpenPosition, st.Duration, st.StopLoss,
		st.MarketClosingTime, boolToInt(st.DebugOn),
		st.ID)
	if err != nil {
		return fmt.Errorf("updating strategy: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("strategy %d: %w", st.ID, ErrNotFound)
	}
	return nil
}

const strategyColumns = `id, user_id, exch, stock_name, price_type, initial_buy_price, buy_on_market,
	target_price_diff, entry_diff_price, lot_size, max_open_position, duration, stop_loss,
	market_closing_time, debug_on, created_at`

func (s *SQLiteStore) GetStrategy(id int64) (*StrategyRecord, error) {
	row := s.db.QueryRow("SELECT "+strategyColumns+" FROM strategies WHERE id = ?", id)
	st, err := scanStrategy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("strategy %d: %w", id, ErrNotFound)
	}
	return st, err
}

func (s *SQLiteStore) ListStrategies(userID int64) ([]StrategyRecord, error) {
	rows, err := s.db.Query("SELECT "+strategyColumns+" FROM strategies WHERE user_id = ? ORDER BY created_at DESC, id DESC", userID)
	if err != nil {
		return nil, fmt.Errorf("listing strategies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var list []StrategyRecord
	for rows.Next() {
		st, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *st)
	}
	return list, rows.Err()
}

// --- Broker credentials ---

func (s *SQLiteStore) SaveCredentials(c *CredentialsRecord) error {
	c.UpdatedAt = time.Now()
	_, err := s.db.Exec(`INSERT INTO broker_credentials (user_id, token, user_code, password, vc, app_key, imei, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			token = excluded.token,
			user_code = excluded.user_code,
			password = excluded.password,
			vc = excluded.vc,
			app_key = excluded.app_key,
			imei = excluded.imei,
			updated_at = excluded.updated_at`,
		c.UserID, c.Token, c.UserCode, c.Password, c.VC, c.AppKey, c.IMEI, formatTime(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("saving credentials: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetCredentials(userID int64) (*CredentialsRecord, error) {
	var c CredentialsRecord
	var updatedAt string

	err := s.db.QueryRow(`SELECT user_id, token, user_code, password, vc, app_key, imei, updated_at
		FROM broker_credentials WHERE user_id = ?`, userID).
		Scan(&c.UserID, &c.Token, &c.UserCode, &c.Password, &c.VC, &c.AppKey, &c.IMEI, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("credentials for user %d: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning credentials: %w", err)
	}

	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

// --- Run history ---

func (s *SQLiteStore) RecordRunStart(r *RunRecord) error {
	if r.State == "" {
		r.State = RunRunning
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	_, err := s.db.Exec(`INSERT INTO task_runs (task_id, task_key, command, pid, state, exit_code, message, started_at, exited_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.TaskID, r.Key, r.Command, r.PID, r.State, r.ExitCode, r.Message,
		formatTime(r.StartedAt), formatTime(r.ExitedAt))
	if err != nil {
		return fmt.Errorf("recording run start: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecordRunExit(taskID string, exitCode int, message string, exitedAt time.Time) error {
	res, err := s.db.Exec(`UPDATE task_runs SET state = ?, exit_code = ?, message = ?, exited_at = ?
		WHERE task_id = ?`,
		RunExited, exitCode, message, formatTime(exitedAt), taskID)
	if err != nil {
		return fmt.Errorf("recording run exit: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", taskID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) ListRuns(f RunFilter) ([]RunRecord, error) {
	query := "SELECT task_id, task_key, command, pid, state, exit_code, message, started_at, exited_at FROM task_runs WHERE 1=1"
	var args []any

	if f.Key != "" {
		query += " AND task_key = ?"
		args = append(args, f.Key)
	}
	if f.State != "" && f.State != "all" {
		query += " AND state = ?"
		args = append(args, f.State)
	}
	if !f.Since.IsZero() {
		query += " AND started_at >= ?"
		args = append(args, formatTime(f.Since))
	}

	query += " ORDER BY started_at DESC"

	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []RunRecord
	for rows.Next() {
		var r RunRecord
		var startedAt, exitedAt string
		if err := rows.Scan(&r.TaskID, &r.Key, &r.Command, &r.PID, &r.State, &r.ExitCode, &r.Message, &startedAt, &exitedAt); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		r.StartedAt = parseTime(startedAt)
		r.ExitedAt = parseTime(exitedAt)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// --- Maintenance ---

// Cleanup deletes finished runs older than retention. A zero retention keeps everything.
func (s *SQLiteStore) Cleanup(retention time.Duration) error {
	if retention <= 0 {
		return nil
	}
	cutoff := formatTime(time.Now().Add(-retention))

	res, err := s.db.Exec("DELETE FROM task_runs WHERE state != ? AND started_at < ?", RunRunning, cutoff)
	if err != nil {
		return fmt.Errorf("cleaning runs: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Info("run history cleaned", "deleted", n)
	}
	return nil
}

// MarkInterrupted flags runs left "running" by a previous process as failed.
func (s *SQLiteStore) MarkInterrupted() (int64, error) {
	res, err := s.db.Exec("UPDATE task_runs SET state = ?, exit_code = -1, message = ? WHERE state = ?",
		RunFailed, "interrupted by server restart", RunRunning)
	if err != nil {
		return 0, fmt.Errorf("marking interrupted runs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// --- Helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func scanStrategy(row scanner) (*StrategyRecord, error) {
	var st StrategyRecord
	var buyOnMarket, debugOn int
	var createdAt string

	err := row.Scan(&st.ID, &st.UserID, &st.Exch, &st.StockName, &st.PriceType,
		&st.InitialBuyPrice, &buyOnMarket, &st.TargetPriceDiff, &st.EntryDiffPrice,
		&st.LotSize, &st.MaxOpenPosition, &st.Duration, &st.StopLoss,
		&st.MarketClosingTime, &debugOn, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning strategy: %w", err)
	}

	st.BuyOnMarket = buyOnMarket != 0
	st.DebugOn = debugOn != 0
	st.CreatedAt = parseTime(createdAt)
	return &st, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(timeFormat, s)
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
