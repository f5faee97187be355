package store

// migrations are applied in order; index i is schema version i+1.
var migrations = []string{
	`CREATE TABLE strategies (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		exch TEXT NOT NULL DEFAULT '',
		stock_name TEXT NOT NULL DEFAULT '',
		price_type TEXT NOT NULL DEFAULT '',
		initial_buy_price REAL NOT NULL DEFAULT 0,
		buy_on_market INTEGER NOT NULL DEFAULT 0,
		target_price_diff REAL NOT NULL DEFAULT 0,
		entry_diff_price REAL NOT NULL DEFAULT 0,
		lot_size INTEGER NOT NULL DEFAULT 0,
		max_open_position INTEGER NOT NULL DEFAULT 1,
		duration INTEGER NOT NULL DEFAULT 300,
		stop_loss REAL NOT NULL DEFAULT 0,
		market_closing_time TEXT NOT NULL DEFAULT '15:30',
		debug_on INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX idx_strategies_user ON strategies(user_id);

	CREATE TABLE broker_credentials (
		user_id INTEGER PRIMARY KEY,
		token TEXT NOT NULL DEFAULT '',
		user_code TEXT NOT NULL DEFAULT '',
		password TEXT NOT NULL DEFAULT '',
		vc TEXT NOT NULL DEFAULT '',
		app_key TEXT NOT NULL DEFAULT '',
		imei TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL DEFAULT ''
	);`,

	`CREATE TABLE task_runs (
		task_id TEXT PRIMARY KEY,
		task_key TEXT NOT NULL,
		command TEXT NOT NULL DEFAULT '',
		pid INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL,
		exit_code INTEGER NOT NULL DEFAULT 0,
		message TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		exited_at TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX idx_task_runs_key ON task_runs(task_key);
	CREATE INDEX idx_task_runs_started ON task_runs(started_at);`,
}
