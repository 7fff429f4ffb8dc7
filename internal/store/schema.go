package store

// schema is applied with CREATE TABLE IF NOT EXISTS on every Open, following
// the raw-SQL-migration style of the nofx strategy store: idempotent DDL
// executed at startup rather than a separate migration tool.
const schema = `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS strategies (
	id                       TEXT PRIMARY KEY,
	idempotency_key          TEXT UNIQUE,
	market                   TEXT NOT NULL,
	sec_type                 TEXT NOT NULL,
	exchange                 TEXT NOT NULL,
	currency                 TEXT NOT NULL DEFAULT 'USD',
	trade_type               TEXT NOT NULL,
	condition_logic          TEXT NOT NULL,
	conditions_json          TEXT NOT NULL DEFAULT '[]',
	trade_action_json        TEXT,
	next_strategy_id         TEXT REFERENCES strategies(id) ON DELETE SET NULL,
	upstream_only_activation INTEGER NOT NULL DEFAULT 0,
	upstream_strategy_id     TEXT,
	expire_mode              TEXT NOT NULL,
	expire_in_seconds        INTEGER,
	expire_at                TEXT,
	activated_at             TEXT,
	logical_activated_at     TEXT,
	status                   TEXT NOT NULL,
	version                  INTEGER NOT NULL DEFAULT 0,
	created_at               TEXT NOT NULL,
	updated_at               TEXT NOT NULL,
	deleted_at               TEXT
);

CREATE INDEX IF NOT EXISTS idx_strategies_status ON strategies(status) WHERE deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_strategies_next ON strategies(next_strategy_id);

CREATE TABLE IF NOT EXISTS strategy_symbols (
	strategy_id TEXT NOT NULL REFERENCES strategies(id) ON DELETE CASCADE,
	position    INTEGER NOT NULL,
	symbol      TEXT NOT NULL,
	sec_type    TEXT NOT NULL,
	exchange    TEXT NOT NULL,
	trade_type  TEXT NOT NULL,
	PRIMARY KEY (strategy_id, position)
);

CREATE TABLE IF NOT EXISTS condition_runtime_state (
	strategy_id       TEXT NOT NULL REFERENCES strategies(id) ON DELETE CASCADE,
	condition_id      TEXT NOT NULL,
	state             TEXT NOT NULL,
	last_value        TEXT NOT NULL DEFAULT '0',
	last_evaluated_at TEXT,
	reason            TEXT,
	PRIMARY KEY (strategy_id, condition_id)
);

CREATE TABLE IF NOT EXISTS strategy_runtime_state (
	strategy_id            TEXT PRIMARY KEY REFERENCES strategies(id) ON DELETE CASCADE,
	since_activation_high  TEXT NOT NULL DEFAULT '0',
	since_activation_low   TEXT NOT NULL DEFAULT '0',
	anchor_price           TEXT NOT NULL DEFAULT '0',
	rolled                 INTEGER NOT NULL DEFAULT 0,
	updated_at             TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS strategy_events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	strategy_id TEXT NOT NULL REFERENCES strategies(id) ON DELETE CASCADE,
	timestamp   TEXT NOT NULL,
	event_type  TEXT NOT NULL,
	detail      TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_strategy_events_strategy ON strategy_events(strategy_id, id);

CREATE TABLE IF NOT EXISTS orders (
	id              TEXT PRIMARY KEY,
	strategy_id     TEXT NOT NULL REFERENCES strategies(id) ON DELETE CASCADE,
	trade_id        TEXT NOT NULL,
	ib_order_id     TEXT,
	leg             TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL,
	order_type      TEXT NOT NULL,
	quantity        TEXT NOT NULL,
	limit_price     TEXT NOT NULL DEFAULT '0',
	status          TEXT NOT NULL,
	filled_qty      TEXT NOT NULL DEFAULT '0',
	avg_fill_price  TEXT NOT NULL DEFAULT '0',
	payload_json    TEXT NOT NULL DEFAULT '{}',
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_orders_strategy ON orders(strategy_id);
CREATE INDEX IF NOT EXISTS idx_orders_trade ON orders(trade_id);

CREATE TABLE IF NOT EXISTS trade_instructions (
	trade_id            TEXT PRIMARY KEY,
	strategy_id         TEXT NOT NULL REFERENCES strategies(id) ON DELETE CASCADE,
	instruction_summary TEXT NOT NULL DEFAULT '',
	status              TEXT NOT NULL,
	expire_at           TEXT,
	updated_at          TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS verification_events (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	strategy_id  TEXT NOT NULL REFERENCES strategies(id) ON DELETE CASCADE,
	trade_id     TEXT NOT NULL,
	rule_id      TEXT NOT NULL,
	rule_version INTEGER NOT NULL,
	passed       INTEGER NOT NULL,
	reason       TEXT NOT NULL DEFAULT '',
	snapshot     TEXT NOT NULL DEFAULT '{}',
	created_at   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_verification_trade ON verification_events(trade_id);

CREATE TABLE IF NOT EXISTS trade_logs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	strategy_id TEXT NOT NULL REFERENCES strategies(id) ON DELETE CASCADE,
	trade_id    TEXT NOT NULL,
	stage       TEXT NOT NULL,
	message     TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trade_logs_trade ON trade_logs(trade_id);

CREATE TABLE IF NOT EXISTS strategy_activations (
	id                     INTEGER PRIMARY KEY AUTOINCREMENT,
	from_strategy_id       TEXT NOT NULL,
	to_strategy_id         TEXT NOT NULL REFERENCES strategies(id) ON DELETE CASCADE,
	trigger_event_id       TEXT NOT NULL,
	effective_activated_at TEXT NOT NULL,
	market_snapshot_json   TEXT NOT NULL DEFAULT '{}',
	context_json           TEXT NOT NULL DEFAULT '{}',
	created_at             TEXT NOT NULL,
	UNIQUE (trigger_event_id, to_strategy_id)
);

CREATE TABLE IF NOT EXISTS strategy_locks (
	strategy_id TEXT PRIMARY KEY REFERENCES strategies(id) ON DELETE CASCADE,
	owner       TEXT NOT NULL,
	lock_until  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS strategy_runs (
	id                        INTEGER PRIMARY KEY AUTOINCREMENT,
	strategy_id               TEXT NOT NULL REFERENCES strategies(id) ON DELETE CASCADE,
	first_evaluated_at        TEXT NOT NULL,
	evaluated_at              TEXT NOT NULL,
	suggested_next_monitor_at TEXT NOT NULL,
	condition_met             INTEGER NOT NULL,
	decision_reason           TEXT NOT NULL DEFAULT '',
	run_count                 INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_strategy_runs_strategy ON strategy_runs(strategy_id, id);
`
