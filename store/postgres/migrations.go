package postgres

// Migrations holds the idempotent DDL for the Engage store, applied in order
// by Migrate. Every statement uses IF NOT EXISTS so re-running is safe.
var Migrations = []struct {
	Name string
	SQL  string
}{
	{
		Name: "create_engage_votes",
		SQL: `
CREATE TABLE IF NOT EXISTS engage_votes (
    project_id TEXT NOT NULL,
    user_id    TEXT NOT NULL,
    target_id  TEXT NOT NULL,
    value      TEXT NOT NULL DEFAULT 'none',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (project_id, user_id, target_id)
);

CREATE INDEX IF NOT EXISTS idx_engage_votes_recent
    ON engage_votes (project_id, user_id, updated_at DESC, target_id DESC);
CREATE INDEX IF NOT EXISTS idx_engage_votes_target
    ON engage_votes (project_id, target_id);
`,
	},
	{
		Name: "create_engage_expressions",
		SQL: `
CREATE TABLE IF NOT EXISTS engage_expressions (
    project_id  TEXT NOT NULL,
    user_id     TEXT NOT NULL,
    target_id   TEXT NOT NULL,
    expressions TEXT[] NOT NULL DEFAULT '{}',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (project_id, user_id, target_id)
);

CREATE INDEX IF NOT EXISTS idx_engage_expressions_recent
    ON engage_expressions (project_id, user_id, updated_at DESC, target_id DESC);
CREATE INDEX IF NOT EXISTS idx_engage_expressions_target
    ON engage_expressions (project_id, target_id);
`,
	},
	{
		Name: "create_engage_funds",
		SQL: `
CREATE TABLE IF NOT EXISTS engage_funds (
    project_id TEXT NOT NULL,
    user_id    TEXT NOT NULL,
    target_id  TEXT NOT NULL,
    balance    BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (project_id, user_id, target_id)
);

CREATE INDEX IF NOT EXISTS idx_engage_funds_recent
    ON engage_funds (project_id, user_id, updated_at DESC, target_id DESC);
CREATE INDEX IF NOT EXISTS idx_engage_funds_target
    ON engage_funds (project_id, target_id);
`,
	},
	{
		Name: "create_engage_transactions",
		SQL: `
CREATE TABLE IF NOT EXISTS engage_transactions (
    id            TEXT PRIMARY KEY,
    project_id    TEXT NOT NULL,
    user_id       TEXT NOT NULL,
    target_id     TEXT NOT NULL,
    delta         BIGINT NOT NULL DEFAULT 0,
    balance_after BIGINT NOT NULL DEFAULT 0 CHECK (balance_after >= 0),
    type          TEXT NOT NULL DEFAULT '',
    summary       TEXT NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    expires_at    TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_engage_transactions_ledger
    ON engage_transactions (project_id, user_id, id DESC);
CREATE INDEX IF NOT EXISTS idx_engage_transactions_expiry
    ON engage_transactions (expires_at) WHERE expires_at IS NOT NULL;
`,
	},
}
