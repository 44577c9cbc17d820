package storage

// schema is applied by Migrate. usage_records is keyed by reservation id so a
// replayed append is absorbed by ON CONFLICT DO NOTHING.
const schema = `
CREATE TABLE IF NOT EXISTS tenant_budgets (
	tenant_id           TEXT             NOT NULL,
	period_kind         TEXT             NOT NULL CHECK (period_kind IN ('daily', 'monthly')),
	limit_amount        DOUBLE PRECISION NOT NULL CHECK (limit_amount >= 0),
	enforce             BOOLEAN          NOT NULL DEFAULT TRUE,
	alert_threshold_pct DOUBLE PRECISION NOT NULL DEFAULT 80,
	updated_at          TIMESTAMPTZ      NOT NULL DEFAULT NOW(),
	PRIMARY KEY (tenant_id, period_kind)
);

CREATE TABLE IF NOT EXISTS usage_records (
	reservation_id TEXT             PRIMARY KEY,
	tenant_id      TEXT             NOT NULL,
	provider       TEXT             NOT NULL,
	model          TEXT             NOT NULL,
	task_type      TEXT             NOT NULL,
	tokens_in      INTEGER          NOT NULL DEFAULT 0,
	tokens_out     INTEGER          NOT NULL DEFAULT 0,
	actual_cost    DOUBLE PRECISION NOT NULL DEFAULT 0,
	latency_ms     BIGINT           NOT NULL DEFAULT 0,
	success        BOOLEAN          NOT NULL,
	failure_reason TEXT             NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ      NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_usage_records_tenant_created
	ON usage_records (tenant_id, created_at DESC);
`
