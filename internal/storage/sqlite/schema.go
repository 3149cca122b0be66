package sqlite

const schemaSQL = `
-- Jobs table
-- One row per submitted transformation request. The job row is retained
-- after reaping; only its items and steps are deleted.
CREATE TABLE IF NOT EXISTS jobs (
	job_id TEXT PRIMARY KEY,
	username TEXT NOT NULL,
	status TEXT NOT NULL,
	message TEXT,
	progress INTEGER NOT NULL DEFAULT 0,
	num_input_granules INTEGER NOT NULL DEFAULT 0,
	is_async INTEGER NOT NULL DEFAULT 1,
	ignore_errors INTEGER NOT NULL DEFAULT 0,
	error_count INTEGER NOT NULL DEFAULT 0,
	request TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_status_updated ON jobs(status, updated_at);
CREATE INDEX IF NOT EXISTS idx_jobs_username ON jobs(username, created_at DESC);

-- Workflow steps
-- (job_id, step_index) identifies a step; step_index is dense from 1.
CREATE TABLE IF NOT EXISTS workflow_steps (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL REFERENCES jobs(job_id) ON DELETE CASCADE,
	step_index INTEGER NOT NULL,
	service_id TEXT NOT NULL,
	operation TEXT NOT NULL,
	work_item_count INTEGER NOT NULL DEFAULT 0,
	has_aggregated_output INTEGER NOT NULL DEFAULT 0,
	batch_size INTEGER NOT NULL DEFAULT 0,
	max_batch_size_bytes INTEGER NOT NULL DEFAULT 0,
	is_sequential INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	UNIQUE(job_id, step_index)
);

-- Work items
CREATE TABLE IF NOT EXISTS work_items (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL REFERENCES jobs(job_id) ON DELETE CASCADE,
	service_id TEXT NOT NULL,
	workflow_step_index INTEGER NOT NULL,
	status TEXT NOT NULL,
	stac_catalog_location TEXT,
	scroll_id TEXT,
	error_message TEXT,
	total_items_size REAL NOT NULL DEFAULT 0,
	started_at INTEGER,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_items_service_status ON work_items(service_id, status);
CREATE INDEX IF NOT EXISTS idx_items_job_step_status ON work_items(job_id, workflow_step_index, status);
CREATE INDEX IF NOT EXISTS idx_items_job_status ON work_items(job_id, status);
CREATE INDEX IF NOT EXISTS idx_items_status_started ON work_items(status, started_at);

-- User work
-- Denormalized ready/running counters per (job, service, username) so fair
-- scheduling needs no scan over work_items. Maintained in the same
-- transaction as the item transitions they mirror.
CREATE TABLE IF NOT EXISTS user_work (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL REFERENCES jobs(job_id) ON DELETE CASCADE,
	service_id TEXT NOT NULL,
	username TEXT NOT NULL,
	ready_count INTEGER NOT NULL DEFAULT 0,
	running_count INTEGER NOT NULL DEFAULT 0,
	last_worked INTEGER NOT NULL,
	UNIQUE(job_id, service_id)
);

CREATE INDEX IF NOT EXISTS idx_user_work_service ON user_work(service_id, last_worked, running_count);

-- Job links (append-only outputs)
CREATE TABLE IF NOT EXISTS job_links (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL REFERENCES jobs(job_id) ON DELETE CASCADE,
	href TEXT NOT NULL,
	rel TEXT NOT NULL,
	type TEXT,
	title TEXT,
	bbox TEXT,
	temporal TEXT,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_links_job ON job_links(job_id, id);

-- Aggregation batches
CREATE TABLE IF NOT EXISTS batches (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL REFERENCES jobs(job_id) ON DELETE CASCADE,
	step_index INTEGER NOT NULL,
	batch_number INTEGER NOT NULL,
	is_sealed INTEGER NOT NULL DEFAULT 0,
	item_count INTEGER NOT NULL DEFAULT 0,
	total_size INTEGER NOT NULL DEFAULT 0,
	UNIQUE(job_id, step_index, batch_number)
);

-- Outputs waiting for batch assignment, ordered by producer item then output
-- index for deterministic composition
CREATE TABLE IF NOT EXISTS batch_items (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL REFERENCES jobs(job_id) ON DELETE CASCADE,
	step_index INTEGER NOT NULL,
	batch_number INTEGER,
	producer_item_id INTEGER NOT NULL,
	output_index INTEGER NOT NULL,
	stac_location TEXT NOT NULL,
	item_size INTEGER NOT NULL DEFAULT 0,
	UNIQUE(job_id, step_index, producer_item_id, output_index)
);

CREATE INDEX IF NOT EXISTS idx_batch_items_unassigned ON batch_items(job_id, step_index, batch_number);
`
