package store

// Table DDL, one constant per entity. Structured columns (tags, change
// masks, snapshots) are TEXT storing JSON; modernc.org/sqlite compiles in
// the JSON1 extension for json_extract/json_set on read.
const skuInfoDDL = `
CREATE TABLE IF NOT EXISTS sku_info (
	id                      TEXT PRIMARY KEY,
	sku_code                TEXT NOT NULL UNIQUE,
	shopify_variant_id      TEXT,
	stock_qty               INTEGER NOT NULL DEFAULT 0,
	price                   TEXT,
	rrp_price               TEXT,
	special_price           TEXT,
	special_price_end_date  TEXT,
	shopify_price           TEXT,
	product_tags            TEXT NOT NULL DEFAULT '[]',
	brand                   TEXT,
	weight                  TEXT,
	cbm                     TEXT,
	length                  TEXT,
	width                   TEXT,
	height                  TEXT,
	ean_code                TEXT,
	supplier                TEXT,
	freight_act             TEXT,
	freight_nsw_m           TEXT,
	freight_nsw_r           TEXT,
	freight_nt_m            TEXT,
	freight_nt_r            TEXT,
	freight_qld_m           TEXT,
	freight_qld_r           TEXT,
	remote                  TEXT,
	freight_sa_m            TEXT,
	freight_sa_r            TEXT,
	freight_tas_m           TEXT,
	freight_tas_r           TEXT,
	freight_vic_m           TEXT,
	freight_vic_r           TEXT,
	freight_wa_m            TEXT,
	freight_wa_r            TEXT,
	freight_nz              TEXT,
	attrs_hash_current      TEXT NOT NULL DEFAULT '',
	created_at              TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
	updated_at              TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
	last_changed_at         TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);
CREATE INDEX IF NOT EXISTS idx_sku_info_last_changed_at ON sku_info(last_changed_at);
CREATE INDEX IF NOT EXISTS idx_sku_info_variant_id ON sku_info(shopify_variant_id);
CREATE INDEX IF NOT EXISTS idx_sku_info_special_end ON sku_info(special_price_end_date);
`

const productSyncRunDDL = `
CREATE TABLE IF NOT EXISTS product_sync_runs (
	id                   TEXT PRIMARY KEY,
	run_type             TEXT,
	status               TEXT NOT NULL DEFAULT 'running',
	shopify_bulk_id      TEXT,
	shopify_bulk_status  TEXT,
	shopify_bulk_url     TEXT,
	total_shopify_skus   INTEGER,
	changed_count        INTEGER,
	note                 TEXT,
	started_at           TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
	finished_at          TEXT,
	webhook_received_at  TEXT,
	created_at           TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
	updated_at           TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);
CREATE INDEX IF NOT EXISTS idx_sync_run_status ON product_sync_runs(status, created_at);
`

const productSyncCandidateDDL = `
CREATE TABLE IF NOT EXISTS product_sync_candidates (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id        TEXT NOT NULL REFERENCES product_sync_runs(id) ON DELETE CASCADE,
	sku_code      TEXT NOT NULL,
	change_mask   TEXT NOT NULL DEFAULT '{}',
	new_snapshot  TEXT NOT NULL DEFAULT '{}',
	change_count  INTEGER NOT NULL DEFAULT 0,
	created_at    TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
	updated_at    TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
	UNIQUE(run_id, sku_code)
);
CREATE INDEX IF NOT EXISTS ix_psc_run_created_desc ON product_sync_candidates(run_id, created_at DESC);
`

const productSyncChunkDDL = `
CREATE TABLE IF NOT EXISTS product_sync_chunks (
	id                    INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id                TEXT NOT NULL REFERENCES product_sync_runs(id) ON DELETE CASCADE,
	chunk_idx             INTEGER NOT NULL,
	status                TEXT NOT NULL DEFAULT 'pending',
	sku_codes             TEXT NOT NULL DEFAULT '[]',
	sku_count             INTEGER NOT NULL DEFAULT 0,
	dsz_missing           INTEGER NOT NULL DEFAULT 0,
	dsz_failed_batches    INTEGER NOT NULL DEFAULT 0,
	dsz_failed_skus       INTEGER NOT NULL DEFAULT 0,
	dsz_requested_total   INTEGER NOT NULL DEFAULT 0,
	dsz_returned_total    INTEGER NOT NULL DEFAULT 0,
	dsz_missing_sku_list  TEXT NOT NULL DEFAULT '[]',
	dsz_failed_sku_list   TEXT NOT NULL DEFAULT '[]',
	dsz_extra_sku_list    TEXT NOT NULL DEFAULT '[]',
	started_at            TEXT,
	finished_at           TEXT,
	last_error            TEXT,
	created_at            TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
	updated_at            TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
	UNIQUE(run_id, chunk_idx)
);
CREATE INDEX IF NOT EXISTS ix_pschunk_run_status_idx ON product_sync_chunks(run_id, status, chunk_idx);
`

const freightCalcConfigDDL = `
CREATE TABLE IF NOT EXISTS freight_calc_config (
	id                              INTEGER PRIMARY KEY AUTOINCREMENT,
	adjust_threshold                TEXT NOT NULL DEFAULT '25.0',
	adjust_rate                     TEXT NOT NULL DEFAULT '0.04',
	remote_1                        TEXT NOT NULL DEFAULT '999',
	remote_2                        TEXT NOT NULL DEFAULT '9999',
	wa_r                            TEXT NOT NULL DEFAULT '9999',
	weighted_ave_shipping_weights   TEXT NOT NULL DEFAULT '0.95',
	weighted_ave_rural_weights      TEXT NOT NULL DEFAULT '0.05',
	cubic_factor                    TEXT NOT NULL DEFAULT '250.0',
	cubic_headroom                  TEXT NOT NULL DEFAULT '1.0',
	price_ratio                     TEXT NOT NULL DEFAULT '0.3',
	med_dif_10                      TEXT NOT NULL DEFAULT '10.0',
	med_dif_20                      TEXT NOT NULL DEFAULT '20.0',
	med_dif_40                      TEXT NOT NULL DEFAULT '40.0',
	same_shipping_0                 TEXT NOT NULL DEFAULT '0.0',
	same_shipping_10                TEXT NOT NULL DEFAULT '10.1',
	same_shipping_20                TEXT NOT NULL DEFAULT '20.1',
	same_shipping_30                TEXT NOT NULL DEFAULT '30.1',
	same_shipping_50                TEXT NOT NULL DEFAULT '50.0',
	same_shipping_100               TEXT NOT NULL DEFAULT '100.0',
	shopify_threshold               TEXT NOT NULL DEFAULT '25.0',
	shopify_config1                 TEXT NOT NULL DEFAULT '1.26',
	shopify_config2                 TEXT NOT NULL DEFAULT '1.22',
	kogan_au_normal_low_denom       TEXT NOT NULL DEFAULT '0.79',
	kogan_au_normal_high_denom      TEXT NOT NULL DEFAULT '0.82',
	kogan_au_extra5_discount        TEXT NOT NULL DEFAULT '0.969',
	kogan_au_vic_half_factor        TEXT NOT NULL DEFAULT '0.5',
	k1_threshold                    TEXT NOT NULL DEFAULT '66.7',
	k1_discount_multiplier          TEXT NOT NULL DEFAULT '0.969',
	k1_otherwise_minus              TEXT NOT NULL DEFAULT '2.01',
	kogan_nz_service_no             TEXT NOT NULL DEFAULT '9999',
	kogan_nz_config1                TEXT NOT NULL DEFAULT '0.08',
	kogan_nz_config2                TEXT NOT NULL DEFAULT '0.12',
	kogan_nz_config3                TEXT NOT NULL DEFAULT '0.90',
	weight_calc_divisor              TEXT NOT NULL DEFAULT '1.5',
	weight_tolerance_ratio           TEXT NOT NULL DEFAULT '0.15',
	created_at                      TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
	updated_at                      TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);
`

const freightRunDDL = `
CREATE TABLE IF NOT EXISTS freight_runs (
	id               TEXT PRIMARY KEY,
	status           TEXT NOT NULL DEFAULT 'pending',
	triggered_by     TEXT,
	product_run_id   TEXT,
	candidate_count  INTEGER NOT NULL DEFAULT 0,
	changed_count    INTEGER NOT NULL DEFAULT 0,
	message          TEXT,
	finished_at      TEXT,
	created_at       TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
	updated_at       TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);
CREATE INDEX IF NOT EXISTS idx_freight_runs_product_run ON freight_runs(product_run_id);
`

const skuFreightFeeDDL = `
CREATE TABLE IF NOT EXISTS kogan_sku_freight_fee (
	sku_code                TEXT PRIMARY KEY,
	adjust                  TEXT,
	same_shipping           TEXT,
	shipping_ave            TEXT,
	shipping_ave_m          TEXT,
	shipping_ave_r          TEXT,
	shipping_med            TEXT,
	remote_check            INTEGER NOT NULL DEFAULT 0,
	rural_ave               TEXT,
	weighted_ave_s          TEXT,
	shipping_med_dif        TEXT,
	weight                  TEXT,
	cubic_weight            TEXT,
	shipping_type           TEXT,
	price_ratio             TEXT,
	selling_price           TEXT,
	shopify_price           TEXT,
	kogan_au_price          TEXT,
	kogan_k1_price          TEXT,
	kogan_nz_price          TEXT,
	attrs_hash_last_calc    TEXT,
	last_changed_run_id     TEXT,
	last_changed_source     TEXT,
	last_changed_at         TEXT,
	kogan_dirty_au          INTEGER NOT NULL DEFAULT 0,
	kogan_dirty_nz          INTEGER NOT NULL DEFAULT 0,
	created_at              TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
	updated_at              TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);
CREATE INDEX IF NOT EXISTS idx_fee_dirty_au ON kogan_sku_freight_fee(sku_code) WHERE kogan_dirty_au = 1;
CREATE INDEX IF NOT EXISTS idx_fee_dirty_nz ON kogan_sku_freight_fee(sku_code) WHERE kogan_dirty_nz = 1;
CREATE INDEX IF NOT EXISTS idx_fee_shipping_type ON kogan_sku_freight_fee(shipping_type);
CREATE INDEX IF NOT EXISTS idx_fee_last_changed_run ON kogan_sku_freight_fee(last_changed_run_id);
`

const scheduleDDL = `
CREATE TABLE IF NOT EXISTS schedules (
	key              TEXT PRIMARY KEY,
	enabled          INTEGER NOT NULL DEFAULT 0,
	day_of_week      TEXT NOT NULL,
	hour             INTEGER NOT NULL,
	minute           INTEGER NOT NULL,
	every_2_weeks    INTEGER NOT NULL DEFAULT 1,
	timezone         TEXT NOT NULL DEFAULT 'Australia/Sydney',
	last_run_at      TEXT,
	created_at       TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
	updated_at       TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
	CHECK (hour BETWEEN 0 AND 23),
	CHECK (minute BETWEEN 0 AND 59),
	CHECK (day_of_week IN ('MON','TUE','WED','THU','FRI','SAT','SUN'))
);
CREATE INDEX IF NOT EXISTS ix_schedules_lookup ON schedules(enabled, day_of_week, hour, minute);
`

const exportJobDDL = `
CREATE TABLE IF NOT EXISTS kogan_export_jobs (
	id           TEXT PRIMARY KEY,
	country      TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	sku_count    INTEGER NOT NULL DEFAULT 0,
	file_name    TEXT,
	file_blob    BLOB,
	error        TEXT,
	created_by   TEXT,
	applied_by   TEXT,
	created_at   TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
	applied_at   TEXT,
	updated_at   TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);
CREATE INDEX IF NOT EXISTS ix_export_jobs_country_created ON kogan_export_jobs(country, created_at DESC);
`

const exportJobSkuDDL = `
CREATE TABLE IF NOT EXISTS kogan_export_job_skus (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id           TEXT NOT NULL REFERENCES kogan_export_jobs(id) ON DELETE CASCADE,
	sku_code         TEXT NOT NULL,
	template_payload TEXT NOT NULL DEFAULT '{}',
	changed_columns  TEXT NOT NULL DEFAULT '[]',
	UNIQUE(job_id, sku_code)
);
`

// koganTemplateBaselineDDL holds the authoritative last-exported-and-applied
// row per (country, sku_code): export-job creation diffs against it,
// apply overwrites it.
const koganTemplateBaselineDDL = `
CREATE TABLE IF NOT EXISTS kogan_template_baseline (
	country     TEXT NOT NULL,
	sku_code    TEXT NOT NULL,
	payload     TEXT NOT NULL DEFAULT '{}',
	updated_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
	PRIMARY KEY (country, sku_code)
);
`
