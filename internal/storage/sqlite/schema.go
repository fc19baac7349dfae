package sqlite

const schema = `
-- Files discovered by the scanner. path is the repo-relative file path.
CREATE TABLE IF NOT EXISTS files (
    path TEXT PRIMARY KEY,
    checksum TEXT NOT NULL DEFAULT '',
    language TEXT NOT NULL DEFAULT '',
    special_file_type TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'PENDING',
    error_message TEXT NOT NULL DEFAULT '',
    last_processed DATETIME
);

CREATE INDEX IF NOT EXISTS idx_files_status ON files(status);

-- Points of interest. id is the content fingerprint; ON UPDATE CASCADE lets
-- a file rename flow through to its POI rows in one statement.
CREATE TABLE IF NOT EXISTS points_of_interest (
    id TEXT PRIMARY KEY,
    file_path TEXT NOT NULL REFERENCES files(path) ON DELETE CASCADE ON UPDATE CASCADE,
    name TEXT NOT NULL,
    type TEXT NOT NULL,
    start_line INTEGER NOT NULL,
    end_line INTEGER NOT NULL,
    confidence REAL NOT NULL DEFAULT 0,
    graph_status TEXT NOT NULL DEFAULT 'PENDING'
);

CREATE INDEX IF NOT EXISTS idx_poi_file ON points_of_interest(file_path);
CREATE INDEX IF NOT EXISTS idx_poi_graph_status ON points_of_interest(graph_status);

-- Candidate and resolved relationships. id is the relationship fingerprint
-- hash(source, target, type). Endpoint FKs cascade on both delete and
-- update so file removals and POI re-keys stay consistent.
CREATE TABLE IF NOT EXISTS resolved_relationships (
    id TEXT PRIMARY KEY,
    source_poi_id TEXT NOT NULL REFERENCES points_of_interest(id) ON DELETE CASCADE ON UPDATE CASCADE,
    target_poi_id TEXT NOT NULL REFERENCES points_of_interest(id) ON DELETE CASCADE ON UPDATE CASCADE,
    type TEXT NOT NULL,
    confidence REAL NOT NULL DEFAULT 0,
    explanation TEXT NOT NULL DEFAULT '',
    pass_type TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'PENDING'
);

CREATE INDEX IF NOT EXISTS idx_rel_status ON resolved_relationships(status);
CREATE INDEX IF NOT EXISTS idx_rel_source ON resolved_relationships(source_poi_id);

-- Evidence rows accumulate per fingerprint and are purged on reconciliation.
-- One evidence row per (fingerprint, run, pass): a redelivered finding
-- collapses onto the first copy instead of inflating the evidence set.
CREATE TABLE IF NOT EXISTS relationship_evidence (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    relationship_id TEXT NOT NULL REFERENCES resolved_relationships(id) ON DELETE CASCADE ON UPDATE CASCADE,
    run_id TEXT NOT NULL,
    pass_type TEXT NOT NULL DEFAULT '',
    evidence_payload TEXT NOT NULL DEFAULT '',
    UNIQUE (relationship_id, run_id, pass_type)
);

-- The transactional outbox. Rows are written in the same transaction as the
-- state change they announce and flipped to PUBLISHED by the publisher.
CREATE TABLE IF NOT EXISTS outbox (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    payload TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'PENDING',
    attempts INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox(status, id);

-- Directory summaries feed the global resolution pass.
CREATE TABLE IF NOT EXISTS directory_summaries (
    run_id TEXT NOT NULL,
    directory_path TEXT NOT NULL,
    summary_text TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (run_id, directory_path)
);

-- Refactor tasks recorded by the scanner and applied by the graph ingestor
-- before any nodes are merged.
CREATE TABLE IF NOT EXISTS refactor_tasks (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    task_type TEXT NOT NULL,
    old_path TEXT NOT NULL,
    new_path TEXT NOT NULL DEFAULT '',
    poi_id_map TEXT NOT NULL DEFAULT '{}',
    status TEXT NOT NULL DEFAULT 'PENDING',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_refactor_status ON refactor_tasks(status);

-- The (path, checksum) set from the last completed scan, diffed by the next.
CREATE TABLE IF NOT EXISTS scan_snapshots (
    root_path TEXT NOT NULL,
    path TEXT NOT NULL,
    checksum TEXT NOT NULL,
    PRIMARY KEY (root_path, path)
);

-- One row per end-to-end pipeline execution.
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    root_path TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'RUNNING',
    started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    finished_at DATETIME
);
`
