package store

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS invoices (
	id               TEXT PRIMARY KEY,
	client_name      TEXT NOT NULL DEFAULT '',
	contact          TEXT NOT NULL,
	amount           REAL NOT NULL,
	currency         TEXT NOT NULL DEFAULT '',
	due_date         TIMESTAMP NOT NULL,
	status           TEXT NOT NULL DEFAULT 'PENDING',
	reminder_count   INTEGER NOT NULL DEFAULT 0,
	last_reminded_at TIMESTAMP NULL,
	note             TEXT NOT NULL DEFAULT '',
	updated_at       TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_invoices_status ON invoices (status);
CREATE INDEX IF NOT EXISTS idx_invoices_contact ON invoices (contact COLLATE NOCASE);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS invoices (
	id               TEXT PRIMARY KEY,
	client_name      TEXT NOT NULL DEFAULT '',
	contact          TEXT NOT NULL,
	amount           DOUBLE PRECISION NOT NULL,
	currency         TEXT NOT NULL DEFAULT '',
	due_date         TIMESTAMPTZ NOT NULL,
	status           TEXT NOT NULL DEFAULT 'PENDING',
	reminder_count   INTEGER NOT NULL DEFAULT 0,
	last_reminded_at TIMESTAMPTZ NULL,
	note             TEXT NOT NULL DEFAULT '',
	updated_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_invoices_status ON invoices (status);
CREATE INDEX IF NOT EXISTS idx_invoices_contact ON invoices (LOWER(contact));
`
