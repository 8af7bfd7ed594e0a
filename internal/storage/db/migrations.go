package db

import "fmt"

const currentVersion = 3

func (d *DB) migrate() error {
	if _, err := d.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}

	var version int
	err := d.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return fmt.Errorf("getting schema version: %w", err)
	}

	migrations := []func(*DB) error{
		migrateV1,
		migrateV2,
		migrateV3,
	}

	for i := version; i < len(migrations); i++ {
		if err := migrations[i](d); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if _, err := d.Exec("INSERT INTO schema_migrations (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("recording migration %d: %w", i+1, err)
		}
	}

	return nil
}

// SchemaVersion returns the highest applied migration.
func (d *DB) SchemaVersion() (int, error) {
	var version int
	if err := d.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		return 0, fmt.Errorf("getting schema version: %w", err)
	}
	return version, nil
}

func migrateV1(d *DB) error {
	statements := []string{
		`CREATE TABLE remote_catalogs (
			pkg_name TEXT PRIMARY KEY,
			source_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			description TEXT,
			version_name TEXT NOT NULL,
			version_code INTEGER NOT NULL,
			pkg_url TEXT NOT NULL,
			icon_url TEXT,
			lang TEXT NOT NULL,
			nsfw INTEGER DEFAULT 0
		)`,
		`CREATE INDEX idx_remote_catalogs_source ON remote_catalogs(source_id)`,
		`CREATE TABLE preferences (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, stmt := range statements {
		if _, err := d.Exec(stmt); err != nil {
			return fmt.Errorf("executing %q: %w", firstLine(stmt), err)
		}
	}

	return nil
}

func migrateV2(d *DB) error {
	// Serialized token buckets, one per source
	_, err := d.Exec(`
		CREATE TABLE IF NOT EXISTS rate_buckets (
			source_id INTEGER PRIMARY KEY,
			state TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

func migrateV3(d *DB) error {
	_, err := d.Exec(`
		CREATE TABLE IF NOT EXISTS cookies (
			domain TEXT NOT NULL,
			path TEXT NOT NULL,
			name TEXT NOT NULL,
			value TEXT NOT NULL,
			expires DATETIME,
			secure INTEGER DEFAULT 0,
			http_only INTEGER DEFAULT 0,
			PRIMARY KEY(domain, path, name)
		)
	`)
	return err
}

func firstLine(stmt string) string {
	for i, c := range stmt {
		if c == '\n' || c == '(' {
			return stmt[:i]
		}
	}
	return stmt
}
