package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// StoredCookie is a persisted cookie jar entry
type StoredCookie struct {
	Domain   string
	Path     string
	Name     string
	Value    string
	Expires  time.Time // Zero for session cookies
	Secure   bool
	HTTPOnly bool
}

// SaveCookies upserts cookies; entries with a past expiry are deleted instead
func (d *DB) SaveCookies(ctx context.Context, cookies []StoredCookie) error {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	for _, c := range cookies {
		if !c.Expires.IsZero() && c.Expires.Before(now) {
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM cookies WHERE domain = ? AND path = ? AND name = ?",
				c.Domain, c.Path, c.Name); err != nil {
				return fmt.Errorf("deleting cookie %s: %w", c.Name, err)
			}
			continue
		}

		var expires sql.NullTime
		if !c.Expires.IsZero() {
			expires = sql.NullTime{Time: c.Expires, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO cookies (domain, path, name, value, expires, secure, http_only)
            VALUES (?, ?, ?, ?, ?, ?, ?)
            ON CONFLICT(domain, path, name) DO UPDATE SET
                value = excluded.value,
                expires = excluded.expires,
                secure = excluded.secure,
                http_only = excluded.http_only
        `, c.Domain, c.Path, c.Name, c.Value, expires, c.Secure, c.HTTPOnly); err != nil {
			return fmt.Errorf("saving cookie %s: %w", c.Name, err)
		}
	}

	return tx.Commit()
}

// LoadCookies returns every unexpired cookie
func (d *DB) LoadCookies(ctx context.Context) ([]StoredCookie, error) {
	rows, err := d.QueryContext(ctx, `
        SELECT domain, path, name, value, expires, secure, http_only
        FROM cookies
    `)
	if err != nil {
		return nil, fmt.Errorf("querying cookies: %w", err)
	}
	defer rows.Close()

	now := time.Now()
	var cookies []StoredCookie
	for rows.Next() {
		var (
			c       StoredCookie
			expires sql.NullTime
		)
		if err := rows.Scan(&c.Domain, &c.Path, &c.Name, &c.Value, &expires, &c.Secure, &c.HTTPOnly); err != nil {
			return nil, fmt.Errorf("scanning cookie: %w", err)
		}
		if expires.Valid {
			if expires.Time.Before(now) {
				continue
			}
			c.Expires = expires.Time
		}
		cookies = append(cookies, c)
	}
	return cookies, rows.Err()
}

// ClearCookies deletes cookies for a domain, or all cookies when domain is empty
func (d *DB) ClearCookies(ctx context.Context, domain string) error {
	var err error
	if domain == "" {
		_, err = d.ExecContext(ctx, "DELETE FROM cookies")
	} else {
		_, err = d.ExecContext(ctx, "DELETE FROM cookies WHERE domain = ?", domain)
	}
	if err != nil {
		return fmt.Errorf("clearing cookies: %w", err)
	}
	return nil
}
