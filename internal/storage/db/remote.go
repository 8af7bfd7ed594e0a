package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/novelshelf/catalogd/internal/domain"
)

const remoteColumns = `pkg_name, source_id, name, description, version_name, version_code, pkg_url, icon_url, lang, nsfw`

// ReplaceRemoteCatalogs swaps the whole remote index cache in one transaction
func (d *DB) ReplaceRemoteCatalogs(ctx context.Context, remotes []domain.CatalogRemote) error {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM remote_catalogs"); err != nil {
		return fmt.Errorf("clearing remote catalogs: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO remote_catalogs (`+remoteColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pkg_name) DO UPDATE SET
			source_id = excluded.source_id,
			name = excluded.name,
			description = excluded.description,
			version_name = excluded.version_name,
			version_code = excluded.version_code,
			pkg_url = excluded.pkg_url,
			icon_url = excluded.icon_url,
			lang = excluded.lang,
			nsfw = excluded.nsfw
	`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range remotes {
		if _, err := stmt.ExecContext(ctx, r.PkgName, r.SourceID, r.Name, r.Description,
			r.VersionName, r.VersionCode, r.PkgURL, r.IconURL, r.Lang, r.NSFW); err != nil {
			return fmt.Errorf("inserting %s: %w", r.PkgName, err)
		}
	}

	return tx.Commit()
}

// GetRemoteCatalogs returns the cached remote index ordered by name
func (d *DB) GetRemoteCatalogs(ctx context.Context) ([]domain.CatalogRemote, error) {
	rows, err := d.QueryContext(ctx, `SELECT `+remoteColumns+` FROM remote_catalogs ORDER BY name COLLATE NOCASE, lang`)
	if err != nil {
		return nil, fmt.Errorf("querying remote catalogs: %w", err)
	}
	defer rows.Close()

	var remotes []domain.CatalogRemote
	for rows.Next() {
		r, err := scanRemote(rows)
		if err != nil {
			return nil, err
		}
		remotes = append(remotes, *r)
	}
	return remotes, rows.Err()
}

// GetRemoteCatalog returns one cached entry by package name
func (d *DB) GetRemoteCatalog(ctx context.Context, pkgName string) (*domain.CatalogRemote, error) {
	row := d.QueryRowContext(ctx, `SELECT `+remoteColumns+` FROM remote_catalogs WHERE pkg_name = ?`, pkgName)
	r, err := scanRemote(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrCatalogNotFound
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRemote(s scanner) (*domain.CatalogRemote, error) {
	var (
		r           domain.CatalogRemote
		description sql.NullString
		iconURL     sql.NullString
	)
	err := s.Scan(&r.PkgName, &r.SourceID, &r.Name, &description, &r.VersionName,
		&r.VersionCode, &r.PkgURL, &iconURL, &r.Lang, &r.NSFW)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning remote catalog: %w", err)
	}
	r.Description = description.String
	r.IconURL = iconURL.String
	return &r, nil
}
