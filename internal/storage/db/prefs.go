package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/novelshelf/catalogd/internal/domain"
)

const (
	prefInstallerMode   = "installer_mode"
	prefPinnedCatalogs  = "pinned_catalogs"
	prefLastRemoteCheck = "last_remote_check"
	prefLastListing     = "last_listing:"
)

// GetPref returns a preference value and whether it was set
func (d *DB) GetPref(key string) (string, bool, error) {
	var value string
	err := d.QueryRow("SELECT value FROM preferences WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("getting preference %s: %w", key, err)
	}
	return value, true, nil
}

// SetPref saves or updates a preference value
func (d *DB) SetPref(key, value string) error {
	_, err := d.Exec(`
        INSERT INTO preferences (key, value, updated_at)
        VALUES (?, ?, CURRENT_TIMESTAMP)
        ON CONFLICT(key) DO UPDATE SET
            value = excluded.value,
            updated_at = CURRENT_TIMESTAMP
    `, key, value)
	if err != nil {
		return fmt.Errorf("saving preference %s: %w", key, err)
	}
	return nil
}

// DeletePref removes a preference
func (d *DB) DeletePref(key string) error {
	if _, err := d.Exec("DELETE FROM preferences WHERE key = ?", key); err != nil {
		return fmt.Errorf("deleting preference %s: %w", key, err)
	}
	return nil
}

// InstallerMode returns the preferred installer for native packages.
// fallback is used when the user never chose one.
func (d *DB) InstallerMode(fallback domain.InstallerMode) (domain.InstallerMode, error) {
	v, ok, err := d.GetPref(prefInstallerMode)
	if err != nil || !ok {
		return fallback, err
	}
	return domain.ParseInstallerMode(v), nil
}

// SetInstallerMode stores the preferred installer
func (d *DB) SetInstallerMode(mode domain.InstallerMode) error {
	return d.SetPref(prefInstallerMode, mode.String())
}

// PinnedCatalogs returns the pinned source ids in ascending order
func (d *DB) PinnedCatalogs() ([]int64, error) {
	v, ok, err := d.GetPref(prefPinnedCatalogs)
	if err != nil || !ok {
		return nil, err
	}
	var ids []int64
	if err := json.Unmarshal([]byte(v), &ids); err != nil {
		return nil, fmt.Errorf("decoding pinned catalogs: %w", err)
	}
	return ids, nil
}

// SetPinnedCatalogs replaces the pinned set
func (d *DB) SetPinnedCatalogs(ids []int64) error {
	ids = slices.Clone(ids)
	slices.Sort(ids)
	ids = slices.Compact(ids)
	data, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("encoding pinned catalogs: %w", err)
	}
	return d.SetPref(prefPinnedCatalogs, string(data))
}

// LastListing returns the listing last used for a source, empty if none
func (d *DB) LastListing(sourceID int64) (string, error) {
	v, _, err := d.GetPref(prefLastListing + strconv.FormatInt(sourceID, 10))
	return v, err
}

// SetLastListing remembers the listing used for a source
func (d *DB) SetLastListing(sourceID int64, listing string) error {
	return d.SetPref(prefLastListing+strconv.FormatInt(sourceID, 10), listing)
}

// LastRemoteCheck returns when the remote index was last fetched, zero if never
func (d *DB) LastRemoteCheck() (time.Time, error) {
	v, ok, err := d.GetPref(prefLastRemoteCheck)
	if err != nil || !ok {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing last remote check: %w", err)
	}
	return time.UnixMilli(ms), nil
}

// SetLastRemoteCheck records a successful remote index fetch
func (d *DB) SetLastRemoteCheck(t time.Time) error {
	return d.SetPref(prefLastRemoteCheck, strconv.FormatInt(t.UnixMilli(), 10))
}
