// container.go
//
// Copyright (c) 2026 Kristofer Berggren
// All rights reserved.
//
// nchat is distributed under the MIT license, see LICENSE for details.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	"github.com/d99kris/nchat/lib/mgchat/go/pkg/realtime/store/upgrades"
)

// Container is a wrapper for a SQL database holding mgchat sessions.
type Container struct {
	db *dbutil.Database
}

func NewStore(db *dbutil.Database, log dbutil.DatabaseLogger) *Container {
	return &Container{db: db.Child("mgchat_version", upgrades.Table, log)}
}

// Open opens (and creates if needed) the SQLite database at path and
// upgrades it to the latest schema.
func Open(ctx context.Context, path string, log zerolog.Logger) (*Container, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	rawDB, err := dbutil.NewWithDB(db, "sqlite3")
	if err != nil {
		return nil, fmt.Errorf("failed to wrap database: %w", err)
	}
	container := NewStore(rawDB, NewDBLogger(log))
	if err = container.Upgrade(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to upgrade database: %w", err)
	}
	return container, nil
}

func (c *Container) Upgrade(ctx context.Context) error {
	return c.db.Upgrade(ctx)
}

func (c *Container) Close() error {
	return c.db.Close()
}

const (
	getCredentialsBaseQuery = `
		SELECT user_id, cookies, csrf_token, region, updated_at FROM mgchat_credentials
	`
	getCredentialsQuery    = getCredentialsBaseQuery + ` WHERE user_id=$1`
	latestCredentialsQuery = getCredentialsBaseQuery + ` ORDER BY updated_at DESC LIMIT 1`
	putCredentialsQuery    = `
		INSERT INTO mgchat_credentials (user_id, cookies, csrf_token, region, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			cookies=excluded.cookies,
			csrf_token=excluded.csrf_token,
			region=excluded.region,
			updated_at=excluded.updated_at
	`
	deleteCredentialsQuery = `DELETE FROM mgchat_credentials WHERE user_id=$1`
	updateRegionQuery      = `UPDATE mgchat_credentials SET region=$2 WHERE user_id=$1`
)

// ErrUserIDMustBeSet is returned by PutCredentials for credentials without a user id.
var ErrUserIDMustBeSet = errors.New("credentials user_id must be known before accessing database")

func scanCredentials(row dbutil.Scannable) (*Credentials, error) {
	var creds Credentials
	var cookies string
	var updatedAt int64
	err := row.Scan(&creds.UserID, &cookies, &creds.CSRFToken, &creds.Region, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to scan credentials: %w", err)
	}
	if err = json.Unmarshal([]byte(cookies), &creds.Cookies); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cookies: %w", err)
	}
	creds.UpdatedAt = time.UnixMilli(updatedAt)
	return &creds, nil
}

// GetCredentials returns the stored credentials of userID, or nil if there
// are none.
func (c *Container) GetCredentials(ctx context.Context, userID string) (*Credentials, error) {
	return scanCredentials(c.db.QueryRow(ctx, getCredentialsQuery, userID))
}

// LatestCredentials returns the most recently stored credentials, or nil.
func (c *Container) LatestCredentials(ctx context.Context) (*Credentials, error) {
	return scanCredentials(c.db.QueryRow(ctx, latestCredentialsQuery))
}

func (c *Container) PutCredentials(ctx context.Context, creds *Credentials) error {
	if creds.UserID == "" {
		return ErrUserIDMustBeSet
	}
	cookies, err := json.Marshal(creds.Cookies)
	if err != nil {
		return fmt.Errorf("failed to marshal cookies: %w", err)
	}
	if creds.UpdatedAt.IsZero() {
		creds.UpdatedAt = time.Now()
	}
	_, err = c.db.Exec(ctx, putCredentialsQuery, creds.UserID, string(cookies), creds.CSRFToken, creds.Region, creds.UpdatedAt.UnixMilli())
	if err != nil {
		zerolog.Ctx(ctx).Err(err).Str("user_id", creds.UserID).Msg("Failed to store credentials")
	}
	return err
}

func (c *Container) SetRegion(ctx context.Context, userID, region string) error {
	_, err := c.db.Exec(ctx, updateRegionQuery, userID, region)
	return err
}

func (c *Container) DeleteCredentials(ctx context.Context, userID string) error {
	_, err := c.db.Exec(ctx, deleteCredentialsQuery, userID)
	return err
}
