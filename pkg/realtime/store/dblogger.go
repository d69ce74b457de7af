// dblogger.go
//
// Copyright (c) 2026 Kristofer Berggren
// All rights reserved.
//
// nchat is distributed under the MIT license, see LICENSE for details.

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
)

type dbLogger struct {
	log zerolog.Logger
}

func NewDBLogger(log zerolog.Logger) dbutil.DatabaseLogger {
	return &dbLogger{log: log.With().Str("component", "database").Logger()}
}

func (d *dbLogger) QueryTiming(ctx context.Context, method, query string, args []any, rowCount int, duration time.Duration, err error) {
	evt := d.log.Trace()
	if duration > time.Second {
		evt = d.log.Warn()
	}
	evt.Err(err).
		Str("method", method).
		Str("query", query).
		Int("rows", rowCount).
		Dur("duration", duration).
		Msg("Query")
}

func (d *dbLogger) WarnUnsupportedVersion(current, compat, latest int) {
	d.log.Warn().
		Int("current_version", current).
		Int("oldest_compatible_version", compat).
		Int("latest_known_version", latest).
		Msg("Unsupported database schema version, continuing anyway")
}

func (d *dbLogger) DoUpgrade(from, to int, message string, txn dbutil.TxnMode) {
	d.log.Info().
		Int("from", from).
		Int("to", to).
		Str("txn_mode", string(txn)).
		Msg("Upgrading database: " + message)
}

func (d *dbLogger) PrepareUpgrade(current, compat, latest int) {
	d.log.Info().
		Int("current_version", current).
		Int("oldest_compatible_version", compat).
		Int("latest_known_version", latest).
		Msg("Preparing database upgrade")
}

func (d *dbLogger) Warn(msg string, args ...any) {
	d.log.Warn().Msg(fmt.Sprintf(msg, args...))
}
