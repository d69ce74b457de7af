// upgrades.go
//
// Copyright (c) 2026 Kristofer Berggren
// All rights reserved.
//
// nchat is distributed under the MIT license, see LICENSE for details.

package upgrades

import (
	"context"

	"go.mau.fi/util/dbutil"
)

var Table dbutil.UpgradeTable

func init() {
	Table.Register(-1, 1, 0, "Initial revision", dbutil.TxnModeOn, func(ctx context.Context, db *dbutil.Database) error {
		_, err := db.Exec(ctx, `
			CREATE TABLE mgchat_credentials (
				user_id    TEXT   PRIMARY KEY,
				cookies    TEXT   NOT NULL,
				csrf_token TEXT   NOT NULL DEFAULT '',
				updated_at BIGINT NOT NULL
			)
		`)
		return err
	})
	Table.Register(-1, 2, 1, "Add region to credentials", dbutil.TxnModeOn, func(ctx context.Context, db *dbutil.Database) error {
		_, err := db.Exec(ctx, `ALTER TABLE mgchat_credentials ADD COLUMN region TEXT NOT NULL DEFAULT ''`)
		return err
	})
}
