// cursor.go
//
// Copyright (c) 2026 Kristofer Berggren
// All rights reserved.
//
// nchat is distributed under the MIT license, see LICENSE for details.

package delta

import (
	"sync"

	"github.com/tidwall/gjson"
)

// CursorState is a point-in-time copy of the sync cursor. All values are
// opaque to the client.
type CursorState struct {
	LastSeqID               string
	SyncToken               string
	IrisSeqID               string
	IrisSnapshotTimestampMS string
}

// Cursor is the resume point of the delta stream. It lives only in memory and
// is only ever overwritten with values reported by the server.
type Cursor struct {
	lock  sync.RWMutex
	state CursorState
}

func (c *Cursor) Get() CursorState {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.state
}

// Update copies every cursor field present in the sync payload.
func (c *Cursor) Update(payload gjson.Result) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	changed := false
	set := func(dst *string, path string) {
		val := payload.Get(path)
		if !val.Exists() || val.Type == gjson.Null {
			return
		}
		str := val.String()
		if str == "" {
			return
		}
		if *dst != str {
			changed = true
		}
		*dst = str
	}
	set(&c.state.LastSeqID, "firstDeltaSeqId")
	set(&c.state.LastSeqID, "lastIssuedSeqId")
	set(&c.state.SyncToken, "syncToken")
	set(&c.state.IrisSeqID, "irisSeqId")
	set(&c.state.IrisSnapshotTimestampMS, "irisSnapshotTimestampMs")
	return changed
}

// DropSyncToken forgets the sync token so the next queue request creates a
// new queue. The sequence ids are kept to seed it.
func (c *Cursor) DropSyncToken() {
	c.lock.Lock()
	c.state.SyncToken = ""
	c.lock.Unlock()
}
