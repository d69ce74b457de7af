// dedup.go
//
// Copyright (c) 2026 Kristofer Berggren
// All rights reserved.
//
// nchat is distributed under the MIT license, see LICENSE for details.

package delta

import (
	"slices"
	"sync"
)

const (
	DefaultDedupSize  = 5000
	DefaultDedupEvict = 1000
)

// DedupCache is an insertion-ordered set of message ids. When it grows past
// its bound the oldest entries are evicted in a single pass.
type DedupCache struct {
	lock  sync.Mutex
	order []string
	set   map[string]struct{}
	max   int
	evict int
}

func NewDedupCache(max, evict int) *DedupCache {
	if max <= 0 {
		max = DefaultDedupSize
	}
	if evict <= 0 || evict > max {
		evict = DefaultDedupEvict
	}
	return &DedupCache{
		order: make([]string, 0, max+1),
		set:   make(map[string]struct{}, max+1),
		max:   max,
		evict: evict,
	}
}

// Add inserts id and reports whether it was new.
func (c *DedupCache) Add(id string) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	if _, seen := c.set[id]; seen {
		return false
	}
	c.set[id] = struct{}{}
	c.order = append(c.order, id)
	if len(c.order) > c.max {
		for _, old := range c.order[:c.evict] {
			delete(c.set, old)
		}
		c.order = slices.Clone(c.order[c.evict:])
	}
	return true
}

func (c *DedupCache) Has(id string) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	_, seen := c.set[id]
	return seen
}

func (c *DedupCache) Len() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.order)
}
