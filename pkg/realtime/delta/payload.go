// payload.go
//
// Copyright (c) 2026 Kristofer Berggren
// All rights reserved.
//
// nchat is distributed under the MIT license, see LICENSE for details.

package delta

import (
	"github.com/tidwall/gjson"
)

// ParsePayload parses a raw frame body into a JSON object. Bodies that are not
// valid JSON (for example ones carrying a "for (;;);" guard prefix or trailing
// garbage) are searched for the first balanced {...} object instead.
func ParsePayload(raw []byte) (gjson.Result, bool) {
	if gjson.ValidBytes(raw) {
		res := gjson.ParseBytes(raw)
		if res.IsObject() {
			return res, true
		}
	}
	obj := firstBalancedObject(raw)
	if obj == nil || !gjson.ValidBytes(obj) {
		return gjson.Result{}, false
	}
	return gjson.ParseBytes(obj), true
}

func firstBalancedObject(raw []byte) []byte {
	start := -1
	depth := 0
	inString := false
	escaped := false
	for i, c := range raw {
		if start < 0 {
			if c == '{' {
				start = i
				depth = 1
			}
			continue
		}
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return raw[start : i+1]
			}
		}
	}
	return nil
}
