// Reef is a rolling firmware update engine for Redfish BMC fleets.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package models

import (
	"encoding/json"
)

// Details is the open-ended configuration/result map attached to jobs and
// workflow steps. The engine reads a known set of keys with defaults and
// preserves everything else on write. Values round-trip through JSON, so
// numbers read back as float64.
type Details map[string]any

// Clone returns a shallow copy so callers can mutate without aliasing.
func (d Details) Clone() Details {
	if d == nil {
		return Details{}
	}
	out := make(Details, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Merge overlays src onto d, returning d for chaining. Keys present in src
// win; keys absent from src are preserved.
func (d Details) Merge(src Details) Details {
	for k, v := range src {
		d[k] = v
	}
	return d
}

// Bool reads a boolean key, tolerating JSON round-trip representations.
func (d Details) Bool(key string, def bool) bool {
	v, ok := d[key]
	if !ok {
		return def
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "true" || t == "1"
	default:
		return def
	}
}

// String reads a string key.
func (d Details) String(key, def string) string {
	if v, ok := d[key].(string); ok {
		return v
	}
	return def
}

// Int reads an integer key. JSON decoding yields float64, so both forms
// are accepted.
func (d Details) Int(key string, def int) int {
	switch t := d[key].(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}

// Float reads a float key.
func (d Details) Float(key string, def float64) float64 {
	switch t := d[key].(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
	}
	return def
}

// StringSlice reads a list-of-strings key, tolerating []any from JSON.
func (d Details) StringSlice(key string) []string {
	switch t := d[key].(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Map reads a nested map key, tolerating map[string]any from JSON.
func (d Details) Map(key string) Details {
	switch t := d[key].(type) {
	case Details:
		return t
	case map[string]any:
		return Details(t)
	}
	return nil
}

// Has reports whether the key is present at all.
func (d Details) Has(key string) bool {
	_, ok := d[key]
	return ok
}
